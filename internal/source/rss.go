package source

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

type feedKind int

const (
	feedNews feedKind = iota
	feedPodcast
	feedPreprint
	feedVideo
)

// Feed endpoints for identifier-derived feeds; vars so tests can point them
// at a local server.
var (
	arxivFeedURL   = "https://rss.arxiv.org/rss/%s"
	youtubeFeedURL = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"
	youtubePageURL = "https://www.youtube.com/%s"
)

// feedAdapter handles every syndication-feed-shaped source: news RSS/Atom,
// podcast RSS, arXiv category listings, and YouTube channel feeds. The kinds
// differ only in how the feed URL is derived and which fields carry media.
type feedAdapter struct {
	deps Deps
	kind feedKind
}

func (a *feedAdapter) Fetch(ctx context.Context, identifier, watermark string) ([]CandidateItem, string, error) {
	feedURL, err := a.feedURL(ctx, identifier)
	if err != nil {
		return nil, "", err
	}

	resp, err := get(ctx, a.deps.httpClient(), feedURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: parsing feed: %v", ErrFormat, err)
	}

	since := decodeTimeWatermark(watermark)
	newest := since
	var items []CandidateItem
	for _, entry := range feed.Items {
		if len(items) >= a.deps.fetchLimit() {
			break
		}
		published := entryTime(entry)
		if !published.IsZero() && !since.IsZero() && !published.After(since) {
			continue
		}
		item := CandidateItem{
			ExternalID:  a.externalID(entry),
			Title:       entry.Title,
			Body:        entryBody(entry),
			URL:         entry.Link,
			PublishedAt: published,
		}
		if item.ExternalID == "" {
			continue // nothing stable to dedup on
		}
		switch a.kind {
		case feedPodcast:
			item.MediaURL = audioEnclosure(entry)
			if item.MediaURL == "" {
				continue // a podcast entry without audio is noise
			}
		case feedVideo:
			item.MediaURL = entry.Link
		}
		// Only ingested entries advance the watermark; a skipped entry must
		// stay visible to later polls.
		if published.After(newest) {
			newest = published
		}
		items = append(items, item)
	}

	return items, encodeTimeWatermark(newest), nil
}

func (a *feedAdapter) feedURL(ctx context.Context, identifier string) (string, error) {
	switch a.kind {
	case feedNews, feedPodcast:
		return identifier, nil
	case feedPreprint:
		return fmt.Sprintf(arxivFeedURL, identifier), nil
	case feedVideo:
		channelID := identifier
		if strings.HasPrefix(identifier, "@") {
			resolved, err := a.resolveChannelID(ctx, identifier)
			if err != nil {
				return "", err
			}
			channelID = resolved
		}
		return fmt.Sprintf(youtubeFeedURL, channelID), nil
	default:
		return "", fmt.Errorf("%w: feed kind %d", ErrFormat, a.kind)
	}
}

var channelIDPageRe = regexp.MustCompile(`(?:"channelId":"|channel_id=)(UC[A-Za-z0-9_-]{22})`)

// resolveChannelID scrapes the channel page for the canonical channel ID;
// handles have no feed of their own.
func (a *feedAdapter) resolveChannelID(ctx context.Context, handle string) (string, error) {
	resp, err := get(ctx, a.deps.httpClient(), fmt.Sprintf(youtubePageURL, handle))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading channel page: %v", ErrUnreachable, err)
	}
	m := channelIDPageRe.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("%w: no channel ID on page for %s", ErrFormat, handle)
	}
	return string(m[1]), nil
}

func (a *feedAdapter) externalID(entry *gofeed.Item) string {
	if a.kind == feedVideo {
		if ext, ok := entry.Extensions["yt"]; ok {
			if ids, ok := ext["videoId"]; ok && len(ids) > 0 && ids[0].Value != "" {
				return ids[0].Value
			}
		}
		return strings.TrimPrefix(entry.GUID, "yt:video:")
	}
	if entry.GUID != "" {
		return entry.GUID
	}
	return entry.Link
}

func entryTime(entry *gofeed.Item) time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed.UTC()
	}
	if entry.UpdatedParsed != nil {
		return entry.UpdatedParsed.UTC()
	}
	return time.Time{}
}

func entryBody(entry *gofeed.Item) string {
	if entry.Description != "" {
		return entry.Description
	}
	return entry.Content
}

func audioEnclosure(entry *gofeed.Item) string {
	for _, enc := range entry.Enclosures {
		if strings.HasPrefix(enc.Type, "audio/") || enc.Type == "" {
			return enc.URL
		}
	}
	return ""
}

// Watermarks for feed sources are the newest published timestamp seen.

func decodeTimeWatermark(w string) time.Time {
	if w == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, w)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTimeWatermark(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
