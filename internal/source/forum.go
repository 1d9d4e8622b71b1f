package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Listing endpoint var so tests can point at a local server.
var redditListingURL = "https://www.reddit.com/r/%s/new.json?limit=%d&raw_json=1"

// forumAdapter reads a subreddit's newest submissions through the public
// JSON listing API.
type forumAdapter struct {
	deps Deps
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	SelfText   string  `json:"selftext"`
	URL        string  `json:"url"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
}

func (a *forumAdapter) Fetch(ctx context.Context, identifier, watermark string) ([]CandidateItem, string, error) {
	listURL := fmt.Sprintf(redditListingURL, identifier, a.deps.fetchLimit())
	resp, err := get(ctx, a.deps.httpClient(), listURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, "", fmt.Errorf("%w: decoding listing: %v", ErrFormat, err)
	}

	since := decodeTimeWatermark(watermark)
	newest := since
	var items []CandidateItem
	for _, child := range listing.Data.Children {
		post := child.Data
		if post.ID == "" {
			continue
		}
		created := time.Unix(int64(post.CreatedUTC), 0).UTC()
		if !since.IsZero() && !created.After(since) {
			continue
		}
		if created.After(newest) {
			newest = created
		}

		link := post.URL
		if link == "" && post.Permalink != "" {
			link = "https://www.reddit.com" + post.Permalink
		}
		items = append(items, CandidateItem{
			ExternalID:  post.ID,
			Title:       post.Title,
			Body:        post.SelfText,
			URL:         link,
			PublishedAt: created,
		})
		if len(items) >= a.deps.fetchLimit() {
			break
		}
	}

	return items, encodeTimeWatermark(newest), nil
}
