package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Algolia endpoint var so tests can point at a local server.
var hnAlgoliaURL = "https://hn.algolia.com/api/v1"

// aggregatorAdapter reads Hacker News listings through the Algolia API.
// The identifier is one of the listing presets validated at subscribe time.
type aggregatorAdapter struct {
	deps Deps
}

type hnResponse struct {
	Hits []hnHit `json:"hits"`
}

type hnHit struct {
	ObjectID  string `json:"objectID"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	StoryText string `json:"story_text"`
	CreatedAt string `json:"created_at"`
	Points    int    `json:"points"`
}

func (a *aggregatorAdapter) Fetch(ctx context.Context, identifier, watermark string) ([]CandidateItem, string, error) {
	endpoint, tags := a.listing(identifier)

	q := url.Values{}
	q.Set("tags", tags)
	q.Set("hitsPerPage", fmt.Sprintf("%d", a.deps.fetchLimit()))
	reqURL := fmt.Sprintf("%s/%s?%s", hnAlgoliaURL, endpoint, q.Encode())

	resp, err := get(ctx, a.deps.httpClient(), reqURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var payload hnResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, "", fmt.Errorf("%w: decoding response: %v", ErrFormat, err)
	}

	since := decodeTimeWatermark(watermark)
	newest := since
	var items []CandidateItem
	for _, hit := range payload.Hits {
		if hit.ObjectID == "" {
			continue
		}
		created, _ := time.Parse(time.RFC3339, hit.CreatedAt)
		// Ranked listings (top/best) resurface old stories; the store's
		// dedup handles those, so the watermark only gates the "new" feed.
		if identifier == "new" && !since.IsZero() && !created.IsZero() && !created.After(since) {
			continue
		}
		if created.After(newest) {
			newest = created
		}

		link := hit.URL
		if link == "" {
			link = "https://news.ycombinator.com/item?id=" + hit.ObjectID
		}
		items = append(items, CandidateItem{
			ExternalID:  hit.ObjectID,
			Title:       hit.Title,
			Body:        hit.StoryText,
			URL:         link,
			PublishedAt: created.UTC(),
		})
		if len(items) >= a.deps.fetchLimit() {
			break
		}
	}

	return items, encodeTimeWatermark(newest), nil
}

func (a *aggregatorAdapter) listing(preset string) (endpoint, tags string) {
	switch preset {
	case "new":
		return "search_by_date", "story"
	case "best":
		return "search", "story"
	case "ask":
		return "search", "ask_hn"
	case "show":
		return "search", "show_hn"
	default: // "top"
		return "search", "front_page"
	}
}
