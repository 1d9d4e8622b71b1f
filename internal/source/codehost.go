package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// API endpoint var so tests can point at a local server.
var githubAPIURL = "https://api.github.com"

// codeHostAdapter reads a repository's releases through the GitHub REST API.
// The watermark is the numeric ID of the newest release seen; release IDs
// are monotonically increasing.
type codeHostAdapter struct {
	deps Deps
}

type githubRelease struct {
	ID          int64  `json:"id"`
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	Body        string `json:"body"`
	HTMLURL     string `json:"html_url"`
	PublishedAt string `json:"published_at"`
	Draft       bool   `json:"draft"`
}

func (a *codeHostAdapter) Fetch(ctx context.Context, identifier, watermark string) ([]CandidateItem, string, error) {
	reqURL := fmt.Sprintf("%s/repos/%s/releases?per_page=%d", githubAPIURL, identifier, a.deps.fetchLimit())
	resp, err := get(ctx, a.deps.httpClient(), reqURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var releases []githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, "", fmt.Errorf("%w: decoding releases: %v", ErrFormat, err)
	}

	lastID, _ := strconv.ParseInt(watermark, 10, 64)
	newest := lastID
	var items []CandidateItem
	for _, rel := range releases {
		if rel.Draft || rel.ID == 0 {
			continue
		}
		if rel.ID <= lastID {
			continue
		}
		if rel.ID > newest {
			newest = rel.ID
		}

		title := rel.Name
		if title == "" {
			title = rel.TagName
		}
		published, _ := time.Parse(time.RFC3339, rel.PublishedAt)
		items = append(items, CandidateItem{
			ExternalID:  strconv.FormatInt(rel.ID, 10),
			Title:       fmt.Sprintf("%s %s", identifier, title),
			Body:        rel.Body,
			URL:         rel.HTMLURL,
			PublishedAt: published.UTC(),
		})
		if len(items) >= a.deps.fetchLimit() {
			break
		}
	}

	var wm string
	if newest > 0 {
		wm = strconv.FormatInt(newest, 10)
	}
	return items, wm, nil
}
