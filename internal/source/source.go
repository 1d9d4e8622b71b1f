// Package source implements the fetch/normalize adapters for the closed set
// of supported source types. Adapters are pure with respect to local state:
// they read the remote source and the given watermark, and return candidate
// items — they never touch the content store.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Supported source types.
const (
	TypeNews       = "news"       // RSS/Atom feed URL
	TypeForum      = "forum"      // subreddit
	TypeAggregator = "aggregator" // Hacker News listing preset
	TypeCodeHost   = "codehost"   // GitHub owner/repo releases
	TypePreprint   = "preprint"   // arXiv category listing
	TypeVideo      = "video"      // YouTube channel
	TypePodcast    = "podcast"    // podcast RSS URL
	TypeSocial     = "social"     // profile page, browser-rendered
)

// Types lists every supported source type.
var Types = []string{
	TypeNews, TypeForum, TypeAggregator, TypeCodeHost,
	TypePreprint, TypeVideo, TypePodcast, TypeSocial,
}

var (
	// ErrUnknownType is returned for a source type outside the closed set.
	ErrUnknownType = errors.New("unknown source type")
	// ErrInvalidIdentifier is returned when an identifier does not match the
	// source type's grammar.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrUnreachable marks transient network failures; retried next cycle.
	ErrUnreachable = errors.New("source unreachable")
	// ErrFormat marks an unparsable response; not retryable without an
	// adapter change.
	ErrFormat = errors.New("source format error")
	// ErrRateLimited marks an explicit backoff signal from the source.
	ErrRateLimited = errors.New("source rate limited")
)

// CandidateItem is an adapter-produced, not-yet-committed item.
type CandidateItem struct {
	ExternalID  string
	Title       string
	Body        string
	URL         string
	PublishedAt time.Time
	MediaURL    string // non-empty for audio-bearing items
}

// Fetcher is the single capability every source type implements. It returns
// candidate items newer than the watermark plus the new watermark to store
// on success.
type Fetcher interface {
	Fetch(ctx context.Context, identifier, watermark string) ([]CandidateItem, string, error)
}

// Renderer is the browser-rendering collaborator needed by the social
// adapter; sources without a structured feed are read from the rendered page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (title, text string, err error)
}

// Deps carries shared adapter dependencies.
type Deps struct {
	HTTPClient *http.Client
	Renderer   Renderer
	FetchLimit int // per-poll item cap; <=0 means the default
}

// DefaultFetchLimit caps how many items one poll may ingest per source.
// A source producing more than this between two polls loses the overflow;
// that is an accepted limitation, not a bug.
const DefaultFetchLimit = 30

func (d Deps) fetchLimit() int {
	if d.FetchLimit <= 0 {
		return DefaultFetchLimit
	}
	return d.FetchLimit
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// New returns the adapter for sourceType. Adding a source type means adding
// one case here and one adapter, nothing else.
func New(sourceType string, deps Deps) (Fetcher, error) {
	switch sourceType {
	case TypeNews:
		return &feedAdapter{deps: deps, kind: feedNews}, nil
	case TypePodcast:
		return &feedAdapter{deps: deps, kind: feedPodcast}, nil
	case TypePreprint:
		return &feedAdapter{deps: deps, kind: feedPreprint}, nil
	case TypeVideo:
		return &feedAdapter{deps: deps, kind: feedVideo}, nil
	case TypeForum:
		return &forumAdapter{deps: deps}, nil
	case TypeAggregator:
		return &aggregatorAdapter{deps: deps}, nil
	case TypeCodeHost:
		return &codeHostAdapter{deps: deps}, nil
	case TypeSocial:
		return &socialAdapter{deps: deps}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, sourceType)
	}
}

var (
	subredditRe = regexp.MustCompile(`^[A-Za-z0-9_]{2,21}$`)
	ownerRepoRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	arxivCatRe  = regexp.MustCompile(`^[a-z-]+(\.[A-Za-z-]+)?$`)
	channelIDRe = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)
	handleRe    = regexp.MustCompile(`^@[A-Za-z0-9._-]{3,30}$`)
)

// arXiv category shortcuts resolved to canonical identifiers at
// subscription time.
var preprintPresets = map[string]string{
	"ml":       "cs.LG",
	"ai":       "cs.AI",
	"nlp":      "cs.CL",
	"vision":   "cs.CV",
	"robotics": "cs.RO",
	"crypto":   "cs.CR",
}

// Hacker News listing presets; the identifier is the preset itself.
var aggregatorPresets = map[string]bool{
	"top": true, "new": true, "best": true, "ask": true, "show": true,
}

// Normalize validates identifier against sourceType's grammar and resolves
// shortcuts and alternate spellings to the canonical identifier stored in
// the registry.
func Normalize(sourceType, identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidIdentifier)
	}

	switch sourceType {
	case TypeNews, TypePodcast:
		u, err := url.Parse(id)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%w: %q is not a feed URL", ErrInvalidIdentifier, id)
		}
		return u.String(), nil

	case TypeForum:
		id = strings.TrimPrefix(strings.TrimPrefix(id, "/r/"), "r/")
		if !subredditRe.MatchString(id) {
			return "", fmt.Errorf("%w: %q is not a subreddit name", ErrInvalidIdentifier, id)
		}
		return strings.ToLower(id), nil

	case TypeAggregator:
		id = strings.ToLower(id)
		if !aggregatorPresets[id] {
			return "", fmt.Errorf("%w: %q is not one of top/new/best/ask/show", ErrInvalidIdentifier, id)
		}
		return id, nil

	case TypeCodeHost:
		id = strings.TrimSuffix(strings.TrimPrefix(id, "https://github.com/"), "/")
		if !ownerRepoRe.MatchString(id) {
			return "", fmt.Errorf("%w: %q is not an owner/repo pair", ErrInvalidIdentifier, id)
		}
		return id, nil

	case TypePreprint:
		lower := strings.ToLower(id)
		if canonical, ok := preprintPresets[lower]; ok {
			return canonical, nil
		}
		if !arxivCatRe.MatchString(lower) {
			return "", fmt.Errorf("%w: %q is not an arXiv category", ErrInvalidIdentifier, id)
		}
		// Category archives are lowercase, subject classes keep case (cs.CL).
		parts := strings.SplitN(id, ".", 2)
		if len(parts) == 2 {
			return strings.ToLower(parts[0]) + "." + parts[1], nil
		}
		return lower, nil

	case TypeVideo:
		if m := regexp.MustCompile(`youtube\.com/channel/(UC[A-Za-z0-9_-]{22})`).FindStringSubmatch(id); m != nil {
			return m[1], nil
		}
		if m := regexp.MustCompile(`youtube\.com/(@[A-Za-z0-9._-]{3,30})`).FindStringSubmatch(id); m != nil {
			return m[1], nil
		}
		if channelIDRe.MatchString(id) || handleRe.MatchString(id) {
			return id, nil
		}
		return "", fmt.Errorf("%w: %q is not a channel ID, @handle, or channel URL", ErrInvalidIdentifier, id)

	case TypeSocial:
		u, err := url.Parse(id)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%w: %q is not a profile URL", ErrInvalidIdentifier, id)
		}
		return u.String(), nil

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, sourceType)
	}
}

// get issues a GET with the adapter's shared error mapping: transport errors
// become ErrUnreachable, 429 becomes ErrRateLimited, other non-2xx become
// ErrFormat (the source answered, the answer is unusable).
func get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP 429 from %s", ErrRateLimited, rawURL)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrUnreachable, resp.StatusCode, rawURL)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrFormat, resp.StatusCode, rawURL)
	}
	return resp, nil
}

const userAgent = "siphon/1.0 (+https://github.com/kalambet/siphon)"
