// Package api exposes the engine over its two invocation surfaces: MCP tools
// (stdio) and the local HTTP management API the CLI talks to. Both route
// through the shared operations in this file.
package api

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/siphon/internal/query"
	"github.com/kalambet/siphon/internal/source"
	"github.com/kalambet/siphon/internal/storage"
)

func validateSourceType(sourceType string) error {
	if !slices.Contains(source.Types, sourceType) {
		return fmt.Errorf("%w: %q", source.ErrUnknownType, sourceType)
	}
	return nil
}

// subscribeOp validates and normalizes the identifier, then upserts the
// subscription. Subscribing twice to the same identity updates metadata.
func subscribeOp(store *storage.Store, sourceType, identifier, name string) (storage.Subscription, error) {
	normalized, err := source.Normalize(sourceType, identifier)
	if err != nil {
		return storage.Subscription{}, err
	}
	return store.UpsertSubscription(storage.Subscription{
		ID:         uuid.New().String(),
		SourceType: sourceType,
		Identifier: normalized,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	})
}

// unsubscribeOp removes the subscription and everything it owns. A missing
// subscription is not an error; the bool reports whether anything existed.
func unsubscribeOp(store *storage.Store, sourceType, identifier string) (bool, error) {
	normalized, err := source.Normalize(sourceType, identifier)
	if err != nil {
		return false, err
	}
	return store.DeleteSubscription(sourceType, normalized)
}

// searchOp compiles the user query and runs it over title+body+transcript.
func searchOp(store *storage.Store, q, sourceType string, limit int) ([]storage.SearchResult, error) {
	if sourceType != "" {
		if err := validateSourceType(sourceType); err != nil {
			return nil, err
		}
	}
	matchExpr, err := query.Compile(q)
	if err != nil {
		return nil, err
	}
	return store.Search(matchExpr, sourceType, limit)
}

// itemsOp lists recent items, optionally narrowed to a source type and a
// specific subscription identifier within that type.
func itemsOp(store *storage.Store, sourceType, identifier string, limit int) ([]storage.Item, error) {
	filter := storage.ItemFilter{Limit: limit}
	if sourceType != "" {
		if err := validateSourceType(sourceType); err != nil {
			return nil, err
		}
		filter.SourceType = sourceType
	}
	if identifier != "" {
		if sourceType == "" {
			return nil, fmt.Errorf("%w: a source identifier needs a source type", source.ErrInvalidIdentifier)
		}
		normalized, err := source.Normalize(sourceType, identifier)
		if err != nil {
			return nil, err
		}
		sub, err := store.GetSubscription(sourceType, normalized)
		if err != nil {
			return nil, err
		}
		filter.SubscriptionID = sub.ID
	}
	return store.GetItems(filter)
}

// --- wire shapes shared by both surfaces ---

type subscriptionJSON struct {
	SourceType string `json:"source_type"`
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	CreatedAt  string `json:"created_at"`
	LastPollAt string `json:"last_poll_at,omitempty"`
}

func toSubscriptionJSON(sub storage.Subscription) subscriptionJSON {
	out := subscriptionJSON{
		SourceType: sub.SourceType,
		Identifier: sub.Identifier,
		Name:       sub.Name,
		CreatedAt:  sub.CreatedAt.Format(time.RFC3339),
	}
	if !sub.LastPollAt.IsZero() {
		out.LastPollAt = sub.LastPollAt.Format(time.RFC3339)
	}
	return out
}

type itemJSON struct {
	ID          string `json:"id"`
	SourceType  string `json:"source_type"`
	Title       string `json:"title"`
	URL         string `json:"url,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	Transcribed bool   `json:"transcribed,omitempty"`
	Language    string `json:"language,omitempty"`
}

func toItemJSON(item storage.Item) itemJSON {
	out := itemJSON{
		ID:          item.ID,
		SourceType:  item.SourceType,
		Title:       item.Title,
		URL:         item.URL,
		MediaURL:    item.MediaURL,
		Transcribed: item.Transcribed,
		Language:    item.Language,
	}
	if !item.PublishedAt.IsZero() {
		out.PublishedAt = item.PublishedAt.Format(time.RFC3339)
	}
	return out
}

type segmentJSON struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type searchResultJSON struct {
	itemJSON
	Score   float64      `json:"score"`
	Segment *segmentJSON `json:"segment,omitempty"`
}

func toSearchResultJSON(r storage.SearchResult) searchResultJSON {
	out := searchResultJSON{itemJSON: toItemJSON(r.Item), Score: r.Score}
	if r.Segment != nil {
		out.Segment = &segmentJSON{
			Start: r.Segment.Start,
			End:   r.Segment.End,
			Text:  r.Segment.Text,
		}
	}
	return out
}
