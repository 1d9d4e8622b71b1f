package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Subscription is a registered content source. Identity is
// (SourceType, Identifier); subscribing twice to the same pair updates
// metadata instead of creating a second row.
type Subscription struct {
	ID         string
	SourceType string
	Identifier string
	Name       string
	CreatedAt  time.Time
	LastPollAt time.Time // zero until the first successful poll
	Watermark  string    // source-specific cursor: item id, timestamp, or video id
}

// Item is one ingested content item, owned by exactly one subscription.
// (SubscriptionID, ExternalID) is unique; re-fetching a seen item is a no-op.
type Item struct {
	ID             string
	SubscriptionID string
	SourceType     string
	ExternalID     string
	Title          string
	Body           string
	URL            string
	PublishedAt    time.Time
	IngestedAt     time.Time
	MediaURL       string // how to obtain the raw media later; empty for text-only items
	Transcribed    bool
	Language       string // detected transcript language, set with Transcribed
}

// Segment is one time-bounded unit of transcribed speech, owned by an item.
type Segment struct {
	Seq   int
	Start float64 // seconds from media start
	End   float64
	Text  string
}

// Job is a durable transcription job. Status transitions:
// pending -> running -> completed, or back to pending with backoff until
// attempts reaches max_attempts, then failed.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// ItemFilter narrows GetItems.
type ItemFilter struct {
	SourceType     string // empty matches all
	SubscriptionID string // empty matches all
	Limit          int
}

// SearchResult is an item plus its ranking score and, when the match came
// from the transcript, the best-matching segment.
type SearchResult struct {
	Item    Item
	Score   float64
	Segment *Segment
}

// Counts summarizes the store for status reporting.
type Counts struct {
	Subscriptions int
	Items         int
	Transcribed   int
	PendingJobs   int
}
