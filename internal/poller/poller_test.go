package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/siphon/internal/source"
	"github.com/kalambet/siphon/internal/storage"
)

// fakeStore implements Store in memory with per-subscription external-ID
// dedup, mirroring the real store's contract.
type fakeStore struct {
	mu         sync.Mutex
	subs       []storage.Subscription
	seen       map[string]map[string]bool // sub ID -> external IDs
	watermarks map[string]string
	jobs       []storage.Job
	upsertErr  error
}

func newFakeStore(subs ...storage.Subscription) *fakeStore {
	return &fakeStore{
		subs:       subs,
		seen:       make(map[string]map[string]bool),
		watermarks: make(map[string]string),
	}
}

func (f *fakeStore) ListSubscriptions(sourceType string) ([]storage.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Subscription
	for _, sub := range f.subs {
		if sourceType == "" || sub.SourceType == sourceType {
			sub.Watermark = f.watermarks[sub.ID]
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertItems(subscriptionID string, items []storage.Item) ([]storage.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	if f.seen[subscriptionID] == nil {
		f.seen[subscriptionID] = make(map[string]bool)
	}
	var inserted []storage.Item
	for _, item := range items {
		if f.seen[subscriptionID][item.ExternalID] {
			continue
		}
		f.seen[subscriptionID][item.ExternalID] = true
		inserted = append(inserted, item)
	}
	return inserted, nil
}

func (f *fakeStore) AdvanceWatermark(subscriptionID, watermark string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks[subscriptionID] = watermark
	return nil
}

func (f *fakeStore) EnqueueJob(job storage.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeStore) HasPendingJob(jobType, payloadFragment string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.Type == jobType && strings.Contains(job.PayloadJSON, payloadFragment) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fetchFunc func(ctx context.Context, identifier, watermark string) ([]source.CandidateItem, string, error)

func (fn fetchFunc) Fetch(ctx context.Context, identifier, watermark string) ([]source.CandidateItem, string, error) {
	return fn(ctx, identifier, watermark)
}

func staticAdapter(items []source.CandidateItem, watermark string) fetchFunc {
	return func(context.Context, string, string) ([]source.CandidateItem, string, error) {
		return items, watermark, nil
	}
}

func sub(id, sourceType, identifier string) storage.Subscription {
	return storage.Subscription{ID: id, SourceType: sourceType, Identifier: identifier}
}

func candidates(n int, mediaURL string) []source.CandidateItem {
	out := make([]source.CandidateItem, n)
	for i := range out {
		out[i] = source.CandidateItem{
			ExternalID: fmt.Sprintf("e%d", i),
			Title:      fmt.Sprintf("item %d", i),
			MediaURL:   mediaURL,
		}
	}
	return out
}

func TestCheckFeedsNoSubscriptions(t *testing.T) {
	p := New(newFakeStore(), nil, Options{})
	outcomes, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("expected empty outcomes, got %d", len(outcomes))
	}
}

func TestCheckFeedsFailureIsolation(t *testing.T) {
	store := newFakeStore(
		sub("a", "news", "https://a.example/feed"),
		sub("b", "news", "https://b.example/feed"),
		sub("c", "forum", "golang"),
	)

	adapters := func(sourceType string) (source.Fetcher, error) {
		return fetchFunc(func(_ context.Context, identifier, _ string) ([]source.CandidateItem, string, error) {
			if identifier == "https://b.example/feed" {
				return nil, "", fmt.Errorf("%w: HTTP 503", source.ErrUnreachable)
			}
			return candidates(2, ""), "wm-1", nil
		}), nil
	}

	p := New(store, adapters, Options{})
	outcomes, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}

	byID := map[string]Outcome{}
	for _, o := range outcomes {
		byID[o.Identifier] = o
	}

	if !byID["https://a.example/feed"].OK || byID["https://a.example/feed"].Inserted != 2 {
		t.Errorf("healthy subscription affected: %+v", byID["https://a.example/feed"])
	}
	if !byID["golang"].OK {
		t.Errorf("healthy subscription affected: %+v", byID["golang"])
	}
	failed := byID["https://b.example/feed"]
	if failed.OK || failed.Error == "" {
		t.Errorf("failing subscription not reported: %+v", failed)
	}

	// Watermark advanced only where the fetch succeeded.
	if store.watermarks["a"] != "wm-1" || store.watermarks["c"] != "wm-1" {
		t.Errorf("watermarks not advanced for healthy subs: %v", store.watermarks)
	}
	if _, ok := store.watermarks["b"]; ok {
		t.Errorf("watermark advanced for failed sub")
	}
}

func TestCheckFeedsSourceTypeFilter(t *testing.T) {
	store := newFakeStore(
		sub("a", "news", "https://a.example/feed"),
		sub("c", "forum", "golang"),
	)
	adapters := func(string) (source.Fetcher, error) {
		return staticAdapter(nil, ""), nil
	}

	p := New(store, adapters, Options{})
	outcomes, err := p.CheckFeeds(context.Background(), "forum")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].SourceType != "forum" {
		t.Errorf("type filter failed: %+v", outcomes)
	}
}

func TestCheckFeedsWatermarkHeldOnStoreFailure(t *testing.T) {
	store := newFakeStore(sub("a", "news", "https://a.example/feed"))
	store.upsertErr = errors.New("disk full")

	adapters := func(string) (source.Fetcher, error) {
		return staticAdapter(candidates(1, ""), "wm-1"), nil
	}

	p := New(store, adapters, Options{})
	outcomes, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}
	if outcomes[0].OK {
		t.Error("outcome reported OK despite store failure")
	}
	if _, ok := store.watermarks["a"]; ok {
		t.Error("watermark advanced past unstored items")
	}
}

func TestCheckFeedsSecondRunInsertsNothing(t *testing.T) {
	store := newFakeStore(sub("a", "news", "https://a.example/feed"))
	adapters := func(string) (source.Fetcher, error) {
		return staticAdapter(candidates(3, ""), "wm-1"), nil
	}

	p := New(store, adapters, Options{})
	first, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("first CheckFeeds: %v", err)
	}
	if first[0].Inserted != 3 {
		t.Fatalf("first run inserted %d, want 3", first[0].Inserted)
	}

	second, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("second CheckFeeds: %v", err)
	}
	if !second[0].OK || second[0].Inserted != 0 {
		t.Errorf("second run should dedup everything: %+v", second[0])
	}
}

func TestTranscriptionBudgetCapsEnqueues(t *testing.T) {
	store := newFakeStore(sub("a", "podcast", "https://a.example/pod.rss"))
	adapters := func(string) (source.Fetcher, error) {
		return staticAdapter(candidates(8, "https://a.example/audio.mp3"), "wm-1"), nil
	}

	p := New(store, adapters, Options{TranscribePerCycle: 5})
	outcomes, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}
	if outcomes[0].Inserted != 8 {
		t.Fatalf("inserted %d, want 8", outcomes[0].Inserted)
	}
	if outcomes[0].Enqueued != 5 {
		t.Errorf("enqueued %d, want the per-cycle cap of 5", outcomes[0].Enqueued)
	}
	if store.jobCount() != 5 {
		t.Errorf("expected 5 jobs, got %d", store.jobCount())
	}
}

func TestBudgetSharedAcrossSubscriptions(t *testing.T) {
	store := newFakeStore(
		sub("a", "podcast", "https://a.example/pod.rss"),
		sub("b", "podcast", "https://b.example/pod.rss"),
	)
	adapters := func(string) (source.Fetcher, error) {
		return staticAdapter(candidates(4, "https://media.example/x.mp3"), "wm-1"), nil
	}

	p := New(store, adapters, Options{TranscribePerCycle: 5})
	outcomes, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}

	total := 0
	for _, o := range outcomes {
		total += o.Enqueued
	}
	if total != 5 {
		t.Errorf("cycle-wide enqueues = %d, want 5", total)
	}
}

func TestNonMediaItemsNotEnqueued(t *testing.T) {
	store := newFakeStore(sub("a", "news", "https://a.example/feed"))
	adapters := func(string) (source.Fetcher, error) {
		return staticAdapter(candidates(3, ""), "wm-1"), nil
	}

	p := New(store, adapters, Options{})
	outcomes, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}
	if outcomes[0].Enqueued != 0 || store.jobCount() != 0 {
		t.Errorf("text items must not be queued for transcription: %+v", outcomes[0])
	}
}

func TestFetchTimeoutReported(t *testing.T) {
	store := newFakeStore(sub("a", "news", "https://slow.example/feed"))
	adapters := func(string) (source.Fetcher, error) {
		return fetchFunc(func(ctx context.Context, _, _ string) ([]source.CandidateItem, string, error) {
			<-ctx.Done()
			return nil, "", ctx.Err()
		}), nil
	}

	p := New(store, adapters, Options{FetchTimeout: 20 * time.Millisecond})
	outcomes, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}
	if outcomes[0].OK {
		t.Fatal("timed-out fetch reported OK")
	}
	if !strings.Contains(outcomes[0].Error, "timed out") {
		t.Errorf("timeout not surfaced: %q", outcomes[0].Error)
	}
}

func TestUnknownAdapterReported(t *testing.T) {
	store := newFakeStore(sub("a", "news", "https://a.example/feed"))
	adapters := func(sourceType string) (source.Fetcher, error) {
		return nil, fmt.Errorf("%w: %q", source.ErrUnknownType, sourceType)
	}

	p := New(store, adapters, Options{})
	outcomes, err := p.CheckFeeds(context.Background(), "")
	if err != nil {
		t.Fatalf("CheckFeeds: %v", err)
	}
	if outcomes[0].OK || outcomes[0].Error == "" {
		t.Errorf("adapter resolution failure not reported: %+v", outcomes[0])
	}
}
