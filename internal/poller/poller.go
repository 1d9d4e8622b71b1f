// Package poller drives "check all due subscriptions": it fans adapter
// fetches out over a bounded worker pool, merges results into the store,
// advances watermarks, and enqueues transcription for new audio-bearing
// items. One subscription's failure never aborts the cycle.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/siphon/internal/source"
	"github.com/kalambet/siphon/internal/storage"
)

// JobTypeTranscribe is the queue job type for transcription work.
const JobTypeTranscribe = "transcribe_item"

// Store is the subset of storage the poller needs.
type Store interface {
	ListSubscriptions(sourceType string) ([]storage.Subscription, error)
	UpsertItems(subscriptionID string, items []storage.Item) ([]storage.Item, error)
	AdvanceWatermark(subscriptionID, watermark string, polledAt time.Time) error
	EnqueueJob(job storage.Job) error
	HasPendingJob(jobType, payloadFragment string) (bool, error)
}

// AdapterFunc resolves a source type to its fetcher. Indirection so tests
// can inject fakes; production wires source.New.
type AdapterFunc func(sourceType string) (source.Fetcher, error)

// Outcome reports one subscription's result within a poll cycle.
type Outcome struct {
	SourceType string `json:"source_type"`
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	OK         bool   `json:"ok"`
	Inserted   int    `json:"inserted"`
	Enqueued   int    `json:"enqueued,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Options tune a Poller; zero values select the defaults.
type Options struct {
	Concurrency        int           // parallel fetches; default 6
	FetchTimeout       time.Duration // per-adapter call; default 30s
	TranscribePerCycle int           // transcription enqueue cap; default 5
}

// Poller runs poll cycles against the store.
type Poller struct {
	store    Store
	adapters AdapterFunc
	opts     Options
	logger   *slog.Logger
}

// New creates a Poller.
func New(store Store, adapters AdapterFunc, opts Options) *Poller {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 6
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.TranscribePerCycle <= 0 {
		opts.TranscribePerCycle = 5
	}
	return &Poller{
		store:    store,
		adapters: adapters,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// CheckFeeds polls every subscription (optionally filtered by source type)
// and returns one outcome per subscription. The cycle always completes:
// per-subscription failures are collected, not propagated. The returned
// error covers only the inability to start the cycle at all.
func (p *Poller) CheckFeeds(ctx context.Context, sourceType string) ([]Outcome, error) {
	subs, err := p.store.ListSubscriptions(sourceType)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return []Outcome{}, nil
	}

	// Transcription budget shared across the cycle; compute-heavy work is
	// capped so a burst of new videos cannot monopolize the machine.
	budget := &transcribeBudget{remaining: p.opts.TranscribePerCycle}

	outcomes := make([]Outcome, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i, sub := range subs {
		g.Go(func() error {
			outcomes[i] = p.pollOne(gctx, sub, budget)
			return nil
		})
	}
	g.Wait() // workers never return errors

	return outcomes, nil
}

func (p *Poller) pollOne(ctx context.Context, sub storage.Subscription, budget *transcribeBudget) Outcome {
	out := Outcome{
		SourceType: sub.SourceType,
		Identifier: sub.Identifier,
		Name:       sub.Name,
	}

	adapter, err := p.adapters(sub.SourceType)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	fctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()

	candidates, watermark, err := adapter.Fetch(fctx, sub.Identifier, sub.Watermark)
	if err != nil {
		if errors.Is(fctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: fetch timed out after %s", source.ErrUnreachable, p.opts.FetchTimeout)
		}
		out.Error = err.Error()
		p.logger.Warn("fetch failed",
			"source_type", sub.SourceType, "identifier", sub.Identifier, "error", err)
		return out
	}

	items := make([]storage.Item, len(candidates))
	for i, c := range candidates {
		items[i] = storage.Item{
			ID:          uuid.New().String(),
			SourceType:  sub.SourceType,
			ExternalID:  c.ExternalID,
			Title:       c.Title,
			Body:        c.Body,
			URL:         c.URL,
			PublishedAt: c.PublishedAt,
			MediaURL:    c.MediaURL,
		}
	}

	inserted, err := p.store.UpsertItems(sub.ID, items)
	if err != nil {
		// Watermark stays put so nothing is skipped next cycle.
		out.Error = fmt.Sprintf("storing items: %v", err)
		return out
	}

	if err := p.store.AdvanceWatermark(sub.ID, watermark, time.Now().UTC()); err != nil {
		out.Error = fmt.Sprintf("advancing watermark: %v", err)
		return out
	}

	out.OK = true
	out.Inserted = len(inserted)
	out.Enqueued = p.enqueueTranscriptions(inserted, budget)

	p.logger.Info("poll complete",
		"source_type", sub.SourceType, "identifier", sub.Identifier,
		"inserted", out.Inserted, "enqueued", out.Enqueued)
	return out
}

// enqueueTranscriptions queues transcription jobs for newly inserted
// audio-bearing items, up to the cycle budget. Items past the budget stay
// untranscribed and are picked up on a later cycle: eligibility is monotonic.
func (p *Poller) enqueueTranscriptions(inserted []storage.Item, budget *transcribeBudget) int {
	enqueued := 0
	for _, item := range inserted {
		if item.MediaURL == "" {
			continue
		}
		if !budget.take() {
			break
		}
		queued, err := p.enqueueOne(item)
		if err != nil {
			p.logger.Warn("enqueueing transcription", "item", item.ID, "error", err)
			budget.put()
			continue
		}
		if !queued {
			budget.put()
			continue
		}
		enqueued++
	}
	return enqueued
}

func (p *Poller) enqueueOne(item storage.Item) (bool, error) {
	pending, err := p.store.HasPendingJob(JobTypeTranscribe, item.ID)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	payload, err := json.Marshal(map[string]string{"item_id": item.ID})
	if err != nil {
		return false, err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeTranscribe,
		PayloadJSON: string(payload),
	}
	if err := p.store.EnqueueJob(job); err != nil {
		return false, err
	}
	return true, nil
}

type transcribeBudget struct {
	mu        sync.Mutex
	remaining int
}

func (b *transcribeBudget) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

func (b *transcribeBudget) put() {
	b.mu.Lock()
	b.remaining++
	b.mu.Unlock()
}
