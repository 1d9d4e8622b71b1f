// Package transcribe processes transcription jobs from the durable queue:
// resolve the item's media to a local audio file, run speech-to-text, and
// commit the segment set atomically. One worker loop means at most one
// transcription in flight, which keeps local inference from contending with
// itself.
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kalambet/siphon/internal/poller"
	"github.com/kalambet/siphon/internal/storage"
	"github.com/kalambet/siphon/internal/whisper"
)

// Store is the subset of storage the worker needs.
type Store interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetItem(id string) (storage.Item, error)
	MarkTranscribed(itemID, language string, segments []storage.Segment) error
}

// AudioResolver turns a media reference into a local audio file.
type AudioResolver interface {
	ExtractAudio(src, outPath string) error
}

// SpeechToText is the transcription collaborator contract.
type SpeechToText interface {
	Transcribe(ctx context.Context, audioPath, language string) (whisper.Transcription, error)
}

// Worker claims and processes transcription jobs until stopped.
type Worker struct {
	store    Store
	resolver AudioResolver
	stt      SpeechToText
	workDir  string
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker staging audio files under workDir.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store Store, resolver AudioResolver, stt SpeechToText, workDir string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:    store,
		resolver: resolver,
		stt:      stt,
		workDir:  workDir,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single transcription job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{poller.JobTypeTranscribe})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("transcription failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type transcribePayload struct {
	ItemID string `json:"item_id"`
}

// processJob runs the item through Downloading -> Transcribing -> Indexed.
// Every step is re-entrant: an already-transcribed item short-circuits, and
// the final commit replaces the whole segment set, so a crash anywhere
// leaves the item cleanly pending, never half-indexed.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload transcribePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	item, err := w.store.GetItem(payload.ItemID)
	if err != nil {
		return fmt.Errorf("loading item %s: %w", payload.ItemID, err)
	}
	if item.Transcribed {
		return nil
	}
	if item.MediaURL == "" {
		return fmt.Errorf("item %s has no media reference", item.ID)
	}

	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}
	audioPath := filepath.Join(w.workDir, item.ID+".wav")
	defer os.Remove(audioPath)

	if err := w.resolver.ExtractAudio(item.MediaURL, audioPath); err != nil {
		return fmt.Errorf("resolving media: %w", err)
	}

	tr, err := w.stt.Transcribe(ctx, audioPath, "")
	if err != nil {
		return fmt.Errorf("transcribing: %w", err)
	}

	segments := make([]storage.Segment, 0, len(tr.Segments))
	for i, seg := range tr.Segments {
		if seg.Text == "" {
			continue
		}
		segments = append(segments, storage.Segment{
			Seq:   i,
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
		})
	}

	if err := w.store.MarkTranscribed(item.ID, tr.Language, segments); err != nil {
		return fmt.Errorf("storing transcript: %w", err)
	}

	w.logger.Info("item transcribed",
		"item", item.ID, "language", tr.Language, "segments", len(segments))
	return nil
}
