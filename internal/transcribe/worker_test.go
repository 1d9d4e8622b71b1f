package transcribe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/siphon/internal/poller"
	"github.com/kalambet/siphon/internal/storage"
	"github.com/kalambet/siphon/internal/whisper"
)

type fakeWorkerStore struct {
	job     *storage.Job
	item    storage.Item
	itemErr error

	completed   []string
	failed      []string
	failReasons []string

	markedItem     string
	markedLanguage string
	markedSegments []storage.Segment
	markErr        error
}

func (f *fakeWorkerStore) ClaimNextJob(types []string) (*storage.Job, error) {
	if len(types) != 1 || types[0] != poller.JobTypeTranscribe {
		return nil, errors.New("unexpected job types")
	}
	job := f.job
	f.job = nil
	return job, nil
}

func (f *fakeWorkerStore) CompleteJob(id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeWorkerStore) FailJob(id, errMsg string) error {
	f.failed = append(f.failed, id)
	f.failReasons = append(f.failReasons, errMsg)
	return nil
}

func (f *fakeWorkerStore) GetItem(string) (storage.Item, error) {
	return f.item, f.itemErr
}

func (f *fakeWorkerStore) MarkTranscribed(itemID, language string, segments []storage.Segment) error {
	f.markedItem = itemID
	f.markedLanguage = language
	f.markedSegments = segments
	return f.markErr
}

type fakeResolver struct {
	err  error
	src  string
	dest string
}

func (f *fakeResolver) ExtractAudio(src, outPath string) error {
	f.src = src
	f.dest = outPath
	return f.err
}

type fakeSTT struct {
	result whisper.Transcription
	err    error
	path   string
}

func (f *fakeSTT) Transcribe(_ context.Context, audioPath, _ string) (whisper.Transcription, error) {
	f.path = audioPath
	return f.result, f.err
}

func transcribeJob(itemID string) *storage.Job {
	return &storage.Job{
		ID:          "job-1",
		Type:        poller.JobTypeTranscribe,
		PayloadJSON: `{"item_id": "` + itemID + `"}`,
	}
}

func TestRunOnceNoJob(t *testing.T) {
	w := NewWorker(&fakeWorkerStore{}, &fakeResolver{}, &fakeSTT{}, t.TempDir(), 0)
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce reported work with empty queue")
	}
}

func TestRunOnceTranscribesAndCompletes(t *testing.T) {
	store := &fakeWorkerStore{
		job:  transcribeJob("item-1"),
		item: storage.Item{ID: "item-1", MediaURL: "https://media.example/ep1.mp3"},
	}
	resolver := &fakeResolver{}
	stt := &fakeSTT{result: whisper.Transcription{
		Language: "en",
		Segments: []whisper.Segment{
			{Start: 0, End: 4.5, Text: "welcome back"},
			{Start: 4.5, End: 6.0, Text: ""},
			{Start: 6.0, End: 12.2, Text: "today we talk about goroutines"},
		},
	}}

	w := NewWorker(store, resolver, stt, t.TempDir(), 0)
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce did not process the job")
	}

	if resolver.src != "https://media.example/ep1.mp3" {
		t.Errorf("resolver src = %q", resolver.src)
	}
	if stt.path != resolver.dest {
		t.Errorf("transcribed %q but audio staged at %q", stt.path, resolver.dest)
	}
	if store.markedItem != "item-1" || store.markedLanguage != "en" {
		t.Errorf("MarkTranscribed(%q, %q)", store.markedItem, store.markedLanguage)
	}
	// Empty segments are dropped; Seq keeps the source index.
	if len(store.markedSegments) != 2 {
		t.Fatalf("stored %d segments, want 2", len(store.markedSegments))
	}
	if store.markedSegments[1].Seq != 2 || store.markedSegments[1].Text != "today we talk about goroutines" {
		t.Errorf("second stored segment = %+v", store.markedSegments[1])
	}
	if len(store.completed) != 1 || store.completed[0] != "job-1" {
		t.Errorf("completed = %v", store.completed)
	}
	if len(store.failed) != 0 {
		t.Errorf("unexpected failures: %v", store.failed)
	}
}

func TestRunOnceAlreadyTranscribedShortCircuits(t *testing.T) {
	store := &fakeWorkerStore{
		job:  transcribeJob("item-1"),
		item: storage.Item{ID: "item-1", MediaURL: "https://media.example/ep1.mp3", Transcribed: true},
	}
	resolver := &fakeResolver{}

	w := NewWorker(store, resolver, &fakeSTT{}, t.TempDir(), 0)
	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("RunOnce = (%v, %v)", done, err)
	}
	if resolver.src != "" {
		t.Error("media resolved for an already-transcribed item")
	}
	if store.markedItem != "" {
		t.Error("transcript rewritten for an already-transcribed item")
	}
	if len(store.completed) != 1 {
		t.Errorf("duplicate job not completed: %v", store.completed)
	}
}

func TestRunOnceFailuresMarkJobFailed(t *testing.T) {
	cases := []struct {
		name   string
		store  func() *fakeWorkerStore
		mutate func(*fakeResolver, *fakeSTT)
		reason string
	}{
		{
			name: "malformed payload",
			store: func() *fakeWorkerStore {
				return &fakeWorkerStore{job: &storage.Job{ID: "job-1", Type: poller.JobTypeTranscribe, PayloadJSON: "{"}}
			},
			mutate: func(*fakeResolver, *fakeSTT) {},
			reason: "parsing payload",
		},
		{
			name: "missing item",
			store: func() *fakeWorkerStore {
				return &fakeWorkerStore{job: transcribeJob("ghost"), itemErr: storage.ErrNotFound}
			},
			mutate: func(*fakeResolver, *fakeSTT) {},
			reason: "loading item",
		},
		{
			name: "item without media",
			store: func() *fakeWorkerStore {
				return &fakeWorkerStore{job: transcribeJob("item-1"), item: storage.Item{ID: "item-1"}}
			},
			mutate: func(*fakeResolver, *fakeSTT) {},
			reason: "no media reference",
		},
		{
			name: "media resolution failure",
			store: func() *fakeWorkerStore {
				return &fakeWorkerStore{job: transcribeJob("item-1"), item: storage.Item{ID: "item-1", MediaURL: "https://m/x.mp3"}}
			},
			mutate: func(r *fakeResolver, _ *fakeSTT) { r.err = errors.New("video removed") },
			reason: "resolving media",
		},
		{
			name: "speech-to-text failure",
			store: func() *fakeWorkerStore {
				return &fakeWorkerStore{job: transcribeJob("item-1"), item: storage.Item{ID: "item-1", MediaURL: "https://m/x.mp3"}}
			},
			mutate: func(_ *fakeResolver, s *fakeSTT) { s.err = errors.New("server returned 500") },
			reason: "transcribing",
		},
		{
			name: "commit failure",
			store: func() *fakeWorkerStore {
				return &fakeWorkerStore{
					job:     transcribeJob("item-1"),
					item:    storage.Item{ID: "item-1", MediaURL: "https://m/x.mp3"},
					markErr: errors.New("database locked"),
				}
			},
			mutate: func(*fakeResolver, *fakeSTT) {},
			reason: "storing transcript",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.store()
			resolver := &fakeResolver{}
			stt := &fakeSTT{result: whisper.Transcription{Language: "en"}}
			tc.mutate(resolver, stt)

			w := NewWorker(store, resolver, stt, t.TempDir(), 0)
			done, err := w.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			if !done {
				t.Fatal("failed job still counts as processed")
			}
			if len(store.failed) != 1 {
				t.Fatalf("failed = %v, want one entry", store.failed)
			}
			if len(store.completed) != 0 {
				t.Errorf("failed job also completed: %v", store.completed)
			}
			if !strings.Contains(store.failReasons[0], tc.reason) {
				t.Errorf("failure reason %q missing %q", store.failReasons[0], tc.reason)
			}
		})
	}
}
