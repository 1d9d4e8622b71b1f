package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRange is returned when end <= start.
	ErrInvalidRange = errors.New("invalid clip range")
	// ErrMediaUnavailable is returned when the source can no longer be
	// resolved (deleted, geo-blocked, unreachable).
	ErrMediaUnavailable = errors.New("media unavailable")
)

// DefaultBuffer pads the requested range on both sides so speech at the
// boundaries is not cut mid-word.
const DefaultBuffer = 3.0

// Extractor cuts sub-clips from media sources. It is a pure media operation:
// the caller supplies the time range (typically from searched transcript
// segments), so the extractor has no dependency on the content store.
type Extractor struct {
	transcoder Transcoder
	outputDir  string
}

// NewExtractor creates an Extractor writing clips to outputDir.
func NewExtractor(t Transcoder, outputDir string) *Extractor {
	return &Extractor{transcoder: t, outputDir: outputDir}
}

// Extract cuts [start-buffer, end+buffer] from mediaRef, clamped to
// [0, duration], and returns the output file path. buffer < 0 selects
// DefaultBuffer; name, if given, overrides the generated output filename.
func (e *Extractor) Extract(mediaRef string, start, end, buffer float64, name string) (string, error) {
	if end <= start {
		return "", fmt.Errorf("%w: end %.3f <= start %.3f", ErrInvalidRange, end, start)
	}
	if start < 0 {
		return "", fmt.Errorf("%w: negative start %.3f", ErrInvalidRange, start)
	}
	if buffer < 0 {
		buffer = DefaultBuffer
	}

	duration, err := e.transcoder.Duration(mediaRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	from, to := ClipRange(start, end, buffer, duration)

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	outPath := filepath.Join(e.outputDir, e.outputName(name))

	if err := e.transcoder.Trim(mediaRef, from, to, outPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return outPath, nil
}

// ClipRange computes the effective clip bounds: the requested range padded
// by buffer on each side, clamped to the media duration. duration <= 0 means
// unknown and skips the upper clamp.
func ClipRange(start, end, buffer, duration float64) (from, to float64) {
	from = start - buffer
	if from < 0 {
		from = 0
	}
	to = end + buffer
	if duration > 0 && to > duration {
		to = duration
	}
	return from, to
}

func (e *Extractor) outputName(name string) string {
	if name == "" {
		return "clip_" + uuid.New().String()[:8] + ".mp4"
	}
	name = filepath.Base(name) // callers cannot escape the output dir
	if filepath.Ext(name) == "" {
		name += ".mp4"
	}
	return strings.ReplaceAll(name, " ", "_")
}
