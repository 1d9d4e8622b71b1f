// Package media wraps ffmpeg for the engine's two media needs: resolving a
// remote source to a local audio track for transcription, and cutting a
// bounded clip by time range.
package media

import (
	"encoding/json"
	"fmt"
	"strconv"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Transcoder is the media collaborator contract.
type Transcoder interface {
	// ExtractAudio resolves src (local path or URL) to a mono 16 kHz WAV
	// file at outPath, the input format speech-to-text engines expect.
	ExtractAudio(src, outPath string) error
	// Trim writes the [start, end] range of src to outPath without
	// re-encoding.
	Trim(src string, start, end float64, outPath string) error
	// Duration probes src and returns its length in seconds.
	Duration(src string) (float64, error)
}

// FFmpeg implements Transcoder with the ffmpeg and ffprobe binaries.
type FFmpeg struct{}

func (FFmpeg) ExtractAudio(src, outPath string) error {
	err := ffmpeg.Input(src).
		Output(outPath, ffmpeg.KwArgs{"vn": "", "ac": 1, "ar": 16000, "f": "wav"}).
		OverWriteOutput().
		Silent(true).
		Run()
	if err != nil {
		return fmt.Errorf("extracting audio from %s: %w", src, err)
	}
	return nil
}

func (FFmpeg) Trim(src string, start, end float64, outPath string) error {
	err := ffmpeg.Input(src, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.3f", start)}).
		Output(outPath, ffmpeg.KwArgs{"t": fmt.Sprintf("%.3f", end - start), "c": "copy"}).
		OverWriteOutput().
		Silent(true).
		Run()
	if err != nil {
		return fmt.Errorf("trimming %s: %w", src, err)
	}
	return nil
}

func (FFmpeg) Duration(src string) (float64, error) {
	out, err := ffmpeg.Probe(src)
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", src, err)
	}
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return 0, fmt.Errorf("parsing probe output: %w", err)
	}
	d, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", probe.Format.Duration, err)
	}
	return d, nil
}
