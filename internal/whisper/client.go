// Package whisper talks to a local speech-to-text server (whisper.cpp's
// server binary or any OpenAI-compatible transcription endpoint) over HTTP.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Segment is one time-aligned unit of transcribed speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is the full result for one audio file.
type Transcription struct {
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	Segments   []Segment `json:"segments"`
}

// Client communicates with the speech-to-text server.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a Client targeting the given server base URL with the given
// model size setting (e.g. "base", "small", "medium").
func New(baseURL, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		// Transcription of long audio has no sensible client timeout;
		// cancellation comes from ctx.
		httpClient: &http.Client{Timeout: 0},
	}
}

// Transcribe uploads the audio file and returns time-aligned segments plus
// the detected language. language may be empty for auto-detection.
func (c *Client) Transcribe(ctx context.Context, audioPath, language string) (Transcription, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return Transcription{}, fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return Transcription{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return Transcription{}, fmt.Errorf("reading audio: %w", err)
	}
	fields := map[string]string{
		"model":           c.model,
		"response_format": "verbose_json",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Transcription{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", &buf)
	if err != nil {
		return Transcription{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("speech-to-text server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Transcription{}, fmt.Errorf("speech-to-text server returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var tr Transcription
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Transcription{}, fmt.Errorf("decoding transcription: %w", err)
	}
	for i := range tr.Segments {
		tr.Segments[i].Text = strings.TrimSpace(tr.Segments[i].Text)
	}
	return tr, nil
}
