package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// socialAdapter reads a profile page through the browser-rendering
// collaborator; these sources have no stable structured feed. Each poll
// yields at most one item: a snapshot of the rendered profile, identified by
// a hash of its visible text. The watermark is that hash, so an unchanged
// profile produces no new items.
type socialAdapter struct {
	deps Deps
}

func (a *socialAdapter) Fetch(ctx context.Context, identifier, watermark string) ([]CandidateItem, string, error) {
	if a.deps.Renderer == nil {
		return nil, "", fmt.Errorf("%w: no browser renderer configured", ErrUnreachable)
	}

	title, text, err := a.deps.Renderer.Render(ctx, identifier)
	if err != nil {
		// Render timeouts and markup changes are per-subscription fetch
		// failures, never a crash.
		return nil, "", fmt.Errorf("%w: rendering %s: %v", ErrUnreachable, identifier, err)
	}
	if text == "" {
		return nil, "", fmt.Errorf("%w: empty render for %s", ErrFormat, identifier)
	}

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:8])
	if hash == watermark {
		return nil, watermark, nil
	}

	if title == "" {
		title = identifier
	}
	item := CandidateItem{
		ExternalID:  hash,
		Title:       title,
		Body:        text,
		URL:         identifier,
		PublishedAt: time.Now().UTC(),
	}
	return []CandidateItem{item}, hash, nil
}
