// Package browser talks to a local headless-browser render service over
// HTTP. The service loads JavaScript-heavy pages, dismisses consent banners,
// and returns the rendered DOM; text extraction happens client-side.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// MaxPageChars bounds the extracted text of a rendered page.
const MaxPageChars = 8000

// RenderResult is the outcome of rendering one page.
type RenderResult struct {
	Title          string
	Text           string
	ConsentHandled bool
}

// Client communicates with the render service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given render service base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type renderRequest struct {
	URL string `json:"url"`
}

type renderResponse struct {
	Title          string `json:"title"`
	HTML           string `json:"html"`
	ConsentHandled bool   `json:"consent_handled"`
}

// Render loads the page and returns its title and visible text, capped at
// MaxPageChars.
func (c *Client) Render(ctx context.Context, pageURL string) (RenderResult, error) {
	body, err := json.Marshal(renderRequest{URL: pageURL})
	if err != nil {
		return RenderResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return RenderResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RenderResult{}, fmt.Errorf("render service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return RenderResult{}, fmt.Errorf("render service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var rr renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return RenderResult{}, fmt.Errorf("decoding render response: %w", err)
	}

	text, err := VisibleText(strings.NewReader(rr.HTML))
	if err != nil {
		return RenderResult{}, fmt.Errorf("extracting text: %w", err)
	}
	if len(text) > MaxPageChars {
		text = text[:MaxPageChars]
	}

	return RenderResult{
		Title:          rr.Title,
		Text:           text,
		ConsentHandled: rr.ConsentHandled,
	}, nil
}

// Elements whose subtrees add navigation or script noise, not content.
var skipElements = map[string]bool{
	"script": true, "style": true, "nav": true, "footer": true,
	"header": true, "iframe": true, "noscript": true, "svg": true,
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// VisibleText extracts the readable text of an HTML document, skipping
// script/style/navigation subtrees and collapsing runs of blank lines.
func VisibleText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.TrimSpace(blankLines.ReplaceAllString(sb.String(), "\n\n")), nil
}
