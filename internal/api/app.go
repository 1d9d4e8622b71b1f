package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/siphon/internal/media"
	"github.com/kalambet/siphon/internal/query"
	"github.com/kalambet/siphon/internal/source"
	"github.com/kalambet/siphon/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds dependencies for the HTTP management API.
type AppDeps struct {
	Store     *storage.Store
	Checker   FeedChecker
	Extractor ClipExtractor
	Token     string
}

// NewAppHandler builds the local HTTP API consumed by the CLI. Everything
// except /health requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/subscriptions", handleListSubscriptions(deps))
		r.Post("/subscriptions", handleSubscribe(deps))
		r.Delete("/subscriptions", handleUnsubscribe(deps))
		r.Post("/check", handleCheck(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/items", handleItems(deps))
		r.Post("/clip", handleClip(deps))
	})

	return r
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.GetCounts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "reading counts: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"subscriptions":     counts.Subscriptions,
			"items":             counts.Items,
			"transcribed_items": counts.Transcribed,
			"pending_jobs":      counts.PendingJobs,
		})
	}
}

type subscribeRequest struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

func handleSubscribe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subscribeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Type == "" || req.Identifier == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type and identifier are required")
			return
		}

		sub, err := subscribeOp(deps.Store, req.Type, req.Identifier, req.Name)
		if err != nil {
			writeOpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSubscriptionJSON(sub))
	}
}

func handleUnsubscribe(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceType := r.URL.Query().Get("type")
		identifier := r.URL.Query().Get("identifier")
		if sourceType == "" || identifier == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type and identifier query parameters are required")
			return
		}

		removed, err := unsubscribeOp(deps.Store, sourceType, identifier)
		if err != nil {
			writeOpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
	}
}

func handleListSubscriptions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceType := r.URL.Query().Get("type")
		if sourceType != "" {
			if err := validateSourceType(sourceType); err != nil {
				writeOpError(w, err)
				return
			}
		}
		subs, err := deps.Store.ListSubscriptions(sourceType)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "listing subscriptions: %v", err)
			return
		}
		out := make([]subscriptionJSON, len(subs))
		for i, sub := range subs {
			out[i] = toSubscriptionJSON(sub)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type checkRequest struct {
	Type string `json:"type"`
}

func handleCheck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if req.Type != "" {
			if err := validateSourceType(req.Type); err != nil {
				writeOpError(w, err)
				return
			}
		}

		outcomes, err := deps.Checker.CheckFeeds(r.Context(), req.Type)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "internal_error", "check failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q query parameter is required")
			return
		}
		limit := clampLimit(queryInt(r, "limit", 20))

		results, err := searchOp(deps.Store, q, r.URL.Query().Get("type"), limit)
		if err != nil {
			writeOpError(w, err)
			return
		}
		out := make([]searchResultJSON, len(results))
		for i, res := range results {
			out[i] = toSearchResultJSON(res)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := clampLimit(queryInt(r, "limit", 20))
		items, err := itemsOp(deps.Store, r.URL.Query().Get("type"), r.URL.Query().Get("source"), limit)
		if err != nil {
			writeOpError(w, err)
			return
		}
		out := make([]itemJSON, len(items))
		for i, item := range items {
			out[i] = toItemJSON(item)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type clipRequest struct {
	MediaRef string   `json:"media_ref"`
	Start    float64  `json:"start"`
	End      float64  `json:"end"`
	Buffer   *float64 `json:"buffer"`
	Name     string   `json:"name"`
}

func handleClip(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req clipRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.MediaRef == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "media_ref is required")
			return
		}
		buffer := -1.0
		if req.Buffer != nil {
			buffer = *req.Buffer
		}

		outPath, err := deps.Extractor.Extract(req.MediaRef, req.Start, req.End, buffer, req.Name)
		if err != nil {
			writeOpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"output_path": outPath})
	}
}

// writeOpError maps the engine's error taxonomy to HTTP statuses:
// caller-correctable input errors are 400, missing records 404, everything
// else 500.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, source.ErrUnknownType),
		errors.Is(err, source.ErrInvalidIdentifier),
		errors.Is(err, query.ErrSyntax),
		errors.Is(err, media.ErrInvalidRange):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, media.ErrMediaUnavailable):
		httpError(w, http.StatusBadGateway, "media_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "internal_error", "%v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func httpError(w http.ResponseWriter, status int, errType, format string, args ...any) {
	var resp errorResponse
	resp.Error.Type = errType
	resp.Error.Message = fmt.Sprintf(format, args...)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
