// Package server exposes a store over HTTP.
//
// Routes:
//
//	GET|HEAD /objects/{location...}   object bytes, honouring Range
//	GET      /list?prefix=&delimiter= JSON listing
//	GET      /health                  liveness
//	GET      /metrics                 Prometheus metrics, when configured
//
// Write methods on /objects fail with 405 Method Not Allowed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/meigma/tarstore"
	"github.com/meigma/tarstore/metrics"
)

// Handler serves a store.
type Handler struct {
	store   tarstore.ObjectStore
	metrics *metrics.Registry
	logger  *slog.Logger
	mux     *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records request metrics in reg and serves it on /metrics.
func WithMetrics(reg *metrics.Registry) Option {
	return func(h *Handler) {
		h.metrics = reg
	}
}

// WithLogger sets the logger for diagnostics. Defaults to no logging.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// New returns a handler serving store.
func New(store tarstore.ObjectStore, opts ...Option) *Handler {
	h := &Handler{store: store}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /objects/{location...}", h.instrument("/objects", h.handleGet))
	mux.Handle("/objects/{location...}", h.instrument("/objects", h.handleWrite))
	mux.Handle("GET /list", h.instrument("/list", h.handleList))
	mux.Handle("GET /health", h.instrument("/health", h.handleHealth))
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	location := r.PathValue("location")
	obj, err := h.store.Get(r.Context(), location)
	if err != nil {
		h.sendError(w, err)
		return
	}
	defer obj.Close()

	meta := obj.Meta()
	header := w.Header()
	header.Set("Content-Type", "application/octet-stream")
	header.Set("ETag", strconv.Quote(meta.ETag))
	header.Set("X-Partition-Date", meta.Date.String())
	http.ServeContent(w, r, meta.Location, meta.ModTime, obj)
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	location := r.PathValue("location")
	var err error
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		err = h.store.Put(r.Context(), location, nil)
	case http.MethodDelete:
		err = h.store.Delete(r.Context(), location)
	default:
		err = fmt.Errorf("%s %s: %w", r.Method, location, tarstore.ErrUnsupported)
	}
	h.sendError(w, err)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	prefix := query.Get("prefix")

	switch query.Get("delimiter") {
	case "":
		res := tarstore.ListResult{CommonPrefixes: []string{}, Objects: []tarstore.ObjectMeta{}}
		for meta := range h.store.List(prefix) {
			res.Objects = append(res.Objects, meta)
		}
		h.writeJSON(w, http.StatusOK, res)
	case "/":
		h.writeJSON(w, http.StatusOK, h.store.ListWithDelimiter(prefix))
	default:
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "only the / delimiter is supported"})
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusOf maps store errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, tarstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tarstore.ErrOutOfRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, tarstore.ErrUnsupported):
		return http.StatusMethodNotAllowed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) sendError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", "GET, HEAD")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "error", err, "status", status)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJSON encodes value as JSON into w with the given status.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "error", err, "status", status)
	}
}
