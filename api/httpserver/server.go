// Package httpserver is the admin HTTP surface: Prometheus metrics,
// channel status, manual gap notices and resync clears.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"feedhandler/service"
)

// Feed is the part of service.FeedService the admin API needs.
type Feed interface {
	Status() []service.ChannelStatus
	ChannelStatus(channelID int32) (service.ChannelStatus, bool)
	NotifyMissing(ctx context.Context, channelID int32, fromSeq, toSeq int64) error
	ClearUpTo(ctx context.Context, channelID int32, seq int64) error
}

type MissingRequest struct {
	FromSeq int64 `json:"from_seq"`
	ToSeq   int64 `json:"to_seq"`
}

type ClearRequest struct {
	UpToSeq int64 `json:"up_to_seq"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter wires the admin routes.
func NewRouter(feed Feed, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	h := &handlers{feed: feed, log: log.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/channels", func(r chi.Router) {
		r.Get("/", h.listChannels)
		r.Get("/{id}", h.getChannel)
		r.Post("/{id}/missing", h.postMissing)
		r.Post("/{id}/clear", h.postClear)
	})
	return r
}

type handlers struct {
	feed Feed
	log  *zap.Logger
}

func (h *handlers) listChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.feed.Status())
}

func (h *handlers) getChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(w, r)
	if !ok {
		return
	}
	st, found := h.feed.ChannelStatus(id)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown channel"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) postMissing(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(w, r)
	if !ok {
		return
	}
	var req MissingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}

	writeCommandResult(w, h.feed.NotifyMissing(r.Context(), id, req.FromSeq, req.ToSeq))
}

func (h *handlers) postClear(w http.ResponseWriter, r *http.Request) {
	id, ok := channelID(w, r)
	if !ok {
		return
	}
	var req ClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	writeCommandResult(w, h.feed.ClearUpTo(r.Context(), id, req.UpToSeq))
}

func writeCommandResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, service.ErrUnknownChannel):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrStopped):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func channelID(w http.ResponseWriter, r *http.Request) (int32, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid channel id"})
		return 0, false
	}
	return int32(id), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
