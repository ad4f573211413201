package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/gewegate/internal/metrics"
	"github.com/nextlevelbuilder/gewegate/internal/registry"
)

const maxBodyBytes = 1 << 20

// Options tunes the ingestion endpoint.
type Options struct {
	QueueSize        int
	RequireSignature bool
	// Rate is the per-bot sustained push rate per second; 0 disables limiting.
	Rate  float64
	Burst int
}

// Handler accepts platform pushes and feeds the dispatch queue. One instance
// serves all bots; per-bot state (dedup, rate) lives in the registry and the
// limiter map.
type Handler struct {
	reg   registry.Registry
	queue chan Event
	opts  Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHandler creates the ingestion handler and its bounded event queue.
// Signature enforcement can also be switched on per deployment via the
// GEWE_WEBHOOK_REQUIRE_SIGNATURE environment variable.
func NewHandler(reg registry.Registry, opts Options) *Handler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if envBool("GEWE_WEBHOOK_REQUIRE_SIGNATURE") {
		opts.RequireSignature = true
	}
	return &Handler{
		reg:      reg,
		queue:    make(chan Event, opts.QueueSize),
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Events is the bounded channel the dispatcher drains. FIFO per sender; the
// channel blocking on full is the intended backpressure on the platform.
func (h *Handler) Events() <-chan Event { return h.queue }

// RegisterRoutes mounts the push endpoint.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook", h.handlePush)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	// Connectivity probe: acknowledge without touching the registry. The
	// probe body carries testMsg at the top level, not under Data.
	if isPing(body) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var p push
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	identity, err := h.reg.Get(r.Context(), p.Appid)
	if err != nil {
		slog.Error("registry lookup failed", "app_id", p.Appid, "error", err)
		respond(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
		return
	}
	if identity == nil {
		metrics.EventsRejected.WithLabelValues("unknown_bot").Inc()
		respond(w, http.StatusUnauthorized, map[string]string{"error": "unknown app_id"})
		return
	}

	if !h.allow(identity.AppID) {
		metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
		respond(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	if h.opts.RequireSignature {
		if err := verifySignature(r.Header, identity.Token, identity.WebhookSecret, body, time.Now()); err != nil {
			slog.Warn("webhook signature rejected", "app_id", identity.AppID, "error", err)
			metrics.EventsRejected.WithLabelValues("bad_signature").Inc()
			respond(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
	}

	ev := Event{
		ID:         uuid.NewString(),
		AppID:      p.Appid,
		TypeName:   p.TypeName,
		Data:       p.Data,
		ReceivedAt: time.Now(),
	}

	if msgID, ok := extractNewMsgID(p.Data); ok {
		ev.MsgID = msgID
		first, err := h.reg.MarkSeen(r.Context(), p.Appid, msgID)
		if err != nil {
			slog.Error("dedup check failed", "app_id", p.Appid, "msg_id", msgID, "error", err)
			respond(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
			return
		}
		if !first {
			// Redelivery: expected steady-state, still a success to the caller.
			slog.Debug("duplicate message dropped", "app_id", p.Appid, "msg_id", msgID)
			metrics.EventsDeduped.Inc()
			respond(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
	}

	// Blocking send: a full queue throttles the platform via HTTP latency
	// rather than dropping events.
	select {
	case h.queue <- ev:
		metrics.EventsReceived.Inc()
		metrics.QueueDepth.Set(float64(len(h.queue)))
	case <-r.Context().Done():
		respond(w, http.StatusServiceUnavailable, map[string]string{"error": "cancelled"})
		return
	}

	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// allow applies the per-bot token bucket. Limiters are created lazily; the
// bot set is bounded by the config so the map cannot grow without bound.
func (h *Handler) allow(appID string) bool {
	if h.opts.Rate <= 0 {
		return true
	}
	h.mu.Lock()
	lim, ok := h.limiters[appID]
	if !ok {
		burst := h.opts.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(h.opts.Rate), burst)
		h.limiters[appID] = lim
	}
	h.mu.Unlock()
	return lim.Allow()
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
