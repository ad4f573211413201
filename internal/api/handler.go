// Package api is the administrative HTTP surface for the config store:
// inspect, lint, save, publish, rollback, import/export and rule simulation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/nextlevelbuilder/gewegate/internal/registry"
	"github.com/nextlevelbuilder/gewegate/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler serves /api/config. A successful publish or rollback re-seeds the
// registry so bot credential changes take effect without a restart.
type Handler struct {
	store *store.Store
	reg   registry.Registry
	token string
}

// NewHandler creates the admin handler. An empty token (and no GEWE_API_TOKEN
// in the environment) leaves the surface unauthenticated, which is only
// sensible for local development.
func NewHandler(st *store.Store, reg registry.Registry, token string) *Handler {
	if token == "" {
		token = os.Getenv("GEWE_API_TOKEN")
	}
	if token == "" {
		slog.Warn("admin API authentication disabled; set server.admin_token or GEWE_API_TOKEN")
	}
	return &Handler{store: st, reg: reg, token: token}
}

// RegisterRoutes mounts all admin endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/config", h.auth(h.getConfig))
	mux.HandleFunc("GET /api/config/meta", h.auth(h.getMeta))
	mux.HandleFunc("GET /api/config/backups", h.auth(h.listBackups))
	mux.HandleFunc("GET /api/config/export", h.auth(h.exportConfig))
	mux.HandleFunc("POST /api/config/lint", h.auth(h.lint))
	mux.HandleFunc("POST /api/config/save", h.auth(h.save))
	mux.HandleFunc("POST /api/config/publish", h.auth(h.publish))
	mux.HandleFunc("POST /api/config/rollback", h.auth(h.rollback))
	mux.HandleFunc("POST /api/config/import", h.auth(h.importConfig))
	mux.HandleFunc("POST /api/config/simulate", h.auth(h.simulate))
}

// auth wraps a handler with bearer-token checking.
func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != h.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config": h.store.Snapshot(),
		"etag":   h.store.Etag(),
	})
}

func (h *Handler) getMeta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Meta())
}

func (h *Handler) listBackups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"backups": h.store.ListBackups()})
}

func (h *Handler) exportConfig(w http.ResponseWriter, r *http.Request) {
	data, err := h.store.Export()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/toml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// lint validates a posted TOML document, or the live file when the body is
// empty. Always 200; validity is in the payload.
func (h *Handler) lint(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if len(body) == 0 {
		body, err = h.store.Export()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	problems := store.Lint(body)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  len(problems) == 0,
		"errors": problems,
	})
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content      string `json:"content"`
		ExpectedEtag string `json:"expected_etag"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	etag, err := h.store.SaveDraft([]byte(req.Content), req.ExpectedEtag)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "config changed concurrently, refresh and retry",
				"etag":  h.store.Etag(),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"etag": etag})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Remark string `json:"remark"`
	}
	// Empty body is fine; publish without a remark.
	json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)

	info, err := h.store.Publish(req.Remark)
	if err != nil {
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  "config validation failed",
				"errors": verr.Problems,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.reseed(r.Context())
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version uint `json:"version"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Version == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version is required"})
		return
	}

	if err := h.store.Rollback(req.Version); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup version not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.reseed(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"etag":   h.store.Etag(),
	})
}

// importConfig replaces the draft with a posted TOML document. Unlike save
// it skips the etag check (an import is an explicit overwrite) but requires
// the document to be semantically valid.
func (h *Handler) importConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "TOML body is required"})
		return
	}
	if problems := store.Lint(body); len(problems) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "config validation failed",
			"errors": problems,
		})
		return
	}

	etag, err := h.store.SaveDraft(body, "")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"etag": etag})
}

func (h *Handler) reseed(ctx context.Context) {
	if h.reg == nil {
		return
	}
	if err := registry.Seed(ctx, h.reg, h.store.Snapshot()); err != nil {
		slog.Error("registry reseed failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
