package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/gewegate/internal/registry"
	"github.com/nextlevelbuilder/gewegate/internal/store"
)

const testConfig = `config_version = 2

[server]
listen_addr = "127.0.0.1:0"
queue_size = 16
max_concurrency = 2
dispatch_timeout_seconds = 30
require_signature = false
webhook_rate = 0.0
webhook_burst = 0

[storage]
registry = "memory"

[[bots]]
app_id = "wx_a"
token = "tok123"

[[rule_templates]]
id = "help"
kind = "text"

[rule_templates.match]
contains = "help"

[rule_templates.action]
reply_text = "How can I help?"

[[rule_instances]]
id = "help-private"
template = "help"
channel = "private"
`

func newTestAPI(t *testing.T, token string) (*Handler, *http.ServeMux, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gewegate.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	st, err := store.Open(path, filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	reg := registry.NewMemory()
	if err := registry.Seed(context.Background(), reg, st.Snapshot()); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	h := NewHandler(st, reg, token)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux, st
}

func doJSON(mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == nil {
		reader = strings.NewReader("")
	} else if s, ok := body.(string); ok {
		reader = strings.NewReader(s)
	} else {
		data, _ := json.Marshal(body)
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	_, mux, _ := newTestAPI(t, "s3cret")

	if w := doJSON(mux, http.MethodGet, "/api/config", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", w.Code)
	}
}

func TestGetConfigAndMeta(t *testing.T) {
	_, mux, st := newTestAPI(t, "")

	w := doJSON(mux, http.MethodGet, "/api/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/config status = %d", w.Code)
	}
	var resp struct {
		Etag string `json:"etag"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Etag != st.Etag() {
		t.Errorf("etag = %q, want %q", resp.Etag, st.Etag())
	}

	w = doJSON(mux, http.MethodGet, "/api/config/meta", nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET /api/config/meta status = %d", w.Code)
	}
}

func TestSaveConflict(t *testing.T) {
	_, mux, _ := newTestAPI(t, "")

	w := doJSON(mux, http.MethodPost, "/api/config/save", map[string]string{
		"content":       testConfig,
		"expected_etag": "definitely-stale",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("save with stale etag status = %d, want 409", w.Code)
	}
}

func TestSavePublishRollbackFlow(t *testing.T) {
	_, mux, st := newTestAPI(t, "")

	// Save a draft with the correct etag.
	w := doJSON(mux, http.MethodPost, "/api/config/save", map[string]string{
		"content":       testConfig,
		"expected_etag": st.Etag(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("save status = %d: %s", w.Code, w.Body.String())
	}

	// Publish it.
	w = doJSON(mux, http.MethodPost, "/api/config/publish", map[string]string{"remark": "initial"})
	if w.Code != http.StatusOK {
		t.Fatalf("publish status = %d: %s", w.Code, w.Body.String())
	}
	var info struct {
		Version uint `json:"version"`
	}
	json.Unmarshal(w.Body.Bytes(), &info)
	if info.Version != 1 {
		t.Errorf("published version = %d, want 1", info.Version)
	}

	// Rollback to a version that does not exist.
	w = doJSON(mux, http.MethodPost, "/api/config/rollback", map[string]uint{"version": 42})
	if w.Code != http.StatusNotFound {
		t.Errorf("rollback unknown version status = %d, want 404", w.Code)
	}

	// Rollback to the published version.
	w = doJSON(mux, http.MethodPost, "/api/config/rollback", map[string]uint{"version": 1})
	if w.Code != http.StatusOK {
		t.Errorf("rollback status = %d: %s", w.Code, w.Body.String())
	}

	// Backups list has the published version.
	w = doJSON(mux, http.MethodGet, "/api/config/backups", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("backups status = %d", w.Code)
	}
	var backups struct {
		Backups []struct {
			Version uint `json:"version"`
		} `json:"backups"`
	}
	json.Unmarshal(w.Body.Bytes(), &backups)
	if len(backups.Backups) != 1 || backups.Backups[0].Version != 1 {
		t.Errorf("backups = %+v, want one entry at version 1", backups.Backups)
	}
}

func TestLintEndpoint(t *testing.T) {
	_, mux, _ := newTestAPI(t, "")

	w := doJSON(mux, http.MethodPost, "/api/config/lint", "config_version = 1\n")
	if w.Code != http.StatusOK {
		t.Fatalf("lint status = %d", w.Code)
	}
	var resp struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Valid || len(resp.Errors) == 0 {
		t.Errorf("lint of bad config = %+v, want invalid with errors", resp)
	}

	// Empty body lints the live file, which is valid.
	w = doJSON(mux, http.MethodPost, "/api/config/lint", nil)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Valid {
		t.Errorf("lint of live config = %+v, want valid", resp)
	}
}

func TestImportRejectsInvalid(t *testing.T) {
	_, mux, _ := newTestAPI(t, "")

	w := doJSON(mux, http.MethodPost, "/api/config/import", "config_version = 1\n")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("import invalid config status = %d, want 422", w.Code)
	}

	w = doJSON(mux, http.MethodPost, "/api/config/import", testConfig)
	if w.Code != http.StatusOK {
		t.Errorf("import valid config status = %d: %s", w.Code, w.Body.String())
	}
}

func TestExport(t *testing.T) {
	_, mux, _ := newTestAPI(t, "")
	w := doJSON(mux, http.MethodGet, "/api/config/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "config_version = 2") {
		t.Error("export body does not look like the live TOML")
	}
}

func TestSimulate(t *testing.T) {
	_, mux, _ := newTestAPI(t, "")

	w := doJSON(mux, http.MethodPost, "/api/config/simulate", map[string]any{
		"app_id":    "wx_a",
		"msg_kind":  "text",
		"chat_type": "private",
		"content":   "please help me",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("simulate status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Matched     bool   `json:"matched"`
		FinalAction string `json:"final_action"`
		Rules       []struct {
			InstanceID string `json:"instance_id"`
		} `json:"rules"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Matched || resp.FinalAction != "reply_text" {
		t.Errorf("simulate = %+v, want matched with reply_text", resp)
	}
	if len(resp.Rules) != 1 || resp.Rules[0].InstanceID != "help-private" {
		t.Errorf("simulate rules = %+v, want help-private", resp.Rules)
	}

	// Group message does not satisfy the private-only instance.
	w = doJSON(mux, http.MethodPost, "/api/config/simulate", map[string]any{
		"app_id":    "wx_a",
		"msg_kind":  "text",
		"chat_type": "group",
		"content":   "please help me",
	})
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Matched {
		t.Errorf("group simulate matched, want channel filter to skip")
	}

	// Unknown bot is a client error.
	w = doJSON(mux, http.MethodPost, "/api/config/simulate", map[string]any{
		"app_id": "stranger", "content": "help",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("simulate unknown bot status = %d, want 400", w.Code)
	}
}
