package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bot_sessions (
	app_id         TEXT PRIMARY KEY,
	token          TEXT NOT NULL,
	webhook_secret TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	seen           TEXT NOT NULL DEFAULT '[]',
	updated_at     TIMESTAMP NOT NULL
);`

// SQLite is a durable single-file registry backend. Identities and their seen
// windows survive restarts, so a redeploy does not reopen the dedup window.
type SQLite struct {
	db *sql.DB
	// mu serializes read-modify-write of the seen column; sqlite has a single
	// writer anyway and the window update must not interleave.
	mu sync.Mutex
}

// OpenSQLite opens (and if needed creates) the registry database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bot_sessions table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, id Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_sessions (app_id, token, webhook_secret, description, seen, updated_at)
		 VALUES (?, ?, ?, ?, '[]', ?)
		 ON CONFLICT (app_id) DO UPDATE SET
		   token = excluded.token,
		   webhook_secret = excluded.webhook_secret,
		   description = excluded.description,
		   seen = '[]',
		   updated_at = excluded.updated_at`,
		id.AppID, id.Token, id.WebhookSecret, id.Description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert bot %s: %w", id.AppID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, appID string) (*Identity, error) {
	var id Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT app_id, token, webhook_secret, description FROM bot_sessions WHERE app_id = ?`,
		appID).Scan(&id.AppID, &id.Token, &id.WebhookSecret, &id.Description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bot %s: %w", appID, err)
	}
	return &id, nil
}

func (s *SQLite) MarkSeen(ctx context.Context, appID string, messageID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT seen FROM bot_sessions WHERE app_id = ?`, appID).Scan(&raw)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load seen window for %s: %w", appID, err)
	}

	var seen []int64
	if err := json.Unmarshal([]byte(raw), &seen); err != nil {
		seen = nil
	}
	for _, v := range seen {
		if v == messageID {
			return false, nil
		}
	}
	seen = append(seen, messageID)
	if len(seen) > SeenWindowSize {
		seen = seen[len(seen)-SeenWindowSize:]
	}

	updated, err := json.Marshal(seen)
	if err != nil {
		return false, fmt.Errorf("encode seen window: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE bot_sessions SET seen = ?, updated_at = ? WHERE app_id = ?`,
		string(updated), time.Now().UTC(), appID); err != nil {
		return false, fmt.Errorf("store seen window for %s: %w", appID, err)
	}
	return true, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
