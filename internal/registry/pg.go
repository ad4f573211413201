package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres is the shared-database registry backend for deployments where the
// gateway runs next to other services. Schema lives in migrations/; run
// `gewegate migrate up` before first start.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and verifies the DSN.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Put(ctx context.Context, id Identity) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO bot_sessions (app_id, token, webhook_secret, description, seen, updated_at)
		 VALUES ($1, $2, $3, $4, '[]'::jsonb, now())
		 ON CONFLICT (app_id) DO UPDATE SET
		   token = EXCLUDED.token,
		   webhook_secret = EXCLUDED.webhook_secret,
		   description = EXCLUDED.description,
		   seen = '[]'::jsonb,
		   updated_at = now()`,
		id.AppID, id.Token, id.WebhookSecret, id.Description)
	if err != nil {
		return fmt.Errorf("upsert bot %s: %w", id.AppID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, appID string) (*Identity, error) {
	var id Identity
	err := p.db.QueryRowContext(ctx,
		`SELECT app_id, token, webhook_secret, description FROM bot_sessions WHERE app_id = $1`,
		appID).Scan(&id.AppID, &id.Token, &id.WebhookSecret, &id.Description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bot %s: %w", appID, err)
	}
	return &id, nil
}

// MarkSeen updates the window inside one transaction with the row locked, so
// concurrent deliveries of the same id cannot both report first-sight.
func (p *Postgres) MarkSeen(ctx context.Context, appID string, messageID int64) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin seen tx: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT seen FROM bot_sessions WHERE app_id = $1 FOR UPDATE`, appID).Scan(&raw)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load seen window for %s: %w", appID, err)
	}

	var seen []int64
	if err := json.Unmarshal(raw, &seen); err != nil {
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE bot_sessions SET seen = $1, updated_at = now() WHERE app_id = $2`,
		updated, appID); err != nil {
		return false, fmt.Errorf("store seen window for %s: %w", appID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit seen tx: %w", err)
	}
	return true, nil
}

func (p *Postgres) Close() error { return p.db.Close() }
