// Package registry tracks registered bot identities and their recently-seen
// message windows. The upstream platform redelivers pushes, so every inbound
// message id is checked against a bounded per-bot window before dispatch.
package registry

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/gewegate/internal/config"
)

// SeenWindowSize bounds the per-bot dedup window. An id can be reprocessed
// after this many newer messages for the same bot, which is acceptable for
// the short redelivery windows the platform exhibits.
const SeenWindowSize = 1024

// Identity is one registered bot account with resolved credentials.
type Identity struct {
	AppID         string
	Token         string
	WebhookSecret string
	Description   string
}

// Registry stores identities and answers dedup queries. Implementations must
// be safe for concurrent use.
//
// MarkSeen reports true the first time a message id is observed for a bot and
// false on redelivery. Unknown bots always report true (fail-open): callers
// must not rely on dedup for bots they have not registered.
type Registry interface {
	Put(ctx context.Context, id Identity) error
	Get(ctx context.Context, appID string) (*Identity, error)
	MarkSeen(ctx context.Context, appID string, messageID int64) (bool, error)
	Close() error
}

// Open constructs the registry backend selected by storage config.
func Open(ctx context.Context, st config.Storage) (Registry, error) {
	switch st.Registry {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		path := st.SQLitePath
		if path == "" {
			path = "gewegate.db"
		}
		return OpenSQLite(ctx, path)
	case "postgres":
		if st.PostgresDSN == "" {
			return nil, fmt.Errorf("storage.registry is postgres but postgres_dsn is empty")
		}
		return OpenPostgres(ctx, st.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", st.Registry)
	}
}

// Seed upserts every configured bot. Credentials are resolved through their
// env indirections at this point, not at match time.
func Seed(ctx context.Context, reg Registry, snap *config.Snapshot) error {
	for i := range snap.Bots {
		b := &snap.Bots[i]
		id := Identity{
			AppID:         b.AppID,
			Token:         b.ResolveToken(),
			WebhookSecret: b.ResolveWebhookSecret(),
			Description:   b.Description,
		}
		if err := reg.Put(ctx, id); err != nil {
			return fmt.Errorf("register bot %s: %w", b.AppID, err)
		}
	}
	return nil
}

// seenWindow is a FIFO membership set of capacity SeenWindowSize.
type seenWindow struct {
	order []int64
	ids   map[int64]struct{}
}

func newSeenWindow() *seenWindow {
	return &seenWindow{ids: make(map[int64]struct{})}
}

func (w *seenWindow) markSeen(id int64) bool {
	if _, dup := w.ids[id]; dup {
		return false
	}
	w.ids[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > SeenWindowSize {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.ids, oldest)
	}
	return true
}
