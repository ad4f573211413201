package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/gewegate/internal/metrics"
)

// debounce absorbs the burst of events editors emit for a single save.
const debounce = 200 * time.Millisecond

// Watch reloads the store when the config file changes on disk. The watch is
// on the parent directory so atomic rename-style saves are picked up. Returns
// when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.configPath)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("config watcher started", "path", s.configPath)

	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.configPath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			before := s.Etag()
			s.reload()
			m := s.Meta()
			if m.LastReloadResult == "ok" {
				metrics.ConfigReloads.WithLabelValues("ok").Inc()
				if m.Etag != before {
					slog.Info("live config updated", "etag", m.Etag[:8])
				}
			} else {
				metrics.ConfigReloads.WithLabelValues("error").Inc()
				slog.Warn("config reload rejected", "error", m.LastReloadResult)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}
