package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Tyrowin/nexus-chat-server/internal/storage"
)

// Notifier is told when the set of accounts changed.
type Notifier interface {
	NotifyUsersChanged()
}

// debounce collapses the burst of events editors produce for one save.
const debounce = 100 * time.Millisecond

// Watcher re-syncs the seed file into storage whenever it changes.
type Watcher struct {
	path     string
	admin    storage.Admin
	notifier Notifier
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	closeOnce sync.Once
	closeErr  error
}

// NewWatcher watches path. The parent directory is watched so that files
// replaced by rename are picked up.
func NewWatcher(path string, admin storage.Admin, notifier Notifier, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve accounts path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     filepath.Clean(abs),
		admin:    admin,
		notifier: notifier,
		logger:   logger.With("accounts_file", abs),
		watcher:  fw,
	}, nil
}

// Reload syncs the file once and notifies when anything changed.
func (w *Watcher) Reload(ctx context.Context) error {
	entries, err := Load(w.path)
	if err != nil {
		return err
	}
	res, err := Sync(ctx, w.admin, entries)
	if err != nil {
		return fmt.Errorf("sync accounts: %w", err)
	}
	if res.Changed() {
		w.logger.Info("Accounts reloaded", "added", res.Added, "updated", res.Updated)
		w.notifier.NotifyUsersChanged()
	}
	return nil
}

// Close releases the file watch. Run calls it on return; it is safe to call
// more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.watcher.Close()
	})
	return w.closeErr
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			if err := w.Reload(ctx); err != nil {
				w.logger.Error("Accounts reload failed", "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", "error", err)
		}
	}
}
