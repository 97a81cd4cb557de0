package devicecfg

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mertkan-iscan/agriAssist-sub000/internal/logfields"
)

// Watcher reloads a command table file into a Store when it changes. A table
// that fails to parse is logged and the previous one stays in service.
type Watcher struct {
	path     string
	store    *Store
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	reloads  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewWatcher creates a watcher for path feeding store.
func NewWatcher(path string, store *Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve command table path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		store:    store,
		watcher:  fw,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		reloads:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}, nil
}

// Start watches the table's directory; editors often replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.Info("watching command table", logfields.Path(w.path))

	w.wg.Add(2)
	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	return nil
}

// Stop ends both loops and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
		w.wg.Wait()
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				select {
				case w.reloads <- struct{}{}:
				default:
				}
			} else if ev.Has(fsnotify.Remove) {
				w.logger.Warn("command table removed, keeping current table", logfields.Path(ev.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("command table watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	defer w.wg.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return
		case <-w.stopChan:
			stopTimer()
			return
		case <-w.reloads:
			stopTimer()
			timer = time.AfterFunc(w.debounce, w.reload)
		}
	}
}

func (w *Watcher) reload() {
	t, err := Load(w.path)
	if err != nil {
		w.logger.Error("failed to reload command table", logfields.Path(w.path), logfields.Error(err))
		return
	}
	w.store.Replace(t)
	w.logger.Info("command table reloaded", logfields.Path(w.path), slog.Int("models", len(t.Models)))
}
