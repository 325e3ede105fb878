package tls

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const storeChangeDebounce = 100 * time.Millisecond

// StoreWatcher reports changes to keystore and truststore files. A running
// node never reloads them: its policy is immutable, so a change only produces
// a restart-required notice.
type StoreWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]struct{}
	logger   *TLSLogger
	onChange func(path string)

	closeOnce sync.Once
}

// NewStoreWatcher watches paths. The parent directories are watched so that
// files replaced by rename are still noticed.
func NewStoreWatcher(paths []string, logger *slog.Logger, onChange func(path string)) (*StoreWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	files := make(map[string]struct{}, len(paths))
	dirs := make(map[string]struct{})
	for _, path := range paths {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("resolve %q: %w", path, err)
		}
		files[abs] = struct{}{}

		dir := filepath.Dir(abs)
		if _, ok := dirs[dir]; ok {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = struct{}{}
	}

	return &StoreWatcher{
		watcher:  watcher,
		files:    files,
		logger:   NewTLSLogger(logger),
		onChange: onChange,
	}, nil
}

// Run delivers change notifications until ctx is done or Close is called.
// Bursts of events for one file within the debounce window are reported once.
func (w *StoreWatcher) Run(ctx context.Context) {
	pending := make(map[string]fsnotify.Op)
	timer := time.NewTimer(storeChangeDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, watched := w.files[abs]; !watched {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			pending[abs] |= event.Op
			timer.Reset(storeChangeDebounce)

		case <-timer.C:
			for path, op := range pending {
				w.logger.LogStoreChanged(ctx, path, op.String())
				if w.onChange != nil {
					w.onChange(path)
				}
			}
			clear(pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.logger.Error("TLS store watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *StoreWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
