package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/logger"
)

// debounceInterval coalesces the bursts of filesystem events editors and
// atomic-rename writers produce for a single save.
const debounceInterval = 250 * time.Millisecond

// Watcher reloads a configuration file on change and delivers snapshots
// to a single handler, serially, on one goroutine. That serialization is
// what lets the lifecycle controllers run without their own locking.
type Watcher struct {
	path     string
	onChange func(*File)
	logger   *zap.Logger
}

// NewWatcher creates a watcher for a config file. onChange receives each
// successfully loaded snapshot; load failures are logged and the previous
// configuration stays in effect.
func NewWatcher(path string, onChange func(*File)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.Get().With(zap.String("component", "config_watcher"), zap.String("path", path)),
	}
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file itself so atomic renames keep working.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(debounceInterval)
				fire = pending.C
			} else {
				pending.Reset(debounceInterval)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", zap.Error(err))

		case <-fire:
			pending = nil
			fire = nil

			file, err := LoadFile(w.path)
			if err != nil {
				w.logger.Error("config reload failed, keeping previous configuration", zap.Error(err))
				continue
			}
			w.logger.Info("configuration reloaded",
				zap.Int("datasources", len(file.DataSources)),
				zap.Int("lookups", len(file.Lookups)))
			w.onChange(file)
		}
	}
}
