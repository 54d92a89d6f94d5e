package watcher

import (
	"context"
	"time"

	"github.com/ritzau/provgraph/pkg/logging"
)

// ReloadFunc applies a changed file. Errors are logged and the previous
// state is kept.
type ReloadFunc func(paths []string) error

// Reload calls fn for every event until events closes or ctx is done.
func Reload(ctx context.Context, events <-chan ChangeEvent, fn ReloadFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := fn(event.Paths); err != nil {
				logging.Warn("reload failed, keeping previous settings", "paths", event.Paths, "error", err)
				continue
			}
			logging.Info("reloaded", "paths", event.Paths)
		}
	}
}

// Watch watches path and calls fn, debounced, whenever it changes. It
// returns once the watcher is running; watching stops when ctx is done.
func Watch(ctx context.Context, path string, fn ReloadFunc) error {
	fw, err := NewFileWatcher(path)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		fw.Stop()
		return err
	}
	d := NewDebouncer(fw.Events(), 250*time.Millisecond, 2*time.Second)
	d.Start(ctx)
	go Reload(ctx, d.Output(), fn)
	return nil
}
