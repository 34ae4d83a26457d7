package registry

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads the registry whenever the tool configuration file changes.
// It blocks until ctx is cancelled. A reload failure keeps the previous
// definition set and is logged, never fatal.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return err
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				log.Error().Err(err).Str("path", r.path).Msg("tool config reload failed, keeping previous definitions")
				continue
			}
			log.Info().Str("path", r.path).Strs("tools", r.Names()).Msg("tool config reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("tool config watcher error")
		}
	}
}
