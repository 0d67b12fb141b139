package policyfile

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"popup-policy-engine/internal/debounce"
)

const quietPeriod = 200 * time.Millisecond

// Watch calls reload after one of f's files is written or replaced, until ctx is
// cancelled. Bursts of events collapse into one reload once the file is quiet.
// The directory is watched so editors that save by rename are covered.
func Watch(ctx context.Context, f *File, reload func(context.Context) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	names := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for _, p := range f.Paths() {
		names[filepath.Base(p)] = struct{}{}
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return err
		}
	}

	changes := make(chan struct{}, 1)
	go debounce.Run(ctx, changes, quietPeriod, 0, func() {
		log.Info().Str("file", f.Path()).Msg("policy file changed; refreshing snapshot")
		if err := reload(ctx); err != nil {
			log.Error().Err(err).Msg("refresh snapshot error")
		}
	})

	go func() {
		defer w.Close()
		defer close(changes)
		log.Info().Str("file", f.Path()).Msg("watching policy file")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("policy file watcher stopped")
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if _, mine := names[filepath.Base(ev.Name)]; !mine {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				debounce.Notify(changes)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("policy file watcher error")
			}
		}
	}()
	return nil
}
