package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounce absorbs editor save bursts (write + rename + chmod) into a
// single reload.
const debounce = 200 * time.Millisecond

// Watch reloads the config file whenever it changes and publishes the
// result into the holder. The parent directory is watched rather than the
// file itself so atomic-rename saves keep working. Watch returns once the
// watcher is running; it stops when ctx is cancelled. A reload failure
// keeps the previous config.
func Watch(ctx context.Context, path string, holder *Holder, log zerolog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}

	log = log.With().Str("component", "config").Logger()

	go func() {
		defer w.Close()

		var pending *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending == nil {
					pending = time.AfterFunc(debounce, func() {
						select {
						case reload <- struct{}{}:
						default:
						}
					})
				} else {
					pending.Reset(debounce)
				}

			case <-reload:
				pending = nil
				cfg, err := Load(abs)
				if err != nil {
					log.Warn().Err(err).Str("path", abs).Msg("config reload failed, keeping previous")
					continue
				}
				holder.Store(cfg)
				log.Info().Str("path", abs).Msg("config reloaded")

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return nil
}
