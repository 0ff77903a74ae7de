package overlay

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 250 * time.Millisecond

// WatchConfig reloads the timers whenever the configuration file changes.
// It returns once the watch is installed; the watch ends with ctx.
func (a *App) WatchConfig(ctx context.Context) error {
	path := a.cfg.ConfigFile
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Editors often replace the file, which drops the watch.
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						log.Warn().Err(err).Str("path", ev.Name).Msg("overlay: watch re-add failed")
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(reloadDebounce)
				}
			case <-debounce.C:
				if _, err := a.ReloadTimers(); err != nil {
					log.Error().Err(err).Msg("overlay: config reload failed")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("overlay: watch error")
			}
		}
	}()
	log.Info().Str("path", path).Msg("overlay: watching config")
	return nil
}
