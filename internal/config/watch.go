package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchNetworkFile recharge path à chaque modification et appelle onChange avec
// la nouvelle version. Un fichier invalide est ignoré (on garde l'ancien).
// On surveille le dossier: les éditeurs remplacent souvent le fichier par renommage.
func WatchNetworkFile(ctx context.Context, path string, logger zerolog.Logger, onChange func(NetworkFile)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	const debounce = 200 * time.Millisecond
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		case <-fire:
			fire = nil
			f, err := LoadNetworkFile(abs)
			if err != nil {
				logger.Error().Err(err).Str("path", abs).Msg("config reload failed, keeping previous")
				continue
			}
			logger.Info().Str("path", abs).Msg("config reloaded")
			onChange(f)
		}
	}
}
