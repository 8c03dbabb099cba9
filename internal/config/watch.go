package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands every valid config to
// apply. Invalid files are logged and skipped. It blocks until ctx ends.
//
// The parent directory is watched so editors that replace the file on save
// are still seen.
func Watch(ctx context.Context, path string, logger zerolog.Logger, apply func(Config)) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	logger.Info().Str("path", abs).Msg("watching config file for changes")

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Error().Err(err).Msg("config reload failed, keeping previous config")
				continue
			}
			logger.Info().Str("log_level", cfg.Log.Level).Msg("config reloaded")
			apply(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
