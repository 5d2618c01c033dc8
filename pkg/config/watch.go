package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watches the config file and calls `onChange` with every valid new version of it until
// `ctx` is done. Invalid versions are logged and skipped. The directory is watched so
// that editors replacing the file are handled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	logger := logrus.WithField("path", path)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				config, err := LoadConfigFromPath(path)
				if err != nil {
					logger.WithError(err).Warn("Ignoring invalid config change")
					continue
				}

				onChange(config)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Config watcher error")
			}
		}
	}()

	return nil
}

// Applies the log level of every config change to the standard logger.
func WatchLogLevel(ctx context.Context, path string) error {
	return Watch(ctx, path, func(config *Config) {
		level := config.Level()
		if logrus.GetLevel() != level {
			logrus.SetLevel(level)
			logrus.WithField("level", level).Info("Log level changed")
		}
	})
}
