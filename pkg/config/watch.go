package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// DefaultWatchDelay is how long Watch waits for writes to settle.
const DefaultWatchDelay = 500 * time.Millisecond

// ReloadFunc receives a freshly built model after its file changed.
type ReloadFunc func(ctx context.Context, m *engine.Model, cfg *ModelConfig) error

// Watch rebuilds the model at path whenever the model file or a Starlark
// file beside it is written, and hands the result to reload. Events within
// delay of each other trigger one reload. Invalid models are logged and
// skipped. Watch returns once watching has started; it stops when ctx is
// done.
func (l *Loader) Watch(ctx context.Context, path string, delay time.Duration, reload ReloadFunc, opts ...engine.ExecutorOption) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if delay <= 0 {
		delay = DefaultWatchDelay
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors often replace files, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger := zerolog.Ctx(ctx).With().Str("model_file", abs).Logger()
	go l.processEvents(ctx, watcher, abs, delay, reload, opts, logger)

	logger.Info().Msg("Started watching model file")
	return nil
}

func (l *Loader) processEvents(
	ctx context.Context,
	watcher *fsnotify.Watcher,
	path string,
	delay time.Duration,
	reload ReloadFunc,
	opts []engine.ExecutorOption,
	logger zerolog.Logger,
) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !relevant(path, event.Name) {
				continue
			}
			logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Model file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(delay, func() {
				if ctx.Err() != nil {
					return
				}
				m, cfg, err := l.Load(ctx, path, opts...)
				if err != nil {
					logger.Error().Err(err).Msg("Failed to reload model")
					return
				}
				if err := reload(ctx, m, cfg); err != nil {
					logger.Error().Err(err).Msg("Failed to apply reloaded model")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func relevant(model, changed string) bool {
	changed = filepath.Clean(changed)
	return changed == model || strings.HasSuffix(changed, ".star")
}
