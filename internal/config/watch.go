package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second

	watchRetryBase = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// watchRetry is the jittered wait before rebuilding a broken watcher.
func watchRetry(attempt int) time.Duration {
	d := watchRetryBase << min(attempt, 5)
	d = min(d, watchRetryMax)
	return d + rand.N(d/2+1)
}

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
// Bursts of events within reloadDebounce cause one reload.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.logger().With(logx.String("dir", dir))

	for attempt := 0; ctx.Err() == nil; attempt++ {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err == nil {
			log.Debug("config watcher started", logx.String("file", file))
			healthy := m.watchLoop(ctx, w, file, log)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
			if healthy {
				attempt = 0
			}
			err = errors.New("watcher closed")
		}

		wait := watchRetry(attempt)
		log.Warn("config watcher down; retrying", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
	return nil
}

// watchLoop runs until ctx ends or the watcher breaks. It reports whether
// any event was handled, which resets the retry backoff.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, log logx.Logger) bool {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	healthy := false
	for {
		select {
		case <-ctx.Done():
			return healthy
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return healthy
			}
			healthy = true
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return healthy
			case errors.Is(err, fsnotify.ErrEventOverflow):
				log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce.Reset(reloadDebounce)
			case err != nil:
				log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
