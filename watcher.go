package voxgi

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/voxgi/internal/logx"
)

// ConfigWatcher reloads a config file when it changes on disk and hands
// each valid result to a callback. Invalid files are logged and skipped.
type ConfigWatcher struct {
	path  string
	apply func(Config) error
	fs    *fsnotify.Watcher

	reloads atomic.Uint64
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// WatchConfig starts watching path. The directory is watched rather than
// the file so that editors replacing the file are seen.
func WatchConfig(path string, apply func(Config) error) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("voxgi: config watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("voxgi: watch %s: %w", filepath.Dir(abs), err)
	}
	w := &ConfigWatcher{path: abs, apply: apply, fs: fs, done: make(chan struct{})}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *ConfigWatcher) run() {
	defer w.wg.Done()
	for {
		select {
		case e, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logx.L().Warn("voxgi: config watcher", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		logx.L().Warn("voxgi: config reload skipped", "path", w.path, "error", err)
		return
	}
	if err := w.apply(cfg); err != nil {
		logx.L().Warn("voxgi: config reload rejected", "path", w.path, "error", err)
		return
	}
	w.reloads.Add(1)
	logx.L().Info("voxgi: config reloaded", "path", w.path)
}

// Reloads returns the number of successfully applied reloads.
func (w *ConfigWatcher) Reloads() uint64 { return w.reloads.Load() }

// Close stops the watcher and waits for its goroutine.
func (w *ConfigWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	if errors.Is(err, fsnotify.ErrClosed) {
		err = nil
	}
	return err
}
