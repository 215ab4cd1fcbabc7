package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	onChange func(*Config)

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts watching path. onChange runs on the watcher goroutine with
// every successfully loaded revision; files that fail to load or validate
// are logged and skipped. The parent directory is watched so editors that
// replace the file by rename are seen too.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		watcher:  fw,
		logger:   logger.Named("config"),
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops watching and waits for the watcher goroutine.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring config change", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}

// RestartRequired lists the sections of next that differ from c in ways
// that only take effect after a restart. The log level is applied live and
// is not reported. JWT secrets are not compared because an empty one is
// regenerated on every load.
func (c *Config) RestartRequired(next *Config) []string {
	var changed []string
	if !reflect.DeepEqual(c.Server, next.Server) {
		changed = append(changed, "server")
	}
	if c.Logging.Format != next.Logging.Format {
		changed = append(changed, "logging.format")
	}
	if c.Heartbeat != next.Heartbeat {
		changed = append(changed, "heartbeat")
	}
	a, b := c.Auth, next.Auth
	a.JWTSecret, b.JWTSecret = "", ""
	if a != b {
		changed = append(changed, "auth")
	}
	if c.Metrics != next.Metrics {
		changed = append(changed, "metrics")
	}
	return changed
}
