package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	fs     *fsnotify.Watcher
	path   string
	log    *logrus.Entry
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Watch calls onChange with every config that loads and passes validate
// after path changes. The directory is watched so editors that replace the
// file on save are seen too.
func Watch(path string, validate func(*Config) error, onChange func(Config), log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{fs: fw, path: abs, log: log, closed: make(chan struct{})}
	w.wg.Add(1)
	go w.loop(validate, onChange)
	return w, nil
}

func (w *Watcher) loop(validate func(*Config) error, onChange func(Config)) {
	defer w.wg.Done()
	var pending <-chan time.Time
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err == nil && validate != nil {
				err = validate(&cfg)
			}
			if err != nil {
				w.log.Warnf("config: reload failed: %v", err)
				continue
			}
			w.log.Infof("config: reloaded %s", w.path)
			onChange(cfg)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warnf("config: watcher error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}
