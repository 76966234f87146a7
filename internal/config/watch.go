package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the bursts of write events editors produce when
// saving a file.
const debounceDelay = 200 * time.Millisecond

// Watcher hot-reloads the config file and hands each valid new revision
// to the callback. Invalid revisions are logged and skipped, so a typo
// while editing never takes the running settings down.
type Watcher struct {
	w      *fsnotify.Watcher
	closed chan struct{}
}

// Watch starts watching path. onChange runs on the watcher goroutine.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors replace the file on save, which would
	// drop a watch on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{w: fw, closed: make(chan struct{})}
	go w.loop(path, onChange)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.w.Close()
}

func (w *Watcher) loop(path string, onChange func(Config)) {
	base := filepath.Base(path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.closed:
			return

		case event, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				fire = timer.C
			} else {
				timer.Reset(debounceDelay)
			}

		case <-fire:
			timer = nil
			fire = nil
			cfg, err := Load(path)
			if err != nil {
				log.Printf("CONFIG: reload of %s skipped: %v", base, err)
				continue
			}
			log.Printf("CONFIG: %s reloaded", base)
			onChange(cfg)

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher: %v", err)
		}
	}
}
