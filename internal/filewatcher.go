package internal

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher calls a callback when a single file is created, written, renamed over or removed.
// Events are debounced so a burst of writes results in one callback.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	filename string
	callback func()
	debounce time.Duration
	closeC   chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

// NewFileWatcher creates a new file watcher for the given path and callback function.
func NewFileWatcher(path string, callback func()) *FileWatcher {
	return &FileWatcher{
		dir:      filepath.Dir(path),
		filename: filepath.Base(path),
		callback: callback,
		debounce: 100 * time.Millisecond,
	}
}

// Start begins watching. The parent directory is watched rather than the file itself so atomic
// replace-by-rename is observed.
func (fw *FileWatcher) Start() error {
	if !fw.started.CompareAndSwap(false, true) {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fw.started.Store(false)
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := watcher.Add(fw.dir); err != nil {
		watcher.Close()
		fw.started.Store(false)
		return fmt.Errorf("failed to add watcher: %w", err)
	}
	fw.watcher = watcher
	fw.closeC = make(chan struct{})
	fw.done = make(chan struct{})
	slog.Debug("Started file watcher", "dir", fw.dir, "file", fw.filename)
	go fw.watchLoop()
	return nil
}

// Close stops the watcher and waits for the watch loop to exit.
func (fw *FileWatcher) Close() error {
	if !fw.started.CompareAndSwap(true, false) {
		return nil
	}
	close(fw.closeC)
	err := fw.watcher.Close()
	<-fw.done
	return err
}

func (fw *FileWatcher) watchLoop() {
	defer close(fw.done)
	var (
		timer       *time.Timer
		timerAccess sync.Mutex
	)
	defer func() {
		timerAccess.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerAccess.Unlock()
	}()
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fw.filename {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			slog.Log(context.Background(), LevelTrace, "File modified", "file", event.Name, "op", event.Op.String())

			// files can be written in chunks; fire once no event has been seen for fw.debounce.
			timerAccess.Lock()
			if timer == nil {
				timer = time.AfterFunc(fw.debounce, func() {
					timerAccess.Lock()
					timer = nil
					timerAccess.Unlock()
					if fw.started.Load() {
						fw.callback()
					}
				})
			} else {
				timer.Reset(fw.debounce)
			}
			timerAccess.Unlock()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Error watching file", "file", fw.filename, "error", err)
		case <-fw.closeC:
			return
		}
	}
}
