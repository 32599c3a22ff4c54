// Package upload feeds MP3 files dropped into a folder to the DJ upload
// pipeline.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eschnou/sunorooms/logger"
	"github.com/eschnou/sunorooms/model"
)

const (
	defaultSettle   = 300 * time.Millisecond
	checkInterval   = 50 * time.Millisecond
	taskQueueLength = 64
)

// Handler uploads one file.
type Handler func(ctx context.Context, path string) error

// Options configures a Watcher.
type Options struct {
	Dir string
	// Settle is how long a file must stay unchanged before it is handed on.
	Settle time.Duration
	// Existing also handles .mp3 files already in Dir at start.
	Existing bool
}

// Watcher watches one directory for new .mp3 files.
type Watcher struct {
	dir      string
	settle   time.Duration
	existing bool
	handle   Handler

	processed sync.Map
}

// NewWatcher returns a watcher calling handle for every settled .mp3 file.
func NewWatcher(opts Options, handle Handler) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("watch dir is required")
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch dir %s is not a directory", opts.Dir)
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	return &Watcher{dir: opts.Dir, settle: opts.Settle, existing: opts.Existing, handle: handle}, nil
}

// Run watches until ctx is done. Files are handled one at a time, in the
// order they settle.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	tasks := make(chan string, taskQueueLength)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.worker(ctx, tasks)
	}()

	pending := make(map[string]time.Time)
	if w.existing {
		w.scanExisting(pending)
	}

	logger.Info("Watching for tracks", logger.String("dir", w.dir), logger.Duration("settle", w.settle))
	w.watch(ctx, fw, pending, tasks)

	close(tasks)
	wg.Wait()
	return nil
}

func (w *Watcher) watch(ctx context.Context, fw *fsnotify.Watcher, pending map[string]time.Time, tasks chan<- string) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && isMP3(event.Name) {
				pending[event.Name] = time.Now()
			}

		case <-ticker.C:
			now := time.Now()
			for path, lastEvent := range pending {
				if now.Sub(lastEvent) < w.settle {
					continue
				}
				if !isFileComplete(path) {
					continue
				}
				if _, loaded := w.processed.LoadOrStore(path, true); loaded {
					delete(pending, path)
					continue
				}

				select {
				case tasks <- path:
					delete(pending, path)
				default:
					// queue full, retry on the next tick
					w.processed.Delete(path)
				}
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.Warn("File watcher error", logger.ErrorField(err))
		}
	}
}

func (w *Watcher) worker(ctx context.Context, tasks <-chan string) {
	for path := range tasks {
		if ctx.Err() != nil {
			continue
		}
		if err := w.handle(ctx, path); err != nil {
			logger.Warn("Watched file upload failed",
				logger.String("file", filepath.Base(path)),
				logger.ErrorField(err))
			continue
		}
		logger.Info("Watched file uploaded", logger.String("file", filepath.Base(path)))
	}
}

func (w *Watcher) scanExisting(pending map[string]time.Time) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Warn("Cannot list watch dir", logger.String("dir", w.dir), logger.ErrorField(err))
		return
	}
	past := time.Now().Add(-w.settle)
	for _, e := range entries {
		if e.Type().IsRegular() && isMP3(e.Name()) {
			pending[filepath.Join(w.dir, e.Name())] = past
		}
	}
}

func isMP3(name string) bool {
	return strings.EqualFold(filepath.Ext(name), model.AudioExtension)
}

// isFileComplete reports whether the file is non-empty and no longer growing.
func isFileComplete(path string) bool {
	info1, err := os.Stat(path)
	if err != nil || info1.Size() == 0 {
		return false
	}

	time.Sleep(30 * time.Millisecond)

	info2, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info1.Size() == info2.Size()
}
