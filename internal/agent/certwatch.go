package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/autopeer-io/linkup/pkg/dispatch"
	"github.com/autopeer-io/linkup/pkg/log"
)

const certEvents = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// certWatcher reports changes to the TLS material through the dispatch queue
// so the poll loop can start a fresh bring-up with the new files.
type certWatcher struct {
	queue    dispatch.Poster
	onChange func()

	// files holds cleaned paths; dirs are watched instead of the files so
	// replace-by-rename updates are seen.
	files map[string]struct{}
	dirs  []string

	// pending is set while a change notification sits in the queue.
	pending atomic.Bool
}

func newCertWatcher(queue dispatch.Poster, onChange func(), paths ...string) *certWatcher {
	w := &certWatcher{
		queue:    queue,
		onChange: onChange,
		files:    make(map[string]struct{}, len(paths)),
	}

	seen := make(map[string]struct{})
	for _, p := range paths {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		w.files[p] = struct{}{}

		dir := filepath.Dir(p)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

// Start watches until ctx is done.
func (w *certWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create certificate watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range w.dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	log.Info("Watching device certificates", "dirs", w.dirs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "Certificate watcher error")
		}
	}
}

func (w *certWatcher) handle(ev fsnotify.Event) {
	if !w.relevant(ev) {
		return
	}
	log.Debug("Certificate file changed", "path", ev.Name, "op", ev.Op.String())
	if !w.pending.CompareAndSwap(false, true) {
		return
	}
	if err := w.queue.Post(w.notify); err != nil {
		w.pending.Store(false)
		log.Error(err, "Dropped certificate change notification", "path", ev.Name)
	}
}

func (w *certWatcher) notify() {
	w.pending.Store(false)
	w.onChange()
}

func (w *certWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&certEvents == 0 {
		return false
	}
	_, ok := w.files[filepath.Clean(ev.Name)]
	return ok
}
