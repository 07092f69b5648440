package gaps

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher serves a Classifier built from a phrase file and rebuilds it
// whenever the file changes. A file that fails to parse keeps the previous
// classifier in place.
type Watcher struct {
	path    string
	log     *slog.Logger
	fsw     *fsnotify.Watcher
	current atomic.Pointer[Classifier]

	// OnReload, if set, runs after every successful reload.
	OnReload func(*Classifier)
}

// NewWatcher loads path and starts watching its directory, so editors that
// replace the file by rename are still picked up.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := LoadPhrases(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path: filepath.Clean(path),
		log:  logger.With("component", "gaps"),
		fsw:  fsw,
	}
	w.current.Store(NewClassifier(p))
	return w, nil
}

// Classifier returns the most recently loaded classifier.
func (w *Watcher) Classifier() *Classifier {
	return w.current.Load()
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("phrase watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	p, err := LoadPhrases(w.path)
	if err != nil {
		w.log.Warn("phrase file reload failed, keeping previous phrases", "path", w.path, "err", err)
		return
	}
	c := NewClassifier(p)
	w.current.Store(c)
	w.log.Info("phrase file reloaded", "path", w.path, "dontKnow", len(p.DontKnow), "escalation", len(p.HumanEscalation))
	if w.OnReload != nil {
		w.OnReload(c)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
