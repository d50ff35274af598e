package codeindex

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/locallama/router/internal/logging"
	"github.com/locallama/router/internal/routererrors"
)

// Watcher reacts to filesystem changes under a root by re-indexing the
// changed file with force=true, so index_directory(root, force=false)
// calls in between stay current without a full re-walk. It debounces
// bursts of fsnotify events into a single re-index per settled file.
type Watcher struct {
	idx        *Index
	root       string
	fsWatcher  *fsnotify.Watcher
	debounce   time.Duration
	pending    map[string]time.Time
	mu         sync.Mutex
	done       chan struct{}
	stopOnce   sync.Once
}

// NewWatcher attaches a Watcher to idx for root. Returns
// routererrors.DependencyUnavailable if the OS-level fsnotify backend
// can't be initialized; callers should treat watching as best-effort and
// continue operating on explicit index_directory calls alone.
func NewWatcher(idx *Index, root string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, routererrors.DependencyUnavailable("filesystem watch backend unavailable: " + err.Error())
	}

	w := &Watcher{
		idx:       idx,
		root:      root,
		fsWatcher: fw,
		debounce:  500 * time.Millisecond,
		pending:   make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	return w, nil
}

// Start begins watching root and its subdirectories.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(); err != nil {
		return err
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) addTree() error {
	return filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if excluded(relTo(w.root, path), DefaultWalkOptions().ExcludePatterns) {
			return filepath.SkipDir
		}
		_ = w.fsWatcher.Add(path)
		return nil
	})
}

func relTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !isIndexableFile(ev.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[ev.Name] = time.Now()
			w.mu.Unlock()
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	due := make([]string, 0, len(w.pending))
	now := time.Now()
	for path, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range due {
		rel := relTo(w.root, path)
		content, err := os.ReadFile(path)
		if err != nil {
			logging.Warn("watcher re-index failed", "path", rel, "error", err)
			continue
		}
		if err := w.idx.Index(chunkFile(rel, string(content), DefaultWalkOptions().ChunkLines)); err != nil {
			logging.Warn("watcher re-index failed", "path", rel, "error", err)
		}
	}
}

// Stop stops the watcher and releases its OS resources.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	_ = w.fsWatcher.Close()
}
