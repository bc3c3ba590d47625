package local

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agkyra/archivesync/pkg/objectname"
)

const safetyScanInterval = 5 * time.Minute

// FsWatcher abstracts filesystem event monitoring, satisfied by
// *fsnotify.Watcher; mirrors the teacher's internal/sync.FsWatcher
// interface so tests can inject a fake.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// Notifier watches the local root with fsnotify and a periodic full-walk
// safety net, per spec.md §4.2.a: "best-effort enqueue of changed names; a
// forced periodic full walk guarantees eventual consistency."
type Notifier struct {
	client *Client
	logger *slog.Logger

	watcherFactory func() (FsWatcher, error)
	dropped        atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func newNotifier(c *Client, logger *slog.Logger) *Notifier {
	return &Notifier{
		client: c,
		logger: logger,
		watcherFactory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// Start begins watching. It blocks only long enough to establish the
// initial watch set; the watch loop itself runs in a goroutine.
func (n *Notifier) Start(ctx context.Context, changes chan<- string) error {
	watcher, err := n.watcherFactory()
	if err != nil {
		return fmt.Errorf("local: creating filesystem watcher: %w", err)
	}

	if err := n.addWatchesRecursive(watcher); err != nil {
		watcher.Close()
		return fmt.Errorf("local: adding initial watches: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})

	go n.loop(loopCtx, watcher, changes)

	return nil
}

// Stop cancels the watch loop and waits up to timeout for it to finish.
func (n *Notifier) Stop(timeout float64) float64 {
	start := time.Now()

	if n.cancel != nil {
		n.cancel()
	}

	if n.done != nil {
		select {
		case <-n.done:
		case <-time.After(time.Duration(timeout * float64(time.Second))):
			n.logger.Warn("local notifier: stop timed out")
		}
	}

	remaining := timeout - time.Since(start).Seconds()
	if remaining < 0 {
		remaining = 0
	}

	return remaining
}

func (n *Notifier) addWatchesRecursive(watcher FsWatcher) error {
	return filepath.WalkDir(n.client.settings.LocalRoot, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // best-effort, per spec.md §9
		}

		if !d.IsDir() {
			return nil
		}

		if n.isCachePath(fsPath) {
			return filepath.SkipDir
		}

		if err := watcher.Add(fsPath); err != nil {
			n.logger.Warn("local notifier: failed to watch directory",
				slog.String("path", fsPath), slog.String("error", err.Error()))
		}

		return nil
	})
}

func (n *Notifier) isCachePath(fsPath string) bool {
	cacheDir := n.client.settings.CacheDir()
	return fsPath == cacheDir || strings.HasPrefix(fsPath, cacheDir+string(filepath.Separator))
}

func (n *Notifier) loop(ctx context.Context, watcher FsWatcher, changes chan<- string) {
	defer close(n.done)
	defer watcher.Close()

	ticker := time.NewTicker(safetyScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}

			n.handleEvent(watcher, ev, changes)

		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}

			n.logger.Warn("local notifier: watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			n.fullWalk(changes)
		}
	}
}

func (n *Notifier) handleEvent(watcher FsWatcher, ev fsnotify.Event, changes chan<- string) {
	if n.isCachePath(ev.Name) {
		return
	}

	if ev.Name == n.client.settings.LocalRoot {
		n.logger.Error("local notifier: root directory removed, disabling local sync")
		n.client.disable()

		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = watcher.Add(ev.Name)
		}
	}

	rel, err := filepath.Rel(n.client.settings.LocalRoot, ev.Name)
	if err != nil {
		return
	}

	n.trySend(changes, objectname.Normalize(objectname.FromLocalPath(rel)))
}

func (n *Notifier) fullWalk(changes chan<- string) {
	names, err := n.client.walkNames()
	if err != nil {
		n.logger.Warn("local notifier: safety scan failed", slog.String("error", err.Error()))
		return
	}

	for _, name := range names {
		n.trySend(changes, name)
	}
}

func (n *Notifier) trySend(changes chan<- string, name string) {
	n.client.addCandidate(name)

	select {
	case changes <- name:
	default:
		n.dropped.Add(1)
		n.logger.Warn("local notifier: candidate channel full, dropping (safety scan will catch up)",
			slog.String("name", name))
	}
}
