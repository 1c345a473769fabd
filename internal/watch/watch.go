// Package watch uploads files that appear or change under a local directory.
// Filesystem events are collected per path and a file is uploaded once it has
// been quiet for the debounce window, so a file still being written is not
// uploaded half-done.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/b2-go/internal/b2ops"
)

// Watcher error backoff bounds.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

const (
	defaultDebounce = 2 * time.Second
	defaultParallel = 2
)

// Uploader uploads one local file. *b2ops.TransferManager satisfies it.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string, opts b2ops.UploadOpts) (*b2ops.UploadResult, error)
}

var _ Uploader = (*b2ops.TransferManager)(nil)

// FsWatcher is the subset of *fsnotify.Watcher the loop needs, so tests can
// feed synthetic events.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher to FsWatcher.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating watcher: %w", err)
	}

	return fsnotifyWatcher{w: w}, nil
}

// Options configures a Watcher.
type Options struct {
	Root         string        // local directory to watch
	BucketID     string        // empty selects the key's bucket
	Prefix       string        // remote name prefix, joined with "/"
	Debounce     time.Duration // quiet period before a changed file is uploaded
	Parallel     int           // concurrent uploads per batch
	InitialScan  bool          // upload every existing file on start
	SkipDotfiles bool
}

// Stats counts outcomes since the Watcher started.
type Stats struct {
	Uploaded int64
	Failed   int64
}

// Watcher uploads changed files under Options.Root.
type Watcher struct {
	opts   Options
	up     Uploader
	logger *slog.Logger

	newWatcher func() (FsWatcher, error)
	nowFunc    func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time // absolute path -> last event time

	uploaded atomic.Int64
	failed   atomic.Int64
}

// New creates a Watcher. Call Run to start it.
func New(up Uploader, opts Options, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	if opts.Parallel <= 0 {
		opts.Parallel = defaultParallel
	}

	return &Watcher{
		opts:       opts,
		up:         up,
		logger:     logger,
		newWatcher: newFsnotifyWatcher,
		nowFunc:    time.Now,
		pending:    make(map[string]time.Time),
	}
}

// Stats returns upload counters.
func (w *Watcher) Stats() Stats {
	return Stats{Uploaded: w.uploaded.Load(), Failed: w.failed.Load()}
}

// Run watches until ctx is canceled. Upload failures are logged and counted;
// only setup errors are returned.
func (w *Watcher) Run(ctx context.Context) error {
	root, err := filepath.Abs(w.opts.Root)
	if err != nil {
		return fmt.Errorf("watch: resolving root: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", root)
	}

	watcher, err := w.newWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addTree(watcher, root, w.opts.InitialScan); err != nil {
		return err
	}

	w.logger.Info("watching directory",
		slog.String("root", root),
		slog.String("prefix", w.opts.Prefix),
		slog.Duration("debounce", w.opts.Debounce),
	)

	batches := make(chan []string, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)

		for batch := range batches {
			w.uploadBatch(ctx, root, batch)
		}
	}()

	w.loop(ctx, watcher, root, batches)
	close(batches)
	<-done

	w.logger.Info("watch stopped",
		slog.Int64("uploaded", w.uploaded.Load()),
		slog.Int64("failed", w.failed.Load()),
	)

	return nil
}

// loop is the main select loop. It processes fsnotify events, watcher
// errors, flush ticks, and context cancellation.
func (w *Watcher) loop(ctx context.Context, watcher FsWatcher, root string, batches chan<- []string) {
	ticker := time.NewTicker(w.opts.Debounce / 2)
	defer ticker.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}

			w.handleEvent(watcher, root, ev)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := timeSleep(ctx, errBackoff); sleepErr != nil {
				return
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-ticker.C:
			batch := w.takeQuiet()
			if len(batch) == 0 {
				continue
			}

			select {
			case batches <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleEvent records create and write events and forgets removed paths.
func (w *Watcher) handleEvent(watcher FsWatcher, root string, ev fsnotify.Event) {
	// Mode changes alone never change content.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if w.excluded(filepath.Base(ev.Name)) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			// Removed right after creation.
			return
		}

		if info.IsDir() {
			// Files created before the watch was registered are picked up by
			// the walk.
			if err := w.addTree(watcher, ev.Name, true); err != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String("path", w.rel(root, ev.Name)),
					slog.String("error", err.Error()),
				)
			}

			return
		}

		w.touch(ev.Name)

	case ev.Has(fsnotify.Write):
		w.touch(ev.Name)

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.pending, ev.Name)
		w.mu.Unlock()
	}
}

// addTree registers dir and every subdirectory with the watcher. When
// enqueue is set, regular files found on the way are marked pending.
func (w *Watcher) addTree(watcher FsWatcher, dir string, enqueue bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("watch: walking %s: %w", dir, err)
			}

			w.logger.Debug("skipping unreadable path", slog.String("path", p), slog.String("error", err.Error()))

			return nil
		}

		if p != dir && w.excluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			if err := watcher.Add(p); err != nil {
				return fmt.Errorf("watch: adding %s: %w", p, err)
			}

			return nil
		}

		if enqueue && d.Type().IsRegular() {
			w.touch(p)
		}

		return nil
	})
}

func (w *Watcher) touch(p string) {
	w.mu.Lock()
	w.pending[p] = w.nowFunc()
	w.mu.Unlock()
}

// takeQuiet removes and returns the pending paths that have seen no event
// for at least the debounce window, sorted for deterministic ordering.
func (w *Watcher) takeQuiet() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.nowFunc().Add(-w.opts.Debounce)

	var out []string

	for p, last := range w.pending {
		if !last.After(cutoff) {
			out = append(out, p)
			delete(w.pending, p)
		}
	}

	sort.Strings(out)

	return out
}

// uploadBatch uploads files concurrently. Errors are per file.
func (w *Watcher) uploadBatch(ctx context.Context, root string, batch []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Parallel)

	for _, p := range batch {
		g.Go(func() error {
			w.uploadOne(gctx, root, p)

			return nil
		})
	}

	_ = g.Wait()
}

func (w *Watcher) uploadOne(ctx context.Context, root, p string) {
	rel := w.rel(root, p)
	name := remoteName(w.opts.Prefix, rel)

	res, err := w.up.UploadFile(ctx, p, b2ops.UploadOpts{BucketID: w.opts.BucketID, Name: name})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Debug("file vanished before upload", slog.String("path", rel))

			return
		}

		w.failed.Add(1)
		w.logger.Error("upload failed",
			slog.String("path", rel),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	w.uploaded.Add(1)
	w.logger.Info("uploaded",
		slog.String("path", rel),
		slog.String("name", name),
		slog.Int64("size", res.Size),
	)
}

func (w *Watcher) rel(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}

	return filepath.ToSlash(rel)
}

// excluded reports whether a file or directory name is never uploaded:
// partial downloads, editor temporaries, and optionally dotfiles.
func (w *Watcher) excluded(name string) bool {
	if w.opts.SkipDotfiles && strings.HasPrefix(name, ".") {
		return true
	}

	lower := strings.ToLower(name)

	for _, suffix := range []string{".partial", ".tmp", ".swp", "~"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return strings.HasPrefix(name, ".~lock.")
}

// remoteName joins the prefix and a slash-separated relative path.
func remoteName(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel
	}

	return path.Join(prefix, rel)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
