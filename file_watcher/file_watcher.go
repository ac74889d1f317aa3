// Package file_watcher reports which files below a root directory changed.
//
// A FileWatcher picks the most capable backend for the host when it is created
// and falls back to polling when no native one is usable. Every backend reports
// through the same detection pass, so callbacks see identical, root relative
// batches whichever backend is running.
package file_watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/subfusc/vakt/config"
	"github.com/subfusc/vakt/file_watcher/common"
	"github.com/subfusc/vakt/file_watcher/scanner"
)

// Backend is implemented by every way of noticing changes. Watch blocks and
// drives the common.Sink the backend was created with until ctx is done or
// Stop is called. Stop must be idempotent.
type Backend interface {
	Name() string
	Watch(ctx context.Context, root string) error
	Stop() error
}

type State int

const (
	Idle State = iota
	Watching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	default:
		return "unknown"
	}
}

var ErrAlreadyWatching = errors.New("File watcher is already watching")

type FileWatcher struct {
	root    string
	scanner *scanner.Scanner
	backend Backend
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	// deliverMu is held for a whole detection pass including the callback.
	deliverMu  sync.Mutex
	delivering bool

	cbMu     sync.Mutex
	callback func(files []string)
}

// NewFileWatcher resolves the watched root once, the working directory unless
// the config names one, and selects a backend for the running platform.
func NewFileWatcher(c *config.Config, logger *slog.Logger) (*FileWatcher, error) {
	return newFileWatcher(c, logger, runtime.GOOS, DefaultCandidates(), nil)
}

func newFileWatcher(c *config.Config, logger *slog.Logger, goos string, candidates []Candidate, now func() time.Time) (*FileWatcher, error) {
	root := c.Filewatcher.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("Unable to find Working Directory: [%w]", err)
		}
		root = wd
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("Unable to resolve root %s: [%w]", root, err)
	}

	ignores, err := common.CompileIgnores(c.Filewatcher.Ignore)
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		root: root,
		scanner: scanner.New(root, scanner.Options{
			RelativatePaths: c.Filewatcher.RelativatePaths,
			Ignore:          ignores,
			Now:             now,
		}),
		logger: logger,
	}
	fw.backend = selectBackend(c, fw, logger, goos, candidates)

	if c.Filewatcher.Seed {
		n := fw.scanner.Seed()
		logger.Debug("Seeded checksums", "root", root, "files", n)
	}

	return fw, nil
}

func (fw *FileWatcher) Root() string {
	return fw.root
}

// Backend names the selected backend.
func (fw *FileWatcher) Backend() string {
	return fw.backend.Name()
}

func (fw *FileWatcher) State() State {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.state
}

// OnChange registers the function receiving change batches, replacing the
// previous one. Batches are delivered one at a time.
func (fw *FileWatcher) OnChange(callback func(files []string)) {
	fw.cbMu.Lock()
	fw.callback = callback
	fw.cbMu.Unlock()
}

// Start watches the root with the selected backend and blocks until ctx is done,
// Stop is called or the backend fails. Calling Start while watching returns
// ErrAlreadyWatching.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mu.Lock()
	if fw.state == Watching {
		fw.mu.Unlock()
		return ErrAlreadyWatching
	}
	ctx, cancel := context.WithCancel(ctx)
	fw.state = Watching
	fw.cancel = cancel
	fw.deliverMu.Lock()
	fw.delivering = true
	fw.deliverMu.Unlock()
	fw.mu.Unlock()

	fw.logger.Info("Watching", "root", fw.root, "backend", fw.backend.Name())
	err := fw.backend.Watch(ctx, fw.root)
	cancel()

	fw.deliverMu.Lock()
	fw.delivering = false
	fw.deliverMu.Unlock()

	fw.mu.Lock()
	fw.state = Idle
	fw.cancel = nil
	fw.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%s backend stopped: [%w]", fw.backend.Name(), err)
	}
	return nil
}

// Stop ends the current Start. No callback runs once Stop has returned; a pass
// in progress, which may be hashing a large file, is waited for. Stop must not
// be called from the change callback.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	cancel := fw.cancel
	fw.cancel = nil
	fw.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	err := fw.backend.Stop()

	fw.deliverMu.Lock()
	fw.delivering = false
	fw.deliverMu.Unlock()

	return err
}

// Changed runs a detection pass over the directories a native backend saw
// events in and hands a non empty batch to the callback. The observation clock
// is not moved, so a later pass still sees writes in directories whose events
// are yet to come. Outside of Start it does nothing.
func (fw *FileWatcher) Changed(dirs []string, recursive bool) {
	fw.deliver(func() []string {
		return fw.scanner.ModifiedFiles(dirs, recursive)
	})
}

// Poll runs a detection pass over the whole root, marks the tree as observed
// from the moment the pass started and hands a non empty batch to the callback.
// Outside of Start it does nothing.
func (fw *FileWatcher) Poll(recursive bool) {
	fw.deliver(func() []string {
		return fw.scanner.Observe([]string{fw.root}, recursive)
	})
}

func (fw *FileWatcher) deliver(pass func() []string) {
	fw.deliverMu.Lock()
	defer fw.deliverMu.Unlock()

	if !fw.delivering {
		return
	}

	files := pass()
	if len(files) == 0 {
		return
	}

	fw.cbMu.Lock()
	callback := fw.callback
	fw.cbMu.Unlock()

	fw.logger.Debug("Files changed", "files", files)
	if callback != nil {
		callback(files)
	}
}

// ModifiedFiles runs a detection pass without delivering the result.
func (fw *FileWatcher) ModifiedFiles(dirs []string, recursive bool) []string {
	return fw.scanner.ModifiedFiles(dirs, recursive)
}

// AllFiles lists every file below the root.
func (fw *FileWatcher) AllFiles() []string {
	return fw.scanner.AllFiles()
}

// Seed records checksums for the whole tree, see scanner.Scanner.Seed.
func (fw *FileWatcher) Seed() int {
	return fw.scanner.Seed()
}

func (fw *FileWatcher) LastObservedAt() time.Time {
	return fw.scanner.LastObservedAt()
}

func (fw *FileWatcher) UpdateLastObservedAt() {
	fw.scanner.UpdateLastObservedAt()
}

func (fw *FileWatcher) RelativatePaths() bool {
	return fw.scanner.RelativatePaths()
}

func (fw *FileWatcher) SetRelativatePaths(enabled bool) {
	fw.scanner.SetRelativatePaths(enabled)
}
