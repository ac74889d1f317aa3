// Package fsnotify_watcher is the native backend for macOS (kqueue) and Windows
// (ReadDirectoryChangesW), both reached through fsnotify.
package fsnotify_watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fsnotify/fsnotify"
	"github.com/subfusc/vakt/config"
	"github.com/subfusc/vakt/file_watcher/common"
)

// IsSupported checks that fsnotify can create a watcher on this host.
func IsSupported() bool {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false
	}
	w.Close()
	return true
}

type FsnotifyWatcher struct {
	common.Stopper

	name        string
	sink        common.Sink
	logger      *slog.Logger
	ignoreFiles []*regexp.Regexp
}

// NewFsnotifyWatcher creates a backend reported under name, which is the
// platform it was selected for.
func NewFsnotifyWatcher(name string, c *config.Config, sink common.Sink, logger *slog.Logger) (*FsnotifyWatcher, error) {
	ignores, err := common.CompileIgnores(c.Filewatcher.Ignore)
	if err != nil {
		return nil, err
	}

	return &FsnotifyWatcher{
		name:        name,
		sink:        sink,
		logger:      logger,
		ignoreFiles: ignores,
	}, nil
}

func (fw *FsnotifyWatcher) Name() string {
	return fw.name
}

// Watch blocks until ctx is done or Stop is called. Events that are already
// queued when one arrives are folded into the same pass.
func (fw *FsnotifyWatcher) Watch(ctx context.Context, root string) error {
	ctx, done := fw.Begin(ctx)
	defer done()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("Unable to create fsnotify watcher: [%w]", err)
	}
	defer w.Close()

	if _, err := fw.watchTraverse(w, root); err != nil {
		return err
	}

	fw.logger.Info("Starting Fsnotify Watcher", "backend", fw.name, "root", root, "watches", len(w.WatchList()))

	dirty := common.DirSet{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			fw.handleEvent(w, event, dirty)

		Pending:
			for {
				select {
				case event, ok := <-w.Events:
					if !ok {
						break Pending
					}
					fw.handleEvent(w, event, dirty)
				default:
					break Pending
				}
			}

			if !dirty.Empty() {
				fw.sink.Changed(dirty.Drain(), false)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				fw.logger.Warn("Fsnotify queue overflowed, scanning the whole tree")
				fw.sink.Poll(true)
				continue
			}
			fw.logger.Warn("Fsnotify error", "err", err)
		}
	}
}

func (fw *FsnotifyWatcher) handleEvent(w *fsnotify.Watcher, event fsnotify.Event, dirty common.DirSet) {
	fw.logger.Debug("Inbound Fsnotify event", "event", event)

	name := filepath.Base(event.Name)
	if common.Hidden(name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			added, err := fw.watchTraverse(w, event.Name)
			if err != nil {
				fw.logger.Warn("Failed to watch new directory", "path", event.Name, "err", err)
			}
			for _, d := range added {
				dirty.Add(d)
			}
			return
		}
	}

	if common.RegexpAny(fw.ignoreFiles, name) {
		return
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		dirty.Add(filepath.Dir(event.Name))
	}
}

// watchTraverse adds dirPath and every non hidden directory below it, fsnotify
// does not watch recursively by itself.
func (fw *FsnotifyWatcher) watchTraverse(w *fsnotify.Watcher, dirPath string) ([]string, error) {
	watched := make(map[string]struct{})
	for _, p := range w.WatchList() {
		watched[p] = struct{}{}
	}

	added := make([]string, 0)
	err := filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dirPath {
				return err
			}
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if p != dirPath && common.Hidden(d.Name()) {
			return fs.SkipDir
		}

		if _, ok := watched[p]; ok {
			return nil
		}

		if err := w.Add(p); err != nil {
			return fmt.Errorf("Unable to add Watch on %s: [%w]", p, err)
		}
		added = append(added, p)
		return nil
	})

	if err != nil {
		return added, fmt.Errorf("Failed to traverse dirPath \"%s\": [%w]", dirPath, err)
	}
	return added, nil
}
