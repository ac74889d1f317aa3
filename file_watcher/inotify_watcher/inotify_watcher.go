//go:build linux

package inotify_watcher

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unsafe"

	"github.com/subfusc/vakt/config"
	"github.com/subfusc/vakt/file_watcher/common"
	"golang.org/x/sys/unix"
)

const watchMask = unix.IN_MOVE | unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF

const (
	nameMax = 255
	// Room for a batch of events with maximum length names.
	readBufferSize = 64 * (unix.SizeofInotifyEvent + nameMax + 1)
)

type InotifyEvent unix.InotifyEvent

func (ie *InotifyEvent) MaskToString() []string {
	rval := make([]string, 0)
	masks := map[uint32]string{
		unix.IN_CLOSE_WRITE: "CLOSE_WRITE",
		unix.IN_CREATE:      "CREATE",
		unix.IN_DELETE:      "DELETE",
		unix.IN_DELETE_SELF: "DELETE_SELF",
		unix.IN_MOVE_SELF:   "MOVE_SELF",
		unix.IN_MOVED_FROM:  "MOVED_FROM",
		unix.IN_MOVED_TO:    "MOVED_TO",
		unix.IN_IGNORED:     "IGNORED",
		unix.IN_ISDIR:       "ISDIR",
		unix.IN_Q_OVERFLOW:  "Q_OVERFLOW",
	}

	for m, s := range masks {
		if (m & ie.Mask) != 0 {
			rval = append(rval, s)
		}
	}

	return rval
}

// IsSupported checks that the kernel hands out inotify descriptors to this process.
func IsSupported() bool {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// InotifyWatcher watches every non hidden directory below the root and, after
// each read from the inotify descriptor, asks its sink for a shallow pass over
// the directories that saw writes, creations or moves.
type InotifyWatcher struct {
	common.Stopper

	sink        common.Sink
	logger      *slog.Logger
	ignoreFiles []*regexp.Regexp
}

// watchSet is the per Watch call inotify state.
type watchSet struct {
	fd       int
	root     string
	pathToWD map[string]int
	wdToPath map[int]string
}

func NewInotifyWatcher(c *config.Config, sink common.Sink, logger *slog.Logger) (*InotifyWatcher, error) {
	ignores, err := common.CompileIgnores(c.Filewatcher.Ignore)
	if err != nil {
		return nil, err
	}

	return &InotifyWatcher{
		sink:        sink,
		logger:      logger,
		ignoreFiles: ignores,
	}, nil
}

func (iw *InotifyWatcher) Name() string {
	return "linux"
}

// Watch blocks until ctx is done, Stop is called or reading the descriptor fails.
// The descriptor only lives for the duration of the call.
func (iw *InotifyWatcher) Watch(ctx context.Context, root string) error {
	ctx, done := iw.Begin(ctx)
	defer done()

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return fmt.Errorf("Unable to open an Inotify descriptor: [%w]", err)
	}

	// Non blocking, so reads go through the runtime poller and Close unblocks them.
	eventStream := os.NewFile(uintptr(fd), "inotify")
	closed := make(chan struct{})
	go func() {
		<-ctx.Done()
		eventStream.Close()
		close(closed)
	}()
	defer func() {
		done()
		<-closed
	}()

	ws := &watchSet{
		fd:       fd,
		root:     root,
		pathToWD: make(map[string]int),
		wdToPath: make(map[int]string),
	}
	if _, err := iw.watchTraverse(ws, root); err != nil {
		return err
	}

	iw.logger.Info("Starting Inotify Watcher", "root", root, "watches", len(ws.pathToWD))

	buf := make([]byte, readBufferSize)
	dirty := common.DirSet{}
	for {
		n, err := eventStream.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("Failed to read inotify events: [%w]", err)
		}

		if overflow := iw.parseEvents(ws, buf[:n], dirty); overflow {
			iw.logger.Warn("Inotify queue overflowed, scanning the whole tree")
			dirty.Drain()
			iw.sink.Poll(true)
			continue
		}

		if !dirty.Empty() {
			iw.sink.Changed(dirty.Drain(), false)
		}
	}
}

// parseEvents records the directories touched by the events in buf. It reports
// whether the kernel dropped events.
func (iw *InotifyWatcher) parseEvents(ws *watchSet, buf []byte, dirty common.DirSet) bool {
	overflow := false
	un := uint32(0)
	ui := uint32(len(buf))
	for un+unix.SizeofInotifyEvent <= ui {
		event := (*InotifyEvent)(unsafe.Pointer(&buf[un]))
		nameStart := un + unix.SizeofInotifyEvent
		nameEnd := min(nameStart+event.Len, ui)
		name := buf[nameStart:nameEnd]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}

		iw.logger.Debug("Inbound Inotify event", "wd", event.Wd, "mask", event.MaskToString(), "name", string(name))
		if (event.Mask & unix.IN_Q_OVERFLOW) != 0 {
			overflow = true
		} else {
			iw.handleEvent(ws, event, string(name), dirty)
		}

		un = nameEnd
	}

	return overflow
}

func (iw *InotifyWatcher) handleEvent(ws *watchSet, event *InotifyEvent, name string, dirty common.DirSet) {
	dir, ok := ws.wdToPath[int(event.Wd)]
	if !ok {
		return
	}

	if (event.Mask & unix.IN_IGNORED) != 0 {
		// The kernel dropped the watch, the directory was deleted or unmounted.
		delete(ws.wdToPath, int(event.Wd))
		delete(ws.pathToWD, dir)
		return
	}

	if name == "" || common.Hidden(name) {
		return
	}

	fullPath := filepath.Join(dir, name)
	if (event.Mask & unix.IN_ISDIR) != 0 {
		if (event.Mask & unix.IN_MOVED_FROM) != 0 {
			// The watches follow the inode, their paths are stale now.
			iw.forgetTree(ws, fullPath)
			return
		}

		if (event.Mask & (unix.IN_CREATE | unix.IN_MOVED_TO)) == 0 {
			return
		}

		// Files can land in a new directory before its watch exists, scan them too.
		added, err := iw.watchTraverse(ws, fullPath)
		if err != nil {
			iw.logger.Warn("Failed to watch new directory", "path", fullPath, "err", err)
		}
		for _, d := range added {
			dirty.Add(d)
		}
		return
	}

	if common.RegexpAny(iw.ignoreFiles, name) {
		return
	}

	if (event.Mask & (unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_MOVED_TO)) != 0 {
		dirty.Add(dir)
	}
}

// forgetTree removes the watches on dirPath and every directory below it. A
// directory moved back into the tree gets fresh watches from its IN_MOVED_TO.
func (iw *InotifyWatcher) forgetTree(ws *watchSet, dirPath string) {
	prefix := dirPath + string(filepath.Separator)
	for p, wd := range ws.pathToWD {
		if p != dirPath && !strings.HasPrefix(p, prefix) {
			continue
		}

		if _, err := unix.InotifyRmWatch(ws.fd, uint32(wd)); err != nil {
			iw.logger.Debug("Failed to remove Watch", "path", p, "err", err)
		}
		delete(ws.pathToWD, p)
		delete(ws.wdToPath, wd)
	}
}

func (iw *InotifyWatcher) addWatch(ws *watchSet, dirPath string) (bool, error) {
	if _, ok := ws.pathToWD[dirPath]; ok {
		return false, nil
	}

	wd, err := unix.InotifyAddWatch(ws.fd, dirPath, watchMask)
	if err != nil {
		return false, fmt.Errorf("Unable to add Watch on %s: [%w]", dirPath, err)
	}
	ws.pathToWD[dirPath] = wd
	ws.wdToPath[wd] = dirPath
	return true, nil
}

// watchTraverse adds a watch for dirPath and every non hidden directory below
// it, returning the directories that were not watched before.
func (iw *InotifyWatcher) watchTraverse(ws *watchSet, dirPath string) ([]string, error) {
	added := make([]string, 0)
	err := filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dirPath {
				return err
			}
			// Removed while walking.
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if p != dirPath && common.Hidden(d.Name()) {
			return fs.SkipDir
		}

		isNew, err := iw.addWatch(ws, p)
		if err != nil {
			return err
		}
		if isNew {
			added = append(added, p)
		}
		return nil
	})

	if err != nil {
		return added, fmt.Errorf("Failed to traverse dirPath \"%s\": [%w]", dirPath, err)
	}
	return added, nil
}
