//go:build !linux

package inotify_watcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/subfusc/vakt/config"
	"github.com/subfusc/vakt/file_watcher/common"
)

var ErrUnsupported = errors.New("Inotify is only available on Linux")

func IsSupported() bool {
	return false
}

// InotifyWatcher exists on other platforms so the backend list compiles everywhere.
type InotifyWatcher struct {
	common.Stopper
}

func NewInotifyWatcher(c *config.Config, sink common.Sink, logger *slog.Logger) (*InotifyWatcher, error) {
	return nil, ErrUnsupported
}

func (iw *InotifyWatcher) Name() string {
	return "linux"
}

func (iw *InotifyWatcher) Watch(ctx context.Context, root string) error {
	return ErrUnsupported
}
