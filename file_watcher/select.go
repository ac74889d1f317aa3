package file_watcher

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/subfusc/vakt/config"
	"github.com/subfusc/vakt/file_watcher/common"
	"github.com/subfusc/vakt/file_watcher/fsnotify_watcher"
	"github.com/subfusc/vakt/file_watcher/inotify_watcher"
	"github.com/subfusc/vakt/file_watcher/polling_watcher"
)

// Candidate describes a backend: the platform it is for (any when GOOS is
// empty), a cheap check that it works on this host, and how to build it.
type Candidate struct {
	Name   string
	GOOS   string
	Usable func() bool
	New    func(c *config.Config, sink common.Sink, logger *slog.Logger) (Backend, error)
}

// DefaultCandidates lists the native backends in priority order.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Name: "darwin", GOOS: "darwin", Usable: fsnotify_watcher.IsSupported, New: newFsnotifyBackend("darwin")},
		{Name: "linux", GOOS: "linux", Usable: inotify_watcher.IsSupported, New: newInotifyBackend},
		{Name: "windows", GOOS: "windows", Usable: fsnotify_watcher.IsSupported, New: newFsnotifyBackend("windows")},
	}
}

// pollingCandidate ends every candidate list.
var pollingCandidate = Candidate{
	Name:   "polling",
	Usable: polling_watcher.IsSupported,
	New:    newPollingBackend,
}

func newPollingBackend(c *config.Config, sink common.Sink, logger *slog.Logger) (Backend, error) {
	return polling_watcher.NewPollingWatcher(c, sink, logger), nil
}

func newInotifyBackend(c *config.Config, sink common.Sink, logger *slog.Logger) (Backend, error) {
	iw, err := inotify_watcher.NewInotifyWatcher(c, sink, logger)
	if err != nil {
		return nil, err
	}
	return iw, nil
}

func newFsnotifyBackend(name string) func(*config.Config, common.Sink, *slog.Logger) (Backend, error) {
	return func(c *config.Config, sink common.Sink, logger *slog.Logger) (Backend, error) {
		fw, err := fsnotify_watcher.NewFsnotifyWatcher(name, c, sink, logger)
		if err != nil {
			return nil, err
		}
		return fw, nil
	}
}

// selectBackend returns the first candidate for goos that is usable and builds,
// and polling when there is none. The config may force polling or restrict the
// choice to one named candidate.
func selectBackend(c *config.Config, sink common.Sink, logger *slog.Logger, goos string, candidates []Candidate) Backend {
	switch want := strings.ToLower(c.Filewatcher.Backend); want {
	case "", "auto":
	case "polling":
		logger.Info("Using polling, as configured")
		return polling_watcher.NewPollingWatcher(c, sink, logger)
	default:
		named := make([]Candidate, 0, 1)
		for _, cand := range candidates {
			if cand.Name == want {
				named = append(named, cand)
			}
		}

		if len(named) == 0 {
			logger.Warn("FileWatch backend unknown, selecting automatically", "backend", want)
		} else {
			candidates = named
		}
	}

	for _, cand := range slices.Concat(candidates, []Candidate{pollingCandidate}) {
		if (cand.GOOS != "" && cand.GOOS != goos) || !cand.Usable() {
			continue
		}

		backend, err := cand.New(c, sink, logger)
		if err != nil {
			logger.Warn("Failed to create FileWatch backend", "backend", cand.Name, "err", err)
			continue
		}

		if cand.Name == pollingCandidate.Name {
			logger.Info("Using polling, native file change notification is not available", "GOOS", goos)
		}
		return backend
	}

	// Unreachable while polling reports itself usable.
	return polling_watcher.NewPollingWatcher(c, sink, logger)
}
