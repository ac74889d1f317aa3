package common

import "sort"

// Sink is what a backend drives when it has seen activity below the watched root.
// Implementations serialize calls, backends may call it from any goroutine.
type Sink interface {
	// Changed runs a detection pass over dirs, the directories native events
	// named. It leaves the observation clock alone: other directories may hold
	// writes whose events have not been read yet.
	Changed(dirs []string, recursive bool)
	// Poll runs a detection pass over the whole root and records the moment the
	// pass started as the last observation.
	Poll(recursive bool)
}

// SinkFunc adapts a plain function to a Sink. Poll calls it with nil dirs.
type SinkFunc func(dirs []string, recursive bool)

func (f SinkFunc) Changed(dirs []string, recursive bool) {
	f(dirs, recursive)
}

func (f SinkFunc) Poll(recursive bool) {
	f(nil, recursive)
}

// DirSet collects the directories touched by a burst of native events.
type DirSet map[string]struct{}

func (ds DirSet) Add(dir string) {
	ds[dir] = struct{}{}
}

func (ds DirSet) Empty() bool {
	return len(ds) == 0
}

// Drain returns the collected directories in sorted order and empties the set.
func (ds DirSet) Drain() []string {
	dirs := make([]string, 0, len(ds))
	for dir := range ds {
		dirs = append(dirs, dir)
		delete(ds, dir)
	}
	sort.Strings(dirs)
	return dirs
}
