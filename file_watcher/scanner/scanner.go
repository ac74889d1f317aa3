// Package scanner implements the polling side of change detection: it finds the
// files below a set of directories whose content changed since the last
// observation.
//
// A file is reported when its modification time, truncated to whole seconds, is
// not older than the last observation (also truncated) and its content hash
// differs from the one recorded the previous time it was reported. The mtime
// check is a cheap filter, the hash is the confirmation. Truncation matters:
// many filesystems only keep whole-second mtimes, so comparing sub-second values
// would miss writes made in the same second as the observation.
package scanner

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/subfusc/vakt/file_watcher/common"
)

const (
	shallowPattern   = "*"
	recursivePattern = "**/*"
)

type Options struct {
	// RelativatePaths reports paths relative to the root instead of absolute.
	RelativatePaths bool
	// Ignore is matched against the base name of every candidate.
	Ignore []*regexp.Regexp
	// Now is the clock used for the last observation, time.Now when nil.
	Now func() time.Time
}

// Scanner is safe for concurrent use; detection passes run one at a time.
type Scanner struct {
	mu              sync.Mutex
	root            string
	relativatePaths bool
	ignore          []*regexp.Regexp
	now             func() time.Time
	lastObservedAt  time.Time
	checksums       *Checksums
}

func New(root string, opts Options) *Scanner {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Scanner{
		root:            filepath.Clean(root),
		relativatePaths: opts.RelativatePaths,
		ignore:          opts.Ignore,
		now:             now,
		lastObservedAt:  now(),
		checksums:       NewChecksums(),
	}
}

func (s *Scanner) Root() string {
	return s.root
}

func (s *Scanner) LastObservedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastObservedAt
}

// UpdateLastObservedAt marks the current state of the tree as observed.
func (s *Scanner) UpdateLastObservedAt() {
	s.mu.Lock()
	s.lastObservedAt = s.now()
	s.mu.Unlock()
}

// Observe is ModifiedFiles followed by recording the time the pass started as
// the last observation. Stamping the start keeps writes made while the pass
// was running visible to the next one. dirs must cover everything the caller
// watches, or changes elsewhere are filtered out by the advanced clock.
func (s *Scanner) Observe(dirs []string, recursive bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	changed := s.modifiedFiles(dirs, recursive)
	if start.After(s.lastObservedAt) {
		s.lastObservedAt = start
	}
	return changed
}

func (s *Scanner) RelativatePaths() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relativatePaths
}

func (s *Scanner) SetRelativatePaths(enabled bool) {
	s.mu.Lock()
	s.relativatePaths = enabled
	s.mu.Unlock()
}

// Tracked is the number of files with a recorded checksum.
func (s *Scanner) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checksums.Len()
}

// ModifiedFiles returns the files directly in dirs, or anywhere below them when
// recursive is set, whose content changed since the last observation. Files that
// vanish or become unreadable during the pass are left out.
func (s *Scanner) ModifiedFiles(dirs []string, recursive bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modifiedFiles(dirs, recursive)
}

func (s *Scanner) modifiedFiles(dirs []string, recursive bool) []string {
	since := s.lastObservedAt.Unix()
	changed := make([]string, 0)
	for _, p := range s.potentiallyModifiedFiles(dirs, recursive) {
		info, ok := regularFile(p)
		if !ok || info.ModTime().Unix() < since {
			continue
		}

		if s.contentModified(p) {
			changed = append(changed, p)
		}
	}

	return s.relativate(changed)
}

// AllFiles lists every regular file below the root without looking at mtimes or
// checksums.
func (s *Scanner) AllFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]string, 0)
	for _, p := range s.potentiallyModifiedFiles([]string{s.root}, true) {
		if _, ok := regularFile(p); ok {
			files = append(files, p)
		}
	}

	return s.relativate(files)
}

// Seed records the checksum of every file below the root without reporting
// anything, so the next pass only reports files edited after the seed. It
// returns the number of files hashed.
func (s *Scanner) Seed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.potentiallyModifiedFiles([]string{s.root}, true) {
		if _, ok := regularFile(p); !ok {
			continue
		}

		sum, err := FileChecksum(p)
		if err != nil {
			continue
		}
		s.checksums.Update(p, sum)
		n++
	}

	return n
}

// Relativate applies the scanner's path normalization to paths.
func (s *Scanner) Relativate(paths []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relativate(paths)
}

func (s *Scanner) relativate(paths []string) []string {
	if !s.relativatePaths {
		return paths
	}

	for i, p := range paths {
		paths[i] = Relativate(s.root, p)
	}
	return paths
}

func (s *Scanner) potentiallyModifiedFiles(dirs []string, recursive bool) []string {
	pattern := shallowPattern
	if recursive {
		pattern = recursivePattern
	}

	seen := make(map[string]struct{})
	paths := make([]string, 0)
	for _, dir := range dirs {
		dir = filepath.Clean(dir)

		// I/O errors below dir are skipped by Glob, the only error left is a bad pattern.
		matches, err := doublestar.Glob(os.DirFS(dir), pattern)
		if err != nil {
			continue
		}

		for _, m := range matches {
			if common.Hidden(m) || common.RegexpAny(s.ignore, path.Base(m)) {
				continue
			}

			p := filepath.Join(dir, filepath.FromSlash(m))
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}

	return paths
}

func (s *Scanner) contentModified(p string) bool {
	sum, err := FileChecksum(p)
	if err != nil {
		return false
	}

	if prev, ok := s.checksums.Lookup(p); ok && prev == sum {
		return false
	}

	s.checksums.Update(p, sum)
	return true
}

func regularFile(p string) (os.FileInfo, bool) {
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	return info, true
}
