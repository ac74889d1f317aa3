package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// fakeClock returns now and then moves it forward by step.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func writeFile(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func newScanner(root string, clock *fakeClock) *Scanner {
	return New(root, Options{RelativatePaths: true, Now: clock.Now})
}

func TestScanner_Scenario(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}

	writeFile(t, filepath.Join(root, "a.txt"), "alpha", base)
	writeFile(t, filepath.Join(root, "b.txt"), "beta", base)

	s := newScanner(root, clock)
	require.ElementsMatch(t, []string{"a.txt", "b.txt"}, s.ModifiedFiles([]string{root}, true), "untracked files are reported once")
	assert.Equal(t, 2, s.Tracked())

	clock.now = base.Add(10 * time.Second)
	s.UpdateLastObservedAt()

	// Edit a.txt
	writeFile(t, filepath.Join(root, "a.txt"), "alpha, edited", clock.now)
	assert.Equal(t, []string{"a.txt"}, s.ModifiedFiles([]string{root}, true))
	assert.Empty(t, s.ModifiedFiles([]string{root}, true), "a second pass without edits reports nothing")

	// touch b.txt
	touch(t, filepath.Join(root, "b.txt"), clock.now)
	assert.Empty(t, s.ModifiedFiles([]string{root}, true), "mtime bump without content change is not a change")

	// create c.txt
	writeFile(t, filepath.Join(root, "c.txt"), "gamma", clock.now)
	assert.Equal(t, []string{"c.txt"}, s.ModifiedFiles([]string{root}, true))
}

func TestScanner_NoFalsePositives(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("%s.%s", gofakeit.LetterN(8), gofakeit.FileExtension())
		writeFile(t, filepath.Join(root, gofakeit.LetterN(4), name), gofakeit.Sentence(12), base)
	}

	s := newScanner(root, clock)
	first := s.ModifiedFiles([]string{root}, true)
	assert.Len(t, first, 20)

	clock.now = base.Add(time.Minute)
	s.UpdateLastObservedAt()
	assert.Empty(t, s.ModifiedFiles([]string{root}, true))

	// Even with mtimes inside the window, unchanged content is not reported.
	clock.now = base
	s.UpdateLastObservedAt()
	assert.Empty(t, s.ModifiedFiles([]string{root}, true))
}

func TestScanner_SubSecondInsensitive(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base.Add(100 * time.Millisecond)}
	s := newScanner(root, clock)

	writeFile(t, filepath.Join(root, "later.txt"), "later", base.Add(500*time.Millisecond))
	assert.Equal(t, []string{"later.txt"}, s.ModifiedFiles([]string{root}, false))

	clock.now = base.Add(900 * time.Millisecond)
	s.UpdateLastObservedAt()

	// Written earlier than the observation but in the same second.
	writeFile(t, filepath.Join(root, "earlier.txt"), "earlier", base.Add(200*time.Millisecond))
	assert.Equal(t, []string{"earlier.txt"}, s.ModifiedFiles([]string{root}, false))
}

func TestScanner_SameSecondReflagOnlyOnContent(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}
	s := newScanner(root, clock)

	p := filepath.Join(root, "main.go")
	writeFile(t, p, "package main", base)
	assert.Equal(t, []string{"main.go"}, s.ModifiedFiles([]string{root}, false))

	// Still inside the observed second: the mtime filter passes on every pass
	// and only the checksum keeps the file out.
	assert.Empty(t, s.ModifiedFiles([]string{root}, false))
	writeFile(t, p, "package main\n\nfunc main() {}", base)
	assert.Equal(t, []string{"main.go"}, s.ModifiedFiles([]string{root}, false))
}

func TestScanner_StaleMtimeIsFiltered(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}
	s := newScanner(root, clock)

	writeFile(t, filepath.Join(root, "old.txt"), "old", base.Add(-2*time.Second))
	assert.Empty(t, s.ModifiedFiles([]string{root}, false), "files older than the last observation are not hashed")
	assert.Equal(t, 0, s.Tracked())
}

func TestScanner_ShallowAndRecursive(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}

	writeFile(t, filepath.Join(root, "top.go"), "top", base)
	writeFile(t, filepath.Join(root, "pkg", "nested.go"), "nested", base)
	writeFile(t, filepath.Join(root, "pkg", "deep", "deeper.go"), "deeper", base)

	s := newScanner(root, clock)
	assert.Equal(t, []string{"top.go"}, s.ModifiedFiles([]string{root}, false))
	assert.Equal(t, []string{filepath.Join("pkg", "nested.go")}, s.ModifiedFiles([]string{filepath.Join(root, "pkg")}, false))
	assert.Equal(t, []string{filepath.Join("pkg", "deep", "deeper.go")}, s.ModifiedFiles([]string{root}, true))
}

func TestScanner_OverlappingDirsReportOnce(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}
	writeFile(t, filepath.Join(root, "pkg", "a.go"), "a", base)

	s := newScanner(root, clock)
	got := s.ModifiedFiles([]string{root, filepath.Join(root, "pkg"), root + string(os.PathSeparator)}, true)
	assert.Equal(t, []string{filepath.Join("pkg", "a.go")}, got)
}

func TestScanner_SkipsNonRegular(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}

	require.NoError(t, os.MkdirAll(filepath.Join(root, "emptydir"), 0o755))
	writeFile(t, filepath.Join(root, "real.txt"), "real", base)
	if runtime.GOOS != "windows" {
		require.NoError(t, os.Symlink(filepath.Join(root, "missing.txt"), filepath.Join(root, "dangling.txt")))
	}

	s := newScanner(root, clock)
	assert.Equal(t, []string{"real.txt"}, s.ModifiedFiles([]string{root}, true))
}

func TestScanner_SkipsHiddenAndIgnored(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}

	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main", base)
	writeFile(t, filepath.Join(root, ".#main.go"), "lock", base)
	writeFile(t, filepath.Join(root, "main.go~"), "backup", base)
	writeFile(t, filepath.Join(root, "main.go"), "package main", base)

	s := New(root, Options{
		RelativatePaths: true,
		Ignore:          []*regexp.Regexp{regexp.MustCompile(`~$`)},
		Now:             clock.Now,
	})
	assert.Equal(t, []string{"main.go"}, s.ModifiedFiles([]string{root}, true))
}

func TestScanner_MissingDir(t *testing.T) {
	clock := &fakeClock{now: base}
	root := t.TempDir()
	s := newScanner(root, clock)

	assert.Empty(t, s.ModifiedFiles([]string{filepath.Join(root, "gone")}, true))
}

func TestScanner_RelativatePathsDisabled(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}
	writeFile(t, filepath.Join(root, "a.txt"), "a", base)

	s := New(root, Options{Now: clock.Now})
	assert.False(t, s.RelativatePaths())
	assert.Equal(t, []string{filepath.Join(root, "a.txt")}, s.ModifiedFiles([]string{root}, false))

	s.SetRelativatePaths(true)
	assert.Equal(t, []string{"a.txt"}, s.Relativate([]string{filepath.Join(root, "a.txt")}))
}

func TestScanner_AllFiles(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}

	writeFile(t, filepath.Join(root, "a.txt"), "a", base.Add(-time.Hour))
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "b", base.Add(-time.Hour))

	s := newScanner(root, clock)
	assert.ElementsMatch(t, []string{"a.txt", filepath.Join("sub", "b.txt")}, s.AllFiles())
	assert.Equal(t, 0, s.Tracked(), "AllFiles does not touch checksums")
}

func TestScanner_Seed(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}

	writeFile(t, filepath.Join(root, "a.txt"), "a", base)
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "b", base)

	s := newScanner(root, clock)
	assert.Equal(t, 2, s.Seed())
	assert.Empty(t, s.ModifiedFiles([]string{root}, true), "seeded files are only reported after an edit")

	writeFile(t, filepath.Join(root, "sub", "b.txt"), "b2", base)
	assert.Equal(t, []string{filepath.Join("sub", "b.txt")}, s.ModifiedFiles([]string{root}, true))
}

func TestScanner_LastObservedAt(t *testing.T) {
	clock := &fakeClock{now: base}
	s := newScanner(t.TempDir(), clock)
	assert.Equal(t, base, s.LastObservedAt())

	clock.now = base.Add(time.Hour)
	assert.Equal(t, base, s.LastObservedAt(), "the clock only moves on UpdateLastObservedAt")

	s.UpdateLastObservedAt()
	assert.Equal(t, base.Add(time.Hour), s.LastObservedAt())
}

func TestScanner_ObserveStampsPassStart(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base.Add(900 * time.Millisecond)}
	s := newScanner(root, clock)

	writeFile(t, filepath.Join(root, "a.txt"), "v1", base.Add(900*time.Millisecond))

	// The pass starts at 12:00:01.3 and the clock has moved a second on when it ends.
	clock.now = base.Add(1300 * time.Millisecond)
	clock.step = time.Second
	assert.Equal(t, []string{"a.txt"}, s.Observe([]string{root}, true))
	assert.Equal(t, base.Add(1300*time.Millisecond), s.LastObservedAt())

	// Edited after the pass read it, within the second the pass started in.
	writeFile(t, filepath.Join(root, "a.txt"), "v2", base.Add(1600*time.Millisecond))
	assert.Equal(t, []string{"a.txt"}, s.Observe([]string{root}, true))
	assert.Empty(t, s.Observe([]string{root}, true))
}

func TestScanner_ModifiedFilesLeavesClock(t *testing.T) {
	root := t.TempDir()
	clock := &fakeClock{now: base}
	s := newScanner(root, clock)

	writeFile(t, filepath.Join(root, "a", "x.txt"), "x", base.Add(1100*time.Millisecond))
	writeFile(t, filepath.Join(root, "b", "y.txt"), "y", base.Add(500*time.Millisecond))
	clock.now = base.Add(1200 * time.Millisecond)

	assert.Equal(t, []string{filepath.Join("a", "x.txt")}, s.ModifiedFiles([]string{filepath.Join(root, "a")}, false))
	assert.Equal(t, base, s.LastObservedAt())
	assert.Equal(t, []string{filepath.Join("b", "y.txt")}, s.ModifiedFiles([]string{filepath.Join(root, "b")}, false))
}
