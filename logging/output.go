package logging

import (
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/subfusc/vakt/config"
)

// Output holds one handler per component and the writers the supervised
// program's stdout and stderr are copied to.
type Output struct {
	Main            slog.Handler
	Build           slog.Handler
	SSE             slog.Handler
	FileWatcher     slog.Handler
	ProgramStandard io.Writer
	ProgramError    io.Writer
}

type Levels struct {
	Main        slog.Level
	Build       slog.Level
	SSE         slog.Level
	FileWatcher slog.Level
}

func DefaultLevels() Levels {
	return Levels{
		Main:        slog.LevelInfo,
		Build:       slog.LevelInfo,
		SSE:         slog.LevelWarn,
		FileWatcher: slog.LevelInfo,
	}
}

func VerboseLevels() Levels {
	return Levels{slog.LevelDebug, slog.LevelDebug, slog.LevelDebug, slog.LevelDebug}
}

func Fancy(out io.Writer, levels Levels) *Output {
	return &Output{
		Main:            NewTerminalHandler(out, levels.Main, "Mn ", White, Color{200, 30, 30}),
		Build:           NewTerminalHandler(out, levels.Build, "Prc", Black, Green),
		SSE:             NewTerminalHandler(out, levels.SSE, "SSE", Black, Red),
		FileWatcher:     NewTerminalHandler(out, levels.FileWatcher, "FWt", Black, Blue),
		ProgramStandard: NewProgramWriter(out, "App", Black, White),
		ProgramError:    NewProgramWriter(out, "App", White, Red),
	}
}

func Plain(out io.Writer, errOut io.Writer, levels Levels) *Output {
	text := func(l slog.Level) slog.Handler {
		return slog.NewTextHandler(out, &slog.HandlerOptions{Level: l})
	}
	return &Output{
		Main:            text(levels.Main),
		Build:           text(levels.Build),
		SSE:             text(levels.SSE),
		FileWatcher:     text(levels.FileWatcher),
		ProgramStandard: out,
		ProgramError:    errOut,
	}
}

// FromConfig picks Fancy or Plain and the levels from the Logger section.
func FromConfig(c *config.Config, out io.Writer, errOut io.Writer) *Output {
	levels := DefaultLevels()
	if c.Logger.Verbose {
		levels = VerboseLevels()
	}

	if c.Logger.Style == "terminal" {
		return Fancy(out, levels)
	}
	return Plain(out, errOut, levels)
}

// ProgramWriter prefixes every complete line written to it with a colored badge.
// Partial lines are held back until their newline arrives.
type ProgramWriter struct {
	mu      sync.Mutex
	out     io.Writer
	prefix  []byte
	pending []byte
}

func NewProgramWriter(out io.Writer, name string, fg Color, bg Color) *ProgramWriter {
	return &ProgramWriter{
		out:    out,
		prefix: []byte(NewAnsiColorBuilder(name).Colorize(fg, bg).String() + " "),
	}
}

func (pw *ProgramWriter) Write(p []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.pending = append(pw.pending, p...)
	for {
		i := bytes.IndexByte(pw.pending, '\n')
		if i < 0 {
			break
		}

		line := make([]byte, 0, len(pw.prefix)+i+1)
		line = append(line, pw.prefix...)
		line = append(line, pw.pending[:i+1]...)
		if _, err := pw.out.Write(line); err != nil {
			return len(p), err
		}
		pw.pending = pw.pending[i+1:]
	}

	return len(p), nil
}
