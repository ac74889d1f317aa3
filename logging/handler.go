package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TerminalHandler is a slog.Handler for interactive use: every record is one
// colored line prefixed by the name of the component that logged it.
type TerminalHandler struct {
	streamName string
	level      slog.Leveler
	attrs      []slog.Attr
	group      string

	mu  *sync.Mutex
	out io.Writer
}

func NewTerminalHandler(out io.Writer, level slog.Leveler, name string, fg Color, bg Color) *TerminalHandler {
	return &TerminalHandler{
		streamName: NewAnsiColorBuilder(name).Colorize(fg, bg).String(),
		level:      level,
		mu:         &sync.Mutex{},
		out:        out,
	}
}

func levelFormat(lvl slog.Level) (string, string) {
	cb := NewAnsiColorBuilder(lvl.String())
	arrow := NewAnsiColorBuilder("🭬")
	switch lvl {
	case slog.LevelDebug:
		cb.Colorize(Black, White)
		arrow.Fg(White)
	case slog.LevelInfo:
		cb.Colorize(White, Blue)
		arrow.Fg(Blue)
	case slog.LevelWarn:
		cb.Colorize(Black, Yellow)
		arrow.Fg(Yellow)
	case slog.LevelError:
		cb.Colorize(White, Red)
		arrow.Fg(Red)
	default:
		cb.Colorize(White, Brown)
		arrow.Fg(Brown)
	}
	return cb.String(), arrow.String()
}

func (th *TerminalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= th.level.Level()
}

func (th *TerminalHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := bytes.NewBuffer(nil)
	lvl, arr := levelFormat(r.Level)
	fmt.Fprintf(buf, "%s %s %s%s %s [", th.streamName, r.Time.Format(time.DateTime+".000"), lvl, arr, r.Message)

	first := true
	write := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		if !first {
			buf.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(buf, "%s=%s", a.Key, a.Value.Resolve())
	}

	for _, a := range th.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(th.qualify(a))
		return true
	})
	buf.WriteString("]\n")

	th.mu.Lock()
	defer th.mu.Unlock()
	n, err := th.out.Write(buf.Bytes())
	if err == nil && n != buf.Len() {
		return fmt.Errorf("TerminalHandler: Unable to write entire buffer to out")
	}
	return err
}

func (th *TerminalHandler) qualify(a slog.Attr) slog.Attr {
	if th.group != "" {
		a.Key = th.group + "." + a.Key
	}
	return a
}

func (th *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *th
	clone.attrs = make([]slog.Attr, 0, len(th.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, th.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, th.qualify(a))
	}
	return &clone
}

func (th *TerminalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return th
	}
	clone := *th
	clone.group = strings.TrimPrefix(th.group+"."+name, ".")
	return &clone
}
