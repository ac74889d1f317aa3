package logging

import (
	"fmt"
	"strings"
)

type Color [3]byte

var (
	Black  = Color{0, 0, 0}
	White  = Color{255, 255, 255}
	Red    = Color{255, 0, 0}
	Green  = Color{0, 255, 0}
	Blue   = Color{0, 0, 255}
	Yellow = Color{255, 255, 0}
	Brown  = Color{102, 51, 0}
)

func (c Color) EscSequence(fg bool) string {
	if fg {
		return fmt.Sprintf("\x1b[38;2;%d;%d;%dm", c[0], c[1], c[2])
	}
	return fmt.Sprintf("\x1b[48;2;%d;%d;%dm", c[0], c[1], c[2])
}

// AnsiColorBuilder wraps a piece of text in 24 bit color escapes.
type AnsiColorBuilder struct {
	text    string
	fgColor *Color
	bgColor *Color
}

func NewAnsiColorBuilder(text string) *AnsiColorBuilder {
	return &AnsiColorBuilder{text: text}
}

func (acb *AnsiColorBuilder) Fg(c Color) *AnsiColorBuilder {
	acb.fgColor = &c
	return acb
}

func (acb *AnsiColorBuilder) Bg(c Color) *AnsiColorBuilder {
	acb.bgColor = &c
	return acb
}

func (acb *AnsiColorBuilder) Colorize(fg Color, bg Color) *AnsiColorBuilder {
	return acb.Fg(fg).Bg(bg)
}

func (acb *AnsiColorBuilder) String() string {
	if acb.fgColor == nil && acb.bgColor == nil {
		return acb.text
	}

	var sb strings.Builder
	if acb.fgColor != nil {
		sb.WriteString(acb.fgColor.EscSequence(true))
	}
	if acb.bgColor != nil {
		sb.WriteString(acb.bgColor.EscSequence(false))
	}
	sb.WriteString(acb.text)
	sb.WriteString("\x1b[0m")
	return sb.String()
}
