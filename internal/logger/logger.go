// Package logger builds the prefixed, colour-coded loggers every component
// writes through.
package logger

import (
	"io"
	"log"
	"os"

	"github.com/fatih/color"
)

// Component colours, one per process role.
const (
	Node    = color.FgCyan
	Window  = color.FgGreen
	Backend = color.FgMagenta
	Client  = color.FgYellow
)

// New returns a stdout logger whose prefix names the component.
func New(component string, c color.Attribute) *log.Logger {
	return NewTo(os.Stdout, component, c)
}

// NewTo is New writing to w.
func NewTo(w io.Writer, component string, c color.Attribute) *log.Logger {
	prefix := color.New(c, color.Bold).Sprintf("[%s] ", component)
	return log.New(w, prefix, log.LstdFlags|log.Lmsgprefix)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
