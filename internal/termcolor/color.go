// Package termcolor provides ANSI terminal color output for the CLI.
//
// Color is used only when the destination is a terminal and NO_COLOR is
// unset.
package termcolor

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/term"
)

const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	blue    = "\033[34m"
	magenta = "\033[35m"
	cyan    = "\033[36m"
	faint   = "\033[2m"
)

// senderPalette excludes red and green, which mark errors and the local user.
var senderPalette = []string{yellow, blue, magenta, cyan, bold + yellow, bold + blue, bold + magenta, bold + cyan}

// Printer writes optionally colored lines to an io.Writer.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// New returns a Printer for w. Color is enabled when w is a terminal and
// NO_COLOR is not set.
func New(w io.Writer) *Printer {
	return &Printer{w: w, color: colorWanted(w)}
}

// NewPlain returns a Printer that never emits escape codes.
func NewPlain(w io.Writer) *Printer {
	return &Printer{w: w}
}

func colorWanted(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Enabled reports whether the printer emits color.
func (p *Printer) Enabled() bool {
	return p.color
}

func (p *Printer) line(code, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.color {
		fmt.Fprintf(p.w, "%s%s%s\n", code, msg, reset)
	} else {
		fmt.Fprintln(p.w, msg)
	}
}

// Green prints a green line.
func (p *Printer) Green(format string, a ...any) { p.line(green, format, a...) }

// Red prints a red line.
func (p *Printer) Red(format string, a ...any) { p.line(red, format, a...) }

// Yellow prints a yellow line.
func (p *Printer) Yellow(format string, a ...any) { p.line(yellow, format, a...) }

// Faint prints a dim line.
func (p *Printer) Faint(format string, a ...any) { p.line(faint, format, a...) }

// Paint wraps s in the color assigned to key. The same key always gets
// the same color, so each chat sender keeps a stable color.
func (p *Printer) Paint(key, s string) string {
	if !p.color {
		return s
	}
	sum := blake3.Sum256([]byte(key))
	return senderPalette[int(sum[0])%len(senderPalette)] + s + reset
}

// Self wraps s in the local user's color.
func (p *Printer) Self(s string) string {
	if !p.color {
		return s
	}
	return bold + green + s + reset
}

// Dim wraps s in the faint style.
func (p *Printer) Dim(s string) string {
	if !p.color {
		return s
	}
	return faint + s + reset
}

// Println writes a line as-is.
func (p *Printer) Println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

var (
	stdoutOnce    sync.Once
	stdoutPrinter *Printer
)

// Stdout returns the shared Printer for os.Stdout.
func Stdout() *Printer {
	stdoutOnce.Do(func() { stdoutPrinter = New(os.Stdout) })
	return stdoutPrinter
}

// Green prints a green-colored line to stdout.
func Green(format string, a ...any) { Stdout().Green(format, a...) }

// Red prints a red-colored line to stdout.
func Red(format string, a ...any) { Stdout().Red(format, a...) }

// Yellow prints a yellow-colored line to stdout.
func Yellow(format string, a ...any) { Stdout().Yellow(format, a...) }

// Faint prints a dim line to stdout.
func Faint(format string, a ...any) { Stdout().Faint(format, a...) }
