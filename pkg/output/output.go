package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/ppphp/emergo/pkg/util/msg"
)

var styles = map[string]*color.Color{
	"NORMAL":                  color.New(color.Reset),
	"GOOD":                    color.New(color.FgHiGreen),
	"WARN":                    color.New(color.FgHiYellow),
	"BAD":                     color.New(color.FgHiRed),
	"HILITE":                  color.New(color.FgCyan),
	"BRACKET":                 color.New(color.FgHiBlue),
	"INFORM":                  color.New(color.FgGreen),
	"UNMERGE_WARN":            color.New(color.FgHiRed),
	"SECURITY_WARN":           color.New(color.FgHiRed),
	"MERGE_LIST_PROGRESS":     color.New(color.FgHiYellow),
	"PKG_BLOCKER":             color.New(color.FgHiRed),
	"PKG_BLOCKER_SATISFIED":   color.New(color.FgBlue),
	"PKG_MERGE":               color.New(color.FgGreen),
	"PKG_MERGE_WORLD":         color.New(color.FgHiGreen),
	"PKG_BINARY_MERGE":        color.New(color.FgMagenta),
	"PKG_BINARY_MERGE_WORLD":  color.New(color.FgHiMagenta),
	"PKG_UNINSTALL":           color.New(color.FgHiRed),
	"PKG_NOMERGE":             color.New(color.FgBlue),
	"PKG_NOMERGE_WORLD":       color.New(color.FgHiBlue),
	"PROMPT_CHOICE_DEFAULT":   color.New(color.FgHiGreen),
	"PROMPT_CHOICE_OTHER":     color.New(color.FgHiRed),
	"PKG_MERGE_SYSTEM":        color.New(color.FgGreen),
	"PKG_BINARY_MERGE_SYSTEM": color.New(color.FgMagenta),
	"PKG_NOMERGE_SYSTEM":      color.New(color.FgBlue),
	"RED":                     color.New(color.FgHiRed),
	"BLUE":                    color.New(color.FgHiBlue),
	"BOLD":                    color.New(color.Bold),
}

// NoColor disables escape sequences everywhere.
func NoColor() {
	color.NoColor = true
}

// Colorize wraps text in the style registered under colorKey.
func Colorize(colorKey, text string) string {
	c, ok := styles[colorKey]
	if !ok || color.NoColor {
		return text
	}
	return c.Sprint(text)
}

func NewCreateColorFunc(colorKey string) func(text string) string {
	return func(text string) string {
		return Colorize(colorKey, text)
	}
}

var (
	Bad    = NewCreateColorFunc("BAD")
	Good   = NewCreateColorFunc("GOOD")
	Warn   = NewCreateColorFunc("WARN")
	Hilite = NewCreateColorFunc("HILITE")
	Red    = NewCreateColorFunc("RED")
	Blue   = NewCreateColorFunc("BLUE")
	Bold   = NewCreateColorFunc("BOLD")
)

// EOutput prints the " * message ... [ ok ]" status lines.
type EOutput struct {
	lastECmd    string
	lastELen    int
	termColumns int
	quiet       bool
	out, err    io.Writer
}

// false
func NewEOutput(quiet bool) *EOutput {
	return &EOutput{quiet: quiet, termColumns: 80, out: os.Stdout, err: os.Stderr}
}

// SetWriters replaces stdout and stderr.
func (e *EOutput) SetWriters(out, err io.Writer) {
	e.out, e.err = out, err
}

func (e *EOutput) write(f io.Writer, s string) {
	msg.WriteMsg(s, -1, f)
}

func (e *EOutput) eend(caller string, errno int, message string) {
	var statusBrackets string
	if errno == 0 {
		statusBrackets = Colorize("BRACKET", "[ ") + Colorize("GOOD", "ok") + Colorize("BRACKET", " ]")
	} else {
		statusBrackets = Colorize("BRACKET", "[ ") + Colorize("BAD", "!!") + Colorize("BRACKET", " ]")
		if message != "" {
			if caller == "eend" {
				e.Eerror(message)
			} else {
				e.Ewarn(message)
			}
		}
	}
	if e.lastECmd != "ebegin" {
		e.lastELen = 0
	}
	pad := e.termColumns - e.lastELen - 7
	if pad < 1 {
		pad = 1
	}
	e.write(e.out, fmt.Sprintf("%*s%s\n", pad, "", statusBrackets))
}

func (e *EOutput) Ebegin(message string) {
	message += " ..."
	if !e.quiet {
		e.Einfon(message)
	}
	e.lastELen = utf8.RuneCountInString(message) + 3
	e.lastECmd = "ebegin"
}

// ""
func (e *EOutput) Eend(errno int, message string) {
	if !e.quiet {
		e.eend("eend", errno, message)
	}
	e.lastECmd = "eend"
}

func (e *EOutput) Ewend(errno int, message string) {
	if !e.quiet {
		e.eend("ewend", errno, message)
	}
	e.lastECmd = "ewend"
}

func (e *EOutput) line(f io.Writer, key, cmd, message, end string) {
	if !e.quiet {
		if e.lastECmd == "ebegin" {
			e.write(f, "\n")
		}
		for _, l := range strings.Split(strings.TrimRight(message, "\n"), "\n") {
			e.write(f, Colorize(key, " * ")+l+end)
			if end == "" {
				break
			}
		}
	}
	e.lastECmd = cmd
}

func (e *EOutput) Eerror(message string) { e.line(e.err, "BAD", "eerror", message, "\n") }
func (e *EOutput) Einfo(message string)  { e.line(e.err, "GOOD", "einfo", message, "\n") }
func (e *EOutput) Einfon(message string) { e.line(e.err, "GOOD", "einfon", message, "") }
func (e *EOutput) Ewarn(message string)  { e.line(e.err, "WARN", "ewarn", message, "\n") }
func (e *EOutput) Elog(message string)   { e.line(e.err, "INFORM", "elog", message, "\n") }
