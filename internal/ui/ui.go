// Package ui prints the human-facing console lines of the CLI. Logs go
// through slog; this is only the banner and status summary.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ANSI color/style codes
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	red    = "\033[31m"
	white  = "\033[97m"
)

// Out receives all console output.
var Out io.Writer = os.Stderr

// isTTY reports whether Out is a terminal.
func isTTY() bool {
	f, ok := Out.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// s wraps text with ANSI codes only when Out is a TTY.
func s(codes, text string) string {
	if !isTTY() {
		return text
	}
	return codes + text + reset
}

func line(mark, format string, a ...any) {
	fmt.Fprintf(Out, "  %s %s\n", mark, fmt.Sprintf(format, a...))
}

// Banner prints the startup banner.
//
//	 killswitch v0.1.0
func Banner(version string) {
	fmt.Fprintf(Out, "\n  %s %s\n", s(bold+cyan, "killswitch"), s(dim, "v"+version))
}

// KeyValue prints a labeled line:  ▸ label  value
func KeyValue(label, value string) {
	fmt.Fprintf(Out, "  %s %-11s %s\n", s(cyan, "▸"), s(dim, label), s(white, value))
}

func Info(format string, a ...any)    { line(s(cyan, "●"), format, a...) }
func Success(format string, a ...any) { line(s(green, "✔"), format, a...) }
func Warn(format string, a ...any)    { line(s(yellow, "▲"), format, a...) }
func Error(format string, a ...any)   { line(s(red, "✖"), format, a...) }

// Separator prints a dim horizontal line.
func Separator() {
	fmt.Fprintf(Out, "  %s\n", s(dim, strings.Repeat("─", 48)))
}

// Dim wraps text in dim style.
func Dim(text string) string {
	return s(dim, text)
}
