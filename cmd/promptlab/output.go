package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Status lines go to diagnostics; transcripts and data go to out. Tests
// swap both.
var (
	out         io.Writer = os.Stdout
	diagnostics io.Writer = os.Stderr
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, prefix, format string, args ...any) {
	fmt.Fprintln(diagnostics, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓ ", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗ ", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠ ", format, args...) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→ ", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(diagnostics, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printTurn writes one side of a conversation, indenting continuation lines
// under the speaker label.
func printTurn(speaker, text string) {
	label := colorize(colorBold, speaker+">")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	fmt.Fprintf(out, "%s %s\n", label, lines[0])
	pad := strings.Repeat(" ", len(speaker)+2)
	for _, l := range lines[1:] {
		fmt.Fprintf(out, "%s%s\n", pad, l)
	}
}

func printTaskHeader(id int, name, description string) {
	fmt.Fprintf(out, "\n%s\n", colorize(colorBold, fmt.Sprintf("Task %d: %s", id, name)))
	if description != "" {
		fmt.Fprintln(out, colorize(colorDim, description))
	}
	fmt.Fprintln(out)
}
