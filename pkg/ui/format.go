package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Format is an output format, named as on the command line.
type Format string

const (
	// FormatAuto picks terminal or text depending on where output goes
	FormatAuto Format = "auto"
	// FormatTerminal is styled output for interactive terminals
	FormatTerminal Format = "term"
	// FormatText is the same output without styling
	FormatText Format = "text"
	// FormatYAML is machine-readable output
	FormatYAML Format = "yaml"
)

var formatAliases = map[string]Format{
	"":         FormatAuto,
	"auto":     FormatAuto,
	"term":     FormatTerminal,
	"terminal": FormatTerminal,
	"text":     FormatText,
	"plain":    FormatText,
	"yaml":     FormatYAML,
	"yml":      FormatYAML,
}

// ParseFormat parses a --output value.
func ParseFormat(s string) (Format, error) {
	if f, ok := formatAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return FormatAuto, fmt.Errorf("unknown format: %s", s)
}

// DetectFormat chooses between terminal and text output for output.
// Styling is dropped when NO_COLOR is set, on dumb terminals and when
// output is piped or redirected.
func DetectFormat(output *os.File) Format {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return FormatText
	}
	if !isatty.IsTerminal(output.Fd()) && !isatty.IsCygwinTerminal(output.Fd()) {
		return FormatText
	}
	return FormatTerminal
}
