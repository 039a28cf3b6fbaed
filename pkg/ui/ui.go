// Package ui provides a unified interface for rendering output in different formats.
// It supports terminal (rich), text (plain), and YAML output formats.
package ui

import (
	"fmt"
	"io"
	"os"
)

// Renderer is the common interface for all output renderers.
// It provides methods for rendering different types of data and messages.
type Renderer interface {
	// RenderResult renders an operation summary, a patch history or an
	// installation.
	RenderResult(result interface{}) error

	// RenderError renders an error with appropriate formatting
	RenderError(err error) error

	// RenderMessage renders a simple message
	RenderMessage(msg string) error
}

// NewRenderer creates a new renderer based on the specified format.
// It automatically detects terminal capabilities when format is Auto.
func NewRenderer(format Format, output io.Writer) (Renderer, error) {
	switch format {
	case FormatAuto:
		if file, ok := output.(*os.File); ok {
			return NewRenderer(DetectFormat(file), output)
		}
		// Buffers and pipes wrapped in writers get plain text
		return NewRenderer(FormatText, output)
	case FormatTerminal:
		return &textRenderer{out: output, styled: true}, nil
	case FormatText:
		return &textRenderer{out: output}, nil
	case FormatYAML:
		return &yamlRenderer{out: output}, nil
	default:
		return nil, fmt.Errorf("unknown format: %s", format)
	}
}

// OperationSummary describes a committed apply or rollback.
type OperationSummary struct {
	Operation string
	// PatchIDs are the applied patch, or the rolled back patches newest first.
	PatchIDs []string
	// Version is the installation version after the operation.
	Version string
}
