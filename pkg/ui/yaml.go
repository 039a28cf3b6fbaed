package ui

import (
	"fmt"
	"io"

	"github.com/arthur-debert/layerpatch/pkg/history"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"gopkg.in/yaml.v3"
)

// yamlRenderer emits one YAML document per call.
type yamlRenderer struct {
	out io.Writer
}

func (r *yamlRenderer) encode(v interface{}) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

func (r *yamlRenderer) RenderResult(result interface{}) error {
	switch v := result.(type) {
	case *OperationSummary:
		return r.encode(newSummaryView(v))
	case []*history.Entry:
		return r.encode(newHistoryView(v))
	case *installation.Installation:
		return r.encode(newInstallationView(v))
	default:
		return fmt.Errorf("unsupported result type: %T", result)
	}
}

func (r *yamlRenderer) RenderError(err error) error {
	return r.encode(struct {
		Error errorView `yaml:"error"`
	}{Error: newErrorView(err)})
}

func (r *yamlRenderer) RenderMessage(msg string) error {
	return r.encode(struct {
		Message string `yaml:"message"`
	}{Message: msg})
}
