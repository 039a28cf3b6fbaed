package config

import (
	_ "embed"

	gotoml "github.com/pelletier/go-toml/v2"
)

//go:embed embedded/defaults.toml
var defaultConfig []byte

// GetDefaultsContent returns the content of the embedded defaults file
func GetDefaultsContent() string {
	return string(defaultConfig)
}

// defaultsProvider feeds the embedded defaults to koanf. ReadBytes is used
// with the toml parser; Read serves callers loading without a parser.
type defaultsProvider struct{ bytes []byte }

func (d *defaultsProvider) ReadBytes() ([]byte, error) { return d.bytes, nil }

func (d *defaultsProvider) Read() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := gotoml.Unmarshal(d.bytes, &out); err != nil {
		return nil, err
	}
	return out, nil
}
