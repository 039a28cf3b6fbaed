package config

import (
	"github.com/arthur-debert/layerpatch/pkg/policy"
	"github.com/knadh/koanf/v2"
)

// Config is the complete layerpatch configuration
type Config struct {
	Install Install       `koanf:"install" yaml:"install" json:"install"`
	Policy  Policy        `koanf:"policy" yaml:"policy" json:"policy"`
	Logging LoggingConfig `koanf:"logging" yaml:"logging" json:"logging"`
	Metrics Metrics       `koanf:"metrics" yaml:"metrics" json:"metrics"`
}

// Install locates the installation
type Install struct {
	Root string `koanf:"root" yaml:"root" json:"root"`
	// WorkDir receives unpacked patch archives; empty selects the system
	// temporary directory.
	WorkDir string `koanf:"work_dir" yaml:"workDir" json:"workDir"`
}

// Policy holds the default content verification policy
type Policy struct {
	OverrideAll bool     `koanf:"override_all" yaml:"overrideAll" json:"overrideAll"`
	Override    []string `koanf:"override" yaml:"override" json:"override"`
	Preserve    []string `koanf:"preserve" yaml:"preserve" json:"preserve"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Verbosity int `koanf:"verbosity" yaml:"verbosity" json:"verbosity"`
}

// Metrics holds metrics output configuration
type Metrics struct {
	Textfile string `koanf:"textfile" yaml:"textfile" json:"textfile"`
}

// Default returns the configuration of the embedded defaults alone
func Default() *Config {
	k := koanf.New(".")
	if err := loadDefaults(k); err != nil {
		// the embedded defaults are part of the binary
		panic(err)
	}
	cfg, err := unmarshal(k)
	if err != nil {
		panic(err)
	}
	return cfg
}

// ContentPolicy builds the content verification policy
func (p Policy) ContentPolicy() (*policy.ContentVerificationPolicy, error) {
	return policy.New(p.OverrideAll, p.Override, p.Preserve)
}
