package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "LAYERPATCH_"

// FileName is the name of the user configuration file
const FileName = "config.toml"

// Load builds the configuration from, in increasing precedence:
//  1. the embedded defaults
//  2. the configuration file at path, or the user configuration file when
//     path is empty
//  3. LAYERPATCH_* environment variables
//  4. overrides, keyed by dotted name (command line flags)
//
// An explicit path must exist; the user configuration file is optional.
func Load(path string, overrides map[string]interface{}) (*Config, error) {
	logger := logging.GetLogger("config")
	k := koanf.New(".")

	// 1. Embedded defaults
	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	// 2. Configuration file
	configPath, required := path, true
	if configPath == "" {
		configPath, required = DefaultPath(), false
	}
	if _, err := os.Stat(configPath); err == nil {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigParse, "failed to load config from %s", configPath).
				WithDetail("path", configPath)
		}
		logger.Debug().Str("path", configPath).Msg("Configuration file loaded")
	} else if required {
		return nil, errors.Wrapf(err, errors.ErrConfigLoad, "config file %s not found", configPath).
			WithDetail("path", configPath)
	}

	// 3. Environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load env vars")
	}

	// 4. Flags
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load overrides")
		}
	}

	return unmarshal(k)
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse, "failed to unmarshal configuration")
	}

	if err := postProcessConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDefaults(k *koanf.Koanf) error {
	if err := k.Load(&defaultsProvider{bytes: defaultConfig}, toml.Parser()); err != nil {
		return errors.Wrap(err, errors.ErrConfigParse, "failed to load defaults")
	}
	return nil
}

// envKey maps LAYERPATCH_POLICY_OVERRIDE_ALL to policy.override_all: the
// first segment names the section, the rest is the key.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// DefaultPath returns the user configuration file. It respects
// XDG_CONFIG_HOME if set, otherwise uses the xdg default config dir.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = xdg.ConfigHome
	}
	return filepath.Join(configHome, "layerpatch", FileName)
}

func postProcessConfig(cfg *Config) error {
	if cfg.Install.Root == "" {
		cfg.Install.Root = "."
	}
	root, err := filepath.Abs(cfg.Install.Root)
	if err != nil {
		return errors.Wrapf(err, errors.ErrConfigLoad, "invalid install root %s", cfg.Install.Root)
	}
	cfg.Install.Root = root

	if cfg.Logging.Verbosity < 0 {
		cfg.Logging.Verbosity = 0
	}

	// reject bad patterns at load time rather than on first use
	if _, err := cfg.Policy.ContentPolicy(); err != nil {
		return errors.Wrap(err, errors.ErrConfigParse, "invalid policy configuration")
	}
	return nil
}
