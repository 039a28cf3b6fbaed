package config

// Global configuration instance
var globalConfig *Config

// Initialize sets up the global configuration
func Initialize(cfg *Config) {
	if cfg == nil {
		cfg = Default()
	}
	globalConfig = cfg
}

// Get returns the current configuration
func Get() *Config {
	if globalConfig == nil {
		Initialize(nil)
	}
	return globalConfig
}

// GetInstall returns installation configuration
func GetInstall() Install {
	return Get().Install
}

// GetPolicy returns policy configuration
func GetPolicy() Policy {
	return Get().Policy
}

// GetLogging returns logging configuration
func GetLogging() LoggingConfig {
	return Get().Logging
}

// GetMetrics returns metrics configuration
func GetMetrics() Metrics {
	return Get().Metrics
}
