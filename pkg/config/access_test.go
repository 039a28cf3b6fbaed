package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobalAccess(t *testing.T) {
	t.Cleanup(func() { globalConfig = nil })

	Initialize(&Config{
		Install: Install{Root: "/opt/server"},
		Policy:  Policy{Preserve: []string{"conf/**"}},
		Logging: LoggingConfig{Verbosity: 2},
		Metrics: Metrics{Textfile: "/tmp/layerpatch.prom"},
	})

	assert.Equal(t, "/opt/server", GetInstall().Root)
	assert.Equal(t, []string{"conf/**"}, GetPolicy().Preserve)
	assert.Equal(t, 2, GetLogging().Verbosity)
	assert.Equal(t, "/tmp/layerpatch.prom", GetMetrics().Textfile)
}

func TestGetInitializesDefaults(t *testing.T) {
	t.Cleanup(func() { globalConfig = nil })
	globalConfig = nil

	cfg := Get()
	assert.NotNil(t, cfg)
	assert.False(t, cfg.Policy.OverrideAll)
	assert.NotEmpty(t, cfg.Install.Root)
}

func TestGenerateConfigContent(t *testing.T) {
	content := GenerateConfigContent()

	assert.Contains(t, content, "[install]")
	assert.Contains(t, content, "# root = \".\"")
	assert.Contains(t, content, "# override_all = false")
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		t.Errorf("uncommented value: %q", line)
	}
}

func TestDefaultsProviderRead(t *testing.T) {
	values, err := (&defaultsProvider{bytes: defaultConfig}).Read()
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	policy, ok := values["policy"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, false, policy["override_all"])
}
