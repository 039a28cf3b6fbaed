package config

import (
	"bufio"
	"strings"
)

const generatedHeader = `# Generated by layerpatch init --write-config.
# Uncomment a line to change its default.

`

// GenerateConfigContent returns a configuration file with every default
// value commented out.
func GenerateConfigContent() string {
	var b strings.Builder
	b.WriteString(generatedHeader)

	scanner := bufio.NewScanner(strings.NewReader(GetDefaultsContent()))
	for scanner.Scan() {
		line := scanner.Text()
		if isAssignment(line) {
			b.WriteString("# ")
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// isAssignment reports whether line sets a value; blank lines, comments
// and section headers are kept as they are.
func isAssignment(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "", strings.HasPrefix(trimmed, "#"):
		return false
	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		return false
	}
	return true
}
