// Package types defines the interfaces shared across layerpatch packages.
// FS abstracts every filesystem access so the engine runs against the real
// disk in production and an in-memory filesystem in tests.
package types
