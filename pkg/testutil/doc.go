// Package testutil provides utilities for testing layerpatch components.
//
// Key components:
//   - Env: an installation on an in-memory filesystem
//   - PatchBuilder: declarative patch archive builder
//   - Assertions for on-disk content and coded errors
//
// Usage guidelines:
//   - Tests run against the memory filesystem; only pkg/filesystem touches the real one
//   - All test data is defined inline, not in external files
//   - Each test builds its own Env; nothing is shared between tests
package testutil
