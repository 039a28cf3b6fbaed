// Package config loads the layerpatch configuration.
//
// Values are layered, later sources winning: the defaults embedded from
// embedded/defaults.toml, the user configuration file (or the file named
// with --config), LAYERPATCH_<SECTION>_<KEY> environment variables, and
// finally command line flags. The result is kept process wide and read
// through Get and the section accessors.
//
// Sections:
//   - install: installation root and the work directory archives unpack to
//   - policy: how conflicting items are resolved by default
//   - logging: console verbosity
//   - metrics: optional Prometheus textfile written after each operation
package config
