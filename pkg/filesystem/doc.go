// Package filesystem provides filesystem implementations for layerpatch.
//
// Both implementations of types.FS are backed by afero: NewOS wraps the
// OS filesystem, NewMemory an in-memory one for tests. The copy helpers
// back up and restore content for the patching tasks.
package filesystem
