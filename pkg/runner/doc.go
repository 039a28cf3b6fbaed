// Package runner applies and rolls back patches.
//
// Every operation runs in two phases. PREPARE checks that the patch
// applies, merges all content modifications into task definitions, checks
// the live content of every location against what the patch expects and
// backs it up. Nothing outside the operation's own backup directory is
// written before PREPARE succeeds, so a failed PREPARE leaves the
// installation untouched. EXECUTE then writes the content and records the
// history entry. A failure during EXECUTE is fatal: the engine does not
// try to compensate and reports where the backups are.
//
// The Coordinator is the entry point. It returns a Result whose
// Modification is still open: Result.Commit persists the new installation
// state and Result.Rollback undoes the operation that was just run.
package runner
