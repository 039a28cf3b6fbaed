package runner

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/arthur-debert/layerpatch/pkg/content"
	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/history"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/metrics"
	"github.com/arthur-debert/layerpatch/pkg/policy"
	"github.com/arthur-debert/layerpatch/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// Coordinator runs apply and rollback operations on one installation.
type Coordinator struct {
	manager  *installation.Manager
	fs       types.FS
	workRoot string
	metrics  metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics reports operations to m.
func WithMetrics(m metrics.Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithWorkRoot unpacks archives below dir.
func WithWorkRoot(dir string) Option {
	return func(c *Coordinator) {
		if dir != "" {
			c.workRoot = dir
		}
	}
}

// NewCoordinator returns a coordinator for the installation managed by manager.
func NewCoordinator(manager *installation.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		manager:  manager,
		fs:       manager.FS(),
		workRoot: os.TempDir(),
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply applies the patch archive read from archive. The returned Result
// must be committed, or rolled back, to release the installation.
func (c *Coordinator) Apply(ctx context.Context, archive io.Reader, pol *policy.ContentVerificationPolicy) (*Result, error) {
	logger := logging.GetLogger("runner.coordinator")
	start := time.Now()

	provider, err := content.Unpack(c.fs, archive, c.workRoot)
	if err != nil {
		c.metrics.IncOperation(ModeApply.String(), metrics.OutcomeFailed)
		return nil, errors.Patching(err)
	}
	defer provider.Cleanup()

	patch, err := provider.Patch()
	if err != nil {
		c.metrics.IncOperation(ModeApply.String(), metrics.OutcomeFailed)
		return nil, errors.Patching(err)
	}
	logger.Debug().Str("patch", patch.ID).Str("type", string(patch.Identity.PatchType)).Msg("Patch descriptor loaded")
	logDone := logging.LogOperationStart(logger, ModeApply.String(), patch.ID)

	mod, err := c.manager.ModifyInstallation(&logCallback{operation: ModeApply.String(), patchID: patch.ID})
	if err != nil {
		c.metrics.IncOperation(ModeApply.String(), metrics.OutcomeFailed)
		logDone(metrics.OutcomeFailed)
		return nil, errors.Patching(err)
	}
	r := &phasedRunner{
		ctx:     newContext(ModeApply, c.fs, mod, provider, pol),
		metrics: c.metrics,
		patch:   patch,
	}
	return c.run(ctx, r, start, logDone)
}

// Rollback rolls back patchID together with every patch applied after it.
func (c *Coordinator) Rollback(ctx context.Context, patchID string, pol *policy.ContentVerificationPolicy) (*Result, error) {
	logger := logging.GetLogger("runner.coordinator")
	start := time.Now()
	logDone := logging.LogOperationStart(logger, ModeRollback.String(), patchID)

	mod, err := c.manager.ModifyInstallation(&logCallback{operation: ModeRollback.String(), patchID: patchID})
	if err != nil {
		c.metrics.IncOperation(ModeRollback.String(), metrics.OutcomeFailed)
		logDone(metrics.OutcomeFailed)
		return nil, errors.Patching(err)
	}
	// misc content is restored from history, the provider only hands out
	// the recorded loaders
	provider := content.NewProvider(c.fs, "")
	pctx := newContext(ModeRollback, c.fs, mod, provider, pol)
	pctx.patchIDs = []string{patchID}
	r := &phasedRunner{ctx: pctx, metrics: c.metrics}
	return c.run(ctx, r, start, logDone)
}

func (c *Coordinator) run(ctx context.Context, r *phasedRunner, start time.Time, logDone func(string)) (*Result, error) {
	operation := r.ctx.mode.String()
	if err := r.run(ctx); err != nil {
		if errors.IsErrorCode(err, errors.ErrIOFatal) {
			// content is half written, the backups are needed for repair
			r.ctx.backupDirCreated = false
		}
		r.ctx.cancel()
		outcome := metrics.OutcomeFailed
		if errors.IsErrorCode(err, errors.ErrConflict) {
			outcome = metrics.OutcomeConflict
		}
		c.metrics.IncOperation(operation, outcome)
		c.metrics.ObserveOperation(operation, time.Since(start).Seconds())
		logger := logging.GetLogger("runner.coordinator")
		logger.Error().Err(err).Str("operation", operation).Msg("Operation failed")
		logDone(outcome)
		return nil, errors.Patching(err)
	}
	return &Result{
		PatchIDs: append([]string(nil), r.ctx.patchIDs...),
		Mode:     r.ctx.mode,
		runner:   r,
		metrics:  c.metrics,
		start:    start,
		logDone:  logDone,
	}, nil
}

// History returns the history of the installation, newest first.
func (c *Coordinator) History() ([]*history.Entry, error) {
	inst, err := c.manager.Load()
	if err != nil {
		return nil, errors.Patching(err)
	}
	chain, err := history.New(c.fs, c.manager.Image()).Chain(inst.Identity)
	if err != nil {
		return nil, errors.Patching(err)
	}
	return chain, nil
}

// Result is an executed operation whose installation state is not yet
// persisted.
type Result struct {
	// PatchIDs are the applied patch, or the rolled back patches newest first.
	PatchIDs []string
	Mode     Mode

	runner  *phasedRunner
	metrics metrics.Metrics
	start   time.Time
	logDone func(outcome string)
	done    bool
}

// Commit finalizes the operation: the history is updated and the new
// installation state is written. When that fails the operation is undone.
func (r *Result) Commit() error {
	if r.done {
		return errors.New(errors.ErrInvalidInput, "operation already completed")
	}
	var err error
	if r.Mode == ModeApply {
		err = r.commitApply()
	} else {
		err = r.commitRollback()
	}
	if err != nil {
		r.finish(metrics.OutcomeFailed)
		return errors.Patching(err)
	}
	r.finish(metrics.OutcomeApplied)
	return nil
}

func (r *Result) commitApply() error {
	c := r.runner.ctx
	if err := c.history.Write(r.runner.patch, r.runner.rollbackPatch()); err != nil {
		r.abort()
		return err
	}
	if err := c.modification.Commit(); err != nil {
		r.abort()
		return err
	}
	return nil
}

func (r *Result) commitRollback() error {
	c := r.runner.ctx
	if err := c.modification.Commit(); err != nil {
		r.abort()
		return err
	}

	// the state no longer references anything below, leftovers only cost space
	var result *multierror.Error
	for _, id := range c.patchIDs {
		entry := r.runner.rolledBack[id]
		for _, element := range entry.Patch.Elements {
			structure := c.image.Structure(element.Target)
			for _, dir := range []string{structure.ModulePatchDirectory(element.ID), structure.BundlePatchDirectory(element.ID)} {
				if err := c.fs.RemoveAll(dir); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		if err := c.history.Remove(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.fs.RemoveAll(c.backupDir); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		logger := logging.GetLogger("runner")
		logger.Warn().Err(err).Strs("patches", c.patchIDs).Msg("Rollback committed, failed to clean up history")
	}
	return nil
}

// Rollback undoes the operation: overwritten content is restored from the
// backups and the installation state stays as it was.
func (r *Result) Rollback() error {
	if r.done {
		return errors.New(errors.ErrInvalidInput, "operation already completed")
	}
	err := r.abort()
	r.finish(metrics.OutcomeCanceled)
	if err != nil {
		return errors.Wrapf(err, errors.ErrIOFatal, "failed to undo %s", r.Mode).
			WithDetail("backups", r.runner.ctx.backupDir)
	}
	return nil
}

// abort restores the written content and cancels the modification. The
// backup directory goes last as the restore reads from it.
func (r *Result) abort() error {
	c := r.runner.ctx
	err := c.journal.undo(c.fs)
	if err != nil {
		logger := logging.GetLogger("runner")
		logger.Error().Err(err).Str("backups", c.backupDir).Msg("Failed to restore content")
		// keep the backups for manual recovery
		c.backupDirCreated = false
	}
	c.cancel()
	return err
}

func (r *Result) finish(outcome string) {
	r.done = true
	operation := r.Mode.String()
	r.metrics.IncOperation(operation, outcome)
	r.metrics.ObserveOperation(operation, time.Since(r.start).Seconds())
	r.logDone(outcome)
}

// logCallback logs the end of a modification.
type logCallback struct {
	operation string
	patchID   string
}

func (l *logCallback) Completed() {
	logger := logging.GetLogger("runner")
	logger.Debug().Str("operation", l.operation).Str("patch", l.patchID).Msg("Installation modification completed")
}

func (l *logCallback) Canceled() {
	logger := logging.GetLogger("runner")
	logger.Debug().Str("operation", l.operation).Str("patch", l.patchID).Msg("Installation modification canceled")
}
