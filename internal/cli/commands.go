package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arthur-debert/layerpatch/internal/version"
	"github.com/arthur-debert/layerpatch/pkg/config"
	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/metrics"
	"github.com/arthur-debert/layerpatch/pkg/policy"
	"github.com/arthur-debert/layerpatch/pkg/runner"
	"github.com/arthur-debert/layerpatch/pkg/ui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

// session bundles what every patching command needs for one installation.
type session struct {
	cfg         *config.Config
	manager     *installation.Manager
	coordinator *runner.Coordinator
	registry    *prometheus.Registry
}

func newSession() *session {
	cfg := config.Get()
	manager := installation.NewManager(filesystem.NewOS(), cfg.Install.Root)

	s := &session{cfg: cfg, manager: manager}
	opts := []runner.Option{runner.WithWorkRoot(cfg.Install.WorkDir)}
	if cfg.Metrics.Textfile != "" {
		s.registry = prometheus.NewRegistry()
		opts = append(opts, runner.WithMetrics(metrics.NewProm(s.registry)))
	}
	s.coordinator = runner.NewCoordinator(manager, opts...)
	return s
}

// flushMetrics writes the textfile even for failed operations, those are
// the ones worth alerting on.
func (s *session) flushMetrics() {
	if s.registry == nil {
		return
	}
	logger := logging.GetLogger("cli.metrics")
	if err := metrics.WriteTextfile(s.cfg.Metrics.Textfile, s.registry); err != nil {
		logger.Warn().Err(err).Str("path", s.cfg.Metrics.Textfile).Msg(MsgErrWriteMetrics)
	}
}

// summarize commits result and renders what it did.
func (s *session) summarize(cmd *cobra.Command, result *runner.Result) error {
	if err := result.Commit(); err != nil {
		return err
	}
	inst, err := s.manager.Load()
	if err != nil {
		return err
	}
	r, err := newRenderer(cmd)
	if err != nil {
		return err
	}
	return r.RenderResult(&ui.OperationSummary{
		Operation: result.Mode.String(),
		PatchIDs:  result.PatchIDs,
		Version:   inst.Version,
	})
}

// addPolicyFlags registers the conflict resolution flags. Values given on
// the command line replace the configured ones.
func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("override-all", false, MsgFlagOverrideAll)
	cmd.Flags().StringSlice("override", nil, MsgFlagOverride)
	cmd.Flags().StringSlice("preserve", nil, MsgFlagPreserve)
}

func policyFromFlags(cmd *cobra.Command, configured config.Policy) (*policy.ContentVerificationPolicy, error) {
	p := configured
	if cmd.Flags().Changed("override-all") {
		p.OverrideAll, _ = cmd.Flags().GetBool("override-all")
	}
	if cmd.Flags().Changed("override") {
		p.Override, _ = cmd.Flags().GetStringSlice("override")
	}
	if cmd.Flags().Changed("preserve") {
		p.Preserve, _ = cmd.Flags().GetStringSlice("preserve")
	}
	pol, err := p.ContentPolicy()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidInput, "invalid conflict resolution flags")
	}
	return pol, nil
}

func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apply <archive>",
		Short:   MsgApplyShort,
		Long:    MsgApplyLong,
		Args:    cobra.ExactArgs(1),
		GroupID: "patch",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.GetLogger("cli.apply")
			s := newSession()
			defer s.flushMetrics()

			pol, err := policyFromFlags(cmd, s.cfg.Policy)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrapf(err, errors.ErrFileAccess, MsgErrOpenArchive, args[0])
			}
			defer func() { _ = f.Close() }()

			logger.Info().Str("archive", args[0]).Str("root", s.cfg.Install.Root).Msg("Applying patch archive")
			result, err := s.coordinator.Apply(cmd.Context(), f, pol)
			if err != nil {
				return err
			}
			return s.summarize(cmd, result)
		},
	}
	addPolicyFlags(cmd)
	return cmd
}

func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rollback <patch-id>",
		Short:   MsgRollbackShort,
		Long:    MsgRollbackLong,
		Args:    cobra.ExactArgs(1),
		GroupID: "patch",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := newSession()
			defer s.flushMetrics()

			pol, err := policyFromFlags(cmd, s.cfg.Policy)
			if err != nil {
				return err
			}
			result, err := s.coordinator.Rollback(cmd.Context(), args[0], pol)
			if err != nil {
				return err
			}
			return s.summarize(cmd, result)
		},
	}
	addPolicyFlags(cmd)
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "history",
		Short:   MsgHistoryShort,
		Args:    cobra.NoArgs,
		GroupID: "patch",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := newSession().coordinator.History()
			if err != nil {
				return err
			}
			r, err := newRenderer(cmd)
			if err != nil {
				return err
			}
			return r.RenderResult(chain)
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "info",
		Short:   MsgInfoShort,
		Args:    cobra.NoArgs,
		GroupID: "patch",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newSession().manager.Load()
			if err != nil {
				return err
			}
			r, err := newRenderer(cmd)
			if err != nil {
				return err
			}
			return r.RenderResult(inst)
		},
	}
}

func newInitCmd() *cobra.Command {
	var (
		layers      []string
		addOns      []string
		writeConfig bool
	)
	cmd := &cobra.Command{
		Use:     "init <name> <version>",
		Short:   MsgInitShort,
		Long:    MsgInitLong,
		Args:    cobra.ExactArgs(2),
		GroupID: "misc",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := config.GetInstall().Root
			if _, err := installation.Create(filesystem.NewOS(), root, args[0], args[1], layers, addOns); err != nil {
				return err
			}

			r, err := newRenderer(cmd)
			if err != nil {
				return err
			}
			if err := r.RenderMessage(fmt.Sprintf(MsgInstallationCreated, args[0], args[1], root)); err != nil {
				return err
			}
			if !writeConfig {
				return nil
			}
			return writeDefaultConfig(r)
		},
	}
	cmd.Flags().StringSliceVarP(&layers, "layer", "l", []string{"base"}, MsgFlagLayer)
	cmd.Flags().StringSliceVarP(&addOns, "add-on", "a", nil, MsgFlagAddOn)
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, MsgFlagWriteConfig)
	return cmd
}

func writeDefaultConfig(r ui.Renderer) error {
	path := config.DefaultPath()
	fsys := filesystem.NewOS()
	exists, err := filesystem.Exists(fsys, path)
	if err != nil {
		return err
	}
	if exists {
		return r.RenderMessage(fmt.Sprintf(MsgConfigExists, path))
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to create %s", filepath.Dir(path))
	}
	if err := fsys.WriteFile(path, []byte(config.GenerateConfigContent()), 0644); err != nil {
		return errors.Wrapf(err, errors.ErrFileAccess, "failed to write %s", path)
	}
	return r.RenderMessage(fmt.Sprintf(MsgConfigWritten, path))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   MsgVersionShort,
		Args:    cobra.NoArgs,
		GroupID: "misc",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "layerpatch version %s\n", version.Version)
			fmt.Fprintf(out, "  commit: %s\n", version.Commit)
			fmt.Fprintf(out, "  built:  %s\n", version.Date)
		},
	}
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:                   "completion [bash|zsh|fish|powershell]",
		Short:                 MsgCompletionShort,
		GroupID:               "misc",
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}

func newManCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "man [dir]",
		Short:   MsgManShort,
		Args:    cobra.MaximumNArgs(1),
		GroupID: "misc",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.Wrapf(err, errors.ErrFileAccess, "failed to create %s", dir)
			}
			header := &doc.GenManHeader{
				Title:   "LAYERPATCH",
				Section: "1",
				Source:  "layerpatch " + version.Version,
			}
			return doc.GenManTree(cmd.Root(), header, dir)
		},
	}
}
