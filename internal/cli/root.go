// Package cli implements the layerpatch command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arthur-debert/layerpatch/internal/version"
	"github.com/arthur-debert/layerpatch/pkg/config"
	"github.com/arthur-debert/layerpatch/pkg/logging"
	"github.com/arthur-debert/layerpatch/pkg/ui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Execute runs the command line and renders any error to stderr.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCmd()
	cmd, err := rootCmd.ExecuteContextC(ctx)
	if err != nil {
		renderError(cmd, err)
	}
	return err
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	var (
		configPath string
		root       string
		verbosity  int
	)

	rootCmd := &cobra.Command{
		Use:     "layerpatch",
		Short:   MsgRootShort,
		Long:    MsgRootLong,
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]interface{}{}
			if cmd.Flags().Changed("root") {
				overrides["install.root"] = root
			}
			if cmd.Flags().Changed("verbose") {
				overrides["logging.verbosity"] = verbosity
			}

			cfg, err := config.Load(configPath, overrides)
			if err != nil {
				return err
			}
			config.Initialize(cfg)

			logging.SetupLogger(cfg.Logging.Verbosity)
			log.Debug().Str("command", cmd.Name()).Str("root", cfg.Install.Root).Msg("Command started")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf(MsgErrNoCommand)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		DisableAutoGenTag: true,
	}

	// Global flags
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", MsgFlagVerbose)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", MsgFlagConfig)
	rootCmd.PersistentFlags().StringVarP(&root, "root", "r", "", MsgFlagRoot)
	rootCmd.PersistentFlags().StringP("output", "o", "auto", MsgFlagOutput)

	rootCmd.AddGroup(&cobra.Group{ID: "patch", Title: "PATCHING:"})
	rootCmd.AddGroup(&cobra.Group{ID: "misc", Title: "MISC:"})

	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newRollbackCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())
	rootCmd.AddCommand(newManCmd())

	return rootCmd
}

// newRenderer creates a renderer writing to the command's output in the
// format chosen with --output.
func newRenderer(cmd *cobra.Command) (ui.Renderer, error) {
	name, _ := cmd.Flags().GetString("output")
	format, err := ui.ParseFormat(name)
	if err != nil {
		return nil, err
	}
	return ui.NewRenderer(format, cmd.OutOrStdout())
}

func renderError(cmd *cobra.Command, err error) {
	format := ui.FormatAuto
	if cmd != nil {
		if name, ferr := cmd.Flags().GetString("output"); ferr == nil {
			if parsed, perr := ui.ParseFormat(name); perr == nil {
				format = parsed
			}
		}
	}
	out := os.Stderr
	r, rerr := ui.NewRenderer(format, out)
	if rerr != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	if rerr := r.RenderError(err); rerr != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
}
