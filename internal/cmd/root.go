// Package cmd implements the command line entry points.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/internal/logging"
	"github.com/spf13/cobra"
)

// Options are the parsed command line flags.
type Options struct {
	ConfigPath string
	KiroImport string
	Login      string
	NoBrowser  bool
}

// NewRootCommand builds the CLI. Without action flags it runs the server.
func NewRootCommand() *cobra.Command {
	opts := &Options{}
	root := &cobra.Command{
		Use:           "cliproxy-console",
		Short:         "Management backend for CLIProxy credentials, quota and masquerade traces",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	flags := root.Flags()
	flags.StringVar(&opts.ConfigPath, "config", "config.yaml", "Path to the YAML config file")
	flags.StringVar(&opts.KiroImport, "kiro-import", "", "Import Kiro accounts from a JSON batch or Kiro IDE token file (\"ide\" uses the IDE cache)")
	flags.StringVar(&opts.Login, "login", "", "Run an OAuth login for a provider (claude, codex, gemini)")
	flags.BoolVar(&opts.NoBrowser, "no-browser", false, "Print the login URL instead of opening a browser")
	return root
}

// Execute runs the CLI with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func run(cmd *cobra.Command, opts *Options) error {
	// An explicit --config must exist; the default path may be missing.
	cfg, err := config.LoadConfigOptional(opts.ConfigPath, !cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.KiroImport != "":
		return DoKiroImport(ctx, cmd.OutOrStdout(), cfg, opts.KiroImport)
	case opts.Login != "":
		return DoLogin(ctx, cmd.OutOrStdout(), cfg, opts.Login, opts.NoBrowser)
	default:
		if err := config.PersistHashedSecret(opts.ConfigPath, cfg); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not hash management key in %s: %v\n", opts.ConfigPath, err)
		}
		return StartService(ctx, cfg, opts.ConfigPath)
	}
}
