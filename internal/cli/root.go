// Package cli implements the p2plend command line: one command per lending
// operation, plus the job service, journal history and event watching.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"P2PLend-Chain/internal/cli/render"
	"P2PLend-Chain/internal/config"
	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/web3"
	"P2PLend-Chain/pkg/logger"
)

type contextKey string

const appKey contextKey = "app"

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// Option customises the root command.
type Option func(*options)

type options struct {
	out    io.Writer
	errOut io.Writer
	client web3.Client
}

// WithOutput redirects command output.
func WithOutput(out, errOut io.Writer) Option {
	return func(o *options) {
		o.out = out
		o.errOut = errOut
	}
}

// WithClient runs every command against the given chain client instead of
// the configured networks.
func WithClient(client web3.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// NewRootCmd builds the p2plend command tree.
func NewRootCmd(opts ...Option) *cobra.Command {
	o := &options{out: os.Stdout, errOut: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}

	var (
		configPath string
		envFile    string
		network    string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "p2plend",
		Short: "Deploy and drive the P2PLending contract",
		Long: `p2plend deploys the P2PLending contract and runs its flows (approve,
create-offer, take-loan, repay, withdraw) against an EVM network, either
directly or through the job service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}

			overrides := map[string]any{}
			if f := cmd.Flag("network"); f != nil && f.Changed {
				overrides["network.name"] = network
			}
			if debug {
				overrides["log.level"] = "debug"
			}
			cfg, err := config.Load(config.LoadOptions{Path: configPath, EnvFile: envFile, Overrides: overrides})
			if err != nil {
				return err
			}
			if err := logger.Init(loggerConfig(cfg, o.errOut)); err != nil {
				return err
			}

			a := &app{cfg: cfg, out: o.out, errOut: o.errOut, client: o.client}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			a, ok := cmd.Context().Value(appKey).(*app)
			if !ok {
				return nil
			}
			_ = logger.Sync()
			return a.close()
		},
	}
	rootCmd.SetOut(o.out)
	rootCmd.SetErr(o.errOut)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid flags",
			xerrors.WithMetadata("usage", cmd.CommandPath()))
	})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (default $P2PLEND_CONFIG or "+config.DefaultPath+")")
	flags.StringVar(&envFile, "env-file", "", "Dotenv file loaded before the config (default ./.env if present)")
	flags.StringVarP(&network, "network", "n", "", "Network to use (overrides network.name)")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "lending", Title: "Lending Operations"},
		&cobra.Group{ID: "service", Title: "Job Service"},
		&cobra.Group{ID: "inspect", Title: "Inspection"},
	)

	for _, cmd := range newOperationCmds() {
		cmd.GroupID = "lending"
		rootCmd.AddCommand(cmd)
	}

	repayAmountCmd := newRepayAmountCmd()
	repayAmountCmd.GroupID = "inspect"
	rootCmd.AddCommand(repayAmountCmd)

	watchCmd := newWatchCmd()
	watchCmd.GroupID = "inspect"
	rootCmd.AddCommand(watchCmd)

	historyCmd := newHistoryCmd()
	historyCmd.GroupID = "inspect"
	rootCmd.AddCommand(historyCmd)

	jobsCmd := newJobsCmd()
	jobsCmd.GroupID = "service"
	rootCmd.AddCommand(jobsCmd)

	serveCmd := newServeCmd()
	serveCmd.GroupID = "service"
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command and returns the process exit code. Failures
// are printed with their kind so configuration, network and on-chain
// rejections are told apart.
func Execute(ctx context.Context, args []string, opts ...Option) int {
	o := &options{errOut: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}
	rootCmd := NewRootCmd(opts...)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(o.errOut, render.FormatError(err))
		if hint := render.Hint(err); hint != "" {
			fmt.Fprintf(o.errOut, "   %s\n", hint)
		}
		return exitCode(err)
	}
	return 0
}

// exitCode maps error kinds to distinct exit codes.
func exitCode(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindConfig:
		return 2
	case xerrors.KindNetwork:
		return 3
	case xerrors.KindRejected:
		return 4
	default:
		return 1
	}
}

func getApp(cmd *cobra.Command) (*app, error) {
	a, ok := cmd.Context().Value(appKey).(*app)
	if !ok || a == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "app not initialized")
	}
	return a, nil
}

func loggerConfig(cfg *config.Config, errOut io.Writer) logger.Config {
	lc := logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		AddSource:   cfg.Log.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}
	if len(lc.OutputPaths) == 0 {
		lc.Writer = errOut
	}
	return lc
}

func invalidFlag(name, value, reason string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("--%s %q: %s", name, value, reason),
		xerrors.WithMetadata("flag", name))
}
