package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/meshlog/internal/config"
	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/store"
	"github.com/roach88/meshlog/internal/syncer"
	"github.com/roach88/meshlog/internal/telemetry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	DBPath     string
	UserID     int64
	UserName   string

	// Set by PersistentPreRunE.
	Config   *config.Config
	Logger   *slog.Logger
	shutdown func(context.Context) error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the meshlog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "meshlog",
		Short: "meshlog - replicated change log",
		Long: "Maintain an audited change log and replicate it between centers.\n\n" +
			"Every installation is a center with its own ID partition; changes flow\n" +
			"between centers through sync sessions that are recorded and acknowledged.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.shutdown == nil {
				return nil
			}
			return opts.shutdown(context.WithoutCancel(cmd.Context()))
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "database path (overrides the config)")
	cmd.PersistentFlags().Int64Var(&opts.UserID, "user-id", record.SystemUser.ID, "ID of the user changes are attributed to")
	cmd.PersistentFlags().StringVar(&opts.UserName, "user-name", record.SystemUser.Name, "name of the user changes are attributed to")

	// Add subcommands
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewInstallCommand(opts))
	cmd.AddCommand(NewCentersCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewReceiptCommand(opts))

	return cmd
}

// setup loads the configuration and installs the logger and tracing.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.DBPath != "" {
		cfg.Database.Path = o.DBPath
	}
	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(cmd.ErrOrStderr(), level, cfg.Log.Format)
	if err != nil {
		return WrapExitError(ExitCommandError, "configure logging", err)
	}
	shutdown, err := telemetry.Setup(cmd.Context(), cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "configure tracing", err)
	}
	o.Config = cfg
	o.Logger = logger
	o.shutdown = shutdown
	return nil
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// txn returns a transaction attributed to the --user-id/--user-name user.
func (o *RootOptions) txn() *keeper.Txn {
	return keeper.NewTxn(record.User{ID: o.UserID, Name: o.UserName})
}

// openStore opens the configured database.
func (o *RootOptions) openStore() (*store.Store, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st, err := store.Open(o.Config.Database.Path,
		store.WithDriver(o.Config.Database.Driver),
		store.WithLogger(logger),
		store.WithMaxSyncTries(o.Config.Sync.MaxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Config.Database.Path, err)
	}
	return st, nil
}

// synchronizer wraps k. The CLI has no application data set, so sessions
// move the change log without applying actions.
func (o *RootOptions) synchronizer(k keeper.RecordKeeper) *syncer.Synchronizer {
	return syncer.New(k,
		syncer.WithLogger(o.Logger),
		syncer.WithReceiptTimeout(o.Config.Sync.ReceiptTimeout),
		syncer.WithParallelism(o.Config.Sync.Parallelism),
	)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
