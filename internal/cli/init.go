package cli

import (
	"github.com/spf13/cobra"
)

// NewInitCommand creates the init command.
func NewInitCommand(opts *RootOptions) *cobra.Command {
	var centerID int

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and bootstrap this center",
		Long: `Create the database if needed and record the center ID of this
installation. The ID comes from --center-id or the config file. Running
init again with the same ID does nothing; another ID is refused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			id := opts.Config.CenterID
			if cmd.Flags().Changed("center-id") {
				id = centerID
			}

			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			if err := st.Bootstrap(cmd.Context(), id); err != nil {
				return f.Fail(ExitFailure, "bootstrap", err)
			}
			self, err := st.SelfCenter(cmd.Context())
			if err != nil {
				return f.Fail(ExitFailure, "bootstrap", err)
			}
			f.VerboseLog("Initialized %s", opts.Config.Database.Path)
			return f.Success(newCenterView(self))
		},
	}

	cmd.Flags().IntVar(&centerID, "center-id", 0, "global ID of this center")
	return cmd
}

// NewInstallCommand creates the install command.
func NewInstallCommand(opts *RootOptions) *cobra.Command {
	var centerID int

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Turn a copied database into an independent center",
		Long: `Re-home a database copied from another installation. The copied
center is kept as "Installation" and a new "Here" center is created with
--center-id. Existing changes read as imported from Installation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if !cmd.Flags().Changed("center-id") {
				return f.Fail(ExitCommandError, "install", NewExitError(ExitCommandError, "--center-id is required"))
			}

			st, err := opts.openStore()
			if err != nil {
				return f.Fail(ExitCommandError, "open database", err)
			}
			defer st.Close()

			here, err := st.InstallRecordKeeper(cmd.Context(), centerID)
			if err != nil {
				return f.Fail(ExitFailure, "install", err)
			}
			return f.Success(newCenterView(here))
		},
	}

	cmd.Flags().IntVar(&centerID, "center-id", 0, "global ID of the new center")
	return cmd
}
