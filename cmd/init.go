package cmd

import (
	"fmt"
	"github.com/calbusto/tokibot/tokibot"
	"github.com/spf13/cobra"
	"log"
	"log/slog"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory and its empty documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DataDir == "" {
			log.Fatal("Environment variable TOKIBOT_DATA_DIR is empty")
		}

		out := cmd.OutOrStdout()
		store := tokibot.NewStore(slog.Default())
		created, err := tokibot.InitDataDir(store, cfg.DataDir)
		if err != nil {
			return fmt.Errorf("error initializing %s: %w", cfg.DataDir, err)
		}

		if len(created) == 0 {
			fmt.Fprintf(out, "All documents already exist in %s\n", cfg.DataDir)
		}
		for _, name := range created {
			fmt.Fprintf(out, "Created %s\n", name)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
