package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/semvit/semvit/envconfig"
	"github.com/semvit/semvit/logutil"
)

func initLogging() {
	level := slog.LevelInfo
	if envconfig.Debug {
		level = slog.LevelDebug
	}

	slog.SetDefault(logutil.NewLogger(os.Stderr, level))
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "semvit",
		Short: "Semantic tokenization vision encoder",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			initLogging()
		},
	}

	cobra.EnableCommandSorting = false

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a forward pass over a random or converted model",
		Args:  cobra.NoArgs,
		RunE:  runHandler,
	}
	runCmd.Flags().String("weights", "", "Converted weights file to load (random initialization if empty)")
	runCmd.Flags().Int("batch", 2, "Batch size")
	runCmd.Flags().Int("seq-len", 0, "Input sequence length including the summary token (default 1 + patch grid)")
	runCmd.Flags().Int("parallel", 1, "Number of concurrent forward passes")
	runCmd.Flags().Uint64("seed", 0, "Seed for inputs and initialization (default SEMVIT_SEED)")
	runCmd.Flags().Bool("train", false, "Sample routing stochastically as during training")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the parameter layout of a model",
		Args:  cobra.NoArgs,
		RunE:  infoHandler,
	}
	infoCmd.Flags().String("weights", "", "Converted weights file to describe (defaults otherwise)")

	convertCmd := &cobra.Command{
		Use:   "convert DIR",
		Short: "Convert a checkpoint directory to a native weights file",
		Args:  cobra.ExactArgs(1),
		RunE:  convertHandler,
	}
	convertCmd.Flags().StringP("output", "o", "model.svwt", "Output weights file")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()
			keys := maps.Keys(vars)
			slices.Sort(keys)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Variable", "Value", "Description"})
			for _, k := range keys {
				v := vars[k]
				table.Append([]string{v.Name, toString(v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, infoCmd, convertCmd, envCmd)
	return rootCmd
}

func toString(v any) string {
	return fmt.Sprintf("%v", v)
}
