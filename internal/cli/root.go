// Package cli implements the stylepredict commands.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "stylepredict",
	Short: "Classify the art style of an image with a remote prediction service",
	Long: `stylepredict uploads an image to a style classification service and shows
the ranked result. Run "serve" for the HTTP view or "predict" for a one-off
prediction in the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("stylepredict version {{.Version}}\n")
	rootCmd.AddCommand(newServeCmd(), newPredictCmd())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
