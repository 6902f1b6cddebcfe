package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "infrafactory",
	Short: "infrafactory: an infrastructure change pipeline",
	Long: `infrafactory turns a natural-language infrastructure change request into a
planned, implemented, reviewed and validated deployment.

Each request moves through routing, planning, an approval gate, implementation,
review (with bounded retries), a second approval gate and deploy & validate.
All state lives under the artifacts directory as YAML, so a pipeline suspended
at a gate or interrupted by a crash can be resumed later.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI under ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to infrafactory.yaml (default ./infrafactory.yaml, then ~/.infrafactory/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(promptsCmd)
}
