package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/infrafactory/internal/prompt"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage the model prompt templates",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in prompt templates",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range prompt.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

var promptsInstallCmd = &cobra.Command{
	Use:   "install [dir]",
	Short: "Copy the built-in templates into a directory for editing",
	Long: `Copy the built-in prompt templates into dir (default pipeline.prompts_dir).
Existing files are left alone. Point pipeline.prompts_dir at the directory to
use the edited copies.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		} else {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Pipeline.PromptsDir
		}
		if dir == "" {
			return fmt.Errorf("no directory given and pipeline.prompts_dir is unset")
		}
		written, err := prompt.Install(dir)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "All templates already present in %s.\n", dir)
			return nil
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", name)
		}
		return nil
	},
}

func init() {
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsInstallCmd)
}
