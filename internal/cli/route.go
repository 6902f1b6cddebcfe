package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/llm"
	"github.com/lucasnoah/infrafactory/internal/router"
)

var routeKeywordsOnly bool

var routeCmd = &cobra.Command{
	Use:   "route <description>",
	Short: "Show how a request would be routed, without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if routeKeywordsOnly {
			d, ok := router.Keywords(text)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "No keyword match; the classifier would decide.")
				return nil
			}
			printDecision(cmd, d)
			return nil
		}

		a, cleanup, err := newApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		client, err := llm.New(a.cfg.LLM, llm.Options{PromptsDir: a.cfg.Pipeline.PromptsDir, Logger: a.log})
		if err != nil {
			return err
		}
		var classifier router.Classifier
		if client != nil {
			classifier = client
		}
		r := router.New(classifier, collab.FromConfig(a.cfg.Collaborators), a.log)
		printDecision(cmd, r.Route(cmd.Context(), contract.Request{ID: "route-preview", Description: text}))
		return nil
	},
}

func printDecision(cmd *cobra.Command, d router.Decision) {
	fmt.Fprintf(cmd.OutOrStdout(), "Route:  %s\nMethod: %s\nReason: %s\n", d.Route, d.Method, d.Reason)
}

func init() {
	routeCmd.Flags().BoolVar(&routeKeywordsOnly, "keywords-only", false, "only apply the keyword rules")
}
