package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/infrafactory/internal/pipeline"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show detailed pipeline status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		ps, err := a.store.Get(args[0])
		if err != nil {
			return err
		}
		if statusFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), ps)
		}
		printStatus(cmd.OutOrStdout(), ps)
		return nil
	},
}

func printStatus(w io.Writer, ps *pipeline.PipelineState) {
	fmt.Fprintf(w, "Request %s: %s\n", ps.ID(), ps.Request.Description)
	fmt.Fprintf(w, "  Environment:   %s\n", ps.Request.Environment)
	if ps.Request.DryRun {
		fmt.Fprintln(w, "  Mode:          dry run")
	}
	fmt.Fprintf(w, "  Stage:         %s\n", ps.Stage)
	if ps.Route != "" {
		fmt.Fprintf(w, "  Route:         %s (%s)\n", ps.Route, ps.RouteMethod)
	}
	if ps.Attempt > 0 {
		fmt.Fprintf(w, "  Attempt:       %d of %d\n", ps.Attempt, ps.MaxAttempts)
	}
	if ps.Suspended() {
		fmt.Fprintf(w, "  Waiting at:    %s gate\n", ps.PendingGate)
	}
	if ps.Halt != nil {
		fmt.Fprintf(w, "  Halted:        %s (%s): %s\n", ps.Halt.Stage, ps.Halt.Kind, ps.Halt.Reason)
	}
	if ps.Plan != nil {
		fmt.Fprintf(w, "  Plan:          %s (%s impact, %d requirements)\n", ps.Plan.Summary, ps.Plan.Impact, len(ps.Plan.Requirements))
	}
	if r := ps.Review; r != nil {
		fmt.Fprintf(w, "  Review:        attempt %d %s, %d blocking, %d warnings\n", r.Attempt, r.Status, r.BlockingCount, r.WarningCount)
	}
	if impl := ps.Implementation; impl != nil && impl.PullRequest != nil {
		fmt.Fprintf(w, "  Pull request:  %s\n", impl.PullRequest.URL)
	}
	if d := ps.Deployment; d != nil {
		fmt.Fprintf(w, "  Deployment:    success=%t rolled_back=%t: %s\n", d.Success, d.Rollback != nil, d.Summary)
	}
	fmt.Fprintf(w, "  Created:       %s\n", ps.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Updated:       %s\n", ps.UpdatedAt.Format("2006-01-02 15:04:05 MST"))

	if len(ps.History) > 0 {
		fmt.Fprintln(w, "  History:")
		for _, t := range ps.History {
			note := ""
			if t.Note != "" {
				note = " (" + t.Note + ")"
			}
			fmt.Fprintf(w, "    %s  %s → %s%s\n", t.At.Format("15:04:05"), t.From, t.To, note)
		}
	}
}

var (
	listStage  string
	listFormat string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listStage != "" && !pipeline.Stage(listStage).Known() {
			return fmt.Errorf("unknown stage %q", listStage)
		}
		a, cleanup, err := newApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		all, err := a.store.List(listStage)
		if err != nil {
			return fmt.Errorf("list pipelines: %w", err)
		}
		if listFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), all)
		}
		if len(all) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found.")
			return nil
		}
		printList(cmd.OutOrStdout(), all)
		return nil
	},
}

func printList(out io.Writer, all []pipeline.PipelineState) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tENV\tSTAGE\tATT\tGATE\tDESCRIPTION")
	for _, ps := range all {
		desc := ps.Request.Description
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			ps.ID(), ps.Request.Environment, ps.Stage, ps.Attempt, ps.PendingGate, desc)
	}
	_ = w.Flush()
}

var summaryCmd = &cobra.Command{
	Use:   "summary <request-id>",
	Short: "Print the summary of a finished pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()

		md, err := a.store.ReadSummary(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), md)
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, strings.TrimSpace(string(data)))
	return err
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text or json")
	listCmd.Flags().StringVar(&listStage, "stage", "", "only pipelines at this stage")
	listCmd.Flags().StringVar(&listFormat, "format", "text", "output format: text or json")
}
