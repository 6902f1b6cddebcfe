package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/infrafactory/internal/analytics"
)

var (
	statsSince  time.Duration
	statsFormat string
)

var statsCmd = &cobra.Command{
	Use:   "stats [request-id]",
	Short: "Pipeline outcome analytics from the event log",
	Long: `Without arguments, print outcome, attempt, stage duration, validator and
gate statistics for pipelines in the window. With a request id, print that
request's merged event timeline.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer cleanup()
		if a.db == nil {
			return fmt.Errorf("stats need the event log: set database.url")
		}
		ctx := cmd.Context()
		pool := a.db.Pool()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			events, err := analytics.QueryRequestDetail(ctx, pool, args[0])
			if err != nil {
				return err
			}
			if statsFormat == "json" {
				return writeJSON(out, events)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tEVENT\tSTAGE\tATT\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", e.At.Format("01-02 15:04:05"), e.Type, e.Event, e.Stage, e.Attempt, e.Detail)
			}
			return w.Flush()
		}

		since := time.Now().Add(-statsSince)
		var resp struct {
			Outcomes   []analytics.Outcome       `json:"outcomes"`
			Attempts   []analytics.AttemptDist   `json:"attempts"`
			Stages     []analytics.StageDuration `json:"stages"`
			Validators []analytics.ValidatorStat `json:"validators"`
			Gates      []analytics.GateStat      `json:"gates"`
		}
		if resp.Outcomes, err = analytics.QueryOutcomes(ctx, pool, since); err != nil {
			return err
		}
		if resp.Attempts, err = analytics.QueryAttempts(ctx, pool, since); err != nil {
			return err
		}
		if resp.Stages, err = analytics.QueryStageDurations(ctx, pool, since); err != nil {
			return err
		}
		if resp.Validators, err = analytics.QueryValidators(ctx, pool, since); err != nil {
			return err
		}
		if resp.Gates, err = analytics.QueryGates(ctx, pool, since); err != nil {
			return err
		}
		if statsFormat == "json" {
			return writeJSON(out, resp)
		}

		fmt.Fprintf(out, "Since %s\n\n", since.Format("2006-01-02 15:04"))
		table(out, "STATE\tCOUNT\tPCT", len(resp.Outcomes), func(i int) string {
			o := resp.Outcomes[i]
			return fmt.Sprintf("%s\t%d\t%.1f%%", o.State, o.Count, o.Pct)
		})
		table(out, "ATTEMPTS\tCOUNT\tPCT", len(resp.Attempts), func(i int) string {
			d := resp.Attempts[i]
			return fmt.Sprintf("%d\t%d\t%.1f%%", d.Attempts, d.Count, d.Pct)
		})
		table(out, "STAGE\tCOUNT\tAVG(s)\tP50(s)\tP95(s)", len(resp.Stages), func(i int) string {
			s := resp.Stages[i]
			return fmt.Sprintf("%s\t%d\t%.1f\t%.1f\t%.1f", s.Stage, s.Count, s.Avg, s.P50, s.P95)
		})
		table(out, "VALIDATOR\tRUNS\tUNAVAILABLE\tWITH FINDINGS\tAVG FINDINGS", len(resp.Validators), func(i int) string {
			v := resp.Validators[i]
			return fmt.Sprintf("%s\t%d\t%d\t%d\t%.1f", v.Validator, v.Runs, v.Unavailable, v.WithFindings, v.AvgFindings)
		})
		table(out, "GATE\tAPPROVED\tREJECTED\tAPPROVAL", len(resp.Gates), func(i int) string {
			g := resp.Gates[i]
			return fmt.Sprintf("%s\t%d\t%d\t%.1f%%", g.Gate, g.Approved, g.Rejected, g.Rate)
		})
		return nil
	},
}

func table(out io.Writer, header string, n int, row func(int) string) {
	if n == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	for i := 0; i < n; i++ {
		fmt.Fprintln(w, row(i))
	}
	_ = w.Flush()
	fmt.Fprintln(out)
}

func init() {
	statsCmd.Flags().DurationVar(&statsSince, "since", 7*24*time.Hour, "window to report on")
	statsCmd.Flags().StringVar(&statsFormat, "format", "text", "output format: text or json")
}
