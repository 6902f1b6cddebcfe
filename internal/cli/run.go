package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/gate"
	"github.com/lucasnoah/infrafactory/internal/orchestrator"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
)

var _ pflag.Value = (*contract.Environment)(nil)

var (
	runEnv    = contract.EnvDev
	runDryRun bool
	runID     string
	runAsync  bool
	runWait   bool
)

var runCmd = &cobra.Command{
	Use:   "run <description>",
	Short: "Submit an infrastructure change request and run it",
	Long: `Submit a natural-language change request. The pipeline runs until it reaches
a terminal state or a required approval gate.

At a gate the decision is asked for interactively. With --async the pipeline
suspends instead; decide later with "infrafactory approve" or "reject", or
through the HTTP API. With --wait the command suspends and blocks until a
decision file is dropped, then continues.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if runAsync && runWait {
			return fmt.Errorf("--async and --wait are mutually exclusive")
		}
		id := runID
		if id == "" {
			id = newRequestID()
		}
		req := contract.Request{
			ID:          id,
			Description: strings.Join(args, " "),
			Environment: runEnv,
			DryRun:      runDryRun,
		}

		a, cleanup, err := newApp(cmd.Context(), appOptions{
			engine:   true,
			approver: interactiveApprover(cmd, runAsync || runWait),
			progress: cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		defer cleanup()

		fmt.Fprintf(cmd.ErrOrStderr(), "request %s (%s)\n", id, req.Environment)
		ps, err := a.engine.Submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		if runWait {
			if ps, err = waitForDecisions(cmd.Context(), a, ps, cmd.ErrOrStderr()); err != nil {
				return err
			}
		}
		return report(cmd.OutOrStdout(), a, ps)
	},
}

var resumeAsync bool

var resumeCmd = &cobra.Command{
	Use:   "resume <request-id>",
	Short: "Continue a suspended or interrupted pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd.Context(), appOptions{
			engine:   true,
			approver: interactiveApprover(cmd, resumeAsync),
			progress: cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		defer cleanup()

		ps, err := a.engine.Resume(cmd.Context(), args[0])
		if err != nil && !errors.Is(err, orchestrator.ErrCorruptState) {
			return err
		}
		if rerr := report(cmd.OutOrStdout(), a, ps); rerr != nil {
			return rerr
		}
		return err
	},
}

var (
	decisionGate     string
	decisionNote     string
	decisionApprover string
	decisionNoResume bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a suspended gate and resume the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a suspended gate; the pipeline is cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], false)
	},
}

func decide(cmd *cobra.Command, id string, granted bool) error {
	g, err := contract.ParseGateID(decisionGate)
	if err != nil {
		return err
	}
	approver := decisionApprover
	if approver == "" {
		approver = os.Getenv("USER")
	}
	if approver == "" {
		return fmt.Errorf("--approver is required when $USER is unset")
	}

	a, cleanup, err := newApp(cmd.Context(), appOptions{engine: true, progress: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer cleanup()

	d := contract.ApprovalDecision{Gate: g, Granted: granted, Approver: approver, Note: decisionNote}
	if decisionNoResume {
		if err := a.engine.RecordDecision(id, d); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Decision recorded for %s at the %s gate.\n", id, g)
		return nil
	}
	ps, err := a.engine.Decide(cmd.Context(), id, d)
	if err != nil && ps == nil {
		return err
	}
	if rerr := report(cmd.OutOrStdout(), a, ps); rerr != nil {
		return rerr
	}
	return err
}

// interactiveApprover prompts on the terminal unless the pipeline should
// suspend at gates.
func interactiveApprover(cmd *cobra.Command, suspend bool) gate.Approver {
	if suspend {
		return nil
	}
	return gate.NewPromptApprover(cmd.InOrStdin(), cmd.ErrOrStderr())
}

// waitForDecisions blocks on the decision file of each gate the pipeline
// suspends at and resumes once it appears.
func waitForDecisions(ctx context.Context, a *app, ps *pipeline.PipelineState, w io.Writer) (*pipeline.PipelineState, error) {
	for ps.Suspended() {
		g := ps.PendingGate
		fmt.Fprintf(w, "waiting for a %s gate decision (infrafactory approve %s --gate %s)\n", g, ps.ID(), g)
		if err := gate.WatchDecision(ctx, a.store.RequestDir(ps.ID()), pipeline.DecisionFile(g)); err != nil {
			return ps, err
		}
		next, err := a.engine.Resume(ctx, ps.ID())
		if err != nil {
			return next, err
		}
		if next.Suspended() && next.PendingGate == g {
			return next, fmt.Errorf("decision for the %s gate was not applied", g)
		}
		ps = next
	}
	return ps, nil
}

// report prints where the pipeline ended up.
func report(w io.Writer, a *app, ps *pipeline.PipelineState) error {
	if ps == nil {
		return nil
	}
	fmt.Fprintf(w, "Request %s: %s\n", ps.ID(), ps.Stage)
	switch {
	case ps.Suspended():
		fmt.Fprintf(w, "  Waiting at the %s gate.\n", ps.PendingGate)
		if ps.GateDeadline != nil {
			fmt.Fprintf(w, "  Expires: %s\n", ps.GateDeadline.Format("2006-01-02 15:04 MST"))
		}
		fmt.Fprintf(w, "  Decide with: infrafactory approve %s --gate %s\n", ps.ID(), ps.PendingGate)
	case ps.Answer != "":
		fmt.Fprintf(w, "\n%s\n", ps.Answer)
	case ps.Halt != nil:
		fmt.Fprintf(w, "  Halted at %s (%s): %s\n", ps.Halt.Stage, ps.Halt.Kind, ps.Halt.Reason)
	}
	if impl := ps.Implementation; impl != nil && impl.PullRequest != nil {
		fmt.Fprintf(w, "  Pull request: %s\n", impl.PullRequest.URL)
	}
	if ps.Stage.Terminal() {
		fmt.Fprintf(w, "  Summary: %s\n", a.store.Path(ps.ID(), pipeline.FileSummary))
	}
	return nil
}

func newRequestID() string {
	return "req-" + uuid.NewString()[:8]
}

func init() {
	runCmd.Flags().VarP(&runEnv, "env", "e", "target environment: dev, tst or prd")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "plan, implement and review, but do not apply anything")
	runCmd.Flags().StringVar(&runID, "id", "", "request id (default req-<random>)")
	runCmd.Flags().BoolVar(&runAsync, "async", false, "suspend at approval gates instead of prompting")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "suspend at approval gates and wait for a decision file")

	resumeCmd.Flags().BoolVar(&resumeAsync, "async", false, "suspend at approval gates instead of prompting")

	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVarP(&decisionGate, "gate", "g", "", "gate to decide: plan or deploy")
		c.Flags().StringVarP(&decisionNote, "note", "m", "", "note recorded with the decision")
		c.Flags().StringVar(&decisionApprover, "approver", "", "approver name (default $USER)")
		c.Flags().BoolVar(&decisionNoResume, "no-resume", false, "record the decision without resuming the pipeline")
		_ = c.MarkFlagRequired("gate")
	}
}
