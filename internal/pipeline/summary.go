package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// RenderSummary produces the human-readable summary.md for a pipeline. It is
// written for every terminal state, so each section tolerates missing
// contracts.
func RenderSummary(ps *PipelineState) string {
	var b strings.Builder
	req := ps.Request

	fmt.Fprintf(&b, "# Change Request %s\n\n", req.ID)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Environment | %s |\n", req.Environment)
	fmt.Fprintf(&b, "| Status | **%s** |\n", ps.Stage)
	if ps.Route != "" {
		fmt.Fprintf(&b, "| Route | %s |\n", ps.Route)
	}
	if req.DryRun {
		fmt.Fprintf(&b, "| Mode | dry run |\n")
	}
	if ps.Attempt > 0 {
		fmt.Fprintf(&b, "| Implementation attempts | %d of %d |\n", ps.Attempt, ps.MaxAttempts)
	}
	fmt.Fprintf(&b, "| Created | %s |\n", ts(ps.CreatedAt))
	fmt.Fprintf(&b, "| Updated | %s |\n\n", ts(ps.UpdatedAt))

	fmt.Fprintf(&b, "## Request\n\n%s\n\n", strings.TrimSpace(req.Description))

	if ps.Halt != nil {
		fmt.Fprintf(&b, "## Outcome\n\nHalted at **%s** (%s): %s\n\n", ps.Halt.Stage, ps.Halt.Kind, ps.Halt.Reason)
	} else if ps.Stage == StageDone {
		b.WriteString("## Outcome\n\nCompleted successfully.\n\n")
	}

	if ps.Answer != "" {
		fmt.Fprintf(&b, "## Answer\n\n%s\n\n", strings.TrimSpace(ps.Answer))
	}

	if ps.Plan != nil {
		writePlan(&b, ps.Plan, ps.Deployment)
	}
	if ps.Implementation != nil {
		writeImplementation(&b, ps.Implementation)
	}
	if ps.Review != nil {
		writeReview(&b, ps.Review)
	}
	if ps.Deployment != nil {
		writeDeployment(&b, ps.Deployment)
	}

	if len(ps.Approvals) > 0 {
		b.WriteString("## Approvals\n\n| Gate | Decision | Approver | Note | When |\n|---|---|---|---|---|\n")
		for _, a := range ps.Approvals {
			decision := "rejected"
			if a.Granted {
				decision = "approved"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", a.Gate, decision, cell(a.Approver), cell(a.Note), ts(a.DecidedAt))
		}
		b.WriteString("\n")
	}

	if len(ps.History) > 0 {
		b.WriteString("## Timeline\n\n")
		for _, t := range ps.History {
			line := fmt.Sprintf("- %s %s → %s", ts(t.At), t.From, t.To)
			if t.Note != "" {
				line += ": " + t.Note
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writePlan(b *strings.Builder, plan *contract.Plan, deploy *contract.DeploymentResult) {
	fmt.Fprintf(b, "## Plan\n\n%s\n\nImpact: **%s**, estimated monthly cost $%.2f, approval required: %t\n\n",
		strings.TrimSpace(plan.Summary), plan.Impact, plan.EstimatedMonthlyCost, plan.RequiresApproval)

	passed := map[string]bool{}
	if deploy != nil {
		for _, v := range deploy.Validations {
			passed[v.CriterionID] = v.Passed
		}
	}

	b.WriteString("### Requirements\n\n")
	for _, r := range plan.Requirements {
		criteria := plan.CriteriaFor(r.ID)
		met := deploy != nil && len(criteria) > 0
		for _, ac := range criteria {
			if !passed[ac.ID] {
				met = false
			}
		}
		box := " "
		if met {
			box = "x"
		}
		fmt.Fprintf(b, "- [%s] **%s** (%s, %s) %s\n", box, r.ID, r.Kind, r.Priority, r.Description)
		for _, ac := range criteria {
			fmt.Fprintf(b, "  - %s: %s (expect `%s`)\n", ac.ID, ac.Description, ac.Expected)
		}
	}
	b.WriteString("\n")
}

func writeImplementation(b *strings.Builder, impl *contract.ImplementationResult) {
	b.WriteString("## Files Changed\n\n")
	if len(impl.Changes) == 0 {
		b.WriteString("No files were generated.\n\n")
	} else {
		b.WriteString("| File | Kind | +/- | Summary |\n|---|---|---|---|\n")
		for _, c := range impl.Changes {
			fmt.Fprintf(b, "| `%s` | %s | +%d/-%d | %s |\n", c.Path, c.Kind, c.LinesAdded, c.LinesRemoved, cell(c.Summary))
		}
		b.WriteString("\n")
	}
	if impl.Commit.Branch != "" {
		fmt.Fprintf(b, "Branch `%s`", impl.Commit.Branch)
		if impl.Commit.SHA != "" {
			fmt.Fprintf(b, " at `%s`", short(impl.Commit.SHA))
		}
		fmt.Fprintf(b, " (pushed: %t)\n\n", impl.Commit.Pushed)
	}
	if pr := impl.PullRequest; pr != nil {
		fmt.Fprintf(b, "## Pull Request\n\n[#%d %s](%s) → `%s`\n\n", pr.Number, pr.Title, pr.URL, pr.TargetBranch)
	}
}

func writeReview(b *strings.Builder, review *contract.ReviewResult) {
	fmt.Fprintf(b, "## Review\n\nAttempt %d: **%s** with %d blocking and %d warning findings. Cost delta $%.2f/month.\n\n",
		review.Attempt, review.Status, review.BlockingCount, review.WarningCount, review.Cost.MonthlyDelta)
	if len(review.Findings) == 0 {
		return
	}
	b.WriteString("| ID | Severity | Validator | Location | Message |\n|---|---|---|---|---|\n")
	for _, f := range review.Findings {
		loc := f.Path
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.Path, f.Line)
		}
		fmt.Fprintf(b, "| %s | %s | %s | %s | %s |\n", f.ID, f.Severity, f.Validator, cell(loc), cell(f.Message))
	}
	b.WriteString("\n")
}

func writeDeployment(b *strings.Builder, d *contract.DeploymentResult) {
	status := "failed"
	if d.Success {
		status = "succeeded"
	}
	if d.DryRun {
		status += " (dry run)"
	}
	fmt.Fprintf(b, "## Deployment\n\nDeployment %s in %.1fs. %s\n\n", status, d.DurationSeconds, d.Summary)
	if len(d.Actions) > 0 {
		b.WriteString("| Action | Resource | Outcome | Duration |\n|---|---|---|---|\n")
		for _, a := range d.Actions {
			fmt.Fprintf(b, "| %s | %s | %s | %.1fs |\n", a.Type, cell(a.Resource), a.Outcome, a.DurationSeconds)
		}
		b.WriteString("\n")
	}
	if len(d.Validations) > 0 {
		b.WriteString("### Validation\n\n| Criterion | Expected | Actual | Result |\n|---|---|---|---|\n")
		for _, v := range d.Validations {
			result := "FAIL"
			if v.Passed {
				result = "PASS"
			}
			if v.DryRun {
				result += " (dry run)"
			}
			actual := v.Actual
			if v.Error != "" {
				actual = "error: " + v.Error
			}
			fmt.Fprintf(b, "| %s | %s | %s | %s |\n", v.CriterionID, cell(v.Expected), cell(actual), result)
		}
		b.WriteString("\n")
	}
	if rb := d.Rollback; rb != nil && rb.Triggered {
		fmt.Fprintf(b, "### Rollback\n\nReason: %s. Reverted %d action(s), succeeded: %t.\n\n", rb.Reason, len(rb.Actions), rb.Succeeded)
	}
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// cell makes a value safe to embed in a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", " ")
	if s == "" {
		return "-"
	}
	return s
}
