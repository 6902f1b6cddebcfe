package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(14)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

// PromptApprover asks on a terminal. End of input leaves the gate pending.
type PromptApprover struct {
	In   io.Reader
	Out  io.Writer
	Name string

	reader *bufio.Reader
}

// NewPromptApprover reads from in and writes to out. The approver name
// defaults to $USER.
func NewPromptApprover(in io.Reader, out io.Writer) *PromptApprover {
	return &PromptApprover{In: in, Out: out, Name: os.Getenv("USER")}
}

// Decide implements Approver.
func (a *PromptApprover) Decide(ctx context.Context, p Pending) (contract.ApprovalDecision, error) {
	if err := ctx.Err(); err != nil {
		return contract.ApprovalDecision{}, err
	}
	if a.reader == nil {
		a.reader = bufio.NewReader(a.In)
	}
	fmt.Fprintln(a.Out, Render(p))

	fmt.Fprint(a.Out, "Approve? [y/N]: ")
	answer, err := a.reader.ReadString('\n')
	if err != nil && (err != io.EOF || strings.TrimSpace(answer) == "") {
		fmt.Fprintln(a.Out)
		return contract.ApprovalDecision{}, ErrPending
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	granted := answer == "y" || answer == "yes"

	fmt.Fprint(a.Out, "Note (optional): ")
	note, _ := a.reader.ReadString('\n')

	name := a.Name
	if name == "" {
		name = "operator"
	}
	return contract.ApprovalDecision{
		Gate:     p.Gate,
		Granted:  granted,
		Approver: name,
		Note:     strings.TrimSpace(note),
	}, nil
}

// Render formats the decision payload for a terminal.
func Render(p Pending) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("Approval required: %s gate", p.Gate)) + "\n\n")
	row("Request", p.RequestID)
	row("Environment", string(p.Environment))
	if p.Description != "" {
		row("Description", oneLine(p.Description, 70))
	}
	if p.DryRun {
		row("Mode", "dry run")
	}
	if p.Plan != nil {
		row("Summary", oneLine(p.Plan.Summary, 70))
		impact := string(p.Plan.Impact)
		if p.Plan.Impact == contract.ImpactHigh {
			impact = warnStyle.Render(impact)
		}
		row("Impact", impact)
		row("Requirements", fmt.Sprintf("%d (%d acceptance checks)", len(p.Plan.Requirements), len(p.Plan.AcceptanceCriteria)))
		for _, t := range p.Plan.FileTargets {
			row("", fmt.Sprintf("%-6s %s (%s)", t.Operation, t.Path, t.Kind))
		}
	}
	if p.Review != nil {
		row("Review", fmt.Sprintf("attempt %d %s, %d blocking, %d warnings", p.Review.Attempt, p.Review.Status, p.Review.BlockingCount, p.Review.WarningCount))
		row("Cost delta", fmt.Sprintf("$%.2f/month", p.Review.Cost.MonthlyDelta))
	}
	if p.Deadline != nil {
		row("Expires", p.Deadline.UTC().Format("2006-01-02 15:04 MST"))
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
