package analytics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/db"
)

func TestAvg(t *testing.T) {
	if got := avg(nil); got != 0 {
		t.Errorf("avg(nil) = %v", got)
	}
	if got := avg([]float64{1, 2, 4}); got != 2.3 {
		t.Errorf("avg = %v, want 2.3", got)
	}
}

func TestPercentile(t *testing.T) {
	vals := []float64{10, 20, 30, 40, 50}
	tests := []struct {
		p    int
		want float64
	}{
		{0, 10},
		{50, 30},
		{95, 48},
		{100, 50},
	}
	for _, tt := range tests {
		if got := percentile(vals, tt.p); got != tt.want {
			t.Errorf("percentile(%d) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("percentile of empty = %v", got)
	}
}

func TestPct(t *testing.T) {
	if got := pct(1, 3); got != 33.3 {
		t.Errorf("pct(1,3) = %v", got)
	}
	if got := pct(5, 0); got != 0 {
		t.Errorf("pct with zero total = %v", got)
	}
}

func testDB(t *testing.T) *db.DB {
	t.Helper()
	url := os.Getenv("INFRAFACTORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("INFRAFACTORY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := db.Open(ctx, url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset test db: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func seed(t *testing.T, d *db.DB) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}

	must(d.LogPipelineEvent(ctx, "req-a", "created", "start", 0, ""))
	must(d.LogPipelineEvent(ctx, "req-a", "transition", "routing", 0, "start → routing"))
	must(d.LogPipelineEvent(ctx, "req-a", "transition", "done", 1, "deploy_validate → done"))
	must(d.LogPipelineEvent(ctx, "req-a", "done", "done", 1, ""))

	must(d.LogPipelineEvent(ctx, "req-b", "created", "start", 0, ""))
	must(d.LogPipelineEvent(ctx, "req-b", "failed", "failed", 3, "review_failed"))

	must(d.LogPipelineEvent(ctx, "req-c", "created", "start", 0, ""))
	must(d.LogPipelineEvent(ctx, "req-c", "done", "done", 0, ""))

	must(d.LogValidatorRuns(ctx, "req-a", 1, []contract.ValidatorRun{
		{Name: "lint", Ran: true, Findings: 2},
		{Name: "secrets", Ran: false, Error: "gitleaks unavailable"},
	}))
	must(d.LogValidatorRuns(ctx, "req-b", 1, []contract.ValidatorRun{
		{Name: "lint", Ran: true, Findings: 0},
	}))

	at := time.Now().UTC()
	must(d.LogApproval(ctx, "req-a", contract.ApprovalDecision{Gate: contract.GatePlan, Granted: true, Approver: "alice", DecidedAt: at}))
	must(d.LogApproval(ctx, "req-a", contract.ApprovalDecision{Gate: contract.GateDeploy, Granted: true, Approver: "bob", Note: "ship it", DecidedAt: at.Add(time.Second)}))
	must(d.LogApproval(ctx, "req-b", contract.ApprovalDecision{Gate: contract.GatePlan, Granted: false, Approver: "alice", DecidedAt: at}))
}

func TestQueryOutcomes(t *testing.T) {
	d := testDB(t)
	seed(t, d)

	got, err := QueryOutcomes(context.Background(), d.Pool(), time.Time{})
	if err != nil {
		t.Fatalf("QueryOutcomes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 outcome rows, got %+v", got)
	}
	if got[0].State != "done" || got[0].Count != 2 || got[0].Pct != 66.7 {
		t.Errorf("first outcome = %+v", got[0])
	}
	if got[1].State != "failed" || got[1].Count != 1 {
		t.Errorf("second outcome = %+v", got[1])
	}
}

func TestQueryAttempts(t *testing.T) {
	d := testDB(t)
	seed(t, d)

	got, err := QueryAttempts(context.Background(), d.Pool(), time.Time{})
	if err != nil {
		t.Fatalf("QueryAttempts: %v", err)
	}
	// req-c finished without implementing and is excluded.
	if len(got) != 2 || got[0].Attempts != 1 || got[1].Attempts != 3 {
		t.Fatalf("attempts = %+v", got)
	}
	if got[0].Pct != 50 {
		t.Errorf("pct = %v, want 50", got[0].Pct)
	}
}

func TestQueryValidators(t *testing.T) {
	d := testDB(t)
	seed(t, d)

	got, err := QueryValidators(context.Background(), d.Pool(), time.Time{})
	if err != nil {
		t.Fatalf("QueryValidators: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("validators = %+v", got)
	}
	lint := got[0]
	if lint.Validator != "lint" || lint.Runs != 2 || lint.WithFindings != 1 || lint.AvgFindings != 1 {
		t.Errorf("lint = %+v", lint)
	}
	if got[1].Validator != "secrets" || got[1].Unavailable != 1 {
		t.Errorf("secrets = %+v", got[1])
	}
}

func TestQueryGates(t *testing.T) {
	d := testDB(t)
	seed(t, d)

	got, err := QueryGates(context.Background(), d.Pool(), time.Time{})
	if err != nil {
		t.Fatalf("QueryGates: %v", err)
	}
	if len(got) != 2 || got[0].Gate != "plan" || got[1].Gate != "deploy" {
		t.Fatalf("gates = %+v", got)
	}
	if got[0].Approved != 1 || got[0].Rejected != 1 || got[0].Rate != 50 {
		t.Errorf("plan gate = %+v", got[0])
	}
	if got[1].Rate != 100 {
		t.Errorf("deploy gate = %+v", got[1])
	}
}

func TestQueryStageDurations(t *testing.T) {
	d := testDB(t)
	seed(t, d)

	got, err := QueryStageDurations(context.Background(), d.Pool(), time.Time{})
	if err != nil {
		t.Fatalf("QueryStageDurations: %v", err)
	}
	for _, s := range got {
		if s.Count == 0 || s.P95 < s.P50 {
			t.Errorf("bad stage stat %+v", s)
		}
	}
}

func TestQueryRequestDetail(t *testing.T) {
	d := testDB(t)
	seed(t, d)

	got, err := QueryRequestDetail(context.Background(), d.Pool(), "req-a")
	if err != nil {
		t.Fatalf("QueryRequestDetail: %v", err)
	}
	counts := map[string]int{}
	for _, e := range got {
		counts[e.Type]++
	}
	if counts["pipeline"] != 4 || counts["validator"] != 2 || counts["approval"] != 2 {
		t.Errorf("timeline counts = %v", counts)
	}
	for i := 1; i < len(got); i++ {
		if got[i].At.Before(got[i-1].At) {
			t.Errorf("timeline not ordered at %d", i)
		}
	}
	var sawNote bool
	for _, e := range got {
		if e.Type == "approval" && e.Detail == "by bob: ship it" {
			sawNote = true
		}
		if e.Type == "validator" && e.Event == "secrets" && e.Detail != "unavailable: gitleaks unavailable" {
			t.Errorf("secrets detail = %q", e.Detail)
		}
	}
	if !sawNote {
		t.Error("approval note missing from timeline")
	}
}
