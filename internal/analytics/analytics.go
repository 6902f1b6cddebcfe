// Package analytics computes pipeline outcome statistics from the event log.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of a pgx pool used by analytics.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StageDuration holds duration stats for a stage, in seconds.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStageDurations returns average and percentile time spent in each
// stage. A stage's duration runs from the event that entered it to the next
// event of the same request.
func QueryStageDurations(ctx context.Context, q Querier, since time.Time) ([]StageDuration, error) {
	rows, err := q.Query(ctx, `
		SELECT stage, EXTRACT(EPOCH FROM (next_at - created_at))::float8
		FROM (
			SELECT stage, created_at,
				LEAD(created_at) OVER (PARTITION BY request_id ORDER BY created_at, id) AS next_at
			FROM pipeline_events
			WHERE event IN ('created', 'transition') AND created_at >= $1
		) spans
		WHERE next_at IS NOT NULL`, since)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	byStage := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var seconds float64
		if err := rows.Scan(&stage, &seconds); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		if seconds > 0 {
			byStage[stage] = append(byStage[stage], seconds)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range byStage {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Stage < results[j].Stage })
	return results, nil
}

// Outcome counts pipelines per terminal state.
type Outcome struct {
	State string  `json:"state"`
	Count int     `json:"count"`
	Pct   float64 `json:"pct"`
}

// terminalEvents are the events recorded when a pipeline finishes.
const terminalEvents = `('done', 'failed', 'cancelled', 'errored')`

// QueryOutcomes returns how pipelines ended.
func QueryOutcomes(ctx context.Context, q Querier, since time.Time) ([]Outcome, error) {
	rows, err := q.Query(ctx, `
		SELECT event, COUNT(DISTINCT request_id)
		FROM pipeline_events
		WHERE event IN `+terminalEvents+` AND created_at >= $1
		GROUP BY event`, since)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var results []Outcome
	total := 0
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.State, &o.Count); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		total += o.Count
		results = append(results, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].State < results[j].State
	})
	return results, nil
}

// AttemptDist is the number of finished pipelines that used n
// implementation attempts.
type AttemptDist struct {
	Attempts int     `json:"attempts"`
	Count    int     `json:"count"`
	Pct      float64 `json:"pct"`
}

// QueryAttempts returns the distribution of implementation attempts among
// pipelines that reached implementation.
func QueryAttempts(ctx context.Context, q Querier, since time.Time) ([]AttemptDist, error) {
	rows, err := q.Query(ctx, `
		SELECT attempt, COUNT(*)
		FROM pipeline_events
		WHERE event IN `+terminalEvents+` AND attempt > 0 AND created_at >= $1
		GROUP BY attempt
		ORDER BY attempt`, since)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var results []AttemptDist
	total := 0
	for rows.Next() {
		var d AttemptDist
		if err := rows.Scan(&d.Attempts, &d.Count); err != nil {
			return nil, fmt.Errorf("scan attempts: %w", err)
		}
		total += d.Count
		results = append(results, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Pct = pct(results[i].Count, total)
	}
	return results, nil
}

// ValidatorStat summarizes one validator across review passes.
type ValidatorStat struct {
	Validator     string  `json:"validator"`
	Runs          int     `json:"runs"`
	Unavailable   int     `json:"unavailable"`
	WithFindings  int     `json:"with_findings"`
	AvgFindings   float64 `json:"avg_findings"`
	FindingsTotal int     `json:"findings_total"`
}

// QueryValidators returns per-validator reliability and finding counts.
func QueryValidators(ctx context.Context, q Querier, since time.Time) ([]ValidatorStat, error) {
	rows, err := q.Query(ctx, `
		SELECT validator,
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT ran),
			COUNT(*) FILTER (WHERE findings > 0),
			COALESCE(SUM(findings), 0)
		FROM validator_runs
		WHERE created_at >= $1
		GROUP BY validator
		ORDER BY validator`, since)
	if err != nil {
		return nil, fmt.Errorf("query validators: %w", err)
	}
	defer rows.Close()

	var results []ValidatorStat
	for rows.Next() {
		var s ValidatorStat
		if err := rows.Scan(&s.Validator, &s.Runs, &s.Unavailable, &s.WithFindings, &s.FindingsTotal); err != nil {
			return nil, fmt.Errorf("scan validator stat: %w", err)
		}
		if s.Runs > 0 {
			s.AvgFindings = math.Round(float64(s.FindingsTotal)/float64(s.Runs)*10) / 10
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// GateStat counts decisions at one gate.
type GateStat struct {
	Gate     string  `json:"gate"`
	Approved int     `json:"approved"`
	Rejected int     `json:"rejected"`
	Rate     float64 `json:"approval_pct"`
}

// QueryGates returns approval rates per gate.
func QueryGates(ctx context.Context, q Querier, since time.Time) ([]GateStat, error) {
	rows, err := q.Query(ctx, `
		SELECT gate,
			COUNT(*) FILTER (WHERE granted),
			COUNT(*) FILTER (WHERE NOT granted)
		FROM approval_decisions
		WHERE decided_at >= $1
		GROUP BY gate
		ORDER BY gate DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query gates: %w", err)
	}
	defer rows.Close()

	var results []GateStat
	for rows.Next() {
		var g GateStat
		if err := rows.Scan(&g.Gate, &g.Approved, &g.Rejected); err != nil {
			return nil, fmt.Errorf("scan gate stat: %w", err)
		}
		g.Rate = pct(g.Approved, g.Approved+g.Rejected)
		results = append(results, g)
	}
	return results, rows.Err()
}

// RequestEvent is one entry of a request's merged timeline.
type RequestEvent struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"` // "pipeline", "validator", "approval"
	Event   string    `json:"event"`
	Stage   string    `json:"stage,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// QueryRequestDetail merges every logged record for one request into a
// single timeline.
func QueryRequestDetail(ctx context.Context, q Querier, id string) ([]RequestEvent, error) {
	var results []RequestEvent

	peRows, err := q.Query(ctx,
		`SELECT created_at, event, stage, attempt, detail
		 FROM pipeline_events WHERE request_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("query pipeline events: %w", err)
	}
	for peRows.Next() {
		e := RequestEvent{Type: "pipeline"}
		if err := peRows.Scan(&e.At, &e.Event, &e.Stage, &e.Attempt, &e.Detail); err != nil {
			peRows.Close()
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		results = append(results, e)
	}
	peRows.Close()
	if err := peRows.Err(); err != nil {
		return nil, err
	}

	vrRows, err := q.Query(ctx,
		`SELECT created_at, validator, attempt, ran, findings, error
		 FROM validator_runs WHERE request_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("query validator runs: %w", err)
	}
	for vrRows.Next() {
		e := RequestEvent{Type: "validator", Stage: "review"}
		var ran bool
		var findings int
		var runErr string
		if err := vrRows.Scan(&e.At, &e.Event, &e.Attempt, &ran, &findings, &runErr); err != nil {
			vrRows.Close()
			return nil, fmt.Errorf("scan validator run: %w", err)
		}
		if ran {
			e.Detail = fmt.Sprintf("findings=%d", findings)
		} else {
			e.Detail = "unavailable: " + runErr
		}
		results = append(results, e)
	}
	vrRows.Close()
	if err := vrRows.Err(); err != nil {
		return nil, err
	}

	adRows, err := q.Query(ctx,
		`SELECT decided_at, gate, granted, approver, note
		 FROM approval_decisions WHERE request_id = $1 ORDER BY decided_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer adRows.Close()
	for adRows.Next() {
		e := RequestEvent{Type: "approval"}
		var granted bool
		var approver, note string
		if err := adRows.Scan(&e.At, &e.Stage, &granted, &approver, &note); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		e.Event = "rejected"
		if granted {
			e.Event = "approved"
		}
		e.Detail = "by " + approver
		if note != "" {
			e.Detail += ": " + note
		}
		results = append(results, e)
	}
	if err := adRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].At.Before(results[j].At) })
	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
