package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int64
	RequestID string
	Event     string
	Stage     string
	Attempt   int
	Detail    string
	CreatedAt time.Time
}

// ValidatorRun represents a row in the validator_runs table.
type ValidatorRun struct {
	ID        int64
	RequestID string
	Attempt   int
	Validator string
	Ran       bool
	Findings  int
	Error     string
	CreatedAt time.Time
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, id, event, stage string, attempt int, detail string) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pipeline_events (request_id, event, stage, attempt, detail) VALUES ($1, $2, $3, $4, $5)`,
		id, event, stage, attempt, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// LogValidatorRuns records one review pass's validator battery in a single
// round trip.
func (d *DB) LogValidatorRuns(ctx context.Context, id string, attempt int, runs []contract.ValidatorRun) error {
	if len(runs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range runs {
		batch.Queue(
			`INSERT INTO validator_runs (request_id, attempt, validator, ran, findings, error) VALUES ($1, $2, $3, $4, $5, $6)`,
			id, attempt, r.Name, r.Ran, r.Findings, r.Error,
		)
	}
	br := d.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range runs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("log validator run: %w", err)
		}
	}
	return nil
}

// LogApproval inserts a gate decision.
func (d *DB) LogApproval(ctx context.Context, id string, a contract.ApprovalDecision) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO approval_decisions (request_id, gate, granted, approver, note, decided_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, string(a.Gate), a.Granted, a.Approver, a.Note, a.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("log approval: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all events for a request, oldest first.
func (d *DB) GetPipelineHistory(ctx context.Context, id string) ([]PipelineEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, request_id, event, stage, attempt, detail, created_at
		 FROM pipeline_events WHERE request_id = $1 ORDER BY created_at, id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Event, &e.Stage, &e.Attempt, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetValidatorRuns returns the validator runs of a request, by attempt.
func (d *DB) GetValidatorRuns(ctx context.Context, id string) ([]ValidatorRun, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, request_id, attempt, validator, ran, findings, error, created_at
		 FROM validator_runs WHERE request_id = $1 ORDER BY attempt, id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("get validator runs: %w", err)
	}
	defer rows.Close()

	var runs []ValidatorRun
	for rows.Next() {
		var r ValidatorRun
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Attempt, &r.Validator, &r.Ran, &r.Findings, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan validator run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetApprovals returns the recorded gate decisions of a request.
func (d *DB) GetApprovals(ctx context.Context, id string) ([]contract.ApprovalDecision, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT gate, granted, approver, note, decided_at
		 FROM approval_decisions WHERE request_id = $1 ORDER BY decided_at, id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("get approvals: %w", err)
	}
	defer rows.Close()

	var out []contract.ApprovalDecision
	for rows.Next() {
		var a contract.ApprovalDecision
		var g string
		if err := rows.Scan(&g, &a.Granted, &a.Approver, &a.Note, &a.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.Gate = contract.GateID(g)
		a.DecidedAt = a.DecidedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// LatestEvent returns the most recent event for a request, or nil.
func (d *DB) LatestEvent(ctx context.Context, id string) (*PipelineEvent, error) {
	var e PipelineEvent
	err := d.pool.QueryRow(ctx,
		`SELECT id, request_id, event, stage, attempt, detail, created_at
		 FROM pipeline_events WHERE request_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		id,
	).Scan(&e.ID, &e.RequestID, &e.Event, &e.Stage, &e.Attempt, &e.Detail, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event: %w", err)
	}
	return &e, nil
}
