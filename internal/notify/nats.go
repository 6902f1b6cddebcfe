// Package notify publishes pipeline transitions to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lucasnoah/infrafactory/internal/pipeline"
)

// Event is the JSON payload published for every transition.
type Event struct {
	RequestID   string    `json:"request_id"`
	Environment string    `json:"environment"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Note        string    `json:"note,omitempty"`
	Attempt     int       `json:"attempt"`
	Terminal    bool      `json:"terminal"`
	PendingGate string    `json:"pending_gate,omitempty"`
	HaltKind    string    `json:"halt_kind,omitempty"`
	HaltReason  string    `json:"halt_reason,omitempty"`
	At          time.Time `json:"at"`
}

// FlushTimeout bounds the flush after each publish when ctx has no deadline.
const FlushTimeout = 5 * time.Second

// NATS publishes transition events on <subject>.<request id>.
type NATS struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// Connect dials url and returns a notifier that closes the connection on Close.
func Connect(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("infrafactory"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	n := New(nc, subject)
	n.owned = true
	return n, nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, subject string) *NATS {
	return &NATS{nc: nc, subject: subject}
}

// Subject returns the subject events for id are published on.
func (n *NATS) Subject(id string) string {
	return n.subject + "." + id
}

// Transition publishes one event and flushes so delivery failures surface
// before ctx expires.
func (n *NATS) Transition(ctx context.Context, ps *pipeline.PipelineState, t pipeline.Transition) error {
	ev := Event{
		RequestID:   ps.ID(),
		Environment: string(ps.Request.Environment),
		From:        string(t.From),
		To:          string(t.To),
		Note:        t.Note,
		Attempt:     ps.Attempt,
		Terminal:    t.To.Terminal(),
		PendingGate: string(ps.PendingGate),
		At:          t.At,
	}
	if ps.Halt != nil {
		ev.HaltKind = string(ps.Halt.Kind)
		ev.HaltReason = ps.Halt.Reason
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}
	if err := n.nc.Publish(n.Subject(ps.ID()), data); err != nil {
		return fmt.Errorf("publish transition event: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, FlushTimeout)
		defer cancel()
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush transition event: %w", err)
	}
	return nil
}

// Close drains the connection if Connect opened it.
func (n *NATS) Close() {
	if n.owned {
		_ = n.nc.Drain()
	}
}
