package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// DecisionSource reads externally submitted decisions.
type DecisionSource interface {
	ReadDecision(id string, gate contract.GateID) (*contract.ApprovalDecision, error)
}

// DeferredApprover answers from a decision file dropped into the request
// directory by `infrafactory approve`, the HTTP API or any other system.
type DeferredApprover struct {
	Source DecisionSource
}

// Decide implements Approver.
func (a DeferredApprover) Decide(_ context.Context, p Pending) (contract.ApprovalDecision, error) {
	d, err := a.Source.ReadDecision(p.RequestID, p.Gate)
	if err != nil {
		return contract.ApprovalDecision{}, fmt.Errorf("read decision: %w", err)
	}
	if d == nil {
		return contract.ApprovalDecision{}, ErrPending
	}
	return *d, nil
}

// WatchDecision blocks until file appears in dir or ctx is done.
func WatchDecision(ctx context.Context, dir, file string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	// The file may have landed before the watch was registered.
	target := filepath.Join(dir, file)
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Base(ev.Name) == file && ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				if _, err := os.Stat(target); err == nil {
					return nil
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
}
