// Package provision applies generated changes to live infrastructure and
// reverts them again when a deployment has to be rolled back.
package provision

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// ErrIrreversible is returned by Revert when an action has no compensating
// operation, e.g. a deleted stack.
var ErrIrreversible = errors.New("action cannot be reverted")

// Target is one file target about to be deployed.
type Target struct {
	RequestID   string
	Environment contract.Environment
	File        contract.FileTarget
	Change      *contract.CodeChange
}

// Resource returns the resource name, defaulting to the file's base name
// without extension.
func (t Target) Resource() string {
	if t.File.Resource != "" {
		return t.File.Resource
	}
	base := path.Base(t.File.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Applied is the result of an Apply. A failed Apply sets Revision only when
// it left a partial change that Revert can undo.
type Applied struct {
	Output   string
	Revision string
}

// Provisioner applies one target and can undo it given the revision token
// it returned.
type Provisioner interface {
	Apply(ctx context.Context, t Target) (Applied, error)
	Revert(ctx context.Context, t Target, revision string) (string, error)
}

// ByKind routes each target to the provisioner registered for its change kind.
type ByKind map[contract.ChangeKind]Provisioner

func (b ByKind) lookup(kind contract.ChangeKind) (Provisioner, error) {
	p, ok := b[kind]
	if !ok || p == nil {
		return nil, fmt.Errorf("no provisioner for change kind %q", kind)
	}
	return p, nil
}

// Apply implements Provisioner.
func (b ByKind) Apply(ctx context.Context, t Target) (Applied, error) {
	p, err := b.lookup(t.File.Kind)
	if err != nil {
		return Applied{}, err
	}
	return p.Apply(ctx, t)
}

// Revert implements Provisioner.
func (b ByKind) Revert(ctx context.Context, t Target, revision string) (string, error) {
	p, err := b.lookup(t.File.Kind)
	if err != nil {
		return "", err
	}
	return p.Revert(ctx, t, revision)
}

const maxOutput = 2000

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutput {
		return s
	}
	return "..." + s[len(s)-maxOutput:]
}
