package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func newState(id string, env contract.Environment) *PipelineState {
	return &PipelineState{
		Request: contract.Request{
			ID:          id,
			Description: "scale the api deployment to 4 replicas",
			Environment: env,
			CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Stage:       StageStart,
		MaxAttempts: 3,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	ps := newState("req-42", contract.EnvDev)
	if err := s.Create(ps); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ps.CreatedAt.IsZero() || ps.UpdatedAt.IsZero() {
		t.Error("timestamps should be stamped on create")
	}

	got, err := s.Get("req-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Request.Description != ps.Request.Description {
		t.Errorf("Description = %q, want %q", got.Request.Description, ps.Request.Description)
	}
	if got.Stage != StageStart {
		t.Errorf("Stage = %q, want %q", got.Stage, StageStart)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)

	if err := s.Create(newState("dup", contract.EnvDev)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(newState("dup", contract.EnvDev))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"req-1", "REQ_2.a", "a"} {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}
	for _, id := range []string{"", "../etc", "a/b", "-flag", ".hidden"} {
		if err := ValidateID(id); err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", id)
		}
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(newState("req-u", contract.EnvTst)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	at := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
	_, err := s.Update("req-u", func(ps *PipelineState) error {
		ps.Transition(StageRouting, at, "")
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get("req-u")
	if got.Stage != StageRouting {
		t.Errorf("Stage = %q, want routing", got.Stage)
	}
	if len(got.History) != 1 || got.History[0].From != StageStart || got.History[0].To != StageRouting {
		t.Errorf("unexpected history: %+v", got.History)
	}

	boom := errors.New("boom")
	if _, err := s.Update("req-u", func(*PipelineState) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected callback error to propagate, got %v", err)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t)

	for i, id := range []string{"req-b", "req-a", "req-c"} {
		ps := newState(id, contract.EnvDev)
		ps.CreatedAt = time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC)
		if id == "req-c" {
			ps.Stage = StageDone
		}
		if err := s.Create(ps); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	// Junk entries are skipped.
	os.MkdirAll(s.RequestDir("empty-dir"), 0o755)
	os.WriteFile(s.Path("", "stray.txt"), []byte("x"), 0o644)

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 pipelines, got %d", len(all))
	}
	if all[0].ID() != "req-b" || all[2].ID() != "req-c" {
		t.Errorf("expected creation order, got %s, %s, %s", all[0].ID(), all[1].ID(), all[2].ID())
	}

	done, _ := s.List("done")
	if len(done) != 1 || done[0].ID() != "req-c" {
		t.Errorf("expected only req-c for filter done, got %d", len(done))
	}
}

func TestListMissingBaseDir(t *testing.T) {
	s := NewStore("/nonexistent/infrafactory/requests")
	got, err := s.List("")
	if err != nil || got != nil {
		t.Errorf("expected nil, nil for missing base dir, got %v, %v", got, err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	s.Create(newState("gone", contract.EnvDev))
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := s.Delete("gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestAppendOnlyArtifacts(t *testing.T) {
	s := newTestStore(t)
	s.Create(newState("req-art", contract.EnvDev))

	for attempt := 1; attempt <= 3; attempt++ {
		impl := &contract.ImplementationResult{RequestID: "req-art", Attempt: attempt, Commit: contract.Commit{Branch: "feat/dev/req-art"}}
		if err := s.AppendImplementation("req-art", impl); err != nil {
			t.Fatalf("AppendImplementation %d: %v", attempt, err)
		}
		review := &contract.ReviewResult{RequestID: "req-art", Attempt: attempt, Status: contract.ReviewNeedsRevision}
		if err := s.AppendReview("req-art", review); err != nil {
			t.Fatalf("AppendReview %d: %v", attempt, err)
		}
	}

	impls, err := s.Implementations("req-art")
	if err != nil {
		t.Fatalf("Implementations: %v", err)
	}
	if len(impls) != 3 {
		t.Fatalf("expected 3 implementation documents, got %d", len(impls))
	}
	for i, impl := range impls {
		if impl.Attempt != i+1 {
			t.Errorf("document %d has attempt %d", i, impl.Attempt)
		}
	}

	reviews, _ := s.Reviews("req-art")
	if len(reviews) != 3 {
		t.Fatalf("expected 3 review documents, got %d", len(reviews))
	}

	raw, _ := os.ReadFile(s.Path("req-art", FileChanges))
	if !strings.HasPrefix(string(raw), "# infrafactory implementation attempts") {
		t.Errorf("changes.yaml should start with a header comment, got %q", string(raw[:40]))
	}
	if strings.Count(string(raw), "---\n") != 3 {
		t.Errorf("expected 3 document markers in changes.yaml")
	}
}

func TestMissingArtifactsAreEmpty(t *testing.T) {
	s := newTestStore(t)
	impls, err := s.Implementations("nothing")
	if err != nil || len(impls) != 0 {
		t.Errorf("expected empty result, got %v, %v", impls, err)
	}
}

func TestPlanAndDeploymentArtifacts(t *testing.T) {
	s := newTestStore(t)
	s.Create(newState("req-pd", contract.EnvPrd))

	plan := &contract.Plan{RequestID: "req-pd", Summary: "rotate the db password", Impact: contract.ImpactHigh}
	if err := s.SavePlan("req-pd", plan); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	got, err := s.LoadPlan("req-pd")
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if got.Summary != plan.Summary || got.Impact != contract.ImpactHigh {
		t.Errorf("plan mismatch: %+v", got)
	}

	dr := &contract.DeploymentResult{RequestID: "req-pd", Success: true, Summary: "ok"}
	if err := s.SaveDeployment("req-pd", dr); err != nil {
		t.Fatalf("SaveDeployment: %v", err)
	}
	gotDR, err := s.LoadDeployment("req-pd")
	if err != nil || !gotDR.Success {
		t.Errorf("LoadDeployment = %+v, %v", gotDR, err)
	}
}

func TestDecisionDropBox(t *testing.T) {
	s := newTestStore(t)
	s.Create(newState("req-d", contract.EnvDev))

	d, err := s.ReadDecision("req-d", contract.GateDeploy)
	if err != nil || d != nil {
		t.Fatalf("expected no decision yet, got %v, %v", d, err)
	}

	err = s.SaveDecision("req-d", contract.ApprovalDecision{Gate: contract.GateDeploy, Granted: true, Approver: "ops"})
	if err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}
	d, err = s.ReadDecision("req-d", contract.GateDeploy)
	if err != nil || d == nil || !d.Granted || d.Approver != "ops" {
		t.Fatalf("ReadDecision = %+v, %v", d, err)
	}
	if other, _ := s.ReadDecision("req-d", contract.GatePlan); other != nil {
		t.Error("decision for deploy gate must not satisfy plan gate")
	}

	if err := s.ClearDecision("req-d", contract.GateDeploy); err != nil {
		t.Fatalf("ClearDecision: %v", err)
	}
	if err := s.ClearDecision("req-d", contract.GateDeploy); err != nil {
		t.Errorf("clearing twice should be a no-op, got %v", err)
	}

	if err := s.SaveDecision("unknown", contract.ApprovalDecision{Gate: contract.GatePlan}); !errors.Is(err, ErrNotFound) {
		t.Errorf("decision for unknown request should fail with ErrNotFound, got %v", err)
	}
}

func TestLockIsExclusive(t *testing.T) {
	s := newTestStore(t)

	l1, err := s.Lock("req-l")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := s.Lock("req-l"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := l1.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	l2, err := s.Lock("req-l")
	if err != nil {
		t.Fatalf("relock after unlock: %v", err)
	}
	l2.Unlock()
	l2.Unlock()
}

type recordingMirror struct {
	mu   sync.Mutex
	keys []string
}

func (m *recordingMirror) Put(_ context.Context, key string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

type failingMirror struct{}

func (failingMirror) Put(context.Context, string, []byte) error { return errors.New("bucket gone") }

func TestMirrorReceivesWrites(t *testing.T) {
	s := newTestStore(t)
	m := &recordingMirror{}
	s.SetMirror(m, nil)

	s.Create(newState("req-m", contract.EnvDev))
	s.SavePlan("req-m", &contract.Plan{RequestID: "req-m"})
	s.WriteSummary("req-m", "# hi\n")

	want := []string{"req-m/pipeline.yaml", "req-m/requirements.yaml", "req-m/summary.md"}
	if len(m.keys) != len(want) {
		t.Fatalf("mirror keys = %v, want %v", m.keys, want)
	}
	for i := range want {
		if m.keys[i] != want[i] {
			t.Errorf("mirror key %d = %q, want %q", i, m.keys[i], want[i])
		}
	}
}

func TestMirrorFailureDoesNotFailWrite(t *testing.T) {
	s := newTestStore(t)
	s.SetMirror(failingMirror{}, nil)
	if err := s.Create(newState("req-f", contract.EnvDev)); err != nil {
		t.Fatalf("Create with failing mirror: %v", err)
	}
}
