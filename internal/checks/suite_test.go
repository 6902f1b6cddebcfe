package checks

import (
	"context"
	"errors"
	"testing"
)

func TestRunSuite_AllPass(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 0}, {ExitCode: 0}}}
	suite, results, err := NewRunner(mock).RunSuite(context.Background(), "/tmp", SuiteOpts{
		Name: "lint",
		Checks: []CheckConfig{
			{Name: "cfn-lint", Command: "cfn-lint a.yaml"},
			{Name: "kube-linter", Command: "kube-linter lint b.yaml"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !suite.Passed || len(suite.Checks) != 2 || len(results) != 2 {
		t.Errorf("got suite %+v, %d results", suite, len(results))
	}
	if len(suite.Failures) != 0 {
		t.Errorf("expected no failures, got %v", suite.Failures)
	}
}

func TestRunSuite_StopsOnFirstFailure(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "bad", ExitCode: 1}, {ExitCode: 0}}}
	suite, results, err := NewRunner(mock).RunSuite(context.Background(), "/tmp", SuiteOpts{
		Checks: []CheckConfig{{Name: "first", Command: "a"}, {Name: "second", Command: "b"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if suite.Passed {
		t.Error("expected failure")
	}
	if len(results) != 1 || len(mock.calls) != 1 {
		t.Errorf("second check should not run, got %d calls", len(mock.calls))
	}
	if _, ok := suite.Failures["first"]; !ok {
		t.Errorf("failure not recorded: %v", suite.Failures)
	}
}

func TestRunSuite_Continue(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 1}, {ExitCode: 1}}}
	suite, results, err := NewRunner(mock).RunSuite(context.Background(), "/tmp", SuiteOpts{
		Continue: true,
		Checks:   []CheckConfig{{Name: "first", Command: "a"}, {Name: "second", Command: "b"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 || len(suite.Failures) != 2 {
		t.Errorf("expected both checks to run and fail, got %+v", suite)
	}
}

func TestRunSuite_CommandError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: errors.New("no shell")}}}
	_, _, err := NewRunner(mock).RunSuite(context.Background(), "/tmp", SuiteOpts{
		Checks: []CheckConfig{{Name: "first", Command: "a"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
