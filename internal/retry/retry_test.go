package retry

import (
	"testing"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name     string
		blocking int
		allRan   bool
		attempt  int
		want     contract.ReviewStatus
	}{
		{"clean", 0, true, 1, contract.ReviewPassed},
		{"clean at max", 0, true, 3, contract.ReviewPassed},
		{"blocking first attempt", 2, true, 1, contract.ReviewNeedsRevision},
		{"blocking second attempt", 1, true, 2, contract.ReviewNeedsRevision},
		{"blocking at max", 1, true, 3, contract.ReviewFailed},
		{"validator missing", 0, false, 1, contract.ReviewFailed},
		{"validator missing with blocking", 1, false, 1, contract.ReviewNeedsRevision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.blocking, tt.allRan, tt.attempt, 3); got != tt.want {
				t.Errorf("Status(%d, %v, %d, 3) = %s, want %s", tt.blocking, tt.allRan, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestControllerRetry(t *testing.T) {
	c := NewController(3)
	review := &contract.ReviewResult{
		Status:        contract.ReviewNeedsRevision,
		BlockingCount: 1,
		Findings: []contract.Finding{
			{ID: "FIND-001", Severity: contract.SeverityBlocking, Message: "missing limits"},
			{ID: "FIND-002", Severity: contract.SeverityWarning, Message: "style"},
		},
	}
	d := c.Next(review, 1)
	if d.Action != ActionRetry || d.Attempt != 2 {
		t.Fatalf("got %+v, want retry at attempt 2", d)
	}
	if len(d.Feedback) != 1 || d.Feedback[0].ID != "FIND-001" {
		t.Errorf("feedback should carry only blocking findings, got %+v", d.Feedback)
	}
}

func TestControllerNeverExceedsMax(t *testing.T) {
	c := NewController(3)
	attempt := 1
	review := &contract.ReviewResult{Status: contract.ReviewNeedsRevision, BlockingCount: 1}
	for i := 0; i < 10; i++ {
		d := c.Next(review, attempt)
		if d.Attempt > c.Max() {
			t.Fatalf("attempt %d exceeds max %d", d.Attempt, c.Max())
		}
		if d.Action == ActionHalt {
			if attempt != 3 {
				t.Errorf("halted at attempt %d, want 3", attempt)
			}
			return
		}
		attempt = d.Attempt
	}
	t.Fatal("controller never halted")
}

func TestControllerProceedAndHalt(t *testing.T) {
	c := NewController(3)
	if d := c.Next(&contract.ReviewResult{Status: contract.ReviewPassed}, 2); d.Action != ActionProceed || d.Attempt != 2 {
		t.Errorf("passed review: got %+v", d)
	}
	d := c.Next(&contract.ReviewResult{Status: contract.ReviewFailed, BlockingCount: 2}, 3)
	if d.Action != ActionHalt {
		t.Fatalf("failed review: got %+v", d)
	}
	if d.Reason == "" {
		t.Error("halt should carry a reason")
	}
}

func TestNewControllerClampsMax(t *testing.T) {
	if NewController(0).Max() != 1 {
		t.Error("max below 1 should clamp to 1")
	}
}
