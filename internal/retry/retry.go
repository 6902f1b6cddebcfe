// Package retry decides what happens after a review pass: loop back to
// implementation, proceed to the deploy gate, or halt.
package retry

import (
	"fmt"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// Status is the review decision rule.
//
//	passed          iff blocking == 0 and every validator ran
//	needs_revision  iff blocking > 0 and attempt < max
//	failed          otherwise
func Status(blocking int, allRan bool, attempt, max int) contract.ReviewStatus {
	switch {
	case blocking == 0 && allRan:
		return contract.ReviewPassed
	case blocking > 0 && attempt < max:
		return contract.ReviewNeedsRevision
	default:
		return contract.ReviewFailed
	}
}

// Action is the controller's verdict.
type Action string

const (
	ActionRetry   Action = "retry"
	ActionProceed Action = "proceed"
	ActionHalt    Action = "halt"
)

// Decision carries the verdict and, for a retry, the next attempt number and
// the findings to feed back into implementation.
type Decision struct {
	Action   Action
	Attempt  int
	Feedback []contract.Finding
	Reason   string
}

// Controller bounds the review/implementation loop.
type Controller struct {
	max int
}

// NewController returns a controller allowing at most max implementation
// attempts.
func NewController(max int) *Controller {
	if max < 1 {
		max = 1
	}
	return &Controller{max: max}
}

// Max returns the attempt ceiling.
func (c *Controller) Max() int {
	return c.max
}

// Next decides the transition out of review for a pipeline that has made
// attempt implementation runs. The returned Attempt never exceeds Max.
func (c *Controller) Next(review *contract.ReviewResult, attempt int) Decision {
	switch review.Status {
	case contract.ReviewPassed:
		return Decision{Action: ActionProceed, Attempt: attempt}
	case contract.ReviewNeedsRevision:
		if attempt >= c.max {
			return Decision{
				Action:  ActionHalt,
				Attempt: attempt,
				Reason:  fmt.Sprintf("retry limit reached: %d of %d attempts used", attempt, c.max),
			}
		}
		return Decision{
			Action:   ActionRetry,
			Attempt:  attempt + 1,
			Feedback: review.Blocking(),
			Reason:   fmt.Sprintf("%d blocking finding(s), attempt %d of %d", review.BlockingCount, attempt+1, c.max),
		}
	default:
		reason := fmt.Sprintf("review failed with %d blocking finding(s) after %d attempt(s)", review.BlockingCount, attempt)
		if review.BlockingCount == 0 {
			reason = "review failed: not every validator ran"
		}
		return Decision{Action: ActionHalt, Attempt: attempt, Reason: reason}
	}
}
