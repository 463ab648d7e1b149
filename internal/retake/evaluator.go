// Package retake decides whether a participant may start another attempt.
package retake

import (
	"context"
	"fmt"
	"time"

	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

// History lists prior submissions, oldest first.
type History interface {
	ListByParticipantAndType(ctx context.Context, participantID string, testType exam.TestType, courseSessionID string) ([]exam.Submission, error)
}

const (
	ReasonSingleAttempt    = "only one attempt is allowed for this test"
	ReasonAwaitingApproval = "a retake must be approved by an administrator"
)

type Evaluator struct {
	history History
	now     func() time.Time
}

func NewEvaluator(history History) *Evaluator {
	return &Evaluator{history: history, now: time.Now}
}

// WithClock replaces the time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate applies policy to the participant's history. The first matching
// rule decides. It reads history once and has no side effects.
func (e *Evaluator) Evaluate(ctx context.Context, participantID string, testType exam.TestType, policy exam.RetakePolicy, courseSessionID string) (exam.RetakeDecision, error) {
	if !policy.OneTimeSubmission {
		return exam.RetakeDecision{CanRetake: true}, nil
	}
	subs, err := e.history.ListByParticipantAndType(ctx, participantID, testType, courseSessionID)
	if err != nil {
		return exam.RetakeDecision{}, fmt.Errorf("retake history: %w", err)
	}
	if len(subs) == 0 {
		return exam.RetakeDecision{CanRetake: true}, nil
	}
	latest := subs[0]
	for _, s := range subs[1:] {
		if s.SubmittedAt.After(latest.SubmittedAt) {
			latest = s
		}
	}

	if policy.SingleAttempt {
		return exam.RetakeDecision{Reason: ReasonSingleAttempt}, nil
	}
	if policy.AdminControlledRetake && !latest.RetakeAllowed {
		return exam.RetakeDecision{Reason: ReasonAwaitingApproval}, nil
	}
	if retakes := len(subs) - 1; policy.MaxRetakeAttempts > 0 && retakes >= policy.MaxRetakeAttempts {
		return exam.RetakeDecision{Reason: fmt.Sprintf("maximum of %d retake(s) reached", policy.MaxRetakeAttempts)}, nil
	}
	if policy.RetakeCooldownHours > 0 {
		after := latest.SubmittedAt.Add(time.Duration(policy.RetakeCooldownHours) * time.Hour)
		if e.now().Before(after) {
			return exam.RetakeDecision{
				Reason:         fmt.Sprintf("retake available after %s", after.UTC().Format(time.RFC3339)),
				AvailableAfter: &after,
			}, nil
		}
	}
	return exam.RetakeDecision{CanRetake: true}, nil
}

// Err converts a negative decision into RETAKE_NOT_ALLOWED. It returns nil
// for an eligible decision.
func Err(d exam.RetakeDecision) error {
	if d.CanRetake {
		return nil
	}
	md := map[string]string{"reason": d.Reason}
	if d.AvailableAfter != nil {
		md["available_after"] = d.AvailableAfter.UTC().Format(time.RFC3339)
	}
	return apperr.WithMetadata(apperr.CodeRetakeNotAllowed, d.Reason, md)
}
