package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/retry"
)

var errFlaky = errors.New("flaky")

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := retry.Do(context.Background(), retry.Policy{Attempts: 3}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errFlaky
		}
		return 42, nil
	}, nil)
	if err != nil || v != 42 || calls != 3 {
		t.Fatalf("v=%d err=%v calls=%d", v, err, calls)
	}
}

func TestDoStopsAtAttemptCeiling(t *testing.T) {
	calls := 0
	var seen []int
	_, err := retry.Do(context.Background(), retry.Policy{Attempts: 3}, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errFlaky
	}, func(attempt int, _ error) { seen = append(seen, attempt) })
	if !errors.Is(err, errFlaky) {
		t.Fatalf("want last error, got %v", err)
	}
	if calls != 3 || len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("calls=%d notified=%v", calls, seen)
	}
}

func TestDoDoesNotRetryBackendUnavailable(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), retry.Policy{Attempts: 3}, func(context.Context) (int, error) {
		calls++
		return 0, apperr.Wrap(apperr.CodeBackendUnavailable, "list", errors.New("no such table"))
	}, nil)
	if !errors.Is(err, apperr.ErrBackendUnavailable) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoAppliesAttemptTimeout(t *testing.T) {
	_, err := retry.Do(context.Background(), retry.Policy{Attempts: 2, AttemptTimeout: 10 * time.Millisecond},
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}
