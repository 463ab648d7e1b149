// Package access decides which question pool a caller may draw from.
package access

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
	"github.com/mind-engage/mindengage-testengine/internal/rbac"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
)

// Principal is the authenticated caller.
type Principal struct {
	ParticipantID string
	Role          string
}

// Resolution is the outcome of a successful access check.
type Resolution struct {
	TestType     exam.TestType `json:"test_type"`
	PoolID       exam.PoolID   `json:"pool_id,omitempty"`
	AllQuestions bool          `json:"all_questions"`
	GrantRef     string        `json:"grant_ref,omitempty"`
}

// Scope is the question query this resolution allows.
func (r Resolution) Scope() exam.QuestionScope {
	if r.AllQuestions {
		return exam.QuestionScope{TestType: r.TestType}
	}
	return exam.QuestionScope{PoolID: r.PoolID, TestType: r.TestType}
}

type Resolver struct {
	pools            exam.PoolService
	checker          *rbac.Checker
	approvalRequired map[exam.TestType]bool
	log              *zap.Logger

	// local and probe are set by WithCache.
	local storage.KV
	probe connectivity.Probe
}

func NewResolver(pools exam.PoolService, checker *rbac.Checker, approvalRequired map[exam.TestType]bool, log *zap.Logger) *Resolver {
	if checker == nil {
		checker = rbac.Default()
	}
	return &Resolver{pools: pools, checker: checker, approvalRequired: approvalRequired, log: logger.OrNop(log)}
}

// WithCache keeps each successful online resolution in local and reuses it
// while probe reports offline or the pool service cannot be reached.
func (r *Resolver) WithCache(local storage.KV, probe connectivity.Probe) *Resolver {
	r.local, r.probe = local, probe
	return r
}

// Resolve runs the role, pool and grant checks in that order. It never
// mutates a grant. Without a reachable pool service it falls back to the
// cached resolution, or fails with NO_QUESTIONS_AVAILABLE.
func (r *Resolver) Resolve(ctx context.Context, p Principal, testType exam.TestType) (Resolution, error) {
	if r.checker.CanBypassAccess(p.Role) {
		return Resolution{TestType: testType, AllQuestions: true}, nil
	}
	if r.probe != nil && !r.probe.IsOnline(ctx) {
		return r.cached(ctx, p, testType, errors.New("remote store unreachable"))
	}

	res, err := r.resolveRemote(ctx, p, testType)
	switch code := apperr.CodeOf(err); {
	case err == nil:
		r.remember(ctx, p, res)
		return res, nil
	case code == apperr.CodeUnknown:
		r.log.Warn("access check unavailable, trying cached resolution",
			zap.String("participant", p.ParticipantID), zap.Error(err))
		return r.cached(ctx, p, testType, err)
	case code == apperr.CodeAccessDenied || code == apperr.CodeNoPoolAssigned:
		r.forget(ctx, p, testType)
	}
	return Resolution{}, err
}

func (r *Resolver) resolveRemote(ctx context.Context, p Principal, testType exam.TestType) (Resolution, error) {
	pool, ok, err := r.pools.AssignedPool(ctx, testType)
	if err != nil {
		return Resolution{}, fmt.Errorf("assigned pool: %w", err)
	}
	if !ok {
		return Resolution{}, apperr.New(apperr.CodeNoPoolAssigned, fmt.Sprintf("no question pool assigned to %s", testType))
	}
	res := Resolution{TestType: testType, PoolID: pool}
	if !r.approvalRequired[testType] {
		return res, nil
	}

	chk, err := r.pools.HasAccess(ctx, p.ParticipantID, testType, pool)
	if err != nil {
		return Resolution{}, fmt.Errorf("has access: %w", err)
	}
	if !chk.Granted {
		reason := chk.Reason
		if reason == "" {
			reason = apperr.ReasonNotRequested
		}
		return Resolution{}, apperr.WithMetadata(apperr.CodeAccessDenied,
			fmt.Sprintf("access to %s denied: %s", testType, reason),
			map[string]string{"reason": reason})
	}
	res.GrantRef = chk.GrantRef
	return res, nil
}

func (r *Resolver) cached(ctx context.Context, p Principal, testType exam.TestType, cause error) (Resolution, error) {
	unavailable := apperr.Wrap(apperr.CodeNoQuestionsAvailable,
		fmt.Sprintf("access to %s cannot be checked and no earlier check is stored", testType), cause)
	if r.local == nil {
		return Resolution{}, unavailable
	}
	var res Resolution
	err := storage.GetJSON(ctx, r.local, storage.AccessKey(p.ParticipantID, testType), &res)
	if errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, unavailable
	}
	if err != nil {
		return Resolution{}, apperr.Wrap(apperr.CodeNoQuestionsAvailable, "read cached access", err)
	}
	return res, nil
}

func (r *Resolver) remember(ctx context.Context, p Principal, res Resolution) {
	if r.local == nil {
		return
	}
	if err := storage.SetJSON(ctx, r.local, storage.AccessKey(p.ParticipantID, res.TestType), res); err != nil {
		r.log.Warn("cache access resolution", zap.String("participant", p.ParticipantID), zap.Error(err))
	}
}

func (r *Resolver) forget(ctx context.Context, p Principal, testType exam.TestType) {
	if r.local == nil {
		return
	}
	if err := r.local.Delete(ctx, storage.AccessKey(p.ParticipantID, testType).String()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("drop cached access resolution", zap.String("participant", p.ParticipantID), zap.Error(err))
	}
}

// RequestAccess asks for a grant on the pool currently assigned to testType.
func (r *Resolver) RequestAccess(ctx context.Context, p Principal, testType exam.TestType, reason string) (exam.AccessRequestResult, error) {
	pool, ok, err := r.pools.AssignedPool(ctx, testType)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeUnknown {
			err = apperr.Wrap(apperr.CodeNoQuestionsAvailable, "access requests need the remote store", err)
		}
		return exam.AccessRequestResult{}, err
	}
	if !ok {
		return exam.AccessRequestResult{}, apperr.New(apperr.CodeNoPoolAssigned, fmt.Sprintf("no question pool assigned to %s", testType))
	}
	return r.pools.RequestAccess(ctx, p.ParticipantID, testType, pool, reason)
}

// ReportUsage records one use of the grant behind res. Best effort: failures
// are logged, not returned.
func (r *Resolver) ReportUsage(ctx context.Context, res Resolution) {
	if res.GrantRef == "" {
		return
	}
	used, err := r.pools.UseAccess(ctx, res.GrantRef)
	if err != nil {
		r.log.Warn("report grant usage", zap.String("grant", res.GrantRef), zap.Error(err))
		return
	}
	if used.Expired {
		r.log.Info("grant expired after use", zap.String("grant", res.GrantRef))
	}
}
