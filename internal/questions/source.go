// Package questions loads the question set for an attempt, from the remote
// store when reachable and from the on-device cache otherwise.
package questions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-testengine/internal/access"
	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
	"github.com/mind-engage/mindengage-testengine/internal/metrics"
	"github.com/mind-engage/mindengage-testengine/internal/retry"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
)

const WarningOfflineCache = "working offline, using cached questions"

const DefaultCacheTTL = 24 * time.Hour

type Options struct {
	Retry    retry.Policy
	CacheTTL time.Duration
}

// Result is a loaded question set. Warning is set when the set came from cache.
type Result struct {
	Questions []exam.Question `json:"questions"`
	Source    string          `json:"source"` // remote|cache
	Warning   string          `json:"warning,omitempty"`
}

// Offline reports whether the set was served without reaching the remote store.
func (r Result) Offline() bool { return r.Source == metrics.SourceCache }

type cacheEntry struct {
	Questions []exam.Question `json:"questions"`
	FetchedAt time.Time       `json:"fetched_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type Source struct {
	repo    exam.QuestionRepo
	kv      storage.KV
	probe   connectivity.Probe
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewSource(repo exam.QuestionRepo, kv storage.KV, probe connectivity.Probe, opts Options, log *zap.Logger, m *metrics.Metrics) *Source {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Source{repo: repo, kv: kv, probe: probe, opts: opts, log: logger.OrNop(log), metrics: m, now: time.Now}
}

// WithClock replaces the time source.
func (s *Source) WithClock(now func() time.Time) *Source {
	s.now = now
	return s
}

// Load returns the questions res allows for testType in courseSessionID.
func (s *Source) Load(ctx context.Context, res access.Resolution, testType exam.TestType, courseSessionID string) (Result, error) {
	key := storage.CacheKey(testType, courseSessionID)

	if s.probe.IsOnline(ctx) {
		qs, err := s.fetch(ctx, res, testType)
		if err == nil {
			s.store(ctx, key, qs)
			s.metrics.QuestionLoad(metrics.SourceRemote)
			if len(qs) == 0 {
				return Result{}, apperr.New(apperr.CodeNoQuestionsFound, fmt.Sprintf("no questions found for %s", testType))
			}
			return Result{Questions: qs, Source: metrics.SourceRemote}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		s.log.Warn("remote question fetch failed, falling back to cache",
			zap.String("test_type", string(testType)), zap.Error(err))
	}

	var entry cacheEntry
	err := storage.GetJSON(ctx, s.kv, key, &entry)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.metrics.QuestionLoad(metrics.SourceNone)
		return Result{}, apperr.New(apperr.CodeNoQuestionsAvailable, "questions unavailable offline and no cached copy exists")
	case err != nil:
		s.metrics.QuestionLoad(metrics.SourceNone)
		return Result{}, apperr.Wrap(apperr.CodeNoQuestionsAvailable, "read question cache", err)
	case !s.now().Before(entry.ExpiresAt):
		s.metrics.QuestionLoad(metrics.SourceNone)
		return Result{}, apperr.New(apperr.CodeNoQuestionsAvailable, "cached questions expired")
	}
	s.metrics.QuestionLoad(metrics.SourceCache)
	if len(entry.Questions) == 0 {
		return Result{}, apperr.New(apperr.CodeNoQuestionsFound, fmt.Sprintf("no questions found for %s", testType))
	}
	return Result{Questions: entry.Questions, Source: metrics.SourceCache, Warning: WarningOfflineCache}, nil
}

func (s *Source) fetch(ctx context.Context, res access.Resolution, testType exam.TestType) ([]exam.Question, error) {
	scope := res.Scope()
	scope.TestType = testType
	return retry.Do(ctx, s.opts.Retry, func(ctx context.Context) ([]exam.Question, error) {
		return s.repo.ListQuestions(ctx, scope)
	}, func(attempt int, err error) {
		s.log.Debug("list questions attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	})
}

func (s *Source) store(ctx context.Context, key storage.Key, qs []exam.Question) {
	now := s.now()
	entry := cacheEntry{Questions: qs, FetchedAt: now, ExpiresAt: now.Add(s.opts.CacheTTL)}
	if err := storage.SetJSON(ctx, s.kv, key, entry); err != nil {
		s.log.Warn("write question cache", zap.String("key", key.String()), zap.Error(err))
	}
}
