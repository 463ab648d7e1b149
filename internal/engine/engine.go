// Package engine runs test-taking attempts end to end: access resolution,
// question loading, the per-attempt state machine with its timer, the retake
// gate, submission and offline reconciliation.
package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-testengine/internal/access"
	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/grading"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
	"github.com/mind-engage/mindengage-testengine/internal/metrics"
	"github.com/mind-engage/mindengage-testengine/internal/questions"
	"github.com/mind-engage/mindengage-testengine/internal/rbac"
	"github.com/mind-engage/mindengage-testengine/internal/retake"
	"github.com/mind-engage/mindengage-testengine/internal/retry"
	"github.com/mind-engage/mindengage-testengine/internal/session"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
	"github.com/mind-engage/mindengage-testengine/internal/submission"
	"github.com/mind-engage/mindengage-testengine/internal/syncx"
	"github.com/mind-engage/mindengage-testengine/internal/telemetry"
)

// Config is the immutable engine configuration.
type Config struct {
	ShuffleQuestions bool
	ShuffleOptions   bool
	TimeLimit        time.Duration
	AutoSaveInterval time.Duration
	MaxSubmitRetries int
	FetchAttempts    int
	WriteAttempts    int
	AttemptTimeout   time.Duration
	CacheTTL         time.Duration
	// FinishedRetention keeps ended attempts readable, default 5m. Their
	// outcomes answer submit replays for an hour after that.
	FinishedRetention time.Duration
	ApprovalRequired  map[exam.TestType]bool
	RetakePolicies    map[exam.TestType]exam.RetakePolicy
	// Offline auto-saves every attempt, not only those served from cache.
	Offline bool
}

// Deps are the collaborators an Engine is built from. Events, Metrics and
// Log are optional.
type Deps struct {
	Pools       exam.PoolService
	Questions   exam.QuestionRepo
	Submissions exam.SubmissionRepo
	Local       storage.KV
	Probe       connectivity.Probe
	Checker     *rbac.Checker
	Events      submission.Events
	Sync        syncx.Options
	Log         *zap.Logger
	Metrics     *metrics.Metrics

	// RetryBackoff is the first pause between remote retries.
	RetryBackoff time.Duration
	// TickInterval is the length of one timer second, default 1s.
	TickInterval time.Duration
	// NewRand seeds the shuffle of each attempt; nil uses the global source.
	NewRand func() *rand.Rand
	Now     func() time.Time
}

// StartResult describes a started or resumed attempt.
type StartResult struct {
	SessionID string       `json:"session_id"`
	Source    string       `json:"source"`
	Warning   string       `json:"warning,omitempty"`
	Restored  bool         `json:"restored"`
	Resumed   bool         `json:"resumed"`
	View      session.View `json:"view"`
}

type attempt struct {
	m       *session.Machine
	res     access.Resolution
	owner   string
	cancel  context.CancelFunc
	done    chan struct{}
	outcome *submission.Outcome
	ended   time.Time
}

// finished is what remains of an evicted attempt.
type finished struct {
	owner   string
	outcome submission.Outcome
	ended   time.Time
}

const outcomeRetention = time.Hour

type Engine struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	resolver   *access.Resolver
	source     *questions.Source
	evaluator  *retake.Evaluator
	pipeline   *submission.Pipeline
	reconciler *syncx.Reconciler

	mu       sync.Mutex
	sessions map[string]*attempt
	outcomes map[string]finished
	newID    func() string
}

func New(cfg Config, d Deps) *Engine {
	d.Log = logger.OrNop(d.Log)
	if d.Checker == nil {
		d.Checker = rbac.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	fetch := retry.Policy{Attempts: cfg.FetchAttempts, AttemptTimeout: cfg.AttemptTimeout, InitialInterval: d.RetryBackoff}
	write := retry.Policy{Attempts: cfg.WriteAttempts, AttemptTimeout: cfg.AttemptTimeout, InitialInterval: d.RetryBackoff}
	if d.Sync.Retry == (retry.Policy{}) {
		d.Sync.Retry = write
	}
	if cfg.FinishedRetention <= 0 {
		cfg.FinishedRetention = 5 * time.Minute
	}

	resolver := access.NewResolver(d.Pools, d.Checker, cfg.ApprovalRequired, d.Log.Named("access")).
		WithCache(d.Local, d.Probe)
	if d.Sync.Usage == nil {
		d.Sync.Usage = resolver
	}
	pipeline := submission.NewPipeline(submission.Deps{
		Remote:  d.Submissions,
		Local:   d.Local,
		Probe:   d.Probe,
		Grader:  grading.NewGrader(),
		Usage:   resolver,
		Events:  d.Events,
		Retry:   write,
		Log:     d.Log.Named("submission"),
		Metrics: d.Metrics,
	}).WithClock(d.Now)

	return &Engine{
		cfg:      cfg,
		deps:     d,
		log:      d.Log,
		resolver: resolver,
		source: questions.NewSource(d.Questions, d.Local, d.Probe,
			questions.Options{Retry: fetch, CacheTTL: cfg.CacheTTL}, d.Log.Named("questions"), d.Metrics).WithClock(d.Now),
		evaluator: retake.NewEvaluator(pipeline.History()).WithClock(d.Now),
		pipeline:  pipeline,
		reconciler: syncx.NewReconciler(pipeline.Queue(), d.Submissions, d.Probe, d.Events, d.Sync,
			d.Log.Named("sync"), d.Metrics),
		sessions: map[string]*attempt{},
		outcomes: map[string]finished{},
		newID:    uuid.NewString,
	}
}

// Reconciler is the engine's offline sync reconciler.
func (e *Engine) Reconciler() *syncx.Reconciler { return e.reconciler }

// Start begins an attempt for p, or returns the live one already running for
// the same test type and course session. Saved offline progress is restored
// when it matches the loaded question set.
func (e *Engine) Start(ctx context.Context, p access.Principal, testType exam.TestType, courseSessionID string) (StartResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.Start")
	defer span.End()
	span.SetAttributes(attribute.String("test.type", string(testType)))

	if testType == "" {
		return StartResult{}, apperr.New(apperr.CodeInvalidArgument, "test type is required")
	}
	e.evict()
	if id, a := e.live(p.ParticipantID, testType, courseSessionID); a != nil {
		return StartResult{SessionID: id, Resumed: true, View: a.m.View()}, nil
	}

	res, err := e.resolver.Resolve(ctx, p, testType)
	if err != nil {
		return StartResult{}, err
	}
	decision, err := e.CheckRetake(ctx, p, testType, courseSessionID)
	if err != nil {
		return StartResult{}, err
	}
	if err := retake.Err(decision); err != nil {
		return StartResult{}, err
	}

	saved := e.savedProgress(ctx, p.ParticipantID, testType, courseSessionID)
	if saved != nil && e.submitted(ctx, saved) {
		e.log.Warn("discarding progress of an attempt already submitted", zap.String("session", saved.SessionID))
		if err := e.deps.Local.Delete(ctx, saved.Key().String()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.log.Warn("delete stale progress record", zap.Error(err))
		}
		saved = nil
	}
	id := e.newID()
	if saved != nil && saved.SessionID != "" {
		id = saved.SessionID
	}
	opts := session.Options{
		ShuffleQuestions: e.cfg.ShuffleQuestions,
		ShuffleOptions:   e.cfg.ShuffleOptions,
		TimeLimit:        e.cfg.TimeLimit,
		MaxSubmitRetries: e.cfg.MaxSubmitRetries,
		Offline:          e.cfg.Offline,
		Now:              e.deps.Now,
	}
	if e.deps.NewRand != nil {
		opts.Rand = e.deps.NewRand()
	}
	m := session.New(session.Identity{
		SessionID:       id,
		ParticipantID:   p.ParticipantID,
		TestType:        testType,
		CourseSessionID: courseSessionID,
	}, opts)
	log := e.log.With(zap.String("session", id), zap.String("participant", p.ParticipantID))

	loaded, err := e.source.Load(ctx, res, testType, courseSessionID)
	if err != nil {
		m.Fail(err)
		return StartResult{}, err
	}
	if loaded.Offline() {
		m.MarkOffline()
	}
	restored, err := m.Ready(loaded.Questions, saved)
	if err != nil {
		return StartResult{}, err
	}
	if saved != nil && !restored {
		log.Info("saved progress does not match the question set, starting fresh")
	}

	a := &attempt{m: m, res: res, owner: p.ParticipantID, done: make(chan struct{})}
	e.mu.Lock()
	e.sessions[id] = a
	e.mu.Unlock()

	if m.Offline() {
		if _, err := m.SaveIfReady(func(p session.Progress) error { return e.saveProgress(ctx, p) }); err != nil {
			log.Warn("initial progress save failed", zap.Error(err))
		}
	}
	e.run(a)
	log.Info("session started", zap.String("test_type", string(testType)), zap.String("source", loaded.Source),
		zap.Bool("restored", restored))
	return StartResult{
		SessionID: id,
		Source:    loaded.Source,
		Warning:   loaded.Warning,
		Restored:  restored,
		View:      m.View(),
	}, nil
}

// run starts the attempt's timer and auto-save goroutine. It outlives the
// request that started the attempt.
func (e *Engine) run(a *attempt) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		defer close(a.done)
		session.Run(ctx, a.m, session.RunnerOptions{
			TickInterval:     e.deps.TickInterval,
			AutoSaveInterval: e.cfg.AutoSaveInterval,
			Save:             e.saveProgress,
			OnExpire: func(ctx context.Context) {
				e.deps.Metrics.TimerExpired()
				if _, err := e.submit(ctx, a, true); err != nil {
					e.log.Warn("forced submission failed", zap.String("session", a.m.ID().SessionID), zap.Error(err))
				}
			},
			Log: e.log,
		})
	}()
}

func (e *Engine) live(participantID string, testType exam.TestType, courseSessionID string) (string, *attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, a := range e.sessions {
		ident := a.m.ID()
		if ident.ParticipantID == participantID && ident.TestType == testType &&
			ident.CourseSessionID == courseSessionID && !a.m.State().Terminal() {
			return id, a
		}
	}
	return "", nil
}

func (e *Engine) savedProgress(ctx context.Context, participantID string, testType exam.TestType, courseSessionID string) *session.Progress {
	var p session.Progress
	err := storage.GetJSON(ctx, e.deps.Local, storage.ProgressKey(participantID, testType, courseSessionID), &p)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		e.log.Warn("unreadable progress record ignored", zap.String("participant", participantID), zap.Error(err))
		return nil
	}
	return &p
}

// submitted reports whether the attempt behind p already has a submission,
// remote or queued.
func (e *Engine) submitted(ctx context.Context, p *session.Progress) bool {
	if p.SessionID == "" {
		return false
	}
	hist, err := e.pipeline.History().ListByParticipantAndType(ctx, p.ParticipantID, p.TestType, p.CourseSessionID)
	if err != nil {
		e.log.Warn("submission history unavailable, keeping saved progress", zap.Error(err))
		return false
	}
	for _, s := range hist {
		if s.ID == p.SessionID {
			return true
		}
	}
	return false
}

func (e *Engine) saveProgress(ctx context.Context, p session.Progress) error {
	p.LastSaved = e.deps.Now()
	return storage.SetJSON(ctx, e.deps.Local, p.Key(), p)
}

// Session returns the machine of an attempt owned by p. Roles holding
// submission:all may open any attempt.
func (e *Engine) Session(p access.Principal, sessionID string) (*session.Machine, error) {
	a, err := e.attempt(p, sessionID)
	if err != nil {
		return nil, err
	}
	return a.m, nil
}

func (e *Engine) attempt(p access.Principal, sessionID string) (*attempt, error) {
	e.mu.Lock()
	a, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, apperr.ErrSessionNotFound
	}
	if a.owner != p.ParticipantID && !e.deps.Checker.Has(p.Role, rbac.PermSubmissionAll) {
		return nil, apperr.ErrSessionNotFound
	}
	return a, nil
}

// Submit finalizes the attempt. Once the timer has run out the submission is
// forced, answered or not.
func (e *Engine) Submit(ctx context.Context, p access.Principal, sessionID string) (submission.Outcome, error) {
	e.evict()
	a, err := e.attempt(p, sessionID)
	if errors.Is(err, apperr.ErrSessionNotFound) {
		if out, ok := e.finishedOutcome(p, sessionID); ok {
			return out, apperr.ErrSubmissionAlreadyFinalized
		}
	}
	if err != nil {
		return submission.Outcome{}, err
	}
	return e.submit(ctx, a, a.m.Remaining() == 0)
}

func (e *Engine) submit(ctx context.Context, a *attempt, forced bool) (submission.Outcome, error) {
	snap, err := a.m.BeginSubmit(forced)
	if errors.Is(err, apperr.ErrSubmissionAlreadyFinalized) {
		e.mu.Lock()
		prev := a.outcome
		e.mu.Unlock()
		if prev != nil {
			return *prev, err
		}
	}
	if err != nil {
		return submission.Outcome{}, err
	}
	out, err := e.pipeline.Submit(ctx, submission.Request{Snapshot: snap, Resolution: a.res})
	if err != nil {
		if ferr := a.m.SubmitFailed(err); ferr != nil {
			e.mu.Lock()
			a.ended = e.deps.Now()
			e.mu.Unlock()
			return submission.Outcome{}, ferr
		}
		return submission.Outcome{}, err
	}
	a.m.Complete()
	e.mu.Lock()
	a.outcome = &out
	a.ended = e.deps.Now()
	e.mu.Unlock()
	a.cancel()
	return out, nil
}

// evict drops attempts that ended more than FinishedRetention ago and keeps
// their outcomes for submit replays.
func (e *Engine) evict() {
	now := e.deps.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, a := range e.sessions {
		if a.ended.IsZero() || now.Sub(a.ended) < e.cfg.FinishedRetention {
			continue
		}
		delete(e.sessions, id)
		if a.outcome != nil {
			e.outcomes[id] = finished{owner: a.owner, outcome: *a.outcome, ended: a.ended}
		}
	}
	for id, f := range e.outcomes {
		if now.Sub(f.ended) >= e.cfg.FinishedRetention+outcomeRetention {
			delete(e.outcomes, id)
		}
	}
	e.deps.Metrics.AttemptsHeld(len(e.sessions))
}

func (e *Engine) finishedOutcome(p access.Principal, sessionID string) (submission.Outcome, bool) {
	e.mu.Lock()
	f, ok := e.outcomes[sessionID]
	e.mu.Unlock()
	if !ok || (f.owner != p.ParticipantID && !e.deps.Checker.Has(p.Role, rbac.PermSubmissionAll)) {
		return submission.Outcome{}, false
	}
	return f.outcome, true
}

// Attempts is the number of attempts held in memory, running or recently ended.
func (e *Engine) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Retry returns an attempt whose submission failed to the ready state.
func (e *Engine) Retry(p access.Principal, sessionID string) error {
	a, err := e.attempt(p, sessionID)
	if err != nil {
		return err
	}
	return a.m.Retry()
}

// Abandon ends an attempt without a submission and deletes its saved progress.
func (e *Engine) Abandon(ctx context.Context, p access.Principal, sessionID string) error {
	a, err := e.attempt(p, sessionID)
	if err != nil {
		return err
	}
	if err := a.m.Abandon(); err != nil {
		return err
	}
	a.cancel()
	<-a.done
	id := a.m.ID()
	if err := e.deps.Local.Delete(ctx, storage.ProgressKey(id.ParticipantID, id.TestType, id.CourseSessionID).String()); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	e.log.Info("session abandoned", zap.String("session", sessionID))
	return nil
}

// View renders the attempt for presentation.
func (e *Engine) View(p access.Principal, sessionID string) (session.View, error) {
	m, err := e.Session(p, sessionID)
	if err != nil {
		return session.View{}, err
	}
	return m.View(), nil
}

// CheckRetake evaluates the configured retake policy for p.
func (e *Engine) CheckRetake(ctx context.Context, p access.Principal, testType exam.TestType, courseSessionID string) (exam.RetakeDecision, error) {
	policy := e.cfg.RetakePolicies[testType]
	return e.evaluator.Evaluate(ctx, p.ParticipantID, testType, policy, courseSessionID)
}

// RequestAccess files an access request for p's assigned pool.
func (e *Engine) RequestAccess(ctx context.Context, p access.Principal, testType exam.TestType, reason string) (exam.AccessRequestResult, error) {
	return e.resolver.RequestAccess(ctx, p, testType, reason)
}

// Reconcile runs one offline sync pass.
func (e *Engine) Reconcile(ctx context.Context) (syncx.Result, error) {
	return e.reconciler.Reconcile(ctx)
}

// Close stops every running attempt timer. Offline attempts keep their
// saved progress and resume on the next Start.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	running := make([]*attempt, 0, len(e.sessions))
	for _, a := range e.sessions {
		running = append(running, a)
	}
	e.mu.Unlock()
	for _, a := range running {
		if a.m.Offline() {
			if _, err := a.m.SaveIfReady(func(p session.Progress) error { return e.saveProgress(ctx, p) }); err != nil {
				e.log.Warn("final progress save failed", zap.String("session", a.m.ID().SessionID), zap.Error(err))
			}
		}
		a.cancel()
		<-a.done
	}
}
