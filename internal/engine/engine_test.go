package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-testengine/internal/access"
	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/engine"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/session"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
)

var learner = access.Principal{ParticipantID: "p1", Role: "participant"}

type harness struct {
	store *exam.MemoryStore
	pools exam.PoolService
	kv    storage.KV
	probe *connectivity.Static
	cfg   engine.Config
	now   func() time.Time
}

func newHarness(n int) *harness {
	store := exam.NewInMemoryStore()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("q%02d", i)
		store.PutQuestions(exam.Question{
			ID:       ids[i],
			TestType: exam.PreTest,
			Prompt:   exam.LocalizedText{Primary: "Question " + ids[i]},
			Options: []exam.Option{
				{Label: "A"}, {Label: "B"}, {Label: "C"}, {Label: "D"},
			},
			CorrectLabel: "B",
			Points:       1,
		})
	}
	store.AssignPool(exam.PreTest, "pre-pool", ids...)
	store.AssignPool(exam.PostTest, "post-pool", ids...)
	return &harness{
		store: store,
		kv:    storage.NewMemoryStore(),
		probe: connectivity.NewStatic(true),
		cfg: engine.Config{
			ShuffleQuestions: true,
			ShuffleOptions:   true,
			TimeLimit:        time.Hour,
			AutoSaveInterval: time.Hour,
			MaxSubmitRetries: 3,
			ApprovalRequired: map[exam.TestType]bool{exam.PostTest: true},
			RetakePolicies: map[exam.TestType]exam.RetakePolicy{
				exam.PreTest: {OneTimeSubmission: true, SingleAttempt: true},
			},
		},
	}
}

func (h *harness) engine(t *testing.T) *engine.Engine {
	t.Helper()
	seed := uint64(0)
	var pools exam.PoolService = h.store
	if h.pools != nil {
		pools = h.pools
	}
	e := engine.New(h.cfg, engine.Deps{
		Pools:        pools,
		Now:          h.now,
		Questions:    h.store,
		Submissions:  h.store,
		Local:        h.kv,
		Probe:        h.probe,
		TickInterval: time.Millisecond,
		NewRand: func() *rand.Rand {
			seed++
			return session.NewRand(seed)
		},
	})
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func answerAll(t *testing.T, m *session.Machine, label string) {
	t.Helper()
	total := m.View().Total
	for i := 0; i < total; i++ {
		if err := m.GoTo(i); err != nil {
			t.Fatalf("goto %d: %v", i, err)
		}
		if err := m.Answer(label); err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
	}
}

func TestStartAnswerSubmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(4)
	e := h.engine(t)

	started, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Source != "remote" || started.View.State != session.StateReady || started.View.Total != 4 {
		t.Fatalf("start = %+v", started)
	}
	m, err := e.Session(learner, started.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	answerAll(t, m, "B")

	out, err := e.Submit(ctx, learner, started.SessionID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Pending || out.Submission.Score != 100 || out.Submission.ID != started.SessionID {
		t.Fatalf("outcome = %+v", out)
	}
	if m.State() != session.StateCompleted || h.store.Count() != 1 {
		t.Fatalf("state=%s count=%d", m.State(), h.store.Count())
	}
	if _, err := e.Submit(ctx, learner, started.SessionID); !errors.Is(err, apperr.ErrSubmissionAlreadyFinalized) {
		t.Fatalf("second submit: %v", err)
	}
	if h.store.Count() != 1 {
		t.Fatalf("double submit wrote %d records", h.store.Count())
	}

	// Single attempt policy blocks a second start.
	if _, err := e.Start(ctx, learner, exam.PreTest, "cs1"); !errors.Is(err, apperr.ErrRetakeNotAllowed) {
		t.Fatalf("retake start: %v", err)
	}
}

func TestSubmitRequiresEveryAnswer(t *testing.T) {
	ctx := context.Background()
	e := newHarness(3).engine(t)
	started, err := e.Start(ctx, learner, exam.PreTest, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Submit(ctx, learner, started.SessionID); !errors.Is(err, apperr.ErrSessionIncomplete) {
		t.Fatalf("want SESSION_INCOMPLETE, got %v", err)
	}
}

func TestStartReturnsLiveAttempt(t *testing.T) {
	ctx := context.Background()
	e := newHarness(2).engine(t)
	first, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Resumed || again.SessionID != first.SessionID {
		t.Fatalf("again = %+v", again)
	}
	other := access.Principal{ParticipantID: "p2", Role: "participant"}
	if _, err := e.Session(other, first.SessionID); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("foreign session lookup: %v", err)
	}
}

func TestStartEnforcesGrants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(2)
	e := h.engine(t)

	_, err := e.Start(ctx, learner, exam.PostTest, "cs1")
	if !errors.Is(err, apperr.ErrAccessDenied) || apperr.MetadataOf(err)["reason"] != apperr.ReasonNotRequested {
		t.Fatalf("want ACCESS_DENIED not_requested, got %v", err)
	}
	if res, err := e.RequestAccess(ctx, learner, exam.PostTest, "missed class"); err != nil || !res.Success {
		t.Fatalf("request = %+v, %v", res, err)
	}
	if _, err := e.Start(ctx, learner, exam.PostTest, "cs1"); apperr.MetadataOf(err)["reason"] != apperr.ReasonPending {
		t.Fatalf("want pending, got %v", err)
	}

	ref := h.store.Grant("p1", exam.PostTest, "post-pool", time.Now().Add(time.Hour))
	started, err := e.Start(ctx, learner, exam.PostTest, "cs1")
	if err != nil {
		t.Fatalf("granted start: %v", err)
	}
	m, _ := e.Session(learner, started.SessionID)
	answerAll(t, m, "A")
	if _, err := e.Submit(ctx, learner, started.SessionID); err != nil {
		t.Fatal(err)
	}
	if h.store.GrantUses(ref) != 1 {
		t.Fatalf("grant uses = %d", h.store.GrantUses(ref))
	}

	// Instructors bypass pools and grants.
	staff := access.Principal{ParticipantID: "t1", Role: "instructor"}
	if _, err := e.Start(ctx, staff, exam.PreTest, "cs2"); err != nil {
		t.Fatalf("instructor start: %v", err)
	}
}

func TestOfflineCacheAutoSaveAndAbandon(t *testing.T) {
	ctx := context.Background()
	h := newHarness(3)
	e := h.engine(t)

	// Prime the cache, then leave.
	first, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Abandon(ctx, learner, first.SessionID); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	h.probe.Set(false)
	started, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatalf("offline start: %v", err)
	}
	if started.Source != "cache" || started.Warning == "" {
		t.Fatalf("offline start = %+v", started)
	}
	key := storage.ProgressKey("p1", exam.PreTest, "cs1")
	var saved session.Progress
	if err := storage.GetJSON(ctx, h.kv, key, &saved); err != nil {
		t.Fatalf("offline attempt should persist progress: %v", err)
	}
	if saved.SessionID != started.SessionID || len(saved.QuestionOrder) != 3 {
		t.Fatalf("saved = %+v", saved)
	}

	if err := e.Abandon(ctx, learner, started.SessionID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := h.kv.Get(ctx, key.String()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("abandon must delete progress, got %v", err)
	}
	if _, err := e.View(learner, started.SessionID); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("abandoned session still visible: %v", err)
	}
}

func TestOfflineAttemptResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(4)
	h.cfg.Offline = true
	e := h.engine(t)

	started, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	m, _ := e.Session(learner, started.SessionID)
	if err := m.Answer("C"); err != nil {
		t.Fatal(err)
	}
	if err := m.Next(); err != nil {
		t.Fatal(err)
	}
	order := m.Progress().QuestionOrder
	e.Close(ctx)

	restarted := h.engine(t)
	resumed, err := restarted.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Restored || resumed.SessionID != started.SessionID || resumed.View.Index != 1 {
		t.Fatalf("resumed = %+v", resumed)
	}
	m2, _ := restarted.Session(learner, resumed.SessionID)
	p := m2.Progress()
	if fmt.Sprint(p.QuestionOrder) != fmt.Sprint(order) || p.Answers[order[0]] != "C" {
		t.Fatalf("progress = %+v, want order %v", p, order)
	}
}

func TestTimerExpiryForcesSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(20)
	h.cfg.TimeLimit = 200 * time.Second
	h.cfg.ShuffleQuestions = false
	e := h.engine(t)

	started, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	m, _ := e.Session(learner, started.SessionID)
	for i := 0; i < 18; i++ {
		if err := m.GoTo(i); err != nil {
			t.Fatal(err)
		}
		if err := m.Answer("B"); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(5 * time.Second)
	for m.State() != session.StateCompleted {
		select {
		case <-deadline:
			t.Fatalf("timer never forced a submission, state=%s", m.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	subs, err := h.store.ListByParticipantAndType(ctx, "p1", exam.PreTest, "cs1")
	if err != nil || len(subs) != 1 {
		t.Fatalf("subs = %+v, %v", subs, err)
	}
	if s := subs[0]; !s.TimedOut || s.CorrectAnswers != 18 || s.TotalQuestions != 20 || len(s.Answers) != 18 {
		t.Fatalf("submission = %+v", s)
	}
}

func TestOfflineSubmissionReconciles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(2)
	e := h.engine(t)

	// Cache the questions while online.
	first, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Abandon(ctx, learner, first.SessionID); err != nil {
		t.Fatal(err)
	}

	h.probe.Set(false)
	started, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	m, _ := e.Session(learner, started.SessionID)
	answerAll(t, m, "B")
	out, err := e.Submit(ctx, learner, started.SessionID)
	if err != nil || !out.Pending {
		t.Fatalf("offline submit = %+v, %v", out, err)
	}
	if h.store.Count() != 0 {
		t.Fatalf("offline submit reached remote")
	}

	h.probe.Set(true)
	res, err := e.Reconcile(ctx)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("reconcile = %+v, %v", res, err)
	}
	if h.store.Count() != 1 {
		t.Fatalf("remote count = %d", h.store.Count())
	}
	if res, _ := e.Reconcile(ctx); res.Succeeded != 0 || h.store.Count() != 1 {
		t.Fatalf("second reconcile duplicated work: %+v", res)
	}
}

func TestStartWithoutPool(t *testing.T) {
	h := newHarness(1)
	h.store = exam.NewInMemoryStore()
	e := h.engine(t)
	if _, err := e.Start(context.Background(), learner, exam.PreTest, ""); !errors.Is(err, apperr.ErrNoPoolAssigned) {
		t.Fatalf("want NO_POOL_ASSIGNED, got %v", err)
	}
}

var errRefused = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

// unreachablePools fails every pool lookup like a database that is down.
type unreachablePools struct{ exam.PoolService }

func (unreachablePools) AssignedPool(context.Context, exam.TestType) (exam.PoolID, bool, error) {
	return "", false, errRefused
}

func (unreachablePools) HasAccess(context.Context, string, exam.TestType, exam.PoolID) (exam.AccessCheck, error) {
	return exam.AccessCheck{}, errRefused
}

func TestStartServesCacheWhenPoolServiceIsDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(3)
	warm := h.engine(t)
	first, err := warm.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	if err := warm.Abandon(ctx, learner, first.SessionID); err != nil {
		t.Fatal(err)
	}

	h.pools = unreachablePools{PoolService: h.store}
	h.probe.Set(false)
	e := h.engine(t)
	started, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatalf("offline start: %v", err)
	}
	if started.Source != "cache" || started.Warning == "" || started.View.Total != 3 {
		t.Fatalf("offline start = %+v", started)
	}
	if err := e.Abandon(ctx, learner, started.SessionID); err != nil {
		t.Fatal(err)
	}

	// Reported online, but the pool lookup still fails.
	h.probe.Set(true)
	started, err = e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil || started.Source != "remote" {
		t.Fatalf("start with unreachable pools = %+v, %v", started, err)
	}

	stranger := access.Principal{ParticipantID: "p9", Role: "participant"}
	if _, err := e.Start(ctx, stranger, exam.PreTest, "cs1"); !errors.Is(err, apperr.ErrNoQuestionsAvailable) {
		t.Fatalf("uncached start: want NO_QUESTIONS_AVAILABLE, got %v", err)
	}
}

// stickyProgressKV cannot delete progress records.
type stickyProgressKV struct{ storage.KV }

func (s stickyProgressKV) Delete(ctx context.Context, key string) error {
	if strings.HasPrefix(key, storage.NamespaceProgress.Prefix()) {
		return errors.New("disk I/O error")
	}
	return s.KV.Delete(ctx, key)
}

func TestLeftoverProgressDoesNotReuseSubmittedID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(3)
	h.cfg.Offline = true
	h.cfg.RetakePolicies = nil
	h.kv = stickyProgressKV{KV: storage.NewMemoryStore()}
	e := h.engine(t)

	first, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	m, _ := e.Session(learner, first.SessionID)
	answerAll(t, m, "A")
	if _, err := e.Submit(ctx, learner, first.SessionID); err != nil {
		t.Fatal(err)
	}

	second, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Restored || second.SessionID == first.SessionID {
		t.Fatalf("second attempt inherited the first: %+v", second)
	}
	m2, _ := e.Session(learner, second.SessionID)
	answerAll(t, m2, "B")
	out, err := e.Submit(ctx, learner, second.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Submission.Score != 100 || out.Submission.AttemptNumber != 2 || h.store.Count() != 2 {
		t.Fatalf("second outcome = %+v, remote count %d", out.Submission, h.store.Count())
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestFinishedAttemptsAreEvicted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(2)
	c := &clock{t: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
	h.now = c.Now
	h.cfg.FinishedRetention = time.Minute
	e := h.engine(t)

	started, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	m, _ := e.Session(learner, started.SessionID)
	answerAll(t, m, "B")
	first, err := e.Submit(ctx, learner, started.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Attempts() != 1 {
		t.Fatalf("attempts = %d", e.Attempts())
	}
	if _, err := e.View(learner, started.SessionID); err != nil {
		t.Fatalf("finished attempt should stay readable for a while: %v", err)
	}

	c.Add(2 * time.Minute)
	replay, err := e.Submit(ctx, learner, started.SessionID)
	if !errors.Is(err, apperr.ErrSubmissionAlreadyFinalized) || replay.Submission.ID != first.Submission.ID {
		t.Fatalf("replay = %+v, %v", replay, err)
	}
	if e.Attempts() != 0 {
		t.Fatalf("evicted attempt still held, attempts = %d", e.Attempts())
	}
	if _, err := e.View(learner, started.SessionID); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("view after eviction: %v", err)
	}
	other := access.Principal{ParticipantID: "p2", Role: "participant"}
	if _, err := e.Submit(ctx, other, started.SessionID); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("foreign replay: %v", err)
	}

	c.Add(2 * time.Hour)
	if _, err := e.Submit(ctx, learner, started.SessionID); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("replay after outcome retention: %v", err)
	}
}

func TestRestoreWithNoTimeLeftSubmits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(3)
	h.cfg.Offline = true
	e := h.engine(t)

	started, err := e.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil {
		t.Fatal(err)
	}
	m, _ := e.Session(learner, started.SessionID)
	if err := m.Answer("B"); err != nil {
		t.Fatal(err)
	}
	e.Close(ctx)

	key := storage.ProgressKey("p1", exam.PreTest, "cs1")
	var saved session.Progress
	if err := storage.GetJSON(ctx, h.kv, key, &saved); err != nil {
		t.Fatal(err)
	}
	saved.RemainingSeconds = 0
	if err := storage.SetJSON(ctx, h.kv, key, saved); err != nil {
		t.Fatal(err)
	}

	restarted := h.engine(t)
	resumed, err := restarted.Start(ctx, learner, exam.PreTest, "cs1")
	if err != nil || !resumed.Restored {
		t.Fatalf("resume = %+v, %v", resumed, err)
	}
	m2, _ := restarted.Session(learner, resumed.SessionID)
	deadline := time.After(5 * time.Second)
	for m2.State() != session.StateCompleted {
		select {
		case <-deadline:
			t.Fatalf("expired restore was never submitted, state=%s", m2.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	subs, err := h.store.ListByParticipantAndType(ctx, "p1", exam.PreTest, "cs1")
	if err != nil || len(subs) != 1 || !subs[0].TimedOut || subs[0].CorrectAnswers != 1 {
		t.Fatalf("subs = %+v, %v", subs, err)
	}
}
