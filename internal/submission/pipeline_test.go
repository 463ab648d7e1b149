package submission_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-testengine/internal/access"
	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/retry"
	"github.com/mind-engage/mindengage-testengine/internal/session"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
	"github.com/mind-engage/mindengage-testengine/internal/submission"
)

// flakyRemote fails inserts while down is set.
type flakyRemote struct {
	*exam.MemoryStore
	down    bool
	inserts int
}

func (f *flakyRemote) Insert(ctx context.Context, s exam.Submission) (exam.Submission, error) {
	f.inserts++
	if f.down {
		return exam.Submission{}, errors.New("connection refused")
	}
	return f.MemoryStore.Insert(ctx, s)
}

type usageSpy struct{ refs []string }

func (u *usageSpy) ReportUsage(_ context.Context, res access.Resolution) {
	u.refs = append(u.refs, res.GrantRef)
}

type eventSpy struct{ types []string }

func (e *eventSpy) Record(_ context.Context, typ, _ string, _ any) error {
	e.types = append(e.types, typ)
	return nil
}

// stubbornKV fails Delete until failures runs out.
type stubbornKV struct {
	storage.KV
	failures int
}

func (s *stubbornKV) Delete(ctx context.Context, key string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.KV.Delete(ctx, key)
}

// failingKV rejects every write.
type failingKV struct{ storage.KV }

func (failingKV) Set(context.Context, string, []byte) error {
	return errors.New("read-only filesystem")
}

type fixture struct {
	remote *flakyRemote
	kv     storage.KV
	probe  *connectivity.Static
	usage  *usageSpy
	events *eventSpy
	p      *submission.Pipeline
}

func newFixture(online bool) *fixture {
	f := &fixture{
		remote: &flakyRemote{MemoryStore: exam.NewInMemoryStore()},
		kv:     storage.NewMemoryStore(),
		probe:  connectivity.NewStatic(online),
		usage:  &usageSpy{},
		events: &eventSpy{},
	}
	f.p = f.build(f.kv)
	return f
}

func (f *fixture) build(kv storage.KV) *submission.Pipeline {
	return submission.NewPipeline(submission.Deps{
		Remote: f.remote, Local: kv, Probe: f.probe, Usage: f.usage, Events: f.events,
		Retry: retry.Policy{Attempts: 3},
	})
}

func snapshot(sessionID string, total, answered int) session.Snapshot {
	qs := make([]exam.Question, total)
	answers := map[string]string{}
	for i := range qs {
		qs[i] = exam.Question{ID: fmt.Sprintf("q%02d", i), CorrectLabel: "A", Points: 1}
		if i < answered {
			answers[qs[i].ID] = "A"
		}
	}
	return session.Snapshot{
		Identity:       session.Identity{SessionID: sessionID, ParticipantID: "p1", TestType: exam.PostTest, CourseSessionID: "cs1"},
		Questions:      qs,
		Answers:        answers,
		ElapsedSeconds: 120,
		TimedOut:       answered < total,
	}
}

func TestSubmitOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	progress := storage.ProgressKey("p1", exam.PostTest, "cs1")
	_ = storage.SetJSON(ctx, f.kv, progress, session.Progress{SessionID: "s1"})

	out, err := f.p.Submit(ctx, submission.Request{
		Snapshot:   snapshot("s1", 4, 4),
		Resolution: access.Resolution{GrantRef: "g1"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Pending || out.Submission.AttemptNumber != 1 || out.Submission.Score != 100 {
		t.Fatalf("outcome = %+v", out)
	}
	if f.remote.Count() != 1 {
		t.Fatalf("remote count = %d", f.remote.Count())
	}
	if _, err := f.kv.Get(ctx, progress.String()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("progress record should be deleted, got %v", err)
	}
	if len(f.usage.refs) != 1 || f.usage.refs[0] != "g1" {
		t.Fatalf("usage = %v", f.usage.refs)
	}
	if len(f.events.types) != 1 || f.events.types[0] != submission.EventSubmissionRecorded {
		t.Fatalf("events = %v", f.events.types)
	}
}

func TestDoubleSubmitCreatesOneRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	req := submission.Request{Snapshot: snapshot("s1", 2, 2)}
	a, err := f.p.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.p.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if f.remote.Count() != 1 || a.Submission.ID != b.Submission.ID || b.Submission.AttemptNumber != 1 {
		t.Fatalf("count=%d a=%+v b=%+v", f.remote.Count(), a.Submission, b.Submission)
	}
}

func TestTimedOutSubmissionScoresAnsweredOnly(t *testing.T) {
	f := newFixture(true)
	out, err := f.p.Submit(context.Background(), submission.Request{Snapshot: snapshot("s1", 20, 18)})
	if err != nil {
		t.Fatal(err)
	}
	s := out.Submission
	if s.CorrectAnswers != 18 || s.TotalQuestions != 20 || s.Score != 90 || !s.TimedOut || len(s.Answers) != 18 {
		t.Fatalf("submission = %+v", s)
	}
}

func TestRemoteFailureQueuesLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	f.remote.down = true

	out, err := f.p.Submit(ctx, submission.Request{
		Snapshot:   snapshot("s1", 3, 3),
		Resolution: access.Resolution{GrantRef: "g1"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.usage.refs) != 0 {
		t.Fatalf("grant consumed before the remote accepted: %v", f.usage.refs)
	}
	if !out.Pending || f.remote.Count() != 0 || f.remote.inserts != 3 {
		t.Fatalf("pending=%v count=%d inserts=%d", out.Pending, f.remote.Count(), f.remote.inserts)
	}
	pending, err := f.p.Queue().Get(ctx, "s1")
	if err != nil {
		t.Fatalf("queued entry: %v", err)
	}
	if pending.Synced || pending.LastError == "" || pending.Submission.Score != 100 || pending.GrantRef != "g1" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestOfflineAttemptNumbersCountQueuedWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false)
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	f.p.WithClock(func() time.Time { clock = clock.Add(time.Minute); return clock })

	first, err := f.p.Submit(ctx, submission.Request{Snapshot: snapshot("s1", 1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.p.Submit(ctx, submission.Request{Snapshot: snapshot("s2", 1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if first.Submission.AttemptNumber != 1 || second.Submission.AttemptNumber != 2 {
		t.Fatalf("attempts = %d, %d", first.Submission.AttemptNumber, second.Submission.AttemptNumber)
	}
	if f.remote.inserts != 0 {
		t.Fatalf("offline submit reached the remote store")
	}
	hist, err := f.p.History().ListByParticipantAndType(ctx, "p1", exam.PostTest, "cs1")
	if err != nil || len(hist) != 2 {
		t.Fatalf("history = %v, %v", hist, err)
	}
}

func TestSubmitFailsWhenNothingCanPersist(t *testing.T) {
	f := newFixture(false)
	p := f.build(failingKV{KV: storage.NewMemoryStore()})
	_, err := p.Submit(context.Background(), submission.Request{Snapshot: snapshot("s1", 1, 1)})
	if !errors.Is(err, apperr.ErrRemoteWriteFailed) {
		t.Fatalf("want REMOTE_WRITE_FAILED, got %v", err)
	}
}

func TestProgressDeleteIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true)
	kv := &stubbornKV{KV: storage.NewMemoryStore(), failures: 2}
	p := f.build(kv)
	progress := storage.ProgressKey("p1", exam.PostTest, "cs1")
	_ = storage.SetJSON(ctx, kv, progress, session.Progress{SessionID: "s1"})

	if _, err := p.Submit(ctx, submission.Request{Snapshot: snapshot("s1", 1, 1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := kv.Get(ctx, progress.String()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("progress record survived submission: %v", err)
	}
}
