// Package submission finalizes an attempt: score it, number it, persist it
// remotely or queue it on the device, then clean up.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-testengine/internal/access"
	"github.com/mind-engage/mindengage-testengine/internal/apperr"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/grading"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
	"github.com/mind-engage/mindengage-testengine/internal/metrics"
	"github.com/mind-engage/mindengage-testengine/internal/retry"
	"github.com/mind-engage/mindengage-testengine/internal/session"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
	"github.com/mind-engage/mindengage-testengine/internal/telemetry"
)

// Event types appended to the remote event log.
const (
	EventSubmissionRecorded = "SubmissionRecorded"
	EventSubmissionSynced   = "SubmissionSynced"
)

// Events is the remote append-only event log.
type Events interface {
	Record(ctx context.Context, typ, key string, payload any) error
}

// UsageReporter consumes one use of an access grant.
type UsageReporter interface {
	ReportUsage(ctx context.Context, res access.Resolution)
}

type Request struct {
	Snapshot   session.Snapshot
	Resolution access.Resolution
}

// Outcome reports where the submission ended up. Pending is true when it was
// queued on the device for the reconciler.
type Outcome struct {
	Submission exam.Submission `json:"submission"`
	Pending    bool            `json:"pending"`
}

type Deps struct {
	Remote  exam.SubmissionRepo
	Local   storage.KV
	Probe   connectivity.Probe
	Grader  *grading.Grader
	Usage   UsageReporter
	Events  Events
	Retry   retry.Policy
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type Pipeline struct {
	Deps
	queue   *Queue
	history *History
	now     func() time.Time
}

func NewPipeline(d Deps) *Pipeline {
	d.Log = logger.OrNop(d.Log)
	if d.Grader == nil {
		d.Grader = grading.NewGrader()
	}
	q := NewQueue(d.Local)
	return &Pipeline{
		Deps:    d,
		queue:   q,
		history: NewHistory(d.Remote, q, d.Probe, d.Log),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// History is the merged remote and queued submission history.
func (p *Pipeline) History() *History { return p.history }

// Queue is the device-side pending submission queue.
func (p *Pipeline) Queue() *Queue { return p.queue }

// Submit scores and persists the attempt in req. The submission id is the
// session id, so a replay never creates a second remote record. An error means
// the attempt could be stored neither remotely nor locally.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Outcome, error) {
	snap := req.Snapshot
	ctx, span := telemetry.Tracer().Start(ctx, "submission.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", snap.SessionID), attribute.String("test.type", string(snap.TestType)))

	score, err := p.Grader.Score(ctx, snap.Questions, snap.Answers)
	if err != nil {
		return Outcome{}, fmt.Errorf("score: %w", err)
	}
	prior, err := p.history.ListByParticipantAndType(ctx, snap.ParticipantID, snap.TestType, snap.CourseSessionID)
	if err != nil {
		p.Log.Warn("attempt history unavailable, numbering from local queue", zap.Error(err))
		prior, _ = p.queue.For(ctx, snap.ParticipantID, snap.TestType, snap.CourseSessionID)
	}
	attempt := 1
	for _, s := range prior {
		if s.ID != snap.SessionID {
			attempt++
		}
	}

	sub := exam.Submission{
		ID:              snap.SessionID,
		ParticipantID:   snap.ParticipantID,
		TestType:        snap.TestType,
		CourseSessionID: snap.CourseSessionID,
		Score:           score.Percent,
		TotalQuestions:  score.TotalQuestions,
		CorrectAnswers:  score.CorrectAnswers,
		ElapsedSeconds:  snap.ElapsedSeconds,
		SubmittedAt:     p.now().UTC().Truncate(time.Second),
		AttemptNumber:   attempt,
		TimedOut:        snap.TimedOut,
		Answers:         snap.Answers,
	}
	log := p.Log.With(zap.String("submission", sub.ID), zap.String("participant", sub.ParticipantID))

	out, remoteErr := p.writeRemote(ctx, sub)
	if remoteErr != nil {
		log.Warn("remote write failed, queueing submission locally", zap.Error(remoteErr))
		pending := exam.PendingSubmission{Submission: sub, QueuedAt: p.now(), LastError: remoteErr.Error(),
			GrantRef: req.Resolution.GrantRef}
		if err := p.queue.Put(ctx, pending); err != nil {
			return Outcome{}, apperr.Wrap(apperr.CodeRemoteWriteFailed,
				"submission could not be stored remotely or locally", fmt.Errorf("%w; local: %v", remoteErr, err))
		}
		p.Metrics.Submission(metrics.PathPending)
		out = Outcome{Submission: sub, Pending: true}
	} else {
		p.Metrics.Submission(metrics.PathRemote)
	}

	// A progress record left behind would hand this submission's id to the
	// next attempt. Start discards such records too.
	progress := storage.ProgressKey(sub.ParticipantID, sub.TestType, sub.CourseSessionID)
	if _, err := retry.Do(ctx, p.Retry, func(ctx context.Context) (struct{}, error) {
		err := p.Local.Delete(ctx, progress.String())
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
		return struct{}{}, err
	}, nil); err != nil {
		log.Error("delete progress record", zap.Error(err))
	}
	// Queued submissions consume their grant when the reconciler pushes them.
	if p.Usage != nil && !out.Pending {
		p.Usage.ReportUsage(ctx, req.Resolution)
	}
	log.Info("submission finalized", zap.Bool("pending", out.Pending), zap.Int("attempt", sub.AttemptNumber),
		zap.Float64("score", sub.Score))
	return out, nil
}

var errOffline = apperr.New(apperr.CodeRemoteWriteFailed, "remote store unreachable")

func (p *Pipeline) writeRemote(ctx context.Context, sub exam.Submission) (Outcome, error) {
	if !p.Probe.IsOnline(ctx) {
		return Outcome{}, errOffline
	}
	stored, err := retry.Do(ctx, p.Retry, func(ctx context.Context) (exam.Submission, error) {
		return p.Remote.Insert(ctx, sub)
	}, nil)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.CodeRemoteWriteFailed, "insert submission", err)
	}
	if p.Events != nil {
		if err := p.Events.Record(ctx, EventSubmissionRecorded, stored.ID, stored); err != nil {
			p.Log.Warn("append submission event", zap.String("submission", stored.ID), zap.Error(err))
		}
	}
	return Outcome{Submission: stored}, nil
}
