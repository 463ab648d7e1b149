// Package syncx pushes submissions queued on the device to the remote store
// and records the outcome in the remote event log.
package syncx

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mind-engage/mindengage-testengine/internal/access"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/logger"
	"github.com/mind-engage/mindengage-testengine/internal/metrics"
	"github.com/mind-engage/mindengage-testengine/internal/retry"
	"github.com/mind-engage/mindengage-testengine/internal/submission"
	"github.com/mind-engage/mindengage-testengine/internal/telemetry"
)

type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pruned    int `json:"pruned"`
}

type Options struct {
	Retry retry.Policy
	// RatePerSecond paces remote writes; 0 disables pacing.
	RatePerSecond float64
	Burst         int
	// Usage consumes the access grant of each pushed submission.
	Usage submission.UsageReporter
}

type Reconciler struct {
	queue   *submission.Queue
	remote  exam.SubmissionRepo
	probe   connectivity.Probe
	events  submission.Events
	usage   submission.UsageReporter
	limiter *rate.Limiter
	retry   retry.Policy
	log     *zap.Logger
	metrics *metrics.Metrics

	mu sync.Mutex // one pass at a time
}

func NewReconciler(queue *submission.Queue, remote exam.SubmissionRepo, probe connectivity.Probe,
	events submission.Events, opts Options, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return &Reconciler{
		queue:   queue,
		remote:  remote,
		probe:   probe,
		events:  events,
		usage:   opts.Usage,
		limiter: limiter,
		retry:   opts.Retry,
		log:     logger.OrNop(log),
		metrics: m,
	}
}

// Reconcile writes every unsynced queued submission to the remote store, then
// prunes entries already marked synced. Each entry is attempted independently.
// An interrupted pass is safe to repeat: the remote insert is idempotent on
// submission id and synced entries are pruned on the next pass.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "syncx.Reconcile")
	defer span.End()

	var res Result
	if !r.probe.IsOnline(ctx) {
		r.log.Debug("remote unreachable, skipping reconcile")
		return res, nil
	}
	entries, err := r.queue.List(ctx)
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		if e.Synced {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return res, err
		}
		if r.push(ctx, e) {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	// Prune from a fresh listing so entries marked by an earlier, interrupted
	// pass are removed too.
	entries, err = r.queue.List(ctx)
	if err != nil {
		return res, err
	}
	for _, e := range entries {
		if !e.Synced {
			continue
		}
		if err := r.queue.Delete(ctx, e.Submission.ID); err != nil {
			r.log.Warn("prune synced submission", zap.String("submission", e.Submission.ID), zap.Error(err))
			continue
		}
		res.Pruned++
	}
	span.SetAttributes(attribute.Int("sync.succeeded", res.Succeeded), attribute.Int("sync.failed", res.Failed))
	if res.Succeeded+res.Failed > 0 {
		r.log.Info("reconcile finished", zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed),
			zap.Int("pruned", res.Pruned))
	}
	return res, nil
}

func (r *Reconciler) push(ctx context.Context, e exam.PendingSubmission) bool {
	log := r.log.With(zap.String("submission", e.Submission.ID))
	stored, err := retry.Do(ctx, r.retry, func(ctx context.Context) (exam.Submission, error) {
		return r.remote.Insert(ctx, e.Submission)
	}, nil)
	e.Attempts++
	if err != nil {
		e.LastError = err.Error()
		if perr := r.queue.Put(ctx, e); perr != nil {
			log.Warn("record failed sync attempt", zap.Error(perr))
		}
		log.Warn("sync submission failed", zap.Int("attempts", e.Attempts), zap.Error(err))
		r.metrics.SyncEntry(false)
		return false
	}
	e.Synced = true
	e.LastError = ""
	if err := r.queue.Put(ctx, e); err != nil {
		// Left unsynced locally; the next pass re-inserts, which is a no-op remotely.
		log.Warn("mark submission synced", zap.Error(err))
	}
	if r.usage != nil && e.GrantRef != "" {
		r.usage.ReportUsage(ctx, access.Resolution{TestType: e.Submission.TestType, GrantRef: e.GrantRef})
	}
	if r.events != nil {
		if err := r.events.Record(ctx, submission.EventSubmissionSynced, stored.ID, stored); err != nil {
			log.Warn("append sync event", zap.Error(err))
		}
	}
	r.metrics.SyncEntry(true)
	return true
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
