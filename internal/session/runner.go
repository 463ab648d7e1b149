package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-testengine/internal/logger"
)

type RunnerOptions struct {
	TickInterval     time.Duration // one timer second, default 1s
	AutoSaveInterval time.Duration // default 30s, offline sessions only
	Save             func(ctx context.Context, p Progress) error
	// OnExpire is called once, from the runner goroutine, when the timer hits zero.
	OnExpire func(ctx context.Context)
	Log      *zap.Logger
}

// Run drives m's timer and auto-save from a single goroutine until ctx is
// cancelled or the machine reaches a terminal state.
func Run(ctx context.Context, m *Machine, opts RunnerOptions) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.AutoSaveInterval <= 0 {
		opts.AutoSaveInterval = 30 * time.Second
	}
	log := logger.OrNop(opts.Log).With(zap.String("session", m.ID().SessionID))

	tick := time.NewTicker(opts.TickInterval)
	defer tick.Stop()

	var saveC <-chan time.Time
	if m.Offline() && opts.Save != nil {
		save := time.NewTicker(opts.AutoSaveInterval)
		defer save.Stop()
		saveC = save.C
	}

	if m.Expired() && opts.OnExpire != nil {
		log.Info("session restored with no time left, forcing submission")
		opts.OnExpire(ctx)
		if m.State().Terminal() {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if m.Tick() && opts.OnExpire != nil {
				log.Info("session timer expired, forcing submission")
				opts.OnExpire(ctx)
			}
		case <-saveC:
			_, err := m.SaveIfReady(func(p Progress) error { return opts.Save(ctx, p) })
			if err != nil {
				log.Warn("auto-save failed", zap.Error(err))
			}
		}
		if m.State().Terminal() {
			return
		}
	}
}
