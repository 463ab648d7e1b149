// Package app assembles the engine and its stores from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	auth "github.com/mind-engage/mindengage-testengine/internal/auth/middleware"
	"github.com/mind-engage/mindengage-testengine/internal/config"
	"github.com/mind-engage/mindengage-testengine/internal/connectivity"
	"github.com/mind-engage/mindengage-testengine/internal/db"
	"github.com/mind-engage/mindengage-testengine/internal/engine"
	"github.com/mind-engage/mindengage-testengine/internal/exam"
	"github.com/mind-engage/mindengage-testengine/internal/metrics"
	"github.com/mind-engage/mindengage-testengine/internal/storage"
	"github.com/mind-engage/mindengage-testengine/internal/submission"
	"github.com/mind-engage/mindengage-testengine/internal/syncx"
)

type Runtime struct {
	Config  *config.Config
	Engine  *engine.Engine
	Metrics *metrics.Metrics
	Probe   connectivity.Probe
	// Users is nil when the remote store is in memory.
	Users *auth.SQLUsers
	Log   *zap.Logger

	remote  *sql.DB
	closers []func() error
}

// Credentials is the login source: the configured admin first, then the
// users table when there is one.
func (rt *Runtime) Credentials() auth.Credentials {
	b := auth.Bootstrap{Username: rt.Config.Auth.AdminUser, Hash: rt.Config.Auth.AdminPassHash}
	if rt.Users != nil {
		b.Next = rt.Users
	}
	return b
}

// Ready reports whether the remote store answers; offline sites are always ready.
func (rt *Runtime) Ready(ctx context.Context) error {
	if rt.Config.Mode == config.ModeOffline || rt.remote == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rt.remote.PingContext(ctx)
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build opens the remote and local stores named by cfg and wires the engine.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Metrics: metrics.New(), Log: log}

	var (
		pools  exam.PoolService
		qs     exam.QuestionRepo
		subs   exam.SubmissionRepo
		events submission.Events
	)
	switch cfg.Remote.Driver {
	case "memory":
		mem := exam.NewInMemoryStore()
		pools, qs, subs = mem, mem, mem
	default:
		conn, err := db.Open(ctx, db.Driver(cfg.Remote.Driver), cfg.Remote.DSN)
		if err != nil {
			return nil, fmt.Errorf("remote store: %w", err)
		}
		rt.remote = conn
		rt.closers = append(rt.closers, conn.Close)
		store := exam.NewSQLStore(conn, cfg.Remote.Driver)
		pools, qs, subs = store, store, store
		events = syncx.NewEventRepo(conn, cfg.SiteID)
		rt.Users = auth.NewSQLUsers(conn)
	}

	local, err := rt.openLocal(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Probe = rt.probe()

	rt.Engine = engine.New(cfg.EngineSettings(), engine.Deps{
		Pools:       pools,
		Questions:   qs,
		Submissions: subs,
		Local:       local,
		Probe:       rt.Probe,
		Events:      events,
		Sync: syncx.Options{
			RatePerSecond: cfg.Sync.RatePerSecond,
			Burst:         cfg.Sync.Burst,
		},
		Log:          log,
		Metrics:      rt.Metrics,
		RetryBackoff: 250 * time.Millisecond,
	})
	return rt, nil
}

func (rt *Runtime) openLocal(ctx context.Context) (storage.KV, error) {
	cfg := rt.Config.Local
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "fs":
		kv, err := storage.NewFSStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("local store: %w", err)
		}
		return kv, nil
	case "sqlite", "":
		conn, err := db.OpenLocal(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("local store: %w", err)
		}
		rt.closers = append(rt.closers, conn.Close)
		return storage.NewSQLiteStore(conn), nil
	default:
		return nil, fmt.Errorf("unsupported local driver %q", cfg.Driver)
	}
}

func (rt *Runtime) probe() connectivity.Probe {
	cfg := rt.Config.Connectivity
	switch cfg.Probe {
	case "online":
		return connectivity.NewStatic(true)
	case "offline":
		return connectivity.NewStatic(false)
	case "http":
		return connectivity.HTTPProbe{Client: &http.Client{}, URL: cfg.URL, Timeout: cfg.Timeout}
	default:
		if rt.remote == nil {
			return connectivity.NewStatic(true)
		}
		return connectivity.PingProbe{DB: rt.remote, Timeout: cfg.Timeout}
	}
}
