// Package connectivity answers one question for the engine: can the remote
// store be reached right now.
package connectivity

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

type Probe interface {
	IsOnline(ctx context.Context) bool
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingProbe reports online when the remote database answers a ping.
type PingProbe struct {
	DB      Pinger
	Timeout time.Duration
}

func (p PingProbe) IsOnline(ctx context.Context) bool {
	if p.DB == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout))
	defer cancel()
	return p.DB.PingContext(ctx) == nil
}

// HTTPProbe reports online when URL answers with a 2xx status.
type HTTPProbe struct {
	Client  *http.Client
	URL     string
	Timeout time.Duration
}

func (p HTTPProbe) IsOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(p.Timeout))
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Static is a switchable probe for forced modes and tests.
type Static struct{ online atomic.Bool }

func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

func (s *Static) Set(online bool) { s.online.Store(online) }

func (s *Static) IsOnline(context.Context) bool { return s.online.Load() }

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 3 * time.Second
	}
	return d
}
