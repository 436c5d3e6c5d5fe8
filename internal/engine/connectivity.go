package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Connectivity is the observable online flag shared by the transmission
// loop, the subscription and the prober.
type Connectivity struct {
	mu      sync.Mutex
	online  bool
	changed chan struct{}
}

func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online, changed: make(chan struct{})}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Set updates the flag and wakes every watcher if it changed.
func (c *Connectivity) Set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	close(c.changed)
	c.changed = make(chan struct{})
}

// Watch returns a channel that is closed on the next change of the flag.
func (c *Connectivity) Watch() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Prober polls the server's health endpoint while offline and flips the
// connectivity flag back once it answers.
type Prober struct {
	Health  HealthChecker
	Conn    *Connectivity
	Min     time.Duration
	Max     time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
}

func (p *Prober) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	b := newBackoff(p.Min, p.Max)

	for {
		if p.Conn.Online() {
			b.reset()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.Conn.Watch():
			}
			continue
		}

		if !sleep(ctx, b.next()) {
			return ctx.Err()
		}
		hctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Health.Health(hctx)
		cancel()
		if err != nil {
			logger.Debug("server still unreachable", "error", err)
			continue
		}
		logger.Info("server reachable again")
		p.Conn.Set(true)
	}
}
