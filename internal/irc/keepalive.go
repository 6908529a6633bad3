package irc

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	keepaliveInterval = 30 * time.Second
	keepalivePoll     = 5 * time.Second
)

// Prober is the part of Session the keepalive needs.
type Prober interface {
	State() State
	Send(command string, params ...string) error
}

// Keepalive sends a TIME request every 30 seconds while the session is
// RUNNING and polls the state every 5 seconds otherwise.
type Keepalive struct {
	session  Prober
	interval time.Duration
	poll     time.Duration
	log      *zap.Logger
}

// NewKeepalive creates a keepalive supervisor for p.
func NewKeepalive(p Prober, log *zap.Logger) *Keepalive {
	return &Keepalive{
		session:  p,
		interval: keepaliveInterval,
		poll:     keepalivePoll,
		log:      log.Named("keepalive"),
	}
}

// Run probes until ctx is cancelled. Probe failures are logged; the
// supervisor keeps its cadence.
func (k *Keepalive) Run(ctx context.Context) error {
	for {
		wait := k.poll
		if k.session.State() == Running {
			if err := k.session.Send("TIME"); err != nil {
				k.log.Warn("keepalive probe failed", zap.Error(err))
			}
			wait = k.interval
		}

		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}
