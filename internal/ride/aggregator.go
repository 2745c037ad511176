// Package ride fuses sensor and GPS events into the ride aggregate and
// publishes immutable snapshots of it.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cycle-ng/internal/event"
	"cycle-ng/internal/workout"
)

var (
	// ErrInvalidTransition is returned by lifecycle requests that the
	// current status does not allow.
	ErrInvalidTransition = errors.New("ride: invalid status transition")
	// ErrNotRunning is returned by lifecycle requests after Run returned.
	ErrNotRunning = errors.New("ride: aggregator not running")
)

func transitionErr(a action, from Status) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, a, from)
}

type Config struct {
	// StalenessWindow is the age after which a reading is reported stale.
	StalenessWindow time.Duration
	// MinMotionSpeed (m/s) separates moving from stationary time.
	MinMotionSpeed float64
	// CoastTimeout is how long repeated frames without a new revolution
	// are tolerated before speed/cadence drop to zero.
	CoastTimeout time.Duration
	// PublishInterval re-publishes the snapshot when no events arrive.
	PublishInterval time.Duration

	DefaultWheelCircumferenceMM int

	// SpeedSources and CadenceSources rank the channels allowed to feed
	// wheel and crank revolutions, best first. Unlisted sources are used
	// only while no listed one is reporting.
	SpeedSources   []string
	CadenceSources []string

	// Workout, when set, drives Metrics.Target from ride elapsed time.
	Workout *workout.Schedule

	Logger *slog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 5 * time.Second
	}
	if c.MinMotionSpeed <= 0 {
		c.MinMotionSpeed = 0.5
	}
	if c.CoastTimeout <= 0 {
		c.CoastTimeout = 3 * time.Second
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Second
	}
	if c.DefaultWheelCircumferenceMM <= 0 {
		c.DefaultWheelCircumferenceMM = 2105
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type command struct {
	action action
	done   chan error
}

// Aggregator owns the ride state. Run is its only writer; Snapshot and the
// lifecycle requests are safe from any goroutine.
type Aggregator struct {
	cfg Config
	log *slog.Logger

	st   *state
	snap atomic.Pointer[Metrics]

	cmds    chan command
	done    chan struct{}
	running atomic.Bool
}

func New(cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ride")
	a := &Aggregator{
		cfg:  cfg,
		log:  log,
		st:   newState(cfg, log),
		cmds: make(chan command),
		done: make(chan struct{}),
	}
	a.publish()
	return a
}

// Run consumes events until the channel is closed or ctx is cancelled. On
// cancellation it applies whatever is already queued and returns.
func (a *Aggregator) Run(ctx context.Context, events <-chan event.Event) error {
	if a == nil {
		return fmt.Errorf("ride: aggregator is nil")
	}
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("ride: already running")
	}
	defer close(a.done)

	tick := time.NewTicker(a.cfg.PublishInterval)
	defer tick.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				a.publish()
				return nil
			}
			a.st.apply(ev)
			a.publish()
		case cmd := <-a.cmds:
			cmd.done <- a.st.transition(cmd.action, a.cfg.Now())
			a.publish()
		case <-tick.C:
			a.publish()
		case <-ctx.Done():
			n := a.drain(events)
			a.publish()
			a.log.Debug("aggregator stopped", "drained", n)
			return nil
		}
	}
}

func (a *Aggregator) drain(events <-chan event.Event) int {
	n := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return n
			}
			a.st.apply(ev)
			n++
		default:
			return n
		}
	}
}

func (a *Aggregator) publish() {
	m := a.st.publish()
	a.snap.Store(&m)
}

// Snapshot returns the last published aggregate with elapsed time and
// staleness evaluated at the current clock.
func (a *Aggregator) Snapshot() Metrics {
	p := a.snap.Load()
	if p == nil {
		return Metrics{}
	}
	m := p.clone()
	m.settle(a.cfg.Now(), a.cfg.StalenessWindow)
	if m.Status == Riding || m.Status == Paused {
		m.Target = a.cfg.Workout.At(m.Elapsed)
	}
	return m
}

func (a *Aggregator) StartRide(ctx context.Context) error { return a.request(ctx, actionStart) }
func (a *Aggregator) PauseRide(ctx context.Context) error { return a.request(ctx, actionPause) }
func (a *Aggregator) StopRide(ctx context.Context) error  { return a.request(ctx, actionStop) }

func (a *Aggregator) request(ctx context.Context, act action) error {
	if a == nil {
		return fmt.Errorf("ride: aggregator is nil")
	}
	done := make(chan error, 1)
	select {
	case a.cmds <- command{action: act, done: done}:
	case <-a.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
