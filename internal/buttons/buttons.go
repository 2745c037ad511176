// Package buttons turns handlebar button presses into ride lifecycle
// requests.
//
// Button 0 toggles between riding and paused on release and stops the ride
// when held for StopHold. Button 1, when wired, stops the ride on press.
package buttons

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cycle-ng/internal/ride"
)

// Reader reports the pressed state of up to eight buttons, bit i set while
// button i is held down.
type Reader interface {
	Read() (uint8, error)
	Close() error
}

// Controller is the lifecycle surface of the ride aggregator.
type Controller interface {
	StartRide(ctx context.Context) error
	PauseRide(ctx context.Context) error
	StopRide(ctx context.Context) error
}

const (
	bitRide = 1 << 0
	bitStop = 1 << 1
)

type Config struct {
	PollInterval time.Duration
	StopHold     time.Duration
	// RequestTimeout bounds each lifecycle request.
	RequestTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

type Snapshot struct {
	Presses   uint64 `json:"presses"`
	ReadErrs  uint64 `json:"read_errors"`
	LastError string `json:"last_error,omitempty"`
}

type Service struct {
	cfg    Config
	reader Reader
	ctl    Controller
	log    *slog.Logger

	mu   sync.Mutex
	snap Snapshot
}

func New(cfg Config, reader Reader, ctl Controller) (*Service, error) {
	if reader == nil || ctl == nil {
		return nil, fmt.Errorf("buttons: reader and controller are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.StopHold <= 0 {
		cfg.StopHold = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, reader: reader, ctl: ctl, log: log.With("component", "buttons")}, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Run polls the reader until ctx is done, then closes it. A state change is
// accepted once two consecutive polls agree.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.log.Debug("close reader", "err", err)
		}
	}()

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	var (
		stable, candidate uint8
		pressedAt         time.Time
		holdFired         bool
		failing           bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		raw, err := s.reader.Read()
		if err != nil {
			s.mu.Lock()
			s.snap.ReadErrs++
			s.snap.LastError = err.Error()
			s.mu.Unlock()
			if !failing {
				s.log.Warn("button read failed", "err", err)
				failing = true
			}
			continue
		}
		failing = false

		if raw != candidate {
			candidate = raw
			continue
		}
		now := s.cfg.Now()
		pressed := candidate &^ stable
		released := stable &^ candidate
		stable = candidate

		if pressed&bitRide != 0 {
			pressedAt = now
			holdFired = false
		}
		if stable&bitRide != 0 && !holdFired && now.Sub(pressedAt) >= s.cfg.StopHold {
			holdFired = true
			s.press(ctx, "hold", s.ctl.StopRide)
		}
		if released&bitRide != 0 && !holdFired {
			s.press(ctx, "ride", s.toggle)
		}
		if pressed&bitStop != 0 {
			s.press(ctx, "stop", s.ctl.StopRide)
		}
	}
}

// toggle starts or resumes the ride, or pauses it when already riding.
func (s *Service) toggle(ctx context.Context) error {
	err := s.ctl.StartRide(ctx)
	if errors.Is(err, ride.ErrInvalidTransition) {
		return s.ctl.PauseRide(ctx)
	}
	return err
}

func (s *Service) press(ctx context.Context, name string, fn func(context.Context) error) {
	s.mu.Lock()
	s.snap.Presses++
	s.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := fn(rctx); err != nil {
		s.log.Info("button ignored", "button", name, "err", err)
		return
	}
	s.log.Debug("button", "button", name)
}
