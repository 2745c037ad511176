// Package gps reads NMEA 0183 sentences from a serial GNSS receiver and
// republishes them as location events.
package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cycle-ng/internal/event"
)

// ErrDeviceGone is returned by Run when the serial device could not be
// reopened within the configured number of attempts.
var ErrDeviceGone = errors.New("gps: serial device gone")

// Source is the event source name used for everything the reader emits.
const Source = "gps"

// Opener returns a fresh handle on the receiver. Reads must be bounded:
// a read with no data available returns (0, nil) after a short timeout.
type Opener func() (io.ReadCloser, error)

type Config struct {
	// Device is the serial device path (e.g. /dev/serial0, /dev/ttyACM0).
	Device string
	Baud   int

	// ReopenAttempts bounds consecutive failed opens before Run gives up.
	ReopenAttempts int
	ReopenBackoff  time.Duration
	ReopenMax      time.Duration

	// Open overrides the serial backend (simulator, tests).
	Open Opener

	Logger *slog.Logger
	Now    func() time.Time
}

type ReaderStats struct {
	Device           string `json:"device"`
	Baud             int    `json:"baud"`
	State            string `json:"state"`
	Sentences        uint64 `json:"sentences"`
	Ignored          uint64 `json:"ignored"`
	Malformed        uint64 `json:"malformed"`
	ChecksumFailures uint64 `json:"checksum_failures"`
	Fragments        uint64 `json:"discarded_fragments"`
	Reopens          uint64 `json:"reopens"`
	LastError        string `json:"last_error,omitempty"`
	LastSentenceUTC  string `json:"last_sentence_utc,omitempty"`
}

type Reader struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	stats ReaderStats
	last  time.Time
}

func NewReader(cfg Config) *Reader {
	cfg.Device = strings.TrimSpace(cfg.Device)
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.ReopenAttempts <= 0 {
		cfg.ReopenAttempts = 5
	}
	if cfg.ReopenBackoff <= 0 {
		cfg.ReopenBackoff = 500 * time.Millisecond
	}
	if cfg.ReopenMax <= 0 {
		cfg.ReopenMax = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Open == nil {
		dev, baud := cfg.Device, cfg.Baud
		cfg.Open = func() (io.ReadCloser, error) { return openSerial(dev, baud) }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		cfg:   cfg,
		log:   log.With("component", "gps"),
		stats: ReaderStats{Device: cfg.Device, Baud: cfg.Baud, State: "stopped"},
	}
}

// Run owns the serial line until ctx is cancelled. Per-sentence failures
// are counted and dropped; only a device that stays unavailable after
// ReopenAttempts consecutive opens ends Run with ErrDeviceGone.
func (r *Reader) Run(ctx context.Context, out chan<- event.Event) error {
	backoff := r.cfg.ReopenBackoff
	failures := 0
	for {
		if ctx.Err() != nil {
			r.setState("stopped", "")
			return nil
		}

		port, err := r.cfg.Open()
		if err != nil {
			failures++
			r.setState("error", err.Error())
			if failures >= r.cfg.ReopenAttempts {
				r.setState("failed", err.Error())
				return fmt.Errorf("%w: device=%s after %d attempts: %w", ErrDeviceGone, r.cfg.Device, failures, err)
			}
			r.log.Warn("gps open failed", "device", r.cfg.Device, "attempt", failures, "err", err)
			if !sleepCtx(ctx, backoff) {
				r.setState("stopped", "")
				return nil
			}
			backoff *= 2
			if backoff > r.cfg.ReopenMax {
				backoff = r.cfg.ReopenMax
			}
			continue
		}

		failures = 0
		backoff = r.cfg.ReopenBackoff
		r.setState("reading", "")
		r.log.Info("gps reading", "device", r.cfg.Device, "baud", r.cfg.Baud)

		err = r.readLoop(ctx, port, out)
		if ctx.Err() != nil {
			r.setState("stopped", "")
			return nil
		}
		r.mu.Lock()
		r.stats.Reopens++
		r.mu.Unlock()
		r.setState("reopening", err.Error())
		r.log.Warn("gps read stopped, reopening", "device", r.cfg.Device, "err", err)
	}
}

func (r *Reader) readLoop(ctx context.Context, port io.ReadCloser, out chan<- event.Event) error {
	defer func() { _ = port.Close() }()

	var lines lineSplitter
	var counted uint64
	countFragments := func() {
		if lines.discarded == counted {
			return
		}
		r.mu.Lock()
		r.stats.Fragments += lines.discarded - counted
		r.mu.Unlock()
		counted = lines.discarded
	}
	defer func() {
		// A partial sentence cannot survive a reopen.
		lines.Reset()
		countFragments()
	}()

	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := port.Read(buf)
		if n > 0 {
			ready := lines.Feed(buf[:n])
			countFragments()
			for _, line := range ready {
				if !r.handleLine(ctx, line, out) {
					return ctx.Err()
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("gps: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
	}
}

// handleLine parses one sentence and forwards the result. It returns false
// only when ctx ended while waiting to send.
func (r *Reader) handleLine(ctx context.Context, line string, out chan<- event.Event) bool {
	now := r.cfg.Now()
	payload, err := ParseSentence(line)

	r.mu.Lock()
	switch {
	case errors.Is(err, ErrChecksumMismatch):
		r.stats.ChecksumFailures++
		r.stats.LastError = err.Error()
	case err != nil:
		r.stats.Malformed++
		r.stats.LastError = err.Error()
	default:
		r.stats.Sentences++
		r.last = now
		if _, ok := payload.(event.Ignored); ok {
			r.stats.Ignored++
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Debug("gps sentence dropped", "err", err)
		return true
	}
	if _, ok := payload.(event.Ignored); ok {
		return true
	}

	select {
	case out <- event.Event{Source: Source, ReceivedAt: now, Payload: payload}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Reader) Snapshot() ReaderStats {
	if r == nil {
		return ReaderStats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	if !r.last.IsZero() {
		out.LastSentenceUTC = r.last.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (r *Reader) setState(state, lastErr string) {
	r.mu.Lock()
	r.stats.State = state
	if lastErr != "" {
		r.stats.LastError = lastErr
	}
	r.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
