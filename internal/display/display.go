// Package display polls ride snapshots and hands them to a renderer.
package display

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cycle-ng/internal/ride"
	"cycle-ng/internal/workout"
)

// Renderer draws one snapshot. It owns no ride logic.
type Renderer interface {
	Render(m ride.Metrics) error
}

// Source is anything that can produce a snapshot, normally *ride.Aggregator.
type Source interface {
	Snapshot() ride.Metrics
}

type Loop struct {
	Interval time.Duration
	Source   Source
	Renderer Renderer
	Logger   *slog.Logger
}

// Run renders immediately and then on every tick until ctx is done. Render
// errors are logged; the loop keeps going.
func (l Loop) Run(ctx context.Context) error {
	if l.Source == nil || l.Renderer == nil {
		return fmt.Errorf("display: source and renderer are required")
	}
	interval := l.Interval
	if interval <= 0 {
		interval = time.Second
	}
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "display")

	t := time.NewTicker(interval)
	defer t.Stop()
	var failures int
	for {
		if err := l.Renderer.Render(l.Source.Snapshot()); err != nil {
			failures++
			// First failure at warn, the rest at debug.
			if failures == 1 {
				log.Warn("render failed", "err", err)
			} else {
				log.Debug("render failed", "err", err, "failures", failures)
			}
		} else if failures > 0 {
			log.Info("render recovered", "failures", failures)
			failures = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// TextRenderer logs the formatted screen as a single record.
type TextRenderer struct {
	Logger *slog.Logger
}

func (r TextRenderer) Render(m ride.Metrics) error {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info(strings.Join(Format(m), " | "))
	return nil
}

const absent = "--"

// Format lays the snapshot out as screen lines. Readings that are missing or
// stale print as "--".
func Format(m ride.Metrics) []string {
	lines := []string{
		fmt.Sprintf("%s %s", m.Status, clock(m.Elapsed)),
		fmt.Sprintf("spd %s km/h  cad %s rpm", reading(m.Speed, 3.6, 1), reading(m.Cadence, 1, 0)),
		fmt.Sprintf("pwr %s W  hr %s bpm", reading(m.Power, 1, 0), reading(m.HeartRate, 1, 0)),
		fmt.Sprintf("dist %.2f km  mov %s", m.DistanceM/1000, clock(m.MovingTime)),
		position(m.Position),
	}
	if t := target(m.Target); t != "" {
		lines = append(lines, t)
	}
	return lines
}

func target(t workout.Target) string {
	switch {
	case t.Done:
		return "tgt done"
	case !t.Active:
		return ""
	case t.Step == 0:
		return fmt.Sprintf("tgt %d W  hold", t.Watts)
	default:
		return fmt.Sprintf("tgt %d W  %d/%d  %s", t.Watts, t.Step, t.Steps, clock(t.Remaining))
	}
}

func reading(r ride.Reading, scale float64, prec int) string {
	v, ok := r.Current()
	if !ok {
		return absent
	}
	return fmt.Sprintf("%.*f", prec, v*scale)
}

func position(p ride.Position) string {
	if !p.Valid || p.Stale {
		return "gps " + absent
	}
	return fmt.Sprintf("gps %.5f,%.5f", p.LatDeg, p.LonDeg)
}

func clock(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
