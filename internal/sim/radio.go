package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"cycle-ng/internal/ble"
	"cycle-ng/internal/sensors"
)

// ErrDropped is reported on a subscription's Lost channel by Drop.
var ErrDropped = errors.New("sim: link dropped")

// Radio is a sensors.Radio that synthesises notifications for a rider
// holding a steady effort with a slow wobble.
type Radio struct {
	SpeedKPH     float64
	CadenceRPM   float64
	PowerW       int
	HeartRateBPM int

	// Interval is the wall time between notifications; Step is the sensor
	// time each notification advances. Step defaults to Interval.
	Interval time.Duration
	Step     time.Duration

	mu     sync.Mutex
	subs   map[string]*subscription
	riders map[string]*rider
}

// rider is per-channel sensor state. It outlives subscriptions, as a real
// sensor keeps counting while the link is down.
type rider struct {
	elapsed float64
	wheel   revCounter
	crank   revCounter
}

// revCounter integrates a revolution rate and remembers when the last whole
// revolution happened, in seconds of sensor time.
type revCounter struct {
	revs      float64
	lastEvent float64
}

func (c *revCounter) advance(t0, dt, perSec float64) {
	next := c.revs + perSec*dt
	if whole := math.Floor(next); whole > math.Floor(c.revs) && next > c.revs {
		c.lastEvent = t0 + (whole-c.revs)/(next-c.revs)*dt
	}
	c.revs = next
}

func (c revCounter) count() uint64 { return uint64(math.Floor(c.revs)) }

func (c revCounter) eventTicks(perSec float64) uint16 {
	return uint16(uint64(math.Round(c.lastEvent * perSec)))
}

func (r *Radio) Subscribe(ctx context.Context, ch sensors.ChannelConfig, onFrame func([]byte)) (sensors.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ch.Tag == ble.TagUnknown {
		return nil, fmt.Errorf("sim: channel %s: %w", ch.Name, ble.ErrUnknownChannel)
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	step := r.Step
	if step <= 0 {
		step = interval
	}

	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[string]*subscription)
		r.riders = make(map[string]*rider)
	}
	rd, ok := r.riders[ch.Name]
	if !ok {
		rd = &rider{}
		r.riders[ch.Name] = rd
	}
	s := &subscription{
		lost: make(chan error, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	r.subs[ch.Name] = s
	r.mu.Unlock()

	go func() {
		defer close(s.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
			}
			r.mu.Lock()
			frame := r.next(rd, ch, step.Seconds())
			r.mu.Unlock()
			onFrame(frame)
		}
	}()
	return s, nil
}

// Drop simulates the named channel's link going away.
func (r *Radio) Drop(name string) bool {
	r.mu.Lock()
	s := r.subs[name]
	delete(r.subs, name)
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.halt()
	s.lost <- ErrDropped
	return true
}

func (r *Radio) next(rd *rider, ch sensors.ChannelConfig, dt float64) []byte {
	t0 := rd.elapsed
	rd.elapsed += dt
	wobble := 1 + 0.08*math.Sin(2*math.Pi*rd.elapsed/45)

	switch ch.Tag {
	case ble.TagSpeed:
		circ := float64(ch.WheelCircumferenceMM)
		if circ <= 0 {
			circ = 2105
		}
		mps := r.SpeedKPH / 3.6 * wobble
		rd.wheel.advance(t0, dt, mps/(circ/1000))
		revs := uint32(rd.wheel.count())
		return ble.CSCFrame(&revs, rd.wheel.eventTicks(ble.CSCTicksPerSecond), nil, 0)
	case ble.TagCadence:
		rd.crank.advance(t0, dt, r.CadenceRPM*wobble/60)
		revs := uint16(rd.crank.count())
		return ble.CSCFrame(nil, 0, &revs, rd.crank.eventTicks(ble.CSCTicksPerSecond))
	case ble.TagPower:
		rd.crank.advance(t0, dt, r.CadenceRPM*wobble/60)
		revs := uint16(rd.crank.count())
		watts := int16(math.Round(float64(r.PowerW) * wobble))
		return ble.PowerFrame(watts, &revs, rd.crank.eventTicks(ble.PowerCrankTicksPerSecond))
	default:
		bpm := uint16(math.Round(float64(r.HeartRateBPM) * (1 + (wobble-1)/2)))
		return ble.HeartRateFrame(bpm)
	}
}

type subscription struct {
	lost     chan error
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscription) Lost() <-chan error { return s.lost }

func (s *subscription) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Close stops notifications; no frame is delivered after it returns.
func (s *subscription) Close() error {
	s.halt()
	return nil
}
