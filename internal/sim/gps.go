package sim

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// GPS emits GGA and RMC sentences for a Route as a serial-like byte stream.
type GPS struct {
	Route     Route
	AltitudeM float64
	// Interval between sentence bursts; 1s like a typical receiver.
	Interval time.Duration
	Now      func() time.Time
}

// Open matches gps.Opener.
func (g GPS) Open() (io.ReadCloser, error) {
	if g.Interval <= 0 {
		g.Interval = time.Second
	}
	if g.Now == nil {
		g.Now = time.Now
	}
	now := time.Now()
	return &nmeaPort{g: g, start: g.Now(), next: now, closed: make(chan struct{})}, nil
}

// Sentences renders the receiver output for one instant.
func (g GPS) Sentences(now time.Time, elapsed time.Duration) []string {
	lat, lon, course, speed := g.Route.At(elapsed)
	utc := now.UTC()
	hms := fmt.Sprintf("%02d%02d%02d.%02d", utc.Hour(), utc.Minute(), utc.Second(), utc.Nanosecond()/1e7)
	dmy := fmt.Sprintf("%02d%02d%02d", utc.Day(), int(utc.Month()), utc.Year()%100)
	latS, ns := nmeaDegMin(lat, 2, "N", "S")
	lonS, ew := nmeaDegMin(lon, 3, "E", "W")
	knots := speed * 3600 / 1852

	return []string{
		nmeaWrap(fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,09,0.9,%.1f,M,47.0,M,,", hms, latS, ns, lonS, ew, g.AltitudeM)),
		nmeaWrap(fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.2f,%.1f,%s,,,A", hms, latS, ns, lonS, ew, knots, course, dmy)),
	}
}

func nmeaWrap(payload string) string {
	var ck byte
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", payload, ck)
}

// nmeaDegMin formats decimal degrees as (d)ddmm.mmmm plus hemisphere.
func nmeaDegMin(v float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if v < 0 {
		hemi = neg
		v = -v
	}
	deg := math.Floor(v)
	min := (v - deg) * 60
	if min >= 59.99995 {
		deg++
		min = 0
	}
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(deg), min), hemi
}

type nmeaPort struct {
	g     GPS
	start time.Time
	// next paces bursts in wall time.
	next    time.Time
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Read returns buffered sentence bytes, or waits at most one second for the
// next burst and returns (0, nil) like a tty with VTIME set.
func (p *nmeaPort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, os.ErrClosed
	default:
	}
	if len(p.pending) == 0 {
		if wait := time.Until(p.next); wait > 0 {
			if wait > time.Second {
				wait = time.Second
			}
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-p.closed:
				return 0, os.ErrClosed
			case <-t.C:
			}
			return 0, nil
		}
		now := p.g.Now()
		for _, s := range p.g.Sentences(now, now.Sub(p.start)) {
			p.pending = append(p.pending, s...)
		}
		p.next = p.next.Add(p.g.Interval)
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *nmeaPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
