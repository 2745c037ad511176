package ride

import "time"

// maxConsecutiveDiscards re-seeds a counter that keeps moving backwards,
// which is what a sensor reset (battery swap) looks like.
const maxConsecutiveDiscards = 3

// revDelta returns cur-prev modulo 2^bits. A delta in the upper half of the
// range is a counter that moved backwards, not a wrap, and is rejected.
func revDelta(prev, cur uint32, bits uint8) (uint32, bool) {
	if bits == 0 || bits > 32 {
		bits = 32
	}
	mask := uint64(1)<<bits - 1
	d := (uint64(cur) - uint64(prev)) & mask
	if d > mask/2 {
		return 0, false
	}
	return uint32(d), true
}

// tickDelta is revDelta for the 16-bit event time counter.
func tickDelta(prev, cur uint16) (uint16, bool) {
	d := cur - prev
	if d > 0x7FFF {
		return 0, false
	}
	return d, true
}

type stepKind int

const (
	stepSeeded stepKind = iota
	stepAdvanced
	stepDuplicate
	stepDiscarded
)

type step struct {
	kind  stepKind
	revs  uint32
	ticks uint16
}

// counterTrack holds the previous cumulative values for one source.
type counterTrack struct {
	seeded    bool
	revs      uint32
	eventTime uint16
	lastRevAt time.Time
	discards  int
}

func (c *counterTrack) reset() { *c = counterTrack{} }

func (c *counterTrack) step(revs uint32, bits uint8, eventTime uint16, at time.Time) step {
	if !c.seeded {
		*c = counterTrack{seeded: true, revs: revs, eventTime: eventTime, lastRevAt: at}
		return step{kind: stepSeeded}
	}
	dr, okR := revDelta(c.revs, revs, bits)
	dt, okT := tickDelta(c.eventTime, eventTime)
	if !okR || !okT || (dr > 0 && dt == 0) {
		c.discards++
		if c.discards >= maxConsecutiveDiscards {
			*c = counterTrack{seeded: true, revs: revs, eventTime: eventTime, lastRevAt: at}
			return step{kind: stepSeeded}
		}
		return step{kind: stepDiscarded}
	}
	c.discards = 0
	if dr == 0 && dt == 0 {
		return step{kind: stepDuplicate}
	}
	c.revs = revs
	c.eventTime = eventTime
	if dr > 0 {
		c.lastRevAt = at
	}
	return step{kind: stepAdvanced, revs: dr, ticks: dt}
}
