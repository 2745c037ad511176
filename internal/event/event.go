// Package event defines the typed events that flow from the acquisition
// layer (radio sensors, GPS) to the ride aggregator.
//
// Payload is a closed set: only types in this package implement it.
package event

import "time"

// Event is the envelope carried on the merged event channel.
type Event struct {
	// Source names the producing channel (configured sensor name, or "gps").
	Source string
	// ReceivedAt is the host receipt time. It is taken with time.Now and
	// keeps the monotonic clock reading; it is unrelated to any
	// sensor-internal event time.
	ReceivedAt time.Time
	Payload    Payload
}

// Payload is implemented by every event body.
type Payload interface {
	payload()
}

// CadenceSample is crank revolution data as reported by the sensor.
// Counters are raw cumulative values; deltas are the consumer's job.
type CadenceSample struct {
	Revolutions    uint32
	RevolutionBits uint8
	// EventTime is the time of the last crank event in 1/TicksPerSecond units.
	EventTime      uint16
	TicksPerSecond uint16
}

// SpeedSample is wheel revolution data as reported by the sensor.
type SpeedSample struct {
	Revolutions          uint32
	RevolutionBits       uint8
	EventTime            uint16
	TicksPerSecond       uint16
	WheelCircumferenceMM int
}

type PowerSample struct {
	Watts int16
	// BalancePercent is the pedal power balance when HasBalance is set.
	BalancePercent float64
	HasBalance     bool
}

type HeartRateSample struct {
	BPM uint16
}

// Fix is a position estimate. RMC and GLL sentences carry no altitude; RMC
// also carries ground speed and course (HasMotion).
type Fix struct {
	LatDeg     float64
	LonDeg     float64
	FixQuality int
	Satellites int
	HDOP       float64

	AltitudeM   float64
	HasAltitude bool

	GroundSpeedKnots float64
	TrueCourseDeg    float64
	HasMotion        bool
}

type CourseSpeed struct {
	GroundSpeedKnots float64
	TrueCourseDeg    float64
}

// NoFix means a sentence parsed fine but reports no valid position.
type NoFix struct{}

// Ignored is a well-formed sentence of a type that is not acted on.
type Ignored struct {
	Sentence string
}

// ChannelLost reports that a radio link dropped.
type ChannelLost struct {
	Err error
}

// ChannelRestored reports that a previously lost radio link is back.
type ChannelRestored struct{}

func (CadenceSample) payload()   {}
func (SpeedSample) payload()     {}
func (PowerSample) payload()     {}
func (HeartRateSample) payload() {}
func (Fix) payload()             {}
func (CourseSpeed) payload()     {}
func (NoFix) payload()           {}
func (Ignored) payload()         {}
func (ChannelLost) payload()     {}
func (ChannelRestored) payload() {}

// KnotsToMPS converts knots to meters per second.
func KnotsToMPS(kt float64) float64 {
	return kt * 1852.0 / 3600.0
}
