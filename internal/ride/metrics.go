package ride

import (
	"fmt"
	"time"

	"cycle-ng/internal/workout"
)

type Status int

const (
	NotStarted Status = iota
	Riding
	Paused
	Stopped
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Riding:
		return "riding"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Reading is one live metric. Valid means a value has been received at
// least once; Stale means the last update is older than the staleness
// window. A stale reading keeps its last value.
type Reading struct {
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
	Valid     bool      `json:"valid"`
	Stale     bool      `json:"stale"`
}

// Current returns the value only when it is valid and fresh.
func (r Reading) Current() (float64, bool) {
	return r.Value, r.Valid && !r.Stale
}

func (r *Reading) set(v float64, at time.Time) {
	r.Value = v
	r.UpdatedAt = at
	r.Valid = true
}

type Position struct {
	LatDeg      float64   `json:"lat_deg"`
	LonDeg      float64   `json:"lon_deg"`
	AltitudeM   float64   `json:"altitude_m"`
	HasAltitude bool      `json:"has_altitude"`
	FixQuality  int       `json:"fix_quality"`
	Satellites  int       `json:"satellites"`
	UpdatedAt   time.Time `json:"updated_at"`
	Valid       bool      `json:"valid"`
	Stale       bool      `json:"stale"`
}

// LinkState is the aggregator's view of one event source.
type LinkState struct {
	Source    string    `json:"source"`
	Connected bool      `json:"connected"`
	Losses    int       `json:"losses"`
	LastError string    `json:"last_error,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Metrics is a point-in-time copy of the ride aggregate. Speeds are m/s,
// cadence rpm, power W, heart rate bpm, distances meters.
type Metrics struct {
	RideID    string    `json:"ride_id,omitempty"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`

	Elapsed    time.Duration `json:"elapsed_ns"`
	MovingTime time.Duration `json:"moving_time_ns"`
	Stationary bool          `json:"stationary"`

	Speed     Reading `json:"speed"`
	Cadence   Reading `json:"cadence"`
	Power     Reading `json:"power"`
	HeartRate Reading `json:"heart_rate"`
	GPSSpeed  Reading `json:"gps_speed"`

	DistanceM    float64 `json:"distance_m"`
	GPSDistanceM float64 `json:"gps_distance_m"`
	EnergyKJ     float64 `json:"energy_kj"`

	AvgSpeed     float64 `json:"avg_speed"`
	MaxSpeed     float64 `json:"max_speed"`
	AvgCadence   float64 `json:"avg_cadence"`
	AvgPower     float64 `json:"avg_power"`
	MaxPower     float64 `json:"max_power"`
	AvgHeartRate float64 `json:"avg_heart_rate"`
	MaxHeartRate float64 `json:"max_heart_rate"`

	// Target is the planned power while a workout is loaded.
	Target workout.Target `json:"target"`

	Position Position    `json:"position"`
	Links    []LinkState `json:"links"`

	// Discarded counts revolution samples rejected as stale or duplicate.
	Discarded uint64 `json:"discarded"`
	NoFix     uint64 `json:"no_fix"`

	// Elapsed keeps running while Riding; segmentStart anchors the open span.
	segmentStart time.Time
}

// settle fills the clock-dependent fields for now.
func (m *Metrics) settle(now time.Time, window time.Duration) {
	if m.Status == Riding && !m.segmentStart.IsZero() && now.After(m.segmentStart) {
		m.Elapsed += now.Sub(m.segmentStart)
		m.segmentStart = now
	}
	for _, r := range []*Reading{&m.Speed, &m.Cadence, &m.Power, &m.HeartRate, &m.GPSSpeed} {
		r.Stale = r.Valid && now.Sub(r.UpdatedAt) > window
	}
	m.Position.Stale = m.Position.Valid && now.Sub(m.Position.UpdatedAt) > window
}

func (m Metrics) clone() Metrics {
	if m.Links != nil {
		m.Links = append([]LinkState(nil), m.Links...)
	}
	return m
}
