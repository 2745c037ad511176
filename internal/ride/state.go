package ride

import (
	"log/slog"
	"sort"
	"time"

	"github.com/golang/geo/s2"
	"github.com/google/uuid"

	"cycle-ng/internal/event"
)

// earthRadiusM is the IUGG mean Earth radius.
const earthRadiusM = 6371008.8

type action int

const (
	actionStart action = iota
	actionPause
	actionStop
)

func (a action) String() string {
	switch a {
	case actionStart:
		return "start"
	case actionPause:
		return "pause"
	default:
		return "stop"
	}
}

// state is the live aggregate. Only the Run goroutine touches it.
type state struct {
	cfg Config
	log *slog.Logger

	m Metrics

	counters map[string]*counterTrack
	links    map[string]*LinkState

	speedAuth   *authority
	cadenceAuth *authority

	cadenceSum float64
	cadenceN   int
	hrSum      float64
	hrN        int

	energyJ     float64
	powerSecs   float64
	lastWatts   float64
	lastPowerAt time.Time

	distFix     s2.LatLng
	haveDistFix bool
}

func newState(cfg Config, log *slog.Logger) *state {
	return &state{
		cfg:         cfg,
		log:         log,
		counters:    make(map[string]*counterTrack),
		links:       make(map[string]*LinkState),
		speedAuth:   newAuthority(cfg.SpeedSources),
		cadenceAuth: newAuthority(cfg.CadenceSources),
	}
}

func (s *state) transition(a action, now time.Time) error {
	m := &s.m
	switch a {
	case actionStart:
		switch m.Status {
		case NotStarted:
			m.RideID = uuid.NewString()
			m.StartedAt = now
		case Paused:
		default:
			return transitionErr(a, m.Status)
		}
		m.Status = Riding
		m.segmentStart = now
	case actionPause:
		if m.Status != Riding {
			return transitionErr(a, m.Status)
		}
		s.closeSegment(now)
		m.Status = Paused
	case actionStop:
		if m.Status != Riding && m.Status != Paused {
			return transitionErr(a, m.Status)
		}
		if m.Status == Riding {
			s.closeSegment(now)
		}
		m.Status = Stopped
		m.StoppedAt = now
	}
	s.log.Info("ride status", "status", m.Status.String(), "ride_id", m.RideID)
	return nil
}

// closeSegment ends the open riding span. Integrations that span time
// (energy, GPS distance) restart on resume instead of bridging the pause.
func (s *state) closeSegment(now time.Time) {
	if now.After(s.m.segmentStart) {
		s.m.Elapsed += now.Sub(s.m.segmentStart)
	}
	s.m.segmentStart = time.Time{}
	s.m.Stationary = false
	s.lastPowerAt = time.Time{}
	s.haveDistFix = false
}

func (s *state) apply(ev event.Event) {
	at := ev.ReceivedAt
	switch p := ev.Payload.(type) {
	case event.SpeedSample:
		s.touch(ev.Source, at)
		s.applySpeed(ev.Source, p, at)
	case event.CadenceSample:
		s.touch(ev.Source, at)
		s.applyCadence(ev.Source, p, at)
	case event.PowerSample:
		s.touch(ev.Source, at)
		s.applyPower(p, at)
	case event.HeartRateSample:
		s.touch(ev.Source, at)
		s.m.HeartRate.set(float64(p.BPM), at)
		if s.riding() && p.BPM > 0 {
			s.hrSum += float64(p.BPM)
			s.hrN++
			s.m.AvgHeartRate = s.hrSum / float64(s.hrN)
			s.m.MaxHeartRate = max(s.m.MaxHeartRate, float64(p.BPM))
		}
	case event.Fix:
		s.touch(ev.Source, at)
		s.applyFix(p, at)
	case event.CourseSpeed:
		s.touch(ev.Source, at)
		s.m.GPSSpeed.set(event.KnotsToMPS(p.GroundSpeedKnots), at)
	case event.NoFix:
		// Keep the last position; it ages out through the staleness window.
		s.touch(ev.Source, at)
		s.m.NoFix++
	case event.ChannelLost:
		l := s.link(ev.Source)
		if l.Connected {
			l.Losses++
		}
		l.Connected = false
		l.ChangedAt = at
		s.speedAuth.release(ev.Source)
		s.cadenceAuth.release(ev.Source)
		if p.Err != nil {
			l.LastError = p.Err.Error()
		}
	case event.ChannelRestored:
		// The sensor may have reset while away; re-seed instead of taking a
		// delta across the gap.
		s.resetCounters(ev.Source)
		s.touch(ev.Source, at)
	case event.Ignored:
	}
}

func (s *state) riding() bool { return s.m.Status == Riding }

func (s *state) link(source string) *LinkState {
	l, ok := s.links[source]
	if !ok {
		l = &LinkState{Source: source}
		s.links[source] = l
	}
	return l
}

func (s *state) touch(source string, at time.Time) {
	l := s.link(source)
	if !l.Connected {
		l.Connected = true
		l.ChangedAt = at
	}
}

func (s *state) counter(source, kind string) *counterTrack {
	key := source + "/" + kind
	c, ok := s.counters[key]
	if !ok {
		c = &counterTrack{}
		s.counters[key] = c
	}
	return c
}

func (s *state) resetCounters(source string) {
	for _, kind := range []string{"speed", "cadence"} {
		if c, ok := s.counters[source+"/"+kind]; ok {
			c.reset()
		}
	}
}

func (s *state) applySpeed(source string, p event.SpeedSample, at time.Time) {
	c := s.counter(source, "speed")
	st := c.step(p.Revolutions, p.RevolutionBits, p.EventTime, at)
	switch st.kind {
	case stepDiscarded:
		s.m.Discarded++
		return
	}
	ok, took := s.speedAuth.admit(source, at, s.cfg.StalenessWindow)
	if !ok {
		return
	}
	if took {
		s.log.Debug("speed source", "source", source)
	}
	switch st.kind {
	case stepSeeded:
		return
	case stepAdvanced:
		// The first delta after a handover can overlap the span the
		// previous owner already accounted for.
		if took {
			return
		}
	case stepDuplicate:
		if at.Sub(c.lastRevAt) >= s.cfg.CoastTimeout {
			s.m.Speed.set(0, at)
			if s.riding() {
				s.m.Stationary = true
			}
		}
		return
	}

	circ := p.WheelCircumferenceMM
	if circ <= 0 {
		circ = s.cfg.DefaultWheelCircumferenceMM
	}
	tps := p.TicksPerSecond
	if tps == 0 {
		tps = 1024
	}
	dd := float64(st.revs) * float64(circ) / 1000.0
	dt := float64(st.ticks) / float64(tps)
	speed := dd / dt
	s.m.Speed.set(speed, at)

	if !s.riding() {
		return
	}
	s.m.DistanceM += dd
	if speed > s.cfg.MinMotionSpeed {
		s.m.MovingTime += time.Duration(dt * float64(time.Second))
		s.m.Stationary = false
	} else {
		s.m.Stationary = true
	}
	s.m.MaxSpeed = max(s.m.MaxSpeed, speed)
	if s.m.MovingTime > 0 {
		s.m.AvgSpeed = s.m.DistanceM / s.m.MovingTime.Seconds()
	}
}

func (s *state) applyCadence(source string, p event.CadenceSample, at time.Time) {
	c := s.counter(source, "cadence")
	st := c.step(p.Revolutions, p.RevolutionBits, p.EventTime, at)
	switch st.kind {
	case stepDiscarded:
		s.m.Discarded++
		return
	}
	ok, took := s.cadenceAuth.admit(source, at, s.cfg.StalenessWindow)
	if !ok {
		return
	}
	if took {
		s.log.Debug("cadence source", "source", source)
	}
	switch st.kind {
	case stepSeeded:
		return
	case stepAdvanced:
		if took {
			return
		}
	case stepDuplicate:
		if at.Sub(c.lastRevAt) >= s.cfg.CoastTimeout {
			s.m.Cadence.set(0, at)
		}
		return
	}

	tps := p.TicksPerSecond
	if tps == 0 {
		tps = 1024
	}
	rpm := float64(st.revs) * 60 * float64(tps) / float64(st.ticks)
	s.m.Cadence.set(rpm, at)
	if s.riding() && rpm > 0 {
		s.cadenceSum += rpm
		s.cadenceN++
		s.m.AvgCadence = s.cadenceSum / float64(s.cadenceN)
	}
}

func (s *state) applyPower(p event.PowerSample, at time.Time) {
	watts := float64(p.Watts)
	s.m.Power.set(watts, at)
	if !s.riding() {
		return
	}
	// Integrate the previous level over the gap; gaps longer than the
	// staleness window are outages, not coasting.
	if !s.lastPowerAt.IsZero() {
		gap := at.Sub(s.lastPowerAt)
		if gap > 0 && gap <= s.cfg.StalenessWindow {
			s.energyJ += s.lastWatts * gap.Seconds()
			s.powerSecs += gap.Seconds()
		}
	}
	s.lastWatts = max(watts, 0)
	s.lastPowerAt = at
	s.m.EnergyKJ = s.energyJ / 1000
	if s.powerSecs > 0 {
		s.m.AvgPower = s.energyJ / s.powerSecs
	}
	s.m.MaxPower = max(s.m.MaxPower, watts)
}

func (s *state) applyFix(p event.Fix, at time.Time) {
	s.m.Position = Position{
		LatDeg:      p.LatDeg,
		LonDeg:      p.LonDeg,
		AltitudeM:   p.AltitudeM,
		HasAltitude: p.HasAltitude,
		FixQuality:  p.FixQuality,
		Satellites:  p.Satellites,
		UpdatedAt:   at,
		Valid:       true,
	}
	if p.HasMotion {
		s.m.GPSSpeed.set(event.KnotsToMPS(p.GroundSpeedKnots), at)
	}

	ll := s2.LatLngFromDegrees(p.LatDeg, p.LonDeg)
	if !s.riding() {
		return
	}
	if s.haveDistFix {
		s.m.GPSDistanceM += s.distFix.Distance(ll).Radians() * earthRadiusM
	}
	s.distFix = ll
	s.haveDistFix = true
}

// publish builds an independent copy of the aggregate.
func (s *state) publish() Metrics {
	out := s.m
	out.Links = make([]LinkState, 0, len(s.links))
	for _, l := range s.links {
		out.Links = append(out.Links, *l)
	}
	sort.Slice(out.Links, func(i, j int) bool { return out.Links[i].Source < out.Links[j].Source })
	return out
}
