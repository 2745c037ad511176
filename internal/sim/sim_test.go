package sim

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"cycle-ng/internal/ble"
	"cycle-ng/internal/event"
	"cycle-ng/internal/gps"
	"cycle-ng/internal/sensors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPS_SentencesParse(t *testing.T) {
	g := GPS{Route: Route{CenterLatDeg: 47.6, CenterLonDeg: -122.3}, AltitudeM: 55}
	now := time.Date(2026, 5, 1, 12, 30, 5, 0, time.UTC)

	lines := g.Sentences(now, 40*time.Second)
	require.Len(t, lines, 2)
	wantLat, wantLon, _, _ := g.Route.At(40 * time.Second)

	for _, line := range lines {
		require.True(t, strings.HasSuffix(line, "\r\n"))
		p, err := gps.ParseSentence(strings.TrimSpace(line))
		require.NoError(t, err, line)
		fix, ok := p.(event.Fix)
		require.True(t, ok, "%T", p)
		assert.InDelta(t, wantLat, fix.LatDeg, 1e-5)
		assert.InDelta(t, wantLon, fix.LonDeg, 1e-5)
	}
	gga, _ := gps.ParseSentence(strings.TrimSpace(lines[0]))
	assert.True(t, gga.(event.Fix).HasAltitude)
	assert.InDelta(t, 55, gga.(event.Fix).AltitudeM, 0.05)
	assert.Contains(t, lines[1], ",010526,")
}

func TestNMEADegMin(t *testing.T) {
	s, h := nmeaDegMin(-122.5, 3, "E", "W")
	assert.Equal(t, "12230.0000", s)
	assert.Equal(t, "W", h)

	s, h = nmeaDegMin(5.999999999, 2, "N", "S")
	assert.Equal(t, "0600.0000", s)
	assert.Equal(t, "N", h)
}

func TestGPS_PortStreamsAndCloses(t *testing.T) {
	g := GPS{Route: Route{CenterLatDeg: 10, CenterLonDeg: 20}, Interval: 20 * time.Millisecond}
	rc, err := g.Open()
	require.NoError(t, err)

	sc := bufio.NewScanner(rc)
	var got []string
	for len(got) < 4 && sc.Scan() {
		got = append(got, sc.Text())
	}
	require.Len(t, got, 4)
	assert.True(t, strings.HasPrefix(got[0], "$GPGGA,"))
	assert.True(t, strings.HasPrefix(got[1], "$GPRMC,"))

	require.NoError(t, rc.Close())
	_, err = rc.Read(make([]byte, 8))
	assert.Error(t, err)
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) add(b []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), b...))
	s.mu.Unlock()
}

func (s *frameSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *frameSink) waitFor(t *testing.T, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.snapshot()) >= n }, 2*time.Second, time.Millisecond)
	return s.snapshot()
}

func TestRadio_SpeedFramesMatchConfiguredSpeed(t *testing.T) {
	r := &Radio{SpeedKPH: 36, Interval: time.Millisecond, Step: time.Second}
	var sink frameSink
	sub, err := r.Subscribe(context.Background(), sensors.ChannelConfig{Name: "wheel", Tag: ble.TagSpeed, WheelCircumferenceMM: 2000}, sink.add)
	require.NoError(t, err)
	frames := sink.waitFor(t, 12)
	require.NoError(t, sub.Close())

	a, err := ble.Decode(ble.TagSpeed, frames[1])
	require.NoError(t, err)
	b, err := ble.Decode(ble.TagSpeed, frames[11])
	require.NoError(t, err)
	sa, sb := a.(event.SpeedSample), b.(event.SpeedSample)

	revs := float64(sb.Revolutions - sa.Revolutions)
	secs := float64(uint16(sb.EventTime-sa.EventTime)) / ble.CSCTicksPerSecond
	require.Positive(t, secs)
	// 10 m/s on a 2 m wheel, within the wobble.
	assert.InEpsilon(t, 10.0, revs*2/secs, 0.1)
}

func TestRadio_PowerAndHeartRate(t *testing.T) {
	r := &Radio{CadenceRPM: 90, PowerW: 200, HeartRateBPM: 140, Interval: time.Millisecond}
	var pw, hr frameSink
	s1, err := r.Subscribe(context.Background(), sensors.ChannelConfig{Name: "pm", Tag: ble.TagPower}, pw.add)
	require.NoError(t, err)
	s2, err := r.Subscribe(context.Background(), sensors.ChannelConfig{Name: "hrm", Tag: ble.TagHeartRate}, hr.add)
	require.NoError(t, err)

	p, err := ble.Decode(ble.TagPower, pw.waitFor(t, 1)[0])
	require.NoError(t, err)
	assert.InDelta(t, 200, int(p.(event.PowerSample).Watts), 20)

	h, err := ble.Decode(ble.TagHeartRate, hr.waitFor(t, 1)[0])
	require.NoError(t, err)
	assert.InDelta(t, 140, int(h.(event.HeartRateSample).BPM), 10)

	require.NoError(t, s1.Close())
	require.NoError(t, s2.Close())
}

func TestRadio_NoFramesAfterClose(t *testing.T) {
	r := &Radio{SpeedKPH: 20, Interval: time.Millisecond}
	var sink frameSink
	sub, err := r.Subscribe(context.Background(), sensors.ChannelConfig{Name: "wheel", Tag: ble.TagSpeed}, sink.add)
	require.NoError(t, err)
	sink.waitFor(t, 2)
	require.NoError(t, sub.Close())
	n := len(sink.snapshot())
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, sink.snapshot(), n)
}

func TestRadio_DropSignalsLostAndCountersPersist(t *testing.T) {
	r := &Radio{CadenceRPM: 60, Interval: time.Millisecond, Step: time.Second}
	ch := sensors.ChannelConfig{Name: "crank", Tag: ble.TagCadence}

	var first frameSink
	sub, err := r.Subscribe(context.Background(), ch, first.add)
	require.NoError(t, err)
	first.waitFor(t, 3)

	assert.True(t, r.Drop("crank"))
	assert.False(t, r.Drop("crank"))
	select {
	case err := <-sub.Lost():
		assert.ErrorIs(t, err, ErrDropped)
	case <-time.After(time.Second):
		t.Fatal("lost not signalled")
	}
	require.NoError(t, sub.Close())
	before, err := ble.Decode(ble.TagCadence, first.snapshot()[len(first.snapshot())-1])
	require.NoError(t, err)

	var second frameSink
	sub2, err := r.Subscribe(context.Background(), ch, second.add)
	require.NoError(t, err)
	after, err := ble.Decode(ble.TagCadence, second.waitFor(t, 1)[0])
	require.NoError(t, err)
	require.NoError(t, sub2.Close())

	assert.Greater(t, after.(event.CadenceSample).Revolutions, before.(event.CadenceSample).Revolutions)
}

func TestRadio_RejectsUnknownTag(t *testing.T) {
	r := &Radio{}
	_, err := r.Subscribe(context.Background(), sensors.ChannelConfig{Name: "x"}, func([]byte) {})
	assert.ErrorIs(t, err, ble.ErrUnknownChannel)
}

func TestRevCounter_EventTimeOnWholeRevolutions(t *testing.T) {
	var c revCounter
	c.advance(0, 1, 0.5)
	assert.Equal(t, uint64(0), c.count())
	assert.Equal(t, uint16(0), c.eventTicks(1024))

	c.advance(1, 1, 0.5)
	assert.Equal(t, uint64(1), c.count())
	assert.Equal(t, uint16(2048), c.eventTicks(1024))

	c.advance(2, 1, 0.75)
	assert.Equal(t, uint64(1), c.count())
	assert.Equal(t, uint16(2048), c.eventTicks(1024))
}

func TestRadio_DropThroughManagerReconnects(t *testing.T) {
	r := &Radio{SpeedKPH: 25, Interval: 2 * time.Millisecond}
	m, err := sensors.NewManager(sensors.Config{
		Channels:       []sensors.ChannelConfig{{Name: "wheel", Tag: ble.TagSpeed, WheelCircumferenceMM: 2105}},
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, r)
	require.NoError(t, err)

	out := make(chan event.Event, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx, out))
	defer m.Close()

	next := func() event.Event {
		t.Helper()
		select {
		case ev := <-out:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
			return event.Event{}
		}
	}
	require.IsType(t, event.SpeedSample{}, next().Payload)
	require.Eventually(t, func() bool { return r.Drop("wheel") }, time.Second, time.Millisecond)

	var sawLost, sawRestored bool
	for !sawRestored {
		switch next().Payload.(type) {
		case event.ChannelLost:
			sawLost = true
		case event.ChannelRestored:
			sawRestored = true
		}
	}
	assert.True(t, sawLost)
	assert.Equal(t, uint64(1), m.Snapshot()[0].Reconnects)
}
