package buttons

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cycle-ng/internal/ride"
)

type fakeReader struct {
	state  atomic.Uint32
	fail   atomic.Bool
	closed atomic.Bool
}

func (r *fakeReader) set(v uint8) { r.state.Store(uint32(v)) }

func (r *fakeReader) Read() (uint8, error) {
	if r.fail.Load() {
		return 0, errors.New("i2c: remote I/O error")
	}
	return uint8(r.state.Load()), nil
}

func (r *fakeReader) Close() error {
	r.closed.Store(true)
	return nil
}

// fakeRide applies lifecycle rules like the aggregator does.
type fakeRide struct {
	mu     sync.Mutex
	status ride.Status
	calls  []string
}

func (f *fakeRide) do(name string, from []ride.Status, to ride.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	for _, s := range from {
		if f.status == s {
			f.status = to
			return nil
		}
	}
	return ride.ErrInvalidTransition
}

func (f *fakeRide) StartRide(context.Context) error {
	return f.do("start", []ride.Status{ride.NotStarted, ride.Paused}, ride.Riding)
}
func (f *fakeRide) PauseRide(context.Context) error {
	return f.do("pause", []ride.Status{ride.Riding}, ride.Paused)
}
func (f *fakeRide) StopRide(context.Context) error {
	return f.do("stop", []ride.Status{ride.Riding, ride.Paused}, ride.Stopped)
}

func (f *fakeRide) Status() ride.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func run(t *testing.T, r Reader, ctl Controller, hold time.Duration) *Service {
	t.Helper()
	s, err := New(Config{PollInterval: time.Millisecond, StopHold: hold}, r, ctl)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return s
}

func click(t *testing.T, r *fakeReader, bits uint8) {
	t.Helper()
	r.set(bits)
	time.Sleep(10 * time.Millisecond)
	r.set(0)
	time.Sleep(10 * time.Millisecond)
}

func TestButtons_ToggleStartPauseResume(t *testing.T) {
	r := &fakeReader{}
	ctl := &fakeRide{}
	run(t, r, ctl, time.Hour)

	click(t, r, bitRide)
	require.Eventually(t, func() bool { return ctl.Status() == ride.Riding }, time.Second, time.Millisecond)

	click(t, r, bitRide)
	require.Eventually(t, func() bool { return ctl.Status() == ride.Paused }, time.Second, time.Millisecond)

	click(t, r, bitRide)
	require.Eventually(t, func() bool { return ctl.Status() == ride.Riding }, time.Second, time.Millisecond)
}

func TestButtons_HoldStops(t *testing.T) {
	r := &fakeReader{}
	ctl := &fakeRide{status: ride.Riding}
	run(t, r, ctl, 30*time.Millisecond)

	r.set(bitRide)
	require.Eventually(t, func() bool { return ctl.Status() == ride.Stopped }, time.Second, time.Millisecond)
	r.set(0)
	time.Sleep(20 * time.Millisecond)

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.Equal(t, []string{"stop"}, ctl.calls, "release after a hold does not toggle")
}

func TestButtons_StopButton(t *testing.T) {
	r := &fakeReader{}
	ctl := &fakeRide{status: ride.Paused}
	run(t, r, ctl, time.Hour)

	click(t, r, bitStop)
	require.Eventually(t, func() bool { return ctl.Status() == ride.Stopped }, time.Second, time.Millisecond)
}

func TestButtons_ReadErrorsAreCountedAndClosed(t *testing.T) {
	r := &fakeReader{}
	r.fail.Store(true)
	ctl := &fakeRide{}
	s, err := New(Config{PollInterval: time.Millisecond}, r, ctl)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Snapshot().ReadErrs >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, r.closed.Load())
	assert.Contains(t, s.Snapshot().LastError, "remote I/O")
	assert.Equal(t, ride.NotStarted, ctl.Status())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, nil, &fakeRide{})
	require.Error(t, err)
}
