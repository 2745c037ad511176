package gps

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cycle-ng/internal/event"
)

// scriptPort replays chunks, then either fails with endErr or behaves like
// an idle tty (bounded empty reads) until closed.
type scriptPort struct {
	mu     sync.Mutex
	chunks []string
	endErr error
	closed bool
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p.chunks) > 0 {
		n := copy(b, p.chunks[0])
		p.chunks = p.chunks[1:]
		return n, nil
	}
	if p.endErr != nil {
		return 0, p.endErr
	}
	p.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	p.mu.Lock()
	return 0, nil
}

func (p *scriptPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *scriptPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func openerFor(ports ...*scriptPort) Opener {
	var mu sync.Mutex
	return func() (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(ports) == 0 {
			return nil, errors.New("no such device")
		}
		p := ports[0]
		ports = ports[1:]
		return p, nil
	}
}

func recv(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return event.Event{}
	}
}

func TestReader_ReassemblesSentencesAcrossReads(t *testing.T) {
	rmc := nmeaLine(rmcPayload)
	gga := nmeaLine(ggaPayload)
	port := &scriptPort{chunks: []string{
		rmc + "\r\n" + gga[:12],
		gga[12:] + "\r",
		"\n",
	}}
	r := NewReader(Config{Device: "/dev/test", Open: openerFor(port)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan event.Event, 8)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, out) }()

	first := recv(t, out)
	assert.Equal(t, Source, first.Source)
	assert.True(t, first.Payload.(event.Fix).HasMotion)
	assert.False(t, first.ReceivedAt.IsZero())

	second := recv(t, out)
	assert.True(t, second.Payload.(event.Fix).HasAltitude)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, port.isClosed())

	stats := r.Snapshot()
	assert.Equal(t, uint64(2), stats.Sentences)
	assert.Equal(t, "stopped", stats.State)
}

func TestReader_DropsBadSentencesAndKeepsReading(t *testing.T) {
	good := nmeaLine(ggaPayload)
	bad := good[:len(good)-2] + "00"
	port := &scriptPort{chunks: []string{
		"garbage without terminator\n",
		bad + "\r\n",
		nmeaLine("GPGSV,1,1,00") + "\r\n",
		good + "\r\n",
	}}
	r := NewReader(Config{Device: "/dev/test", Open: openerFor(port)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan event.Event, 8)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, out) }()

	ev := recv(t, out)
	_, isFix := ev.Payload.(event.Fix)
	assert.True(t, isFix)

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, out)

	stats := r.Snapshot()
	assert.Equal(t, uint64(1), stats.ChecksumFailures)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Ignored)
	assert.NotEmpty(t, stats.LastError)
}

func TestReader_CountsOversizeLinesWhileReading(t *testing.T) {
	port := &scriptPort{chunks: []string{
		"$GPTXT," + strings.Repeat("x", maxSentenceBytes),
		"\r\n" + nmeaLine(ggaPayload) + "\r\n",
	}}
	r := NewReader(Config{Device: "/dev/test", Open: openerFor(port)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan event.Event, 8)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, out) }()

	recv(t, out)
	stats := r.Snapshot()
	assert.Equal(t, "reading", stats.State)
	assert.Equal(t, uint64(1), stats.Fragments)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), r.Snapshot().Fragments)
}

func TestReader_ReopensAfterReadFailure(t *testing.T) {
	first := &scriptPort{
		chunks: []string{nmeaLine(ggaPayload) + "\r\n$GPRMC,12"},
		endErr: errors.New("input/output error"),
	}
	second := &scriptPort{chunks: []string{"3519*00\r\n", nmeaLine(rmcPayload) + "\r\n"}}
	r := NewReader(Config{
		Device:        "/dev/test",
		Open:          openerFor(first, second),
		ReopenBackoff: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan event.Event, 8)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, out) }()

	recv(t, out)
	ev := recv(t, out)
	assert.True(t, ev.Payload.(event.Fix).HasMotion)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, first.isClosed())
	assert.True(t, second.isClosed())

	stats := r.Snapshot()
	assert.Equal(t, uint64(1), stats.Reopens)
	// The fragment split by the reopen is discarded on the first port, and
	// the orphaned tail fails framing on the second.
	assert.Equal(t, uint64(1), stats.Fragments)
	assert.Equal(t, uint64(1), stats.Malformed)
}

func TestReader_DeviceGoneIsFatal(t *testing.T) {
	r := NewReader(Config{
		Device:         "/dev/missing",
		Open:           openerFor(),
		ReopenAttempts: 3,
		ReopenBackoff:  time.Millisecond,
	})

	err := r.Run(context.Background(), make(chan event.Event, 1))
	require.ErrorIs(t, err, ErrDeviceGone)
	assert.True(t, strings.Contains(err.Error(), "no such device"))
	assert.Equal(t, "failed", r.Snapshot().State)
}

func TestReader_CancelWhileIdle(t *testing.T) {
	port := &scriptPort{}
	r := NewReader(Config{Device: "/dev/test", Open: openerFor(port)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, make(chan event.Event)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not observe cancellation")
	}
	assert.True(t, port.isClosed())
}

func TestLineSplitter(t *testing.T) {
	var s lineSplitter

	assert.Empty(t, s.Feed([]byte("$A*00")))
	assert.Equal(t, []string{"$A*00", "$B*00"}, s.Feed([]byte("\r\n$B*00\n\n")))

	long := strings.Repeat("x", maxSentenceBytes+1)
	assert.Empty(t, s.Feed([]byte(long)))
	assert.Equal(t, []string{"$C*00"}, s.Feed([]byte("tail\n$C*00\n")))
	assert.Equal(t, uint64(1), s.discarded)

	s.Feed([]byte("$partial"))
	s.Reset()
	assert.Equal(t, uint64(2), s.discarded)
	assert.Equal(t, []string{"$D*00"}, s.Feed([]byte("$D*00\n")))
}
