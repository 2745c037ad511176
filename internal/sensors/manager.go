// Package sensors keeps one live radio subscription per configured cycling
// sensor and republishes decoded measurements on the merged event channel.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cycle-ng/internal/ble"
	"cycle-ng/internal/event"
)

// ErrLinkLost is the error carried by ChannelLost when a subscription drops
// without a more specific cause.
var ErrLinkLost = errors.New("sensors: link lost")

// ChannelConfig describes one paired sensor characteristic.
type ChannelConfig struct {
	Name    string
	Tag     ble.Tag
	Address string

	// WheelCircumferenceMM is stamped onto SpeedSamples from this channel.
	WheelCircumferenceMM int
}

// Radio opens notification subscriptions. onFrame may be called from any
// goroutine but must not be called concurrently for one subscription, and
// must not be called after Subscription.Close returns.
type Radio interface {
	Subscribe(ctx context.Context, ch ChannelConfig, onFrame func(payload []byte)) (Subscription, error)
}

// Subscription is a live notification stream.
type Subscription interface {
	// Lost is signalled (or closed) when the link drops.
	Lost() <-chan error
	Close() error
}

// RawFrame is a notification as received, before decoding.
type RawFrame struct {
	Channel    string
	Tag        ble.Tag
	Payload    []byte
	ReceivedAt time.Time
}

type Config struct {
	Channels []ChannelConfig

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// FrameBuffer bounds the per-channel queue between the radio callback
	// and the decoding goroutine. Overflowing frames are dropped.
	FrameBuffer int

	Logger *slog.Logger
	Now    func() time.Time
}

type ChannelStats struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Address      string `json:"address,omitempty"`
	State        string `json:"state"`
	Frames       uint64 `json:"frames"`
	DecodeErrors uint64 `json:"decode_errors"`
	Dropped      uint64 `json:"dropped"`
	Reconnects   uint64 `json:"reconnects"`
	LastError    string `json:"last_error,omitempty"`
	LastFrameUTC string `json:"last_frame_utc,omitempty"`
}

type Manager struct {
	cfg   Config
	radio Radio
	log   *slog.Logger

	mu    sync.Mutex
	stats map[string]*channelState
	order []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type channelState struct {
	stats     ChannelStats
	lastFrame time.Time
}

func NewManager(cfg Config, radio Radio) (*Manager, error) {
	if radio == nil {
		return nil, fmt.Errorf("sensors: radio is nil")
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 32
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{cfg: cfg, radio: radio, log: log.With("component", "sensors"), stats: make(map[string]*channelState)}
	addrs := make(map[string]string, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return nil, fmt.Errorf("sensors: channel name is required")
		}
		if ch.Tag == ble.TagUnknown {
			return nil, fmt.Errorf("sensors: channel %s: %w", name, ble.ErrUnknownChannel)
		}
		if _, dup := m.stats[name]; dup {
			return nil, fmt.Errorf("sensors: duplicate channel %s", name)
		}
		if key := strings.ToUpper(strings.TrimSpace(ch.Address)); key != "" {
			if other, dup := addrs[key]; dup {
				return nil, fmt.Errorf("sensors: channels %s and %s share address %s", other, name, key)
			}
			addrs[key] = name
		}
		m.stats[name] = &channelState{stats: ChannelStats{Name: name, Kind: ch.Tag.String(), Address: ch.Address, State: "stopped"}}
		m.order = append(m.order, name)
	}
	return m, nil
}

// Start launches one goroutine per channel. Events are sent on out until
// ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context, out chan<- event.Event) error {
	if m == nil {
		return fmt.Errorf("sensors: manager is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("sensors: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, ch := range m.cfg.Channels {
		ch.Name = strings.TrimSpace(ch.Name)
		m.wg.Add(1)
		go func(ch ChannelConfig) {
			defer m.wg.Done()
			m.runChannel(runCtx, ch, out)
		}(ch)
	}
	return nil
}

// Close stops every channel and waits until all subscriptions are released.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Snapshot returns per-channel link statistics in configuration order.
func (m *Manager) Snapshot() []ChannelStats {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChannelStats, 0, len(m.order))
	for _, name := range m.order {
		st := m.stats[name]
		s := st.stats
		if !st.lastFrame.IsZero() {
			s.LastFrameUTC = st.lastFrame.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, s)
	}
	return out
}

// runChannel is the per-sensor loop: subscribe, pump frames, and on loss
// report ChannelLost and retry with bounded exponential backoff.
func (m *Manager) runChannel(ctx context.Context, ch ChannelConfig, out chan<- event.Event) {
	log := m.log.With("channel", ch.Name, "kind", ch.Tag.String())
	backoff := m.cfg.BackoffInitial
	lost := false
	for {
		if ctx.Err() != nil {
			m.setState(ch.Name, "stopped", "")
			return
		}

		m.setState(ch.Name, "connecting", "")
		connected, linkErr := m.subscribeOnce(ctx, ch, out, lost, log)
		if ctx.Err() != nil {
			m.setState(ch.Name, "stopped", "")
			return
		}
		if connected {
			backoff = m.cfg.BackoffInitial
		}
		if linkErr == nil {
			linkErr = ErrLinkLost
		}
		if connected || !lost {
			// Report each outage once; repeated failed reconnects stay quiet.
			if !m.emit(ctx, out, ch.Name, event.ChannelLost{Err: linkErr}) {
				m.setState(ch.Name, "stopped", "")
				return
			}
			log.Warn("sensor link lost", "err", linkErr)
		}
		lost = true
		m.setState(ch.Name, "lost", linkErr.Error())

		if !sleepCtx(ctx, backoff) {
			m.setState(ch.Name, "stopped", "")
			return
		}
		backoff *= 2
		if backoff > m.cfg.BackoffMax {
			backoff = m.cfg.BackoffMax
		}
	}
}

// subscribeOnce holds one subscription until it drops or ctx ends. It
// reports whether the subscription was established.
func (m *Manager) subscribeOnce(ctx context.Context, ch ChannelConfig, out chan<- event.Event, wasLost bool, log *slog.Logger) (bool, error) {
	frames := make(chan RawFrame, m.cfg.FrameBuffer)
	var closed bool
	var closeMu sync.Mutex
	onFrame := func(payload []byte) {
		f := RawFrame{
			Channel:    ch.Name,
			Tag:        ch.Tag,
			Payload:    append([]byte(nil), payload...),
			ReceivedAt: m.cfg.Now(),
		}
		closeMu.Lock()
		defer closeMu.Unlock()
		if closed {
			return
		}
		select {
		case frames <- f:
		default:
			m.bump(ch.Name, func(s *ChannelStats) { s.Dropped++ })
		}
	}

	sub, err := m.radio.Subscribe(ctx, ch, onFrame)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			log.Debug("sensor unsubscribe failed", "err", err)
		}
		closeMu.Lock()
		closed = true
		closeMu.Unlock()
	}()

	if wasLost {
		m.bump(ch.Name, func(s *ChannelStats) { s.Reconnects++ })
		if !m.emit(ctx, out, ch.Name, event.ChannelRestored{}) {
			return true, nil
		}
		log.Info("sensor link restored")
	} else {
		log.Info("sensor subscribed", "address", ch.Address)
	}
	m.setState(ch.Name, "connected", "")

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case err, ok := <-sub.Lost():
			if !ok || err == nil {
				err = ErrLinkLost
			}
			return true, err
		case f := <-frames:
			if !m.forward(ctx, ch, f, out, log) {
				return true, nil
			}
		}
	}
}

// forward decodes one frame and sends its measurements. Decode failures are
// counted and dropped. It returns false only if ctx ended mid-send.
func (m *Manager) forward(ctx context.Context, ch ChannelConfig, f RawFrame, out chan<- event.Event, log *slog.Logger) bool {
	payloads, err := ble.DecodeAll(f.Tag, f.Payload)

	m.mu.Lock()
	st := m.stats[ch.Name]
	st.stats.Frames++
	st.lastFrame = f.ReceivedAt
	if err != nil {
		st.stats.DecodeErrors++
		st.stats.LastError = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		log.Debug("sensor frame dropped", "err", err, "len", len(f.Payload))
		return true
	}
	for _, p := range payloads {
		if s, ok := p.(event.SpeedSample); ok {
			s.WheelCircumferenceMM = ch.WheelCircumferenceMM
			p = s
		}
		select {
		case out <- event.Event{Source: ch.Name, ReceivedAt: f.ReceivedAt, Payload: p}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (m *Manager) emit(ctx context.Context, out chan<- event.Event, source string, p event.Payload) bool {
	select {
	case out <- event.Event{Source: source, ReceivedAt: m.cfg.Now(), Payload: p}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) setState(name, state, lastErr string) {
	m.bump(name, func(s *ChannelStats) {
		s.State = state
		if lastErr != "" {
			s.LastError = lastErr
		}
	})
}

func (m *Manager) bump(name string, fn func(s *ChannelStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stats[name]; ok {
		fn(&st.stats)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
