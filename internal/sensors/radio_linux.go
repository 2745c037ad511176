//go:build linux

package sensors

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"cycle-ng/internal/ble"
)

// BLERadio subscribes to GATT notifications through BlueZ on the default
// adapter.
type BLERadio struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu   sync.Mutex
	lost map[string]chan error
}

func NewBLERadio() *BLERadio {
	return &BLERadio{adapter: bluetooth.DefaultAdapter, lost: make(map[string]chan error)}
}

func (r *BLERadio) enable() error {
	r.enableOnce.Do(func() {
		if err := r.adapter.Enable(); err != nil {
			r.enableErr = fmt.Errorf("enable adapter: %w", err)
			return
		}
		// One handler per adapter; fan disconnects out to the subscription
		// that owns the address.
		r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			key := strings.ToUpper(device.Address.String())
			r.mu.Lock()
			ch := r.lost[key]
			r.mu.Unlock()
			if ch == nil {
				return
			}
			select {
			case ch <- ErrLinkLost:
			default:
			}
		})
	})
	return r.enableErr
}

// gattLink is a connected peripheral with its measurement characteristic.
type gattLink struct {
	char       bluetooth.DeviceCharacteristic
	disconnect func() error
}

// link connects and discovers. BlueZ gives no deadline on either step.
func (r *BLERadio) link(key string, mac bluetooth.MAC, tag ble.Tag) (gattLink, error) {
	dev, err := r.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
	if err != nil {
		return gattLink{}, fmt.Errorf("connect %s: %w", key, err)
	}
	disconnect := dev.Disconnect

	svcUUID := bluetooth.New16BitUUID(tag.ServiceUUID())
	charUUID := bluetooth.New16BitUUID(tag.CharacteristicUUID())

	services, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(services) == 0 {
		_ = disconnect()
		return gattLink{}, fmt.Errorf("discover service %s on %s: %w", svcUUID.String(), key, orMissing(err))
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil || len(chars) == 0 {
		_ = disconnect()
		return gattLink{}, fmt.Errorf("discover characteristic %s on %s: %w", charUUID.String(), key, orMissing(err))
	}
	return gattLink{char: chars[0], disconnect: disconnect}, nil
}

func (r *BLERadio) Subscribe(ctx context.Context, ch ChannelConfig, onFrame func([]byte)) (Subscription, error) {
	if err := r.enable(); err != nil {
		return nil, err
	}
	key := strings.ToUpper(strings.TrimSpace(ch.Address))
	mac, err := bluetooth.ParseMAC(key)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", ch.Address, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &bleSubscription{radio: r, key: key, lost: make(chan error, 1)}
	r.mu.Lock()
	if _, busy := r.lost[key]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("address %s already subscribed", key)
	}
	r.lost[key] = sub.lost
	r.mu.Unlock()

	l, err := awaitCtx(ctx,
		func() (gattLink, error) { return r.link(key, mac, ch.Tag) },
		func(late gattLink) { _ = late.disconnect() },
	)
	if err != nil {
		r.release(sub)
		return nil, err
	}
	sub.disconnect = l.disconnect

	if err := l.char.EnableNotifications(func(buf []byte) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		onFrame(buf)
	}); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("enable notifications on %s: %w", key, err)
	}
	return sub, nil
}

func (r *BLERadio) release(s *bleSubscription) {
	r.mu.Lock()
	if r.lost[s.key] == s.lost {
		delete(r.lost, s.key)
	}
	r.mu.Unlock()
}

func orMissing(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("not found")
}

type bleSubscription struct {
	radio      *BLERadio
	key        string
	lost       chan error
	disconnect func() error

	mu     sync.Mutex
	closed bool
}

func (s *bleSubscription) Lost() <-chan error { return s.lost }

func (s *bleSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.radio.release(s)
	return s.disconnect()
}
