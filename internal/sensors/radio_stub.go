//go:build !linux

package sensors

import (
	"context"
	"fmt"
)

// BLERadio is only available on Linux (BlueZ). Use the simulator elsewhere.
type BLERadio struct{}

func NewBLERadio() *BLERadio { return &BLERadio{} }

func (r *BLERadio) Subscribe(ctx context.Context, ch ChannelConfig, onFrame func([]byte)) (Subscription, error) {
	return nil, fmt.Errorf("bluetooth radio not supported on this platform (channel %s)", ch.Name)
}
