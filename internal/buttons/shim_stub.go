//go:build !linux

package buttons

import "fmt"

const DefaultShimAddr = 0x3f

type ShimReader struct{}

func OpenShim(bus int, addr uint16, buttons int) (*ShimReader, error) {
	return nil, fmt.Errorf("buttons: i2c shim unsupported on this platform")
}

func (s *ShimReader) Read() (uint8, error) { return 0, fmt.Errorf("buttons: unsupported") }
func (s *ShimReader) Close() error         { return nil }
