//go:build !linux || (!arm && !arm64)

package buttons

import "fmt"

type GPIOReader struct{}

// OpenGPIO is only available on Linux ARM boards.
func OpenGPIO(chipPath string, pins []int) (*GPIOReader, error) {
	return nil, fmt.Errorf("buttons: gpio unsupported on this platform")
}

func (g *GPIOReader) Read() (uint8, error) { return 0, fmt.Errorf("buttons: unsupported") }
func (g *GPIOReader) Close() error         { return nil }
