//go:build !linux

package gps

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Non-Linux builds (bench machines running the simulator against a USB
// receiver) go through go.bug.st/serial.
func openSerial(path string, baud int) (io.ReadCloser, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A timed-out read returns (0, nil), same as the termios backend.
	if err := port.SetReadTimeout(time.Second); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout %s: %w", path, err)
	}
	return port, nil
}
