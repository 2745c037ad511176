//go:build linux

package buttons

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The button shim is an 8-bit I2C port expander with pull-ups; a pressed
// button reads low.
const (
	DefaultShimAddr = 0x3f

	shimRegInput  = 0x00
	shimRegConfig = 0x03

	i2cMrd  = 0x0001
	i2cRdwr = 0x0707
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	buf   uintptr
}

type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

type ShimReader struct {
	f    *os.File
	addr uint16
	mask uint8
}

// OpenShim opens /dev/i2c-<bus> and configures the low `buttons` pins of the
// expander at addr as inputs.
func OpenShim(bus int, addr uint16, buttons int) (*ShimReader, error) {
	if buttons <= 0 || buttons > 8 {
		return nil, fmt.Errorf("buttons: shim supports 1..8 buttons, got %d", buttons)
	}
	path := fmt.Sprintf("/dev/i2c-%d", bus)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("buttons: open %s: %w", path, err)
	}
	s := &ShimReader{f: f, addr: addr, mask: uint8(1<<buttons - 1)}
	if err := s.transfer([]byte{shimRegConfig, 0xFF}, nil); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("buttons: configure shim 0x%02x: %w", addr, err)
	}
	return s, nil
}

func (s *ShimReader) Read() (uint8, error) {
	var b [1]byte
	if err := s.transfer([]byte{shimRegInput}, b[:]); err != nil {
		return 0, err
	}
	return ^b[0] & s.mask, nil
}

func (s *ShimReader) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// transfer issues a combined write+read (repeated start) with I2C_RDWR.
func (s *ShimReader) transfer(w, r []byte) error {
	if s == nil || s.f == nil {
		return errors.New("buttons: shim closed")
	}
	if s.addr == 0 || s.addr > 0x7F {
		return fmt.Errorf("buttons: invalid i2c addr 0x%X", s.addr)
	}
	msgs := make([]i2cMsg, 0, 2)
	if len(w) > 0 {
		msgs = append(msgs, i2cMsg{addr: s.addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))})
	}
	if len(r) > 0 {
		msgs = append(msgs, i2cMsg{addr: s.addr, flags: i2cMrd, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))})
	}
	if len(msgs) == 0 {
		return nil
	}
	data := i2cRdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(len(msgs))}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, s.f.Fd(), uintptr(i2cRdwr), uintptr(unsafe.Pointer(&data)))
	if errno != 0 {
		return errno
	}
	return nil
}
