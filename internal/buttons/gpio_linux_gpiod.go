//go:build linux && (arm || arm64)

package buttons

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOReader reads buttons wired between BCM GPIOs and ground.
type GPIOReader struct {
	chip  *gpiocdev.Chip
	lines *gpiocdev.Lines
	vals  []int
}

// OpenGPIO requests the given BCM pins as pulled-up, active-low inputs. All
// pins must live on one chip.
func OpenGPIO(chipPath string, pins []int) (*GPIOReader, error) {
	if len(pins) == 0 || len(pins) > 8 {
		return nil, fmt.Errorf("buttons: need 1..8 gpio pins, got %d", len(pins))
	}

	candidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	if chipPath != "" {
		candidates = []string{chipPath}
	} else if entries, err := os.ReadDir("/dev"); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "gpiochip") {
				candidates = append(candidates, filepath.Join("/dev", e.Name()))
			}
		}
	}

	for _, path := range candidates {
		chip, err := gpiocdev.NewChip(path)
		if err != nil {
			continue
		}
		offsets, ok := findLines(chip, pins)
		if !ok {
			_ = chip.Close()
			continue
		}
		lines, err := chip.RequestLines(offsets,
			gpiocdev.AsInput,
			gpiocdev.WithPullUp,
			gpiocdev.AsActiveLow,
			gpiocdev.WithConsumer("cycle-ng-buttons"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &GPIOReader{chip: chip, lines: lines, vals: make([]int, len(offsets))}, nil
	}
	return nil, fmt.Errorf("buttons: gpio pins %v not found (or busy)", pins)
}

func findLines(chip *gpiocdev.Chip, pins []int) ([]int, bool) {
	offsets := make([]int, 0, len(pins))
	for _, pin := range pins {
		// Pi kernels name header lines "GPIO<bcm>".
		off, err := chip.FindLine(fmt.Sprintf("GPIO%d", pin))
		if err != nil {
			return nil, false
		}
		offsets = append(offsets, off)
	}
	return offsets, true
}

func (g *GPIOReader) Read() (uint8, error) {
	if g == nil || g.lines == nil {
		return 0, fmt.Errorf("buttons: gpio not initialized")
	}
	if err := g.lines.Values(g.vals); err != nil {
		return 0, err
	}
	var out uint8
	for i, v := range g.vals {
		if v != 0 {
			out |= 1 << i
		}
	}
	return out, nil
}

func (g *GPIOReader) Close() error {
	if g == nil || g.lines == nil {
		return nil
	}
	err := g.lines.Close()
	g.lines = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
