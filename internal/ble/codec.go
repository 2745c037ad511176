// Package ble decodes the GATT characteristic payloads of standard cycling
// sensors (Cycling Speed and Cadence, Cycling Power, Heart Rate).
//
// Decoding is pure: no state is kept between calls. Cumulative revolution
// counters are returned as reported; wrap handling needs history and lives
// with the consumer.
package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"cycle-ng/internal/event"
)

var (
	ErrMalformed      = errors.New("ble: malformed payload")
	ErrUnknownChannel = errors.New("ble: unknown channel")
)

// Tag identifies which characteristic (and, for CSC, which half of it) a
// frame came from.
type Tag int

const (
	TagUnknown Tag = iota
	TagSpeed
	TagCadence
	TagPower
	TagHeartRate
)

func (t Tag) String() string {
	switch t {
	case TagSpeed:
		return "speed"
	case TagCadence:
		return "cadence"
	case TagPower:
		return "power"
	case TagHeartRate:
		return "heart_rate"
	default:
		return "unknown"
	}
}

// ParseTag maps a config kind string to a Tag.
func ParseTag(s string) (Tag, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "speed":
		return TagSpeed, nil
	case "cadence":
		return TagCadence, nil
	case "power":
		return TagPower, nil
	case "heart_rate", "heartrate", "hr":
		return TagHeartRate, nil
	default:
		return TagUnknown, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
}

// 16-bit SIG assigned numbers.
const (
	ServiceCyclingSpeedCadence uint16 = 0x1816
	ServiceCyclingPower        uint16 = 0x1818
	ServiceHeartRate           uint16 = 0x180D

	CharCSCMeasurement          uint16 = 0x2A5B
	CharCyclingPowerMeasurement uint16 = 0x2A63
	CharHeartRateMeasurement    uint16 = 0x2A37
)

func (t Tag) ServiceUUID() uint16 {
	switch t {
	case TagSpeed, TagCadence:
		return ServiceCyclingSpeedCadence
	case TagPower:
		return ServiceCyclingPower
	case TagHeartRate:
		return ServiceHeartRate
	default:
		return 0
	}
}

func (t Tag) CharacteristicUUID() uint16 {
	switch t {
	case TagSpeed, TagCadence:
		return CharCSCMeasurement
	case TagPower:
		return CharCyclingPowerMeasurement
	case TagHeartRate:
		return CharHeartRateMeasurement
	default:
		return 0
	}
}

// Counter widths and event time resolutions from the profiles.
const (
	WheelRevolutionBits = 32
	CrankRevolutionBits = 16

	CSCTicksPerSecond        = 1024
	PowerWheelTicksPerSecond = 2048
	PowerCrankTicksPerSecond = 1024
)

// Decode returns the primary measurement of a frame for the given tag.
func Decode(tag Tag, payload []byte) (event.Payload, error) {
	all, err := DecodeAll(tag, payload)
	if err != nil {
		return nil, err
	}
	return all[0], nil
}

// DecodeAll returns every measurement carried by a frame, primary first.
// A power frame with crank revolution data also yields a CadenceSample.
// For CSC frames the tag selects the half: TagSpeed returns wheel data,
// TagCadence crank data; the other half is appended when present.
func DecodeAll(tag Tag, payload []byte) ([]event.Payload, error) {
	switch tag {
	case TagSpeed, TagCadence:
		return decodeCSC(tag, payload)
	case TagPower:
		return decodePower(payload)
	case TagHeartRate:
		return decodeHeartRate(payload)
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownChannel, int(tag))
	}
}

const (
	cscWheelPresent = 1 << 0
	cscCrankPresent = 1 << 1
)

// CSC Measurement:
//
//	0: flags
//	wheel (flag bit 0): uint32 cumulative revs, uint16 last event time
//	crank (flag bit 1): uint16 cumulative revs, uint16 last event time
func decodeCSC(tag Tag, b []byte) ([]event.Payload, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: csc: empty", ErrMalformed)
	}
	flags := b[0]
	need := 1
	if flags&cscWheelPresent != 0 {
		need += 6
	}
	if flags&cscCrankPresent != 0 {
		need += 4
	}
	if len(b) < need {
		return nil, fmt.Errorf("%w: csc: len=%d want>=%d", ErrMalformed, len(b), need)
	}

	var wheel, crank event.Payload
	i := 1
	if flags&cscWheelPresent != 0 {
		wheel = event.SpeedSample{
			Revolutions:    binary.LittleEndian.Uint32(b[i:]),
			RevolutionBits: WheelRevolutionBits,
			EventTime:      binary.LittleEndian.Uint16(b[i+4:]),
			TicksPerSecond: CSCTicksPerSecond,
		}
		i += 6
	}
	if flags&cscCrankPresent != 0 {
		crank = event.CadenceSample{
			Revolutions:    uint32(binary.LittleEndian.Uint16(b[i:])),
			RevolutionBits: CrankRevolutionBits,
			EventTime:      binary.LittleEndian.Uint16(b[i+2:]),
			TicksPerSecond: CSCTicksPerSecond,
		}
	}

	primary, secondary := wheel, crank
	if tag == TagCadence {
		primary, secondary = crank, wheel
	}
	if primary == nil {
		return nil, fmt.Errorf("%w: csc: no %s data (flags=0x%02x)", ErrMalformed, tag, flags)
	}
	out := []event.Payload{primary}
	if secondary != nil {
		out = append(out, secondary)
	}
	return out, nil
}

const (
	powerBalancePresent     = 1 << 0
	powerTorquePresent      = 1 << 2
	powerWheelPresent       = 1 << 4
	powerCrankPresent       = 1 << 5
	powerMinimumPayloadSize = 4
)

// Cycling Power Measurement:
//
//	0-1: flags (uint16)
//	2-3: instantaneous power (sint16, W)
//	balance (bit 0): uint8, 1/2 %
//	accumulated torque (bit 2): uint16, 1/32 Nm
//	wheel (bit 4): uint32 revs, uint16 time (1/2048 s)
//	crank (bit 5): uint16 revs, uint16 time (1/1024 s)
//
// Later optional fields are not read.
func decodePower(b []byte) ([]event.Payload, error) {
	if len(b) < powerMinimumPayloadSize {
		return nil, fmt.Errorf("%w: power: len=%d want>=%d", ErrMalformed, len(b), powerMinimumPayloadSize)
	}
	flags := binary.LittleEndian.Uint16(b[0:])
	ps := event.PowerSample{Watts: int16(binary.LittleEndian.Uint16(b[2:]))}

	i := 4
	if flags&powerBalancePresent != 0 {
		if len(b) < i+1 {
			return nil, fmt.Errorf("%w: power: truncated balance", ErrMalformed)
		}
		ps.BalancePercent = float64(b[i]) / 2.0
		ps.HasBalance = true
		i++
	}
	if flags&powerTorquePresent != 0 {
		i += 2
	}
	out := []event.Payload{ps}
	if flags&powerWheelPresent != 0 {
		if len(b) < i+6 {
			return nil, fmt.Errorf("%w: power: truncated wheel data", ErrMalformed)
		}
		out = append(out, event.SpeedSample{
			Revolutions:    binary.LittleEndian.Uint32(b[i:]),
			RevolutionBits: WheelRevolutionBits,
			EventTime:      binary.LittleEndian.Uint16(b[i+4:]),
			TicksPerSecond: PowerWheelTicksPerSecond,
		})
		i += 6
	}
	if flags&powerCrankPresent != 0 {
		if len(b) < i+4 {
			return nil, fmt.Errorf("%w: power: truncated crank data", ErrMalformed)
		}
		out = append(out, event.CadenceSample{
			Revolutions:    uint32(binary.LittleEndian.Uint16(b[i:])),
			RevolutionBits: CrankRevolutionBits,
			EventTime:      binary.LittleEndian.Uint16(b[i+2:]),
			TicksPerSecond: PowerCrankTicksPerSecond,
		})
	}
	return out, nil
}

const hrValueUint16 = 1 << 0

// Heart Rate Measurement: flags, then uint8 or uint16 BPM depending on bit 0.
func decodeHeartRate(b []byte) ([]event.Payload, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: heart rate: len=%d", ErrMalformed, len(b))
	}
	if b[0]&hrValueUint16 == 0 {
		return []event.Payload{event.HeartRateSample{BPM: uint16(b[1])}}, nil
	}
	if len(b) < 3 {
		return nil, fmt.Errorf("%w: heart rate: truncated uint16 value", ErrMalformed)
	}
	return []event.Payload{event.HeartRateSample{BPM: binary.LittleEndian.Uint16(b[1:])}}, nil
}
