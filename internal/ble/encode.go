package ble

import "encoding/binary"

// Encoders produce wire frames in the same layouts Decode reads. They are
// used by the simulator radio.

// CSCFrame builds a CSC Measurement payload. Nil halves are omitted.
func CSCFrame(wheelRevs *uint32, wheelTime uint16, crankRevs *uint16, crankTime uint16) []byte {
	b := []byte{0}
	if wheelRevs != nil {
		b[0] |= cscWheelPresent
		b = binary.LittleEndian.AppendUint32(b, *wheelRevs)
		b = binary.LittleEndian.AppendUint16(b, wheelTime)
	}
	if crankRevs != nil {
		b[0] |= cscCrankPresent
		b = binary.LittleEndian.AppendUint16(b, *crankRevs)
		b = binary.LittleEndian.AppendUint16(b, crankTime)
	}
	return b
}

// PowerFrame builds a Cycling Power Measurement payload with optional crank
// revolution data.
func PowerFrame(watts int16, crankRevs *uint16, crankTime uint16) []byte {
	var flags uint16
	if crankRevs != nil {
		flags |= powerCrankPresent
	}
	b := binary.LittleEndian.AppendUint16(nil, flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(watts))
	if crankRevs != nil {
		b = binary.LittleEndian.AppendUint16(b, *crankRevs)
		b = binary.LittleEndian.AppendUint16(b, crankTime)
	}
	return b
}

// HeartRateFrame builds a Heart Rate Measurement payload, using the uint16
// format only when the value needs it.
func HeartRateFrame(bpm uint16) []byte {
	if bpm <= 0xFF {
		return []byte{0, byte(bpm)}
	}
	return binary.LittleEndian.AppendUint16([]byte{hrValueUint16}, bpm)
}
