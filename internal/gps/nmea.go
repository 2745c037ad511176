package gps

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cycle-ng/internal/event"
)

var (
	ErrMissingDelimiter  = errors.New("nmea: missing '$'")
	ErrMissingChecksum   = errors.New("nmea: missing checksum")
	ErrChecksumMismatch  = errors.New("nmea: checksum mismatch")
	ErrMalformedSentence = errors.New("nmea: malformed sentence")
)

// ParseSentence verifies and decodes one NMEA 0183 line.
//
// Sentence types that are not acted on produce event.Ignored, and a sentence
// reporting no valid fix produces event.NoFix; neither is an error.
func ParseSentence(line string) (event.Payload, error) {
	fields, err := splitSentence(line)
	if err != nil {
		return nil, err
	}
	id := fields[0]
	if len(id) != 5 {
		return nil, fmt.Errorf("%w: identifier %q", ErrMalformedSentence, id)
	}

	switch strings.ToUpper(id[2:]) {
	case "GGA":
		return parseGGA(fields)
	case "RMC":
		return parseRMC(fields)
	case "VTG":
		return parseVTG(fields)
	case "GLL":
		return parseGLL(fields)
	default:
		return event.Ignored{Sentence: id}, nil
	}
}

// splitSentence checks framing and checksum and returns the comma fields
// between '$' and '*'.
func splitSentence(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nil, ErrMissingDelimiter
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nil, ErrMissingChecksum
	}
	payload := line[1:star]
	ck := line[star+1:]
	if len(ck) != 2 {
		return nil, fmt.Errorf("%w: checksum field %q", ErrMissingChecksum, ck)
	}
	want, err := hex.DecodeString(ck)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum field %q", ErrChecksumMismatch, ck)
	}
	if got := checksum(payload); got != want[0] {
		return nil, fmt.Errorf("%w: got %02X want %02X", ErrChecksumMismatch, got, want[0])
	}
	return strings.Split(payload, ","), nil
}

func checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// GGA: Global Positioning System Fix Data
//
//	0: talker+type
//	1: time
//	2,3: latitude, N/S
//	4,5: longitude, E/W
//	6: fix quality (0=invalid)
//	7: satellites in use
//	8: HDOP
//	9: altitude (meters MSL)
func parseGGA(f []string) (event.Payload, error) {
	if len(f) < 10 {
		return nil, fmt.Errorf("%w: GGA has %d fields", ErrMalformedSentence, len(f))
	}
	q := strings.TrimSpace(f[6])
	if q == "" || q == "0" {
		return event.NoFix{}, nil
	}
	quality, err := strconv.Atoi(q)
	if err != nil {
		return nil, fmt.Errorf("%w: GGA quality %q", ErrMalformedSentence, q)
	}
	lat, lon, err := parseLatLonPair(f[2], f[3], f[4], f[5])
	if err != nil {
		return nil, err
	}
	fix := event.Fix{LatDeg: lat, LonDeg: lon, FixQuality: quality}
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		fix.Satellites = sats
	}
	if hdop, ok := parseFloat(f[8]); ok {
		fix.HDOP = hdop
	}
	if alt, ok := parseFloat(f[9]); ok {
		fix.AltitudeM = alt
		fix.HasAltitude = true
	}
	return fix, nil
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	2: status (A=active, V=void)
//	3,4: latitude, N/S
//	5,6: longitude, E/W
//	7: speed over ground (knots)
//	8: course over ground (deg true)
func parseRMC(f []string) (event.Payload, error) {
	if len(f) < 9 {
		return nil, fmt.Errorf("%w: RMC has %d fields", ErrMalformedSentence, len(f))
	}
	if strings.TrimSpace(f[2]) != "A" {
		return event.NoFix{}, nil
	}
	lat, lon, err := parseLatLonPair(f[3], f[4], f[5], f[6])
	if err != nil {
		return nil, err
	}
	fix := event.Fix{LatDeg: lat, LonDeg: lon, FixQuality: 1}
	if gs, ok := parseFloat(f[7]); ok {
		fix.GroundSpeedKnots = gs
		fix.HasMotion = true
		if trk, ok := parseFloat(f[8]); ok {
			fix.TrueCourseDeg = normalizeCourse(trk)
		}
	}
	return fix, nil
}

// VTG: Course Over Ground and Ground Speed
//
//	1: course (deg true)
//	5: speed (knots)
//	9: mode indicator (NMEA 2.3+, N=not valid)
func parseVTG(f []string) (event.Payload, error) {
	if len(f) < 8 {
		return nil, fmt.Errorf("%w: VTG has %d fields", ErrMalformedSentence, len(f))
	}
	if len(f) > 9 && strings.TrimSpace(f[9]) == "N" {
		return event.NoFix{}, nil
	}
	gs, ok := parseFloat(f[5])
	if !ok {
		return event.NoFix{}, nil
	}
	cs := event.CourseSpeed{GroundSpeedKnots: gs}
	if trk, ok := parseFloat(f[1]); ok {
		cs.TrueCourseDeg = normalizeCourse(trk)
	}
	return cs, nil
}

// GLL: Geographic Position
//
//	1,2: latitude, N/S
//	3,4: longitude, E/W
//	6: status (A=valid)
func parseGLL(f []string) (event.Payload, error) {
	if len(f) < 7 {
		return nil, fmt.Errorf("%w: GLL has %d fields", ErrMalformedSentence, len(f))
	}
	if strings.TrimSpace(f[6]) != "A" {
		return event.NoFix{}, nil
	}
	lat, lon, err := parseLatLonPair(f[1], f[2], f[3], f[4])
	if err != nil {
		return nil, err
	}
	return event.Fix{LatDeg: lat, LonDeg: lon, FixQuality: 1}, nil
}

func parseLatLonPair(lat, ns, lon, ew string) (float64, float64, error) {
	la, ok := parseNMEALatLon(lat, ns, "NS")
	if !ok {
		return 0, 0, fmt.Errorf("%w: latitude %q %q", ErrMalformedSentence, lat, ns)
	}
	lo, ok := parseNMEALatLon(lon, ew, "EW")
	if !ok {
		return 0, 0, fmt.Errorf("%w: longitude %q %q", ErrMalformedSentence, lon, ew)
	}
	return la, lo, nil
}

func normalizeCourse(deg float64) float64 {
	if deg >= 0 && deg < 360 {
		return deg
	}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (latitude) or dddmm.mmmm (longitude)
// plus a hemisphere letter from allowed ("NS" or "EW").
func parseNMEALatLon(v string, hemi string, allowed string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.ToUpper(strings.TrimSpace(hemi))
	if v == "" || len(hemi) != 1 || !strings.Contains(allowed, hemi) {
		return 0, false
	}

	// The last two digits of the integer part are whole minutes.
	intPart := v
	if dot := strings.IndexByte(v, '.'); dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil || mins < 0 || mins >= 60 {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	limit := 90.0
	if allowed == "EW" {
		limit = 180.0
	}
	if dec > limit {
		return 0, false
	}
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
