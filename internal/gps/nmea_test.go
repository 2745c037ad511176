package gps

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cycle-ng/internal/event"
)

func nmeaLine(payload string) string {
	return fmt.Sprintf("$%s*%02X", payload, checksum(payload))
}

const (
	rmcPayload = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	ggaPayload = "GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
)

func TestParseSentence_GGAFix(t *testing.T) {
	got, err := ParseSentence(nmeaLine(ggaPayload))
	require.NoError(t, err)

	fix, ok := got.(event.Fix)
	require.True(t, ok, "got %T", got)
	assert.InDelta(t, 48.1173, fix.LatDeg, 1e-4)
	assert.InDelta(t, 11.516667, fix.LonDeg, 1e-4)
	assert.Equal(t, 1, fix.FixQuality)
	assert.Equal(t, 8, fix.Satellites)
	assert.InDelta(t, 0.9, fix.HDOP, 1e-9)
	assert.True(t, fix.HasAltitude)
	assert.InDelta(t, 545.4, fix.AltitudeM, 1e-9)
}

func TestParseSentence_RMCFixWithMotion(t *testing.T) {
	got, err := ParseSentence(nmeaLine(rmcPayload))
	require.NoError(t, err)

	fix, ok := got.(event.Fix)
	require.True(t, ok, "got %T", got)
	assert.True(t, fix.HasMotion)
	assert.InDelta(t, 22.4, fix.GroundSpeedKnots, 1e-9)
	assert.InDelta(t, 84.4, fix.TrueCourseDeg, 1e-9)
	assert.False(t, fix.HasAltitude)
}

func TestParseSentence_HemisphereSigns(t *testing.T) {
	got, err := ParseSentence(nmeaLine("GPGLL,3351.500,S,15112.600,W,225444,A"))
	require.NoError(t, err)
	fix := got.(event.Fix)
	assert.InDelta(t, -33.858333, fix.LatDeg, 1e-6)
	assert.InDelta(t, -151.21, fix.LonDeg, 1e-6)
}

func TestParseSentence_InvalidFixIsNoFix(t *testing.T) {
	for _, p := range []string{
		"GPRMC,123519,V,,,,,,,230394,,",
		"GNGGA,123519,,,,,0,00,99.9,,M,,M,,",
		"GPGLL,,,,,225444,V",
		"GPVTG,,T,,M,,N,,K,N",
	} {
		got, err := ParseSentence(nmeaLine(p))
		require.NoError(t, err, p)
		assert.Equal(t, event.NoFix{}, got, p)
	}
}

func TestParseSentence_VTG(t *testing.T) {
	got, err := ParseSentence(nmeaLine("GPVTG,054.7,T,034.4,M,005.5,N,010.2,K,A"))
	require.NoError(t, err)
	assert.Equal(t, event.CourseSpeed{GroundSpeedKnots: 5.5, TrueCourseDeg: 54.7}, got)
}

func TestNormalizeCourse(t *testing.T) {
	assert.Equal(t, 54.7, normalizeCourse(54.7))
	assert.Equal(t, 359.9, normalizeCourse(359.9))
	assert.Equal(t, 0.0, normalizeCourse(360))
	assert.InDelta(t, 10.5, normalizeCourse(370.5), 1e-9)
	assert.InDelta(t, 350.0, normalizeCourse(-10), 1e-9)
}

func TestParseSentence_UnknownTypeIsIgnored(t *testing.T) {
	got, err := ParseSentence(nmeaLine("GPGSV,3,1,11,03,03,111,00,04,15,270,00,06,01,010,00,13,06,292,00"))
	require.NoError(t, err)
	assert.Equal(t, event.Ignored{Sentence: "GPGSV"}, got)
}

func TestParseSentence_CorruptedChecksumCharacter(t *testing.T) {
	good := nmeaLine(rmcPayload)
	for i := len(good) - 2; i < len(good); i++ {
		for _, c := range "0123456789ABCDEF" {
			if byte(c) == good[i] {
				continue
			}
			bad := good[:i] + string(c) + good[i+1:]
			got, err := ParseSentence(bad)
			require.ErrorIs(t, err, ErrChecksumMismatch, bad)
			assert.Nil(t, got)
		}
	}
}

func TestParseSentence_CorruptedBody(t *testing.T) {
	good := nmeaLine(ggaPayload)
	bad := good[:10] + "9" + good[11:]
	_, err := ParseSentence(bad)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestParseSentence_Framing(t *testing.T) {
	_, err := ParseSentence("GPRMC,123519,A*00")
	require.ErrorIs(t, err, ErrMissingDelimiter)

	_, err = ParseSentence("$GPRMC,123519,A")
	require.ErrorIs(t, err, ErrMissingChecksum)

	_, err = ParseSentence("$GPRMC,123519,A*1")
	require.ErrorIs(t, err, ErrMissingChecksum)

	_, err = ParseSentence(nmeaLine("GPRMC,123519,A,48x7.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
	require.ErrorIs(t, err, ErrMalformedSentence)

	_, err = ParseSentence(nmeaLine("GPGGA,123519"))
	require.ErrorIs(t, err, ErrMalformedSentence)
}

func TestParseNMEALatLon(t *testing.T) {
	v, ok := parseNMEALatLon("4807.038", "N", "NS")
	require.True(t, ok)
	assert.InDelta(t, 48.1173, v, 1e-6)

	_, ok = parseNMEALatLon("4807.038", "E", "NS")
	assert.False(t, ok)
	_, ok = parseNMEALatLon("07.038", "N", "NS")
	assert.False(t, ok)
	_, ok = parseNMEALatLon("4875.000", "N", "NS")
	assert.False(t, ok)
}
