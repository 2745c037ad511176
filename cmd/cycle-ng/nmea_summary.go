package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/golang/geo/s2"

	"cycle-ng/internal/event"
	"cycle-ng/internal/gps"
)

const earthRadiusM = 6371008.8

type nmeaSummary struct {
	Lines            int
	Fixes            int
	NoFix            int
	ChecksumFailures int
	Malformed        int
	TrackM           float64
	First, Last      *event.Fix
	TypeCounts       map[string]int
}

// summarizeNMEA reads a raw receiver capture. Bad sentences are counted,
// never fatal. Track length sums great-circle hops between GGA fixes only,
// so each epoch counts once.
func summarizeNMEA(r io.Reader) (nmeaSummary, error) {
	s := nmeaSummary{TypeCounts: map[string]int{}}
	var prev *s2.LatLng

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.Lines++

		p, err := gps.ParseSentence(line)
		switch {
		case errors.Is(err, gps.ErrChecksumMismatch):
			s.ChecksumFailures++
			continue
		case err != nil:
			s.Malformed++
			continue
		}
		s.TypeCounts[sentenceType(line)]++

		switch v := p.(type) {
		case event.NoFix:
			s.NoFix++
		case event.Fix:
			s.Fixes++
			fix := v
			if s.First == nil {
				s.First = &fix
			}
			s.Last = &fix
			if !strings.HasSuffix(sentenceType(line), "GGA") {
				continue
			}
			ll := s2.LatLngFromDegrees(v.LatDeg, v.LonDeg)
			if prev != nil {
				s.TrackM += prev.Distance(ll).Radians() * earthRadiusM
			}
			prev = &ll
		}
	}
	return s, sc.Err()
}

// sentenceType returns the talker+type field, e.g. "GPGGA".
func sentenceType(line string) string {
	line = strings.TrimPrefix(line, "$")
	if i := strings.IndexAny(line, ",*"); i >= 0 {
		line = line[:i]
	}
	return strings.ToUpper(line)
}

func printNMEASummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := summarizeNMEA(f)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "lines: %d\n", s.Lines)
	fmt.Fprintf(w, "fixes: %d\n", s.Fixes)
	fmt.Fprintf(w, "no_fix: %d\n", s.NoFix)
	fmt.Fprintf(w, "checksum_failures: %d\n", s.ChecksumFailures)
	fmt.Fprintf(w, "malformed: %d\n", s.Malformed)
	fmt.Fprintf(w, "track_m: %.1f\n", s.TrackM)
	if s.First != nil {
		fmt.Fprintf(w, "first_fix: %.6f,%.6f\n", s.First.LatDeg, s.First.LonDeg)
		fmt.Fprintf(w, "last_fix: %.6f,%.6f\n", s.Last.LatDeg, s.Last.LonDeg)
	}

	keys := make([]string, 0, len(s.TypeCounts))
	for k := range s.TypeCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "sentence_counts:\n")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %d\n", k, s.TypeCounts[k])
	}
	return nil
}
