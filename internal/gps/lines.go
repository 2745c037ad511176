package gps

import "bytes"

// maxSentenceBytes bounds a reassembled line. NMEA sentences are at most 82
// characters; the headroom covers proprietary sentences.
const maxSentenceBytes = 256

// lineSplitter reassembles terminator-delimited lines from arbitrary read
// chunks. A partial tail is carried to the next Feed; a tail that grows past
// maxSentenceBytes without a terminator is discarded up to the next one.
type lineSplitter struct {
	buf       []byte
	overflow  bool
	discarded uint64
}

// Feed appends chunk and returns all complete, non-empty lines with line
// terminators and surrounding whitespace removed.
func (s *lineSplitter) Feed(chunk []byte) []string {
	var out []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i == -1 {
			s.appendPartial(chunk)
			return out
		}
		s.appendPartial(chunk[:i])
		chunk = chunk[i+1:]

		if s.overflow {
			s.overflow = false
			s.buf = s.buf[:0]
			continue
		}
		line := bytes.TrimSpace(s.buf)
		if len(line) > 0 {
			out = append(out, string(line))
		}
		s.buf = s.buf[:0]
	}
	return out
}

func (s *lineSplitter) appendPartial(b []byte) {
	if s.overflow {
		return
	}
	if len(s.buf)+len(b) > maxSentenceBytes {
		s.overflow = true
		s.discarded++
		s.buf = s.buf[:0]
		return
	}
	s.buf = append(s.buf, b...)
}

// Reset drops any partial line, counting it as discarded.
func (s *lineSplitter) Reset() {
	if len(s.buf) > 0 || s.overflow {
		s.discarded++
	}
	s.buf = s.buf[:0]
	s.overflow = false
}
