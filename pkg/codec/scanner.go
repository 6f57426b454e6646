package codec

// Scanner pulls frames out of a continuous, possibly corrupted byte stream
// from a transponder decoder's serial or TCP link. It never blocks on
// malformed input: a bad frame is skipped and scanning resumes at the next
// SOR, mirroring how a decoder's own link-layer resyncs after noise.
type Scanner struct {
	buf []byte
}

// NewScanner returns a Scanner with an empty internal buffer.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed appends newly read bytes to the scanner's internal buffer.
func (s *Scanner) Feed(b []byte) {
	s.buf = append(s.buf, b...)
}

// Next returns the next decoded message, or (nil, nil, false) if the buffer
// currently holds no complete frame. When a frame is present but fails to
// decode, it returns (nil, err, true): the caller should record the error
// and call Next again, since the scanner has already advanced past it.
func (s *Scanner) Next() (msg *Message, err error, ok bool) {
	for {
		sorIdx := indexOf(s.buf, SOR)
		if sorIdx < 0 {
			s.buf = nil
			return nil, nil, false
		}
		// Discard any noise preceding SOR.
		s.buf = s.buf[sorIdx:]

		eorIdx := indexOfFrom(s.buf, EOR, 1)
		if eorIdx < 0 {
			// Incomplete frame; wait for more bytes.
			return nil, nil, false
		}

		frame := s.buf[1:eorIdx]
		s.buf = s.buf[eorIdx+1:]

		m, decErr := DecodeFrame(frame)
		if decErr != nil {
			return nil, decErr, true
		}
		return m, nil, true
	}
}

func indexOf(b []byte, target byte) int {
	return indexOfFrom(b, target, 0)
}

func indexOfFrom(b []byte, target byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] == target {
			return i
		}
	}
	return -1
}
