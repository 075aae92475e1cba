package pgwire

import "encoding/binary"

// Slicer cuts an inbound byte stream into frames. Chunks of arbitrary
// length are fed to Write; each completed frame is handed to the emit
// callback in wire order. A chunk may complete several frames, or none.
type Slicer struct {
	emit func(Frame) error

	header    [headerSize]byte
	headerLen int

	// payload accumulation; active while payloadNeed > 0. Zero-payload
	// frames are emitted straight from the header and never use it.
	tag         byte
	payload     []byte
	payloadNeed int
}

// NewSlicer returns a slicer that calls emit for every completed frame.
// If emit returns an error, Write stops and returns it.
func NewSlicer(emit func(Frame) error) *Slicer {
	return &Slicer{emit: emit}
}

// Buffered reports how many bytes of an incomplete frame the slicer is
// currently holding.
func (s *Slicer) Buffered() int {
	if s.payloadNeed > 0 {
		return headerSize + len(s.payload)
	}
	return s.headerLen
}

// Write consumes the entire chunk, emitting every frame it completes.
func (s *Slicer) Write(chunk []byte) error {
	for len(chunk) > 0 {
		if s.payloadNeed == 0 {
			// Accumulating a header.
			n := copy(s.header[s.headerLen:], chunk)
			s.headerLen += n
			chunk = chunk[n:]
			if s.headerLen < headerSize {
				return nil
			}

			tag := s.header[0]
			length := int32(binary.BigEndian.Uint32(s.header[1:]))
			if length < minLength {
				return &FrameLengthError{Tag: tag, Length: length}
			}
			s.headerLen = 0
			if length == minLength {
				if err := s.emit(Frame{Tag: tag}); err != nil {
					return err
				}
				continue
			}
			s.tag = tag
			s.payloadNeed = int(length) - minLength
			s.payload = make([]byte, 0, s.payloadNeed)
			continue
		}

		// Accumulating a payload.
		n := s.payloadNeed - len(s.payload)
		if n > len(chunk) {
			n = len(chunk)
		}
		s.payload = append(s.payload, chunk[:n]...)
		chunk = chunk[n:]
		if len(s.payload) < s.payloadNeed {
			return nil
		}

		f := Frame{Tag: s.tag, Payload: s.payload}
		s.payload = nil
		s.payloadNeed = 0
		if err := s.emit(f); err != nil {
			return err
		}
	}
	return nil
}
