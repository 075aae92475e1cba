package pgwire

import (
	"encoding/binary"
	"fmt"
)

// Header layout: 1 tag byte + int32 length. The length includes itself
// but not the tag, so the smallest valid value is 4.
const (
	headerSize = 5
	minLength  = 4
)

// Frame is one tagged, length-prefixed wire message with its length
// prefix stripped.
type Frame struct {
	Tag     byte
	Payload []byte
}

// AppendFrame appends the wire encoding of a frame to dst.
func AppendFrame(dst []byte, tag byte, payload []byte) []byte {
	dst = append(dst, tag)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)+4))
	return append(dst, payload...)
}

// FrameLengthError reports a frame whose declared length is below the
// protocol minimum. The byte stream cannot be resynchronized after it.
type FrameLengthError struct {
	Tag    byte
	Length int32
}

func (e *FrameLengthError) Error() string {
	return fmt.Sprintf("pgwire: frame %q declares length %d, minimum is %d", e.Tag, e.Length, minLength)
}

// CString reads a null-terminated string from b, returning the string,
// the remaining bytes after the terminator, and whether a terminator
// was found.
func CString(b []byte) (s string, rest []byte, ok bool) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], true
		}
	}
	return "", b, false
}
