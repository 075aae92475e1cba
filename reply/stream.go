package reply

import (
	"fmt"

	"pgpipe/pgwire"
)

// A Stream describes how to consume a sequence of backend frames and
// fold them into one value. Streams are built from Expect, combined
// with Bind and Alt, and run by a Machine one frame at a time.
//
// The representation is a small expression tree rather than closures
// all the way down, so the machine can backtrack across Alt branches
// without re-running parsers that already consumed input.
type Stream struct {
	kind   int
	value  any                // kindPure
	parser MessageParser      // kindExpect
	inner  *Stream            // kindBind, kindAlt (left)
	cont   func(any) *Stream  // kindBind
	right  *Stream            // kindAlt
	text   string             // kindFail
}

const (
	kindPure = iota
	kindExpect
	kindBind
	kindAlt
	kindFail
)

// Pure yields v without consuming a frame.
func Pure(v any) *Stream { return &Stream{kind: kindPure, value: v} }

// Expect consumes one frame via p and yields its value.
func Expect(p MessageParser) *Stream { return &Stream{kind: kindExpect, parser: p} }

// Bind runs s, then feeds its value to k and runs the resulting stream.
func Bind(s *Stream, k func(any) *Stream) *Stream {
	return &Stream{kind: kindBind, inner: s, cont: k}
}

// Map runs s and transforms its value with f.
func Map(s *Stream, f func(any) any) *Stream {
	return Bind(s, func(v any) *Stream { return Pure(f(v)) })
}

// Then runs a, discards its value, and runs b.
func Then(a, b *Stream) *Stream {
	return Bind(a, func(any) *Stream { return b })
}

// Alt tries a first. If a rejects its very first frame, the same frame
// is offered to b instead. Once a has consumed a frame, the choice is
// committed and a later rejection is final.
func Alt(a, b *Stream, more ...*Stream) *Stream {
	s := &Stream{kind: kindAlt, inner: a, right: b}
	for _, m := range more {
		s = &Stream{kind: kindAlt, inner: s, right: m}
	}
	return s
}

// Fail is a stream that errors without consuming a frame.
func Fail(text string) *Stream { return &Stream{kind: kindFail, text: text} }

// Step is the machine's state after an Offer.
type Step int

const (
	// StepNeedMore means the stream wants another frame.
	StepNeedMore Step = iota
	// StepDone means the stream produced its final value.
	StepDone
	// StepRejected means the offered frame is not for this stream. The
	// machine is unchanged and the frame may be routed elsewhere.
	StepRejected
	// StepErrored means the stream failed. The machine is dead.
	StepErrored
)

// altPoint records a pending alternative: the untried branch and the
// continuation stack as it stood when the Alt was entered.
type altPoint struct {
	branch *Stream
	conts  []func(any) *Stream
}

// Machine runs a Stream against frames offered one at a time. The
// zero value is not usable; call NewMachine.
type Machine struct {
	cur   *Stream
	conts []func(any) *Stream
	alts  []altPoint

	step  Step
	value any
	err   error
}

// NewMachine prepares a machine for s. The stream is advanced up to
// its first Expect, so a frameless stream (all Pure) is Done or
// Errored immediately.
func NewMachine(s *Stream) *Machine {
	m := &Machine{cur: s}
	m.advance()
	return m
}

// Step reports the machine's current state.
func (m *Machine) Step() Step { return m.step }

// Value returns the final value. Valid only when Step is StepDone.
func (m *Machine) Value() any { return m.value }

// Err returns the failure. Valid only when Step is StepErrored.
func (m *Machine) Err() error { return m.err }

// advance unwinds the current stream until it blocks on an Expect,
// finishes, or fails. Alt nodes push their right branch and descend
// into the left.
func (m *Machine) advance() {
	for {
		switch m.cur.kind {
		case kindPure:
			if len(m.conts) == 0 {
				m.step = StepDone
				m.value = m.cur.value
				return
			}
			k := m.conts[len(m.conts)-1]
			m.conts = m.conts[:len(m.conts)-1]
			m.cur = k(m.cur.value)
		case kindExpect:
			m.step = StepNeedMore
			return
		case kindBind:
			m.conts = append(m.conts, m.cur.cont)
			m.cur = m.cur.inner
		case kindAlt:
			conts := make([]func(any) *Stream, len(m.conts))
			copy(conts, m.conts)
			m.alts = append(m.alts, altPoint{branch: m.cur.right, conts: conts})
			m.cur = m.cur.inner
		case kindFail:
			m.step = StepErrored
			m.err = fmt.Errorf("%s", m.cur.text)
			return
		}
	}
}

// Offer feeds one frame to the machine. consumed reports whether the
// frame was eaten; a frame is not consumed when the machine rejects it
// or when an alternative resolved without needing it.
//
// On rejection the machine is left exactly as it was, so the same
// frame (or a different one) may be offered again later.
func (m *Machine) Offer(f pgwire.Frame) (step Step, consumed bool) {
	if m.step != StepNeedMore {
		return m.step, false
	}

	// Work on a copy so a rejection leaves the machine untouched. The
	// stacks are cloned because backtracking pops and repushes, which
	// would otherwise scribble over the shared backing arrays.
	w := Machine{
		cur:   m.cur,
		conts: append([]func(any) *Stream(nil), m.conts...),
		alts:  append([]altPoint(nil), m.alts...),
		step:  m.step,
	}

	for {
		r := w.cur.parser(f)
		switch r.Status {
		case StatusMatched:
			// The frame is committed; pending alternatives die.
			w.alts = nil
			w.cur = Pure(r.Value)
			w.advance()
			*m = w
			return m.step, true

		case StatusFailed:
			m.step = StepErrored
			m.err = r.Err
			m.cur = nil
			m.conts = nil
			m.alts = nil
			return m.step, true

		case StatusRejected:
			if len(w.alts) == 0 {
				return StepRejected, false
			}
			ap := w.alts[len(w.alts)-1]
			w.alts = w.alts[:len(w.alts)-1]
			w.cur = ap.branch
			w.conts = ap.conts
			w.advance()
			switch w.step {
			case StepNeedMore:
				// The alternative blocks on an Expect; retry the
				// same frame against it.
				continue
			case StepDone, StepErrored:
				// The alternative resolved without the frame.
				*m = w
				return m.step, false
			}
		}
	}
}
