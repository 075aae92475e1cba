package dispatch

import (
	"errors"
	"io"
	"net"
	"sync"

	"pgpipe/pgwire"
	"pgpipe/reply"
)

// EncoderJob appends the wire encoding of one or more frontend
// messages to dst and returns the extended slice. The dispatcher
// writes the result to the socket verbatim, as one batch.
type EncoderJob func(dst []byte) []byte

// Event is one unaffiliated occurrence delivered to the sink: an
// asynchronous notification, a server notice, or an error that belongs
// to no pending request. Exactly one field is set.
type Event struct {
	Notification *reply.Notification
	Notice       *reply.ErrorDetails
	Err          error
}

// Sink receives unaffiliated events. It is called from the
// interpreter goroutine, and once from the slicer goroutine when a
// malformed frame length is reported, so it may run concurrently with
// itself. It must not block.
type Sink func(Event)

// Config tunes the dispatcher. The zero value selects the defaults.
type Config struct {
	// ReadBufferSize is the socket read chunk size. Default 8192.
	ReadBufferSize int
	// QueueDepth bounds every internal channel. Default 64.
	QueueDepth int
	// Lenient drops unexpected frames that arrive while no request is
	// pending instead of reporting them to the sink as protocol errors.
	Lenient bool
}

func (c Config) withDefaults() Config {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 8192
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	return c
}

// processor pairs the reply machine of one submission with the handle
// its caller is waiting on.
type processor struct {
	machine *reply.Machine
	pending *Pending
}

// Dispatcher multiplexes concurrent requests onto one duplex byte
// stream. Submissions are written in order and their replies are
// matched back to callers in the same order; frames that belong to no
// pending request go to the sink.
type Dispatcher struct {
	conn net.Conn
	cfg  Config
	sink Sink

	latch *errorLatch

	serializerQ chan EncoderJob
	outboundQ   chan []byte
	inboundQ    chan []byte
	frameQ      chan pgwire.Frame
	processorQ  chan *processor

	// submitMu serializes submissions so that an encoder job and its
	// processor land in their queues as one step, in the same relative
	// order on both.
	submitMu sync.Mutex
	stopped  bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New starts a dispatcher over an already-open connection. The sink
// may be nil, in which case unaffiliated events are discarded.
func New(conn net.Conn, sink Sink, cfg Config) *Dispatcher {
	if sink == nil {
		sink = func(Event) {}
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		conn:        conn,
		cfg:         cfg,
		sink:        sink,
		latch:       newErrorLatch(),
		serializerQ: make(chan EncoderJob, cfg.QueueDepth),
		outboundQ:   make(chan []byte, cfg.QueueDepth),
		inboundQ:    make(chan []byte, cfg.QueueDepth),
		frameQ:      make(chan pgwire.Frame, cfg.QueueDepth),
		processorQ:  make(chan *processor, cfg.QueueDepth),
	}

	d.wg.Add(5)
	go d.serialize()
	go d.send()
	go d.receive()
	go d.slice()
	go d.interpret()
	return d
}

// Submit enqueues one request: job produces the outbound bytes, and
// stream parses the reply frames. The returned handle resolves with
// the stream's value, its parse error, a backend error, or the
// terminal error (a TransportError, or the ProtocolError of a
// malformed frame length) that tore the dispatcher down.
func (d *Dispatcher) Submit(job EncoderJob, stream *reply.Stream) *Pending {
	p := newPending()
	m := reply.NewMachine(stream)

	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	if d.stopped {
		p.resolve(nil, d.abortErr())
		return p
	}

	select {
	case d.serializerQ <- job:
	case <-d.latch.tripped():
		p.resolve(nil, d.abortErr())
		return p
	}

	// A stream that resolves without consuming a frame needs no seat
	// in the processor queue; the job still goes out.
	switch m.Step() {
	case reply.StepDone:
		p.resolve(m.Value(), nil)
		return p
	case reply.StepErrored:
		p.resolve(nil, &ParsingError{Cause: m.Err()})
		return p
	}

	select {
	case d.processorQ <- &processor{machine: m, pending: p}:
	case <-d.latch.tripped():
		p.resolve(nil, d.abortErr())
	}
	return p
}

// Stop tears the dispatcher down: the socket is closed, every stage
// exits, and every outstanding submission resolves with ErrStopped
// (or with the terminal error that already latched). Stop is
// idempotent and waits for the stages to finish.
func (d *Dispatcher) Stop() {
	d.fatal(ErrStopped)
	d.wg.Wait()
}

// Err returns the latched terminal error, or nil while the dispatcher
// is healthy.
func (d *Dispatcher) Err() error { return d.latch.Err() }

// fatal latches err as the terminal outcome and begins teardown. Only
// the first caller's error sticks.
func (d *Dispatcher) fatal(err error) {
	d.latch.trip(err)
	d.closeOnce.Do(func() {
		d.conn.Close()
		d.submitMu.Lock()
		d.stopped = true
		close(d.serializerQ)
		close(d.processorQ)
		d.submitMu.Unlock()
	})
}

func (d *Dispatcher) abortErr() error {
	if err := d.latch.Err(); err != nil {
		return err
	}
	return ErrStopped
}

// serialize executes encoder jobs into fresh buffers, one buffer per
// submission, and hands them to the sender.
func (d *Dispatcher) serialize() {
	defer d.wg.Done()
	defer close(d.outboundQ)
	for job := range d.serializerQ {
		buf := job(nil)
		if len(buf) == 0 {
			continue
		}
		select {
		case d.outboundQ <- buf:
		case <-d.latch.tripped():
			return
		}
	}
}

// send drains outbound buffers onto the socket in order. net.Conn
// writes are complete or erroring, never short.
func (d *Dispatcher) send() {
	defer d.wg.Done()
	for buf := range d.outboundQ {
		if _, err := d.conn.Write(buf); err != nil {
			d.fatal(&TransportError{Reason: "write", Cause: err})
			return
		}
	}
}

// receive reads socket chunks into the inbound queue. EOF counts as a
// transport error; the peer hanging up mid-conversation is fatal.
func (d *Dispatcher) receive() {
	defer d.wg.Done()
	defer close(d.inboundQ)
	buf := make([]byte, d.cfg.ReadBufferSize)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case d.inboundQ <- chunk:
			case <-d.latch.tripped():
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.fatal(&TransportError{Reason: "connection closed by peer"})
			} else {
				d.fatal(&TransportError{Reason: "read", Cause: err})
			}
			return
		}
	}
}

// slice cuts inbound chunks into frames. A malformed frame length
// poisons the byte stream with no way to resynchronize, so it is
// reported to the sink and latched as terminal.
func (d *Dispatcher) slice() {
	defer d.wg.Done()
	defer close(d.frameQ)
	stop := errors.New("stop")
	s := pgwire.NewSlicer(func(f pgwire.Frame) error {
		select {
		case d.frameQ <- f:
			return nil
		case <-d.latch.tripped():
			return stop
		}
	})
	for chunk := range d.inboundQ {
		if err := s.Write(chunk); err != nil {
			var fe *pgwire.FrameLengthError
			if errors.As(err, &fe) {
				perr := &ProtocolError{Reason: "inbound stream", Cause: fe}
				d.sink(Event{Err: perr})
				d.fatal(perr)
			}
			for range d.inboundQ {
			}
			return
		}
	}
}
