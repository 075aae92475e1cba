package dispatch

import (
	"fmt"

	"pgpipe/pgwire"
	"pgpipe/reply"
)

// interpret is the routing core. It walks the frame stream, driving
// the head processor's reply machine and diverting everything else to
// the sink. Processors are consumed strictly in submission order and
// never re-entered after they resolve.
func (d *Dispatcher) interpret() {
	defer d.wg.Done()

	var cur *processor
	// recovering is set after an ErrorResponse aborts a request. The
	// server discards the rest of that request's traffic and reports
	// ReadyForQuery when it is back in step, so until then only
	// notices and notifications are worth keeping.
	recovering := false

	for f := range d.frameQ {
	redeliver:
		if recovering {
			switch f.Tag {
			case pgwire.MsgReadyForQuery:
				recovering = false
			case pgwire.MsgNotificationResponse, pgwire.MsgNoticeResponse:
				d.route(f, false)
			}
			continue
		}

		if cur == nil {
			select {
			case cur = <-d.processorQ:
			default:
			}
		}
		if cur == nil {
			d.route(f, false)
			continue
		}

		step, consumed := cur.machine.Offer(f)
		switch step {
		case reply.StepNeedMore:

		case reply.StepDone:
			cur.pending.resolve(cur.machine.Value(), nil)
			cur = nil
			if !consumed {
				goto redeliver
			}

		case reply.StepErrored:
			cur.pending.resolve(nil, &ParsingError{Cause: cur.machine.Err()})
			cur = nil
			if !consumed {
				goto redeliver
			}

		case reply.StepRejected:
			if f.Tag == pgwire.MsgErrorResponse {
				// The server aborted the request the processor was
				// parsing. Resolve it with the backend error and skip
				// ahead to the next sync point.
				det, err := reply.ParseErrorDetails(f.Payload)
				if err != nil {
					cur.pending.resolve(nil, &ParsingError{Cause: err})
				} else {
					cur.pending.resolve(nil, &BackendError{Details: det})
				}
				cur = nil
				recovering = true
				continue
			}
			// Unaffiliated relative to this processor; the processor
			// stays current and waits for its own frames.
			d.route(f, true)
		}
	}

	// The frame stream has ended, so the latch already holds the
	// terminal error. Fan it out to everyone still waiting.
	err := d.abortErr()
	if cur != nil {
		cur.pending.resolve(nil, err)
	}
	for p := range d.processorQ {
		p.pending.resolve(nil, err)
	}
}

// route delivers one frame that belongs to no pending request.
// pending reports that a current request rejected the frame; Lenient
// drops an unexpected tag only when no request is pending.
func (d *Dispatcher) route(f pgwire.Frame, pending bool) {
	switch f.Tag {
	case pgwire.MsgNotificationResponse:
		n, err := reply.ParseNotification(f.Payload)
		if err != nil {
			d.sink(Event{Err: &ProtocolError{Reason: "notification", Cause: err}})
			return
		}
		d.sink(Event{Notification: n})

	case pgwire.MsgNoticeResponse:
		det, err := reply.ParseErrorDetails(f.Payload)
		if err != nil {
			d.sink(Event{Err: &ProtocolError{Reason: "notice", Cause: err}})
			return
		}
		d.sink(Event{Notice: det})

	case pgwire.MsgErrorResponse:
		det, err := reply.ParseErrorDetails(f.Payload)
		if err != nil {
			d.sink(Event{Err: &ProtocolError{Reason: "error response", Cause: err}})
			return
		}
		d.sink(Event{Err: &BackendError{Details: det}})

	default:
		if d.cfg.Lenient && !pending {
			return
		}
		d.sink(Event{Err: &ProtocolError{Reason: fmt.Sprintf("unexpected message: tag=%q", f.Tag)}})
	}
}
