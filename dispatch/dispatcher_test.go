package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"pgpipe/pgwire"
	"pgpipe/reply"
)

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, net.Conn, chan Event) {
	t.Helper()
	client, server := net.Pipe()
	events := make(chan Event, 32)
	d := New(client, func(ev Event) { events <- ev }, cfg)
	go io.Copy(io.Discard, server)
	t.Cleanup(func() {
		d.Stop()
		server.Close()
	})
	return d, server, events
}

func noopJob(dst []byte) []byte { return dst }

func queryJob(q string) EncoderJob {
	return func(dst []byte) []byte { return pgwire.AppendQuery(dst, q) }
}

func wait(t *testing.T, p *Pending) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("request did not resolve within 2s")
	}
	return v, err
}

func nextEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no sink event within 2s")
		return Event{}
	}
}

func serverWrite(t *testing.T, server net.Conn, b []byte) {
	t.Helper()
	if _, err := server.Write(b); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func TestRowsAffectedThenReady(t *testing.T) {
	d, server, _ := newTestDispatcher(t, Config{})

	p1 := d.Submit(queryJob("SELECT 1"), reply.RowsAffected())
	p2 := d.Submit(noopJob, reply.Expect(reply.ReadyForQuery()))

	var b []byte
	b = pgwire.AppendCommandComplete(b, "SELECT 1")
	b = pgwire.AppendReadyForQuery(b, pgwire.TxIdle)
	serverWrite(t, server, b)

	v, err := wait(t, p1)
	if err != nil {
		t.Fatalf("rows affected: %v", err)
	}
	if v.(int64) != 1 {
		t.Fatalf("affected = %v, want 1", v)
	}
	if _, err := wait(t, p2); err != nil {
		t.Fatalf("ready: %v", err)
	}
}

func TestEmptyQueryYieldsZero(t *testing.T) {
	d, server, _ := newTestDispatcher(t, Config{})

	stream := reply.Bind(reply.RowsAffected(), func(n any) *reply.Stream {
		return reply.Then(reply.Expect(reply.ReadyForQuery()), reply.Pure(n))
	})
	p := d.Submit(queryJob(""), stream)

	var b []byte
	b = pgwire.AppendEmptyQueryResponse(b)
	b = pgwire.AppendReadyForQuery(b, pgwire.TxIdle)
	serverWrite(t, server, b)

	v, err := wait(t, p)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if v.(int64) != 0 {
		t.Fatalf("affected = %v, want 0", v)
	}
}

func TestDataRowsReachTheirRequest(t *testing.T) {
	d, server, _ := newTestDispatcher(t, Config{})

	row := func(fields [][]byte) (any, error) { return string(fields[0]), nil }
	p := d.Submit(queryJob("SELECT x"), reply.CollectRows(row))

	var b []byte
	b = pgwire.AppendDataRow(b, [][]byte{[]byte("A")})
	b = pgwire.AppendCommandComplete(b, "SELECT 1")
	serverWrite(t, server, b)

	v, err := wait(t, p)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	rows := v.([]any)
	if len(rows) != 1 || rows[0] != "A" {
		t.Fatalf("rows = %v", rows)
	}
}

// An ErrorResponse the pending parser does not expect aborts that
// request, and the dispatcher discards traffic until the next
// ReadyForQuery so the following request starts in step.
func TestBackendErrorResolvesPendingRequest(t *testing.T) {
	d, server, _ := newTestDispatcher(t, Config{})

	p := d.Submit(queryJob("SELECT broken"), reply.Expect(reply.CommandComplete()))

	var b []byte
	b = pgwire.AppendErrorResponse(b, "ERROR", "XX000", "oops")
	b = pgwire.AppendReadyForQuery(b, pgwire.TxIdle)
	serverWrite(t, server, b)

	_, err := wait(t, p)
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("want BackendError, got %v", err)
	}
	if be.Details.Severity != "ERROR" || be.Details.Message != "oops" {
		t.Fatalf("details: %+v", be.Details)
	}

	// The next request must see only its own frames.
	p2 := d.Submit(queryJob("SELECT 1"), reply.RowsAffected())
	serverWrite(t, server, pgwire.AppendCommandComplete(nil, "SELECT 1"))
	v, err := wait(t, p2)
	if err != nil {
		t.Fatalf("after recovery: %v", err)
	}
	if v.(int64) != 1 {
		t.Fatalf("affected = %v, want 1", v)
	}
}

func TestNotificationWithNoPendingRequest(t *testing.T) {
	_, server, events := newTestDispatcher(t, Config{})

	serverWrite(t, server, pgwire.AppendNotificationResponse(nil, 1, "ch", ""))

	ev := nextEvent(t, events)
	if ev.Notification == nil {
		t.Fatalf("event = %+v", ev)
	}
	n := ev.Notification
	if n.PID != 1 || n.Channel != "ch" || n.Payload != "" {
		t.Fatalf("notification = %+v", n)
	}
}

func TestTransportErrorFansOut(t *testing.T) {
	d, server, _ := newTestDispatcher(t, Config{})

	p1 := d.Submit(queryJob("SELECT 1"), reply.Expect(reply.CommandComplete()))
	p2 := d.Submit(queryJob("SELECT 2"), reply.Expect(reply.CommandComplete()))

	serverWrite(t, server, pgwire.AppendAuthOk(nil))
	server.Close()

	for i, p := range []*Pending{p1, p2} {
		_, err := wait(t, p)
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("pending %d: want TransportError, got %v", i, err)
		}
	}

	// Future submissions fail the same way.
	_, err := wait(t, d.Submit(queryJob("SELECT 3"), reply.Expect(reply.CommandComplete())))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("post-error submit: want TransportError, got %v", err)
	}
}

// Notifications interleaved between reply frames neither disturb the
// request outcomes nor get lost.
func TestInterleavedNotifications(t *testing.T) {
	d, server, events := newTestDispatcher(t, Config{})

	row := func(fields [][]byte) (any, error) { return string(fields[0]), nil }
	p := d.Submit(queryJob("SELECT x"), reply.CollectRows(row))

	var b []byte
	b = pgwire.AppendDataRow(b, [][]byte{[]byte("1")})
	b = pgwire.AppendNotificationResponse(b, 9, "mid", "a")
	b = pgwire.AppendDataRow(b, [][]byte{[]byte("2")})
	b = pgwire.AppendNotificationResponse(b, 9, "mid", "b")
	b = pgwire.AppendCommandComplete(b, "SELECT 2")
	serverWrite(t, server, b)

	v, err := wait(t, p)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	rows := v.([]any)
	if len(rows) != 2 || rows[0] != "1" || rows[1] != "2" {
		t.Fatalf("rows = %v", rows)
	}

	for _, want := range []string{"a", "b"} {
		ev := nextEvent(t, events)
		if ev.Notification == nil || ev.Notification.Payload != want {
			t.Fatalf("event = %+v, want payload %q", ev, want)
		}
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// The k-th submission resolves from the k-th reply, regardless of how
// many are in flight.
func TestReplyOrderMatchesSubmissionOrder(t *testing.T) {
	d, server, _ := newTestDispatcher(t, Config{})

	const n = 20
	pendings := make([]*Pending, n)
	for i := range pendings {
		pendings[i] = d.Submit(queryJob(fmt.Sprintf("UPDATE t%d", i)), reply.RowsAffected())
	}

	var b []byte
	for i := 0; i < n; i++ {
		b = pgwire.AppendCommandComplete(b, fmt.Sprintf("UPDATE %d", i))
	}
	serverWrite(t, server, b)

	for i, p := range pendings {
		v, err := wait(t, p)
		if err != nil {
			t.Fatalf("pending %d: %v", i, err)
		}
		if v.(int64) != int64(i) {
			t.Fatalf("pending %d resolved to %v", i, v)
		}
	}
}

func TestUnexpectedTagWithNoRequest(t *testing.T) {
	_, server, events := newTestDispatcher(t, Config{})

	serverWrite(t, server, pgwire.AppendBindComplete(nil))

	ev := nextEvent(t, events)
	var pe *ProtocolError
	if !errors.As(ev.Err, &pe) {
		t.Fatalf("event = %+v, want ProtocolError", ev)
	}
}

func TestLenientDropsUnexpectedTags(t *testing.T) {
	d, server, events := newTestDispatcher(t, Config{Lenient: true})

	var b []byte
	b = pgwire.AppendBindComplete(b)
	b = pgwire.AppendNotificationResponse(b, 1, "still-delivered", "")
	serverWrite(t, server, b)

	ev := nextEvent(t, events)
	if ev.Notification == nil || ev.Notification.Channel != "still-delivered" {
		t.Fatalf("event = %+v", ev)
	}
	_ = d
}

func TestMalformedFrameLengthIsFatal(t *testing.T) {
	d, server, events := newTestDispatcher(t, Config{})

	p := d.Submit(queryJob("SELECT 1"), reply.Expect(reply.CommandComplete()))
	serverWrite(t, server, []byte{'X', 0, 0, 0, 3})

	ev := nextEvent(t, events)
	var pe *ProtocolError
	if !errors.As(ev.Err, &pe) {
		t.Fatalf("event = %+v, want ProtocolError", ev)
	}

	_, err := wait(t, p)
	if !errors.As(err, &pe) {
		t.Fatalf("pending: want ProtocolError, got %v", err)
	}
}

func TestStopResolvesOutstanding(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)
	d := New(client, nil, Config{})

	p := d.Submit(queryJob("SELECT pg_sleep(60)"), reply.Expect(reply.CommandComplete()))
	d.Stop()

	_, err := wait(t, p)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("want TransportError, got %v", err)
	}

	// Stop is idempotent and later submissions fail fast.
	d.Stop()
	if _, err := wait(t, d.Submit(noopJob, reply.Expect(reply.ReadyForQuery()))); err == nil {
		t.Fatal("expected error after Stop")
	}
}

func TestFramelessStreamResolvesImmediately(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Config{})

	v, err := wait(t, d.Submit(noopJob, reply.Pure("now")))
	if err != nil || v != "now" {
		t.Fatalf("got %v, %v", v, err)
	}
}
