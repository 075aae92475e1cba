package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"pgpipe/dispatch"
	"pgpipe/pgtest"
	"pgpipe/session"
)

// pipetest runs the client against a scripted in-process backend and
// checks the behaviors that matter under concurrency: pipelined reply
// ordering, notification routing, and delivery of a backend error to
// the request it belongs to.
func main() {
	fmt.Println("pgpipe pipeline test")
	fmt.Println("====================")

	addr, notify, shutdown := startBackend()
	defer shutdown()

	fmt.Printf("Backend listening on %s...\n\n", addr)

	passed, failed := 0, 0
	for _, sc := range []struct {
		name string
		fn   func(string, func(pgtest.Notification)) bool
	}{
		{"Handshake", scenarioHandshake},
		{"Pipelined queries", scenarioPipelined},
		{"Backend error", scenarioBackendError},
		{"Notifications", scenarioNotifications},
		{"pgx interop", scenarioPgxInterop},
	} {
		if sc.fn(addr, notify) {
			passed++
		} else {
			failed++
		}
	}

	fmt.Printf("\n%d passed, %d failed\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func startBackend() (addr string, notify func(pgtest.Notification), shutdown func()) {
	script := pgtest.Script{
		"SELECT 1": {
			Columns: []pgtest.Column{pgtest.Int8("n")},
			Rows:    [][][]byte{{[]byte("1")}},
			Tag:     "SELECT 1",
		},
		"SELECT 2": {
			Columns: []pgtest.Column{pgtest.Int8("n")},
			Rows:    [][][]byte{{[]byte("2")}},
			Tag:     "SELECT 1",
		},
		"SELECT boom": {
			Error: &pgtest.Failure{Severity: "ERROR", Code: "XX000", Message: "boom"},
		},
		"LISTEN": {Tag: "LISTEN"},
	}

	be := pgtest.New(pgtest.Config{Addr: "127.0.0.1:0", User: "admin", Password: "test", Quiet: true}, script)

	go func() {
		if err := be.ListenAndServe(); err != nil {
			fatalf("backend: %v", err)
		}
	}()

	for i := 0; i < 100; i++ {
		if a := be.Addr(); a != nil {
			addr = a.String()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		fatalf("backend did not start within 1s")
	}

	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		be.Shutdown(ctx)
	}
	return addr, be.Notify, shutdown
}

func connect(addr string, sink dispatch.Sink) *session.Session {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fatalf("dial: %v", err)
	}
	sess, err := session.Connect(context.Background(), conn, session.Options{
		User:     "admin",
		Password: "test",
		Sink:     sink,
	})
	if err != nil {
		fatalf("connect: %v", err)
	}
	return sess
}

func scenarioHandshake(addr string, _ func(pgtest.Notification)) bool {
	start := time.Now()
	sess := connect(addr, nil)
	defer sess.Close()

	if v := sess.Parameter("server_version"); v == "" {
		return fail("Handshake", "no server_version reported")
	}
	pid, secret := sess.KeyData()
	if pid == 0 || secret == 0 {
		return fail("Handshake", "no backend key data: pid=%d secret=%d", pid, secret)
	}
	return pass("Handshake", "authenticated, parameters and key data received", time.Since(start))
}

func scenarioPipelined(addr string, _ func(pgtest.Notification)) bool {
	start := time.Now()
	const goroutines = 10
	const queriesPerGoroutine = 50

	sess := connect(addr, nil)
	defer sess.Close()

	var wg sync.WaitGroup
	var errCount atomic.Int64

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for q := 0; q < queriesPerGoroutine; q++ {
				want := fmt.Sprintf("%d", 1+(g+q)%2)
				rows, err := sess.Query(context.Background(), "SELECT "+want, session.TextRow)
				if err != nil || len(rows) != 1 {
					errCount.Add(1)
					continue
				}
				if got := rows[0].([]string)[0]; got != want {
					errCount.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()

	errs := errCount.Load()
	total := goroutines * queriesPerGoroutine
	if errs > 0 {
		return fail("Pipelined queries", "%d mismatches out of %d queries", errs, total)
	}
	return pass("Pipelined queries",
		fmt.Sprintf("%d goroutines × %d queries = %d total, every reply matched its request", goroutines, queriesPerGoroutine, total),
		time.Since(start))
}

func scenarioBackendError(addr string, _ func(pgtest.Notification)) bool {
	start := time.Now()
	sess := connect(addr, nil)
	defer sess.Close()

	_, err := sess.Query(context.Background(), "SELECT boom", session.TextRow)
	var be *dispatch.BackendError
	if !errors.As(err, &be) {
		return fail("Backend error", "want BackendError, got %v", err)
	}
	if be.Details.Code != "XX000" || be.Details.Message != "boom" {
		return fail("Backend error", "wrong details: %v", be)
	}

	// The session must still be usable after a per-request error.
	rows, err := sess.Query(context.Background(), "SELECT 1", session.TextRow)
	if err != nil || len(rows) != 1 {
		return fail("Backend error", "session dead after error: %v", err)
	}
	return pass("Backend error", "error delivered to its request, session survived", time.Since(start))
}

func scenarioNotifications(addr string, notify func(pgtest.Notification)) bool {
	start := time.Now()
	got := make(chan *struct{ channel, payload string }, 8)
	sink := func(ev dispatch.Event) {
		if ev.Notification != nil {
			got <- &struct{ channel, payload string }{ev.Notification.Channel, ev.Notification.Payload}
		}
	}

	sess := connect(addr, sink)
	defer sess.Close()

	if err := sess.Listen(context.Background(), "events"); err != nil {
		return fail("Notifications", "LISTEN: %v", err)
	}
	notify(pgtest.Notification{PID: 4242, Channel: "events", Payload: "hello"})

	select {
	case n := <-got:
		if n.channel != "events" || n.payload != "hello" {
			return fail("Notifications", "wrong notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		return fail("Notifications", "no notification within 2s")
	}
	return pass("Notifications", "async notification delivered through the sink", time.Since(start))
}

func scenarioPgxInterop(addr string, _ func(pgtest.Notification)) bool {
	start := time.Now()
	connStr := fmt.Sprintf("host=127.0.0.1 port=%s user=admin password=test sslmode=disable", portOf(addr))
	cfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return fail("pgx interop", "parse config: %v", err)
	}
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	conn, err := pgx.ConnectConfig(context.Background(), cfg)
	if err != nil {
		return fail("pgx interop", "connect: %v", err)
	}
	defer conn.Close(context.Background())

	var n int64
	if err := conn.QueryRow(context.Background(), "SELECT 1").Scan(&n); err != nil {
		return fail("pgx interop", "query: %v", err)
	}
	if n != 1 {
		return fail("pgx interop", "got %d, want 1", n)
	}
	return pass("pgx interop", "a stock pgx client accepts the scripted backend", time.Since(start))
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		fatalf("bad addr %q: %v", addr, err)
	}
	return port
}

func pass(name, detail string, d time.Duration) bool {
	fmt.Printf("[PASS] %s: %s (%dms)\n", name, detail, d.Milliseconds())
	return true
}

func fail(name, format string, args ...any) bool {
	fmt.Printf("[FAIL] %s: %s\n", name, fmt.Sprintf(format, args...))
	return false
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(2)
}
