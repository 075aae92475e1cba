package pgtest

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"pgpipe/pgwire"
)

// Backend is a scripted server speaking the backend half of the wire
// protocol. It authenticates clients, answers queries from a canned
// script, and can inject asynchronous notifications, which makes it a
// stand-in for a real server in client tests and smoke tools.
type Backend struct {
	cfg    Config
	script Script

	mu       sync.Mutex // protects listener and conns
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	quit     chan struct{}
}

// Config controls the backend's identity and authentication.
type Config struct {
	Addr     string // listen address, e.g. "127.0.0.1:0"
	User     string
	Password string
	// MD5 selects the md5 password method instead of cleartext.
	MD5  bool
	Salt [4]byte
	// Quiet suppresses per-connection logging.
	Quiet bool
}

// Script maps a query string to its scripted reply. Lookups fall back
// to a prefix match on the first keyword, so "LISTEN" covers every
// LISTEN statement.
type Script map[string]Reply

// Reply describes what the backend sends in response to one query.
type Reply struct {
	// Columns and Rows form a result set. A RowDescription is sent only
	// when Columns is set; Rows are sent as DataRows either way.
	Columns []Column
	Rows    [][][]byte
	// Tag is the CommandComplete tag, e.g. "SELECT 1". Empty with no
	// Error and no Columns means EmptyQueryResponse.
	Tag string
	// Error, when set, replaces the result with an ErrorResponse.
	Error *Failure
	// NotifyBefore are notifications pushed ahead of the reply.
	NotifyBefore []Notification
}

// Failure is a scripted ErrorResponse.
type Failure struct {
	Severity string
	Code     string
	Message  string
}

// Notification is a scripted NotificationResponse.
type Notification struct {
	PID     int32
	Channel string
	Payload string
}

// New creates a backend serving script with the given configuration.
func New(cfg Config, script Script) *Backend {
	return &Backend{
		cfg:    cfg,
		script: script,
		conns:  make(map[net.Conn]struct{}),
		quit:   make(chan struct{}),
	}
}

// ListenAndServe starts accepting connections. It blocks until
// Shutdown is called or an unrecoverable error occurs.
func (b *Backend) ListenAndServe() error {
	ln, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.quit:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				b.mu.Lock()
				delete(b.conns, conn)
				b.mu.Unlock()
			}()
			b.ServeConn(conn)
		}()
	}
}

// Addr returns the listener's network address, or nil if not yet listening.
func (b *Backend) Addr() net.Addr {
	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()
	if ln != nil {
		return ln.Addr()
	}
	return nil
}

// Notify pushes a notification to every connected client. The frame
// is written directly, the way a real server interleaves async
// traffic with whatever else is in flight.
func (b *Backend) Notify(n Notification) {
	frame := pgwire.AppendNotificationResponse(nil, n.PID, n.Channel, n.Payload)
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Write(frame)
	}
}

// Shutdown stops accepting connections, closes the active ones, and
// waits for their handlers, respecting the context deadline.
func (b *Backend) Shutdown(ctx context.Context) error {
	close(b.quit)
	b.mu.Lock()
	if b.listener != nil {
		b.listener.Close()
	}
	for conn := range b.conns {
		conn.Close()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeConn runs the full backend lifecycle on one connection:
// startup handshake, authentication, then the query loop. The
// connection is closed on return.
func (b *Backend) ServeConn(conn net.Conn) {
	defer conn.Close()
	c := &scriptedConn{
		backend: b,
		conn:    conn,
		be:      pgproto3.NewBackend(conn, conn),
		stmts:   make(map[string]string),
		portals: make(map[string]string),
	}
	if err := c.run(); err != nil && !b.cfg.Quiet {
		log.Printf("pgtest %s: %v", conn.RemoteAddr(), err)
	}
}

type scriptedConn struct {
	backend *Backend
	conn    net.Conn
	be      *pgproto3.Backend
	stmts   map[string]string // prepared statement name -> query
	portals map[string]string // portal name -> statement name
}

func (c *scriptedConn) run() error {
	if err := c.startup(); err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	return c.queryLoop()
}

// startup negotiates the handshake: refuse SSL, authenticate with the
// configured method, then send the post-auth preamble.
func (c *scriptedConn) startup() error {
	for {
		msg, err := c.be.ReceiveStartupMessage()
		if err != nil {
			return fmt.Errorf("receive startup: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := c.conn.Write([]byte{'N'}); err != nil {
				return err
			}
		case *pgproto3.CancelRequest:
			return nil
		case *pgproto3.StartupMessage:
			return c.authenticate(m)
		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
	}
}

func (c *scriptedConn) authenticate(m *pgproto3.StartupMessage) error {
	cfg := c.backend.cfg
	if user := m.Parameters["user"]; user != cfg.User {
		return c.fatal("28000", fmt.Sprintf("authentication failed for user %q", user))
	}

	if cfg.MD5 {
		c.be.Send(&pgproto3.AuthenticationMD5Password{Salt: cfg.Salt})
	} else {
		c.be.Send(&pgproto3.AuthenticationCleartextPassword{})
	}
	if err := c.be.Flush(); err != nil {
		return err
	}

	c.be.SetAuthType(pgproto3.AuthTypeCleartextPassword)
	msg, err := c.be.Receive()
	if err != nil {
		return fmt.Errorf("receive password: %w", err)
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("expected PasswordMessage, got %T", msg)
	}
	want := cfg.Password
	if cfg.MD5 {
		want = md5Digest(cfg.User, cfg.Password, cfg.Salt)
	}
	if pw.Password != want {
		return c.fatal("28P01", fmt.Sprintf("password authentication failed for user %q", cfg.User))
	}

	c.be.Send(&pgproto3.AuthenticationOk{})
	for _, p := range [][2]string{
		{"server_version", "16.0 (pgtest)"},
		{"server_encoding", "UTF8"},
		{"client_encoding", "UTF8"},
		{"integer_datetimes", "on"},
		{"DateStyle", "ISO, MDY"},
	} {
		c.be.Send(&pgproto3.ParameterStatus{Name: p[0], Value: p[1]})
	}
	c.be.Send(&pgproto3.BackendKeyData{ProcessID: 4242, SecretKey: 271828})
	c.be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return c.be.Flush()
}

// queryLoop answers simple and extended protocol traffic until the
// client terminates or the connection drops.
func (c *scriptedConn) queryLoop() error {
	for {
		msg, err := c.be.Receive()
		if err != nil {
			select {
			case <-c.backend.quit:
				return nil
			default:
			}
			return fmt.Errorf("receive: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.Query:
			c.sendReply(c.lookup(m.String), true)
			c.be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := c.be.Flush(); err != nil {
				return err
			}

		case *pgproto3.Parse:
			c.stmts[m.Name] = m.Query
			c.be.Send(&pgproto3.ParseComplete{})

		case *pgproto3.Describe:
			c.describe(m)

		case *pgproto3.Bind:
			c.portals[m.DestinationPortal] = m.PreparedStatement
			c.be.Send(&pgproto3.BindComplete{})

		case *pgproto3.Execute:
			c.sendReply(c.lookup(c.stmts[c.portals[m.Portal]]), false)

		case *pgproto3.Close:
			delete(c.stmts, m.Name)
			c.be.Send(&pgproto3.CloseComplete{})

		case *pgproto3.Sync:
			c.be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := c.be.Flush(); err != nil {
				return err
			}

		case *pgproto3.Terminate:
			return nil

		default:
			return fmt.Errorf("unsupported message %T", msg)
		}
	}
}

// lookup resolves a query against the script: exact match first, then
// the query's first keyword, uppercased.
func (c *scriptedConn) lookup(query string) Reply {
	query = strings.TrimSpace(query)
	if r, ok := c.backend.script[query]; ok {
		return r
	}
	if fields := strings.Fields(query); len(fields) > 0 {
		if r, ok := c.backend.script[strings.ToUpper(fields[0])]; ok {
			return r
		}
	}
	return Reply{Error: &Failure{Severity: "ERROR", Code: "42601", Message: fmt.Sprintf("no scripted reply for %q", query)}}
}

// sendReply queues the frames of one reply. withDescription controls
// whether a RowDescription precedes the data rows, which the extended
// protocol's Execute omits.
func (c *scriptedConn) sendReply(r Reply, withDescription bool) {
	for _, n := range r.NotifyBefore {
		c.be.Send(&pgproto3.NotificationResponse{PID: uint32(n.PID), Channel: n.Channel, Payload: n.Payload})
	}

	if r.Error != nil {
		c.be.Send(&pgproto3.ErrorResponse{Severity: r.Error.Severity, Code: r.Error.Code, Message: r.Error.Message})
		return
	}

	if r.Columns != nil && withDescription {
		c.be.Send(&pgproto3.RowDescription{Fields: fieldDescriptions(r.Columns)})
	}
	for _, row := range r.Rows {
		c.be.Send(&pgproto3.DataRow{Values: row})
	}

	if r.Tag == "" && r.Columns == nil {
		c.be.Send(&pgproto3.EmptyQueryResponse{})
		return
	}
	c.be.Send(&pgproto3.CommandComplete{CommandTag: []byte(r.Tag)})
}

// describe answers Describe for a statement or portal. Statements get
// a ParameterDescription; both get a RowDescription or NoData.
func (c *scriptedConn) describe(m *pgproto3.Describe) {
	var query string
	if m.ObjectType == 'S' {
		query = c.stmts[m.Name]
		c.be.Send(&pgproto3.ParameterDescription{})
	} else {
		query = c.stmts[c.portals[m.Name]]
	}
	r := c.lookup(query)
	if r.Columns == nil {
		c.be.Send(&pgproto3.NoData{})
		return
	}
	c.be.Send(&pgproto3.RowDescription{Fields: fieldDescriptions(r.Columns)})
}

// fatal sends a FATAL error and reports it as the connection outcome.
func (c *scriptedConn) fatal(code, message string) error {
	c.be.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: code, Message: message})
	c.be.Flush()
	return fmt.Errorf("%s", message)
}
