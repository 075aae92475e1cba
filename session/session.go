package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"

	"pgpipe/dispatch"
	"pgpipe/pgwire"
	"pgpipe/reply"
)

// Options configures a session.
type Options struct {
	User     string
	Password string
	Database string
	// Params are extra startup parameters merged over user/database
	// (for example client_encoding or application_name).
	Params map[string]string

	// Sink receives notifications and stray errors. May be nil.
	Sink dispatch.Sink
	// Dispatch tunes the underlying dispatcher.
	Dispatch dispatch.Config
}

// Session is a logical connection: a dispatcher plus the handshake
// state negotiated at startup. Its methods compose multi-round-trip
// conversations over Submit.
type Session struct {
	d         *dispatch.Dispatcher
	handshake *reply.Handshake
}

// Connect performs the startup exchange over an already-open
// connection and returns a ready session. The connection is owned by
// the session afterwards, even on error.
func Connect(ctx context.Context, conn net.Conn, opts Options) (*Session, error) {
	d := dispatch.New(conn, opts.Sink, opts.Dispatch)
	s := &Session{d: d}

	params := map[string]string{"user": opts.User}
	if opts.Database != "" {
		params["database"] = opts.Database
	}
	for k, v := range opts.Params {
		params[k] = v
	}

	v, err := d.Submit(func(dst []byte) []byte {
		return pgwire.AppendStartup(dst, params)
	}, reply.Authentication()).Wait(ctx)
	if err != nil {
		d.Stop()
		return nil, fmt.Errorf("startup: %w", err)
	}

	if rq, ok := v.(reply.AuthRequest); ok {
		v, err = s.answerAuth(ctx, rq, opts)
		if err != nil {
			d.Stop()
			return nil, fmt.Errorf("authentication: %w", err)
		}
	}

	hs, ok := v.(*reply.Handshake)
	if !ok {
		d.Stop()
		return nil, fmt.Errorf("startup: server demanded authentication twice")
	}
	s.handshake = hs
	return s, nil
}

// answerAuth responds to a password challenge and parses the rest of
// the startup exchange.
func (s *Session) answerAuth(ctx context.Context, rq reply.AuthRequest, opts Options) (any, error) {
	var password string
	switch rq.Type {
	case pgwire.AuthCleartextPassword:
		password = opts.Password
	case pgwire.AuthMD5Password:
		password = md5Password(opts.User, opts.Password, rq.Salt)
	default:
		return nil, fmt.Errorf("unsupported method %d", rq.Type)
	}
	return s.d.Submit(func(dst []byte) []byte {
		return pgwire.AppendPassword(dst, password)
	}, reply.Authentication()).Wait(ctx)
}

// md5Password computes the digest the MD5 method expects:
// "md5" + hex(md5(hex(md5(password + user)) + salt)).
func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	hexed := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(hexed), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// Parameter returns a server parameter reported at startup, such as
// server_version or client_encoding.
func (s *Session) Parameter(name string) string {
	return s.handshake.Params[name]
}

// KeyData returns the backend process ID and secret key for
// out-of-band cancellation.
func (s *Session) KeyData() (pid, secret int32) {
	return s.handshake.PID, s.handshake.SecretKey
}

// Exec runs a statement via the simple protocol and returns the
// affected row count.
func (s *Session) Exec(ctx context.Context, sql string) (int64, error) {
	stream := reply.Bind(reply.RowsAffected(), func(n any) *reply.Stream {
		return reply.Then(reply.Expect(reply.ReadyForQuery()), reply.Pure(n))
	})
	return dispatch.Await[int64](ctx, s.d.Submit(func(dst []byte) []byte {
		return pgwire.AppendQuery(dst, sql)
	}, stream))
}

// Query runs a statement via the simple protocol and decodes each data
// row with row. It returns the decoded rows in order.
func (s *Session) Query(ctx context.Context, sql string, row reply.RowParser) ([]any, error) {
	stream := reply.Bind(queryResult(row), func(rows any) *reply.Stream {
		return reply.Then(reply.Expect(reply.ReadyForQuery()), reply.Pure(rows))
	})
	return dispatch.Await[[]any](ctx, s.d.Submit(func(dst []byte) []byte {
		return pgwire.AppendQuery(dst, sql)
	}, stream))
}

// queryResult consumes one query's result set: an optional
// RowDescription, the data rows, and the terminating CommandComplete
// or EmptyQueryResponse.
func queryResult(row reply.RowParser) *reply.Stream {
	return reply.Alt(
		reply.Then(reply.Expect(reply.RowDescription()), reply.CollectRows(row)),
		reply.Then(reply.Expect(reply.CommandComplete()), reply.Pure([]any(nil))),
		reply.Then(reply.Expect(reply.EmptyQuery()), reply.Pure([]any(nil))),
	)
}

// Prepare parses and describes a named statement via the extended
// protocol, returning its parameter OIDs and result columns.
func (s *Session) Prepare(ctx context.Context, name, sql string) (*reply.StatementInfo, error) {
	stream := reply.Then(reply.Expect(reply.ParseComplete()),
		reply.Bind(reply.Describe(), func(si any) *reply.Stream {
			return reply.Then(reply.Expect(reply.ReadyForQuery()), reply.Pure(si))
		}))
	return dispatch.Await[*reply.StatementInfo](ctx, s.d.Submit(func(dst []byte) []byte {
		dst = pgwire.AppendParse(dst, name, sql, nil)
		dst = pgwire.AppendDescribe(dst, pgwire.TargetStatement, name)
		return pgwire.AppendSync(dst)
	}, stream))
}

// QueryPrepared binds args to a prepared statement, executes it on the
// unnamed portal, and decodes the data rows with row. A nil argument
// is sent as NULL; all values travel in the text format.
func (s *Session) QueryPrepared(ctx context.Context, name string, args [][]byte, row reply.RowParser) ([]any, error) {
	stream := reply.Then(reply.Expect(reply.BindComplete()),
		reply.Bind(reply.CollectRows(row), func(rows any) *reply.Stream {
			return reply.Then(reply.Expect(reply.ReadyForQuery()), reply.Pure(rows))
		}))
	return dispatch.Await[[]any](ctx, s.d.Submit(func(dst []byte) []byte {
		dst = pgwire.AppendBind(dst, "", name, args)
		dst = pgwire.AppendExecute(dst, "", 0)
		return pgwire.AppendSync(dst)
	}, stream))
}

// CloseStatement deallocates a named prepared statement.
func (s *Session) CloseStatement(ctx context.Context, name string) error {
	stream := reply.Then(reply.Expect(reply.CloseComplete()),
		reply.Expect(reply.ReadyForQuery()))
	_, err := s.d.Submit(func(dst []byte) []byte {
		dst = pgwire.AppendClose(dst, pgwire.TargetStatement, name)
		return pgwire.AppendSync(dst)
	}, stream).Wait(ctx)
	return err
}

// Listen subscribes the session to an async notification channel.
// Notifications arrive through the dispatcher's sink.
func (s *Session) Listen(ctx context.Context, channel string) error {
	_, err := s.Exec(ctx, "LISTEN "+quoteIdent(channel))
	return err
}

// Unlisten removes a subscription added by Listen.
func (s *Session) Unlisten(ctx context.Context, channel string) error {
	_, err := s.Exec(ctx, "UNLISTEN "+quoteIdent(channel))
	return err
}

// quoteIdent double-quotes an identifier, doubling embedded quotes.
func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}

// Cancel interrupts the request the server is currently executing for
// this session. The cancel packet travels on its own connection,
// which Cancel closes before returning.
func (s *Session) Cancel(conn net.Conn) error {
	pid, secret := s.KeyData()
	defer conn.Close()
	if _, err := conn.Write(pgwire.AppendCancelRequest(nil, pid, secret)); err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	return nil
}

// Close sends Terminate as a courtesy and tears the dispatcher down.
// Outstanding requests resolve with the stop error.
func (s *Session) Close() {
	s.d.Submit(pgwire.AppendTerminate, reply.Pure(nil))
	s.d.Stop()
}

// Err reports the terminal error if the underlying dispatcher has
// failed, nil otherwise.
func (s *Session) Err() error { return s.d.Err() }

// TextRow is a RowParser that copies every field into a []string,
// rendering NULL as the empty string.
func TextRow(fields [][]byte) (any, error) {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out, nil
}
