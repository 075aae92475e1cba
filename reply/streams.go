package reply

import "pgpipe/pgwire"

// Prebuilt streams for the common reply shapes of the protocol.

// RowsAffected consumes the reply to a statement that returns no rows:
// a CommandComplete, or an EmptyQueryResponse for a blank query. It
// yields the affected row count as int64.
func RowsAffected() *Stream {
	return Alt(
		Expect(CommandComplete()),
		Then(Expect(EmptyQuery()), Pure(int64(0))),
	)
}

// Rows consumes a run of DataRow frames terminated by CommandComplete
// or EmptyQueryResponse. Each decoded row is folded into the
// accumulator, and the final accumulator is the stream's value.
func Rows(row RowParser, init any, fold func(acc, v any) any) *Stream {
	return rowsLoop(row, init, fold)
}

func rowsLoop(row RowParser, acc any, fold func(acc, v any) any) *Stream {
	return Alt(
		Bind(Expect(DataRow(row)), func(v any) *Stream {
			return rowsLoop(row, fold(acc, v), fold)
		}),
		Then(Expect(CommandComplete()), Pure(acc)),
		Then(Expect(EmptyQuery()), Pure(acc)),
	)
}

// CollectRows gathers every decoded row into a slice.
func CollectRows(row RowParser) *Stream {
	return Rows(row, []any(nil), func(acc, v any) any {
		return append(acc.([]any), v)
	})
}

// Describe consumes the reply to Describe on a prepared statement: a
// ParameterDescription followed by a RowDescription or NoData. It
// yields a *StatementInfo.
func Describe() *Stream {
	return Bind(Expect(ParameterDescription()), func(oids any) *Stream {
		return Bind(Alt(
			Expect(RowDescription()),
			Then(Expect(NoData()), Pure([]pgwire.ColumnInfo(nil))),
		), func(cols any) *Stream {
			return Pure(&StatementInfo{
				ParamOIDs: oids.([]int32),
				Columns:   cols.([]pgwire.ColumnInfo),
			})
		})
	})
}

// StatementInfo describes a prepared statement: its parameter type
// OIDs and result columns. Columns is nil for statements that return
// no rows.
type StatementInfo struct {
	ParamOIDs []int32
	Columns   []pgwire.ColumnInfo
}

// Handshake is the outcome of a successful startup exchange.
type Handshake struct {
	Params           map[string]string
	PID              int32
	SecretKey        int32
	IntegerDatetimes bool
}

// Authentication consumes the first Authentication frame of a startup
// exchange. For AuthenticationOk it continues through the parameter
// reports and yields *Handshake; for the password variants it yields
// the AuthRequest so the caller can respond and start over.
func Authentication() *Stream {
	return Bind(Expect(Auth()), func(v any) *Stream {
		rq := v.(AuthRequest)
		if rq.Type != pgwire.AuthOk {
			return Pure(rq)
		}
		return Startup()
	})
}

// Startup consumes the parameter reports that follow AuthenticationOk:
// any number of ParameterStatus and BackendKeyData frames, terminated
// by ReadyForQuery. It yields *Handshake. The server must have
// reported integer_datetimes; binary timestamp decoding depends on it.
func Startup() *Stream {
	return startupLoop(&Handshake{Params: make(map[string]string)}, false)
}

func startupLoop(h *Handshake, sawDatetimes bool) *Stream {
	return Alt(
		Bind(Expect(ParameterStatus()), func(v any) *Stream {
			p := v.(Param)
			h.Params[p.Name] = p.Value
			if p.Name == "integer_datetimes" {
				h.IntegerDatetimes = p.Value == "on"
				return startupLoop(h, true)
			}
			return startupLoop(h, sawDatetimes)
		}),
		Bind(Expect(BackendKeyData()), func(v any) *Stream {
			kd := v.(KeyData)
			h.PID = kd.PID
			h.SecretKey = kd.SecretKey
			return startupLoop(h, sawDatetimes)
		}),
		Then(Expect(ReadyForQuery()), finishStartup(h, sawDatetimes)),
	)
}

func finishStartup(h *Handshake, sawDatetimes bool) *Stream {
	if !sawDatetimes {
		return Fail("startup: server did not report integer_datetimes")
	}
	return Pure(h)
}
