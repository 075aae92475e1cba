package reply

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"pgpipe/pgwire"
)

// Status classifies the outcome of offering one frame to a MessageParser.
type Status int

const (
	// StatusMatched means the parser consumed the frame and produced a value.
	StatusMatched Status = iota
	// StatusRejected means the frame's tag is not for this parser. The
	// frame may be offered to an alternative branch or routed elsewhere.
	StatusRejected
	// StatusFailed means the tag matched but the payload was malformed.
	StatusFailed
)

// Single is the result of a MessageParser.
type Single struct {
	Status Status
	Value  any
	Err    error
}

// MessageParser examines exactly one frame.
type MessageParser func(f pgwire.Frame) Single

func match(v any) Single { return Single{Status: StatusMatched, Value: v} }

var rejected = Single{Status: StatusRejected}

func failf(format string, args ...any) Single {
	return Single{Status: StatusFailed, Err: fmt.Errorf(format, args...)}
}

// Param is a ParameterStatus report.
type Param struct {
	Name  string
	Value string
}

// KeyData carries BackendKeyData, used to cancel requests out of band.
type KeyData struct {
	PID       int32
	SecretKey int32
}

// AuthRequest is the decoded body of an Authentication frame. Salt is
// meaningful only for the MD5 variant.
type AuthRequest struct {
	Type int32
	Salt [4]byte
}

// Notification is an asynchronous NotificationResponse.
type Notification struct {
	PID     int32
	Channel string
	Payload string
}

// ErrorDetails holds the fields of an ErrorResponse or NoticeResponse.
type ErrorDetails struct {
	Severity string
	Code     string
	Message  string
	Fields   map[byte]string
}

// CommandComplete matches 'C' and yields the affected row count as an
// int64, parsed from the textual command tag: the last integer token,
// or 0 when the tag carries none (e.g. "CREATE TABLE").
func CommandComplete() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgCommandComplete {
			return rejected
		}
		tag, _, ok := pgwire.CString(f.Payload)
		if !ok {
			tag = string(f.Payload)
		}
		return match(affectedFromTag(tag))
	}
}

func affectedFromTag(tag string) int64 {
	fields := strings.Fields(tag)
	for i := len(fields) - 1; i >= 0; i-- {
		if n, err := strconv.ParseInt(fields[i], 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// EmptyQuery matches 'I'.
func EmptyQuery() MessageParser {
	return expectEmpty(pgwire.MsgEmptyQueryResponse)
}

// ParseComplete matches '1'.
func ParseComplete() MessageParser {
	return expectEmpty(pgwire.MsgParseComplete)
}

// BindComplete matches '2'.
func BindComplete() MessageParser {
	return expectEmpty(pgwire.MsgBindComplete)
}

// CloseComplete matches '3'.
func CloseComplete() MessageParser {
	return expectEmpty(pgwire.MsgCloseComplete)
}

// NoData matches 'n'.
func NoData() MessageParser {
	return expectEmpty(pgwire.MsgNoData)
}

func expectEmpty(tag byte) MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != tag {
			return rejected
		}
		return match(nil)
	}
}

// ReadyForQuery matches 'Z'. The transaction status byte is ignored.
func ReadyForQuery() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgReadyForQuery {
			return rejected
		}
		return match(nil)
	}
}

// RowParser decodes the fields of one DataRow. A nil field is NULL.
type RowParser func(fields [][]byte) (any, error)

// DataRow matches 'D' and feeds the decoded fields to row.
func DataRow(row RowParser) MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgDataRow {
			return rejected
		}
		fields, err := parseDataRow(f.Payload)
		if err != nil {
			return Single{Status: StatusFailed, Err: err}
		}
		v, err := row(fields)
		if err != nil {
			return Single{Status: StatusFailed, Err: err}
		}
		return match(v)
	}
}

func parseDataRow(p []byte) ([][]byte, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("DataRow: truncated field count")
	}
	n := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	fields := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(p) < 4 {
			return nil, fmt.Errorf("DataRow: truncated length of field %d", i)
		}
		flen := int32(binary.BigEndian.Uint32(p))
		p = p[4:]
		if flen < 0 {
			fields = append(fields, nil)
			continue
		}
		if int(flen) > len(p) {
			return nil, fmt.Errorf("DataRow: field %d wants %d bytes, %d left", i, flen, len(p))
		}
		fields = append(fields, p[:flen])
		p = p[flen:]
	}
	return fields, nil
}

// ParameterStatus matches 'S' and yields a Param.
func ParameterStatus() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgParameterStatus {
			return rejected
		}
		name, rest, ok := pgwire.CString(f.Payload)
		if !ok {
			return failf("ParameterStatus: unterminated name")
		}
		value, _, ok := pgwire.CString(rest)
		if !ok {
			return failf("ParameterStatus: unterminated value")
		}
		return match(Param{Name: name, Value: value})
	}
}

// BackendKeyData matches 'K' and yields a KeyData.
func BackendKeyData() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgBackendKeyData {
			return rejected
		}
		if len(f.Payload) < 8 {
			return failf("BackendKeyData: want 8 bytes, got %d", len(f.Payload))
		}
		return match(KeyData{
			PID:       int32(binary.BigEndian.Uint32(f.Payload)),
			SecretKey: int32(binary.BigEndian.Uint32(f.Payload[4:])),
		})
	}
}

// RowDescription matches 'T' and yields []pgwire.ColumnInfo.
func RowDescription() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgRowDescription {
			return rejected
		}
		cols, err := parseRowDescription(f.Payload)
		if err != nil {
			return Single{Status: StatusFailed, Err: err}
		}
		return match(cols)
	}
}

func parseRowDescription(p []byte) ([]pgwire.ColumnInfo, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("RowDescription: truncated column count")
	}
	n := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	cols := make([]pgwire.ColumnInfo, 0, n)
	for i := 0; i < n; i++ {
		name, rest, ok := pgwire.CString(p)
		if !ok {
			return nil, fmt.Errorf("RowDescription: unterminated name of column %d", i)
		}
		if len(rest) < 18 {
			return nil, fmt.Errorf("RowDescription: truncated attributes of column %d", i)
		}
		cols = append(cols, pgwire.ColumnInfo{
			Name:         name,
			TableOID:     int32(binary.BigEndian.Uint32(rest)),
			ColumnAttr:   int16(binary.BigEndian.Uint16(rest[4:])),
			DataTypeOID:  int32(binary.BigEndian.Uint32(rest[6:])),
			DataTypeSize: int16(binary.BigEndian.Uint16(rest[10:])),
			TypeModifier: int32(binary.BigEndian.Uint32(rest[12:])),
			FormatCode:   int16(binary.BigEndian.Uint16(rest[16:])),
		})
		p = rest[18:]
	}
	return cols, nil
}

// ParameterDescription matches 't' and yields []int32 parameter OIDs.
func ParameterDescription() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgParameterDescription {
			return rejected
		}
		if len(f.Payload) < 2 {
			return failf("ParameterDescription: truncated count")
		}
		n := int(binary.BigEndian.Uint16(f.Payload))
		p := f.Payload[2:]
		if len(p) < 4*n {
			return failf("ParameterDescription: want %d OIDs, got %d bytes", n, len(p))
		}
		oids := make([]int32, n)
		for i := range oids {
			oids[i] = int32(binary.BigEndian.Uint32(p[4*i:]))
		}
		return match(oids)
	}
}

// ErrorFields matches 'E' and yields *ErrorDetails.
func ErrorFields() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgErrorResponse {
			return rejected
		}
		det, err := ParseErrorDetails(f.Payload)
		if err != nil {
			return Single{Status: StatusFailed, Err: err}
		}
		return match(det)
	}
}

// NoticeFields matches 'N' and yields *ErrorDetails.
func NoticeFields() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgNoticeResponse {
			return rejected
		}
		det, err := ParseErrorDetails(f.Payload)
		if err != nil {
			return Single{Status: StatusFailed, Err: err}
		}
		return match(det)
	}
}

// ParseErrorDetails decodes the field list of an ErrorResponse or
// NoticeResponse payload: a field-code byte followed by a
// null-terminated string, repeated until a zero byte.
func ParseErrorDetails(p []byte) (*ErrorDetails, error) {
	det := &ErrorDetails{Fields: make(map[byte]string)}
	for {
		if len(p) == 0 {
			return nil, fmt.Errorf("error fields: missing terminator")
		}
		code := p[0]
		p = p[1:]
		if code == 0 {
			return det, nil
		}
		value, rest, ok := pgwire.CString(p)
		if !ok {
			return nil, fmt.Errorf("error fields: unterminated value for %q", code)
		}
		det.Fields[code] = value
		switch code {
		case 'S':
			det.Severity = value
		case 'C':
			det.Code = value
		case 'M':
			det.Message = value
		}
		p = rest
	}
}

// Auth matches 'R' and yields an AuthRequest. Discriminators other
// than Ok, CleartextPassword and MD5 fail.
func Auth() MessageParser {
	return func(f pgwire.Frame) Single {
		if f.Tag != pgwire.MsgAuthentication {
			return rejected
		}
		if len(f.Payload) < 4 {
			return failf("Authentication: truncated discriminator")
		}
		rq := AuthRequest{Type: int32(binary.BigEndian.Uint32(f.Payload))}
		switch rq.Type {
		case pgwire.AuthOk, pgwire.AuthCleartextPassword:
		case pgwire.AuthMD5Password:
			if len(f.Payload) < 8 {
				return failf("Authentication: MD5 variant without salt")
			}
			copy(rq.Salt[:], f.Payload[4:8])
		default:
			return failf("Authentication: unsupported discriminator %d", rq.Type)
		}
		return match(rq)
	}
}

// ParseNotification decodes a NotificationResponse payload.
func ParseNotification(p []byte) (*Notification, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("NotificationResponse: truncated pid")
	}
	pid := int32(binary.BigEndian.Uint32(p))
	channel, rest, ok := pgwire.CString(p[4:])
	if !ok {
		return nil, fmt.Errorf("NotificationResponse: unterminated channel")
	}
	payload, _, ok := pgwire.CString(rest)
	if !ok {
		return nil, fmt.Errorf("NotificationResponse: unterminated payload")
	}
	return &Notification{PID: pid, Channel: channel, Payload: payload}, nil
}
