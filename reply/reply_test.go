package reply

import (
	"testing"

	"pgpipe/pgwire"
)

func frameOf(t *testing.T, b []byte) pgwire.Frame {
	t.Helper()
	var got *pgwire.Frame
	s := pgwire.NewSlicer(func(f pgwire.Frame) error {
		got = &f
		return nil
	})
	if err := s.Write(b); err != nil {
		t.Fatalf("slice: %v", err)
	}
	if got == nil {
		t.Fatal("no frame emitted")
	}
	return *got
}

func TestCommandCompleteAffectedCount(t *testing.T) {
	tests := []struct {
		tag  string
		want int64
	}{
		{"SELECT 1", 1},
		{"INSERT 0 3", 3},
		{"UPDATE 42", 42},
		{"CREATE TABLE", 0},
		{"LISTEN", 0},
		{"COPY 1000000", 1000000},
	}
	p := CommandComplete()
	for _, tt := range tests {
		f := frameOf(t, pgwire.AppendCommandComplete(nil, tt.tag))
		r := p(f)
		if r.Status != StatusMatched {
			t.Fatalf("%q: status %d", tt.tag, r.Status)
		}
		if got := r.Value.(int64); got != tt.want {
			t.Fatalf("%q: got %d, want %d", tt.tag, got, tt.want)
		}
	}
}

func TestParsersRejectOtherTags(t *testing.T) {
	z := frameOf(t, pgwire.AppendReadyForQuery(nil, pgwire.TxIdle))
	for name, p := range map[string]MessageParser{
		"CommandComplete":      CommandComplete(),
		"EmptyQuery":           EmptyQuery(),
		"ParseComplete":        ParseComplete(),
		"BindComplete":         BindComplete(),
		"DataRow":              DataRow(func([][]byte) (any, error) { return nil, nil }),
		"ParameterStatus":      ParameterStatus(),
		"BackendKeyData":       BackendKeyData(),
		"RowDescription":       RowDescription(),
		"ParameterDescription": ParameterDescription(),
		"ErrorFields":          ErrorFields(),
		"Auth":                 Auth(),
	} {
		if r := p(z); r.Status != StatusRejected {
			t.Fatalf("%s: expected rejection of 'Z', got status %d", name, r.Status)
		}
	}
}

func TestDataRowFields(t *testing.T) {
	f := frameOf(t, pgwire.AppendDataRow(nil, [][]byte{[]byte("A"), nil, {}}))
	r := DataRow(func(fields [][]byte) (any, error) {
		if len(fields) != 3 {
			t.Fatalf("expected 3 fields, got %d", len(fields))
		}
		if string(fields[0]) != "A" {
			t.Fatalf("field 0 = %q", fields[0])
		}
		if fields[1] != nil {
			t.Fatalf("field 1 should be NULL, got %q", fields[1])
		}
		if fields[2] == nil || len(fields[2]) != 0 {
			t.Fatalf("field 2 should be empty, got %v", fields[2])
		}
		return "ok", nil
	})(f)
	if r.Status != StatusMatched || r.Value != "ok" {
		t.Fatalf("got %+v", r)
	}
}

func TestDataRowTruncated(t *testing.T) {
	f := pgwire.Frame{Tag: pgwire.MsgDataRow, Payload: []byte{0, 2, 0, 0, 0, 5, 'x'}}
	r := DataRow(func([][]byte) (any, error) { return nil, nil })(f)
	if r.Status != StatusFailed {
		t.Fatalf("expected failure, got status %d", r.Status)
	}
}

func TestParameterStatus(t *testing.T) {
	f := frameOf(t, pgwire.AppendParameterStatus(nil, "TimeZone", "UTC"))
	r := ParameterStatus()(f)
	if r.Status != StatusMatched {
		t.Fatalf("status %d: %v", r.Status, r.Err)
	}
	p := r.Value.(Param)
	if p.Name != "TimeZone" || p.Value != "UTC" {
		t.Fatalf("got %+v", p)
	}
}

func TestBackendKeyData(t *testing.T) {
	f := frameOf(t, pgwire.AppendBackendKeyData(nil, 1234, -1))
	r := BackendKeyData()(f)
	if r.Status != StatusMatched {
		t.Fatalf("status %d: %v", r.Status, r.Err)
	}
	kd := r.Value.(KeyData)
	if kd.PID != 1234 || kd.SecretKey != -1 {
		t.Fatalf("got %+v", kd)
	}
}

func TestRowDescription(t *testing.T) {
	cols := []pgwire.ColumnInfo{
		{Name: "id", DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
		{Name: "name", TableOID: 16384, ColumnAttr: 2, DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1},
	}
	f := frameOf(t, pgwire.AppendRowDescription(nil, cols))
	r := RowDescription()(f)
	if r.Status != StatusMatched {
		t.Fatalf("status %d: %v", r.Status, r.Err)
	}
	got := r.Value.([]pgwire.ColumnInfo)
	if len(got) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(got))
	}
	for i := range cols {
		if got[i] != cols[i] {
			t.Fatalf("column %d = %+v, want %+v", i, got[i], cols[i])
		}
	}
}

func TestParameterDescription(t *testing.T) {
	f := frameOf(t, pgwire.AppendParameterDescription(nil, []int32{23, 25}))
	r := ParameterDescription()(f)
	if r.Status != StatusMatched {
		t.Fatalf("status %d: %v", r.Status, r.Err)
	}
	oids := r.Value.([]int32)
	if len(oids) != 2 || oids[0] != 23 || oids[1] != 25 {
		t.Fatalf("got %v", oids)
	}
}

func TestErrorFields(t *testing.T) {
	f := frameOf(t, pgwire.AppendErrorResponse(nil, "ERROR", "23505", "duplicate key"))
	r := ErrorFields()(f)
	if r.Status != StatusMatched {
		t.Fatalf("status %d: %v", r.Status, r.Err)
	}
	det := r.Value.(*ErrorDetails)
	if det.Severity != "ERROR" || det.Code != "23505" || det.Message != "duplicate key" {
		t.Fatalf("got %+v", det)
	}
	if det.Fields['C'] != "23505" {
		t.Fatalf("raw field map: %v", det.Fields)
	}
}

func TestErrorFieldsMissingTerminator(t *testing.T) {
	f := pgwire.Frame{Tag: pgwire.MsgErrorResponse, Payload: []byte{'S', 'E', 'R', 'R', 0}}
	if r := ErrorFields()(f); r.Status != StatusFailed {
		t.Fatalf("expected failure, got status %d", r.Status)
	}
}

func TestAuthVariants(t *testing.T) {
	ok := Auth()(frameOf(t, pgwire.AppendAuthOk(nil)))
	if ok.Status != StatusMatched || ok.Value.(AuthRequest).Type != pgwire.AuthOk {
		t.Fatalf("AuthOk: %+v", ok)
	}

	ct := Auth()(frameOf(t, pgwire.AppendAuthCleartextPassword(nil)))
	if ct.Status != StatusMatched || ct.Value.(AuthRequest).Type != pgwire.AuthCleartextPassword {
		t.Fatalf("Cleartext: %+v", ct)
	}

	salt := [4]byte{1, 2, 3, 4}
	md5 := Auth()(frameOf(t, pgwire.AppendAuthMD5Password(nil, salt)))
	if md5.Status != StatusMatched {
		t.Fatalf("MD5: %+v", md5)
	}
	if rq := md5.Value.(AuthRequest); rq.Type != pgwire.AuthMD5Password || rq.Salt != salt {
		t.Fatalf("MD5 fields: %+v", rq)
	}

	sspi := pgwire.Frame{Tag: pgwire.MsgAuthentication, Payload: []byte{0, 0, 0, 9}}
	if r := Auth()(sspi); r.Status != StatusFailed {
		t.Fatalf("expected unsupported discriminator to fail, got status %d", r.Status)
	}
}

func TestParseNotification(t *testing.T) {
	f := frameOf(t, pgwire.AppendNotificationResponse(nil, 1, "ch", ""))
	n, err := ParseNotification(f.Payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.PID != 1 || n.Channel != "ch" || n.Payload != "" {
		t.Fatalf("got %+v", n)
	}
}
