package pgtest

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Column describes one result column of a scripted reply. Values
// travel in the text format.
type Column struct {
	Name    string
	TypeOID uint32
}

// Text is a shorthand for a text-typed column.
func Text(name string) Column { return Column{Name: name, TypeOID: 25} }

// Int8 is a shorthand for a bigint-typed column.
func Int8(name string) Column { return Column{Name: name, TypeOID: 20} }

func fieldDescriptions(cols []Column) []pgproto3.FieldDescription {
	fds := make([]pgproto3.FieldDescription, len(cols))
	for i, col := range cols {
		fds[i] = pgproto3.FieldDescription{
			Name:         []byte(col.Name),
			DataTypeOID:  col.TypeOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		}
	}
	return fds
}

// md5Digest mirrors the client-side md5 password computation so the
// backend can verify the response against the configured credentials.
func md5Digest(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	hexed := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(hexed), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}
