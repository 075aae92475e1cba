package pgwire

import "encoding/binary"

// Backend message builders, used by the scripted test backend and by
// protocol tests to produce server traffic. Same append discipline as
// the frontend builders.

// AppendAuthOk appends AuthenticationOk.
func AppendAuthOk(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgAuthentication)
	dst = binary.BigEndian.AppendUint32(dst, uint32(AuthOk))
	return finishMessage(dst, lenOff)
}

// AppendAuthCleartextPassword asks the client for a cleartext password.
func AppendAuthCleartextPassword(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgAuthentication)
	dst = binary.BigEndian.AppendUint32(dst, uint32(AuthCleartextPassword))
	return finishMessage(dst, lenOff)
}

// AppendAuthMD5Password asks the client for an md5-hashed password
// using the given 4-byte salt.
func AppendAuthMD5Password(dst []byte, salt [4]byte) []byte {
	dst, lenOff := beginMessage(dst, MsgAuthentication)
	dst = binary.BigEndian.AppendUint32(dst, uint32(AuthMD5Password))
	dst = append(dst, salt[:]...)
	return finishMessage(dst, lenOff)
}

// AppendParameterStatus appends a ParameterStatus message.
func AppendParameterStatus(dst []byte, name, value string) []byte {
	dst, lenOff := beginMessage(dst, MsgParameterStatus)
	dst = appendCString(dst, name)
	dst = appendCString(dst, value)
	return finishMessage(dst, lenOff)
}

// AppendBackendKeyData appends the backend process ID and secret key.
func AppendBackendKeyData(dst []byte, pid, secret int32) []byte {
	dst, lenOff := beginMessage(dst, MsgBackendKeyData)
	dst = binary.BigEndian.AppendUint32(dst, uint32(pid))
	dst = binary.BigEndian.AppendUint32(dst, uint32(secret))
	return finishMessage(dst, lenOff)
}

// AppendReadyForQuery appends ReadyForQuery with the given tx status.
func AppendReadyForQuery(dst []byte, status byte) []byte {
	dst, lenOff := beginMessage(dst, MsgReadyForQuery)
	dst = append(dst, status)
	return finishMessage(dst, lenOff)
}

// AppendRowDescription appends column metadata for a query result.
func AppendRowDescription(dst []byte, columns []ColumnInfo) []byte {
	dst, lenOff := beginMessage(dst, MsgRowDescription)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(columns)))
	for _, col := range columns {
		dst = appendCString(dst, col.Name)
		dst = binary.BigEndian.AppendUint32(dst, uint32(col.TableOID))
		dst = binary.BigEndian.AppendUint16(dst, uint16(col.ColumnAttr))
		dst = binary.BigEndian.AppendUint32(dst, uint32(col.DataTypeOID))
		dst = binary.BigEndian.AppendUint16(dst, uint16(col.DataTypeSize))
		dst = binary.BigEndian.AppendUint32(dst, uint32(col.TypeModifier))
		dst = binary.BigEndian.AppendUint16(dst, uint16(col.FormatCode))
	}
	return finishMessage(dst, lenOff)
}

// AppendDataRow appends a single data row. Each value is text-encoded;
// nil means NULL.
func AppendDataRow(dst []byte, values [][]byte) []byte {
	dst, lenOff := beginMessage(dst, MsgDataRow)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			dst = binary.BigEndian.AppendUint32(dst, 0xFFFFFFFF)
			continue
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v)))
		dst = append(dst, v...)
	}
	return finishMessage(dst, lenOff)
}

// AppendCommandComplete appends a CommandComplete with the given tag,
// e.g. "SELECT 1" or "INSERT 0 3".
func AppendCommandComplete(dst []byte, tag string) []byte {
	dst, lenOff := beginMessage(dst, MsgCommandComplete)
	dst = appendCString(dst, tag)
	return finishMessage(dst, lenOff)
}

// AppendEmptyQueryResponse appends an EmptyQueryResponse.
func AppendEmptyQueryResponse(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgEmptyQueryResponse)
	return finishMessage(dst, lenOff)
}

// AppendParseComplete appends a ParseComplete.
func AppendParseComplete(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgParseComplete)
	return finishMessage(dst, lenOff)
}

// AppendBindComplete appends a BindComplete.
func AppendBindComplete(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgBindComplete)
	return finishMessage(dst, lenOff)
}

// AppendCloseComplete appends a CloseComplete.
func AppendCloseComplete(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgCloseComplete)
	return finishMessage(dst, lenOff)
}

// AppendNoData appends a NoData.
func AppendNoData(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgNoData)
	return finishMessage(dst, lenOff)
}

// AppendParameterDescription appends a ParameterDescription carrying
// the OIDs of a prepared statement's parameters.
func AppendParameterDescription(dst []byte, oids []int32) []byte {
	dst, lenOff := beginMessage(dst, MsgParameterDescription)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(oids)))
	for _, oid := range oids {
		dst = binary.BigEndian.AppendUint32(dst, uint32(oid))
	}
	return finishMessage(dst, lenOff)
}

// AppendErrorResponse appends an ErrorResponse carrying the severity,
// SQLSTATE code and message fields.
func AppendErrorResponse(dst []byte, severity, code, message string) []byte {
	dst, lenOff := beginMessage(dst, MsgErrorResponse)
	dst = append(dst, 'S')
	dst = appendCString(dst, severity)
	dst = append(dst, 'C')
	dst = appendCString(dst, code)
	dst = append(dst, 'M')
	dst = appendCString(dst, message)
	dst = append(dst, 0)
	return finishMessage(dst, lenOff)
}

// AppendNoticeResponse appends a NoticeResponse with severity and message.
func AppendNoticeResponse(dst []byte, severity, message string) []byte {
	dst, lenOff := beginMessage(dst, MsgNoticeResponse)
	dst = append(dst, 'S')
	dst = appendCString(dst, severity)
	dst = append(dst, 'M')
	dst = appendCString(dst, message)
	dst = append(dst, 0)
	return finishMessage(dst, lenOff)
}

// AppendNotificationResponse appends an asynchronous notification.
func AppendNotificationResponse(dst []byte, pid int32, channel, payload string) []byte {
	dst, lenOff := beginMessage(dst, MsgNotificationResponse)
	dst = binary.BigEndian.AppendUint32(dst, uint32(pid))
	dst = appendCString(dst, channel)
	dst = appendCString(dst, payload)
	return finishMessage(dst, lenOff)
}
