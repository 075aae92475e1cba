package pgwire

import "encoding/binary"

// Frontend message builders. All builders append one complete wire
// message to dst and return the extended slice, so several messages can
// be batched into a single buffer.

// beginMessage appends the type byte and a length placeholder,
// returning the offset of the placeholder for finishMessage.
func beginMessage(dst []byte, msgType byte) ([]byte, int) {
	dst = append(dst, msgType)
	lenOff := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	return dst, lenOff
}

// finishMessage patches the length field of the message started at lenOff.
func finishMessage(dst []byte, lenOff int) []byte {
	binary.BigEndian.PutUint32(dst[lenOff:], uint32(len(dst)-lenOff))
	return dst
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// AppendStartup appends the untyped startup message carrying the
// given parameters (typically user, database, client_encoding).
func AppendStartup(dst []byte, params map[string]string) []byte {
	lenOff := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = binary.BigEndian.AppendUint32(dst, uint32(ProtocolVersion))
	for k, v := range params {
		dst = appendCString(dst, k)
		dst = appendCString(dst, v)
	}
	dst = append(dst, 0)
	binary.BigEndian.PutUint32(dst[lenOff:], uint32(len(dst)-lenOff))
	return dst
}

// AppendCancelRequest appends the untyped out-of-band cancel packet,
// sent on a fresh connection to interrupt the backend identified by
// the key data from the original startup.
func AppendCancelRequest(dst []byte, pid, secret int32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, 16)
	dst = binary.BigEndian.AppendUint32(dst, uint32(CancelRequestCode))
	dst = binary.BigEndian.AppendUint32(dst, uint32(pid))
	return binary.BigEndian.AppendUint32(dst, uint32(secret))
}

// AppendSSLRequest appends the untyped SSL negotiation request.
func AppendSSLRequest(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, 8)
	return binary.BigEndian.AppendUint32(dst, uint32(SSLRequestCode))
}

// AppendPassword appends a PasswordMessage. The caller supplies the
// final form (cleartext, or the md5-hashed digest).
func AppendPassword(dst []byte, password string) []byte {
	dst, lenOff := beginMessage(dst, MsgPasswordMessage)
	dst = appendCString(dst, password)
	return finishMessage(dst, lenOff)
}

// AppendQuery appends a simple-protocol Query message.
func AppendQuery(dst []byte, query string) []byte {
	dst, lenOff := beginMessage(dst, MsgQuery)
	dst = appendCString(dst, query)
	return finishMessage(dst, lenOff)
}

// AppendParse appends a Parse message for the extended protocol.
// paramOIDs may be nil to let the server infer parameter types.
func AppendParse(dst []byte, name, query string, paramOIDs []int32) []byte {
	dst, lenOff := beginMessage(dst, MsgParse)
	dst = appendCString(dst, name)
	dst = appendCString(dst, query)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		dst = binary.BigEndian.AppendUint32(dst, uint32(oid))
	}
	return finishMessage(dst, lenOff)
}

// AppendBind appends a Bind message binding text-format arguments to a
// prepared statement. A nil argument is sent as NULL. All parameters
// and results use the text format.
func AppendBind(dst []byte, portal, statement string, args [][]byte) []byte {
	dst, lenOff := beginMessage(dst, MsgBind)
	dst = appendCString(dst, portal)
	dst = appendCString(dst, statement)
	dst = binary.BigEndian.AppendUint16(dst, 0) // parameter format codes: all text
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(args)))
	for _, a := range args {
		if a == nil {
			dst = binary.BigEndian.AppendUint32(dst, 0xFFFFFFFF)
			continue
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(a)))
		dst = append(dst, a...)
	}
	dst = binary.BigEndian.AppendUint16(dst, 0) // result format codes: all text
	return finishMessage(dst, lenOff)
}

// AppendDescribe appends a Describe message for a statement ('S') or
// portal ('P').
func AppendDescribe(dst []byte, target byte, name string) []byte {
	dst, lenOff := beginMessage(dst, MsgDescribe)
	dst = append(dst, target)
	dst = appendCString(dst, name)
	return finishMessage(dst, lenOff)
}

// AppendExecute appends an Execute message. maxRows of 0 fetches all rows.
func AppendExecute(dst []byte, portal string, maxRows int32) []byte {
	dst, lenOff := beginMessage(dst, MsgExecute)
	dst = appendCString(dst, portal)
	dst = binary.BigEndian.AppendUint32(dst, uint32(maxRows))
	return finishMessage(dst, lenOff)
}

// AppendClose appends a Close message for a statement ('S') or portal ('P').
func AppendClose(dst []byte, target byte, name string) []byte {
	dst, lenOff := beginMessage(dst, MsgClose)
	dst = append(dst, target)
	dst = appendCString(dst, name)
	return finishMessage(dst, lenOff)
}

// AppendFlush appends a Flush message.
func AppendFlush(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgFlush)
	return finishMessage(dst, lenOff)
}

// AppendSync appends a Sync message, closing an extended-protocol batch.
func AppendSync(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgSync)
	return finishMessage(dst, lenOff)
}

// AppendTerminate appends a Terminate message.
func AppendTerminate(dst []byte) []byte {
	dst, lenOff := beginMessage(dst, MsgTerminate)
	return finishMessage(dst, lenOff)
}
