package respd

import "github.com/flonle/respd/internal/respd/resp3"

// Small helpers that render a single value into a standalone RESP reply.
// Each allocates its own Encoder since replies are produced one at a time
// off the hot path of command dispatch; the executor's own Encoder is
// reserved for multi-part replies (arrays it builds incrementally).

func okReply() []byte {
	var e resp3.Encoder
	e.WriteSimpleString("OK")
	return e.Buf
}

func pongReply() []byte {
	var e resp3.Encoder
	e.WriteSimpleString("PONG")
	return e.Buf
}

func simpleStringReply(s string) []byte {
	var e resp3.Encoder
	e.WriteSimpleString(s)
	return e.Buf
}

func errorReply(msg string) []byte {
	var e resp3.Encoder
	e.WriteError(msg)
	return e.Buf
}

func intReply(n int64) []byte {
	var e resp3.Encoder
	e.WriteInt(n)
	return e.Buf
}

func bulkReply(s string) []byte {
	var e resp3.Encoder
	e.WriteBulkStr(s)
	return e.Buf
}

func nilBulkReply() []byte {
	var e resp3.Encoder
	e.WriteNilBulk()
	return e.Buf
}

func nilArrayReply() []byte {
	var e resp3.Encoder
	e.WriteNilArray()
	return e.Buf
}

func queuedReply() []byte {
	return simpleStringReply("QUEUED")
}

// wrongTypeErr is the fixed WRONGTYPE message used whenever a command is
// run against a key holding a different kind of value.
const wrongTypeErr = "ERR WRONGTYPE Operation against a key holding the wrong kind of value"

func unknownCommandErr(name string) []byte {
	return errorReply("ERR Unknown command: " + name)
}
