// Package resp3 provides a small append-only encoder for RESP replies. The
// name is kept from its ancestor; the wire format produced is RESP2, which is
// what every command reply in this server uses (nil bulk/array, not the
// RESP3 `_\r\n` null).
package resp3

import (
	"strconv"
	"unsafe"
)

const (
	simpleStrPrefix = '+'
	simpleErrPrefix = '-'
	numberPrefix    = ':'
	bulkStrPrefix   = '$'
	arrPrefix       = '*'
	CRLF            = "\r\n"
)

var (
	nilBulkSlice  = []byte("$-1\r\n")
	nilArraySlice = []byte("*-1\r\n")
)

// Big boy struct; the buffer is an exported field to mutate as you like. This exists mainly
// to attach a bunch of convenience methods that may aid in encoding some object into a
// respectable RESP counterpart.
type Encoder struct {
	Buf []byte
}

func (e *Encoder) Reset() { e.Buf = nil }

// WriteNilBulk writes the RESP2 nil bulk string, $-1\r\n.
func (e *Encoder) WriteNilBulk() {
	e.Buf = append(e.Buf, nilBulkSlice...)
}

// WriteNilArray writes the RESP2 nil array, *-1\r\n.
func (e *Encoder) WriteNilArray() {
	e.Buf = append(e.Buf, nilArraySlice...)
}

func (e *Encoder) WriteBulkStr(val string) {
	e.Buf = append(e.Buf, bulkStrPrefix)
	e.Buf = append(e.Buf, strconv.Itoa(len(val))...)
	e.Buf = append(e.Buf, CRLF...)
	e.Buf = append(e.Buf, val...)
	e.Buf = append(e.Buf, CRLF...)
}

func (e *Encoder) WriteSimpleString(val string) {
	e.Buf = append(e.Buf, simpleStrPrefix)
	e.Buf = append(e.Buf, val...)
	e.Buf = append(e.Buf, CRLF...)
}

func (e *Encoder) WriteError(val string) {
	e.Buf = append(e.Buf, simpleErrPrefix)
	e.Buf = append(e.Buf, val...)
	e.Buf = append(e.Buf, CRLF...)
}

func (e *Encoder) WriteInt(val int64) {
	e.Buf = append(e.Buf, numberPrefix)
	e.Buf = append(e.Buf, strconv.FormatInt(val, 10)...)
	e.Buf = append(e.Buf, CRLF...)
}

// Don't forget to write the items, too.
func (e *Encoder) WriteArrHeader(arrLen int) {
	e.Buf = append(e.Buf, arrPrefix)
	e.Buf = append(e.Buf, strconv.Itoa(arrLen)...)
	e.Buf = append(e.Buf, CRLF...)
}

// WriteRaw appends already-encoded RESP bytes verbatim, used to splice an
// already-rendered sub-reply (such as a stream's entries array) into a
// larger reply buffer.
func (e *Encoder) WriteRaw(b []byte) {
	e.Buf = append(e.Buf, b...)
}

// This string shares a pointer with the internal buffer to avoid a copy. Therefore, a
// reset is mandatory to guarantee the immutability of the returned string.
func (e *Encoder) StringAndReset() (str string) {
	str = unsafe.String(unsafe.SliceData(e.Buf), len(e.Buf))
	e.Reset()
	return str
}

// Please don't use
// func VeryUnsafeStrToBytes(s string) []byte {
// 	p := unsafe.StringData(s)
// 	return unsafe.Slice(p, len(s))
// }
