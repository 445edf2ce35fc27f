package respd

import "github.com/flonle/respd/internal/respd/streams"

// kind tags which variant a Value currently holds.
type kind int

const (
	kindString kind = iota
	kindStream
	kindList
)

// Value is the tagged union stored under a key: exactly one of a string
// (with an optional absolute expiration), a stream, or a list.
type Value struct {
	kind kind

	str       string
	expiresAt int64 // ms since epoch; 0 means no TTL
	hasExpiry bool

	stream *streams.Stream

	list []string
}

func newStringValue(s string) *Value {
	return &Value{kind: kindString, str: s}
}

func newStreamValue() *Value {
	return &Value{kind: kindStream, stream: streams.New()}
}

func newListValue() *Value {
	return &Value{kind: kindList}
}

func (v *Value) typeName() string {
	switch v.kind {
	case kindString:
		return "string"
	case kindStream:
		return "stream"
	case kindList:
		return "list"
	default:
		return "none"
	}
}

// expired reports whether a string value's TTL has passed as of nowMs.
func (v *Value) expired(nowMs int64) bool {
	return v.kind == kindString && v.hasExpiry && nowMs >= v.expiresAt
}
