package types

import "encoding/base64"

// BinaryValue represents an immutable MOO binary blob. Unlike StrValue,
// a binary carries arbitrary bytes; its MOO literal form is base64, which
// is also how binaries cross the RPC wire (see moor/rpc).
type BinaryValue struct {
	data []byte
}

// NewBinary creates a new binary value. The caller must not mutate b
// afterward; NewBinary does not copy (matches the immutable/shared-by-
// reference contract of the Var universe — copy-on-write happens at the
// mutation site, not at construction).
func NewBinary(b []byte) BinaryValue {
	return BinaryValue{data: b}
}

// Bytes returns the underlying byte slice. Callers that intend to mutate
// must copy first.
func (b BinaryValue) Bytes() []byte {
	return b.data
}

// Len returns the number of bytes.
func (b BinaryValue) Len() int {
	return len(b.data)
}

// String returns the MOO literal representation (base64, matching the
// wire encoding used by the Host/Worker RPC fabric for binary payloads).
func (b BinaryValue) String() string {
	return "b\"" + base64.StdEncoding.EncodeToString(b.data) + "\""
}

// Type returns the MOO type
func (b BinaryValue) Type() TypeCode {
	return TYPE_BINARY
}

// Truthy returns whether the value is truthy. Non-empty binaries are truthy.
func (b BinaryValue) Truthy() bool {
	return len(b.data) > 0
}

// Equal compares two values for equality
func (b BinaryValue) Equal(other Value) bool {
	o, ok := other.(BinaryValue)
	if !ok || len(o.data) != len(b.data) {
		return false
	}
	for i := range b.data {
		if b.data[i] != o.data[i] {
			return false
		}
	}
	return true
}
