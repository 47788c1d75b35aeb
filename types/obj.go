package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ObjValue represents a MOO object reference. References come in two
// disjoint kinds: numeric (#N, the classic LambdaMOO space) and UUID
// (uuid:XXXXXX-XXXXXXXXXX). Both share the same WorldState index —
// an ObjValue simply tags which kind it carries.
type ObjValue struct {
	id        ObjID
	anonymous bool // true for anonymous objects (type code 12)
	isUUID    bool
	uid       uuid.UUID
}

// Special object constants
const (
	NOTHING      = ObjID(-1)
	AMBIGUOUS    = ObjID(-2)
	FAILED_MATCH = ObjID(-3)
)

// NewObj creates a new numeric object value
func NewObj(id ObjID) ObjValue {
	return ObjValue{id: id, anonymous: false}
}

// NewAnon creates a new anonymous object value
func NewAnon(id ObjID) ObjValue {
	return ObjValue{id: id, anonymous: true}
}

// NewUUIDObj creates a new UUID-identified object value
func NewUUIDObj(u uuid.UUID) ObjValue {
	return ObjValue{isUUID: true, uid: u}
}

// ParseUUIDRef parses the wire form "uuid:XXXXXX-XXXXXXXXXX" (a standard
// UUID string after the prefix) into an ObjValue. Returns false if the
// string isn't prefixed or isn't a valid UUID.
func ParseUUIDRef(s string) (ObjValue, bool) {
	const prefix = "uuid:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return ObjValue{}, false
	}
	u, err := uuid.Parse(s[len(prefix):])
	if err != nil {
		return ObjValue{}, false
	}
	return NewUUIDObj(u), true
}

// String returns the MOO string representation: "#N" for numeric objects
// (with anonymous objects showing their allocated slot number too, since
// anonymity is a lifecycle property, not a distinct id space), or
// "uuid:XXXXXX-XXXXXXXXXX" for UUID objects.
func (o ObjValue) String() string {
	if o.isUUID {
		return "uuid:" + o.uid.String()
	}
	return fmt.Sprintf("#%d", o.id)
}

// Type returns the MOO type (TYPE_ANON for anonymous objects)
func (o ObjValue) Type() TypeCode {
	if o.anonymous {
		return TYPE_ANON
	}
	return TYPE_OBJ
}

// IsAnonymous returns whether this is an anonymous object
func (o ObjValue) IsAnonymous() bool {
	return o.anonymous
}

// IsUUID returns whether this reference is UUID-identified rather than numeric.
func (o ObjValue) IsUUID() bool {
	return o.isUUID
}

// UUID returns the underlying UUID and true if this is a UUID reference.
func (o ObjValue) UUID() (uuid.UUID, bool) {
	return o.uid, o.isUUID
}

// Truthy returns whether the value is truthy
// In MOO, objects are never truthy (only non-zero ints and non-empty strings are truthy)
func (o ObjValue) Truthy() bool {
	return false
}

// Equal compares two values for equality
func (o ObjValue) Equal(other Value) bool {
	otherObj, ok := other.(ObjValue)
	if !ok {
		return false
	}
	if o.isUUID != otherObj.isUUID {
		return false
	}
	if o.isUUID {
		return o.uid == otherObj.uid
	}
	return o.id == otherObj.id
}

// ID returns the numeric object ID. For UUID references this is always
// ObjNothing's zero value domain and callers must check IsUUID first.
func (o ObjValue) ID() ObjID {
	return o.id
}
