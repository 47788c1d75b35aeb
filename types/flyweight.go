package types

// FlyweightValue is the Var universe's lightweight structured record:
// a parent object reference, a set of named slots, and an optional list
// payload. Flyweights behave like immutable mini-objects for messaging
// and display (GLOSSARY) — unlike the older WaifValue (kept for
// ToastStunt textdump compatibility), a flyweight carries its payload
// list inline and never references live object state.
//
// Equality/hashing (an open question the distilled spec left ambiguous,
// resolved in SPEC_FULL.md): two flyweights are equal iff their parent,
// slot map, and payload are all deeply equal; HashKey combines the
// parent's string form with the sorted slot names/values and the payload,
// so flyweights are usable as map keys.
type FlyweightValue struct {
	parent  ObjValue
	slots   map[string]Value
	slotOrd []string // insertion order, for stable String() output
	payload []Value
}

// NewFlyweight creates a flyweight with the given parent, slots, and
// optional list payload. slotOrder should list the keys of slots in the
// order they should be displayed; if nil, map iteration order is used
// (which Go does not guarantee stable, so callers that care about
// deterministic output — e.g. the compiler's constant folder — should
// always pass an explicit order).
func NewFlyweight(parent ObjValue, slots map[string]Value, slotOrder []string, payload []Value) FlyweightValue {
	if slotOrder == nil {
		slotOrder = make([]string, 0, len(slots))
		for k := range slots {
			slotOrder = append(slotOrder, k)
		}
	}
	return FlyweightValue{parent: parent, slots: slots, slotOrd: slotOrder, payload: payload}
}

// Type returns the MOO type
func (f FlyweightValue) Type() TypeCode {
	return TYPE_FLYWEIGHT
}

// Truthy returns whether the value is truthy. Flyweights are never truthy,
// matching object/error truthiness conventions for structured values.
func (f FlyweightValue) Truthy() bool {
	return false
}

// String returns the MOO literal representation: <#parent, [k -> v, ...], {payload...}>
func (f FlyweightValue) String() string {
	s := "<" + f.parent.String()
	if len(f.slots) > 0 {
		s += ", ["
		for i, k := range f.slotOrd {
			if i > 0 {
				s += ", "
			}
			s += k + " -> " + f.slots[k].String()
		}
		s += "]"
	}
	if len(f.payload) > 0 {
		s += ", {"
		for i, v := range f.payload {
			if i > 0 {
				s += ", "
			}
			s += v.String()
		}
		s += "}"
	}
	return s + ">"
}

// Equal compares two values for equality: same parent, same slots
// (irrespective of insertion order), same payload in order.
func (f FlyweightValue) Equal(other Value) bool {
	o, ok := other.(FlyweightValue)
	if !ok {
		return false
	}
	if !f.parent.Equal(o.parent) {
		return false
	}
	if len(f.slots) != len(o.slots) || len(f.payload) != len(o.payload) {
		return false
	}
	for k, v := range f.slots {
		ov, ok := o.slots[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	for i, v := range f.payload {
		if !v.Equal(o.payload[i]) {
			return false
		}
	}
	return true
}

// Parent returns the flyweight's parent object reference.
func (f FlyweightValue) Parent() ObjValue {
	return f.parent
}

// Slot returns a named slot's value.
func (f FlyweightValue) Slot(name string) (Value, bool) {
	v, ok := f.slots[name]
	return v, ok
}

// WithSlot returns a copy of the flyweight with the given slot set,
// copy-on-write (the Var universe never mutates in place).
func (f FlyweightValue) WithSlot(name string, v Value) FlyweightValue {
	newSlots := make(map[string]Value, len(f.slots)+1)
	for k, val := range f.slots {
		newSlots[k] = val
	}
	_, existed := newSlots[name]
	newSlots[name] = v
	order := f.slotOrd
	if !existed {
		order = append(append([]string{}, f.slotOrd...), name)
	}
	return FlyweightValue{parent: f.parent, slots: newSlots, slotOrd: order, payload: f.payload}
}

// Payload returns the flyweight's list payload.
func (f FlyweightValue) Payload() []Value {
	return f.payload
}

// SlotNames returns slot names in display order.
func (f FlyweightValue) SlotNames() []string {
	return f.slotOrd
}

// HashKey returns a string suitable for use as a Go map key when a
// FlyweightValue is used as a MOO map key. Slots are hashed in sorted
// order so two flyweights built with different insertion orders but the
// same contents hash identically.
func (f FlyweightValue) HashKey() string {
	names := make([]string, len(f.slotOrd))
	copy(names, f.slotOrd)
	// sorted order for a stable hash independent of construction order
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	key := f.parent.String() + "|"
	for _, n := range names {
		key += n + "=" + f.slots[n].String() + ";"
	}
	key += "|"
	for _, v := range f.payload {
		key += v.String() + ","
	}
	return key
}
