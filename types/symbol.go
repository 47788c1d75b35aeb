package types

import "sync"

// SymValue represents an interned MOO symbol (a Symbol in spec terms):
// a short immutable identifier compared and hashed by identity of its
// interned string, not by repeated byte comparison.
type SymValue struct {
	name string
}

var (
	symMu    sync.RWMutex
	symTable = make(map[string]string)
)

// intern returns the canonical backing string for s, so that two SymValues
// built from equal strings always share storage.
func intern(s string) string {
	symMu.RLock()
	if v, ok := symTable[s]; ok {
		symMu.RUnlock()
		return v
	}
	symMu.RUnlock()

	symMu.Lock()
	defer symMu.Unlock()
	if v, ok := symTable[s]; ok {
		return v
	}
	symTable[s] = s
	return s
}

// NewSym creates a new interned symbol value.
func NewSym(name string) SymValue {
	return SymValue{name: intern(name)}
}

// String returns the MOO literal representation, e.g. 'foo
func (s SymValue) String() string {
	return "'" + s.name
}

// Type returns the MOO type
func (s SymValue) Type() TypeCode {
	return TYPE_SYMBOL
}

// Truthy returns whether the value is truthy. Symbols are always truthy,
// matching error and object truthiness rules (only zero ints and empty
// strings are falsy).
func (s SymValue) Truthy() bool {
	return true
}

// Equal compares two values for equality
func (s SymValue) Equal(other Value) bool {
	if o, ok := other.(SymValue); ok {
		return s.name == o.name
	}
	return false
}

// Name returns the symbol's text.
func (s SymValue) Name() string {
	return s.name
}
