package vm

import (
	"moor/builtins"
	"moor/db"
)

// BuildVMRegistry assembles a complete builtin registry bound to store: the
// store-independent builtins NewRegistry already wires up, plus every
// Register*Builtins group that needs a *db.Store to close over (object,
// property, verb, crypto, system). The scheduler calls this once per
// transaction attempt (see server/scheduler.go's runTask), rather than
// once at startup, so that each attempt's builtins operate against that
// attempt's private Txn store and a stale registry never outlives its
// transaction.
func BuildVMRegistry(store *db.Store) *builtins.Registry {
	r := builtins.NewRegistry()
	r.RegisterObjectBuiltins(store)
	r.RegisterPropertyBuiltins(store)
	r.RegisterVerbBuiltins(store)
	r.RegisterCryptoBuiltins(store)
	r.RegisterSystemBuiltins(store)
	r.RegisterStubBuiltins()
	return r
}
