package db

import (
	"moor/types"
	"errors"
	"reflect"
)

// ErrConflict is returned by Txn.Commit when another transaction committed
// a change to an object this transaction read or wrote since it began.
// Callers (the scheduler) retry the whole task against a fresh Txn.
var ErrConflict = errors.New("worldstate: write-write conflict")

// WorldState owns the one shared, durable object store and hands out
// snapshot-isolated transactions. Every mutating operation in the system
// — builtins, verb compilation side effects, textdump import — goes
// through a Txn rather than touching the shared Store directly, so the
// scheduler can retry a task cleanly on conflict instead of leaving it
// half-applied.
type WorldState struct {
	shared     *Store
	wal        *WAL
	MaxRetries int
}

// NewWorldState wraps an already-populated Store (e.g. loaded from a
// textdump) with transactional access. wal may be nil, in which case
// commits are not durable (used by tests and the conformance runner).
func NewWorldState(shared *Store, wal *WAL, maxRetries int) *WorldState {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &WorldState{shared: shared, wal: wal, MaxRetries: maxRetries}
}

// Shared returns the underlying live store, for read-only reporting paths
// (e.g. metrics, admin inspection) that don't need transactional isolation.
func (ws *WorldState) Shared() *Store {
	return ws.shared
}

// Txn is a snapshot-isolated transaction: a private clone of the world
// that builtins and the VM read and mutate freely, reconciled against the
// shared store only at Commit. This trades per-object MVCC bookkeeping
// (what a production mooR would do) for a full-store clone-and-diff,
// correct and simple at the cost of O(world size) per transaction — an
// explicit scoping decision recorded in DESIGN.md, acceptable for the
// modest object counts a reference implementation or test core has.
type Txn struct {
	ws           *WorldState
	store        *Store
	baseVersions map[types.ObjID]uint64
	committed    bool
	aborted      bool
}

// Begin opens a new transaction against a private clone of the shared
// store, recording each live object's Version as the conflict baseline.
func (ws *WorldState) Begin() *Txn {
	clone := ws.shared.Clone()
	return &Txn{
		ws:           ws,
		store:        clone,
		baseVersions: ws.shared.objectVersions(),
	}
}

// Store returns the transaction's private Store. Existing Store-shaped
// code (builtins, the compiler's property/verb lookups, the command
// parser) operates against this exactly as it would the shared store;
// none of it needs to know a transaction is in progress.
func (t *Txn) Store() *Store {
	return t.store
}

// Commit validates that every object this transaction's private store
// differs from the shared baseline it cloned from has not been changed
// concurrently (by comparing the shared copy's current Version against
// the baseline recorded at Begin), then atomically applies the changed
// objects, bumping their Version, and appends a WAL record.
func (t *Txn) Commit() error {
	if t.committed || t.aborted {
		return errors.New("worldstate: txn already finished")
	}

	t.ws.shared.mu.Lock()
	defer t.ws.shared.mu.Unlock()

	dirty := t.dirtyObjects()

	for id := range dirty {
		baseVer, existed := t.baseVersions[id]
		cur, stillExists := t.ws.shared.objects[id]
		switch {
		case existed && !stillExists:
			return ErrConflict // recycled/removed concurrently
		case existed && stillExists && cur.Version != baseVer:
			return ErrConflict // mutated concurrently
		case !existed && stillExists:
			return ErrConflict // ID raced with a concurrent create
		}
	}

	applied := make([]*Object, 0, len(dirty))
	for id := range dirty {
		obj := t.store.objects[id].Clone()
		if base, ok := t.ws.shared.objects[id]; ok {
			obj.Version = base.Version + 1
		} else {
			obj.Version = 1
		}
		t.ws.shared.objects[id] = obj
		applied = append(applied, obj)

		if obj.ID > t.ws.shared.highWaterID {
			t.ws.shared.highWaterID = obj.ID
		}
		if !obj.Anonymous && obj.ID > t.ws.shared.maxObjID {
			t.ws.shared.maxObjID = obj.ID
		}
	}

	if t.ws.wal != nil && len(applied) > 0 {
		if err := t.ws.wal.AppendCommit(applied); err != nil {
			return err
		}
	}

	t.committed = true
	return nil
}

// Abort discards the transaction. Since all mutation happened on the
// transaction's private clone, the shared store was never touched and
// there is nothing to undo.
func (t *Txn) Abort() {
	t.aborted = true
}

// dirtyObjects returns the set of object IDs present in the transaction's
// private store that differ from (or are absent from) the shared store's
// state at Begin time — new objects, recycled objects, and objects with
// any changed field.
func (t *Txn) dirtyObjects() map[types.ObjID]bool {
	dirty := make(map[types.ObjID]bool)
	for id, obj := range t.store.objects {
		base, existed := t.baseVersions[id]
		if !existed {
			dirty[id] = true
			continue
		}
		sharedObj := t.ws.shared.objects[id]
		if sharedObj == nil || sharedObj.Version != base || !objectsEqual(obj, sharedObj) {
			// sharedObj.Version != base is already caught at commit time
			// as a conflict; here we only need "did this txn change it
			// relative to what it read", for which a value comparison
			// against its own clone-at-Begin would be cheaper, but we
			// don't retain that clone separately — comparing structurally
			// against the current shared object is equivalent when no
			// conflict exists, and conflicting objects are rejected
			// before this distinction matters.
			dirty[id] = true
		}
	}
	return dirty
}

// objectsEqual does a structural comparison sufficient to detect whether
// a transaction actually changed an object, used only as a diff
// optimization (it is not on the hot conflict-detection path, which goes
// by Version).
func objectsEqual(a, b *Object) bool {
	if a == b {
		return true
	}
	if a.Name != b.Name || a.Owner != b.Owner || a.Location != b.Location ||
		a.Flags != b.Flags || a.Recycled != b.Recycled || a.Anonymous != b.Anonymous {
		return false
	}
	if !reflect.DeepEqual(a.Parents, b.Parents) || !reflect.DeepEqual(a.Children, b.Children) ||
		!reflect.DeepEqual(a.Contents, b.Contents) {
		return false
	}
	if len(a.Properties) != len(b.Properties) || len(a.Verbs) != len(b.Verbs) ||
		len(a.VerbList) != len(b.VerbList) {
		return false
	}
	for i, va := range a.VerbList {
		vb := b.VerbList[i]
		if va.Name != vb.Name || va.Owner != vb.Owner || va.Perms != vb.Perms || va.ArgSpec != vb.ArgSpec ||
			!reflect.DeepEqual(va.Names, vb.Names) || !reflect.DeepEqual(va.Code, vb.Code) {
			return false
		}
	}
	for name, pa := range a.Properties {
		pb, ok := b.Properties[name]
		if !ok || pa.Owner != pb.Owner || pa.Perms != pb.Perms || pa.Clear != pb.Clear || pa.Defined != pb.Defined {
			return false
		}
		if pa.Value == nil || pb.Value == nil {
			if pa.Value != pb.Value {
				return false
			}
			continue
		}
		if !pa.Value.Equal(pb.Value) {
			return false
		}
	}
	return true
}

// RunWithRetry runs fn inside a fresh transaction, retrying on ErrConflict
// up to ws.MaxRetries times before giving up. fn must be idempotent from
// the caller's perspective (the scheduler re-executes the whole task body
// against a new snapshot on each retry, per the "retry from command-parse
// start" contract); the retry count itself is never exposed to MOO code,
// only a final exhaustion is surfaced (as E_RETRY, by the scheduler).
func (ws *WorldState) RunWithRetry(fn func(*Txn) error) error {
	var lastErr error
	for attempt := 0; attempt <= ws.MaxRetries; attempt++ {
		txn := ws.Begin()
		err := fn(txn)
		if err != nil {
			txn.Abort()
			return err
		}
		err = txn.Commit()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
