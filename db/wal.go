package db

import (
	"moor/types"
	"encoding/binary"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// WAL is a bbolt-backed write-ahead log for the object store. Each commit
// appends one record holding the objects a transaction changed; on
// startup the log is replayed in sequence order to rebuild store state.
// Periodically (see Checkpoint) the log is compacted into a full snapshot
// and entries before it are dropped, the same shape as the teacher's
// CheckpointManager but backed by bbolt instead of a flat dump file.
type WAL struct {
	db  *bolt.DB
	seq uint64
}

var (
	bucketLog       = []byte("txlog")
	bucketSnapshot  = []byte("snapshot")
	keySnapshotSeq  = []byte("seq")
	keySnapshotBlob = []byte("blob")
)

// OpenWAL opens (creating if needed) the bbolt file at path.
func OpenWAL(path string) (*WAL, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening WAL: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSnapshot)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	w := &WAL{db: db}
	if err := w.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) loadSeq() error {
	return w.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		if k, _ := c.Last(); k != nil {
			w.seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
}

func (w *WAL) Close() error {
	return w.db.Close()
}

// AppendCommit durably records the set of objects a transaction changed
// (including newly-created ones; deletions are represented by the
// recycled flag on the encoded object, same as the live store).
func (w *WAL) AppendCommit(changed []*Object) error {
	payload, err := encodeObjectSet(changed)
	if err != nil {
		return err
	}
	return w.db.Update(func(tx *bolt.Tx) error {
		w.seq++
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], w.seq)
		return tx.Bucket(bucketLog).Put(key[:], payload)
	})
}

// Checkpoint writes a full snapshot of the store and drops every log
// entry at or before the snapshot's sequence number, bounding replay time
// the way the teacher's periodic dump does for the textdump file.
func (w *WAL) Checkpoint(store *Store) error {
	store.mu.RLock()
	objs := make([]*Object, 0, len(store.objects))
	for _, o := range store.objects {
		objs = append(objs, o)
	}
	store.mu.RUnlock()

	blob, err := encodeObjectSet(objs)
	if err != nil {
		return err
	}
	snapSeq := w.seq

	return w.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSnapshot)
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], snapSeq)
		if err := sb.Put(keySnapshotSeq, seqBuf[:]); err != nil {
			return err
		}
		if err := sb.Put(keySnapshotBlob, blob); err != nil {
			return err
		}

		lb := tx.Bucket(bucketLog)
		c := lb.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > snapSeq {
				break
			}
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := lb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Replay rebuilds store from the last snapshot (if any) plus every log
// record after it, in sequence order.
func (w *WAL) Replay(store *Store) error {
	return w.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSnapshot)
		snapSeq := uint64(0)
		if blob := sb.Get(keySnapshotBlob); blob != nil {
			objs, err := decodeObjectSet(blob)
			if err != nil {
				return err
			}
			applyObjects(store, objs)
			if seqBytes := sb.Get(keySnapshotSeq); seqBytes != nil {
				snapSeq = binary.BigEndian.Uint64(seqBytes)
			}
		}

		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) <= snapSeq {
				continue
			}
			objs, err := decodeObjectSet(v)
			if err != nil {
				return err
			}
			applyObjects(store, objs)
		}
		return nil
	})
}

func applyObjects(store *Store, objs []*Object) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, o := range objs {
		store.objects[o.ID] = o
		if o.ID > store.highWaterID {
			store.highWaterID = o.ID
		}
		if !o.Anonymous && o.ID > store.maxObjID {
			store.maxObjID = o.ID
		}
	}
}

// --- manual encoding for Object/Property/Verb (see valuecodec.go for why
// this isn't gob: types.Value's concrete types keep unexported fields). ---

func encodeObjectSet(objs []*Object) ([]byte, error) {
	// Stable order so checkpoints/log records are reproducible, which
	// helps when diffing WAL dumps by hand during development.
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })

	var buf []byte
	appendInt64(&buf, int64(len(objs)))
	for _, o := range objs {
		if err := encodeObject(o, &buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func decodeObjectSet(b []byte) ([]*Object, error) {
	pos := 0
	n, pos := readInt64At(b, pos)
	objs := make([]*Object, n)
	for i := int64(0); i < n; i++ {
		o, next, err := decodeObject(b, pos)
		if err != nil {
			return nil, err
		}
		objs[i] = o
		pos = next
	}
	return objs, nil
}

func encodeObject(o *Object, buf *[]byte) error {
	appendInt64(buf, int64(o.ID))
	appendString(buf, o.Name)
	appendInt64(buf, int64(o.Owner))
	appendObjIDSlice(buf, o.Parents)
	appendObjIDSlice(buf, o.Children)
	appendInt64(buf, int64(o.Location))
	appendObjIDSlice(buf, o.Contents)
	appendUint64(buf, uint64(o.Flags))
	appendBool(buf, o.Recycled)
	appendBool(buf, o.Anonymous)
	appendUint64(buf, o.Version)

	appendInt64(buf, int64(len(o.Properties)))
	names := make([]string, 0, len(o.Properties))
	for n := range o.Properties {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		p := o.Properties[name]
		appendString(buf, p.Name)
		if err := encodeValue(p.Value, buf); err != nil {
			return fmt.Errorf("encoding property %s on #%d: %w", name, o.ID, err)
		}
		appendInt64(buf, int64(p.Owner))
		*buf = append(*buf, byte(p.Perms))
		appendBool(buf, p.Clear)
		appendBool(buf, p.Defined)
	}

	appendInt64(buf, int64(len(o.VerbList)))
	for _, v := range o.VerbList {
		appendString(buf, v.Name)
		appendStringSlice(buf, v.Names)
		appendInt64(buf, int64(v.Owner))
		*buf = append(*buf, byte(v.Perms))
		appendString(buf, v.ArgSpec.This)
		appendString(buf, v.ArgSpec.Prep)
		appendString(buf, v.ArgSpec.That)
		appendStringSlice(buf, v.Code)
	}

	return nil
}

func decodeObject(b []byte, pos int) (*Object, int, error) {
	o := &Object{}
	var id int64
	id, pos = readInt64At(b, pos)
	o.ID = types.ObjID(id)
	o.Name, pos = readStringAt(b, pos)
	var owner int64
	owner, pos = readInt64At(b, pos)
	o.Owner = types.ObjID(owner)
	o.Parents, pos = readObjIDSliceAt(b, pos)
	o.Children, pos = readObjIDSliceAt(b, pos)
	var loc int64
	loc, pos = readInt64At(b, pos)
	o.Location = types.ObjID(loc)
	o.Contents, pos = readObjIDSliceAt(b, pos)
	var flags uint64
	flags, pos = readUint64At(b, pos)
	o.Flags = ObjectFlags(flags)
	o.Recycled, pos = readBoolAt(b, pos)
	o.Anonymous, pos = readBoolAt(b, pos)
	o.Version, pos = readUint64At(b, pos)

	var nprops int64
	nprops, pos = readInt64At(b, pos)
	o.Properties = make(map[string]*Property, nprops)
	o.PropOrder = make([]string, 0, nprops)
	for i := int64(0); i < nprops; i++ {
		p := &Property{}
		p.Name, pos = readStringAt(b, pos)
		var v types.Value
		var err error
		v, pos, err = decodeValue(b, pos)
		if err != nil {
			return nil, pos, err
		}
		p.Value = v
		var powner int64
		powner, pos = readInt64At(b, pos)
		p.Owner = types.ObjID(powner)
		p.Perms = PropertyPerms(b[pos])
		pos++
		p.Clear, pos = readBoolAt(b, pos)
		p.Defined, pos = readBoolAt(b, pos)
		o.Properties[p.Name] = p
		o.PropOrder = append(o.PropOrder, p.Name)
		if p.Defined {
			o.PropDefsCount++
		}
	}

	var nverbs int64
	nverbs, pos = readInt64At(b, pos)
	o.Verbs = make(map[string]*Verb, nverbs)
	o.VerbList = make([]*Verb, 0, nverbs)
	for i := int64(0); i < nverbs; i++ {
		v := &Verb{}
		v.Name, pos = readStringAt(b, pos)
		v.Names, pos = readStringSliceAt(b, pos)
		var vowner int64
		vowner, pos = readInt64At(b, pos)
		v.Owner = types.ObjID(vowner)
		v.Perms = VerbPerms(b[pos])
		pos++
		v.ArgSpec.This, pos = readStringAt(b, pos)
		v.ArgSpec.Prep, pos = readStringAt(b, pos)
		v.ArgSpec.That, pos = readStringAt(b, pos)
		v.Code, pos = readStringSliceAt(b, pos)
		// Program/BytecodeCache recompiled lazily on first call.
		o.VerbList = append(o.VerbList, v)
		for _, alias := range v.Names {
			o.Verbs[alias] = v
		}
		if _, ok := o.Verbs[v.Name]; !ok {
			o.Verbs[v.Name] = v
		}
	}

	o.ChparentChildren = make(map[types.ObjID]bool)
	o.AnonymousChildren = []types.ObjID{}

	return o, pos, nil
}

func appendBool(buf *[]byte, b bool) {
	if b {
		*buf = append(*buf, 1)
	} else {
		*buf = append(*buf, 0)
	}
}

func readBoolAt(b []byte, pos int) (bool, int) {
	return b[pos] != 0, pos + 1
}

func appendObjIDSlice(buf *[]byte, ids []types.ObjID) {
	appendInt64(buf, int64(len(ids)))
	for _, id := range ids {
		appendInt64(buf, int64(id))
	}
}

func readObjIDSliceAt(b []byte, pos int) ([]types.ObjID, int) {
	var n int64
	n, pos = readInt64At(b, pos)
	ids := make([]types.ObjID, n)
	for i := int64(0); i < n; i++ {
		var v int64
		v, pos = readInt64At(b, pos)
		ids[i] = types.ObjID(v)
	}
	return ids, pos
}

func appendStringSlice(buf *[]byte, ss []string) {
	appendInt64(buf, int64(len(ss)))
	for _, s := range ss {
		appendString(buf, s)
	}
}

func readStringSliceAt(b []byte, pos int) ([]string, int) {
	var n int64
	n, pos = readInt64At(b, pos)
	ss := make([]string, n)
	for i := int64(0); i < n; i++ {
		ss[i], pos = readStringAt(b, pos)
	}
	return ss, pos
}

func readInt64At(b []byte, pos int) (int64, int) {
	v := int64(binary.BigEndian.Uint64(b[pos:]))
	return v, pos + 8
}

func readUint64At(b []byte, pos int) (uint64, int) {
	v := binary.BigEndian.Uint64(b[pos:])
	return v, pos + 8
}

func readStringAt(b []byte, pos int) (string, int) {
	n, pos2 := readInt64At(b, pos)
	s := string(b[pos2 : pos2+int(n)])
	return s, pos2 + int(n)
}
