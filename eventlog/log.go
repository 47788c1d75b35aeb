// Package eventlog implements spec.md §4.7's per-player durable narrative
// history: a monotonically-increasing, append-only record of everything
// published to a player (narrative text, presentations, task errors,
// tracebacks, worker results), sealed at rest to a player-supplied public
// key the daemon never has the matching private half for.
//
// Storage is bbolt, the same library db/wal.go uses for the object store's
// write-ahead log, but a separate file and bucket set — the event log's
// append/retention pattern (append forever, never compact) is different
// enough from the WAL's append-then-periodically-snapshot pattern that
// sharing a file would just couple two independent lifecycles.
package eventlog

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"

	bolt "go.etcd.io/bbolt"

	"moor/types"
)

var (
	bucketEvents     = []byte("events")
	bucketSeq        = []byte("seq")
	bucketRecipients = []byte("recipients")
)

// Entry is one durable event record. Content holds the event's text; it is
// sealed (nacl box anonymous-sender encryption) to the player's registered
// recipient key when one has been registered via SetRecipient, and stored
// in the clear otherwise — see the "no enrollment operation yet" note on
// SetRecipient.
type Entry struct {
	EventID     uint64      `json:"event_id"`
	Timestamp   int64       `json:"timestamp"` // UnixNano
	Player      types.ObjID `json:"player"`
	PayloadType string      `json:"payload_type"` // narrative, presentation, task-error, traceback, worker-result
	Sealed      bool        `json:"sealed"`
	Content     []byte      `json:"content"`
}

// Log is a per-player append-only event store.
type Log struct {
	db *bolt.DB
}

// Open opens (creating if needed) the bbolt file at path.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketSeq, bucketRecipients} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// SetRecipient registers a player's curve25519 public recipient key.
// Everything appended for this player from here on is sealed to it;
// existing entries are not retroactively re-sealed. There is no Host RPC
// operation yet through which a client supplies this key (spec.md §4.6
// doesn't define one) — until one is wired, callers registering a
// recipient would have to come from an out-of-band admin path.
func (l *Log) SetRecipient(player types.ObjID, pubKey [32]byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecipients).Put(playerKey(player), pubKey[:])
	})
}

func (l *Log) recipient(tx *bolt.Tx, player types.ObjID) (*[32]byte, bool) {
	raw := tx.Bucket(bucketRecipients).Get(playerKey(player))
	if len(raw) != 32 {
		return nil, false
	}
	var pk [32]byte
	copy(pk[:], raw)
	return &pk, true
}

// Append durably records one event for player, returning the stored
// entry (with its assigned event id and, if sealed, ciphertext rather
// than the plaintext that was passed in).
func (l *Log) Append(player types.ObjID, payloadType, content string) (*Entry, error) {
	ts := time.Now().UnixNano()
	var entry Entry

	err := l.db.Update(func(tx *bolt.Tx) error {
		seqBucket := tx.Bucket(bucketSeq)
		pk := playerKey(player)
		seq := uint64(0)
		if raw := seqBucket.Get(pk); raw != nil {
			seq = binary.BigEndian.Uint64(raw)
		}
		seq++
		var seqBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], seq)
		if err := seqBucket.Put(pk, seqBuf[:]); err != nil {
			return err
		}

		payload := []byte(content)
		sealed := false
		if pub, ok := l.recipient(tx, player); ok {
			ciphertext, err := box.SealAnonymous(nil, payload, pub, rand.Reader)
			if err != nil {
				return fmt.Errorf("sealing event for #%d: %w", player, err)
			}
			payload = ciphertext
			sealed = true
		}

		entry = Entry{
			EventID:     seq,
			Timestamp:   ts,
			Player:      player,
			PayloadType: payloadType,
			Sealed:      sealed,
			Content:     payload,
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).Put(eventKey(player, seq), raw)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FetchLastN returns up to n of player's most recent events, oldest first
// (the order a reconnecting client would want to replay them in).
func (l *Log) FetchLastN(player types.ObjID, n int) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		k, v := c.Seek(eventKey(player, ^uint64(0)))
		if k == nil || !samePlayer(k, player) {
			k, v = c.Prev()
		}
		var buf []Entry
		for k != nil && samePlayer(k, player) && len(buf) < n {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			buf = append(buf, e)
			k, v = c.Prev()
		}
		reverse(buf)
		out = buf
		return nil
	})
	return out, err
}

// FetchBefore returns up to limit of player's events with a timestamp
// strictly before cutoff (UnixNano), most-recent-first truncated to
// limit then returned oldest-first — i.e. "the limit events right
// before cutoff".
func (l *Log) FetchBefore(player types.ObjID, cutoff int64, limit int) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		k, v := c.Seek(eventKey(player, ^uint64(0)))
		if k == nil || !samePlayer(k, player) {
			k, v = c.Prev()
		}
		var buf []Entry
		for k != nil && samePlayer(k, player) && len(buf) < limit {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Timestamp < cutoff {
				buf = append(buf, e)
			}
			k, v = c.Prev()
		}
		reverse(buf)
		out = buf
		return nil
	})
	return out, err
}

// FetchSince returns up to limit of player's events with an event id
// strictly greater than afterID, oldest first — the continuation a
// reconnecting client resumes from with the last event id it saw.
func (l *Log) FetchSince(player types.ObjID, afterID uint64, limit int) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		k, v := c.Seek(eventKey(player, afterID+1))
		var buf []Entry
		for k != nil && samePlayer(k, player) && len(buf) < limit {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			buf = append(buf, e)
			k, v = c.Next()
		}
		out = buf
		return nil
	})
	return out, err
}

func reverse(es []Entry) {
	for i, j := 0, len(es)-1; i < j; i, j = i+1, j-1 {
		es[i], es[j] = es[j], es[i]
	}
}

func playerKey(player types.ObjID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(player))
	return k
}

func eventKey(player types.ObjID, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(player))
	binary.BigEndian.PutUint64(k[8:16], seq)
	return k
}

func samePlayer(k []byte, player types.ObjID) bool {
	return len(k) >= 8 && bytes.Equal(k[0:8], playerKey(player))
}
