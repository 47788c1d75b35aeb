package rpc

import (
	"encoding/hex"
	"fmt"
	"sync"

	"moor/eventlog"
	"moor/server"
	"moor/types"
)

// Conn is the subset of *gorilla/websocket.Conn a Session needs; kept as
// a local interface so tests can fake it without dialing a real socket.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one authenticated Host RPC peer: a player bound to an
// auth_token, talking over one websocket, backed by a real
// *server.Connection whose I/O is bridged through a PipeTransport. The
// PipeTransport is the same in-memory transport the test suite uses for
// telnet connections (see server/transport.go) — reused here because it
// is exactly the seam the command()/narrative bridge needs: command()
// feeds it on one end, notify()'s Send() calls drain out the other.
type Session struct {
	AuthToken string
	ClientID  string
	Player    types.ObjID

	conn      *server.Connection
	transport *server.PipeTransport
	ws        Conn
	eventLog  *eventlog.Log // durable history (spec.md §4.7); nil disables history()

	mu       sync.Mutex
	attached bool
	pending  []NarrativeEvent // buffered until attach() if narrative arrives early
}

const defaultHistoryLimit = 200

// historySnapshot answers the history() RPC operation by querying the
// durable event log for everything after cursor (an event id; 0 means
// "from the start"), returning it as rendered text lines plus the event
// id a client should pass as its next cursor. Every event this player's
// notify()/present()/unpresent() calls and tracebacks produce was
// already appended there by builtins.LogEvent (see server/eventlog_rpc.go),
// so this session doesn't keep its own copy.
func (s *Session) historySnapshot(cursor int64, limit int) ([]string, int64) {
	if s.eventLog == nil {
		return nil, cursor
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	entries, err := s.eventLog.FetchSince(s.Player, uint64(cursor), limit)
	if err != nil || len(entries) == 0 {
		return nil, cursor
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		content := string(e.Content)
		if e.Sealed {
			content = hex.EncodeToString(e.Content)
		}
		lines = append(lines, fmt.Sprintf("%d\t%s\t%s", e.Timestamp, e.PayloadType, content))
	}
	return lines, int64(entries[len(entries)-1].EventID)
}

func (s *Session) setAttached(ws Conn) {
	s.mu.Lock()
	s.attached = true
	s.ws = ws
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ev := range buffered {
		s.pushNarrative(ev)
	}
}

func (s *Session) pushNarrative(ev NarrativeEvent) {
	s.mu.Lock()
	if !s.attached || s.ws == nil {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	ws := s.ws
	s.mu.Unlock()

	env, err := encodeEnvelope(MsgNarrative, ev)
	if err != nil {
		return
	}
	ws.WriteJSON(env)
}

func (s *Session) pushPresent(ev PresentEvent) {
	s.mu.Lock()
	ws := s.ws
	attached := s.attached
	s.mu.Unlock()
	if !attached || ws == nil {
		return
	}
	env, err := encodeEnvelope(MsgPresent, ev)
	if err != nil {
		return
	}
	ws.WriteJSON(env)
}

func (s *Session) pushUnpresent(ev UnpresentEvent) {
	s.mu.Lock()
	ws := s.ws
	attached := s.attached
	s.mu.Unlock()
	if !attached || ws == nil {
		return
	}
	env, err := encodeEnvelope(MsgUnpresent, ev)
	if err != nil {
		return
	}
	ws.WriteJSON(env)
}

// Registry tracks every live Session, indexed by auth_token (the Host RPC
// request/response key) and by player (so present()/unpresent() can reach
// every host attached to a given player, per spec.md §4.6).
type Registry struct {
	mu        sync.Mutex
	byToken   map[string]*Session
	byPlayer  map[types.ObjID][]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byToken:  make(map[string]*Session),
		byPlayer: make(map[types.ObjID][]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byToken[s.AuthToken] = s
	r.byPlayer[s.Player] = append(r.byPlayer[s.Player], s)
}

func (r *Registry) Remove(authToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byToken[authToken]
	if !ok {
		return
	}
	delete(r.byToken, authToken)
	list := r.byPlayer[s.Player]
	for i, cand := range list {
		if cand == s {
			r.byPlayer[s.Player] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(authToken string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byToken[authToken]
}

func (r *Registry) ByPlayer(player types.ObjID) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.byPlayer[player]...)
}

// Present implements the PresentationSink interface builtins.present()
// dispatches to (see builtins/presentation.go).
func (r *Registry) Present(player types.ObjID, id, target, title, contentType, content string, attrs map[string]string) {
	ev := PresentEvent{ID: id, Target: target, Title: title, ContentType: contentType, Content: content, Attributes: attrs}
	for _, s := range r.ByPlayer(player) {
		s.pushPresent(ev)
	}
}

func (r *Registry) Unpresent(player types.ObjID, id string) {
	ev := UnpresentEvent{ID: id}
	for _, s := range r.ByPlayer(player) {
		s.pushUnpresent(ev)
	}
}
