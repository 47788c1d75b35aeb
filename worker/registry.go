package worker

import (
	"sync"
	"time"

	"moor/metrics"
)

// Conn is the subset of *websocket.Conn the registry needs, so tests can
// substitute a fake without dialing a real socket.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Worker is an attached out-of-process worker, identified by the durable
// ID issued at enrollment and bound to one websocket connection for the
// life of that connection.
type Worker struct {
	ID       string
	Type     string
	Hostname string
	PubKey   string // hex-encoded curve25519 public key from enroll()
	Conn     Conn
	LastSeen time.Time
	Pinged   bool

	mu sync.Mutex
}

func (w *Worker) send(kind string, payload interface{}) error {
	env, err := encodeEnvelope(kind, payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Conn.WriteJSON(env)
}

// Registry tracks attached workers by ID and by type.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	byType  map[string][]*Worker
	rrIndex map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		byType:  make(map[string][]*Worker),
		rrIndex: make(map[string]int),
	}
}

// Add attaches a worker, making it eligible for dispatch.
func (r *Registry) Add(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.LastSeen = time.Now()
	r.workers[w.ID] = w
	r.byType[w.Type] = append(r.byType[w.Type], w)
	metrics.WorkersConnected.Set(float64(len(r.workers)))
}

// Remove detaches a worker, e.g. on disconnect or ping-sweep failure.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	delete(r.workers, id)
	list := r.byType[w.Type]
	for i, ww := range list {
		if ww.ID == id {
			r.byType[w.Type] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	metrics.WorkersConnected.Set(float64(len(r.workers)))
}

// Pick returns the next worker of the given type, round-robin, or nil if
// none are attached.
func (r *Registry) Pick(workerType string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byType[workerType]
	if len(list) == 0 {
		return nil
	}
	idx := r.rrIndex[workerType] % len(list)
	r.rrIndex[workerType] = idx + 1
	return list[idx]
}

// Touch records that a worker answered a ping (or sent any traffic).
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.LastSeen = time.Now()
		w.Pinged = false
	}
}

// Get returns the worker by ID, or nil.
func (r *Registry) Get(id string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[id]
}

// All returns a snapshot of attached workers.
func (r *Registry) All() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}
