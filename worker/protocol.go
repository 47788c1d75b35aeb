// Package worker implements the daemon side of the worker RPC protocol
// (spec.md §6.2): out-of-process workers (the curl worker, a Python worker,
// etc.) enroll over a websocket connection, attach to a work-request topic
// for a worker type, and answer work_request messages dispatched on behalf
// of worker_request() calls blocked in the scheduler.
//
// The connection-registry-plus-dispatch shape is grounded on the teacher's
// steveyegge-beads/cmd/bd/monitor.go websocket hub (map of live connections
// behind a mutex, broadcast channel); here broadcast becomes round-robin
// dispatch-by-type and every message carries a request_id that binds a
// reply back to a single blocked task.
package worker

import "encoding/json"

// Message kinds exchanged on the worker websocket connection.
const (
	MsgEnroll      = "enroll"
	MsgEnrolled    = "enrolled"
	MsgAttach      = "attach"
	MsgWorkRequest = "work_request"
	MsgWorkResult  = "work_result"
	MsgWorkError   = "work_error"
	MsgPing        = "ping"
	MsgPong        = "pong"
)

// Envelope wraps every message with a Kind discriminator so the read loop
// can dispatch before unmarshaling the payload.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EnrollRequest is sent by a worker on first connection, presenting the
// one-shot enrollment token issued out-of-band (spec.md §6.3).
type EnrollRequest struct {
	EnrollmentToken string `json:"enrollment_token"`
	WorkerPublicKey string `json:"worker_public_key"` // hex-encoded curve25519 key
	WorkerType      string `json:"worker_type"`
	Hostname        string `json:"hostname"`
}

// EnrollResponse returns the durable worker identity and the daemon's
// public key so the worker can verify future pings.
type EnrollResponse struct {
	WorkerID        string `json:"worker_id"`
	DaemonPublicKey string `json:"daemon_public_key"`
}

// AttachRequest subscribes an enrolled worker to its type's work-request topic.
type AttachRequest struct {
	WorkerID   string `json:"worker_id"`
	WorkerType string `json:"worker_type"`
}

// WorkRequest is published by the daemon to a single attached worker.
// Args and Perms are carried as MOO literal text (spec.md §6.5's textual
// boundary format), reusing the language's own literal syntax instead of
// inventing a parallel JSON value encoding.
type WorkRequest struct {
	WorkerID  string   `json:"worker_id"`
	RequestID string   `json:"request_id"`
	Perms     string   `json:"perms"`
	Args      []string `json:"args"`
	TimeoutMS int64    `json:"timeout_ms"`
}

// WorkResult is posted by the worker on success.
type WorkResult struct {
	WorkerID  string `json:"worker_id"`
	RequestID string `json:"request_id"`
	ResultVar string `json:"result_var"`
}

// WorkError is posted by the worker on failure; Error is a symbolic MOO
// error code (e.g. "E_INVARG").
type WorkError struct {
	WorkerID  string `json:"worker_id"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

func encodeEnvelope(kind string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}
