package worker

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"moor/logging"
)

// upgrader accepts any origin, matching the teacher's monitor-websocket
// convention (this endpoint is meant for backend worker processes, not
// browsers, so CSRF-via-origin is not a concern the way it is for a UI).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the worker RPC websocket endpoint (spec.md §6.2): a worker
// dials in, sends `enroll`, then `attach`, then answers work_request
// messages with work_result/work_error until the connection drops.
type Handler struct {
	registry        *Registry
	dispatcher      *Dispatcher
	enrollmentToken string
	daemonPublicKey string
	log             zerolog.Logger
}

// NewHandler builds a worker endpoint. enrollmentToken is the one-shot
// token read from the enrollment-token file (spec.md §6.3); daemonPublicKey
// is the daemon's curve25519 public key returned to workers on enroll.
func NewHandler(registry *Registry, dispatcher *Dispatcher, enrollmentToken, daemonPublicKey string) *Handler {
	return &Handler{
		registry:        registry,
		dispatcher:      dispatcher,
		enrollmentToken: enrollmentToken,
		daemonPublicKey: daemonPublicKey,
		log:             logging.Component("worker.rpc"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("worker websocket upgrade failed")
		return
	}
	defer conn.Close()

	var worker *Worker
	defer func() {
		if worker != nil {
			h.registry.Remove(worker.ID)
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Kind {
		case MsgEnroll:
			var req EnrollRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return
			}
			if req.EnrollmentToken != h.enrollmentToken {
				h.log.Warn().Str("worker_type", req.WorkerType).Msg("rejected enroll: bad token")
				return
			}
			worker = &Worker{
				ID:       uuid.NewString(),
				Type:     req.WorkerType,
				Hostname: req.Hostname,
				PubKey:   req.WorkerPublicKey,
				Conn:     conn,
			}
			env, _ := encodeEnvelope(MsgEnrolled, EnrollResponse{
				WorkerID:        worker.ID,
				DaemonPublicKey: h.daemonPublicKey,
			})
			if err := conn.WriteJSON(env); err != nil {
				return
			}

		case MsgAttach:
			var req AttachRequest
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return
			}
			if worker == nil || worker.ID != req.WorkerID {
				return
			}
			worker.Type = req.WorkerType
			h.registry.Add(worker)
			h.log.Info().Str("worker_id", worker.ID).Str("type", worker.Type).Msg("worker attached")

		case MsgWorkResult:
			var res WorkResult
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				return
			}
			if worker != nil {
				h.registry.Touch(worker.ID)
			}
			h.dispatcher.HandleResult(res.RequestID, res.ResultVar)

		case MsgWorkError:
			var res WorkError
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				return
			}
			if worker != nil {
				h.registry.Touch(worker.ID)
			}
			h.dispatcher.HandleError(res.RequestID, res.Error)

		case MsgPong:
			if worker != nil {
				h.registry.Touch(worker.ID)
			}
		}
	}
}
