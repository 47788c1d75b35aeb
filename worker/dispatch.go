package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"moor/logging"
	"moor/metrics"
	"moor/parser"
	"moor/task"
	"moor/types"
)

var workerLog = logging.Component("worker")

const (
	// PingInterval is how often attached workers are pinged.
	PingInterval = 15 * time.Second
	// PingGraceIntervals is the number of missed ping intervals before a
	// worker is declared gone (spec.md §6.2).
	PingGraceIntervals = 2
)

// pendingRequest binds an outstanding work_request to the worker it was
// sent to and the task blocked waiting on its reply.
type pendingRequest struct {
	taskID   int64
	workerID string
	timer    *time.Timer
}

// Dispatcher is the scheduler's table of outstanding worker calls
// (spec.md §4.4): it binds a pending request to a single worker for the
// call's lifetime, resumes the blocked task when a reply or timeout
// arrives, and sweeps workers that go silent.
type Dispatcher struct {
	registry *Registry

	mu      sync.Mutex
	pending map[string]*pendingRequest

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDispatcher creates a Dispatcher bound to registry and starts its
// ping-sweep goroutine. Call Stop when the server shuts down.
func NewDispatcher(registry *Registry) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		pending:  make(map[string]*pendingRequest),
		stopCh:   make(chan struct{}),
	}
	go d.pingLoop()
	return d
}

// Stop ends the ping-sweep goroutine.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Dispatch sends a work_request to a worker of workerType and returns the
// generated request ID. The caller (builtinWorkerRequest) has already
// parked the task in TaskWaitingWorker; Dispatch only needs the task ID to
// resume it later.
func (d *Dispatcher) Dispatch(workerType string, taskID int64, perms types.ObjID, args []types.Value, timeout time.Duration) (string, error) {
	w := d.registry.Pick(workerType)
	if w == nil {
		return "", fmt.Errorf("no worker attached for type %q", workerType)
	}

	requestID := uuid.NewString()
	argLits := make([]string, len(args))
	for i, a := range args {
		argLits[i] = a.String()
	}

	req := &pendingRequest{taskID: taskID, workerID: w.ID}
	d.mu.Lock()
	d.pending[requestID] = req
	d.mu.Unlock()

	req.timer = time.AfterFunc(timeout, func() { d.timeout(requestID) })

	msg := WorkRequest{
		WorkerID:  w.ID,
		RequestID: requestID,
		Perms:     types.NewObj(perms).String(),
		Args:      argLits,
		TimeoutMS: timeout.Milliseconds(),
	}
	if err := w.send(MsgWorkRequest, msg); err != nil {
		d.takePending(requestID)
		return "", err
	}

	metrics.WorkerRequestsDispatched.Inc()
	return requestID, nil
}

// HandleResult completes a pending request with a worker-reported success.
func (d *Dispatcher) HandleResult(requestID, resultLiteral string) {
	req := d.takePending(requestID)
	if req == nil {
		return
	}
	val, err := parseLiteral(resultLiteral)
	if err != nil {
		workerLog.Warn().Str("request_id", requestID).Err(err).Msg("bad result_var from worker")
		val = types.NewInt(0)
	}
	task.GetManager().ResumeWorkerTask(req.taskID, val)
}

// HandleError completes a pending request with a worker-reported error.
func (d *Dispatcher) HandleError(requestID, errCode string) {
	req := d.takePending(requestID)
	if req == nil {
		return
	}
	code, ok := types.ErrorFromString(errCode)
	if !ok {
		code = types.E_WORKER
	}
	metrics.WorkerRequestsFailed.Inc()
	task.GetManager().ResumeWorkerTask(req.taskID, types.NewErr(code))
}

// timeout fails a request that neither succeeded nor errored in time.
func (d *Dispatcher) timeout(requestID string) {
	req := d.takePending(requestID)
	if req == nil {
		return
	}
	metrics.WorkerRequestsFailed.Inc()
	task.GetManager().ResumeWorkerTask(req.taskID, types.NewErr(types.E_WORKER))
}

func (d *Dispatcher) takePending(requestID string) *pendingRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.pending[requestID]
	if !ok {
		return nil
	}
	delete(d.pending, requestID)
	req.timer.Stop()
	return req
}

// WorkerGone fails every request pending on a worker that missed its ping
// grace period and evicts it from the registry.
func (d *Dispatcher) WorkerGone(workerID string) {
	d.mu.Lock()
	var dead []string
	for id, req := range d.pending {
		if req.workerID == workerID {
			dead = append(dead, id)
		}
	}
	d.mu.Unlock()
	for _, id := range dead {
		d.timeout(id)
	}
	d.registry.Remove(workerID)
}

func (d *Dispatcher) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			for _, w := range d.registry.All() {
				if w.Pinged && now.Sub(w.LastSeen) > PingInterval*PingGraceIntervals {
					workerLog.Warn().Str("worker_id", w.ID).Str("type", w.Type).
						Msg("worker missed pings, declaring unavailable")
					d.WorkerGone(w.ID)
					continue
				}
				w.Pinged = true
				if err := w.send(MsgPing, struct{}{}); err != nil {
					workerLog.Warn().Str("worker_id", w.ID).Err(err).Msg("ping failed")
					d.WorkerGone(w.ID)
				}
			}
		}
	}
}

func parseLiteral(s string) (types.Value, error) {
	if s == "" {
		return types.NewInt(0), nil
	}
	return parser.NewParser(s).ParseLiteral()
}
