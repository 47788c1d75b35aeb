package builtins

import (
	"time"

	"moor/task"
	"moor/types"
)

// WorkerDispatcher is the subset of worker.Dispatcher this package needs,
// declared locally to avoid an import cycle (builtins is imported by
// server, which also wires up worker.Dispatcher).
type WorkerDispatcher interface {
	Dispatch(workerType string, taskID int64, perms types.ObjID, args []types.Value, timeout time.Duration) (string, error)
}

var globalWorkerDispatcher WorkerDispatcher

// SetWorkerDispatcher wires the worker RPC dispatcher into the builtin
// layer. Called once from server startup.
func SetWorkerDispatcher(d WorkerDispatcher) {
	globalWorkerDispatcher = d
}

const defaultWorkerTimeout = 30 * time.Second

// worker_request(worker_type, args [, timeout_ms]) -> result
//
// Suspends the calling task until a worker of worker_type answers with
// work_result or work_error, or until the request times out, per spec.md
// §4.4/§6.2. Unlike builtinSuspend's timed wake (handled synchronously by
// the scheduler's waiting heap), resumption here is driven by the worker
// dispatcher calling task.Manager.ResumeWorkerTask from a different
// goroutine — the worker's own reply. Correctly yields the VM via
// types.Suspend so the bytecode VM actually parks (see vm/operations.go's
// FlowSuspend handling).
func builtinWorkerRequest(ctx *types.TaskContext, args []types.Value) types.Result {
	if len(args) < 2 || len(args) > 3 {
		return types.Err(types.E_ARGS)
	}
	if globalWorkerDispatcher == nil {
		return types.Err(types.E_WORKER)
	}

	workerTypeVal, ok := args[0].(types.StrValue)
	if !ok {
		return types.Err(types.E_TYPE)
	}
	argList, ok := args[1].(types.ListValue)
	if !ok {
		return types.Err(types.E_TYPE)
	}

	timeout := defaultWorkerTimeout
	if len(args) == 3 {
		ms, ok := args[2].(types.IntValue)
		if !ok {
			return types.Err(types.E_TYPE)
		}
		if ms.Val <= 0 {
			return types.Err(types.E_INVARG)
		}
		timeout = time.Duration(ms.Val) * time.Millisecond
	}

	if ctx.Task == nil {
		return types.Err(types.E_INVARG)
	}
	t, ok := ctx.Task.(*task.Task)
	if !ok {
		return types.Err(types.E_INVARG)
	}

	callArgs := make([]types.Value, argList.Len())
	for i := 1; i <= argList.Len(); i++ {
		callArgs[i-1] = argList.Get(i)
	}

	requestID, err := globalWorkerDispatcher.Dispatch(workerTypeVal.Value(), t.ID, ctx.Programmer, callArgs, timeout)
	if err != nil {
		return types.Err(types.E_WORKER)
	}

	t.SuspendForWorker(requestID)
	return types.Suspend(types.NewInt(0))
}
