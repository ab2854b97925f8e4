package billing

import (
	"context"
	"sync/atomic"
)

// Runner executes asynchronous operations. work performs the remote calls
// off the caller's goroutine; deliver releases the operation and invokes the
// caller's callback, and must run on the context callbacks are expected on.
type Runner interface {
	Run(work, deliver func())
}

type goRunner struct{}

// GoRunner runs work and delivery on a new goroutine.
func GoRunner() Runner { return goRunner{} }

func (goRunner) Run(work, deliver func()) {
	go func() {
		work()
		deliver()
	}()
}

type dispatchRunner struct {
	dispatch func(func())
}

// DispatchRunner runs work on a new goroutine and hands delivery to
// dispatch, typically an event loop owned by the caller.
func DispatchRunner(dispatch func(func())) Runner {
	return &dispatchRunner{dispatch: dispatch}
}

func (r *dispatchRunner) Run(work, deliver func()) {
	go func() {
		work()
		r.dispatch(deliver)
	}()
}

type inlineRunner struct{}

// InlineRunner runs work and delivery on the calling goroutine before the
// async call returns.
func InlineRunner() Runner { return inlineRunner{} }

func (inlineRunner) Run(work, deliver func()) {
	work()
	deliver()
}

// AsyncHandle tracks a submitted asynchronous operation.
type AsyncHandle struct {
	op        Operation
	cancelled atomic.Bool
	done      chan struct{}
}

func newAsyncHandle(op Operation) *AsyncHandle {
	return &AsyncHandle{op: op, done: make(chan struct{})}
}

func (h *AsyncHandle) Operation() Operation { return h.op }

// Cancel suppresses the callback if it has not been delivered yet. The
// remote work is not interrupted.
func (h *AsyncHandle) Cancel() { h.cancelled.Store(true) }

func (h *AsyncHandle) Cancelled() bool { return h.cancelled.Load() }

// Done is closed once the operation has finished and its callback, if any,
// has returned.
func (h *AsyncHandle) Done() <-chan struct{} { return h.done }

func (h *AsyncHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
