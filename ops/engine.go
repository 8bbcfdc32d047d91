package ops

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/internal/logging"
	"github.com/gobeaver/filezoom/internal/metrics"
)

// Engine runs operations against the backends of a registry. At most
// Config.Workers operations do work at once; an operation paused on a
// conflict prompt gives its slot back while it waits.
type Engine struct {
	reg     *filezoom.Registry
	cfg     *filezoom.Config
	log     *zap.Logger
	metrics bool
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	ops    map[string]*operation
	order  []string
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics toggles Prometheus instrumentation.
func WithMetrics(enabled bool) Option {
	return func(e *Engine) {
		e.metrics = enabled
	}
}

// New creates an engine. A nil cfg uses filezoom.DefaultConfig.
func New(reg *filezoom.Registry, cfg *filezoom.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = filezoom.DefaultConfig()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		reg:     reg,
		cfg:     cfg,
		log:     zap.NewNop(),
		metrics: true,
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(map[string]*operation),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates spec and starts it. The returned handle is valid for
// the lifetime of the engine.
func (e *Engine) Submit(spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Kind == Move {
		spec.Recursive = true
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShutdown
	}
	op := newOperation(e.ctx, uuid.NewString(), spec, e.cfg.EventBuffer)
	h := &Handle{op: op}
	h.events, h.unsubscribe = op.subscribe()
	op.closeHandle = h.unsubscribe
	e.ops[op.id] = op
	e.order = append(e.order, op.id)
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.Debug("operation submitted",
		logging.OperationID(op.id),
		zap.Stringer("kind", spec.Kind),
		zap.Int("sources", len(spec.Sources)))

	go func() {
		defer e.wg.Done()
		e.run(op)
	}()
	return h, nil
}

func (e *Engine) lookup(id string) (*operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	return op, nil
}

// Subscribe opens an event stream for an operation. The stream ends with a
// terminal event and is then closed. Calling the returned function stops
// the stream early.
func (e *Engine) Subscribe(id string) (<-chan Event, func(), error) {
	op, err := e.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := op.subscribe()
	return ch, unsubscribe, nil
}

// ResolveConflict answers the prompt a paused operation is waiting on.
func (e *Engine) ResolveConflict(id string, d filezoom.Decision) error {
	op, err := e.lookup(id)
	if err != nil {
		return err
	}
	return op.resolve(d)
}

// Cancel requests cancellation. The operation stops at its next check and
// ends Cancelled. Cancelling a finished operation does nothing.
func (e *Engine) Cancel(id string) error {
	op, err := e.lookup(id)
	if err != nil {
		return err
	}
	op.cancel()
	return nil
}

// Report returns the current report of an operation.
func (e *Engine) Report(id string) (*Report, error) {
	op, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return op.currentReport(), nil
}

// Operations lists every operation in submission order.
func (e *Engine) Operations() []Status {
	e.mu.Lock()
	ops := make([]*operation, 0, len(e.order))
	for _, id := range e.order {
		ops = append(ops, e.ops[id])
	}
	e.mu.Unlock()

	out := make([]Status, 0, len(ops))
	for _, op := range ops {
		state, progress := op.snapshot()
		out = append(out, Status{
			ID:          op.id,
			Kind:        op.spec.Kind,
			State:       state,
			Progress:    progress,
			SubmittedAt: op.submittedAt,
		})
	}
	return out
}

// Shutdown rejects new submissions, cancels running operations and waits
// for them to end or for ctx to expire. Once they have ended, the event
// streams of every handle are closed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range e.ops {
		op.closeHandle()
	}
	return nil
}

func (e *Engine) run(op *operation) {
	log := e.log.With(logging.OperationID(op.id), zap.Stringer("kind", op.spec.Kind))

	if err := e.sem.Acquire(op.ctx, 1); err != nil {
		e.finish(op, log, Cancelled, false)
		return
	}
	held := true
	release := func() {
		if held {
			e.sem.Release(1)
			held = false
		}
	}
	defer release()

	if !op.start() {
		release()
		e.finish(op, log, Cancelled, false)
		return
	}
	if e.metrics {
		metrics.RecordOperationStarted(op.spec.Kind.String())
	}
	log.Info("operation started")

	r := &runner{
		e:   e,
		op:  op,
		ctx: op.ctx,
		log: log,
		acquire: func(ctx context.Context) error {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			held = true
			return nil
		},
		release:   release,
		noReplace: make(map[filezoom.BackendID]bool),
	}
	if e.cfg.Prescan {
		r.prescan()
	}
	r.execute()

	state := Completed
	switch {
	case op.ctx.Err() != nil:
		state = Cancelled
	case r.stopErr != nil || op.failedCount() > 0:
		state = Failed
	}
	release()
	e.finish(op, log, state, true)
}

func (e *Engine) finish(op *operation, log *zap.Logger, state State, started bool) {
	rep := op.finish(state)
	op.cancel()
	if e.metrics {
		metrics.RecordOperationFinished(op.spec.Kind.String(), rep.State.String(), rep.FinishedAt.Sub(rep.StartedAt), started)
	}
	fields := []zap.Field{
		zap.Stringer("state", rep.State),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		logging.Bytes(rep.BytesCopied),
		zap.Duration("duration", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if rep.State == Failed {
		log.Warn("operation finished", append(fields, zap.Error(rep.Err()))...)
		return
	}
	log.Info("operation finished", fields...)
}

// Handle is the submitter's view of one operation.
type Handle struct {
	op          *operation
	events      <-chan Event
	unsubscribe func()
}

// ID returns the operation id.
func (h *Handle) ID() string {
	return h.op.id
}

// State returns the current state.
func (h *Handle) State() State {
	s, _ := h.op.snapshot()
	return s
}

// Progress returns the current progress snapshot.
func (h *Handle) Progress() Progress {
	_, p := h.op.snapshot()
	return p
}

// Events returns the stream opened at submission, so it starts with the
// first event of the operation.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Resolve answers a pending conflict prompt.
func (h *Handle) Resolve(d filezoom.Decision) error {
	return h.op.resolve(d)
}

// Cancel requests cancellation.
func (h *Handle) Cancel() {
	h.op.cancel()
}

// Wait blocks until the operation is terminal and returns its final
// report, or returns ctx's error first.
func (h *Handle) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-h.op.done:
		return h.op.currentReport(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the handle's event stream. The operation keeps running.
// A handle whose events are not read until the end must be closed, or its
// stream is held until the engine shuts down.
func (h *Handle) Close() {
	h.unsubscribe()
}
