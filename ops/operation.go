package ops

import (
	"context"
	"sync"
	"time"

	"github.com/gobeaver/filezoom"
)

// operation is the engine-side record of a submitted Spec. Fields below mu
// are written only by the operation's own task, except prompt, which
// ResolveConflict clears.
type operation struct {
	id          string
	spec        Spec
	submittedAt time.Time
	buffer      int

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	decisions chan filezoom.Decision

	mu       sync.Mutex
	state    State
	progress Progress
	report   Report
	prompt   *ConflictPrompt
	subs     map[*subscriber]struct{}

	// stops the stream opened for the submitter's handle
	closeHandle func()
}

func newOperation(parent context.Context, id string, spec Spec, buffer int) *operation {
	ctx, cancel := context.WithCancel(parent)
	return &operation{
		id:          id,
		spec:        spec,
		submittedAt: time.Now(),
		buffer:      buffer,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		decisions:   make(chan filezoom.Decision, 1),
		report:      Report{ID: id, Kind: spec.Kind, State: Pending},
		subs:        make(map[*subscriber]struct{}),
		closeHandle: func() {},
	}
}

func (o *operation) setStateLocked(to State) bool {
	if !canTransition(o.state, to) {
		return false
	}
	o.state = to
	o.report.State = to
	return true
}

func (o *operation) broadcastLocked(ev Event) {
	for s := range o.subs {
		s.publish(ev)
	}
	if ev.Type.Terminal() {
		o.subs = nil
	}
}

func (o *operation) progressEventLocked() Event {
	p := o.progress
	return Event{Type: EventProgress, OperationID: o.id, Progress: &p}
}

// subscribe opens a stream. A finished operation yields only its terminal
// event; otherwise the stream starts with the current progress and, while
// paused, the pending prompt.
func (o *operation) subscribe() (<-chan Event, func()) {
	s := newSubscriber(o.buffer)

	o.mu.Lock()
	if o.state.Terminal() {
		r := o.report
		s.publish(terminalEvent(&r))
	} else {
		s.publish(o.progressEventLocked())
		if o.prompt != nil {
			c := *o.prompt
			s.publish(Event{Type: EventConflictPrompt, OperationID: o.id, Conflict: &c})
		}
		o.subs[s] = struct{}{}
	}
	o.mu.Unlock()

	return s.out, func() {
		o.mu.Lock()
		delete(o.subs, s)
		o.mu.Unlock()
		s.close()
	}
}

func (o *operation) start() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.setStateLocked(Running) {
		return false
	}
	o.report.StartedAt = time.Now()
	o.broadcastLocked(o.progressEventLocked())
	return true
}

func (o *operation) finish(state State) *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setStateLocked(state)
	o.report.FinishedAt = time.Now()
	if o.report.StartedAt.IsZero() {
		o.report.StartedAt = o.report.FinishedAt
	}
	o.prompt = nil
	o.broadcastLocked(terminalEvent(&o.report))
	close(o.done)
	return o.report.clone()
}

func (o *operation) pause(prompt *ConflictPrompt) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.setStateLocked(Paused) {
		return false
	}
	o.prompt = prompt
	c := *prompt
	o.broadcastLocked(Event{Type: EventConflictPrompt, OperationID: o.id, Conflict: &c})
	return true
}

func (o *operation) resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.setStateLocked(Running) {
		o.broadcastLocked(o.progressEventLocked())
	}
}

// resolve hands a decision to the paused task.
func (o *operation) resolve(d filezoom.Decision) error {
	o.mu.Lock()
	if o.state != Paused || o.prompt == nil {
		o.mu.Unlock()
		return ErrNoConflict
	}
	if err := d.Validate(o.prompt.Existing, o.prompt.Incoming); err != nil {
		o.mu.Unlock()
		return err
	}
	o.prompt = nil
	o.mu.Unlock()

	o.decisions <- d
	return nil
}

func (o *operation) setTotals(bytes int64, entries int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress.BytesTotal = bytes
	o.progress.EntriesTotal = entries
	o.broadcastLocked(o.progressEventLocked())
}

func (o *operation) setCurrent(p filezoom.Path) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress.Current = p
	o.broadcastLocked(o.progressEventLocked())
}

func (o *operation) addBytes(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress.BytesDone += n
	o.report.BytesCopied += n
	o.broadcastLocked(o.progressEventLocked())
}

type outcome int

const (
	succeeded outcome = iota
	skipped
	failed
)

func (r outcome) String() string {
	switch r {
	case succeeded:
		return "succeeded"
	case skipped:
		return "skipped"
	default:
		return "failed"
	}
}

func (o *operation) record(p filezoom.Path, res outcome, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch res {
	case succeeded:
		o.report.Succeeded++
	case skipped:
		o.report.Skipped++
	case failed:
		o.report.Failed++
		o.report.Failures = append(o.report.Failures, Failure{Path: p, Err: err})
	}
	o.progress.EntriesDone++
	o.broadcastLocked(o.progressEventLocked())
}

// uncount takes back an outcome recorded earlier for an entry that is
// about to be recorded again.
func (o *operation) uncount(res outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch res {
	case succeeded:
		o.report.Succeeded--
	case skipped:
		o.report.Skipped--
	}
	o.progress.EntriesDone--
}

func (o *operation) failedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.report.Failed
}

func (o *operation) snapshot() (State, Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.progress
}

func (o *operation) currentReport() *Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.report.clone()
}
