package ops

import (
	"sync"

	"github.com/gobeaver/filezoom"
)

// EventType tags an Event.
type EventType int

const (
	EventProgress EventType = iota
	EventConflictPrompt
	EventCompleted
	EventFailed
	EventCancelled
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventConflictPrompt:
		return "conflict"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

// Terminal reports whether t ends the stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// ConflictPrompt asks for a decision on a destination collision. The
// operation stays Paused until ResolveConflict or Cancel.
type ConflictPrompt struct {
	Existing     filezoom.Entry
	Incoming     filezoom.Entry
	TypeMismatch bool
}

// Event is one item of an operation's event stream. Progress is set for
// EventProgress, Conflict for EventConflictPrompt and Report for the
// terminal events.
type Event struct {
	Type        EventType
	OperationID string
	Progress    *Progress
	Conflict    *ConflictPrompt
	Report      *Report
}

func terminalEvent(r *Report) Event {
	t := EventCompleted
	switch r.State {
	case Failed:
		t = EventFailed
	case Cancelled:
		t = EventCancelled
	}
	return Event{Type: t, OperationID: r.ID, Report: r.clone()}
}

// subscriber delivers events to one consumer. The producer appends to an
// unbounded queue and never blocks; a pump goroutine moves events into the
// bounded output channel. A progress event replaces a progress event still
// waiting at the tail of the queue, so only prompts and terminal events
// accumulate.
type subscriber struct {
	out  chan Event
	wake chan struct{}
	stop chan struct{}

	mu       sync.Mutex
	queue    []Event
	finished bool
	stopOnce sync.Once
}

func newSubscriber(buffer int) *subscriber {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{
		out:  make(chan Event, buffer),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) publish(ev Event) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if n := len(s.queue); ev.Type == EventProgress && n > 0 && s.queue[n-1].Type == EventProgress {
		s.queue[n-1] = ev
	} else {
		s.queue = append(s.queue, ev)
	}
	if ev.Type.Terminal() {
		s.finished = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
		if ev.Type.Terminal() {
			return
		}
	}
}
