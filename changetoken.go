package filezoom

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Callback ChangeToken
// ============================================================================

// CallbackChangeToken is signalled by backends with native change events.
type CallbackChangeToken struct {
	mu        sync.Mutex
	changed   atomic.Bool
	callbacks map[int]func()
	next      int
}

// NewCallbackChangeToken creates a token that raises callbacks.
func NewCallbackChangeToken() *CallbackChangeToken {
	return &CallbackChangeToken{callbacks: make(map[int]func())}
}

func (t *CallbackChangeToken) HasChanged() bool {
	return t.changed.Load()
}

func (t *CallbackChangeToken) ActiveChangeCallbacks() bool {
	return true
}

func (t *CallbackChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	if t.changed.Load() {
		callback()
		return func() {}
	}
	t.mu.Lock()
	id := t.next
	t.next++
	t.callbacks[id] = callback
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.callbacks, id)
		t.mu.Unlock()
	}
}

// SignalChange marks the token changed and runs the callbacks once.
func (t *CallbackChangeToken) SignalChange() {
	if t.changed.Swap(true) {
		return
	}
	t.mu.Lock()
	callbacks := make([]func(), 0, len(t.callbacks))
	for _, cb := range t.callbacks {
		callbacks = append(callbacks, cb)
	}
	t.callbacks = nil
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// ============================================================================
// Polling ChangeToken
// ============================================================================

// PollingConfig configures a polling change token.
type PollingConfig struct {
	// Interval between polls (default: 2 seconds)
	Interval time.Duration
	// CheckFunc returns true if a change is detected
	CheckFunc func() bool
}

// PollingChangeToken serves backends without native events. The poll
// goroutine exits on the first change, when ctx is done or on Stop.
type PollingChangeToken struct {
	*CallbackChangeToken
	cancel context.CancelFunc
}

// NewPollingChangeToken starts polling cfg.CheckFunc.
func NewPollingChangeToken(ctx context.Context, cfg PollingConfig) *PollingChangeToken {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &PollingChangeToken{CallbackChangeToken: NewCallbackChangeToken(), cancel: cancel}

	go func() {
		defer cancel()
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cfg.CheckFunc != nil && cfg.CheckFunc() {
					t.SignalChange()
					return
				}
			}
		}
	}()
	return t
}

// Stop ends polling. Safe to call more than once.
func (t *PollingChangeToken) Stop() {
	t.cancel()
}

// ============================================================================
// Static ChangeToken
// ============================================================================

// NeverChangeToken never changes. Used for archives and other immutable
// backends.
type NeverChangeToken struct{}

func (NeverChangeToken) HasChanged() bool                     { return false }
func (NeverChangeToken) ActiveChangeCallbacks() bool          { return false }
func (NeverChangeToken) RegisterChangeCallback(func()) func() { return func() {} }

// ============================================================================
// OnChange
// ============================================================================

// OnChange calls action after every change, asking produce for a fresh token
// each time. It stops when ctx is done or produce fails.
func OnChange(ctx context.Context, produce func() (ChangeToken, error), action func()) {
	for {
		token, err := produce()
		if err != nil {
			return
		}
		done := make(chan struct{})
		var once sync.Once
		unregister := token.RegisterChangeCallback(func() { once.Do(func() { close(done) }) })

		select {
		case <-ctx.Done():
			unregister()
			if s, ok := token.(interface{ Stop() }); ok {
				s.Stop()
			}
			return
		case <-done:
			unregister()
			action()
		}
	}
}
