package session

import (
	"sync"
	"time"
)

// Typer coalesces rapid keystrokes into a bounded outgoing typing event
// stream. Every text change with content emits typing=true and re-arms a
// quiet timer; only when the timer survives untouched does a single
// typing=false follow. Emptying the input or sending a message emits
// typing=false immediately. The stream is bursty but bounded, which keeps
// the implementation simple at the cost of some event volume.
type Typer struct {
	mu       sync.Mutex
	emit     func(isTyping bool)
	interval time.Duration
	timer    *time.Timer
	active   bool
	stopped  bool
}

// NewTyper creates a debouncer emitting through emit. The emit function is
// called synchronously from InputChanged and Flush, and from a timer
// goroutine when the quiet period elapses.
func NewTyper(interval time.Duration, emit func(isTyping bool)) *Typer {
	if interval <= 0 {
		interval = defaultTypingDebounce
	}
	return &Typer{emit: emit, interval: interval}
}

// InputChanged records the current input text. Non-empty text emits
// typing=true and restarts the quiet timer; empty text flushes.
func (t *Typer) InputChanged(text string) {
	if text == "" {
		t.Flush()
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.active = true
	t.timer = time.AfterFunc(t.interval, t.expire)
	t.mu.Unlock()

	t.emit(true)
}

// Flush cancels the quiet timer and, if a typing=true was outstanding,
// emits typing=false synchronously. Called when the input empties and when a
// message is sent.
func (t *Typer) Flush() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	wasActive := t.active
	t.active = false
	t.mu.Unlock()

	if wasActive {
		t.emit(false)
	}
}

// Stop cancels any pending timer without emitting. Used at session teardown,
// where the room is being left anyway. The Typer is dead afterwards.
func (t *Typer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Typer) expire() {
	t.mu.Lock()
	if t.stopped || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	t.emit(false)
}

// indicator is the expiring remote-typing value: a boolean that reverts to
// false when no typing=true event refreshes it within its window. It is
// derived purely from the live event stream and never persisted. Active is
// answered from a wall-clock deadline check, so it stays correct even if the
// expiry callback has not run yet.
type indicator struct {
	mu       sync.Mutex
	now      func() time.Time
	name     string
	deadline time.Time
	timer    *time.Timer
	onExpire func()
}

func newIndicator(onExpire func()) *indicator {
	return &indicator{now: time.Now, onExpire: onExpire}
}

// Set marks the remote user as typing for ttl, replacing any prior window.
func (i *indicator) Set(name string, ttl time.Duration) {
	i.mu.Lock()
	i.name = name
	i.deadline = i.now().Add(ttl)
	if i.timer != nil {
		i.timer.Stop()
	}
	i.timer = time.AfterFunc(ttl, i.expire)
	i.mu.Unlock()
}

// Clear reverts to not-typing immediately and cancels the pending window.
func (i *indicator) Clear() {
	i.mu.Lock()
	i.name = ""
	i.deadline = time.Time{}
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.mu.Unlock()
}

// Active reports whether the indicator is currently on, and for whom.
func (i *indicator) Active() (bool, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.deadline.IsZero() || !i.now().Before(i.deadline) {
		return false, ""
	}
	return true, i.name
}

func (i *indicator) expire() {
	i.mu.Lock()
	if i.deadline.IsZero() || i.now().Before(i.deadline) {
		// A fresh Set replaced the window this timer belonged to.
		i.mu.Unlock()
		return
	}
	i.name = ""
	i.deadline = time.Time{}
	i.timer = nil
	i.mu.Unlock()

	if i.onExpire != nil {
		i.onExpire()
	}
}
