// Package pending implements the pending call table: the map from correlation
// token to the caller waiting for the matching reply.
//
// Each entry settles exactly once. A reply and the entry's timeout race to
// remove the entry under the table lock; whichever removes it delivers its
// result, the other finds nothing and becomes a no-op.
//
//	Register(tok) ──► entry{done, timer}
//	                   │
//	  reply(tok) ──► Settle ──┐
//	  timer fires ─► Settle ──┴─► first one wins, entry removed, timer stopped
package pending

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"peer-rpc/message"
)

// ErrDuplicate is returned by Register when the token is already pending.
var ErrDuplicate = errors.New("correlation token already pending")

// Result is the settled outcome of one call.
type Result struct {
	Data any
	Err  error
}

type entry struct {
	done  chan Result  // Buffered (1) so settling never blocks
	timer *clock.Timer // Nil when registered without a timeout
}

// Table tracks in-flight calls. Safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	clock clock.Clock
	calls map[string]*entry
}

// NewTable creates an empty table whose timers run on clk. A nil clk uses
// the wall clock.
func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		clock: clk,
		calls: make(map[string]*entry),
	}
}

// Register adds a pending entry for token and arms its timeout. The returned
// channel receives exactly one Result: the reply, or message.ErrTimeout once
// timeout elapses. A timeout <= 0 never expires.
func (t *Table) Register(token string, timeout time.Duration) (<-chan Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.calls[token]; ok {
		return nil, ErrDuplicate
	}
	e := &entry{done: make(chan Result, 1)}
	if timeout > 0 {
		e.timer = t.clock.AfterFunc(timeout, func() {
			t.Settle(token, Result{Err: message.ErrTimeout})
		})
	}
	t.calls[token] = e
	return e.done, nil
}

// Settle delivers r to the call registered under token and removes it.
// It reports false if no such call is pending (unknown, already replied to,
// or timed out).
func (t *Table) Settle(token string, r Result) bool {
	t.mu.Lock()
	e, ok := t.calls[token]
	if ok {
		delete(t.calls, token)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.done <- r
	return true
}

// Remove drops the entry for token without delivering a result. Used when
// the request could not be sent at all.
func (t *Table) Remove(token string) {
	t.mu.Lock()
	e, ok := t.calls[token]
	delete(t.calls, token)
	t.mu.Unlock()

	if ok && e.timer != nil {
		e.timer.Stop()
	}
}

// Len returns the number of pending calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// CloseAll settles every pending call with err so no caller blocks forever,
// e.g. when the owning node shuts down.
func (t *Table) CloseAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*entry)
	t.mu.Unlock()

	for _, e := range calls {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.done <- Result{Err: err}
	}
}
