// Package scope holds the members a node exposes to remote callers.
//
// A member is either a Func, invocable with positional arguments and a
// completion callback, or any other value, readable as an attribute. The
// application owns the scope and may change it at any time; the RPC core only
// reads it.
package scope

import (
	"fmt"
	"sync"
)

// Callback completes an invocation. It must be called exactly once, with a
// non-nil err on failure or the result on success.
type Callback func(err error, result any)

// Func is an invocable scope member. done is always the last argument.
type Func func(args []any, done Callback)

// Scope maps member names to functions and attribute values. Safe for
// concurrent use.
type Scope struct {
	mu      sync.RWMutex
	members map[string]any
}

// New creates a scope holding members. Values of type Func, or plain
// functions with Func's signature, become invocable; everything else is an
// attribute.
func New(members map[string]any) *Scope {
	s := &Scope{members: make(map[string]any, len(members))}
	for name, v := range members {
		s.Set(name, v)
	}
	return s
}

// Set adds or replaces a member.
func (s *Scope) Set(name string, v any) {
	if fn, ok := v.(func([]any, Callback)); ok {
		v = Func(fn)
	}
	s.mu.Lock()
	s.members[name] = v
	s.mu.Unlock()
}

// Delete removes a member.
func (s *Scope) Delete(name string) {
	s.mu.Lock()
	delete(s.members, name)
	s.mu.Unlock()
}

// Func returns the invocable member name. ok is false if name is missing or
// is an attribute.
func (s *Scope) Func(name string) (fn Func, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok = s.members[name].(Func)
	return fn, ok && fn != nil
}

// Attr returns the attribute name. ok is false if name is missing or is
// invocable; functions are never handed out as values.
func (s *Scope) Attr(name string) (v any, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok = s.members[name]
	if _, isFunc := v.(Func); isFunc {
		return nil, false
	}
	return v, ok
}

// Names lists all member names.
func (s *Scope) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.members))
	for name := range s.members {
		names = append(names, name)
	}
	return names
}

// Once wraps done so only its first call has an effect. Later calls are
// reported to onRepeat (if non-nil) and otherwise ignored.
func Once(done Callback, onRepeat func(err error, result any)) Callback {
	var once sync.Once
	return func(err error, result any) {
		fired := false
		once.Do(func() {
			fired = true
			done(err, result)
		})
		if !fired && onRepeat != nil {
			onRepeat(err, result)
		}
	}
}

// Call runs fn with args and done, converting a panic inside fn into a call
// of done with an error.
func Call(name string, fn Func, args []any, done Callback) {
	defer func() {
		if r := recover(); r != nil {
			done(fmt.Errorf("scope function %q panicked: %v", name, r), nil)
		}
	}()
	fn(args, done)
}
