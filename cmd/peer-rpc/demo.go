package main

import (
	"fmt"
	"strings"
	"time"

	"peer-rpc/message"
	"peer-rpc/scope"
)

// demoService is the scope `serve` exposes.
type demoService struct {
	id      string
	started time.Time
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("%v (%T) is not a number: %w", v, v, message.ErrInvalidArgument)
}

// Add sums its arguments.
func (d *demoService) Add(args []any, done scope.Callback) {
	var sum float64
	for _, a := range args {
		f, err := toFloat(a)
		if err != nil {
			done(err, nil)
			return
		}
		sum += f
	}
	done(nil, sum)
}

// Echo returns its arguments.
func (d *demoService) Echo(args []any, done scope.Callback) {
	done(nil, args)
}

// Upper joins its string arguments in upper case.
func (d *demoService) Upper(args []any, done scope.Callback) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		s, ok := a.(string)
		if !ok {
			done(fmt.Errorf("%v is not a string: %w", a, message.ErrInvalidArgument), nil)
			return
		}
		parts = append(parts, strings.ToUpper(s))
	}
	done(nil, strings.Join(parts, " "))
}

// Sleep completes after the given number of milliseconds.
func (d *demoService) Sleep(args []any, done scope.Callback) {
	if len(args) != 1 {
		done(fmt.Errorf("sleep takes one argument: %w", message.ErrInvalidArgument), nil)
		return
	}
	ms, err := toFloat(args[0])
	if err != nil {
		done(err, nil)
		return
	}
	time.AfterFunc(time.Duration(ms)*time.Millisecond, func() { done(nil, ms) })
}

// Uptime reports seconds since the node started.
func (d *demoService) Uptime(args []any, done scope.Callback) {
	done(nil, time.Since(d.started).Seconds())
}

func newDemoScope(id string) (*scope.Scope, error) {
	sc := scope.New(map[string]any{
		"answer": 42,
		"id":     id,
	})
	if _, err := scope.Register(sc, &demoService{id: id, started: time.Now()}); err != nil {
		return nil, err
	}
	return sc, nil
}
