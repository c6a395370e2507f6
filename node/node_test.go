package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/middleware"
	"peer-rpc/scope"
	"peer-rpc/transport"
)

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// testScope is the scope every test peer serves.
func testScope() *scope.Scope {
	return scope.New(map[string]any{
		"answer": 42,
		"add": func(args []any, done scope.Callback) {
			var sum float64
			for _, a := range args {
				f, ok := number(a)
				if !ok {
					done(fmt.Errorf("add: %v is not a number: %w", a, message.ErrInvalidArgument), nil)
					return
				}
				sum += f
			}
			done(nil, sum)
		},
		"fail": func(args []any, done scope.Callback) {
			done(errors.New("this is an error"), nil)
		},
		"downstream": func(args []any, done scope.Callback) {
			done(fmt.Errorf("downstream: %w", message.ErrTimeout), nil)
		},
		"twice": func(args []any, done scope.Callback) {
			done(nil, "first")
			done(nil, "second")
		},
		"never": func(args []any, done scope.Callback) {},
		"boom": func(args []any, done scope.Callback) {
			panic("kaboom")
		},
		"later": func(args []any, done scope.Callback) {
			go func() {
				time.Sleep(20 * time.Millisecond)
				done(nil, "done")
			}()
		},
	})
}

func newTestNode(t *testing.T, r *transport.Router, id string, cfg Config) *Node {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	n, err := New(id, testScope(), r.Provider(id), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func observed(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func TestScenario(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{Timeout: 50 * time.Millisecond})
	newTestNode(t, r, "B", Config{})
	ctx := context.Background()

	sum, err := a.Invoke(ctx, "B", "add", []any{40, 2})
	require.NoError(t, err)
	assert.EqualValues(t, 42, sum)

	alive, err := a.Ping(ctx, "B")
	require.NoError(t, err)
	assert.True(t, alive)

	start := time.Now()
	alive, err = a.Ping(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, alive)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	answer, err := a.Attr(ctx, "B", "answer")
	require.NoError(t, err)
	assert.EqualValues(t, 42, answer)

	assert.Zero(t, a.pending.Len())
}

func TestNewValidation(t *testing.T) {
	r := transport.NewRouter(nil)

	_, err := New("", nil, r.Provider("x"), Config{})
	assert.Error(t, err)

	_, err = New("x", nil, nil, Config{})
	assert.Error(t, err)

	n, err := New("x", nil, r.Provider("x"), Config{})
	require.NoError(t, err)
	defer n.Close()
	assert.Equal(t, "x", n.ID())
	assert.Equal(t, DefaultConfig().Timeout, n.cfg.Timeout)
	assert.NotNil(t, n.Scope())
}

func TestAttr(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{})
	ctx := context.Background()

	v, err := a.Attr(ctx, "B", "missing")
	require.NoError(t, err)
	assert.Nil(t, v, "absent attribute reads as nil")

	v, err = a.Attr(ctx, "B", "add")
	require.NoError(t, err)
	assert.Nil(t, v, "functions are not readable as attributes")
}

func TestInvokeInvalidArgument(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	ctx := context.Background()

	_, err := a.Invoke(ctx, "B", "", nil)
	assert.ErrorIs(t, err, message.ErrInvalidArgument)

	_, err = a.Invoke(ctx, "", "add", nil)
	assert.ErrorIs(t, err, message.ErrInvalidArgument)

	_, err = a.Attr(ctx, "", "answer")
	assert.ErrorIs(t, err, message.ErrInvalidArgument)

	_, err = a.Ping(ctx, "")
	assert.ErrorIs(t, err, message.ErrInvalidArgument)

	assert.Zero(t, a.pending.Len())
}

func TestInvokeUnknownFunction(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{})

	for _, target := range []string{"B", "A"} {
		_, err := a.Invoke(context.Background(), target, "missing-fn", []any{})
		assert.ErrorIs(t, err, message.ErrUnknownFunction, "target %s", target)
		assert.NotErrorIs(t, err, message.ErrTimeout)
	}
}

func TestInvokeRemoteError(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{})

	_, err := a.Invoke(context.Background(), "B", "fail", nil)
	require.ErrorIs(t, err, message.ErrRemote)
	assert.Contains(t, err.Error(), "this is an error")

	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "B", remote.Peer)

	// Whatever the scope function's error wraps, the caller got a reply:
	// it is a remote error, never a local timeout or invalid argument.
	_, err = a.Invoke(context.Background(), "B", "add", []any{"x"})
	assert.ErrorIs(t, err, message.ErrRemote)
	assert.NotErrorIs(t, err, message.ErrInvalidArgument)

	for _, target := range []string{"B", "A"} {
		_, err = a.Invoke(context.Background(), target, "downstream", nil)
		require.ErrorIs(t, err, message.ErrRemote, "target %s", target)
		assert.NotErrorIs(t, err, message.ErrTimeout, "target %s", target)
		assert.Contains(t, err.Error(), "downstream: message timed out")
	}
}

func TestInvokePanicIsRemoteError(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{})

	_, err := a.Invoke(context.Background(), "B", "boom", nil)
	require.ErrorIs(t, err, message.ErrRemote)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestInvokeTimeout(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{Timeout: 50 * time.Millisecond})
	newTestNode(t, r, "B", Config{})

	_, err := a.Invoke(context.Background(), "B", "never", nil)
	assert.ErrorIs(t, err, message.ErrTimeout)
	assert.Zero(t, a.pending.Len())

	_, err = a.Attr(context.Background(), "ghost", "answer")
	assert.ErrorIs(t, err, message.ErrTimeout)
}

func TestSelfCall(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{Timeout: 50 * time.Millisecond})
	// The self path never asks the provider for a connection.
	r.Refuse("A", true)
	ctx := context.Background()

	sum, err := a.Invoke(ctx, "A", "add", []any{1, 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum)

	v, err := a.Attr(ctx, "A", "answer")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	alive, err := a.Ping(ctx, "A")
	require.NoError(t, err)
	assert.True(t, alive)

	v, err = a.Invoke(ctx, "A", "later", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	_, err = a.Invoke(ctx, "A", "never", nil)
	assert.ErrorIs(t, err, message.ErrTimeout)
	assert.Zero(t, a.pending.Len())
}

func TestConnectionRefused(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{})
	r.Refuse("B", true)
	ctx := context.Background()

	_, err := a.Invoke(ctx, "B", "add", []any{1, 2})
	assert.ErrorIs(t, err, message.ErrConnection)

	alive, err := a.Ping(ctx, "B")
	assert.False(t, alive)
	assert.ErrorIs(t, err, message.ErrConnection)

	r.Refuse("B", false)
	alive, err = a.Ping(ctx, "B")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestCancelledContextFailsConnect(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Invoke(ctx, "B", "add", []any{1})
	assert.ErrorIs(t, err, message.ErrConnection)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentCalls(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{})
	newTestNode(t, r, "C", Config{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, target := range []string{"B", "C"} {
			wg.Add(1)
			go func(i int, target string) {
				defer wg.Done()
				sum, err := a.Invoke(context.Background(), target, "add", []any{i, i})
				if assert.NoError(t, err) {
					assert.EqualValues(t, 2*i, sum)
				}
			}(i, target)
		}
	}
	wg.Wait()
	assert.Zero(t, a.pending.Len())
}

func TestBothDirections(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	b := newTestNode(t, r, "B", Config{})
	ctx := context.Background()

	_, err := a.Invoke(ctx, "B", "add", []any{1})
	require.NoError(t, err)

	// B calls back over the connection A opened.
	sum, err := b.Invoke(ctx, "A", "add", []any{2, 3})
	require.NoError(t, err)
	assert.EqualValues(t, 5, sum)
}

func TestDoubleCallbackSendsOneReply(t *testing.T) {
	r := transport.NewRouter(nil)
	aLog, aLogs := observed(zapcore.DebugLevel)
	bLog, bLogs := observed(zapcore.WarnLevel)
	a := newTestNode(t, r, "A", Config{Logger: aLog})
	newTestNode(t, r, "B", Config{Logger: bLog})

	v, err := a.Invoke(context.Background(), "B", "twice", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	// Give a (wrong) second reply time to arrive before checking.
	_, err = a.Ping(context.Background(), "B")
	require.NoError(t, err)

	assert.Equal(t, 1, bLogs.FilterMessage("completion callback called more than once, ignoring").Len())
	assert.Zero(t, aLogs.FilterMessage("discarding reply with no pending call").Len())
}

func TestLateReplyIsDiscarded(t *testing.T) {
	r := transport.NewRouter(nil)
	aLog, aLogs := observed(zapcore.DebugLevel)
	a := newTestNode(t, r, "A", Config{Timeout: 50 * time.Millisecond, Logger: aLog})
	newTestNode(t, r, "B", Config{})
	r.SetDelay("B", "A", 150*time.Millisecond)

	_, err := a.Invoke(context.Background(), "B", "add", []any{1, 2})
	require.ErrorIs(t, err, message.ErrTimeout)

	require.Eventually(t, func() bool {
		return aLogs.FilterMessage("discarding reply with no pending call").Len() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, a.pending.Len())
}

func TestDelaysAreHonoured(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{Timeout: time.Second})
	newTestNode(t, r, "B", Config{})
	r.SetDelay("A", "B", 100*time.Millisecond)
	r.SetDelay("B", "A", 100*time.Millisecond)

	start := time.Now()
	sum, err := a.Invoke(context.Background(), "B", "add", []any{40, 2})
	require.NoError(t, err)
	assert.EqualValues(t, 42, sum)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestOverTheWireCodecs(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeCBOR} {
		t.Run(ct.String(), func(t *testing.T) {
			r := transport.NewRouter(nil)
			r.SetCodec(codec.GetCodec(ct))
			a := newTestNode(t, r, "A", Config{})
			newTestNode(t, r, "B", Config{})
			ctx := context.Background()

			sum, err := a.Invoke(ctx, "B", "add", []any{40, 2})
			require.NoError(t, err)
			assert.EqualValues(t, 42, sum)

			answer, err := a.Attr(ctx, "B", "answer")
			require.NoError(t, err)
			f, ok := number(answer)
			require.True(t, ok, "%T", answer)
			assert.Equal(t, 42.0, f)

			_, err = a.Invoke(ctx, "B", "missing-fn", nil)
			assert.ErrorIs(t, err, message.ErrUnknownFunction)

			alive, err := a.Ping(ctx, "B")
			require.NoError(t, err)
			assert.True(t, alive)
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{
		Middlewares: []middleware.Middleware{middleware.RateLimitMiddleware(0.001, 1)},
	})
	ctx := context.Background()

	_, err := a.Invoke(ctx, "B", "add", []any{1})
	require.NoError(t, err)

	_, err = a.Invoke(ctx, "B", "add", []any{1})
	require.ErrorIs(t, err, message.ErrRemote)
	assert.Contains(t, err.Error(), "rate limit exceeded")

	var remote *message.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "B", remote.Peer, "middleware replies carry the serving node")
}

func TestTimeoutMiddleware(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{Timeout: time.Second})
	newTestNode(t, r, "B", Config{
		Middlewares: []middleware.Middleware{middleware.TimeOutMiddleware(30 * time.Millisecond)},
	})

	start := time.Now()
	_, err := a.Invoke(context.Background(), "B", "never", nil)
	assert.ErrorIs(t, err, message.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGo(t *testing.T) {
	r := transport.NewRouter(nil)
	a := newTestNode(t, r, "A", Config{})
	newTestNode(t, r, "B", Config{})

	done := make(chan *Call, 2)
	a.Go(context.Background(), "B", "add", []any{1, 2}, done)
	a.Go(context.Background(), "B", "fail", nil, done)

	results := map[string]*Call{}
	for i := 0; i < 2; i++ {
		select {
		case call := <-done:
			results[call.Func] = call
		case <-time.After(time.Second):
			t.Fatal("call did not complete")
		}
	}
	require.NoError(t, results["add"].Error)
	assert.EqualValues(t, 3, results["add"].Reply)
	assert.ErrorIs(t, results["fail"].Error, message.ErrRemote)

	call := a.Go(context.Background(), "B", "add", []any{5}, nil)
	<-call.Done
	assert.EqualValues(t, 5, call.Reply)

	assert.Panics(t, func() {
		a.Go(context.Background(), "B", "add", nil, make(chan *Call))
	})
}

func TestCloseSettlesPendingCalls(t *testing.T) {
	r := transport.NewRouter(nil)
	a, err := New("A", testScope(), r.Provider("A"), Config{Timeout: time.Minute, Logger: zap.NewNop()})
	require.NoError(t, err)
	b := newTestNode(t, r, "B", Config{})

	call := a.Go(context.Background(), "B", "never", nil, nil)
	require.Eventually(t, func() bool { return a.pending.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	<-call.Done
	assert.ErrorIs(t, call.Error, ErrClosed)

	_, err = a.Invoke(context.Background(), "B", "add", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, a.Close(), "second close is a no-op")

	// B's goroutine serving "never" is released by B's Close.
	assert.NoError(t, b.Close())
}

func TestDebugTrace(t *testing.T) {
	r := transport.NewRouter(nil)
	logger, logs := observed(zapcore.DebugLevel)
	a := newTestNode(t, r, "A", Config{Debug: true, Logger: logger})
	newTestNode(t, r, "B", Config{})

	_, err := a.Invoke(context.Background(), "B", "add", []any{1})
	require.NoError(t, err)

	traces := logs.FilterMessage("envelope").All()
	require.Len(t, traces, 2)
	assert.Equal(t, "send", traces[0].ContextMap()["dir"])
	assert.Equal(t, "invoke", traces[0].ContextMap()["kind"])
	assert.Equal(t, "recv", traces[1].ContextMap()["dir"])
	assert.Equal(t, "return", traces[1].ContextMap()["kind"])
	assert.Equal(t, traces[0].ContextMap()["token"], traces[1].ContextMap()["token"])
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	r := transport.NewRouter(nil)
	logger, logs := observed(zapcore.DebugLevel)
	a := newTestNode(t, r, "A", Config{Logger: logger})

	conn, err := r.Provider("X").Connect(context.Background(), "A")
	require.NoError(t, err)
	conn.SetHandler(func(*message.Envelope) {})
	require.NoError(t, conn.Send(&message.Envelope{Kind: message.KindPing}))
	require.NoError(t, conn.Send(&message.Envelope{Kind: "bogus", Token: "t"}))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("discarding malformed envelope").Len() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.pending.Len())
}

func TestCloseWhileCallsInFlight(t *testing.T) {
	for round := 0; round < 30; round++ {
		r := transport.NewRouter(nil)
		a, err := New("A", testScope(), r.Provider("A"), Config{Timeout: 200 * time.Millisecond, Logger: zap.NewNop()})
		require.NoError(t, err)
		b, err := New("B", testScope(), r.Provider("B"), Config{Timeout: 200 * time.Millisecond, Logger: zap.NewNop()})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			for _, target := range []string{"A", "B"} {
				wg.Add(1)
				go func(target string) {
					defer wg.Done()
					// Any outcome is fine; the calls only need to overlap Close.
					_, _ = a.Invoke(context.Background(), target, "add", []any{1, 2})
				}(target)
			}
		}

		closed := make(chan error, 2)
		go func() { closed <- b.Close() }()
		go func() { closed <- a.Close() }()
		for i := 0; i < 2; i++ {
			assert.NoError(t, <-closed)
		}
		wg.Wait()

		_, err = a.Invoke(context.Background(), "A", "add", []any{1})
		assert.ErrorIs(t, err, ErrClosed)
	}
}
