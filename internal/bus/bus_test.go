package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/spine/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg)
	b.Start()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitCall(t *testing.T, ch <-chan Call) Call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
		return Call{}
	}
}

func expectNoCall(t *testing.T, ch <-chan Call) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected call name=%q args=%v", c.Name, c.Args)
	case <-time.After(100 * time.Millisecond):
	}
}

type recorder struct {
	calls chan Call
}

func newRecorder() *recorder { return &recorder{calls: make(chan Call, 16)} }

func (r *recorder) command(_ context.Context, c Call) error {
	r.calls <- c
	return nil
}

func (r *recorder) event(_ context.Context, c Call) error {
	r.calls <- c
	return nil
}

func TestCommandFiresOnceWithArgs(t *testing.T) {
	testlog.Start(t)
	b := newStartedBus(t, DefaultConfig())
	rec := newRecorder()

	require.NoError(t, b.RegisterCommandHandler("motor.start", rec.command))
	assert.ErrorIs(t, b.RegisterCommandHandler("motor.start", rec.command), ErrDuplicateHandler)
	assert.Len(t, b.Handlers(KindCommand, "motor.start", ""), 1)

	require.NoError(t, b.SendCommand(context.Background(), "motor.start", []any{"m1", 40}))
	c := waitCall(t, rec.calls)
	assert.Equal(t, KindCommand, c.Kind)
	assert.Equal(t, []any{"m1", 40}, c.Args)
	assert.Equal(t, ScopeGlobal, c.Scope)
	assert.False(t, c.Origin.Remote())
	expectNoCall(t, rec.calls)
}

func TestCommandsRunInOrderAndSurviveFailures(t *testing.T) {
	testlog.Start(t)
	b := newStartedBus(t, DefaultConfig())
	rec := newRecorder()

	require.NoError(t, b.RegisterCommandHandler("step", func(context.Context, Call) error {
		panic("boom")
	}, WithKey("panics")))
	require.NoError(t, b.RegisterCommandHandler("step", func(context.Context, Call) error {
		return errors.New("nope")
	}, WithKey("fails")))
	require.NoError(t, b.RegisterCommandHandler("step", rec.command))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.SendCommand(context.Background(), "step", []any{i}))
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, []any{i}, waitCall(t, rec.calls).Args)
	}
}

func TestRegisterRejectsEmptyNameAndNilHandler(t *testing.T) {
	testlog.Start(t)
	b := New(DefaultConfig())
	assert.ErrorIs(t, b.RegisterCommandHandler(" ", func(context.Context, Call) error { return nil }), ErrEmptyName)
	assert.ErrorIs(t, b.RegisterQueryHandler("q", nil), ErrNilHandler)
}

func TestClosuresNeedDistinctKeys(t *testing.T) {
	testlog.Start(t)
	b := New(DefaultConfig())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.RegisterQueryHandler("status", func(context.Context, Call) (any, error) {
			return id, nil
		}, WithKey("status:"+id)))
	}
	assert.Len(t, b.Handlers(KindQuery, "status", ""), 3)
}

func TestMethodValuesOnDifferentReceiversNeedKeys(t *testing.T) {
	testlog.Start(t)
	b := New(DefaultConfig())
	r1, r2 := newRecorder(), newRecorder()

	require.NoError(t, b.RegisterCommandHandler("motor.stop", r1.command))
	err := b.RegisterCommandHandler("motor.stop", r2.command)
	require.ErrorIs(t, err, ErrDuplicateHandler)
	assert.Contains(t, err.Error(), `route="motor.stop"`)
	assert.Len(t, b.Handlers(KindCommand, "motor.stop", ""), 1)

	require.NoError(t, b.RegisterCommandHandler("motor.stop", r2.command, WithKey("motor.stop:r2")))
	assert.Len(t, b.Handlers(KindCommand, "motor.stop", ""), 2)
}

func TestGroupAuthorization(t *testing.T) {
	testlog.Start(t)
	b := newStartedBus(t, DefaultConfig())
	rec := newRecorder()
	require.NoError(t, b.RegisterCommandHandler("reboot", rec.command, WithGroups("admin")))

	require.NoError(t, b.SendCommand(context.Background(), "reboot", nil))
	require.NoError(t, b.SendCommand(context.Background(), "reboot", nil,
		WithSession(&Session{ID: "s1", User: "bob", Groups: []string{"viewer"}})))
	expectNoCall(t, rec.calls)

	require.NoError(t, b.SendCommand(context.Background(), "reboot", nil,
		WithSession(&Session{ID: "s2", User: "ann", Groups: []string{"viewer", "admin"}})))
	c := waitCall(t, rec.calls)
	require.NotNil(t, c.Session)
	assert.Equal(t, "ann", c.Session.User)
}

func TestGroupAuthorizationGatesQueriesAndEvents(t *testing.T) {
	testlog.Start(t)
	b := newStartedBus(t, DefaultConfig())
	viewer := WithSession(&Session{ID: "s1", User: "bob", Groups: []string{"viewer"}})
	admin := WithSession(&Session{ID: "s2", User: "ann", Groups: []string{"admin"}})

	require.NoError(t, b.RegisterQueryHandler("secrets", func(context.Context, Call) (any, error) {
		return "top", nil
	}, WithGroups("admin")))
	assert.Equal(t, []any{}, b.SendQuery(context.Background(), "secrets", nil))
	assert.Equal(t, []any{}, b.SendQuery(context.Background(), "secrets", nil, viewer))
	assert.Equal(t, "top", b.SendQuery(context.Background(), "secrets", nil, admin))

	rec := newRecorder()
	require.NoError(t, b.RegisterEventHandler("alarm", "", rec.event, WithGroups("admin")))
	require.NoError(t, b.TriggerEvent(context.Background(), "alarm", "", nil))
	require.NoError(t, b.TriggerEvent(context.Background(), "alarm", "", nil, viewer))
	expectNoCall(t, rec.calls)

	require.NoError(t, b.TriggerEvent(context.Background(), "alarm", "", nil, admin))
	c := waitCall(t, rec.calls)
	assert.Equal(t, KindEvent, c.Kind)
	require.NotNil(t, c.Session)
	assert.Equal(t, "ann", c.Session.User)
}

func TestQueryCollapse(t *testing.T) {
	testlog.Start(t)
	b := newStartedBus(t, DefaultConfig())

	assert.Equal(t, []any{}, b.SendQuery(context.Background(), "missing", nil))

	require.NoError(t, b.RegisterQueryHandler("ping", func(context.Context, Call) (any, error) {
		return "pong", nil
	}))
	require.NoError(t, b.RegisterQueryHandler("ping", func(context.Context, Call) (any, error) {
		return nil, nil
	}, WithKey("silent")))
	require.NoError(t, b.RegisterQueryHandler("ping", func(context.Context, Call) (any, error) {
		return "", errors.New("down")
	}, WithKey("broken")))
	assert.Equal(t, "pong", b.SendQuery(context.Background(), "ping", nil))

	require.NoError(t, b.RegisterQueryHandler("ping", func(_ context.Context, c Call) (any, error) {
		return c.Args[0], nil
	}, WithKey("echo")))
	assert.Equal(t, []any{"pong", "hi"}, b.SendQuery(context.Background(), "ping", []any{"hi"}))
}

func TestQueryEmptyResultsAreDropped(t *testing.T) {
	testlog.Start(t)
	assert.True(t, isEmpty(nil))
	assert.True(t, isEmpty(""))
	assert.True(t, isEmpty([]any{}))
	assert.True(t, isEmpty(map[string]any{}))
	assert.True(t, isEmpty((*Session)(nil)))
	assert.False(t, isEmpty(0))
	assert.False(t, isEmpty(false))
	assert.False(t, isEmpty("x"))
}

func TestQueryTimeoutReturnsEmptyAndCancels(t *testing.T) {
	testlog.Start(t)
	b := newStartedBus(t, Config{QueryTimeout: 100 * time.Millisecond})
	cancelled := make(chan struct{})
	require.NoError(t, b.RegisterQueryHandler("slow", func(ctx context.Context, _ Call) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return "late", nil
	}))

	start := time.Now()
	assert.Equal(t, []any{}, b.SendQuery(context.Background(), "slow", nil))
	assert.Less(t, time.Since(start), time.Second)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("query handler context not cancelled")
	}
}

func TestEventNameAndSourcePasses(t *testing.T) {
	testlog.Start(t)
	b := newStartedBus(t, DefaultConfig())
	all := newRecorder()
	bound := newRecorder()
	other := newRecorder()
	require.NoError(t, b.RegisterEventHandler("valueChanged", "", all.event))
	require.NoError(t, b.RegisterEventHandler("valueChanged", "temp.1", bound.event))
	require.NoError(t, b.RegisterEventHandler("valueChanged", "temp.2", other.event))

	require.NoError(t, b.TriggerEvent(context.Background(), "valueChanged", "temp.1", []any{21.5}))
	assert.Equal(t, "temp.1", waitCall(t, all.calls).EventID)
	assert.Equal(t, []any{21.5}, waitCall(t, bound.calls).Args)
	expectNoCall(t, other.calls)
	expectNoCall(t, all.calls)
}

func TestEventProxyFiresOncePerSource(t *testing.T) {
	testlog.Start(t)
	b := newStartedBus(t, DefaultConfig())
	relay := newRecorder()
	require.NoError(t, b.RegisterEventHandler("valueChanged", "", relay.event,
		WithSource("conn-1"), WithKey("proxy:event:valueChanged")))
	require.NoError(t, b.RegisterEventHandler("valueChanged", "temp.1", relay.event,
		WithSource("conn-1"), WithKey("proxy:event:valueChanged/temp.1")))

	require.NoError(t, b.TriggerEvent(context.Background(), "valueChanged", "temp.1", nil))
	waitCall(t, relay.calls)
	expectNoCall(t, relay.calls)
}

type linkRecorder struct {
	mu    sync.Mutex
	names []string
}

func (l *linkRecorder) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, s)
}

func (l *linkRecorder) LinkCommand(name string)        { l.add("command:" + name) }
func (l *linkRecorder) LinkQuery(name string)          { l.add("query:" + name) }
func (l *linkRecorder) LinkEvent(name, eventID string) { l.add("event:" + route(name, eventID)) }

func TestLinkersSeeLocalRegistrationsOnly(t *testing.T) {
	testlog.Start(t)
	b := New(DefaultConfig())
	l := &linkRecorder{}
	b.AddLinkedSpine(l)
	noop := func(context.Context, Call) error { return nil }

	require.NoError(t, b.RegisterCommandHandler("a", noop))
	require.ErrorIs(t, b.RegisterCommandHandler("a", noop), ErrDuplicateHandler)
	require.NoError(t, b.RegisterQueryHandler("b", func(context.Context, Call) (any, error) { return 1, nil }))
	require.NoError(t, b.RegisterEventHandler("c", "x", noop))
	require.NoError(t, b.RegisterCommandHandler("d", noop, WithSource("conn-9"), WithKey("proxy:command:d")))

	assert.Equal(t, []string{"command:a", "query:b", "event:c/x"}, l.names)
}

func TestRemoveSourceAndRoutes(t *testing.T) {
	testlog.Start(t)
	b := New(DefaultConfig())
	noop := func(context.Context, Call) error { return nil }
	require.NoError(t, b.RegisterCommandHandler("a", noop))
	require.NoError(t, b.RegisterCommandHandler("a", noop, WithSource("conn-1"), WithKey("proxy:command:a")))
	require.NoError(t, b.RegisterEventHandler("e", "id", noop, WithSource("conn-1"), WithKey("proxy:event:e/id")))

	routes := b.Routes(KindCommand)
	require.Len(t, routes, 1)
	assert.Equal(t, Route{Name: "a", Proxies: 1, Total: 2}, routes[0])
	assert.True(t, routes[0].Local())

	events := b.Routes(KindEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "id", events[0].EventID)
	assert.False(t, events[0].Local())

	assert.Equal(t, 2, b.RemoveSource("conn-1"))
	assert.Empty(t, b.Routes(KindEvent))
	assert.Len(t, b.Handlers(KindCommand, "a", ""), 1)
	assert.Equal(t, 0, b.RemoveSource(""))
}

func TestQueueInfoBuiltin(t *testing.T) {
	testlog.Start(t)
	b := New(DefaultConfig())
	require.NoError(t, b.SendCommand(context.Background(), "pending", nil))
	require.NoError(t, b.TriggerEvent(context.Background(), "pending", "", nil))
	assert.Equal(t, QueueInfo{Commands: 1, Events: 1}, b.SendQuery(context.Background(), QueueInfoQuery, nil))
	assert.Empty(t, b.Routes(KindQuery))
	assert.Empty(t, b.Handlers(KindQuery, QueueInfoQuery, ""))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.SendCommand(context.Background(), "late", nil), ErrClosed)
}

func TestQueueLimit(t *testing.T) {
	testlog.Start(t)
	b := New(Config{QueueSize: 1})
	require.NoError(t, b.SendCommand(context.Background(), "a", nil))
	assert.ErrorIs(t, b.SendCommand(context.Background(), "a", nil), ErrQueueFull)
}
