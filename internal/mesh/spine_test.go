package mesh

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/spine/internal/bus"
	"github.com/danmuck/spine/internal/protocol/frame"
	"github.com/danmuck/spine/internal/protocol/schema"
	"github.com/danmuck/spine/internal/protocol/session"
	"github.com/danmuck/spine/internal/protocol/tlv"
	"github.com/danmuck/spine/internal/protocol/wire"
	"github.com/danmuck/spine/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "mesh-test-secret"

type node struct {
	bus   *bus.Bus
	spine *Spine
}

func (n *node) close() {
	_ = n.spine.Close()
	_ = n.bus.Close()
}

func testConfig(processID string) Config {
	cfg := DefaultConfig()
	cfg.ProcessID = processID
	cfg.RemoteQueryTimeout = 2 * time.Second
	cfg.Session.Secret = testSecret
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: 50 * time.Millisecond, Multiplier: 1, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func startNode(t *testing.T, cfg Config, setup func(b *bus.Bus)) *node {
	t.Helper()
	b := bus.New(bus.Config{QueryTimeout: 3 * time.Second})
	if setup != nil {
		setup(b)
	}
	b.Start()
	sp, err := New(b, cfg)
	require.NoError(t, err)
	require.NoError(t, sp.Start(context.Background()))
	n := &node{bus: b, spine: sp}
	t.Cleanup(n.close)
	return n
}

func startRoot(t *testing.T, listen string, setup func(b *bus.Bus)) *node {
	t.Helper()
	cfg := testConfig("root")
	cfg.IsRoot = true
	if listen != "" {
		cfg.ListenAddr = listen
	}
	return startNode(t, cfg, setup)
}

func startPeer(t *testing.T, id, rootAddr string, setup func(b *bus.Bus)) *node {
	t.Helper()
	cfg := testConfig(id)
	cfg.RootAddr = rootAddr
	return startNode(t, cfg, setup)
}

func answer(v any) bus.QueryHandler {
	return func(context.Context, bus.Call) (any, error) { return v, nil }
}

func waitCoverage(t *testing.T, b *bus.Bus, kind bus.Kind, name string, proxies int) {
	t.Helper()
	require.Eventually(t, func() bool {
		n := 0
		for _, e := range b.Handlers(kind, name, "") {
			if e.Proxy() {
				n++
			}
		}
		return n == proxies
	}, 5*time.Second, 20*time.Millisecond, "waiting for %d proxies of %s", proxies, name)
}

func TestConfigValidation(t *testing.T) {
	testlog.Start(t)
	_, err := New(bus.New(bus.DefaultConfig()), Config{Session: session.Config{Secret: "x"}})
	assert.ErrorIs(t, err, ErrProcessIDRequired)

	_, err = New(bus.New(bus.DefaultConfig()), Config{ProcessID: "a", Session: session.Config{Secret: "x"}})
	assert.ErrorIs(t, err, ErrRootAddrRequired)

	_, err = New(bus.New(bus.DefaultConfig()), Config{ProcessID: "a", IsRoot: true})
	assert.ErrorIs(t, err, session.ErrSecretRequired)
}

func TestTwoProcessQueryCollapsesSingleResponder(t *testing.T) {
	testlog.Start(t)
	root := startRoot(t, "", func(b *bus.Bus) {
		require.NoError(t, b.RegisterQueryHandler("ping", answer("pong")))
	})
	peer := startPeer(t, "proc-a", root.spine.Addr(), nil)

	waitCoverage(t, peer.bus, bus.KindQuery, "ping", 1)
	assert.Eventually(t, peer.spine.Ready, time.Second, 10*time.Millisecond)
	assert.Equal(t, "pong", peer.bus.SendQuery(context.Background(), "ping", nil))
}

func TestQueueInfoStaysLocal(t *testing.T) {
	testlog.Start(t)
	root := startRoot(t, "", func(b *bus.Bus) {
		require.NoError(t, b.RegisterQueryHandler("ping", answer("pong")))
	})
	peer := startPeer(t, "proc-a", root.spine.Addr(), func(b *bus.Bus) {
		require.NoError(t, b.RegisterQueryHandler("status", answer("A-ok")))
	})
	waitCoverage(t, peer.bus, bus.KindQuery, "ping", 1)
	waitCoverage(t, root.bus, bus.KindQuery, "status", 1)

	assert.Empty(t, root.bus.Handlers(bus.KindQuery, bus.QueueInfoQuery, ""))
	assert.Empty(t, peer.bus.Handlers(bus.KindQuery, bus.QueueInfoQuery, ""))
	assert.Equal(t, bus.QueueInfo{}, root.bus.SendQuery(context.Background(), bus.QueueInfoQuery, nil))
	assert.Equal(t, bus.QueueInfo{}, peer.bus.SendQuery(context.Background(), bus.QueueInfoQuery, nil))
}

func TestCommandRelayCarriesArgsAndSession(t *testing.T) {
	testlog.Start(t)
	got := make(chan bus.Call, 4)
	root := startRoot(t, "", nil)
	peer := startPeer(t, "proc-a", root.spine.Addr(), nil)
	assert.Eventually(t, peer.spine.Ready, 5*time.Second, 10*time.Millisecond)

	// registered after the link is up, so it travels as an announcement
	require.NoError(t, root.bus.RegisterCommandHandler("motor.stop", func(_ context.Context, c bus.Call) error {
		got <- c
		return nil
	}))
	waitCoverage(t, peer.bus, bus.KindCommand, "motor.stop", 1)

	sess := &bus.Session{ID: "s1", User: "ann", Groups: []string{"ops"}}
	require.NoError(t, peer.bus.SendCommand(context.Background(), "motor.stop", []any{"m1"}, bus.WithSession(sess)))
	select {
	case c := <-got:
		assert.Equal(t, []any{"m1"}, c.Args)
		assert.True(t, c.Origin.Remote())
		require.NotNil(t, c.Session)
		assert.Equal(t, "ann", c.Session.User)
	case <-time.After(3 * time.Second):
		t.Fatalf("command not relayed")
	}
	select {
	case c := <-got:
		t.Fatalf("command delivered twice args=%v", c.Args)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestThreeProcessQueryHasNoDuplicates(t *testing.T) {
	testlog.Start(t)
	root := startRoot(t, "", nil)
	a := startPeer(t, "proc-a", root.spine.Addr(), func(b *bus.Bus) {
		require.NoError(t, b.RegisterQueryHandler("status", answer("A-ok")))
	})
	b := startPeer(t, "proc-b", root.spine.Addr(), nil)
	require.NoError(t, b.bus.RegisterQueryHandler("status", answer("B-ok")))

	waitCoverage(t, root.bus, bus.KindQuery, "status", 2)
	waitCoverage(t, a.bus, bus.KindQuery, "status", 1)
	waitCoverage(t, b.bus, bus.KindQuery, "status", 1)

	assert.ElementsMatch(t, []any{"A-ok", "B-ok"}, a.bus.SendQuery(context.Background(), "status", nil))
	assert.ElementsMatch(t, []any{"A-ok", "B-ok"}, b.bus.SendQuery(context.Background(), "status", nil))
	assert.ElementsMatch(t, []any{"A-ok", "B-ok"}, root.bus.SendQuery(context.Background(), "status", nil))

	assert.Len(t, root.spine.Members(), 2)
	assert.Len(t, a.spine.Peers(), 2)
}

func TestEventRelayFiresOnce(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var seen []string
	root := startRoot(t, "", func(b *bus.Bus) {
		require.NoError(t, b.RegisterEventHandler("valueChanged", "temp.1", func(_ context.Context, c bus.Call) error {
			mu.Lock()
			seen = append(seen, c.EventID)
			mu.Unlock()
			return nil
		}))
	})
	peer := startPeer(t, "proc-a", root.spine.Addr(), nil)
	require.Eventually(t, func() bool {
		return len(peer.bus.Handlers(bus.KindEvent, "valueChanged", "temp.1")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, peer.bus.TriggerEvent(context.Background(), "valueChanged", "temp.2", nil))
	require.NoError(t, peer.bus.TriggerEvent(context.Background(), "valueChanged", "temp.1", []any{21.5}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"temp.1"}, seen)
	mu.Unlock()
}

func TestDisconnectRemovesProxies(t *testing.T) {
	testlog.Start(t)
	root := startRoot(t, "", nil)
	a := startPeer(t, "proc-a", root.spine.Addr(), func(b *bus.Bus) {
		require.NoError(t, b.RegisterQueryHandler("status", answer("A-ok")))
	})
	b := startPeer(t, "proc-b", root.spine.Addr(), func(b *bus.Bus) {
		require.NoError(t, b.RegisterQueryHandler("status", answer("B-ok")))
	})
	waitCoverage(t, a.bus, bus.KindQuery, "status", 1)
	waitCoverage(t, root.bus, bus.KindQuery, "status", 2)

	b.close()

	waitCoverage(t, a.bus, bus.KindQuery, "status", 0)
	waitCoverage(t, root.bus, bus.KindQuery, "status", 1)
	require.Eventually(t, func() bool { return len(root.spine.Members()) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "A-ok", a.bus.SendQuery(context.Background(), "status", nil))
}

func TestPeerReconnectsAfterRootRestart(t *testing.T) {
	testlog.Start(t)
	root := startRoot(t, "", nil)
	addr := root.spine.Addr()
	peer := startPeer(t, "proc-a", addr, func(b *bus.Bus) {
		require.NoError(t, b.RegisterQueryHandler("ping", answer("pong-A")))
	})
	waitCoverage(t, root.bus, bus.KindQuery, "ping", 1)

	root.close()
	require.Eventually(t, func() bool { return !peer.spine.Ready() }, 3*time.Second, 10*time.Millisecond)

	restarted := startRoot(t, addr, nil)
	waitCoverage(t, restarted.bus, bus.KindQuery, "ping", 1)
	assert.True(t, peer.spine.Ready())
	assert.Equal(t, "pong-A", restarted.bus.SendQuery(context.Background(), "ping", nil))
}

func TestWrongSecretIsRejected(t *testing.T) {
	testlog.Start(t)
	root := startRoot(t, "", func(b *bus.Bus) {
		require.NoError(t, b.RegisterQueryHandler("ping", answer("pong")))
	})
	cfg := testConfig("intruder")
	cfg.RootAddr = root.spine.Addr()
	cfg.Session.Secret = "wrong"
	intruder := startNode(t, cfg, nil)

	assert.Never(t, intruder.spine.Ready, 400*time.Millisecond, 20*time.Millisecond)
	assert.Empty(t, root.spine.Peers())
	assert.Equal(t, []any{}, intruder.bus.SendQuery(context.Background(), "ping", nil))
}

func TestMalformedMessageIsSkipped(t *testing.T) {
	testlog.Start(t)
	root := startRoot(t, "", nil)

	conn, err := net.Dial("tcp", root.spine.Addr())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	peer, err := session.Handshake(reader, conn, testSecret, "raw-client")
	require.NoError(t, err)
	assert.Equal(t, "root", peer.ProcessID)

	garbage := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldName, "x"),
		tlv.Bytes(schema.FieldArgs, []byte{0xff, 0xff}),
	})
	require.NoError(t, frame.WriteFrame(conn, frame.New(schema.MsgCommand, 1, garbage), frame.DefaultLimits()))
	require.NoError(t, wire.Write(conn, 2, wire.RegisterQueryHandler("remote.status")))

	waitCoverage(t, root.bus, bus.KindQuery, "remote.status", 1)
}
