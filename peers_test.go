package eventmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeMsg struct {
	typ  websocket.MessageType
	data []byte
}

// fakeConn is an in-memory meshConn. Read blocks until a message is pushed
// or the conn is closed; Write blocks on writeGate when it is set.
type fakeConn struct {
	inbox     chan fakeMsg
	closed    chan struct{}
	closeOnce sync.Once
	writeGate chan struct{}

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan fakeMsg, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m := <-c.inbox:
		return m.typ, m.data, nil
	case <-c.closed:
		return 0, nil, errors.New("fake conn closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	if c.writeGate != nil {
		select {
		case <-c.writeGate:
		case <-c.closed:
			return errors.New("fake conn closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), p...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

// fakeNet hands out fakeConns per address and records dial activity.
type fakeNet struct {
	mu      sync.Mutex
	conns   map[string][]*fakeConn
	fail    map[string]error
	prepare func(address string, c *fakeConn)
	hold    chan struct{}

	dials       atomic.Int64
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		conns: make(map[string][]*fakeConn),
		fail:  make(map[string]error),
	}
}

func (n *fakeNet) dial(ctx context.Context, address string) (meshConn, string, error) {
	n.dials.Add(1)
	cur := n.inflight.Add(1)
	defer n.inflight.Add(-1)
	for {
		prev := n.maxInflight.Load()
		if cur <= prev || n.maxInflight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if n.hold != nil {
		select {
		case <-n.hold:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[address]; err != nil {
		return nil, "", err
	}
	c := newFakeConn()
	if n.prepare != nil {
		n.prepare(address, c)
	}
	n.conns[address] = append(n.conns[address], c)
	return c, "id@" + address, nil
}

func (n *fakeNet) latest(address string) *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs := n.conns[address]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func newTestPeerManager(t *testing.T, n *fakeNet, onFrame func([]byte), tweak ...func(*transportConfig)) *peerManager {
	t.Helper()
	cfg := defaultTransportConfig()
	cfg.dialRate = rate.Inf
	cfg.connectTimeout = time.Second
	for _, fn := range tweak {
		fn(&cfg)
	}
	if onFrame == nil {
		onFrame = func([]byte) {}
	}
	m := newPeerManager(&cfg, n.dial, NewMetrics(), onFrame)
	t.Cleanup(m.close)
	return m
}

func TestPeerManager_ReconcileConnectsMissingOnce(t *testing.T) {
	n := newFakeNet()
	m := newTestPeerManager(t, n, nil)
	members := []string{"a:1", "b:1", "c:1"}

	m.reconcile(context.Background(), members)
	assert.Equal(t, members, m.liveAddresses())
	assert.Equal(t, int64(3), n.dials.Load())

	m.reconcile(context.Background(), members)
	assert.Equal(t, int64(3), n.dials.Load(), "live peers must not be redialed")
	assert.Equal(t, int64(3), m.metrics.PeerConnects.Load())
	assert.Equal(t, int64(2), m.metrics.Reconciles.Load())

	infos := m.peers()
	require.Len(t, infos, 3)
	assert.Equal(t, "outbound", infos[0].Direction)
	assert.Equal(t, "id@a:1", infos[0].NodeID)
}

func TestPeerManager_DialFailureRetriedNextCycle(t *testing.T) {
	n := newFakeNet()
	n.fail["down:1"] = errors.New("connection refused")
	m := newTestPeerManager(t, n, nil)

	m.reconcile(context.Background(), []string{"up:1", "down:1"})
	assert.Equal(t, []string{"up:1"}, m.liveAddresses())
	assert.Equal(t, int64(1), m.metrics.DialFailures.Load())

	n.mu.Lock()
	delete(n.fail, "down:1")
	n.mu.Unlock()

	m.reconcile(context.Background(), []string{"up:1", "down:1"})
	assert.Equal(t, []string{"down:1", "up:1"}, m.liveAddresses())
}

func TestPeerManager_ReconnectsAfterDrop(t *testing.T) {
	n := newFakeNet()
	m := newTestPeerManager(t, n, nil)

	m.reconcile(context.Background(), []string{"a:1"})
	first := n.latest("a:1")
	require.NotNil(t, first)

	first.Close(websocket.StatusGoingAway, "")
	require.Eventually(t, func() bool { return len(m.liveAddresses()) == 0 }, waitTimeout, waitTick)

	m.reconcile(context.Background(), []string{"a:1"})
	assert.Equal(t, []string{"a:1"}, m.liveAddresses())
	assert.NotSame(t, first, n.latest("a:1"))
	assert.Equal(t, int64(1), m.metrics.PeerDisconnects.Load())
}

func TestPeerManager_StaleDisconnectKeepsReplacement(t *testing.T) {
	n := newFakeNet()
	m := newTestPeerManager(t, n, nil)
	m.reconcile(context.Background(), []string{"a:1"})

	m.mu.Lock()
	current := m.live["a:1"]
	m.mu.Unlock()

	stale := newPeerConn("a:1", "old", true, newFakeConn(), 1)
	m.onDisconnected(stale)

	m.mu.Lock()
	assert.Same(t, current, m.live["a:1"])
	m.mu.Unlock()
}

func TestPeerManager_DepartedMemberClosed(t *testing.T) {
	n := newFakeNet()
	m := newTestPeerManager(t, n, nil)

	m.reconcile(context.Background(), []string{"a:1", "b:1"})
	m.reconcile(context.Background(), []string{"a:1"})

	assert.True(t, n.latest("b:1").isClosed())
	require.Eventually(t, func() bool {
		return fmt.Sprint(m.liveAddresses()) == "[a:1]"
	}, waitTimeout, waitTick)
}

func TestPeerManager_DialConcurrencyBounded(t *testing.T) {
	n := newFakeNet()
	n.hold = make(chan struct{})
	m := newTestPeerManager(t, n, nil, func(c *transportConfig) {
		c.maxConcurrentDials = 2
	})

	members := []string{"a:1", "b:1", "c:1", "d:1", "e:1"}
	done := make(chan struct{})
	go func() {
		m.reconcile(context.Background(), members)
		close(done)
	}()

	require.Eventually(t, func() bool { return n.inflight.Load() == 2 }, waitTimeout, waitTick)
	close(n.hold)
	<-done

	assert.LessOrEqual(t, n.maxInflight.Load(), int64(2))
	assert.Len(t, m.liveAddresses(), len(members))
}

func TestPeerManager_ConnectTimeoutBoundsDial(t *testing.T) {
	n := newFakeNet()
	n.hold = make(chan struct{}) // never released
	m := newTestPeerManager(t, n, nil, func(c *transportConfig) {
		c.connectTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	m.reconcile(context.Background(), []string{"blackhole:1"})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, m.liveAddresses())
	assert.Equal(t, int64(1), m.metrics.DialFailures.Load())
}

func TestPeerManager_BroadcastSlowPeerDoesNotStallOthers(t *testing.T) {
	n := newFakeNet()
	gate := make(chan struct{})
	n.prepare = func(address string, c *fakeConn) {
		if address == "slow:1" {
			c.writeGate = gate
		}
	}
	m := newTestPeerManager(t, n, nil, func(c *transportConfig) {
		c.sendBuffer = 2
	})
	m.reconcile(context.Background(), []string{"fast:1", "slow:1"})

	const frames = 20
	for i := 0; i < frames; i++ {
		m.broadcast([]byte{byte(i)})
		// Let the fast writer keep up with its small queue.
		require.Eventually(t, func() bool { return n.latest("fast:1").writes() == i+1 }, waitTimeout, waitTick)
	}

	assert.Equal(t, frames, n.latest("fast:1").writes())
	assert.Positive(t, m.metrics.FramesDropped.Load())
	close(gate)
}

func TestPeerManager_InboundFrames(t *testing.T) {
	n := newFakeNet()
	var got collector[string]
	m := newTestPeerManager(t, n, func(b []byte) { got.add(string(b)) })

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		m.serveInbound(conn, "10.0.0.9:5555", "node-z")
		close(done)
	}()

	conn.inbox <- fakeMsg{typ: websocket.MessageText, data: []byte("ignored")}
	conn.inbox <- fakeMsg{typ: websocket.MessageBinary, data: []byte("frame")}
	require.Eventually(t, func() bool { return got.len() == 1 }, waitTimeout, waitTick)
	assert.Equal(t, []string{"frame"}, got.snapshot())

	infos := m.peers()
	require.Len(t, infos, 1)
	assert.Equal(t, "inbound", infos[0].Direction)
	assert.Equal(t, "node-z", infos[0].NodeID)

	// Inbound connections never receive broadcasts.
	assert.Zero(t, m.broadcast([]byte("x")))

	conn.Close(websocket.StatusNormalClosure, "")
	<-done
	assert.Empty(t, m.peers())
}

func TestPeerManager_CloseStopsEverything(t *testing.T) {
	n := newFakeNet()
	m := newTestPeerManager(t, n, nil)
	m.reconcile(context.Background(), []string{"a:1", "b:1"})

	m.close()
	assert.True(t, n.latest("a:1").isClosed())
	assert.True(t, n.latest("b:1").isClosed())
	assert.Empty(t, m.liveAddresses())

	m.reconcile(context.Background(), []string{"c:1"})
	assert.Equal(t, int64(2), n.dials.Load())
}
