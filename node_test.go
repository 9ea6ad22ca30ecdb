package eventmesh

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodeConfig() Config {
	cfg := DefaultConfig()
	cfg.Mesh.Listen = "127.0.0.1:0"
	cfg.Mesh.InitialDelay = time.Hour
	cfg.Mesh.ReconcileInterval = time.Hour
	return cfg
}

func startTestNode(t *testing.T, nodeID string, mutate ...func(*Config)) (*Node, *StaticDirectory) {
	t.Helper()
	cfg := testNodeConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	dir := NewStaticDirectory(nodeID)
	n, err := NewNode(cfg, WithDirectory(dir))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)
	return n, dir
}

type greeting struct {
	From string `json:"from"`
	Text string `json:"text"`
}

func TestNode_TwoNodesExchangeEvents(t *testing.T) {
	a, dirA := startTestNode(t, "node-a")
	b, dirB := startTestNode(t, "node-b")

	mtA := a.Transport().(*MeshTransport)
	mtB := b.Transport().(*MeshTransport)
	dirA.SetMembers(mtA.Addr(), mtB.Addr())
	dirB.SetMembers(mtA.Addr(), mtB.Addr())
	reconcileUntilLive(t, mtA, 1)
	reconcileUntilLive(t, mtB, 1)
	assert.Equal(t, []string{mtB.Addr()}, mtA.LivePeers())
	assert.Equal(t, []string{mtA.Addr()}, mtB.LivePeers())

	var atA, atB collector[greeting]
	tA := buildTopic(t, a.Service(), "greetings", func(tb *TopicBuilder) { AddJSON[greeting](tb) })
	tB := buildTopic(t, b.Service(), "greetings", func(tb *TopicBuilder) { AddJSON[greeting](tb) })
	require.NoError(t, tA.Register(atA.handler()))
	require.NoError(t, tB.Register(atB.handler()))

	require.NoError(t, tA.SendEvent(greeting{From: "a", Text: "hi"}))
	require.NoError(t, tB.SendEvent(greeting{From: "b", Text: "hey"}))

	require.Eventually(t, func() bool { return atA.len() == 2 && atB.len() == 2 }, waitTimeout, waitTick)
	assert.ElementsMatch(t, atA.snapshot(), atB.snapshot())

	// Neither node dials its own address, so nothing comes back as an echo.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, atA.len())
	assert.Equal(t, int64(0), a.Metrics().EchoesSuppressed.Load())
	assert.Equal(t, int64(0), b.Metrics().EchoesSuppressed.Load())
}

// publishingDirectory is a StaticDirectory that also records the address a
// Node publishes, like the Postgres and Redis directories.
type publishingDirectory struct {
	*StaticDirectory

	mu        sync.Mutex
	published string
	started   bool
	stopped   bool
}

func newPublishingDirectory(nodeID string) *publishingDirectory {
	return &publishingDirectory{StaticDirectory: NewStaticDirectory(nodeID)}
}

func (d *publishingDirectory) setAddress(addr string) {
	d.mu.Lock()
	d.published = addr
	d.mu.Unlock()
}

func (d *publishingDirectory) Start(context.Context) error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

func (d *publishingDirectory) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func (d *publishingDirectory) state() (published string, started, stopped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.published, d.started, d.stopped
}

func TestNode_PublishesAddress(t *testing.T) {
	tests := []struct {
		name      string
		listen    string
		advertise string
		want      func(bound string) string
	}{
		{
			name:   "bound loopback address",
			listen: "127.0.0.1:0",
			want:   func(bound string) string { return bound },
		},
		{
			name:      "advertise with bound port",
			listen:    ":0",
			advertise: "10.1.2.3:0",
			want: func(bound string) string {
				_, port, _ := net.SplitHostPort(bound)
				return "10.1.2.3:" + port
			},
		},
		{
			name:      "advertise verbatim",
			listen:    "127.0.0.1:0",
			advertise: "mesh-a.internal:7400",
			want:      func(string) string { return "mesh-a.internal:7400" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testNodeConfig()
			cfg.Mesh.Listen = tt.listen
			cfg.Mesh.Advertise = tt.advertise
			dir := newPublishingDirectory("node-a")

			n, err := NewNode(cfg, WithDirectory(dir))
			require.NoError(t, err)
			require.NoError(t, n.Start(context.Background()))
			defer n.Stop()

			mt := n.Transport().(*MeshTransport)
			published, started, _ := dir.state()
			assert.True(t, started)
			assert.Equal(t, tt.want(mt.Addr()), published)
			assert.Equal(t, published, mt.AdvertiseAddr())
		})
	}
}

func TestNode_WildcardListenWithoutAdvertise(t *testing.T) {
	cfg := testNodeConfig()
	cfg.Mesh.Listen = ":0"
	dir := newPublishingDirectory("node-a")

	n, err := NewNode(cfg, WithDirectory(dir))
	require.NoError(t, err)
	assert.ErrorIs(t, n.Start(context.Background()), ErrInvalidArgument)
	n.Stop()

	published, started, stopped := dir.state()
	assert.Empty(t, published)
	assert.False(t, started)
	assert.False(t, stopped)
}

func TestNode_Defaults(t *testing.T) {
	n, err := NewNode(testNodeConfig())
	require.NoError(t, err)
	defer n.Stop()

	assert.NotEmpty(t, n.NodeID())
	assert.Equal(t, n.NodeID(), n.Service().NodeID())
	assert.IsType(t, &StaticDirectory{}, n.Directory())
	assert.IsType(t, &MeshTransport{}, n.Transport())
	assert.Same(t, n.Metrics(), n.Service().Metrics())
	assert.Empty(t, n.AdminAddr())
}

func TestNode_InvalidConfig(t *testing.T) {
	cfg := testNodeConfig()
	cfg.Transport = "smoke-signals"
	_, err := NewNode(cfg)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNode_StartTwice(t *testing.T) {
	n, _ := startTestNode(t, "node-a")
	assert.ErrorIs(t, n.Start(context.Background()), ErrIllegalState)
}

func TestNode_StopDisposesService(t *testing.T) {
	n, _ := startTestNode(t, "node-a")
	n.Stop()
	n.Stop()

	_, err := n.Service().GetTopic("orders")
	assert.ErrorIs(t, err, ErrServiceDisposed)
}
