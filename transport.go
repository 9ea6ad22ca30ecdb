package eventmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// MeshTransport connects every node to every other node over websockets.
//
// Invariants:
//   - Each node dials one outbound connection per directory member. Frames
//     are only written on outbound connections; accepted connections are
//     read-only, so every frame crosses each node pair once per direction.
//   - SendEvent fans out to local receivers before touching the network,
//     so local handlers see an event even with no peers.
//   - Every frame is one binary websocket message holding one encoded
//     TransportableEvent (see wire.go).
//   - Reconcile never dials the local node's own address (see
//     AdvertiseAddr). Frames whose source node id equals the local node id
//     are dropped all the same.
//   - Each outbound peer has a dedicated writer goroutine fed by a bounded
//     queue. A full queue drops the frame for that peer only.
//   - The peer set is re-read from the Directory on every reconcile cycle.
//     Lost connections are redialed on the next cycle; frames sent while a
//     peer is disconnected are not replayed.
//
// Handshake: the dialer sends NodeHeader with its node id and the
// Subprotocol; the acceptor answers with its own NodeHeader. Either side
// rejects a connection that did not negotiate the subprotocol.
type MeshTransport struct {
	cfg     transportConfig
	dir     Directory
	nodeID  string
	metrics *Metrics

	router *frameRouter
	peers  *peerManager
	mux    chi.Router

	listener net.Listener
	server   *http.Server

	started  atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMeshTransport creates a transport for the local node of dir. The
// listener is not bound until Start is called.
func NewMeshTransport(dir Directory, opts ...Option) (*MeshTransport, error) {
	if dir == nil {
		return nil, fmt.Errorf("%w: nil directory", ErrInvalidArgument)
	}
	nodeID := dir.LocalNodeID()
	if nodeID == "" {
		return nil, fmt.Errorf("%w: directory has no local node id", ErrInvalidArgument)
	}

	cfg := defaultTransportConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics()
	}
	if !strings.HasPrefix(cfg.path, "/") {
		cfg.path = "/" + cfg.path
	}

	t := &MeshTransport{
		dir:     dir,
		nodeID:  nodeID,
		metrics: cfg.metrics,
		done:    make(chan struct{}),
	}
	t.cfg = cfg
	if t.cfg.dial == nil {
		t.cfg.dial = t.dialPeer
	}
	t.router = newFrameRouter(nodeID, t.metrics)
	t.peers = newPeerManager(&t.cfg, t.cfg.dial, t.metrics, t.router.route)
	t.metrics.setGauge("live_peers", t.peers.liveCount)

	t.mux = chi.NewRouter()
	t.mux.Get(t.cfg.path, t.handleUpgrade)
	return t, nil
}

// LocalNodeID returns the node id stamped on outbound frames.
func (t *MeshTransport) LocalNodeID() string { return t.nodeID }

// Handler returns the HTTP handler serving the mesh endpoint, for callers
// that mount it on their own server instead of calling Start.
func (t *MeshTransport) Handler() http.Handler { return t.mux }

// Addr returns the listener's network address (useful when binding to
// ":0"). Empty before Start.
func (t *MeshTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// AdvertiseAddr returns the address other nodes dial to reach this
// transport: the configured advertise address (a zero port replaced by the
// bound port), else the bound address when its host is routable. Empty
// when neither applies.
func (t *MeshTransport) AdvertiseAddr() string {
	bound := t.Addr()
	if a := t.cfg.advertiseAddr; a != "" {
		host, port, err := net.SplitHostPort(a)
		if err == nil && port == "0" && bound != "" {
			if _, boundPort, err := net.SplitHostPort(bound); err == nil {
				return net.JoinHostPort(host, boundPort)
			}
		}
		return a
	}
	if routableAddr(bound) {
		return bound
	}
	return ""
}

// isSelf reports whether a directory member refers to this transport.
func (t *MeshTransport) isSelf(member string) bool {
	u := memberURL(member, t.cfg.path)
	for _, own := range []string{t.Addr(), t.AdvertiseAddr()} {
		if own != "" && u == memberURL(own, t.cfg.path) {
			return true
		}
	}
	return false
}

// Start binds the listener, serves inbound connections and schedules the
// reconcile loop. A bind failure is returned; the transport is unusable
// without its listener.
func (t *MeshTransport) Start(ctx context.Context) error {
	if t.stopped.Load() {
		return ErrTransportStopped
	}
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: transport already started", ErrIllegalState)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.cfg.listenAddr)
	if err != nil {
		t.started.Store(false)
		return fmt.Errorf("mesh listen %s: %w", t.cfg.listenAddr, err)
	}
	t.listener = ln
	t.server = &http.Server{
		Handler:           t.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mesh server error", "error", err)
		}
	}()
	go t.reconcileLoop()

	slog.Info("mesh transport started", "node", t.nodeID, "addr", t.Addr(), "path", t.cfg.path)
	return nil
}

// Stop closes every connection and the listener, then waits for goroutines
// to exit. Safe to call multiple times.
func (t *MeshTransport) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.done)
		t.peers.close()

		if t.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			t.server.Shutdown(ctx)
		}
		t.wg.Wait()
		slog.Info("mesh transport stopped", "node", t.nodeID)
	})
}

func (t *MeshTransport) reconcileLoop() {
	defer t.wg.Done()

	timer := time.NewTimer(t.cfg.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-timer.C:
			// Failures are logged inside; the next cycle retries.
			t.Reconcile(t.peers.ctx)
			timer.Reset(t.cfg.reconcileInterval)
		}
	}
}

// Reconcile reads the directory and dials every member without a live
// connection, skipping the local node's own address. It returns after all
// dial attempts have finished.
func (t *MeshTransport) Reconcile(ctx context.Context) error {
	if t.stopped.Load() {
		return ErrTransportStopped
	}
	members, err := t.dir.Members(ctx)
	if err != nil {
		slog.Warn("directory read failed", "error", err)
		return fmt.Errorf("reconcile: %w", err)
	}
	peers := make([]string, 0, len(members))
	for _, m := range members {
		if !t.isSelf(m) {
			peers = append(peers, m)
		}
	}
	t.peers.reconcile(ctx, peers)
	return nil
}

// SendEvent delivers env to local receivers of topicID and broadcasts it to
// every connected peer.
func (t *MeshTransport) SendEvent(topicID string, env Envelope, opts ...SendOption) error {
	if err := ValidateTopicID(topicID); err != nil {
		return err
	}
	if t.stopped.Load() {
		return ErrTransportStopped
	}
	sc := applySendOptions(opts)

	t.router.receivers.fanOut(topicID, env)
	if sc.localOnly {
		return nil
	}

	frame := t.router.encode(topicID, env)
	if int64(len(frame)) > t.cfg.maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", ErrInvalidArgument, len(frame), t.cfg.maxFrameSize)
	}
	t.peers.broadcast(frame)
	return nil
}

func (t *MeshTransport) SubscribeTopic(topicID string, r Receiver) error {
	return t.router.receivers.subscribe(topicID, r)
}

// UnsubscribeTopic removes r. Removing a receiver that was never
// subscribed fails with ErrNotSubscribed.
func (t *MeshTransport) UnsubscribeTopic(topicID string, r Receiver) error {
	return t.router.receivers.unsubscribe(topicID, r)
}

// Topics returns the topic ids with local receivers.
func (t *MeshTransport) Topics() []string { return t.router.receivers.topicIDs() }

// Peers describes every open connection.
func (t *MeshTransport) Peers() []PeerInfo { return t.peers.peers() }

// LivePeers returns the addresses with an open outbound connection.
func (t *MeshTransport) LivePeers() []string { return t.peers.liveAddresses() }

func (t *MeshTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(NodeHeader, t.nodeID)
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:    []string{Subprotocol},
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		slog.Warn("mesh accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(websocket.StatusPolicyViolation, "client must speak the "+Subprotocol+" subprotocol")
		return
	}
	c.SetReadLimit(t.cfg.maxFrameSize)
	t.peers.serveInbound(c, r.RemoteAddr, r.Header.Get(NodeHeader))
}

func (t *MeshTransport) dialPeer(ctx context.Context, address string) (meshConn, string, error) {
	u := memberURL(address, t.cfg.path)
	c, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols:    []string{Subprotocol},
		HTTPHeader:      http.Header{NodeHeader: []string{t.nodeID}},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", u, err)
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(websocket.StatusPolicyViolation, "server must speak the "+Subprotocol+" subprotocol")
		return nil, "", fmt.Errorf("dial %s: subprotocol %q not negotiated", u, Subprotocol)
	}
	c.SetReadLimit(t.cfg.maxFrameSize)

	var remoteID string
	if resp != nil {
		remoteID = resp.Header.Get(NodeHeader)
	}
	return c, remoteID, nil
}

// memberURL turns a directory member into a websocket URL. Members are
// host:port pairs or full ws://, wss://, http:// or https:// URLs.
func memberURL(address, path string) string {
	switch {
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		return address
	case strings.HasPrefix(address, "http://"):
		return "ws://" + strings.TrimPrefix(address, "http://")
	case strings.HasPrefix(address, "https://"):
		return "wss://" + strings.TrimPrefix(address, "https://")
	}
	return "ws://" + address + path
}
