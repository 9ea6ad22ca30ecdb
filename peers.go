package eventmesh

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// meshConn is the subset of *websocket.Conn used by the peer manager.
type meshConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens an outbound connection to a directory member and returns
// the remote node id announced in the handshake (empty if none).
type dialFunc func(ctx context.Context, address string) (meshConn, string, error)

// peerConn is one open websocket to another node. Outbound peers own a
// writer goroutine fed by sendCh; inbound peers are receive-only.
type peerConn struct {
	address     string
	nodeID      string
	outbound    bool
	conn        meshConn
	connectedAt time.Time

	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeerConn(address, nodeID string, outbound bool, conn meshConn, buffer int) *peerConn {
	p := &peerConn{
		address:     address,
		nodeID:      nodeID,
		outbound:    outbound,
		conn:        conn,
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
	if outbound {
		p.sendCh = make(chan []byte, buffer)
	}
	return p
}

func (p *peerConn) close(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close(code, reason)
	})
}

// PeerInfo describes a connection for the admin API.
type PeerInfo struct {
	Address     string    `json:"address"`
	NodeID      string    `json:"node_id,omitempty"`
	Direction   string    `json:"direction"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
}

// peerManager keeps one outbound connection per directory member. A member
// is either live, connecting (claimed by a reconcile in flight) or absent.
type peerManager struct {
	cfg     *transportConfig
	dial    dialFunc
	onFrame func(data []byte)
	metrics *Metrics
	limiter *rate.Limiter
	dropLog rate.Sometimes

	mu         sync.Mutex
	live       map[string]*peerConn
	connecting map[string]struct{}
	inbound    map[*peerConn]struct{}
	closing    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPeerManager(cfg *transportConfig, dial dialFunc, metrics *Metrics, onFrame func([]byte)) *peerManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &peerManager{
		cfg:        cfg,
		dial:       dial,
		onFrame:    onFrame,
		metrics:    metrics,
		limiter:    rate.NewLimiter(cfg.dialRate, cfg.dialBurst),
		dropLog:    rate.Sometimes{Interval: 5 * time.Second},
		live:       make(map[string]*peerConn),
		connecting: make(map[string]struct{}),
		inbound:    make(map[*peerConn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// reconcile dials every member without a live or in-flight connection and
// closes connections to addresses that left the member list. It returns
// once every dial it started has finished.
func (m *peerManager) reconcile(ctx context.Context, members []string) {
	want := make(map[string]struct{}, len(members))
	for _, a := range members {
		if a != "" {
			want[a] = struct{}{}
		}
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	var claimed []string
	for a := range want {
		if _, ok := m.live[a]; ok {
			continue
		}
		if _, ok := m.connecting[a]; ok {
			continue
		}
		m.connecting[a] = struct{}{}
		claimed = append(claimed, a)
	}
	var departed []*peerConn
	for a, p := range m.live {
		if _, ok := want[a]; !ok {
			departed = append(departed, p)
		}
	}
	m.mu.Unlock()

	for _, p := range departed {
		slog.Info("peer left directory", "peer", p.address)
		p.close(websocket.StatusGoingAway, "member removed")
	}

	var g errgroup.Group
	g.SetLimit(max(1, m.cfg.maxConcurrentDials))
	for _, a := range claimed {
		g.Go(func() error {
			m.connect(ctx, a)
			return nil
		})
	}
	g.Wait()
	m.metrics.Reconciles.Add(1)
}

func (m *peerManager) release(address string) {
	m.mu.Lock()
	delete(m.connecting, address)
	m.mu.Unlock()
}

func (m *peerManager) connect(ctx context.Context, address string) {
	if err := m.limiter.Wait(ctx); err != nil {
		m.release(address)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.connectTimeout)
	conn, remoteID, err := m.dial(dctx, address)
	cancel()
	if err != nil {
		m.release(address)
		m.metrics.DialFailures.Add(1)
		slog.Warn("peer dial failed", "peer", address, "error", err)
		return
	}

	p := newPeerConn(address, remoteID, true, conn, m.cfg.sendBuffer)

	m.mu.Lock()
	delete(m.connecting, address)
	if m.closing {
		m.mu.Unlock()
		p.close(websocket.StatusGoingAway, "shutting down")
		return
	}
	m.live[address] = p
	m.wg.Add(2)
	m.mu.Unlock()

	m.metrics.PeerConnects.Add(1)
	slog.Info("peer connected", "direction", "outbound", "peer", address, "node", remoteID)

	go m.writeLoop(p)
	go m.readLoop(p)
}

// serveInbound runs the read loop for an accepted connection until it
// closes. Called from the HTTP handler goroutine.
func (m *peerManager) serveInbound(conn meshConn, remoteAddr, remoteID string) {
	p := newPeerConn(remoteAddr, remoteID, false, conn, 0)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		p.close(websocket.StatusGoingAway, "shutting down")
		return
	}
	m.inbound[p] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.PeerConnects.Add(1)
	slog.Info("peer connected", "direction", "inbound", "peer", remoteAddr, "node", remoteID)
	m.readLoop(p)
}

// onDisconnected removes p from the maps. A live entry is only removed if
// it still refers to p, so a late close never evicts a replacement.
func (m *peerManager) onDisconnected(p *peerConn) {
	m.mu.Lock()
	if p.outbound {
		if m.live[p.address] == p {
			delete(m.live, p.address)
		}
	} else {
		delete(m.inbound, p)
	}
	m.mu.Unlock()

	m.metrics.PeerDisconnects.Add(1)
	slog.Info("peer disconnected", "peer", p.address, "node", p.nodeID, "outbound", p.outbound)
}

func (m *peerManager) writeLoop(p *peerConn) {
	defer m.wg.Done()

	for {
		var frame []byte
		// Fast path: frame already queued.
		select {
		case frame = <-p.sendCh:
		default:
			select {
			case frame = <-p.sendCh:
			case <-p.closed:
				return
			}
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.writeTimeout)
		err := p.conn.Write(ctx, websocket.MessageBinary, frame)
		cancel()
		if err != nil {
			slog.Warn("peer write failed", "peer", p.address, "error", err)
			p.close(websocket.StatusInternalError, "write failed")
			return
		}
		m.metrics.FramesSent.Add(1)
	}
}

func (m *peerManager) readLoop(p *peerConn) {
	defer m.wg.Done()
	defer m.onDisconnected(p)

	for {
		typ, data, err := p.conn.Read(m.ctx)
		if err != nil {
			select {
			case <-p.closed:
			case <-m.ctx.Done():
			default:
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
					slog.Debug("peer closed connection", "peer", p.address)
				} else if !errors.Is(err, context.Canceled) {
					slog.Warn("peer read failed", "peer", p.address, "error", err)
				}
			}
			p.close(websocket.StatusNormalClosure, "")
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		m.metrics.FramesReceived.Add(1)
		m.onFrame(data)
	}
}

// broadcast hands frame to every live outbound peer without blocking. A
// peer whose queue is full misses this frame; other peers are unaffected.
// It returns the number of peers the frame was queued for.
func (m *peerManager) broadcast(frame []byte) int {
	m.mu.Lock()
	peers := make([]*peerConn, 0, len(m.live))
	for _, p := range m.live {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	n := 0
	for _, p := range peers {
		select {
		case p.sendCh <- frame:
			n++
		default:
			m.metrics.FramesDropped.Add(1)
			m.dropLog.Do(func() {
				slog.Warn("peer send queue full, dropping frame", "peer", p.address)
			})
		}
	}
	return n
}

// liveAddresses returns the addresses with an open outbound connection.
func (m *peerManager) liveAddresses() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.live))
	for a := range m.live {
		out = append(out, a)
	}
	m.mu.Unlock()
	slices.Sort(out)
	return out
}

func (m *peerManager) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *peerManager) peers() []PeerInfo {
	m.mu.Lock()
	out := make([]PeerInfo, 0, len(m.live)+len(m.inbound))
	for _, p := range m.live {
		out = append(out, PeerInfo{
			Address:     p.address,
			NodeID:      p.nodeID,
			Direction:   "outbound",
			ConnectedAt: p.connectedAt,
			Queued:      len(p.sendCh),
		})
	}
	for p := range m.inbound {
		out = append(out, PeerInfo{
			Address:     p.address,
			NodeID:      p.nodeID,
			Direction:   "inbound",
			ConnectedAt: p.connectedAt,
		})
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b PeerInfo) int {
		if a.Direction != b.Direction {
			if a.Direction == "outbound" {
				return -1
			}
			return 1
		}
		if a.Address < b.Address {
			return -1
		}
		if a.Address > b.Address {
			return 1
		}
		return 0
	})
	return out
}

// close shuts every connection and waits for the peer goroutines to exit.
func (m *peerManager) close() {
	m.mu.Lock()
	m.closing = true
	all := make([]*peerConn, 0, len(m.live)+len(m.inbound))
	for _, p := range m.live {
		all = append(all, p)
	}
	for p := range m.inbound {
		all = append(all, p)
	}
	m.mu.Unlock()

	for _, p := range all {
		p.close(websocket.StatusGoingAway, "shutting down")
	}
	m.cancel()
	m.wg.Wait()
}
