package eventmesh

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultListenAddr = ":7400"
	DefaultPath       = "/_mesh/events"

	// Subprotocol is negotiated on every mesh websocket.
	Subprotocol = "eventmesh.v1"

	// NodeHeader carries the node id of each side during the handshake.
	NodeHeader = "X-Eventmesh-Node"
)

type Option func(*transportConfig)

type transportConfig struct {
	listenAddr    string
	advertiseAddr string
	path          string

	reconcileInterval time.Duration
	initialDelay      time.Duration
	connectTimeout    time.Duration // per dial
	writeTimeout      time.Duration // per frame

	sendBuffer   int   // per-peer frame queue
	maxFrameSize int64 // websocket read limit

	maxConcurrentDials int
	dialRate           rate.Limit
	dialBurst          int

	metrics *Metrics

	// Test hooks (nil in production).
	dial dialFunc
}

func defaultTransportConfig() transportConfig {
	return transportConfig{
		listenAddr:         DefaultListenAddr,
		path:               DefaultPath,
		reconcileInterval:  30 * time.Second,
		initialDelay:       1 * time.Second,
		connectTimeout:     5 * time.Second,
		writeTimeout:       5 * time.Second,
		sendBuffer:         1024,
		maxFrameSize:       16 << 20,
		maxConcurrentDials: 8,
		dialRate:           20,
		dialBurst:          8,
	}
}

func WithListenAddr(addr string) Option {
	return func(c *transportConfig) {
		c.listenAddr = addr
	}
}

// WithAdvertiseAddr sets the address other nodes dial to reach this
// transport. Reconcile never dials it. A zero port is replaced by the port
// the listener bound.
func WithAdvertiseAddr(addr string) Option {
	return func(c *transportConfig) {
		c.advertiseAddr = addr
	}
}

func WithPath(path string) Option {
	return func(c *transportConfig) {
		c.path = path
	}
}

// WithReconcileInterval sets how often the peer set is re-read from the
// directory and missing peers are dialed. Default: 30s.
func WithReconcileInterval(d time.Duration) Option {
	return func(c *transportConfig) {
		c.reconcileInterval = d
	}
}

// WithInitialDelay sets the delay between a successful bind and the first
// reconcile. Default: 1s.
func WithInitialDelay(d time.Duration) Option {
	return func(c *transportConfig) {
		c.initialDelay = d
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *transportConfig) {
		c.connectTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *transportConfig) {
		c.writeTimeout = d
	}
}

// WithSendBuffer sets the per-peer outbound queue length. Frames for a peer
// whose queue is full are dropped. Default: 1024.
func WithSendBuffer(n int) Option {
	return func(c *transportConfig) {
		c.sendBuffer = n
	}
}

func WithMaxFrameSize(n int64) Option {
	return func(c *transportConfig) {
		c.maxFrameSize = n
	}
}

// WithDialLimits bounds reconnect storms: at most concurrent dials in
// flight, started at no more than perSecond with the given burst.
func WithDialLimits(concurrent int, perSecond float64, burst int) Option {
	return func(c *transportConfig) {
		c.maxConcurrentDials = concurrent
		c.dialRate = rate.Limit(perSecond)
		c.dialBurst = burst
	}
}

// WithMetrics shares m with the transport. Without it the transport
// creates its own.
func WithMetrics(m *Metrics) Option {
	return func(c *transportConfig) {
		c.metrics = m
	}
}

// withDialFunc replaces the websocket dialer. Test-only.
func withDialFunc(fn dialFunc) Option {
	return func(c *transportConfig) {
		c.dial = fn
	}
}
