package eventmesh

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// lifecycle is implemented by directories and transports with background
// work.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop()
}

// addressSetter is implemented by directories that publish this node's
// address to other hosts, so it can be filled in once the listener is
// bound.
type addressSetter interface {
	setAddress(addr string)
}

func (d *PostgresDirectory) setAddress(addr string) { d.config.Address = addr }
func (d *RedisDirectory) setAddress(addr string)    { d.config.Address = addr }

type NodeOption func(*nodeOptions)

type nodeOptions struct {
	directory     Directory
	transportOpts []Option
	serviceOpts   []ServiceOption
}

// WithDirectory uses d instead of the directory described by Config. The
// node takes its id from d.
func WithDirectory(d Directory) NodeOption {
	return func(o *nodeOptions) {
		o.directory = d
	}
}

// WithTransportOptions appends mesh transport options after those derived
// from Config.
func WithTransportOptions(opts ...Option) NodeOption {
	return func(o *nodeOptions) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

func WithServiceOptions(opts ...ServiceOption) NodeOption {
	return func(o *nodeOptions) {
		o.serviceOpts = append(o.serviceOpts, opts...)
	}
}

// Node wires a Directory, a Transport, an EventService and the optional
// admin server for one process.
type Node struct {
	config  Config
	nodeID  string
	metrics *Metrics

	directory Directory
	transport Transport
	service   *EventService
	admin     *AdminServer

	db  *sql.DB       // owned, postgres directory only
	rdb *redis.Client // owned, redis directory only

	started    atomic.Bool
	dirStarted atomic.Bool // directory registered; Stop must deregister
	stopOnce   sync.Once
}

// NewNode builds every component described by cfg. Nothing listens or
// registers until Start.
func NewNode(cfg Config, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		config:  cfg,
		nodeID:  cfg.NodeID,
		metrics: NewMetrics(),
	}
	if n.nodeID == "" {
		n.nodeID = uuid.NewString()
	}

	if o.directory != nil {
		n.directory = o.directory
		n.nodeID = o.directory.LocalNodeID()
	} else if err := n.buildDirectory(); err != nil {
		n.closeClients()
		return nil, err
	}

	if err := n.buildTransport(o.transportOpts); err != nil {
		n.closeClients()
		return nil, err
	}

	serviceOpts := []ServiceOption{WithServiceMetrics(n.metrics)}
	if cfg.Service.QueueSize > 0 {
		serviceOpts = append(serviceOpts, WithQueueSize(cfg.Service.QueueSize))
	}
	if cfg.Service.FailureLogSize > 0 {
		serviceOpts = append(serviceOpts, WithFailureLogSize(cfg.Service.FailureLogSize))
	}
	svc, err := NewEventService(n.nodeID, n.transport, append(serviceOpts, o.serviceOpts...)...)
	if err != nil {
		n.closeClients()
		return nil, err
	}
	n.service = svc
	return n, nil
}

func (n *Node) buildDirectory() error {
	dc := n.config.Directory
	switch dc.Kind {
	case "postgres":
		db, err := sql.Open("pgx", dc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		n.db = db
		n.directory = NewPostgresDirectory(db, PostgresDirectoryConfig{
			NodeID:        n.nodeID,
			Address:       n.config.advertiseAddr(),
			LeaseDuration: dc.LeaseDuration,
		})
	case "redis":
		n.rdb = redis.NewClient(&redis.Options{
			Addr:     dc.RedisAddr,
			Password: dc.RedisPassword,
			DB:       dc.RedisDB,
		})
		n.directory = NewRedisDirectory(n.rdb, RedisDirectoryConfig{
			NodeID:        n.nodeID,
			Address:       n.config.advertiseAddr(),
			Prefix:        dc.Prefix,
			LeaseDuration: dc.LeaseDuration,
		})
	default:
		n.directory = NewStaticDirectory(n.nodeID, dc.Members...)
	}
	return nil
}

func (n *Node) buildTransport(extra []Option) error {
	switch n.config.Transport {
	case "kafka":
		kc := n.config.Kafka
		t, err := NewKafkaTransport(n.nodeID, KafkaTransportConfig{
			Brokers:     kc.Brokers,
			Topic:       kc.Topic,
			GroupPrefix: kc.GroupPrefix,
			Metrics:     n.metrics,
		})
		if err != nil {
			return err
		}
		n.transport = t
	default:
		opts := append([]Option{WithMetrics(n.metrics)}, n.config.transportOptions()...)
		t, err := NewMeshTransport(n.directory, append(opts, extra...)...)
		if err != nil {
			return err
		}
		n.transport = t
	}
	return nil
}

// Start binds the transport, registers the node in its directory and
// starts the admin server. On error every component started so far is
// stopped again.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: node already started", ErrIllegalState)
	}

	if n.db != nil && n.config.Directory.Migrate {
		if err := MigrateSchema(ctx, n.db); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	tl, _ := n.transport.(lifecycle)
	if tl != nil {
		if err := tl.Start(ctx); err != nil {
			return err
		}
	}

	if as, ok := n.directory.(addressSetter); ok {
		if mt, ok := n.transport.(*MeshTransport); ok {
			addr := mt.AdvertiseAddr()
			if addr == "" {
				tl.Stop()
				return fmt.Errorf("%w: listener %s has no routable host, set mesh.advertise", ErrInvalidArgument, mt.Addr())
			}
			as.setAddress(addr)
		}
	}
	dl, _ := n.directory.(lifecycle)
	if dl != nil {
		if err := dl.Start(ctx); err != nil {
			if tl != nil {
				tl.Stop()
			}
			return err
		}
		n.dirStarted.Store(true)
	}

	if n.config.Admin.Addr != "" {
		as, err := NewAdminServer(n, n.config.Admin.Addr)
		if err != nil {
			slog.Error("admin server failed to start", "error", err)
		} else {
			n.admin = as
			as.Start()
		}
	}

	slog.Info("node started", "node", n.nodeID, "transport", n.config.Transport, "directory", fmt.Sprintf("%T", n.directory))
	return nil
}

// Stop disposes the service (flushing queued events), then stops the
// admin server, transport and directory. Safe to call multiple times.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		slog.Info("node stopping", "node", n.nodeID)

		n.service.Dispose()
		if n.admin != nil {
			n.admin.Stop()
		}
		if tl, ok := n.transport.(lifecycle); ok {
			tl.Stop()
		}
		if n.dirStarted.Load() {
			if dl, ok := n.directory.(lifecycle); ok {
				dl.Stop()
			}
		}
		n.closeClients()
	})
}

func (n *Node) closeClients() {
	if n.db != nil {
		n.db.Close()
	}
	if n.rdb != nil {
		n.rdb.Close()
	}
}

func (n *Node) NodeID() string         { return n.nodeID }
func (n *Node) Service() *EventService { return n.service }
func (n *Node) Transport() Transport   { return n.transport }
func (n *Node) Directory() Directory   { return n.directory }
func (n *Node) Metrics() *Metrics      { return n.metrics }
func (n *Node) Config() Config         { return n.config }

// AdminAddr returns the admin server address, or "" when disabled.
func (n *Node) AdminAddr() string {
	if n.admin == nil {
		return ""
	}
	return n.admin.Addr()
}
