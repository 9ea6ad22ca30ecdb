package eventmesh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNodeIDConflict is returned by Start when another process already holds
// the same node id.
var ErrNodeIDConflict = errors.New("node ID conflict: another process holds this identity")

// PostgresDirectoryConfig configures a PostgresDirectory.
type PostgresDirectoryConfig struct {
	NodeID  string
	Address string // advertised mesh address of this node

	// LeaseDuration is the Postgres-side lease length. Default 20s.
	LeaseDuration time.Duration
}

func (c *PostgresDirectoryConfig) applyDefaults() {
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 20 * time.Second
	}
}

// NodeInfo describes a live node as stored in a directory backend.
type NodeInfo struct {
	NodeID      string    `json:"node_id"`
	Address     string    `json:"address"`
	Epoch       int64     `json:"epoch,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry"`
}

// SQLDB abstracts database operations for testability. *sql.DB satisfies
// this interface natively.
type SQLDB interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Conn(ctx context.Context) (*sql.Conn, error)
}

// PostgresDirectory registers this node in the mesh_nodes table and lists
// every node holding a live lease. An advisory lock on the node id keeps
// two processes from claiming the same identity; each registration bumps
// the epoch so a stale process cannot renew a lease it lost.
type PostgresDirectory struct {
	db     SQLDB
	config PostgresDirectoryConfig

	mu        sync.RWMutex
	epoch     int64
	pgExpiry  time.Time // lease_expiry from Postgres
	pgNow     time.Time // now() from Postgres at last renewal
	localBase time.Time // time.Now() at last renewal / registration

	advisoryConn    *sql.Conn
	renewalFailures atomic.Int64

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPostgresDirectory creates a directory but does not register the node.
func NewPostgresDirectory(db SQLDB, config PostgresDirectoryConfig) *PostgresDirectory {
	config.applyDefaults()
	return &PostgresDirectory{
		db:     db,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start acquires the advisory lock, registers this node (bumping the
// epoch) and launches lease renewal.
func (d *PostgresDirectory) Start(ctx context.Context) error {
	if err := d.acquireAdvisoryLock(ctx); err != nil {
		return err
	}
	if err := d.register(ctx); err != nil {
		d.releaseAdvisoryLock()
		return fmt.Errorf("directory register: %w", err)
	}

	d.wg.Add(1)
	go d.renewLoop()

	slog.Info("postgres directory started",
		"node", d.config.NodeID,
		"epoch", d.LocalEpoch(),
		"lease", d.RemainingLease().Round(time.Millisecond))
	return nil
}

// Stop ends lease renewal, expires this node's lease and releases the
// advisory lock. Safe to call multiple times.
func (d *PostgresDirectory) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := d.db.ExecContext(ctx,
			`UPDATE mesh_nodes SET lease_expiry = now() WHERE node_id = $1 AND epoch = $2`,
			d.config.NodeID, d.LocalEpoch()); err != nil {
			slog.Warn("directory lease release failed", "node", d.config.NodeID, "error", err)
		}
		d.releaseAdvisoryLock()

		slog.Info("postgres directory stopped", "node", d.config.NodeID)
	})
}

func (d *PostgresDirectory) LocalNodeID() string { return d.config.NodeID }

// LocalEpoch returns the epoch assigned at registration.
func (d *PostgresDirectory) LocalEpoch() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.epoch
}

// RemainingLease returns the estimated time until the lease expires,
// computed from the Postgres lease_expiry and monotonic local time.
func (d *PostgresDirectory) RemainingLease() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	leaseLen := d.pgExpiry.Sub(d.pgNow)
	remaining := leaseLen - time.Since(d.localBase)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ConsecutiveRenewalFailures returns the number of failed renewals since
// the last success.
func (d *PostgresDirectory) ConsecutiveRenewalFailures() int64 {
	return d.renewalFailures.Load()
}

// Members returns the addresses of every node with a live lease, this
// node included.
func (d *PostgresDirectory) Members(ctx context.Context) ([]string, error) {
	nodes, err := d.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Address)
	}
	return out, nil
}

// Nodes returns every node with a live lease, ordered by node id.
func (d *PostgresDirectory) Nodes(ctx context.Context) ([]NodeInfo, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT node_id, address, epoch, lease_expiry
		FROM mesh_nodes
		WHERE lease_expiry > now()
		ORDER BY node_id
	`)
	if err != nil {
		return nil, fmt.Errorf("directory query: %w", err)
	}
	defer rows.Close()

	var nodes []NodeInfo
	for rows.Next() {
		var n NodeInfo
		if err := rows.Scan(&n.NodeID, &n.Address, &n.Epoch, &n.LeaseExpiry); err != nil {
			return nil, fmt.Errorf("directory scan: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// --- advisory lock ---

func (d *PostgresDirectory) acquireAdvisoryLock(ctx context.Context) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("directory advisory conn: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, advisoryLockKey(d.config.NodeID)).Scan(&acquired); err != nil {
		conn.Close()
		return fmt.Errorf("directory advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return ErrNodeIDConflict
	}

	d.advisoryConn = conn
	return nil
}

func (d *PostgresDirectory) releaseAdvisoryLock() {
	if d.advisoryConn == nil {
		return
	}
	// Best-effort unlock; closing the connection also releases session locks.
	d.advisoryConn.ExecContext(context.Background(),
		`SELECT pg_advisory_unlock($1)`, advisoryLockKey(d.config.NodeID))
	d.advisoryConn.Close()
	d.advisoryConn = nil
}

func advisoryLockKey(nodeID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("eventmesh:" + nodeID))
	return int64(h.Sum64())
}

// --- registration + epoch bump ---

func (d *PostgresDirectory) register(ctx context.Context) error {
	var epoch int64
	var leaseExpiry, pgNow time.Time
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO mesh_nodes (node_id, address, epoch, lease_expiry)
		VALUES ($1, $2, 1, now() + make_interval(secs => $3))
		ON CONFLICT (node_id) DO UPDATE
			SET epoch        = mesh_nodes.epoch + 1,
			    address      = EXCLUDED.address,
			    lease_expiry = now() + make_interval(secs => $3)
		RETURNING epoch, lease_expiry, now()
	`, d.config.NodeID, d.config.Address, d.config.LeaseDuration.Seconds()).Scan(&epoch, &leaseExpiry, &pgNow)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.epoch = epoch
	d.pgExpiry = leaseExpiry
	d.pgNow = pgNow
	d.localBase = time.Now()
	d.mu.Unlock()
	return nil
}

// --- lease renewal ---

func (d *PostgresDirectory) renewLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if err := d.renewLease(context.Background()); err != nil {
				slog.Error("directory lease renewal failed",
					"node", d.config.NodeID, "error", err)
			}
		}
	}
}

func (d *PostgresDirectory) renewLease(ctx context.Context) error {
	epoch := d.LocalEpoch()

	var newExpiry, pgNow time.Time
	err := d.db.QueryRowContext(ctx, `
		UPDATE mesh_nodes
		SET lease_expiry = now() + make_interval(secs => $1)
		WHERE node_id = $2 AND epoch = $3
		RETURNING lease_expiry, now()
	`, d.config.LeaseDuration.Seconds(), d.config.NodeID, epoch).Scan(&newExpiry, &pgNow)
	if err != nil {
		d.renewalFailures.Add(1)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lease renewal: epoch mismatch (fenced), node %s epoch %d",
				d.config.NodeID, epoch)
		}
		return err
	}
	d.renewalFailures.Store(0)

	d.mu.Lock()
	d.pgExpiry = newExpiry
	d.pgNow = pgNow
	d.localBase = time.Now()
	d.mu.Unlock()
	return nil
}
