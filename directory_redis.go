package eventmesh

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewLockScript extends the identity lock only while it is still held by
// this process.
// KEYS[1] = lock key
// ARGV[1] = owner token
// ARGV[2] = lease (ms)
var renewLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseLockScript deletes the identity lock if this process owns it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDirectoryConfig configures a RedisDirectory.
type RedisDirectoryConfig struct {
	NodeID  string
	Address string

	// Prefix namespaces every key. Default "eventmesh:".
	Prefix string
	// LeaseDuration is how long a node stays listed without a heartbeat.
	// Default 20s; heartbeats run every LeaseDuration/3.
	LeaseDuration time.Duration
}

func (c *RedisDirectoryConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "eventmesh:"
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 20 * time.Second
	}
}

// RedisDirectory keeps membership in two keys: a hash of node id to address
// and a sorted set of node id scored by lease expiry (unix ms). A per-node
// lock key with a random owner token rejects a second process claiming the
// same node id.
type RedisDirectory struct {
	rdb    redis.UniversalClient
	config RedisDirectoryConfig
	token  string

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewRedisDirectory(rdb redis.UniversalClient, config RedisDirectoryConfig) *RedisDirectory {
	config.applyDefaults()
	return &RedisDirectory{
		rdb:    rdb,
		config: config,
		token:  uuid.NewString(),
		done:   make(chan struct{}),
	}
}

func (d *RedisDirectory) nodesKey() string  { return d.config.Prefix + "nodes" }
func (d *RedisDirectory) leasesKey() string { return d.config.Prefix + "leases" }
func (d *RedisDirectory) lockKey() string   { return d.config.Prefix + "lock:" + d.config.NodeID }

func (d *RedisDirectory) LocalNodeID() string { return d.config.NodeID }

// Start claims the node id, publishes this node and launches the heartbeat.
func (d *RedisDirectory) Start(ctx context.Context) error {
	ok, err := d.rdb.SetNX(ctx, d.lockKey(), d.token, d.config.LeaseDuration).Result()
	if err != nil {
		return fmt.Errorf("directory lock: %w", err)
	}
	if !ok {
		return ErrNodeIDConflict
	}
	if err := d.heartbeat(ctx); err != nil {
		releaseLockScript.Run(ctx, d.rdb, []string{d.lockKey()}, d.token)
		return fmt.Errorf("directory register: %w", err)
	}

	d.wg.Add(1)
	go d.heartbeatLoop()

	slog.Info("redis directory started", "node", d.config.NodeID, "prefix", d.config.Prefix)
	return nil
}

// Stop ends the heartbeat and removes this node. Safe to call multiple times.
func (d *RedisDirectory) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, d.leasesKey(), d.config.NodeID)
			p.HDel(ctx, d.nodesKey(), d.config.NodeID)
			return nil
		})
		if err != nil {
			slog.Warn("directory deregister failed", "node", d.config.NodeID, "error", err)
		}
		releaseLockScript.Run(ctx, d.rdb, []string{d.lockKey()}, d.token)

		slog.Info("redis directory stopped", "node", d.config.NodeID)
	})
}

func (d *RedisDirectory) heartbeat(ctx context.Context) error {
	lease := d.config.LeaseDuration
	n, err := renewLockScript.Run(ctx, d.rdb, []string{d.lockKey()}, d.token, lease.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lease renewal: lock for node %s lost (fenced)", d.config.NodeID)
	}

	expiry := time.Now().Add(lease).UnixMilli()
	_, err = d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, d.nodesKey(), d.config.NodeID, d.config.Address)
		p.ZAdd(ctx, d.leasesKey(), redis.Z{Score: float64(expiry), Member: d.config.NodeID})
		return nil
	})
	return err
}

func (d *RedisDirectory) heartbeatLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.config.LeaseDuration/3)
			err := d.heartbeat(ctx)
			cancel()
			if err != nil {
				slog.Error("directory heartbeat failed", "node", d.config.NodeID, "error", err)
			}
		}
	}
}

// Members prunes expired leases and returns the addresses of the live
// nodes, sorted.
func (d *RedisDirectory) Members(ctx context.Context) ([]string, error) {
	nodes, err := d.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Address)
	}
	slices.Sort(out)
	return out, nil
}

// Nodes returns every node with a live lease.
func (d *RedisDirectory) Nodes(ctx context.Context) ([]NodeInfo, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	expired, err := d.rdb.ZRangeByScore(ctx, d.leasesKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return nil, fmt.Errorf("directory prune: %w", err)
	}
	if len(expired) > 0 {
		_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRemRangeByScore(ctx, d.leasesKey(), "-inf", now)
			p.HDel(ctx, d.nodesKey(), expired...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("directory prune: %w", err)
		}
	}

	live, err := d.rdb.ZRangeByScoreWithScores(ctx, d.leasesKey(), &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("directory query: %w", err)
	}
	if len(live) == 0 {
		return nil, nil
	}

	ids := make([]string, len(live))
	for i, z := range live {
		ids[i] = z.Member.(string)
	}
	addrs, err := d.rdb.HMGet(ctx, d.nodesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("directory query: %w", err)
	}

	nodes := make([]NodeInfo, 0, len(ids))
	for i, id := range ids {
		addr, _ := addrs[i].(string)
		if addr == "" {
			continue
		}
		nodes = append(nodes, NodeInfo{
			NodeID:      id,
			Address:     addr,
			LeaseExpiry: time.UnixMilli(int64(live[i].Score)),
		})
	}
	slices.SortFunc(nodes, func(a, b NodeInfo) int {
		if a.NodeID < b.NodeID {
			return -1
		}
		if a.NodeID > b.NodeID {
			return 1
		}
		return 0
	})
	return nodes, nil
}
