// loadtest runs several in-process nodes connected as a full mesh and
// publishes events to a set of topics as fast as the workers allow.
//
// Run:  go run ./cmd/loadtest --profile medium --nodes 3
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/ironfang-ltd/go-eventmesh"
)

type profile struct {
	name        string
	topics      int
	workers     int
	payload     int
	queueSize   int
	sendBuffer  int
	memLimitGiB int64
}

var profiles = map[string]profile{
	"small": {
		name:        "small",
		topics:      10,
		workers:     4,
		payload:     64,
		queueSize:   4096,
		sendBuffer:  1024,
		memLimitGiB: 2,
	},
	"medium": {
		name:        "medium",
		topics:      100,
		workers:     16,
		payload:     256,
		queueSize:   8192,
		sendBuffer:  4096,
		memLimitGiB: 2,
	},
	"large": {
		name:        "large",
		topics:      1_000,
		workers:     64,
		payload:     1024,
		queueSize:   16384,
		sendBuffer:  8192,
		memLimitGiB: 4,
	},
}

type tick struct {
	Seq  int64  `json:"seq"`
	Body []byte `json:"body"`
}

type nodeEntry struct {
	node      *eventmesh.Node
	topics    []*eventmesh.Topic
	delivered atomic.Int64
}

func main() {
	profileName := pflag.String("profile", "small", "preset profile: small, medium, large")
	nodeCount := pflag.Int("nodes", 3, "number of nodes")
	topicsFlag := pflag.Int("topics", 0, "topic count (overrides profile)")
	workersFlag := pflag.Int("workers", 0, "publishers per node (overrides profile)")
	duration := pflag.Duration("duration", 30*time.Second, "test duration")
	memlimit := pflag.Int64("memlimit", -1, "GOMEMLIMIT in GiB (0=disabled, -1=from profile)")
	adminBase := pflag.Int("admin-port", 0, "first admin port (0 = no admin servers)")
	logLevel := pflag.String("log-level", "warn", "log level")
	pflag.Parse()

	level, err := eventmesh.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	eventmesh.InitLogger(level)

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large)\n", *profileName)
		os.Exit(1)
	}
	if *topicsFlag > 0 {
		p.topics = *topicsFlag
	}
	if *workersFlag > 0 {
		p.workers = *workersFlag
	}
	if *memlimit >= 0 {
		p.memLimitGiB = *memlimit
	}

	gcInfo := "GOGC=default"
	if p.memLimitGiB > 0 {
		debug.SetMemoryLimit(p.memLimitGiB * 1024 * 1024 * 1024)
		debug.SetGCPercent(-1)
		gcInfo = fmt.Sprintf("GOGC=off  GOMEMLIMIT=%dGiB", p.memLimitGiB)
	}

	fmt.Printf("go-eventmesh load test\n")
	fmt.Printf("  profile:  %s\n", p.name)
	fmt.Printf("  nodes:    %d\n", *nodeCount)
	fmt.Printf("  topics:   %d\n", p.topics)
	fmt.Printf("  workers:  %d per node\n", p.workers)
	fmt.Printf("  payload:  %d bytes\n", p.payload)
	fmt.Printf("  duration: %s\n", *duration)
	fmt.Printf("  GC:       %s\n", gcInfo)
	fmt.Println()

	nodes := setupMesh(p, *nodeCount, *adminBase)

	stop := make(chan struct{})
	start := time.Now()
	cpuStart := processCPUTime()

	var wg sync.WaitGroup
	var published, publishErrors atomic.Int64
	var seq atomic.Int64
	body := make([]byte, p.payload)

	for _, ne := range nodes {
		for range p.workers {
			wg.Add(1)
			go func(ne *nodeEntry) {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					t := ne.topics[rand.IntN(len(ne.topics))]
					if err := t.SendEvent(tick{Seq: seq.Add(1), Body: body}); err != nil {
						publishErrors.Add(1)
						continue
					}
					published.Add(1)
				}
			}(ne)
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			printProgress(nodes, time.Since(start).Truncate(time.Second))
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	ticker.Stop()

	// Let in-flight frames land before stopping.
	time.Sleep(time.Second)
	elapsed := time.Since(start)
	cpu := processCPUTime() - cpuStart

	fmt.Printf("\n--- stopping nodes ---\n")
	var stopWg sync.WaitGroup
	for _, ne := range nodes {
		stopWg.Add(1)
		go func(n *eventmesh.Node) {
			defer stopWg.Done()
			n.Stop()
		}(ne.node)
	}
	stopWg.Wait()

	var delivered int64
	for _, ne := range nodes {
		delivered += ne.delivered.Load()
	}
	expected := published.Load() * int64(len(nodes))

	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:        %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  CPU time:        %s\n", cpu.Truncate(time.Millisecond))
	fmt.Printf("  Published:       %d\n", published.Load())
	fmt.Printf("  Publish errors:  %d\n", publishErrors.Load())
	fmt.Printf("  Delivered:       %d of %d expected\n", delivered, expected)
	if expected > 0 {
		fmt.Printf("  Delivery ratio:  %.4f\n", float64(delivered)/float64(expected))
	}
	fmt.Printf("  Publish rate:    %.0f/s\n\n", float64(published.Load())/elapsed.Seconds())

	printProgress(nodes, elapsed.Truncate(time.Second))
	os.Exit(0)
}

// setupMesh starts n nodes on loopback ports and points every static
// directory at every node, the local one included.
func setupMesh(p profile, n, adminBase int) []*nodeEntry {
	ctx := context.Background()
	nodes := make([]*nodeEntry, n)
	dirs := make([]*eventmesh.StaticDirectory, n)
	addrs := make([]string, n)

	for i := range n {
		nodeID := fmt.Sprintf("node-%d", i+1)
		cfg := eventmesh.DefaultConfig()
		cfg.NodeID = nodeID
		cfg.Mesh.Listen = "127.0.0.1:0"
		cfg.Mesh.SendBuffer = p.sendBuffer
		cfg.Mesh.InitialDelay = 100 * time.Millisecond
		cfg.Mesh.ReconcileInterval = 2 * time.Second
		cfg.Service.QueueSize = p.queueSize
		if adminBase > 0 {
			cfg.Admin.Addr = "127.0.0.1:" + strconv.Itoa(adminBase+i)
		}

		dirs[i] = eventmesh.NewStaticDirectory(nodeID)
		node, err := eventmesh.NewNode(cfg, eventmesh.WithDirectory(dirs[i]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "node error: %v\n", err)
			os.Exit(1)
		}
		if err := node.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "node start error: %v\n", err)
			os.Exit(1)
		}
		addrs[i] = node.Transport().(*eventmesh.MeshTransport).Addr()

		ne := &nodeEntry{node: node}
		counter := eventmesh.HandlerFor(func(tick) error {
			ne.delivered.Add(1)
			return nil
		})
		for t := range p.topics {
			b, err := node.Service().GetTopic("load." + strconv.Itoa(t))
			if err != nil {
				fmt.Fprintf(os.Stderr, "topic error: %v\n", err)
				os.Exit(1)
			}
			topic, err := eventmesh.AddJSON[tick](b).Build()
			if err != nil {
				fmt.Fprintf(os.Stderr, "topic error: %v\n", err)
				os.Exit(1)
			}
			if err := topic.Register(counter); err != nil {
				fmt.Fprintf(os.Stderr, "register error: %v\n", err)
				os.Exit(1)
			}
			ne.topics = append(ne.topics, topic)
		}
		nodes[i] = ne
	}

	for _, d := range dirs {
		d.SetMembers(addrs...)
	}
	for _, ne := range nodes {
		if err := ne.node.Transport().(*eventmesh.MeshTransport).Reconcile(ctx); err != nil {
			slog.Warn("initial reconcile failed", "node", ne.node.NodeID(), "error", err)
		}
	}
	fmt.Printf("%d nodes connected\n\n", n)
	return nodes
}

func printProgress(nodes []*nodeEntry, elapsed time.Duration) {
	secs := elapsed.Seconds()
	fmt.Printf("[%s]\n", elapsed)
	fmt.Printf("  %-8s %10s %10s %10s %10s %10s %10s %6s %10s\n",
		"NODE", "QUEUED", "DROPPED", "F_SENT", "F_RECV", "F_DROP", "DELIVERED", "PEERS", "EPS")
	for _, ne := range nodes {
		s := ne.node.Metrics().Snapshot()
		eps := float64(0)
		if secs > 0 {
			eps = float64(s["events_delivered"]) / secs
		}
		fmt.Printf("  %-8s %10d %10d %10d %10d %10d %10d %6d %10.0f\n",
			ne.node.NodeID(),
			s["events_queued"],
			s["events_dropped"],
			s["frames_sent"],
			s["frames_received"],
			s["frames_dropped"],
			s["events_delivered"],
			s["live_peers"],
			eps,
		)
	}
	fmt.Println()
}
