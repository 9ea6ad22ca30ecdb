// mesh-demo starts two nodes on localhost, connects them and shows an
// event published on one node reaching handlers on both.
//
// Run:  go run ./cmd/mesh-demo
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ironfang-ltd/go-eventmesh"
)

type orderPlaced struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

func startNode(ctx context.Context, id string) (*eventmesh.Node, *eventmesh.StaticDirectory) {
	cfg := eventmesh.DefaultConfig()
	cfg.Mesh.Listen = "127.0.0.1:0"
	cfg.Mesh.InitialDelay = time.Hour
	dir := eventmesh.NewStaticDirectory(id)

	n, err := eventmesh.NewNode(cfg, eventmesh.WithDirectory(dir))
	if err != nil {
		log.Fatalf("NewNode %s: %v", id, err)
	}
	if err := n.Start(ctx); err != nil {
		log.Fatalf("Start %s: %v", id, err)
	}
	return n, dir
}

func ordersTopic(n *eventmesh.Node, received chan<- string) *eventmesh.Topic {
	b, err := n.Service().GetTopic("orders")
	if err != nil {
		log.Fatalf("GetTopic: %v", err)
	}
	topic, err := eventmesh.AddJSON[orderPlaced](b).Build()
	if err != nil {
		log.Fatalf("Build: %v", err)
	}

	nodeID := n.NodeID()
	onString := eventmesh.HandlerFor(func(s string) error {
		fmt.Printf("[%s] string event: %q\n", nodeID, s)
		received <- nodeID
		return nil
	})
	onOrder := eventmesh.HandlerFor(func(o orderPlaced) error {
		fmt.Printf("[%s] order placed: %s (%.2f)\n", nodeID, o.OrderID, o.Amount)
		received <- nodeID
		return nil
	})
	if err := topic.Register(onString); err != nil {
		log.Fatalf("Register: %v", err)
	}
	if err := topic.Register(onOrder); err != nil {
		log.Fatalf("Register: %v", err)
	}
	return topic
}

func main() {
	ctx := context.Background()

	a, dirA := startNode(ctx, "node-a")
	defer a.Stop()
	b, dirB := startNode(ctx, "node-b")
	defer b.Stop()

	mtA := a.Transport().(*eventmesh.MeshTransport)
	mtB := b.Transport().(*eventmesh.MeshTransport)
	fmt.Printf("node-a listening on %s\n", mtA.Addr())
	fmt.Printf("node-b listening on %s\n", mtB.Addr())

	dirA.SetMembers(mtB.Addr())
	dirB.SetMembers(mtA.Addr())
	if err := mtA.Reconcile(ctx); err != nil {
		log.Fatalf("reconcile a: %v", err)
	}
	if err := mtB.Reconcile(ctx); err != nil {
		log.Fatalf("reconcile b: %v", err)
	}
	fmt.Printf("node-a peers: %v\n", mtA.LivePeers())
	fmt.Printf("node-b peers: %v\n", mtB.LivePeers())

	received := make(chan string, 8)
	topicA := ordersTopic(a, received)
	ordersTopic(b, received)

	fmt.Println("\n--- node-a publishes \"hello\" and an order on topic orders ---")
	if err := topicA.SendEvent("hello"); err != nil {
		log.Fatalf("SendEvent: %v", err)
	}
	if err := topicA.SendEvent(orderPlaced{OrderID: "o-1", Amount: 42.5}); err != nil {
		log.Fatalf("SendEvent: %v", err)
	}

	counts := map[string]int{}
	timeout := time.After(3 * time.Second)
	for counts["node-a"]+counts["node-b"] < 4 {
		select {
		case id := <-received:
			counts[id]++
		case <-timeout:
			log.Fatalf("timeout: deliveries so far %v", counts)
		}
	}

	fmt.Println("\n--- Delivery check ---")
	if counts["node-a"] == 2 && counts["node-b"] == 2 {
		fmt.Println("OK: both nodes handled both events exactly once.")
	} else {
		fmt.Printf("FAIL: unexpected deliveries %v\n", counts)
	}
	fmt.Println("\nDemo complete.")
}
