// eventmesh-node runs a single mesh node from a YAML file, EVENTMESH_*
// environment variables and command-line flags, in that order of
// precedence (flags win).
//
// Subscribed topics print every string event to stdout. With --publish,
// each line read from stdin is sent as a string event.
//
//	eventmesh-node --node-id a --listen :7400 --members host-b:7400 \
//	    --subscribe orders --publish orders
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ironfang-ltd/go-eventmesh"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "eventmesh-node:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("eventmesh-node", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "YAML config file")
	nodeID := flags.String("node-id", "", "node id (default: random)")
	listen := flags.String("listen", "", "mesh listen address")
	advertise := flags.String("advertise", "", "address published to the directory")
	members := flags.StringSlice("members", nil, "static directory members (host:port)")
	transport := flags.String("transport", "", "mesh or kafka")
	adminAddr := flags.String("admin", "", "admin HTTP address")
	logLevel := flags.String("log-level", "", "trace, debug, info, warn or error")
	subscribe := flags.StringSlice("subscribe", nil, "topics to print")
	publish := flags.String("publish", "", "topic to publish stdin lines to")
	flags.Parse(os.Args[1:])

	cfg := eventmesh.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = eventmesh.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	applyFlag(flags, "node-id", &cfg.NodeID, *nodeID)
	applyFlag(flags, "listen", &cfg.Mesh.Listen, *listen)
	applyFlag(flags, "advertise", &cfg.Mesh.Advertise, *advertise)
	applyFlag(flags, "transport", &cfg.Transport, *transport)
	applyFlag(flags, "admin", &cfg.Admin.Addr, *adminAddr)
	applyFlag(flags, "log-level", &cfg.LogLevel, *logLevel)
	if flags.Changed("members") {
		cfg.Directory.Members = *members
	}

	level, err := eventmesh.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	eventmesh.InitLogger(level)

	node, err := eventmesh.NewNode(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Stop()

	for _, id := range *subscribe {
		topic, err := buildTopic(node, id)
		if err != nil {
			return err
		}
		printer := eventmesh.HandlerFor(func(s string) error {
			fmt.Printf("[%s] %s\n", id, s)
			return nil
		})
		if err := topic.Register(printer); err != nil {
			return err
		}
	}

	if *publish != "" {
		topic, err := buildTopic(node, *publish)
		if err != nil {
			return err
		}
		go publishLines(topic, stop)
	}

	slog.Info("node running", "node", node.NodeID(), "admin", node.AdminAddr())
	<-ctx.Done()
	return nil
}

func applyFlag(flags *pflag.FlagSet, name string, dst *string, v string) {
	if flags.Changed(name) {
		*dst = v
	}
}

func buildTopic(node *eventmesh.Node, id string) (*eventmesh.Topic, error) {
	b, err := node.Service().GetTopic(id)
	if err != nil {
		return nil, err
	}
	return b.Build()
}

// publishLines sends each stdin line and calls done at EOF.
func publishLines(topic *eventmesh.Topic, done func()) {
	defer done()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := topic.SendEvent(scanner.Text()); err != nil {
			slog.Error("publish failed", "topic", topic.ID(), "error", err)
			return
		}
	}
}
