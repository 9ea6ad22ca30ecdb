package eventmesh

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestAdminNode(t *testing.T) *Node {
	t.Helper()
	n, dir := startTestNode(t, "node-a", func(c *Config) {
		c.Admin.Addr = "127.0.0.1:0"
	})
	mt := n.Transport().(*MeshTransport)
	dir.SetMembers(mt.Addr())
	if n.AdminAddr() == "" {
		t.Fatal("admin server not started")
	}
	return n
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s: content-type = %q", url, ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
	return resp.StatusCode
}

func TestAdmin_Status(t *testing.T) {
	n := newTestAdminNode(t)
	topic := buildTopic(t, n.Service(), "orders")
	var got collector[string]
	if err := topic.Register(got.handler()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var body statusResponse
	if code := getJSON(t, "http://"+n.AdminAddr()+"/mesh/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.NodeID != "node-a" {
		t.Errorf("node_id = %q, want node-a", body.NodeID)
	}
	if body.Transport != "mesh" {
		t.Errorf("transport = %q, want mesh", body.Transport)
	}
	if body.ActiveTopics != 1 {
		t.Errorf("active_topics = %d, want 1", body.ActiveTopics)
	}
	if body.ListenAddr == "" {
		t.Error("listen_addr is empty")
	}
	if body.AdvertiseAddr != body.ListenAddr {
		t.Errorf("advertise_addr = %q, want %q", body.AdvertiseAddr, body.ListenAddr)
	}
	if _, ok := body.Metrics["events_queued"]; !ok {
		t.Error("metrics missing events_queued")
	}
}

func TestAdmin_ReconcileAndPeers(t *testing.T) {
	n := newTestAdminNode(t)
	base := "http://" + n.AdminAddr()

	peer, _ := startTestNode(t, "node-b")
	self := n.Transport().(*MeshTransport).Addr()
	other := peer.Transport().(*MeshTransport).Addr()
	n.Directory().(*StaticDirectory).SetMembers(self, other)

	resp, err := http.Post(base+"/mesh/reconcile", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /mesh/reconcile: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status = %d, want 200", resp.StatusCode)
	}

	var members []string
	getJSON(t, base+"/mesh/members", &members)
	if len(members) != 2 {
		t.Errorf("members = %v, want 2 entries", members)
	}

	var peers []PeerInfo
	waitFor(t, func() bool {
		peers = nil
		getJSON(t, base+"/mesh/peers", &peers)
		return len(peers) == 1
	})
	if peers[0].Direction != "outbound" || peers[0].NodeID != "node-b" || peers[0].Address != other {
		t.Errorf("peers[0] = %+v, want outbound connection to node-b", peers[0])
	}
}

func TestAdmin_TopicsAndFailures(t *testing.T) {
	n := newTestAdminNode(t)
	base := "http://" + n.AdminAddr()

	topic := buildTopic(t, n.Service(), "orders")
	boom := HandlerFor(func(string) error { return io.ErrUnexpectedEOF })
	if err := topic.Register(boom); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := topic.SendEvent("hello"); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	waitFor(t, func() bool { return len(n.Service().Failures()) == 1 })

	var topics topicsResponse
	getJSON(t, base+"/mesh/topics", &topics)
	if len(topics.Active) != 1 || topics.Active[0] != "orders" {
		t.Errorf("active = %v, want [orders]", topics.Active)
	}
	if len(topics.Subscribed) != 1 || topics.Subscribed[0] != "orders" {
		t.Errorf("subscribed = %v, want [orders]", topics.Subscribed)
	}

	var failures []DeliveryFailure
	getJSON(t, base+"/mesh/failures", &failures)
	if len(failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(failures))
	}
	if failures[0].Stage != "handler" || failures[0].TopicID != "orders" {
		t.Errorf("failure = %+v", failures[0])
	}
}

func TestAdmin_Metrics(t *testing.T) {
	n := newTestAdminNode(t)

	resp, err := http.Get("http://" + n.AdminAddr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`eventmesh_events_queued_total{node="node-a"}`,
		`eventmesh_live_peers{node="node-a"}`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}

func TestAdmin_RoutesWithoutListener(t *testing.T) {
	n := newTestAdminNode(t)
	as := &AdminServer{node: n}
	srv := httptest.NewServer(as.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/vars")
	if err != nil {
		t.Fatalf("GET /debug/vars: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/debug/vars status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/mesh/nope")
	if err != nil {
		t.Fatalf("GET /mesh/nope: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", resp.StatusCode)
	}
}
