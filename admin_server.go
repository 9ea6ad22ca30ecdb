package eventmesh

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer exposes operational endpoints for a Node over HTTP.
// All /mesh responses are JSON. Intended for admin/internal networks only.
type AdminServer struct {
	node     *Node
	server   *http.Server
	listener net.Listener
	started  time.Time
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(node *Node, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	as := &AdminServer{
		node:     node,
		listener: ln,
		started:  time.Now(),
	}
	as.server = &http.Server{
		Handler:      as.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return as, nil
}

func (as *AdminServer) routes() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(as.node.metrics, as.node.nodeID),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/mesh", func(r chi.Router) {
		r.Get("/status", as.handleStatus)
		r.Get("/peers", as.handlePeers)
		r.Get("/members", as.handleMembers)
		r.Get("/topics", as.handleTopics)
		r.Get("/failures", as.handleFailures)
		r.Post("/reconcile", as.handleReconcile)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/debug/vars", expvar.Handler())
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.Handle("/debug/pprof/{name}", http.HandlerFunc(pprof.Index))
	return r
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

type statusResponse struct {
	NodeID        string           `json:"node_id"`
	Transport     string           `json:"transport"`
	ListenAddr    string           `json:"listen_addr,omitempty"`
	AdvertiseAddr string           `json:"advertise_addr,omitempty"`
	UptimeMs      int64            `json:"uptime_ms"`
	ActiveTopics  int              `json:"active_topics"`
	LivePeers     int              `json:"live_peers"`
	Metrics       map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	n := as.node
	resp := statusResponse{
		NodeID:       n.nodeID,
		Transport:    n.config.Transport,
		UptimeMs:     time.Since(as.started).Milliseconds(),
		ActiveTopics: len(n.service.ActiveTopics()),
		Metrics:      n.metrics.Snapshot(),
	}
	if mt, ok := n.transport.(*MeshTransport); ok {
		resp.ListenAddr = mt.Addr()
		resp.AdvertiseAddr = mt.AdvertiseAddr()
		resp.LivePeers = len(mt.LivePeers())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (as *AdminServer) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := []PeerInfo{}
	if mt, ok := as.node.transport.(*MeshTransport); ok {
		peers = mt.Peers()
	}
	writeJSON(w, http.StatusOK, peers)
}

func (as *AdminServer) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := as.node.directory.Members(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, members)
}

type topicsResponse struct {
	Active     []string `json:"active"`
	Subscribed []string `json:"subscribed"`
}

func (as *AdminServer) handleTopics(w http.ResponseWriter, _ *http.Request) {
	resp := topicsResponse{
		Active:     as.node.service.ActiveTopics(),
		Subscribed: []string{},
	}
	if lister, ok := as.node.transport.(interface{ Topics() []string }); ok {
		resp.Subscribed = lister.Topics()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (as *AdminServer) handleFailures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, as.node.service.Failures())
}

func (as *AdminServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	mt, ok := as.node.transport.(*MeshTransport)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "transport does not reconcile"})
		return
	}
	if err := mt.Reconcile(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"live_peers": mt.LivePeers()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
