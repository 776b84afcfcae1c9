package metrics

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WebServer serves /metrics (Prometheus), /status.json and optional pprof
// on a private listen address.
type WebServer struct {
	registry    *prometheus.Registry
	addr        string
	enablePprof bool
	server      *http.Server
}

// NewWebServer creates a metrics web server bound to addr.
func NewWebServer(addr string, enablePprof bool) *WebServer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(newSnapshotCollector())
	return &WebServer{registry: reg, addr: addr, enablePprof: enablePprof}
}

// Start begins serving in a background goroutine.
func (ws *WebServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(ws.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SnapshotData())
	})
	if ws.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	ws.server = &http.Server{
		Addr:              ws.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: web server: %v", err)
		}
	}()
	return nil
}

// Close stops the server.
func (ws *WebServer) Close() error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Close()
}

// snapshotCollector bridges the atomic counters into Prometheus without
// double bookkeeping on the hot path.
type snapshotCollector struct {
	descs map[string]*prometheus.Desc
}

type metricSpec struct {
	name  string
	help  string
	kind  prometheus.ValueType
	value func(Snapshot) int64
}

var metricSpecs = []metricSpec{
	{"veilgate_connections_total", "Accepted inbound connections.", prometheus.CounterValue, func(s Snapshot) int64 { return s.ConnectionsTotal }},
	{"veilgate_connections_active", "Currently open inbound connections.", prometheus.GaugeValue, func(s Snapshot) int64 { return s.ConnectionsActive }},
	{"veilgate_authenticated_total", "Connections with an Authenticated verdict.", prometheus.CounterValue, func(s Snapshot) int64 { return s.Authenticated }},
	{"veilgate_camouflaged_total", "Connections relayed to the camouflage destination.", prometheus.CounterValue, func(s Snapshot) int64 { return s.Camouflaged }},
	{"veilgate_handshake_failures_total", "TLS handshake failures after Proceed.", prometheus.CounterValue, func(s Snapshot) int64 { return s.HandshakeFailures }},
	{"veilgate_decode_errors_total", "Proxy request decode errors.", prometheus.CounterValue, func(s Snapshot) int64 { return s.DecodeErrors }},
	{"veilgate_dial_errors_total", "Outbound dial failures.", prometheus.CounterValue, func(s Snapshot) int64 { return s.DialErrors }},
	{"veilgate_pairing_timeouts_total", "Split-stream sessions closed waiting for a companion.", prometheus.CounterValue, func(s Snapshot) int64 { return s.PairingTimeouts }},
	{"veilgate_adaptive_sessions_active", "Adaptive sessions currently open.", prometheus.GaugeValue, func(s Snapshot) int64 { return s.SessionsActive }},
	{"veilgate_adaptive_sessions_total", "Adaptive sessions ever opened.", prometheus.CounterValue, func(s Snapshot) int64 { return s.SessionsTotal }},
	{"veilgate_streams_active", "Logical proxy streams currently open.", prometheus.GaugeValue, func(s Snapshot) int64 { return s.StreamsActive }},
	{"veilgate_streams_total", "Logical proxy streams ever opened.", prometheus.CounterValue, func(s Snapshot) int64 { return s.StreamsTotal }},
	{"veilgate_traffic_bytes_inbound", "Bytes copied client to upstream.", prometheus.CounterValue, func(s Snapshot) int64 { return s.TrafficBytesIn }},
	{"veilgate_traffic_bytes_outbound", "Bytes copied upstream to client.", prometheus.CounterValue, func(s Snapshot) int64 { return s.TrafficBytesOut }},
	{"veilgate_replay_drops_total", "ClientHello replays rejected.", prometheus.CounterValue, func(s Snapshot) int64 { return s.ReplayDrops }},
	{"veilgate_identity_reloads_total", "Hot identity swaps applied.", prometheus.CounterValue, func(s Snapshot) int64 { return s.IdentityReloads }},
	{"veilgate_cert_fetches_total", "Camouflage certificate fetches.", prometheus.CounterValue, func(s Snapshot) int64 { return s.CertFetches }},
	{"veilgate_cert_fetch_failures_total", "Camouflage certificate fetch failures.", prometheus.CounterValue, func(s Snapshot) int64 { return s.CertFetchFailures }},
}

func newSnapshotCollector() *snapshotCollector {
	descs := make(map[string]*prometheus.Desc, len(metricSpecs))
	for _, spec := range metricSpecs {
		descs[spec.name] = prometheus.NewDesc(spec.name, spec.help, nil, nil)
	}
	return &snapshotCollector{descs: descs}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap := SnapshotData()
	for _, spec := range metricSpecs {
		ch <- prometheus.MustNewConstMetric(c.descs[spec.name], spec.kind, float64(spec.value(snap)))
	}
}
