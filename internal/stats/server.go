// ABOUTME: HTTP monitoring endpoint for a running receiver
// ABOUTME: Serves Prometheus metrics on /metrics and a JSON push feed on /ws
package stats

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/haileys/bark/internal/protocol"
	"github.com/haileys/bark/internal/timesync"
)

const (
	// DefaultMetricsListen is where receivers expose /metrics and /ws.
	// Same number as the default group port, TCP instead of UDP.
	DefaultMetricsListen = "0.0.0.0:1530"

	// DefaultPushInterval is the cadence of websocket snapshot pushes.
	DefaultPushInterval = time.Second

	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// Snapshot is one receiver report flattened for JSON subscribers.
type Snapshot struct {
	TimeMicros           uint64  `json:"time_micros"`
	SID                  int64   `json:"sid"`
	State                string  `json:"state"`
	AudioOffsetMicros    int64   `json:"audio_offset_micros"`
	BufferLengthMicros   uint64  `json:"buffer_length_micros"`
	OutputLatencyMicros  uint64  `json:"output_latency_micros"`
	NetworkLatencyMicros uint64  `json:"network_latency_micros"`
	PredictOffsetMicros  int64   `json:"predict_offset_micros"`
	SlewRate             float64 `json:"slew_rate"`
	PacketsReceived      uint64  `json:"packets_received"`
	PacketsLost          uint64  `json:"packets_lost"`
	PacketsLate          uint64  `json:"packets_late"`
	PacketsDropped       uint64  `json:"packets_dropped"`
	BufferUnderruns      uint64  `json:"buffer_underruns"`
	BufferOverruns       uint64  `json:"buffer_overruns"`
	StreamResets         uint64  `json:"stream_resets"`

	stateCode protocol.StreamState
}

// NewSnapshot flattens a wire report into the push document.
func NewSnapshot(sid protocol.SessionID, r protocol.ReceiverReport) Snapshot {
	return Snapshot{
		TimeMicros:           timesync.NowMicros(),
		SID:                  int64(sid),
		State:                r.State.String(),
		AudioOffsetMicros:    r.AudioOffsetMicros,
		BufferLengthMicros:   r.BufferLengthMicros,
		OutputLatencyMicros:  r.OutputLatencyMicros,
		NetworkLatencyMicros: r.NetworkLatencyMicros,
		PredictOffsetMicros:  r.PredictOffsetMicros,
		SlewRate:             r.SlewRate,
		PacketsReceived:      r.PacketsReceived,
		PacketsLost:          r.PacketsLost,
		PacketsLate:          r.PacketsLate,
		PacketsDropped:       r.PacketsDropped,
		BufferUnderruns:      r.BufferUnderruns,
		BufferOverruns:       r.BufferOverruns,
		StreamResets:         r.StreamResets,

		stateCode: r.State,
	}
}

// SnapshotFunc yields the current report, false while no stream is
// live. It must be safe to call from any goroutine.
type SnapshotFunc func() (Snapshot, bool)

// ServerConfig holds the monitoring endpoint settings.
type ServerConfig struct {
	Listen       string
	PushInterval time.Duration
}

func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.Listen == "" {
		cfg.Listen = DefaultMetricsListen
	}
	if cfg.PushInterval == 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	return cfg
}

// Server exposes a receiver's counters over HTTP: Prometheus
// exposition on /metrics, JSON snapshots pushed on /ws. It only ever
// reads the lock-free counters, so scrapes and subscribers cannot
// stall the audio path.
type Server struct {
	cfg  ServerConfig
	snap SnapshotFunc
	http *http.Server

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]chan Snapshot
}

// NewServer builds the endpoint around a snapshot source.
func NewServer(cfg ServerConfig, snap SnapshotFunc) *Server {
	s := &Server{
		cfg:  cfg.withDefaults(),
		snap: snap,
		upgrader: websocket.Upgrader{
			// LAN monitoring tool; any origin may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[string]chan Snapshot),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(newReceiverCollector(snap))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.handleWS)

	s.http = &http.Server{Addr: s.cfg.Listen, Handler: mux}
	return s
}

// Handler returns the endpoint's routes for mounting elsewhere.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	})

	g.Go(func() error {
		log.Printf("stats server listening on %s", s.cfg.Listen)
		if err := s.http.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("stats server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.pushLoop(ctx)
		return nil
	})

	return g.Wait()
}

// pushLoop fans the current snapshot out to every subscriber. Slow
// subscribers miss pushes rather than backing the loop up.
func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, ok := s.snap()
		if !ok {
			continue
		}
		s.broadcast(snap)
	}
}

func (s *Server) broadcast(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// handleWS upgrades a subscriber and streams snapshots at the push
// cadence until either side hangs up.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	ch := make(chan Snapshot, 4)

	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	log.Printf("stats subscriber %s from %s", id, r.RemoteAddr)

	// Greet with whatever we have so subscribers render immediately.
	if snap, ok := s.snap(); ok {
		ch <- snap
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case snap := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				log.Printf("stats subscriber %s: %v", id, err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			log.Printf("stats subscriber %s disconnected", id)
			return
		}
	}
}

// receiverCollector exposes the report fields as Prometheus metrics.
// While no stream is live it collects nothing, so the families simply
// disappear from the exposition.
type receiverCollector struct {
	snap    SnapshotFunc
	metrics []receiverMetric
}

type receiverMetric struct {
	desc *prometheus.Desc
	kind prometheus.ValueType
	get  func(Snapshot) float64
}

func newReceiverCollector(snap SnapshotFunc) *receiverCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}
	gauge := prometheus.GaugeValue
	counter := prometheus.CounterValue

	return &receiverCollector{
		snap: snap,
		metrics: []receiverMetric{
			{desc("bark_receiver_state", "Engine state: 0 uninit, 1 buffering, 2 playing, 3 underrun, 4 stalled."),
				gauge, func(s Snapshot) float64 { return float64(s.stateCode) }},
			{desc("bark_receiver_audio_offset_usec", "Actual playback position minus ideal, microseconds."),
				gauge, func(s Snapshot) float64 { return float64(s.AudioOffsetMicros) }},
			{desc("bark_receiver_buffer_length_usec", "Audio buffered ahead of the output, microseconds."),
				gauge, func(s Snapshot) float64 { return float64(s.BufferLengthMicros) }},
			{desc("bark_receiver_output_latency_usec", "Output device latency, microseconds."),
				gauge, func(s Snapshot) float64 { return float64(s.OutputLatencyMicros) }},
			{desc("bark_receiver_network_latency_usec", "One-way network delay from the clock estimate, microseconds."),
				gauge, func(s Snapshot) float64 { return float64(s.NetworkLatencyMicros) }},
			{desc("bark_receiver_predict_offset_usec", "Packet dts minus predicted send time, microseconds."),
				gauge, func(s Snapshot) float64 { return float64(s.PredictOffsetMicros) }},
			{desc("bark_receiver_slew_rate", "Playback rate multiplier."),
				gauge, func(s Snapshot) float64 { return s.SlewRate }},
			{desc("bark_receiver_packets_received", "Audio packets accepted into the queue."),
				counter, func(s Snapshot) float64 { return float64(s.PacketsReceived) }},
			{desc("bark_receiver_packets_lost", "Packets concealed after going missing."),
				counter, func(s Snapshot) float64 { return float64(s.PacketsLost) }},
			{desc("bark_receiver_packets_late", "Packets that arrived behind the playback position."),
				counter, func(s Snapshot) float64 { return float64(s.PacketsLate) }},
			{desc("bark_receiver_packets_dropped", "Packets rejected before queueing."),
				counter, func(s Snapshot) float64 { return float64(s.PacketsDropped) }},
			{desc("bark_receiver_buffer_underruns", "Fills that ran out of buffered audio."),
				counter, func(s Snapshot) float64 { return float64(s.BufferUnderruns) }},
			{desc("bark_receiver_buffer_overruns", "Queue pushes that displaced an unplayed packet."),
				counter, func(s Snapshot) float64 { return float64(s.BufferOverruns) }},
			{desc("bark_receiver_stream_resets", "Times the engine fell back to buffering."),
				counter, func(s Snapshot) float64 { return float64(s.StreamResets) }},
		},
	}
}

func (c *receiverCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *receiverCollector) Collect(ch chan<- prometheus.Metric) {
	snap, ok := c.snap()
	if !ok {
		return
	}
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.get(snap))
	}
}
