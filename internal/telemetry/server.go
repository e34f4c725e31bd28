package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSnapshot is the JSON body served at /stats, a human/script-friendly
// summary alongside the Prometheus-formatted /metrics endpoint.
type StatsSnapshot struct {
	Sources       int       `json:"sources"`
	Peak          float64   `json:"peak"`
	PeakChannels  []float64 `json:"peak_channels"`
	MasterVolume  float64   `json:"master_volume"`
	FramesMixed   uint64    `json:"frames_mixed_total"`
	Underruns     uint64    `json:"underruns_total"`
	EventSubs     int       `json:"event_subscribers"`
	EventsDropped uint64    `json:"events_dropped_total"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// Server is the read-only HTTP telemetry surface: /healthz, /metrics, and
// /stats. It carries no control routes; playback is driven entirely
// through the library API.
type Server struct {
	router    *chi.Mux
	mixer     MixerStatsProvider
	bus       EventBusStatsProvider
	startTime time.Time
}

// NewServer builds the telemetry HTTP handler and registers the collector
// with registry; /metrics serves that same registry.
func NewServer(mixer MixerStatsProvider, bus EventBusStatsProvider, startTime time.Time, registry *prometheus.Registry) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		mixer:     mixer,
		bus:       bus,
		startTime: startTime,
	}

	registry.MustRegister(NewCollector(mixer, bus, startTime))

	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := StatsSnapshot{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if s.mixer != nil {
		snap.Sources = s.mixer.SourceCount()
		snap.Peak = s.mixer.Peak()
		snap.PeakChannels = s.mixer.PeakChannels()
		snap.MasterVolume = s.mixer.MasterVolume()
		snap.FramesMixed = s.mixer.TotalFramesMixed()
		snap.Underruns = s.mixer.TotalUnderruns()
	}
	if s.bus != nil {
		snap.EventSubs = s.bus.SubscriberCount()
		snap.EventsDropped = s.bus.Dropped()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
