// Package observability — metrics.go
//
// Prometheus metrics for the DSME daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default (observability.metrics_addr can change it).
//
// Metric naming convention: dsme_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (8 values max).
//   - PID is NOT used as a label (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for DSME.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Message bus ──────────────────────────────────────────────────────────

	// BusMessagesTotal counts messages dispatched by the module kernel.
	// Labels: type_id
	BusMessagesTotal *prometheus.CounterVec

	// BusQueueDepth is the current depth of the pending-dispatch queue.
	BusQueueDepth prometheus.Gauge

	// ─── IPHB ─────────────────────────────────────────────────────────────────

	// IPHBWaitSeconds records the coalesced wait time from subscription to wake.
	IPHBWaitSeconds prometheus.Histogram

	// IPHBActiveSubscriptions is the current number of pending wait subscriptions.
	IPHBActiveSubscriptions prometheus.Gauge

	// ─── Hardware watchdog ────────────────────────────────────────────────────

	// HWWDKicksTotal counts successful hardware watchdog kicks, by device path.
	HWWDKicksTotal *prometheus.CounterVec

	// HWWDKickFailuresTotal counts failed kick attempts, by device path.
	HWWDKickFailuresTotal *prometheus.CounterVec

	// HWWDKickLatencySeconds records the ioctl round trip latency per kick cycle.
	HWWDKickLatencySeconds prometheus.Histogram

	// ─── Process watchdog ─────────────────────────────────────────────────────

	// ProcessWDPingsTotal counts PING messages sent, by process name.
	ProcessWDPingsTotal *prometheus.CounterVec

	// ProcessWDTimeoutsTotal counts processes that exceeded max_ping without PONG.
	ProcessWDTimeoutsTotal *prometheus.CounterVec

	// ProcessWDKillsTotal counts SIGKILL escalations after a failed SIGABRT.
	ProcessWDKillsTotal *prometheus.CounterVec

	// ─── Boot state ───────────────────────────────────────────────────────────

	// BootsTotal counts boots classified, by resulting state.
	BootsTotal *prometheus.CounterVec

	// RebootLoopDetectedTotal counts loop-MALF transitions triggered.
	RebootLoopDetectedTotal prometheus.Counter

	// ─── Disk monitor ─────────────────────────────────────────────────────────

	// DiskUsagePercent is the last sampled usage percentage, by mount path.
	DiskUsagePercent *prometheus.GaugeVec

	// DiskOverflowsTotal counts overflow events detected, by mount path.
	DiskOverflowsTotal *prometheus.CounterVec

	// ReaperSpawnsTotal counts reaper child processes forked.
	ReaperSpawnsTotal prometheus.Counter

	// ReaperThrottledTotal counts reaper spawn attempts suppressed by the
	// re-fork rate limiter.
	ReaperThrottledTotal prometheus.Counter

	// ─── Thermal ──────────────────────────────────────────────────────────────

	// ThermalStatus is the current thermal status as an enum gauge, by object.
	ThermalStatus *prometheus.GaugeVec

	// ThermalSampleCelsius records the last sampled temperature, by object.
	ThermalSampleCelsius *prometheus.GaugeVec

	// ─── Power-on timer ───────────────────────────────────────────────────────

	// PowerOnSecondsTotal is the cumulative device power-on time.
	PowerOnSecondsTotal prometheus.Gauge

	// ─── State machine ────────────────────────────────────────────────────────

	// StateTransitionsTotal counts state transitions.
	// Labels: from_state, to_state
	StateTransitionsTotal *prometheus.CounterVec

	// ─── Daemon ───────────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since the daemon started.
	DaemonUptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all DSME Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BusMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Total messages dispatched by the module kernel, by type id.",
		}, []string{"type_id"}),

		BusQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsme",
			Subsystem: "bus",
			Name:      "queue_depth",
			Help:      "Current depth of the pending message dispatch queue.",
		}),

		IPHBWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dsme",
			Subsystem: "iphb",
			Name:      "wait_seconds",
			Help:      "Coalesced wait time from subscription to wake-up.",
			Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300, 600},
		}),

		IPHBActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsme",
			Subsystem: "iphb",
			Name:      "active_subscriptions",
			Help:      "Current number of pending IPHB wait subscriptions.",
		}),

		HWWDKicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "hwwd",
			Name:      "kicks_total",
			Help:      "Total successful hardware watchdog kicks, by device.",
		}, []string{"device"}),

		HWWDKickFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "hwwd",
			Name:      "kick_failures_total",
			Help:      "Total failed hardware watchdog kicks, by device.",
		}, []string{"device"}),

		HWWDKickLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dsme",
			Subsystem: "hwwd",
			Name:      "kick_latency_seconds",
			Help:      "Latency of a full ordered kick cycle across all devices.",
			Buckets:   prometheus.DefBuckets,
		}),

		ProcessWDPingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "processwd",
			Name:      "pings_total",
			Help:      "Total PING messages sent to supervised processes.",
		}, []string{"process"}),

		ProcessWDTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "processwd",
			Name:      "timeouts_total",
			Help:      "Total processes that exceeded max_ping without a PONG.",
		}, []string{"process"}),

		ProcessWDKillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "processwd",
			Name:      "kills_total",
			Help:      "Total SIGKILL escalations issued after a failed SIGABRT.",
		}, []string{"process"}),

		BootsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "bootsel",
			Name:      "boots_total",
			Help:      "Total boots classified, by resulting operating mode.",
		}, []string{"state"}),

		RebootLoopDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "bootsel",
			Name:      "reboot_loop_detected_total",
			Help:      "Total times a boot or watchdog-reset loop forced MALF.",
		}),

		DiskUsagePercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dsme",
			Subsystem: "diskmon",
			Name:      "usage_percent",
			Help:      "Last sampled disk usage percentage, by mount path.",
		}, []string{"mount"}),

		DiskOverflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "diskmon",
			Name:      "overflows_total",
			Help:      "Total overflow events detected, by mount path.",
		}, []string{"mount"}),

		ReaperSpawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "diskmon",
			Name:      "reaper_spawns_total",
			Help:      "Total reaper child processes forked.",
		}),

		ReaperThrottledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "diskmon",
			Name:      "reaper_throttled_total",
			Help:      "Total reaper spawn attempts suppressed by the re-fork rate limiter.",
		}),

		ThermalStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dsme",
			Subsystem: "thermal",
			Name:      "status",
			Help:      "Current thermal status enum value, by object (0=normal .. 3=overheated).",
		}, []string{"object"}),

		ThermalSampleCelsius: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dsme",
			Subsystem: "thermal",
			Name:      "sample_celsius",
			Help:      "Last sampled temperature in Celsius, by object.",
		}, []string{"object"}),

		PowerOnSecondsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsme",
			Subsystem: "poweron",
			Name:      "seconds_total",
			Help:      "Cumulative device power-on time in seconds.",
		}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsme",
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "Total state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsme",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.BusMessagesTotal,
		m.BusQueueDepth,
		m.IPHBWaitSeconds,
		m.IPHBActiveSubscriptions,
		m.HWWDKicksTotal,
		m.HWWDKickFailuresTotal,
		m.HWWDKickLatencySeconds,
		m.ProcessWDPingsTotal,
		m.ProcessWDTimeoutsTotal,
		m.ProcessWDKillsTotal,
		m.BootsTotal,
		m.RebootLoopDetectedTotal,
		m.DiskUsagePercent,
		m.DiskOverflowsTotal,
		m.ReaperSpawnsTotal,
		m.ReaperThrottledTotal,
		m.ThermalStatus,
		m.ThermalSampleCelsius,
		m.PowerOnSecondsTotal,
		m.StateTransitionsTotal,
		m.DaemonUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the DaemonUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
