// Package metrics registers the Prometheus instrumentation shared across the
// inference core, namespaced edgeninfer_* per subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgeninfer"

var (
	// QueueDepth is the number of waiters currently parked in a per-device
	// admission queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name: "queue_depth",
			Help: "Waiters currently parked in a per-device admission queue",
		},
		[]string{"device"},
	)

	// QueueWaitSeconds records how long a waiter sat in queue before admission.
	QueueWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name: "queue_wait_seconds",
			Help: "Time spent waiting for admission to a device queue",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"device"},
	)

	// TransientMemoryBytes is the current reserved-but-not-yet-used memory on
	// a device, i.e. the sum of outstanding ticket reservations.
	TransientMemoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name: "transient_memory_bytes",
			Help: "Outstanding ticket reservations on a device",
		},
		[]string{"device"},
	)

	// PerishableEvents counts cache hits/misses/perish/kill transitions for a
	// named perishable cache (model cache, session cache).
	PerishableEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "perishable_events_total",
			Help: "Perishable cell lifecycle events",
		},
		[]string{"cache", "event"}, // event: hit|miss|perish|kill
	)

	// SessionPrefixMatch counts whether a chat prompt found a reusable
	// session via prefix routing.
	SessionPrefixMatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "session_prefix_match_total",
			Help: "Chat requests by prefix routing outcome",
		},
		[]string{"outcome"}, // hit|miss|fresh_no_marker
	)

	// CompletionTokens counts tokens emitted by completion streams.
	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "completion_tokens_total",
			Help: "Tokens emitted by completion streams",
		},
		[]string{"model"},
	)

	// SettingsReloads counts settings file reload attempts.
	SettingsReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name: "settings_reloads_total",
			Help: "Settings hot-reload attempts",
		},
		[]string{"outcome"}, // success|parse_error
	)
)
