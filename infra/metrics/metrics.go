package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imgw_sessions_active",
		Help: "The current number of active client sessions on this node.",
	})
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgw_admissions_total",
		Help: "Connection admission attempts by result.",
	}, []string{"result"})
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgw_messages_processed_total",
		Help: "Inbound messages by terminal ack state.",
	}, []string{"state"})

	// Lease store metrics
	LeaseReleaseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgw_lease_release_failures_total",
		Help: "Unregister calls that failed and were queued for retry.",
	})
	LeaseReleaseDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgw_lease_release_dropped_total",
		Help: "Unregister retries dropped on queue overflow or attempt exhaustion.",
	})

	// Hook metrics
	HookCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgw_hook_calls_total",
		Help: "Outbound hook calls by operation and outcome.",
	}, []string{"op", "outcome"})
	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgw_breaker_rejections_total",
		Help: "Calls short-circuited by an open breaker, by scope.",
	}, []string{"scope"})

	// Cluster metrics
	Forwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgw_forwards_total",
		Help: "Inter-node forwards by result.",
	}, []string{"result"})

	// Offline mailbox metrics
	MailboxBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgw_mailbox_buffered_total",
		Help: "Frames buffered for offline users.",
	})
	MailboxEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgw_mailbox_evicted_total",
		Help: "Frames evicted from the offline mailbox by reason.",
	}, []string{"reason"})

	// MQ dispatcher metrics
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgw_mq_events_published_total",
		Help: "Events published to the primary per-tenant topics.",
	})
	EventsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgw_mq_events_dead_lettered_total",
		Help: "Events published to DLQ topics after exhausting retries.",
	})
	EventsFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgw_mq_events_fallback_total",
		Help: "Events parked in the in-process fallback queue.",
	})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgw_mq_events_dropped_total",
		Help: "Events dropped by stage (enqueue, fallback).",
	}, []string{"stage"})
)
