// Package metrics defines the Prometheus collectors of the subscription
// engine. Collectors are registered with the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentfeed"

// Drop reasons used as the "reason" label of FramesDropped.
const (
	DropForeign  = "foreign"
	DropOverflow = "overflow"
	DropClosed   = "closed"
	DropDecode   = "decode"
	DropFilter   = "filter"
	DropSlow     = "slow_subscriber"
)

var (
	// FramesReceived counts raw frames read from a transport.
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Raw frames received from a transport.",
		},
		[]string{"transport"},
	)

	// FramesDropped counts frames that were not delivered, by reason.
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before delivery.",
		},
		[]string{"reason"},
	)

	// EventsDelivered counts events handed to a consumer queue.
	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Decoded events delivered to subscribers.",
		},
		[]string{"transport"},
	)

	// ReconnectAttempts counts reconnect attempts.
	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Transport reconnect attempts.",
		},
		[]string{"transport"},
	)

	// StatusTransitions counts subscription status changes by target status.
	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Subscription status transitions.",
		},
		[]string{"status"},
	)

	// ActiveSubscriptions is the number of live subscriptions.
	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Live subscriptions.",
		},
	)

	// BusSubscribers is the number of subscribers attached to the event bus.
	BusSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscribers",
			Help:      "Subscribers attached to the relay event bus.",
		},
		[]string{"bus"},
	)
)

func init() {
	prometheus.MustRegister(
		FramesReceived,
		FramesDropped,
		EventsDelivered,
		ReconnectAttempts,
		StatusTransitions,
		ActiveSubscriptions,
		BusSubscribers,
	)
}
