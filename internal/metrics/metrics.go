// Package metrics exposes Prometheus instrumentation for the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesGenerated counts completed assistant replies per agent.
	MessagesGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdock_messages_generated_total",
		Help: "Completed assistant replies, labelled by agent.",
	}, []string{"agent_id"})

	// TokensConsumed counts tokens actually billed against ledgers.
	TokensConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatdock_tokens_consumed_total",
		Help: "Tokens debited from user balances.",
	})

	// GateBlocks counts actions refused by the token gate.
	GateBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdock_gate_blocks_total",
		Help: "Actions blocked by the token gate, labelled by feature.",
	}, []string{"feature"})

	// GenerationFailures counts failed generation calls per agent.
	GenerationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatdock_generation_failures_total",
		Help: "Generation backend failures, labelled by agent.",
	}, []string{"agent_id"})

	// EventClients tracks currently connected websocket event clients.
	EventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatdock_event_clients",
		Help: "Connected websocket event stream clients.",
	})
)
