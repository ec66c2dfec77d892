package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "e2e_messaging"

var (
	Encryptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encryptions_total",
			Help:      "Messages encrypted, by path (signal, legacy).",
		},
		[]string{"path"},
	)
	DecryptFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Messages that could not be decrypted, by path.",
		},
		[]string{"path"},
	)
	SessionsEstablished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_established_total",
			Help:      "Sessions created, by direction (outgoing, incoming).",
		},
		[]string{"direction"},
	)
	PreKeysGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prekeys_generated_total",
			Help:      "One-time prekeys generated locally.",
		},
	)
	FramesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Frames handled by the relay, by outcome (delivered, queued).",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Encryptions,
			DecryptFailures,
			SessionsEstablished,
			PreKeysGenerated,
			FramesRelayed,
		)
	})
}
