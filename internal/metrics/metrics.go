package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests       *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	CredentialCache    *prometheus.CounterVec
	AttachmentsDropped prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "chat_requests_total",
				Help:      "Chat requests by provider and outcome",
			}, []string{"provider", "outcome"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "polychat",
				Name:      "provider_latency_seconds",
				Help:      "Upstream provider call latency",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 120},
			}, []string{"provider", "mode"}),
			CredentialCache: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "credential_cache_total",
				Help:      "Credential cache lookups by result",
			}, []string{"result"}),
			AttachmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "attachments_dropped_total",
				Help:      "Attachments dropped after a failed upload",
			}),
		}
		prometheus.MustRegister(global.ChatRequests, global.ProviderLatency, global.CredentialCache, global.AttachmentsDropped)
	})
	return global
}
