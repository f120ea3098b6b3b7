package receiver

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsOnce sync.Once

var (
	processedTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_email_processed_total",
			Help: "Inbound emails that produced a forum action",
		}, []string{"action"})
		failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_email_failed_total",
			Help: "Inbound emails rejected by the pipeline",
		}, []string{"kind"})
	})
}
