package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "instancesync"

// PrometheusRecorder implements Recorder using Prometheus metrics
type PrometheusRecorder struct {
	fileResults  *prom.CounterVec
	bytes        *prom.CounterVec
	retries      *prom.CounterVec
	concurrency  *prom.GaugeVec
	syncDuration *prom.HistogramVec
}

// NewPrometheusRecorder constructs and registers the sync metrics on reg
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		fileResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "file_results_total",
			Help:      "Per-file sync outcomes",
		}, []string{"instance", "result"}),
		bytes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes received from download servers",
		}, []string{"instance"}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "download_retries_total",
			Help:      "Download attempts retried, by failure kind",
		}, []string{"instance", "kind"}),
		concurrency: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "download_concurrency",
			Help:      "Current adaptive download concurrency",
		}, []string{"instance"}),
		syncDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of an instance sync",
			Buckets:   prom.ExponentialBuckets(0.5, 2, 12),
		}, []string{"instance", "result"}),
	}
	reg.MustRegister(pr.fileResults, pr.bytes, pr.retries, pr.concurrency, pr.syncDuration)
	return pr
}

func (p *PrometheusRecorder) IncFileResult(instance string, result ResultLabel) {
	p.fileResults.WithLabelValues(instance, string(result)).Inc()
}

func (p *PrometheusRecorder) AddBytes(instance string, n int64) {
	if n > 0 {
		p.bytes.WithLabelValues(instance).Add(float64(n))
	}
}

func (p *PrometheusRecorder) IncRetry(instance string, kind string) {
	p.retries.WithLabelValues(instance, kind).Inc()
}

func (p *PrometheusRecorder) SetConcurrency(instance string, n int) {
	p.concurrency.WithLabelValues(instance).Set(float64(n))
}

func (p *PrometheusRecorder) ObserveSyncDuration(instance string, d time.Duration, success bool) {
	res := "failed"
	if success {
		res = "success"
	}
	p.syncDuration.WithLabelValues(instance, res).Observe(d.Seconds())
}

// HTTPHandler serves the metrics in reg
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
