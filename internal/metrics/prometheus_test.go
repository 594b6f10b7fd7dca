package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncFileResult("survival", ResultInstalled)
	pr.IncFileResult("survival", ResultInstalled)
	pr.IncFileResult("survival", ResultFailed)
	pr.AddBytes("survival", 1024)
	pr.AddBytes("survival", 0)
	pr.IncRetry("survival", "network")
	pr.SetConcurrency("survival", 6)
	pr.ObserveSyncDuration("survival", 3*time.Second, true)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, mfs, 5)

	assert.Equal(t, 2.0, value(t, mfs, "instancesync_file_results_total", "installed"))
	assert.Equal(t, 1.0, value(t, mfs, "instancesync_file_results_total", "failed"))
	assert.Equal(t, 1024.0, value(t, mfs, "instancesync_downloaded_bytes_total", ""))
	assert.Equal(t, 6.0, value(t, mfs, "instancesync_download_concurrency", ""))
}

// value returns the sample of family name whose result label matches (any when empty)
func value(t *testing.T, mfs []*dto.MetricFamily, name, result string) float64 {
	t.Helper()
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if result != "" && !hasLabel(m, "result", result) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{result=%q} not found", name, result)
	return 0
}

func hasLabel(m *dto.Metric, name, val string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == val {
			return true
		}
	}
	return false
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncRetry("survival", "integrity")

	srv := httptest.NewServer(HTTPHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `instancesync_download_retries_total{instance="survival",kind="integrity"} 1`)
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncFileResult("x", ResultDeleted)
	r.ObserveSyncDuration("x", time.Second, false)
}
