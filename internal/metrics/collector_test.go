package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RegistrationIsIdempotent(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", Label("k", "v"))
	b := c.Counter("x_total", "x", Label("k", "v"))
	assert.Same(t, a, b)

	a.Inc()
	b.Add(2)
	assert.Equal(t, int64(3), a.Value())
}

func TestCollector_GaugeUpDown(t *testing.T) {
	c := NewMetricsCollector()
	g := c.Gauge("live", "live", "")
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
	g.Set(7)
	assert.Equal(t, int64(7), g.Value())
}

func TestHandler_RendersSortedSeries(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("req_total", "requests", Label("kind", "send")).Add(4)
	c.Counter("req_total", "requests", Label("kind", "login")).Inc()
	c.Gauge("conns", "connections", "").Set(2)
	c.Histogram("lat_seconds", "latency", Label("op", "send"), []float64{1, 0.1}).Observe(0.5)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, 1, strings.Count(body, "# HELP req_total requests"))
	login := strings.Index(body, `req_total{kind="login"} 1`)
	send := strings.Index(body, `req_total{kind="send"} 4`)
	require.True(t, login >= 0 && send >= 0, body)
	assert.Less(t, login, send)

	assert.Contains(t, body, "conns 2\n")
	assert.Contains(t, body, `lat_seconds_bucket{op="send",le="0.1"} 0`)
	assert.Contains(t, body, `lat_seconds_bucket{op="send",le="1"} 1`)
	assert.Contains(t, body, `lat_seconds_count{op="send"} 1`)
	assert.Contains(t, body, "unigate_uptime_seconds")
}

func TestGatewayMetrics_Helpers(t *testing.T) {
	before := Request("send", "ok").Value()
	Request("send", "ok").Inc()
	assert.Equal(t, before+1, Request("send", "ok").Value())

	AdapterLatency("photodm", "send").Observe(0.2)
	assert.Same(t, AdapterLatency("photodm", "send"), AdapterLatency("photodm", "send"))
}
