package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はGatewayのPrometheusメトリクス。グローバルなレジストリは使わない。
type Metrics struct {
	registry      *prometheus.Registry
	proxyRequests *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
	accessDenied  *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	routes        prometheus.Gauge
}

// NewMetrics はメトリクスを生成して専用のレジストリに登録する。
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apigw",
			Name:      "proxy_requests_total",
			Help:      "バックエンドへ転送したリクエスト数。",
		}, []string{"service", "variant", "code"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apigw",
			Name:      "proxy_request_duration_seconds",
			Help:      "バックエンドへの転送にかかった時間。",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		accessDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apigw",
			Name:      "access_denied_total",
			Help:      "アクセス制御で拒否したリクエスト数。",
		}, []string{"service", "code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apigw",
			Name:      "rate_limited_total",
			Help:      "レート制限で拒否したリクエスト数。",
		}, []string{"policy"}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apigw",
			Name:      "proxy_routes",
			Help:      "登録されているプロキシルートの数。",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.proxyRequests,
		m.proxyDuration,
		m.accessDenied,
		m.rateLimited,
		m.routes,
	)
	return m
}

// Handler は/metricsのハンドラーを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry はメトリクスのレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeProxy(cfg RouteConfig, status int, elapsed time.Duration) {
	m.proxyRequests.WithLabelValues(cfg.Service, string(cfg.Kind), strconv.Itoa(status)).Inc()
	m.proxyDuration.WithLabelValues(cfg.Service).Observe(elapsed.Seconds())
}

func (m *Metrics) observeDenied(service string, status int) {
	m.accessDenied.WithLabelValues(service, strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeRateLimited(policy string) {
	m.rateLimited.WithLabelValues(policy).Inc()
}

func (m *Metrics) setRoutes(n int) {
	m.routes.Set(float64(n))
}
