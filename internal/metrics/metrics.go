// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値。
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultPending = "pending"
	ResultInvalid = "invalid"
	ResultExpired = "expired"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証ゲートウェイ・連携マネージャー・ミドルウェアから利用する。
type MetricsCollector interface {
	RecordRegistration(result string)
	RecordLogin(result string)
	RecordTokenValidation(result string)
	RecordConnect(provider, strategy, result string)
	RecordExchangeLatency(provider string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	registrations    *prometheus.CounterVec
	logins           *prometheus.CounterVec
	tokenValidations *prometheus.CounterVec
	connects         *prometheus.CounterVec
	exchangeLatency  *prometheus.HistogramVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aar_registrations_total",
			Help: "アカウント登録の試行数（結果別）",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aar_logins_total",
			Help: "ログインの試行数（結果別）",
		}, []string{"result"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aar_token_validations_total",
			Help: "セッショントークン検証の回数（結果別）",
		}, []string{"result"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aar_provider_connects_total",
			Help: "プロバイダー連携の試行数（プロバイダー・方式・結果別）",
		}, []string{"provider", "strategy", "result"}),
		exchangeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aar_provider_exchange_latency_seconds",
			Help:    "プロバイダーのトークン交換・キー検証のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aar_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.registrations,
		c.logins,
		c.tokenValidations,
		c.connects,
		c.exchangeLatency,
		c.httpStatus,
	)

	return c
}

// RecordRegistration はアカウント登録の結果を記録する。
func (c *Collector) RecordRegistration(result string) {
	c.registrations.WithLabelValues(result).Inc()
}

// RecordLogin はログインの結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordTokenValidation はトークン検証の結果を記録する。
func (c *Collector) RecordTokenValidation(result string) {
	c.tokenValidations.WithLabelValues(result).Inc()
}

// RecordConnect はプロバイダー連携の結果を記録する。
func (c *Collector) RecordConnect(provider, strategy, result string) {
	c.connects.WithLabelValues(provider, strategy, result).Inc()
}

// RecordExchangeLatency はプロバイダー呼び出しのレイテンシを記録する。
func (c *Collector) RecordExchangeLatency(provider string, duration time.Duration) {
	c.exchangeLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordRegistration(string) {}
func (NopCollector) RecordLogin(string) {}
func (NopCollector) RecordTokenValidation(string) {}
func (NopCollector) RecordConnect(string, string, string) {}
func (NopCollector) RecordExchangeLatency(string, time.Duration) {}
func (NopCollector) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
