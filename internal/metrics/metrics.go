// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パイプラインやワーカー層から利用する。
type MetricsCollector interface {
	RecordPublished()
	RecordUpdated()
	RecordSkipped(reason string)
	RecordFailed()
	RecordFetchResolved(strategy string)
	RecordRetryDead(reason string)
	RecordPublishLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	published      prometheus.Counter
	updated        prometheus.Counter
	skipped        *prometheus.CounterVec
	failed         prometheus.Counter
	fetchResolved  *prometheus.CounterVec
	retryDead      *prometheus.CounterVec
	publishLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayman_published_total",
			Help: "新規配信成功の合計数",
		}),
		updated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayman_updated_total",
			Help: "既存ステータス更新成功の合計数",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayman_skipped_total",
			Help: "理由コード別のスキップ数",
		}, []string{"reason"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayman_failed_total",
			Help: "パイプライン致命エラーの合計数",
		}),
		fetchResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayman_fetch_resolved_total",
			Help: "フェッチ戦略別の解決成功数",
		}, []string{"strategy"}),
		retryDead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayman_retry_dead_total",
			Help: "理由別のデッドレター化されたリトライレコード数",
		}, []string{"reason"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relayman_publish_latency_seconds",
			Help:    "タスク受信から配信完了までのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.published,
		c.updated,
		c.skipped,
		c.failed,
		c.fetchResolved,
		c.retryDead,
		c.publishLatency,
	)

	return c
}

// RecordPublished は新規配信成功を記録する。
func (c *Collector) RecordPublished() {
	c.published.Inc()
}

// RecordUpdated は既存ステータス更新成功を記録する。
func (c *Collector) RecordUpdated() {
	c.updated.Inc()
}

// RecordSkipped はスキップを理由コード付きで記録する。
func (c *Collector) RecordSkipped(reason string) {
	c.skipped.WithLabelValues(reason).Inc()
}

// RecordFailed はパイプライン致命エラーを記録する。
func (c *Collector) RecordFailed() {
	c.failed.Inc()
}

// RecordFetchResolved はフェッチ戦略の解決成功を記録する。
func (c *Collector) RecordFetchResolved(strategy string) {
	c.fetchResolved.WithLabelValues(strategy).Inc()
}

// RecordRetryDead はデッドレター化を理由付きで記録する。
func (c *Collector) RecordRetryDead(reason string) {
	c.retryDead.WithLabelValues(reason).Inc()
}

// RecordPublishLatency は配信レイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
