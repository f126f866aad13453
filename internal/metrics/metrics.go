// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ランキング、台帳、プリフェッチ、HTTP層から利用する。
type MetricsCollector interface {
	RecordSourceFetch(category string, count int, duration time.Duration)
	RecordSourceFailure(category string, reason string)
	RecordComposition(pass string, duration time.Duration)
	RecordPageServed(fromCache bool, size int)
	RecordViewOutcome(state string)
	RecordReconcile(result string)
	RecordPrefetch(state string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sourceItems     *prometheus.CounterVec
	sourceFail      *prometheus.CounterVec
	sourceLatency   *prometheus.HistogramVec
	composeLatency  *prometheus.HistogramVec
	pagesServed     *prometheus.CounterVec
	pageSize        prometheus.Histogram
	viewOutcomes    *prometheus.CounterVec
	reconcileResult *prometheus.CounterVec
	prefetchTasks   *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sourceItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelfeed_source_items_total",
			Help: "候補ソースが返したアイテムの合計数",
		}, []string{"category"}),
		sourceFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelfeed_source_fail_total",
			Help: "候補ソースのクエリ失敗の合計数",
		}, []string{"category", "reason"}),
		sourceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reelfeed_source_latency_seconds",
			Help:    "候補ソースのクエリレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"category"}),
		composeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reelfeed_compose_latency_seconds",
			Help:    "ページ合成のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"pass"}),
		pagesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelfeed_pages_served_total",
			Help: "返却したページの合計数",
		}, []string{"cache"}),
		pageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reelfeed_page_size",
			Help:    "返却したページのアイテム数",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		viewOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelfeed_view_outcomes_total",
			Help: "dwell閾値到達イベントの評価結果別件数",
		}, []string{"state"}),
		reconcileResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelfeed_ledger_reconcile_total",
			Help: "台帳リコンシリエーションの結果別件数",
		}, []string{"result"}),
		prefetchTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelfeed_prefetch_tasks_total",
			Help: "プリフェッチタスクの終端状態別件数",
		}, []string{"state"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelfeed_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.sourceItems,
		c.sourceFail,
		c.sourceLatency,
		c.composeLatency,
		c.pagesServed,
		c.pageSize,
		c.viewOutcomes,
		c.reconcileResult,
		c.prefetchTasks,
		c.httpStatus,
	)

	return c
}

// RecordSourceFetch は候補ソースのクエリ成功を記録する。
func (c *Collector) RecordSourceFetch(category string, count int, duration time.Duration) {
	c.sourceItems.WithLabelValues(category).Add(float64(count))
	c.sourceLatency.WithLabelValues(category).Observe(duration.Seconds())
}

// RecordSourceFailure は候補ソースの失敗を記録する。
func (c *Collector) RecordSourceFailure(category string, reason string) {
	c.sourceFail.WithLabelValues(category, reason).Inc()
}

// RecordComposition はページ合成のレイテンシを記録する。passは "first" または "refill"。
func (c *Collector) RecordComposition(pass string, duration time.Duration) {
	c.composeLatency.WithLabelValues(pass).Observe(duration.Seconds())
}

// RecordPageServed は返却したページを記録する。
func (c *Collector) RecordPageServed(fromCache bool, size int) {
	label := "miss"
	if fromCache {
		label = "hit"
	}
	c.pagesServed.WithLabelValues(label).Inc()
	c.pageSize.Observe(float64(size))
}

// RecordViewOutcome は視聴評価の結果を記録する。
func (c *Collector) RecordViewOutcome(state string) {
	c.viewOutcomes.WithLabelValues(state).Inc()
}

// RecordReconcile はリコンシリエーションの結果を記録する。
func (c *Collector) RecordReconcile(result string) {
	c.reconcileResult.WithLabelValues(result).Inc()
}

// RecordPrefetch はプリフェッチタスクの終端状態を記録する。
func (c *Collector) RecordPrefetch(state string) {
	c.prefetchTasks.WithLabelValues(state).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordSourceFetch(string, int, time.Duration) {}
func (Nop) RecordSourceFailure(string, string)           {}
func (Nop) RecordComposition(string, time.Duration)      {}
func (Nop) RecordPageServed(bool, int)                   {}
func (Nop) RecordViewOutcome(string)                     {}
func (Nop) RecordReconcile(string)                       {}
func (Nop) RecordPrefetch(string)                        {}
func (Nop) RecordHTTPStatus(int)                         {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても残りのメトリクスは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}
