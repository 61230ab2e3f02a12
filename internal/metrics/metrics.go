// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期オーケストレーターやリアルタイムリスナーから利用する。
type MetricsCollector interface {
	RecordSyncWrite(success bool)
	RecordSyncRetry()
	RecordSyncLatency(duration time.Duration)
	RecordPushReceived()
	RecordGhostDiscarded()
	RecordRefetch(trigger string)
	RecordGoalReached()
	RecordListenerReconnect()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncWrite          *prometheus.CounterVec
	syncRetry          prometheus.Counter
	syncLatency        prometheus.Histogram
	pushReceived       prometheus.Counter
	ghostDiscarded     prometheus.Counter
	refetch            *prometheus.CounterVec
	goalReached        prometheus.Counter
	listenerReconnects prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncWrite: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fasttrack_sync_write_total",
			Help: "リモートストアへのタイマー状態書き込みの結果別合計数",
		}, []string{"result"}),
		syncRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fasttrack_sync_retry_total",
			Help: "リモート書き込みの再試行回数",
		}),
		syncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fasttrack_sync_latency_seconds",
			Help:    "リモート書き込みのレイテンシ（秒、再試行を含む）",
			Buckets: prometheus.DefBuckets,
		}),
		pushReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fasttrack_push_received_total",
			Help: "受信したリアルタイム通知の合計数",
		}),
		ghostDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fasttrack_ghost_discarded_total",
			Help: "目標時刻を過ぎた計測中の行として破棄した通知の合計数",
		}),
		refetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fasttrack_refetch_total",
			Help: "リモート状態の再取得回数（契機別）",
		}, []string{"trigger"}),
		goalReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fasttrack_goal_reached_total",
			Help: "目標達成イベントの発火回数",
		}),
		listenerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fasttrack_listener_reconnect_total",
			Help: "LISTEN接続の再確立回数",
		}),
	}

	reg.MustRegister(
		c.syncWrite,
		c.syncRetry,
		c.syncLatency,
		c.pushReceived,
		c.ghostDiscarded,
		c.refetch,
		c.goalReached,
		c.listenerReconnects,
	)

	return c
}

// RecordSyncWrite は書き込み結果を記録する。
func (c *Collector) RecordSyncWrite(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.syncWrite.WithLabelValues(result).Inc()
}

// RecordSyncRetry は再試行を記録する。
func (c *Collector) RecordSyncRetry() {
	c.syncRetry.Inc()
}

// RecordSyncLatency は書き込みのレイテンシを記録する。
func (c *Collector) RecordSyncLatency(duration time.Duration) {
	c.syncLatency.Observe(duration.Seconds())
}

// RecordPushReceived は通知の受信を記録する。
func (c *Collector) RecordPushReceived() {
	c.pushReceived.Inc()
}

// RecordGhostDiscarded はゴースト行の破棄を記録する。
func (c *Collector) RecordGhostDiscarded() {
	c.ghostDiscarded.Inc()
}

// RecordRefetch は再取得を記録する。triggerは visibility / reconnect など。
func (c *Collector) RecordRefetch(trigger string) {
	c.refetch.WithLabelValues(trigger).Inc()
}

// RecordGoalReached は目標達成を記録する。
func (c *Collector) RecordGoalReached() {
	c.goalReached.Inc()
}

// RecordListenerReconnect はLISTEN接続の再確立を記録する。
func (c *Collector) RecordListenerReconnect() {
	c.listenerReconnects.Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordSyncWrite(bool) {}
func (Nop) RecordSyncRetry() {}
func (Nop) RecordSyncLatency(time.Duration) {}
func (Nop) RecordPushReceived() {}
func (Nop) RecordGhostDiscarded() {}
func (Nop) RecordRefetch(string) {}
func (Nop) RecordGoalReached() {}
func (Nop) RecordListenerReconnect() {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても取得できたメトリクスは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}
