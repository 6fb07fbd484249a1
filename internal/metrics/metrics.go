// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証操作の種類
const (
	ActionSignup   = "signup"
	ActionLogin    = "login"
	ActionGoogle   = "google"
	ActionLogout   = "logout"
	ActionReset    = "password_reset"
	ActionResetSet = "password_reset_confirm"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラーやワーカーから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(action string, ok bool)
	RecordProfileSave(ok bool)
	RecordSessionNotification(delivered int)
	RecordCleanup(kind string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts  *prometheus.CounterVec
	profileSaves  *prometheus.CounterVec
	notifications prometheus.Counter
	cleanup       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberhub_auth_attempts_total",
			Help: "認証操作の試行数（操作と結果別）",
		}, []string{"action", "result"}),
		profileSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberhub_profile_saves_total",
			Help: "プロフィール保存の回数（結果別）",
		}, []string{"result"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memberhub_session_notifications_total",
			Help: "購読者に配送したセッション変更通知の合計数",
		}),
		cleanup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberhub_cleanup_deleted_total",
			Help: "クリーンアップで削除したレコード数（種類別）",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memberhub_http_requests_total",
			Help: "HTTPステータスコードとメソッド別のレスポンス数",
		}, []string{"code", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memberhub_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.profileSaves,
		c.notifications,
		c.cleanup,
		c.httpRequests,
		c.httpDuration,
	)

	return c
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordAuthAttempt は認証操作の結果を記録する。
func (c *Collector) RecordAuthAttempt(action string, ok bool) {
	c.authAttempts.WithLabelValues(action, result(ok)).Inc()
}

// RecordProfileSave はプロフィール保存の結果を記録する。
func (c *Collector) RecordProfileSave(ok bool) {
	c.profileSaves.WithLabelValues(result(ok)).Inc()
}

// RecordSessionNotification は配送した通知の件数を記録する。sessionhub.Recorderを実装する。
func (c *Collector) RecordSessionNotification(delivered int) {
	c.notifications.Add(float64(delivered))
}

// RecordCleanup はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordCleanup(kind string, deleted int64) {
	c.cleanup.WithLabelValues(kind).Add(float64(deleted))
}

// Middleware はHTTPレスポンス数と処理時間を記録するミドルウェア。
// promhttpのラッパーはhttp.Flusherを保ったまま委譲する。
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(c.httpDuration,
		promhttp.InstrumentHandlerCounter(c.httpRequests, next))
}

// Handler は指定されたGathererのメトリクスをPrometheus形式で公開するHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
