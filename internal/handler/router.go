package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/memberhub/internal/authstate"
	"github.com/hitoshi/memberhub/internal/metrics"
	"github.com/hitoshi/memberhub/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 認証
	Store          authstate.Store
	Resetter       PasswordResetter
	Cookie         middleware.SessionCookie
	ResolveTimeout time.Duration
	// MaxLoadingRefreshes は読み込み中ページの自動再読み込み回数の上限。0の場合は既定値。
	MaxLoadingRefreshes int

	// プロフィール
	ProfileService ProfileService

	// ミドルウェア依存
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string // カンマ区切り。空の場合はCORSを無効にする
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 運用
	HealthChecker  HealthChecker
	Metrics        *metrics.Collector // nilの場合はメトリクスを記録しない
	MetricsHandler http.Handler       // nilの場合は /metrics を公開しない

	EventsHeartbeat time.Duration
	Views           *Views // nilの場合は埋め込みテンプレートを使う
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Recovery → SecurityHeaders → Metrics → CORS
//	  → authstate.Middleware → Logging → CSRF → RateLimit(General)
//
// /health と /metrics はセッション解決の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	var collector metrics.MetricsCollector
	if deps.Metrics != nil {
		collector = deps.Metrics
		r.Use(deps.Metrics.Middleware)
	}

	// プリフライトは未登録のOPTIONSルートにも届くため、ルーター全体に適用する
	if deps.CORSAllowedOrigin != "" {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	}

	views := deps.Views
	if views == nil {
		views = MustViews()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rateLimiter := deps.RateLimiter
	if rateLimiter == nil {
		rateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	}

	authHandler := NewAuthHandler(views, deps.Resetter, deps.Cookie, collector)
	profileHandler := NewProfileHandler(views, deps.ProfileService, collector)
	eventsHandler := NewEventsHandler(deps.EventsHeartbeat)
	requireUser := authstate.RequireUser(loginPath,
		authstate.WithLoadingView(views.LoadingView()),
		authstate.WithUnavailableView(views.UnavailableView()),
		authstate.WithMaxRefreshes(deps.MaxLoadingRefreshes),
	)

	// --- セッション解決の外に置くルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- セッションを解決するルート ---
	r.Group(func(r chi.Router) {
		r.Use(authstate.Middleware(deps.Store, authstate.Config{
			Cookie:         deps.Cookie,
			ResolveTimeout: deps.ResolveTimeout,
		}))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(rateLimiter.GeneralMiddleware())

		r.Get("/", views.Home)

		// 認証フォーム（送信はIPごとのレート制限を追加）
		r.Group(func(r chi.Router) {
			r.Use(rateLimiter.AuthMiddleware())

			r.Get("/login", authHandler.LoginPage)
			r.Post("/login", authHandler.Login)
			r.Get("/signup", authHandler.SignupPage)
			r.Post("/signup", authHandler.Signup)
			r.Get("/forgot-password", authHandler.ForgotPage)
			r.Post("/forgot-password", authHandler.Forgot)
			r.Get("/reset-password", authHandler.ResetPage)
			r.Post("/reset-password", authHandler.Reset)
		})
		r.Post("/logout", authHandler.Logout)

		// Googleサインイン
		r.Route("/auth", func(r chi.Router) {
			r.Get("/google/login", authHandler.GoogleLogin)
			r.Get("/google/callback", authHandler.GoogleCallback)
			r.Get("/me", authHandler.Me)
			r.With(requireUser).Get("/events", eventsHandler.Stream)
		})

		// プロフィール（ログイン必須）
		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Get("/profile", profileHandler.Show)
			r.Post("/profile", profileHandler.Save)
			r.Get("/profile/edit", profileHandler.Edit)
		})

		// JSON API
		r.Route("/api", func(r chi.Router) {
			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler())
			r.With(RequireUserJSON).Get("/profile", profileHandler.GetJSON)
			r.With(RequireUserJSON).Put("/profile", profileHandler.PutJSON)
		})
	})

	return r
}
