// Package app はコマンドラインの解釈と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/memberhub/internal/auth"
	"github.com/hitoshi/memberhub/internal/config"
	"github.com/hitoshi/memberhub/internal/database"
	"github.com/hitoshi/memberhub/internal/handler"
	"github.com/hitoshi/memberhub/internal/logger"
	"github.com/hitoshi/memberhub/internal/mail"
	"github.com/hitoshi/memberhub/internal/metrics"
	"github.com/hitoshi/memberhub/internal/middleware"
	"github.com/hitoshi/memberhub/internal/profile"
	"github.com/hitoshi/memberhub/internal/repository"
	"github.com/hitoshi/memberhub/internal/security"
	"github.com/hitoshi/memberhub/internal/sessionhub"
	"github.com/hitoshi/memberhub/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルで再設定
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信するとコマンドのコンテキストがキャンセルされる。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// openDatabase はDB接続を開いて疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newRegistry はアプリケーションのメトリクスとランタイムのメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newMailer はSMTPが設定されていればSMTP送信、なければログ出力の送信者を返す。
func newMailer(cfg *config.Config) auth.ResetMailer {
	if cfg.SMTPHost == "" {
		slog.Warn("SMTP_HOST is not set; password reset mails are written to the log")
		return mail.NewLogSender(slog.Default())
	}
	return mail.NewSMTPSender(mail.Config{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
		SSL:  cfg.SMTPPort == 465,
	})
}

// newOAuthProvider はGoogleの設定が揃っている場合のみプロバイダーを返す。
func newOAuthProvider(cfg *config.Config) auth.OAuthProvider {
	googleCfg := auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	}
	if !googleCfg.Enabled() {
		slog.Info("Google sign-in is disabled")
		return nil
	}
	return auth.NewGoogleOAuthProvider(googleCfg)
}

// startRedisBroadcaster はREDIS_ADDRが設定されている場合に、インスタンス間で
// セッション変更通知を中継するブロードキャスターを起動する。
// 戻り値の関数でRedis接続を閉じる。
func startRedisBroadcaster(ctx context.Context, cfg *config.Config, hub *sessionhub.Hub) (func(), error) {
	if cfg.RedisAddr == "" {
		return func() {}, nil
	}

	rdb := sessionhub.NewRedisClient(sessionhub.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	broadcaster := sessionhub.NewRedisBroadcaster(rdb, hub, slog.Default())
	hub.SetBroadcaster(broadcaster)
	go func() {
		if err := broadcaster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, redis.ErrClosed) {
			slog.Error("session broadcaster stopped", slog.String("error", err.Error()))
		}
	}()

	slog.Info("session notifications are shared through redis", slog.String("addr", cfg.RedisAddr))
	return func() { rdb.Close() }, nil
}

// runServe はHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting application",
		slog.String("command", string(CommandServe)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	stores := auth.Stores{
		Users:       userRepo,
		Identities:  repository.NewPostgresIdentityRepo(db),
		Credentials: repository.NewPostgresCredentialRepo(db),
		Sessions:    sessionRepo,
		Resets:      repository.NewPostgresPasswordResetRepo(db),
	}
	docRepo := repository.NewPostgresDocumentRepo(db)

	// 3. メトリクス
	registry, collector := newRegistry()

	// 4. セッション変更通知のハブ
	hub := sessionhub.NewHub(auth.SessionResolver(sessionRepo, userRepo), slog.Default())
	hub.SetRecorder(collector)

	closeRedis, err := startRedisBroadcaster(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer closeRedis()

	// 5. ドメインサービスの初期化
	authService := auth.NewService(
		newOAuthProvider(cfg),
		stores,
		hub,
		newMailer(cfg),
		auth.NewResetTokenIssuer(cfg.SessionSecret),
		auth.ServiceConfig{
			SessionMaxAge:    cfg.SessionMaxAge,
			PasswordResetTTL: cfg.PasswordResetTTL,
			ResetURL:         cfg.ResetURL(),
		},
	)
	profileService := profile.NewService(docRepo, security.NewTextSanitizer())

	// 6. ルーターの構築（config のレート制限は req/min 単位）
	deps := &handler.RouterDeps{
		Store:    authService,
		Resetter: authService,
		Cookie: middleware.SessionCookie{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
			MaxAge: cfg.SessionMaxAge,
		},
		ResolveTimeout: cfg.AuthResolveTimeout,

		ProfileService: profileService,

		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter: middleware.NewRateLimiter(
			middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
		),
		Logger: slog.Default(),

		HealthChecker:  db,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	// WriteTimeoutはSSEのハンドラーが接続ごとに解除する
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serveUntilDone(ctx, server, "HTTP server")
}

// serveUntilDone はctxがキャンセルされるまでサーバーを動かし、その後グレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れのセッションとパスワード再設定リクエストをCLEANUP_INTERVALごとに削除する。
// metricsAddrが指定された場合は削除件数を /metrics で公開する。
func runWorker(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	slog.Info("starting application", slog.String("command", string(CommandWorker)))

	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. メトリクス
	registry, collector := newRegistry()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := serveUntilDone(ctx, server, "worker metrics server"); err != nil {
				slog.Error("worker metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	// 3. クリーンアップジョブの起動（ctxがキャンセルされるまでブロック）
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default(), collector)

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)
	cleanupJob.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.MigrateUp(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
