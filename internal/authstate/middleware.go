package authstate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/memberhub/internal/middleware"
)

type contextKey struct{}

// NewContext はProviderを格納したコンテキストを返す。
func NewContext(ctx context.Context, p *Provider) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext はコンテキストからProviderを取得する。存在しない場合はnilを返す。
func FromContext(ctx context.Context) *Provider {
	p, _ := ctx.Value(contextKey{}).(*Provider)
	return p
}

// Config はMiddlewareの設定。
type Config struct {
	Cookie         middleware.SessionCookie
	ResolveTimeout time.Duration // 最初の通知を待つ上限
}

// Middleware はリクエストごとにProviderを生成して購読を開始し、最初の通知を待ってから
// 後続のハンドラーに渡す。待ち時間がResolveTimeoutを超えた場合はloadingのまま渡す。
// リクエスト終了時に購読を解除する。
func Middleware(store Store, cfg Config) func(next http.Handler) http.Handler {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 2 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからセッションIDを取得してProviderを開始
			p := NewProvider(store, cfg.Cookie.Read(r))
			p.Mount()
			defer p.Unmount()

			// 2. 最初の通知を待つ
			ctx, cancel := context.WithTimeout(r.Context(), cfg.ResolveTimeout)
			err := p.Wait(ctx)
			cancel()
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				slog.Warn("session resolution timed out",
					slog.String("path", r.URL.Path),
					slog.Duration("timeout", cfg.ResolveTimeout),
				)
			}

			// 3. Providerとユーザーをコンテキストに注入
			reqCtx := NewContext(r.Context(), p)
			if u := p.CurrentUser(); u != nil {
				reqCtx = middleware.ContextWithUserID(reqCtx, u.ID)
			}
			next.ServeHTTP(w, r.WithContext(reqCtx))
		})
	}
}
