package authstate

import (
	"net/http"
	"strconv"
)

const defaultLoadingPage = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>Loading</title></head>
<body><p>Checking your session&hellip;</p></body></html>
`

const defaultUnavailablePage = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>Unavailable</title></head>
<body><p>We could not check your session. Please reload the page to try again.</p></body></html>
`

// loadingAttemptsCookie は読み込み中ページを連続して返した回数を保持するクッキー名。
const loadingAttemptsCookie = "session_check_attempts"

// DefaultMaxLoadingRefreshes は読み込み中ページで自動再読み込みさせる回数の上限。
const DefaultMaxLoadingRefreshes = 10

// GuardOption はRequireUserのオプション。
type GuardOption func(*guard)

type guard struct {
	loginPath    string
	loading      http.Handler
	unavailable  http.Handler
	maxRefreshes int
}

// WithLoadingView は読み込み中に表示するハンドラーを指定する。
// ステータス503とRefreshヘッダーはRequireUserが設定する。
func WithLoadingView(h http.Handler) GuardOption {
	return func(g *guard) { g.loading = h }
}

// WithUnavailableView は自動再読み込みの上限に達したときに表示するハンドラーを指定する。
// ステータス503はRequireUserが設定し、Refreshヘッダーは付けない。
func WithUnavailableView(h http.Handler) GuardOption {
	return func(g *guard) { g.unavailable = h }
}

// WithMaxRefreshes は読み込み中ページで自動再読み込みさせる回数の上限を指定する。
func WithMaxRefreshes(n int) GuardOption {
	return func(g *guard) {
		if n > 0 {
			g.maxRefreshes = n
		}
	}
}

// RequireUser はログイン済みの場合のみ後続のハンドラーを実行するミドルウェアを返す。
// 読み込み中はリダイレクトせずに503を返し、ブラウザに再読み込みさせる。
// 未ログインの場合はloginPathへ303でリダイレクトする。
// 読み込み中が続いて再読み込みの回数が上限を超えた場合は、再読み込みを止めてエラー画面を返す。
func RequireUser(loginPath string, opts ...GuardOption) func(next http.Handler) http.Handler {
	g := &guard{loginPath: loginPath, maxRefreshes: DefaultMaxLoadingRefreshes}
	for _, opt := range opts {
		opt(g)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())

			if p != nil && p.Loading() {
				g.serveLoading(w, r)
				return
			}

			resetLoadingAttempts(w, r)
			if p == nil || p.CurrentUser() == nil {
				http.Redirect(w, r, g.loginPath, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *guard) serveLoading(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	// 1. 上限に達したら再読み込みをやめてエラー画面を返す
	attempts := loadingAttempts(r) + 1
	if attempts > g.maxRefreshes {
		clearLoadingAttempts(w)
		serveWithStatus(w, r, g.unavailable, defaultUnavailablePage)
		return
	}

	// 2. 回数を記録してブラウザに再読み込みさせる
	http.SetCookie(w, &http.Cookie{
		Name:     loadingAttemptsCookie,
		Value:    strconv.Itoa(attempts),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Refresh", "1")
	w.Header().Set("Retry-After", "1")
	serveWithStatus(w, r, g.loading, defaultLoadingPage)
}

// serveWithStatus はhを503で実行する。hがnilの場合はfallbackのHTMLを書き込む。
func serveWithStatus(w http.ResponseWriter, r *http.Request, h http.Handler, fallback string) {
	if h != nil {
		h.ServeHTTP(&statusOverride{ResponseWriter: w, status: http.StatusServiceUnavailable}, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(fallback))
}

func loadingAttempts(r *http.Request) int {
	c, err := r.Cookie(loadingAttemptsCookie)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(c.Value)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func resetLoadingAttempts(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(loadingAttemptsCookie); err == nil {
		clearLoadingAttempts(w)
	}
}

func clearLoadingAttempts(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     loadingAttemptsCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// statusOverride はステータスコードを固定するResponseWriter。
type statusOverride struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusOverride) WriteHeader(int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(s.status)
}

func (s *statusOverride) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(s.status)
	}
	return s.ResponseWriter.Write(b)
}
