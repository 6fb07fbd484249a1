package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/memberhub/internal/authstate"
	"github.com/hitoshi/memberhub/internal/middleware"
	"github.com/hitoshi/memberhub/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// ページ名（templates/ 配下のファイル名）
const (
	pageHome    = "home.html"
	pageLogin   = "login.html"
	pageSignup  = "signup.html"
	pageForgot  = "forgot.html"
	pageReset   = "reset.html"
	pageProfile = "profile.html"
	pageEdit    = "edit.html"
	pageLoading = "loading.html"

	pageUnavailable = "unavailable.html"
)

// viewData はテンプレートに渡す値。
type viewData struct {
	Title           string
	User            *model.User
	CSRFToken       string
	Error           string
	Notice          string
	Form            map[string]string // 再表示する入力値
	Fields          map[string]string // 入力欄ごとのエラー
	Profile         *model.Profile
	ProviderEnabled bool
	Year            int
}

// Views はレイアウトと各ページのテンプレートを保持する。
type Views struct {
	pages map[string]*template.Template
}

// NewViews は埋め込みテンプレートを解析する。
func NewViews() (*Views, error) {
	v := &Views{pages: make(map[string]*template.Template)}
	for _, page := range []string{pageHome, pageLogin, pageSignup, pageForgot, pageReset, pageProfile, pageEdit, pageLoading, pageUnavailable} {
		t, err := template.New(page).ParseFS(templateFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", page, err)
		}
		v.pages[page] = t
	}
	return v, nil
}

// MustViews はNewViewsのpanic版。テンプレートは埋め込みなので起動時に失敗する。
func MustViews() *Views {
	v, err := NewViews()
	if err != nil {
		panic(err)
	}
	return v
}

// render はページを描画する。共通項目（ユーザー、CSRFトークン）はリクエストから補う。
func (v *Views) render(w http.ResponseWriter, r *http.Request, status int, page string, data viewData) {
	if p := authstate.FromContext(r.Context()); p != nil && data.User == nil {
		data.User = p.CurrentUser()
	}
	data.CSRFToken = middleware.CSRFTokenFromContext(r.Context())
	data.Year = time.Now().Year()

	t, ok := v.pages[page]
	if !ok {
		slog.Error("unknown page", slog.String("page", page))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("failed to render page",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// LoadingView はセッション確認中に表示するハンドラーを返す。RequireUserに渡す。
func (v *Views) LoadingView() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.render(w, r, http.StatusServiceUnavailable, pageLoading, viewData{Title: "Loading"})
	})
}

// UnavailableView はセッション確認を諦めたときに表示するハンドラーを返す。RequireUserに渡す。
func (v *Views) UnavailableView() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.render(w, r, http.StatusServiceUnavailable, pageUnavailable, viewData{
			Title: "Unavailable",
			Error: msgSessionUnavailable,
		})
	})
}

// Home はトップページを表示する。
// GET /
func (v *Views) Home(w http.ResponseWriter, r *http.Request) {
	v.render(w, r, http.StatusOK, pageHome, viewData{})
}
