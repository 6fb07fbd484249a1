// Package handler はHTTPハンドラーとサーバー描画のビューを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/memberhub/internal/authstate"
	"github.com/hitoshi/memberhub/internal/metrics"
	"github.com/hitoshi/memberhub/internal/middleware"
	"github.com/hitoshi/memberhub/internal/model"
)

const (
	oauthStateCookie = "oauth_state"

	loginPath   = "/login"
	profilePath = "/profile"
)

// PasswordResetter はパスワード再設定の確定を行う。auth.Serviceが実装する。
type PasswordResetter interface {
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
}

// AuthHandler はログイン、登録、Googleサインイン、ログアウト、パスワード再設定のハンドラー。
// 認証操作はリクエストコンテキストのauthstate.Providerを通して行う。
type AuthHandler struct {
	views    *Views
	resetter PasswordResetter
	cookie   middleware.SessionCookie
	metrics  metrics.MetricsCollector
}

// NewAuthHandler はAuthHandlerを生成する。collectorはnilでもよい。
func NewAuthHandler(views *Views, resetter PasswordResetter, cookie middleware.SessionCookie, collector metrics.MetricsCollector) *AuthHandler {
	return &AuthHandler{
		views:    views,
		resetter: resetter,
		cookie:   cookie,
		metrics:  collector,
	}
}

func (h *AuthHandler) record(action string, ok bool) {
	if h.metrics != nil {
		h.metrics.RecordAuthAttempt(action, ok)
	}
}

// provider はリクエストのProviderを返す。存在しない場合は500を書き込んでnilを返す。
func provider(w http.ResponseWriter, r *http.Request) *authstate.Provider {
	p := authstate.FromContext(r.Context())
	if p == nil {
		slog.Error("auth state missing from request context", slog.String("path", r.URL.Path))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
	return p
}

// LoginPage はログインフォームを表示する。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}

	data := viewData{Title: "Log In", ProviderEnabled: p.ProviderEnabled()}
	switch {
	case r.URL.Query().Get("error") == "google":
		data.Error = msgGoogleFailed
	case r.URL.Query().Get("reset") == "1":
		data.Notice = msgPasswordUpdated
	}
	h.views.render(w, r, http.StatusOK, pageLogin, data)
}

// Login はメールアドレスとパスワードでログインする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}

	// 1. 入力値の検証
	form := loginForm{Email: formValue(r, "email"), Password: r.PostFormValue("password")}
	data := viewData{
		Title:           "Log In",
		Form:            map[string]string{"email": form.Email},
		ProviderEnabled: p.ProviderEnabled(),
	}
	if err := form.Validate(); err != nil {
		data.Fields = fieldErrors(err)
		h.views.render(w, r, http.StatusUnprocessableEntity, pageLogin, data)
		return
	}

	// 2. ログイン（失敗理由は画面に出さない）
	session, err := p.Login(r.Context(), form.Email, form.Password)
	if err != nil {
		h.record(metrics.ActionLogin, false)
		slog.Info("sign-in failed",
			slog.String("code", model.CodeOf(err)),
			slog.String("error", err.Error()),
		)
		data.Error = msgSignInFailed
		h.views.render(w, r, http.StatusUnauthorized, pageLogin, data)
		return
	}
	h.record(metrics.ActionLogin, true)

	// 3. セッションCookieを設定してプロフィールへ
	h.cookie.Set(w, session.ID)
	http.Redirect(w, r, profilePath, http.StatusSeeOther)
}

// SignupPage は登録フォームを表示する。
// GET /signup
func (h *AuthHandler) SignupPage(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}
	h.views.render(w, r, http.StatusOK, pageSignup, viewData{Title: "Sign Up", ProviderEnabled: p.ProviderEnabled()})
}

// Signup はアカウントを作成してログインする。
// 確認用パスワードが一致しない場合はストアを呼ばずにエラーを表示する。
// POST /signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}

	// 1. 入力値の検証（確認用パスワードの一致を最初に確認）
	form := signupForm{
		Email:           formValue(r, "email"),
		Password:        r.PostFormValue("password"),
		PasswordConfirm: r.PostFormValue("password_confirm"),
	}
	data := viewData{
		Title:           "Sign Up",
		Form:            map[string]string{"email": form.Email},
		ProviderEnabled: p.ProviderEnabled(),
	}
	if err := form.Validate(); err != nil {
		data.Fields = fieldErrors(err)
		if msg, ok := data.Fields["password_confirm"]; ok && msg == msgPasswordMismatch {
			data.Error = msgPasswordMismatch
		}
		h.views.render(w, r, http.StatusUnprocessableEntity, pageSignup, data)
		return
	}

	// 2. アカウント作成
	session, err := p.Signup(r.Context(), form.Email, form.Password)
	if err != nil {
		h.record(metrics.ActionSignup, false)
		code := model.CodeOf(err)
		slog.Info("sign-up failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		data.Error = msgSignupFailed
		h.views.render(w, r, middleware.StatusForCode(code), pageSignup, data)
		return
	}
	h.record(metrics.ActionSignup, true)

	// 3. セッションCookieを設定してプロフィールへ
	h.cookie.Set(w, session.ID)
	http.Redirect(w, r, profilePath, http.StatusSeeOther)
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}
	if !p.ProviderEnabled() {
		h.record(metrics.ActionGoogle, false)
		http.Redirect(w, r, loginPath+"?error=google", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, p.ProviderLoginURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理する。
// 失敗した場合はログイン画面にエラーを表示する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}

	fail := func(reason string, attrs ...slog.Attr) {
		h.record(metrics.ActionGoogle, false)
		args := []any{slog.String("reason", reason)}
		for _, a := range attrs {
			args = append(args, a)
		}
		slog.Warn("google sign-in failed", args...)
		http.Redirect(w, r, loginPath+"?error=google", http.StatusSeeOther)
	}

	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	expected := ""
	if err == nil {
		expected = stateCookie.Value
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		fail("state mismatch")
		return
	}

	// 2. 認可コードの取得（ユーザーが同意を拒否した場合はerrorが付く）
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		fail("provider returned error", slog.String("provider_error", errParam))
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		fail("missing authorization code")
		return
	}

	// 3. 認証処理
	session, err := p.CompleteProviderLogin(r.Context(), code)
	if err != nil {
		fail("callback failed", slog.String("error", err.Error()))
		return
	}
	h.record(metrics.ActionGoogle, true)

	// 4. セッションCookieを設定してプロフィールへ
	h.cookie.Set(w, session.ID)
	http.Redirect(w, r, profilePath, http.StatusSeeOther)
}

// Logout はセッションを破棄してログイン画面へ戻す。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}

	if err := p.Logout(r.Context()); err != nil {
		// ログアウトに失敗してもCookieはクリアする
		h.record(metrics.ActionLogout, false)
		slog.Error("failed to logout", slog.String("error", err.Error()))
	} else {
		h.record(metrics.ActionLogout, true)
	}

	h.cookie.Clear(w)
	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

// ForgotPage はパスワード再設定メールの送信フォームを表示する。
// GET /forgot-password
func (h *AuthHandler) ForgotPage(w http.ResponseWriter, r *http.Request) {
	h.views.render(w, r, http.StatusOK, pageForgot, viewData{Title: "Password Reset"})
}

// Forgot はパスワード再設定メールを要求する。
// 登録の有無を推測されないよう、入力が正しければ常に同じメッセージを表示する。
// POST /forgot-password
func (h *AuthHandler) Forgot(w http.ResponseWriter, r *http.Request) {
	p := provider(w, r)
	if p == nil {
		return
	}

	form := forgotForm{Email: formValue(r, "email")}
	data := viewData{Title: "Password Reset", Form: map[string]string{"email": form.Email}}
	if err := form.Validate(); err != nil {
		data.Fields = fieldErrors(err)
		h.views.render(w, r, http.StatusUnprocessableEntity, pageForgot, data)
		return
	}

	if err := p.ResetPassword(r.Context(), form.Email); err != nil {
		h.record(metrics.ActionReset, false)
		slog.Error("failed to send password reset", slog.String("error", err.Error()))
	} else {
		h.record(metrics.ActionReset, true)
	}

	data.Notice = msgCheckInbox
	h.views.render(w, r, http.StatusOK, pageForgot, data)
}

// ResetPage は新しいパスワードの入力フォームを表示する。
// GET /reset-password?token=xxx
func (h *AuthHandler) ResetPage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	data := viewData{Title: "Choose a New Password", Form: map[string]string{"token": token}}
	status := http.StatusOK
	if token == "" {
		data.Error = msgResetLinkInvalid
		status = http.StatusBadRequest
	}
	h.views.render(w, r, status, pageReset, data)
}

// Reset はリセットトークンを検証して新しいパスワードを設定する。
// 成功すると既存のセッションはすべて無効になる。
// POST /reset-password
func (h *AuthHandler) Reset(w http.ResponseWriter, r *http.Request) {
	// 1. 入力値の検証
	form := resetForm{
		Token:           r.PostFormValue("token"),
		Password:        r.PostFormValue("password"),
		PasswordConfirm: r.PostFormValue("password_confirm"),
	}
	data := viewData{Title: "Choose a New Password", Form: map[string]string{"token": form.Token}}
	if err := form.Validate(); err != nil {
		data.Fields = fieldErrors(err)
		if msg, ok := data.Fields["token"]; ok {
			data.Error = msg
		}
		h.views.render(w, r, http.StatusUnprocessableEntity, pageReset, data)
		return
	}

	// 2. パスワードの更新
	if err := h.resetter.ConfirmPasswordReset(r.Context(), form.Token, form.Password); err != nil {
		h.record(metrics.ActionResetSet, false)
		code := model.CodeOf(err)
		switch code {
		case model.ErrCodeInvalidResetToken:
			data.Error = msgResetLinkInvalid
		case model.ErrCodeWeakPassword:
			data.Fields = map[string]string{"password": weakPasswordMessage()}
		default:
			slog.Error("failed to reset password", slog.String("error", err.Error()))
			data.Error = msgResetFailed
		}
		h.views.render(w, r, middleware.StatusForCode(code), pageReset, data)
		return
	}
	h.record(metrics.ActionResetSet, true)

	// 3. 既存セッションは無効になっているのでCookieも消してログイン画面へ
	h.cookie.Clear(w)
	http.Redirect(w, r, loginPath+"?reset=1", http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := authstate.FromContext(r.Context())
	if p != nil && p.Loading() {
		writeSessionLoading(w)
		return
	}

	var user *model.User
	if p != nil {
		user = p.CurrentUser()
	}
	if user == nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeSessionLoading はセッション確認が終わっていない場合のJSONレスポンスを書き込む。
func writeSessionLoading(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
		Code:     "SESSION_LOADING",
		Message:  "Session is still being checked.",
		Category: "system",
		Action:   "Please retry shortly.",
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
