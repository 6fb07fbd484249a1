package handler

import (
	"net/http"
	"net/url"
	"testing"
)

func TestLogin_Success_SetsSessionCookieAndRedirects(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")
	c := app.newClient(t)

	resp, _ := c.postForm("/login", url.Values{"email": {"alice@example.com"}, "password": {"secret1"}})

	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if loc := resp.Header.Get("Location"); loc != "/profile" {
		t.Errorf("Location = %q, want /profile", loc)
	}

	var session *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == "session_id" {
			session = ck
		}
	}
	if session == nil || session.Value == "" {
		t.Fatal("session_id cookie should be set")
	}
	if !session.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
	if session.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", session.SameSite)
	}

	// 続くリクエストはログイン済みとして扱われる
	resp, body := c.get("/profile")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d", resp.StatusCode)
	}
	if !containsStr(body, "Alice") || !containsStr(body, "alice@example.com") {
		t.Errorf("profile should show the seeded profile, got %s", body)
	}
	if !containsStr(body, "Logout") {
		t.Error("navigation should show Logout for a signed-in user")
	}
}

func TestLogin_WrongPassword_ShowsGenericMessage(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")
	c := app.newClient(t)

	resp, body := c.postForm("/login", url.Values{"email": {"alice@example.com"}, "password": {"wrong"}})

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if !containsStr(body, "Failed to sign in") {
		t.Errorf("body should contain generic message, got %s", body)
	}
	if containsStr(body, "INVALID_CREDENTIALS") {
		t.Error("body must not leak the store error code")
	}
	if !containsStr(body, `value="alice@example.com"`) {
		t.Error("email should be kept in the form")
	}
	if c.cookie("session_id") != "" {
		t.Error("no session cookie on failure")
	}
}

func TestLogin_InvalidEmail_DoesNotCallStore(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	resp, body := c.postForm("/login", url.Values{"email": {"not-an-email"}, "password": {"x"}})

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
	if !containsStr(body, msgEmailInvalid) {
		t.Errorf("body should contain validation message, got %s", body)
	}
	if app.store.signInCalls != 0 {
		t.Errorf("SignIn calls = %d, want 0", app.store.signInCalls)
	}
}

func TestSignup_PasswordMismatch_DoesNotCallStore(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	resp, body := c.postForm("/signup", url.Values{
		"email":            {"bob@example.com"},
		"password":         {"secret1"},
		"password_confirm": {"secret2"},
	})

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
	if !containsStr(body, "Passwords do not match") {
		t.Errorf("body should contain mismatch message, got %s", body)
	}
	if app.store.createAccountCalls != 0 {
		t.Errorf("CreateAccount calls = %d, want 0", app.store.createAccountCalls)
	}
}

func TestSignup_Success_SignsIn(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	resp, _ := c.postForm("/signup", url.Values{
		"email":            {"bob@example.com"},
		"password":         {"secret1"},
		"password_confirm": {"secret1"},
	})

	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/profile" {
		t.Fatalf("status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if c.cookie("session_id") == "" {
		t.Fatal("session cookie should be set after signup")
	}

	resp, body := c.get("/profile")
	if resp.StatusCode != http.StatusOK || !containsStr(body, "bob@example.com") {
		t.Errorf("profile status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestSignup_EmailInUse_ShowsGenericMessage(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("bob@example.com", "secret1", "")
	c := app.newClient(t)

	resp, body := c.postForm("/signup", url.Values{
		"email":            {"bob@example.com"},
		"password":         {"secret1"},
		"password_confirm": {"secret1"},
	})

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if !containsStr(body, "Failed to create an account") {
		t.Errorf("body should contain generic message, got %s", body)
	}
}

func TestSignup_WeakPassword_ShowsValidationMessage(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	resp, body := c.postForm("/signup", url.Values{
		"email":            {"bob@example.com"},
		"password":         {"abc"},
		"password_confirm": {"abc"},
	})

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
	if !containsStr(body, "Password should be at least 6 characters") {
		t.Errorf("body should contain weak password message, got %s", body)
	}
	if app.store.createAccountCalls != 0 {
		t.Errorf("CreateAccount calls = %d, want 0", app.store.createAccountCalls)
	}
}

func TestLogout_ClearsSessionAndRedirects(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")
	c := app.newClient(t)
	c.login("alice@example.com", "secret1")

	resp, _ := c.postForm("/logout", nil)

	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Fatalf("status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if c.cookie("session_id") != "" {
		t.Error("session cookie should be cleared")
	}
	if app.store.sessionCount() != 0 {
		t.Errorf("sessions = %d, want 0", app.store.sessionCount())
	}

	resp, _ = c.get("/profile")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Errorf("profile after logout: status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestLogout_WithoutCSRFToken_Returns403(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	req, _ := http.NewRequest(http.MethodPost, app.server.URL+"/logout", nil)
	resp, _ := c.do(req)

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

// --- Googleサインイン ---

func TestGoogleLogin_Disabled_RedirectsWithError(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	resp, _ := c.get("/auth/google/login")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login?error=google" {
		t.Fatalf("status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	_, body := c.get("/login?error=google")
	if !containsStr(body, "Failed to sign in with Google") {
		t.Errorf("login page should show google failure, got %s", body)
	}
}

func TestGoogleLogin_RedirectsToProviderWithState(t *testing.T) {
	app := newTestApp(t)
	app.store.providerEnabled = true
	c := app.newClient(t)

	resp, _ := c.get("/auth/google/login")

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	state := c.cookie(oauthStateCookie)
	if state == "" {
		t.Fatal("oauth_state cookie should be set")
	}
	if loc := resp.Header.Get("Location"); !containsStr(loc, "state="+state) {
		t.Errorf("Location = %q, should carry state %q", loc, state)
	}
}

func TestGoogleCallback_Success_SignsIn(t *testing.T) {
	app := newTestApp(t)
	app.store.providerEnabled = true
	c := app.newClient(t)
	c.get("/auth/google/login")
	state := c.cookie(oauthStateCookie)

	resp, _ := c.get("/auth/google/callback?code=good-code&state=" + url.QueryEscape(state))

	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/profile" {
		t.Fatalf("status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if c.cookie(oauthStateCookie) != "" {
		t.Error("oauth_state cookie should be cleared")
	}
	if c.cookie("session_id") == "" {
		t.Error("session cookie should be set")
	}
}

func TestGoogleCallback_Failures_RedirectToLogin(t *testing.T) {
	tests := []struct {
		name  string
		query func(state string) string
	}{
		{name: "state不一致", query: func(string) string { return "?code=good-code&state=forged" }},
		{name: "認可コードなし", query: func(s string) string { return "?state=" + url.QueryEscape(s) }},
		{name: "同意拒否", query: func(s string) string { return "?error=access_denied&state=" + url.QueryEscape(s) }},
		{name: "交換失敗", query: func(s string) string { return "?code=bad-code&state=" + url.QueryEscape(s) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			app.store.providerEnabled = true
			c := app.newClient(t)
			c.get("/auth/google/login")
			state := c.cookie(oauthStateCookie)

			resp, _ := c.get("/auth/google/callback" + tt.query(state))

			if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login?error=google" {
				t.Errorf("status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
			}
			if c.cookie("session_id") != "" {
				t.Error("no session cookie on failure")
			}
		})
	}
}

// --- パスワード再設定 ---

func TestForgotPassword_AlwaysShowsInboxMessage(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")

	for _, email := range []string{"alice@example.com", "nobody@example.com"} {
		c := app.newClient(t)
		resp, body := c.postForm("/forgot-password", url.Values{"email": {email}})
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d", email, resp.StatusCode)
		}
		if !containsStr(body, "Check your inbox for further instructions") {
			t.Errorf("%s: body should contain inbox message", email)
		}
	}
	if len(app.store.resetRequests) != 2 {
		t.Errorf("reset requests = %v", app.store.resetRequests)
	}
}

func TestForgotPassword_InvalidEmail(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	resp, body := c.postForm("/forgot-password", url.Values{"email": {""}})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnprocessableEntity)
	}
	if containsStr(body, "Check your inbox") {
		t.Error("invalid form must not show the inbox message")
	}
	if len(app.store.resetRequests) != 0 {
		t.Error("store must not be called")
	}
}

func TestResetPassword_Success_RevokesSessions(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")
	c := app.newClient(t)
	c.login("alice@example.com", "secret1")

	resp, body := c.get("/reset-password?token=" + validResetToken)
	if resp.StatusCode != http.StatusOK || !containsStr(body, validResetToken) {
		t.Fatalf("reset page status = %d", resp.StatusCode)
	}

	resp, _ = c.postForm("/reset-password", url.Values{
		"token":            {validResetToken},
		"password":         {"newsecret"},
		"password_confirm": {"newsecret"},
	})

	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login?reset=1" {
		t.Fatalf("status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if app.store.sessionCount() != 0 {
		t.Error("sessions should be revoked")
	}
	if got := app.store.confirmedPasswords; len(got) != 1 || got[0] != "newsecret" {
		t.Errorf("confirmed = %v", got)
	}

	_, body = c.get("/login?reset=1")
	if !containsStr(body, msgPasswordUpdated) {
		t.Error("login page should show password updated notice")
	}
}

func TestResetPassword_Failures(t *testing.T) {
	tests := []struct {
		name       string
		values     url.Values
		wantStatus int
		wantBody   string
	}{
		{
			name:       "無効なトークン",
			values:     url.Values{"token": {"expired"}, "password": {"newsecret"}, "password_confirm": {"newsecret"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   msgResetLinkInvalid,
		},
		{
			name:       "確認用パスワード不一致",
			values:     url.Values{"token": {validResetToken}, "password": {"newsecret"}, "password_confirm": {"other"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "Passwords do not match",
		},
		{
			name:       "短すぎるパスワード",
			values:     url.Values{"token": {validResetToken}, "password": {"abc"}, "password_confirm": {"abc"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "Password should be at least 6 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			c := app.newClient(t)

			resp, body := c.postForm("/reset-password", tt.values)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !containsStr(body, tt.wantBody) {
				t.Errorf("body should contain %q, got %s", tt.wantBody, body)
			}
		})
	}
}

func TestResetPage_MissingToken(t *testing.T) {
	app := newTestApp(t)
	resp, body := app.newClient(t).get("/reset-password")

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if !containsStr(body, msgResetLinkInvalid) {
		t.Error("body should explain the link is invalid")
	}
}
