package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/memberhub/internal/model"
)

func TestNewViews_ParsesAllPages(t *testing.T) {
	v, err := NewViews()
	if err != nil {
		t.Fatalf("NewViews() error = %v", err)
	}
	for _, page := range []string{pageHome, pageLogin, pageSignup, pageForgot, pageReset, pageProfile, pageEdit, pageLoading} {
		if v.pages[page] == nil {
			t.Errorf("page %s not parsed", page)
		}
	}
}

func TestHome_NavigationFollowsSessionState(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")
	c := app.newClient(t)

	resp, body := c.get("/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{`href="/login"`, `href="/signup"`, "Sign up or log in"} {
		if !containsStr(body, want) {
			t.Errorf("signed-out home should contain %q", want)
		}
	}
	if containsStr(body, "Logout") {
		t.Error("signed-out navigation must not show Logout")
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", resp.Header.Get("Cache-Control"))
	}

	c.login("alice@example.com", "secret1")
	_, body = c.get("/")
	if !containsStr(body, `href="/profile"`) || !containsStr(body, "Logout") {
		t.Error("signed-in navigation should show Profile and Logout")
	}
	if containsStr(body, `href="/signup"`) {
		t.Error("signed-in navigation must not show Sign Up")
	}
}

func TestMe(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")
	c := app.newClient(t)

	resp, body := c.get("/auth/me")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("signed-out status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if !containsStr(body, model.ErrCodeUnauthorized) {
		t.Errorf("body = %s", body)
	}

	c.login("alice@example.com", "secret1")
	resp, body = c.get("/auth/me")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed-in status = %d", resp.StatusCode)
	}
	var u model.User
	if err := json.Unmarshal([]byte(body), &u); err != nil {
		t.Fatal(err)
	}
	if u.Email != "alice@example.com" || u.DisplayName != "Alice" {
		t.Errorf("user = %+v", u)
	}
}

func TestSessionLoading_GuardShowsPlaceholder(t *testing.T) {
	app := newTestApp(t, func(d *RouterDeps) { d.ResolveTimeout = 20 * time.Millisecond })
	app.store.block = true
	c := app.newClient(t)

	resp, body := c.get("/profile")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if resp.Header.Get("Location") != "" {
		t.Error("loading must not redirect to login")
	}
	if !containsStr(body, "Checking your session") {
		t.Errorf("body should be the loading view, got %s", body)
	}

	resp, body = c.get("/auth/me")
	if resp.StatusCode != http.StatusServiceUnavailable || !containsStr(body, "SESSION_LOADING") {
		t.Errorf("me: status = %d, body = %s", resp.StatusCode, body)
	}

	resp, _ = c.get("/api/profile")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("api: status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestSessionLoading_GuardGivesUpAfterRefreshLimit(t *testing.T) {
	app := newTestApp(t, func(d *RouterDeps) {
		d.ResolveTimeout = 10 * time.Millisecond
		d.MaxLoadingRefreshes = 2
	})
	app.store.block = true
	c := app.newClient(t)

	for i := 0; i < 2; i++ {
		resp, _ := c.get("/profile")
		if resp.Header.Get("Refresh") != "1" {
			t.Fatalf("request %d: Refresh = %q, want 1", i+1, resp.Header.Get("Refresh"))
		}
	}

	resp, body := c.get("/profile")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if resp.Header.Get("Refresh") != "" {
		t.Error("guard must stop refreshing after the limit")
	}
	if !containsStr(body, msgSessionUnavailable) {
		t.Errorf("body should be the unavailable view, got %s", body)
	}
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	resp, body := c.get("/health")
	if resp.StatusCode != http.StatusOK || !containsStr(body, `"ok"`) {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}

	app.health.err = errors.New("connection refused")
	resp, body = c.get("/health")
	if resp.StatusCode != http.StatusServiceUnavailable || !containsStr(body, `"unavailable"`) {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint_ExposesAuthCounters(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")
	c := app.newClient(t)
	c.login("alice@example.com", "secret1")

	resp, body := c.get("/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{
		`memberhub_auth_attempts_total{action="login",result="success"} 1`,
		"memberhub_http_requests_total",
	} {
		if !containsStr(body, want) {
			t.Errorf("metrics should contain %q", want)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	app := newTestApp(t)
	resp, _ := app.newClient(t).get("/login")

	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", resp.Header.Get("X-Content-Type-Options"))
	}
	if resp.Header.Get("X-Frame-Options") == "" {
		t.Error("X-Frame-Options should be set")
	}
}

func TestCSRFTokenEndpoint(t *testing.T) {
	app := newTestApp(t)
	c := app.newClient(t)

	resp, body := c.get("/api/csrf-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}
	if got["token"] == "" || got["token"] != c.cookie("csrf_token") {
		t.Errorf("token = %q, cookie = %q", got["token"], c.cookie("csrf_token"))
	}
}

func TestEvents_StreamsSignOut(t *testing.T) {
	app := newTestApp(t)
	app.store.addUser("alice@example.com", "secret1", "Alice")
	c := app.newClient(t)
	c.login("alice@example.com", "secret1")
	sessionID := c.cookie("session_id")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, app.server.URL+"/auth/events", nil)
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() sessionEvent {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var ev sessionEvent
				if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
					t.Fatal(err)
				}
				return ev
			}
		}
	}

	first := readEvent()
	if !first.SignedIn || first.User == nil || first.User.Email != "alice@example.com" {
		t.Fatalf("first event = %+v", first)
	}

	// 別の経路（他のタブ等）でサインアウトされると通知が届く
	if err := app.store.SignOut(context.Background(), sessionID); err != nil {
		t.Fatal(err)
	}

	next := readEvent()
	if next.SignedIn || next.User != nil {
		t.Errorf("event after sign-out = %+v", next)
	}
}

func TestEvents_RequiresSignIn(t *testing.T) {
	app := newTestApp(t)
	resp, _ := app.newClient(t).get("/auth/events")

	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Errorf("status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}
