package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/memberhub/internal/metrics"
	"github.com/hitoshi/memberhub/internal/middleware"
	"github.com/hitoshi/memberhub/internal/model"
	"github.com/hitoshi/memberhub/internal/profile"
	"github.com/hitoshi/memberhub/internal/security"
	"github.com/hitoshi/memberhub/internal/sessionhub"
)

// --- ステートフルな認証ストアのフェイク ---

const validResetToken = "valid-reset-token"

type fakeAuthStore struct {
	hub *sessionhub.Hub

	mu        sync.Mutex
	users     map[string]*model.User // email -> user
	passwords map[string]string      // email -> password
	sessions  map[string]string      // sessionID -> userID
	nextID    int

	providerEnabled bool
	block           bool // trueの場合は最初の通知を送らない

	createAccountCalls int
	signInCalls        int
	resetRequests      []string
	confirmedPasswords []string
}

func newFakeAuthStore() *fakeAuthStore {
	s := &fakeAuthStore{
		users:     make(map[string]*model.User),
		passwords: make(map[string]string),
		sessions:  make(map[string]string),
	}
	s.hub = sessionhub.NewHub(s.resolve, nil)
	return s
}

func (s *fakeAuthStore) resolve(_ context.Context, sessionID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return s.userByIDLocked(userID).Clone(), nil
}

func (s *fakeAuthStore) userByIDLocked(id string) *model.User {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// addUser はテスト用のユーザーを登録する。
func (s *fakeAuthStore) addUser(email, password, name string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	u := &model.User{ID: fmt.Sprintf("user-%d", s.nextID), Email: email, DisplayName: name}
	s.users[email] = u
	s.passwords[email] = password
	return u.Clone()
}

func (s *fakeAuthStore) newSessionLocked(userID string) *model.Session {
	s.nextID++
	id := fmt.Sprintf("session-%d", s.nextID)
	s.sessions[id] = userID
	return &model.Session{ID: id, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
}

func (s *fakeAuthStore) user(email string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[email].Clone()
}

func (s *fakeAuthStore) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *fakeAuthStore) Subscribe(sessionID string, fn func(*model.User)) func() {
	if s.block {
		return func() {}
	}
	return s.hub.Subscribe(sessionID, fn)
}

func (s *fakeAuthStore) CreateAccount(_ context.Context, email, password string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createAccountCalls++
	if _, ok := s.users[email]; ok {
		return nil, model.NewEmailInUseError()
	}
	s.nextID++
	u := &model.User{ID: fmt.Sprintf("user-%d", s.nextID), Email: email}
	s.users[email] = u
	s.passwords[email] = password
	return s.newSessionLocked(u.ID), nil
}

func (s *fakeAuthStore) SignIn(_ context.Context, email, password string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signInCalls++
	u, ok := s.users[email]
	if !ok || s.passwords[email] != password {
		return nil, model.NewInvalidCredentialsError()
	}
	return s.newSessionLocked(u.ID), nil
}

func (s *fakeAuthStore) ProviderEnabled() bool { return s.providerEnabled }

func (s *fakeAuthStore) GetLoginURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + url.QueryEscape(state)
}

func (s *fakeAuthStore) HandleCallback(_ context.Context, code string) (*model.Session, error) {
	if code != "good-code" {
		return nil, model.NewProviderFailedError(fmt.Errorf("exchange failed"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users["google@example.com"]
	if !ok {
		s.nextID++
		u = &model.User{ID: fmt.Sprintf("user-%d", s.nextID), Email: "google@example.com", DisplayName: "Google User"}
		s.users[u.Email] = u
	}
	return s.newSessionLocked(u.ID), nil
}

func (s *fakeAuthStore) SignOut(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return s.hub.Publish(ctx, sessionID, nil)
}

func (s *fakeAuthStore) SendPasswordReset(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetRequests = append(s.resetRequests, email)
	return nil
}

func (s *fakeAuthStore) UpdateDisplayName(ctx context.Context, userID, name string) (*model.User, error) {
	s.mu.Lock()
	u := s.userByIDLocked(userID)
	if u == nil {
		s.mu.Unlock()
		return nil, model.NewUserNotFoundError()
	}
	u.DisplayName = name
	updated := u.Clone()
	var ids []string
	for id, uid := range s.sessions {
		if uid == userID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.hub.Publish(ctx, id, updated)
	}
	return updated, nil
}

func (s *fakeAuthStore) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if token != validResetToken {
		return model.NewInvalidResetTokenError()
	}
	s.mu.Lock()
	s.confirmedPasswords = append(s.confirmedPasswords, newPassword)
	var revoked []string
	for id := range s.sessions {
		revoked = append(revoked, id)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, id := range revoked {
		_ = s.hub.Publish(ctx, id, nil)
	}
	return nil
}

// --- インメモリのドキュメントストア ---

type memDocs struct {
	mu        sync.Mutex
	docs      map[string]json.RawMessage
	upsertErr error
}

func newMemDocs() *memDocs {
	return &memDocs{docs: make(map[string]json.RawMessage)}
}

func (m *memDocs) GetDocument(_ context.Context, collection, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[collection+"/"+key], nil
}

func (m *memDocs) UpsertDocument(_ context.Context, collection, key string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.docs[collection+"/"+key] = raw
	return nil
}

func (m *memDocs) setUpsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

type fakeHealthChecker struct {
	err error
}

func (f *fakeHealthChecker) PingContext(context.Context) error { return f.err }

// --- テスト用アプリケーション ---

type testApp struct {
	store   *fakeAuthStore
	docs    *memDocs
	health  *fakeHealthChecker
	reg     *prometheus.Registry
	server  *httptest.Server
	handler http.Handler
}

func newTestApp(t *testing.T, opts ...func(*RouterDeps)) *testApp {
	t.Helper()

	store := newFakeAuthStore()
	docs := newMemDocs()
	health := &fakeHealthChecker{}
	reg := prometheus.NewRegistry()

	deps := &RouterDeps{
		Store:           store,
		Resetter:        store,
		Cookie:          middleware.SessionCookie{MaxAge: 3600},
		ResolveTimeout:  time.Second,
		ProfileService:  profile.NewService(docs, security.NewTextSanitizer()),
		RateLimiter:     middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(1000, 1000)),
		HealthChecker:   health,
		Metrics:         metrics.NewCollector(reg),
		MetricsHandler:  metrics.Handler(reg),
		EventsHeartbeat: time.Minute,
	}
	for _, opt := range opts {
		opt(deps)
	}

	h := NewRouter(deps)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testApp{store: store, docs: docs, health: health, reg: reg, server: srv, handler: h}
}

// testClient はCookieを保持し、リダイレクトを追わないHTTPクライアント。
type testClient struct {
	t      *testing.T
	base   *url.URL
	client *http.Client
}

func (a *testApp) newClient(t *testing.T) *testClient {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	base, _ := url.Parse(a.server.URL)
	return &testClient{
		t:    t,
		base: base,
		client: &http.Client{
			Jar:     jar,
			Timeout: 5 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *testClient) do(req *http.Request) (*http.Response, string) {
	c.t.Helper()
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func (c *testClient) get(path string) (*http.Response, string) {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		c.t.Fatal(err)
	}
	return c.do(req)
}

func (c *testClient) cookie(name string) string {
	for _, ck := range c.client.Jar.Cookies(c.base) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// csrfToken はCSRF Cookieが無ければトップページを取得して発行させる。
func (c *testClient) csrfToken() string {
	c.t.Helper()
	if token := c.cookie("csrf_token"); token != "" {
		return token
	}
	c.get("/")
	token := c.cookie("csrf_token")
	if token == "" {
		c.t.Fatal("csrf cookie was not issued")
	}
	return token
}

func (c *testClient) postForm(path string, values url.Values) (*http.Response, string) {
	c.t.Helper()
	if values == nil {
		values = url.Values{}
	}
	values.Set(middleware.CSRFFormField, c.csrfToken())
	req, err := http.NewRequest(http.MethodPost, c.base.String()+path, strings.NewReader(values.Encode()))
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *testClient) sendJSON(method, path, body string) (*http.Response, string) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base.String()+path, strings.NewReader(body))
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", c.csrfToken())
	return c.do(req)
}

// login はフォームからログインし、成功したことを確認する。
func (c *testClient) login(email, password string) {
	c.t.Helper()
	resp, body := c.postForm("/login", url.Values{"email": {email}, "password": {password}})
	if resp.StatusCode != http.StatusSeeOther {
		c.t.Fatalf("login status = %d, body = %s", resp.StatusCode, body)
	}
}

func containsStr(s, substr string) bool {
	return strings.Contains(s, substr)
}
