package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

// newTestChain はルーターと同じ順序でミドルウェアを積んだchi.Routerを返す。
func newTestChain(logBuf *bytes.Buffer) chi.Router {
	logger := slog.New(slog.NewJSONHandler(logBuf, nil))
	rl := NewRateLimiter(testRateLimiterConfig())

	r := chi.NewRouter()
	r.Use(NewRecoveryMiddleware())
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(func(next http.Handler) http.Handler {
		// authstate.Middlewareの代わりにユーザーIDを注入する
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uid := r.Header.Get("X-Test-User"); uid != "" {
				r = r.WithContext(ContextWithUserID(r.Context(), uid))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewCSRFMiddleware(CSRFConfig{}))
	r.Use(rl.GeneralMiddleware())

	r.Get("/api/csrf-token", NewCSRFTokenHandler().ServeHTTP)
	r.Post("/profile", func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromContext(r.Context())
		json.NewEncoder(w).Encode(map[string]string{"user_id": uid})
	})
	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	return r
}

func TestMiddlewareChain_CSRFRoundTrip(t *testing.T) {
	var logBuf bytes.Buffer
	r := newTestChain(&logBuf)

	// 1. トークンを取得
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&tok); err != nil || tok.Token == "" {
		t.Fatalf("token response: %v %q", err, tok.Token)
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("security headers should be set on every response")
	}

	// 2. トークン付きでPOST
	req := httptest.NewRequest(http.MethodPost, "/profile", nil)
	req.Header.Set("X-Test-User", "user-chain")
	req.Header.Set(csrfHeaderName, tok.Token)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tok.Token})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !bytes.Contains(logBuf.Bytes(), []byte(`"user_id":"user-chain"`)) {
		t.Errorf("request log should carry user_id, got %s", logBuf.String())
	}
}

func TestMiddlewareChain_POSTWithoutToken_Returns403(t *testing.T) {
	var logBuf bytes.Buffer
	r := newTestChain(&logBuf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/profile", nil))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestMiddlewareChain_PanicIsRecovered(t *testing.T) {
	var logBuf bytes.Buffer
	r := newTestChain(&logBuf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestRecovery_JSONPathGetsUnifiedError(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/profile", nil))

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("body should be JSON: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}

func TestRecovery_AbortHandlerIsRepanicked(t *testing.T) {
	handler := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
