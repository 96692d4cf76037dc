package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var env struct {
		Error ErrorBody `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env.Error
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mk("a"), mk("b"), mk("c"))(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v, want [a b c]", order)
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind != string(types.KindInternal) {
		t.Errorf("kind = %q, want Internal", body.Kind)
	}
}

func TestAuthDisabledResolvesAnonymous(t *testing.T) {
	cfg := &config.Config{}
	var got types.Principal
	h := Auth(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if got.UserID != AnonymousPrincipal.UserID {
		t.Errorf("principal = %+v, want anonymous", got)
	}
}

func TestAuthResolvesPrincipal(t *testing.T) {
	cfg := &config.Config{APIKeys: map[string]config.APIPrincipal{
		"sekret-key-abcdef0123456789": {UserID: "alice", Name: "alice", Roles: []string{"admin"}},
	}}
	h := Auth(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || p.UserID != "alice" || !p.IsAdmin() {
			t.Errorf("principal = %+v ok=%v", p, ok)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-API-Key", "sekret-key-abcdef0123456789")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAuthRejectsUnknownKey(t *testing.T) {
	cfg := &config.Config{APIKeys: map[string]config.APIPrincipal{
		"sekret-key-abcdef0123456789": {UserID: "alice"},
	}}
	h := Auth(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind != string(types.KindUnauthorized) {
		t.Errorf("kind = %q, want Unauthorized", body.Kind)
	}
}

func TestAuthOpenPaths(t *testing.T) {
	cfg := &config.Config{APIKeys: map[string]config.APIPrincipal{
		"sekret-key-abcdef0123456789": {UserID: "alice"},
	}}
	h := Auth(cfg)(okHandler())

	for _, path := range []string{"/health", "/metrics", "/v1/catalog"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200 without key", path, rec.Code)
		}
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond, false)
	defer rl.Close()

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request within window should be denied")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other clients keep their own budget")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("1.2.3.4") {
		t.Error("budget should reset after the window")
	}
}

func TestRateLimitMiddlewareResponds429(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, false)
	defer rl.Close()
	h := rl.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestClientIPTrust(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if ip := ClientIP(req, false); ip != "10.0.0.1" {
		t.Errorf("untrusted ip = %q, want 10.0.0.1", ip)
	}
	if ip := ClientIP(req, true); ip != "203.0.113.7" {
		t.Errorf("trusted ip = %q, want 203.0.113.7", ip)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind types.Kind
		want int
	}{
		{types.KindInvalidArgument, http.StatusBadRequest},
		{types.KindUnauthorized, http.StatusUnauthorized},
		{types.KindPermissionDenied, http.StatusForbidden},
		{types.KindNotFound, http.StatusNotFound},
		{types.KindResourceExhausted, http.StatusTooManyRequests},
		{types.KindTimeout, http.StatusGatewayTimeout},
		{types.KindBlockedByPolicy, http.StatusUnprocessableEntity},
		{types.KindBrowserCrashed, http.StatusBadGateway},
		{types.KindUpstreamProxyFailure, http.StatusBadGateway},
		{types.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.kind); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Error("allowed origin should be echoed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("non-allowed origin must not get CORS headers")
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", rec.Code)
	}
}
