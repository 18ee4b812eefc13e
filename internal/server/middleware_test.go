package server

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agroreg/internal/auth"
	"agroreg/internal/config"
	"agroreg/internal/database"
)

func TestGzipMiddleware(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Hello World"))
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	gr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	defer gr.Close()
	body, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(body))
}

func TestGzipMiddlewareDropsContentLength(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "11")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Hello World"))
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Content-Length"))
	gr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(body))
}

func TestGzipMiddlewareSkips(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello World"))
	}))

	for name, hdr := range map[string]http.Header{
		"no accept": {},
		"websocket": {"Accept-Encoding": {"gzip"}, "Upgrade": {"websocket"}},
		"range":     {"Accept-Encoding": {"gzip"}, "Range": {"bytes=0-3"}},
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.Header = hdr
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Empty(t, w.Header().Get("Content-Encoding"))
			assert.Equal(t, "Hello World", w.Body.String())
		})
	}
}

func authFixture(t *testing.T) (*auth.TokenIssuer, int64, int64, http.Handler) {
	t.Helper()
	db, dialect, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "mw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, dialect))

	res, err := db.Exec("INSERT INTO users (username, password_hash, active) VALUES ('active', 'x', 1)")
	require.NoError(t, err)
	activeID, _ := res.LastInsertId()
	res, err = db.Exec("INSERT INTO users (username, password_hash, active) VALUES ('gone', 'x', 0)")
	require.NoError(t, err)
	goneID, _ := res.LastInsertId()

	tokens := auth.NewTokenIssuer("secret", time.Hour, "agroreg")
	h := RequireAuth(tokens, db, func(p string) bool { return p == LoginPath })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(auth.Username(r.Context())))
		}))
	return tokens, activeID, goneID, h
}

func TestRequireAuth(t *testing.T) {
	tokens, activeID, goneID, h := authFixture(t)
	good, _, err := tokens.Issue(activeID, "active", auth.RoleSeedProducer, nil)
	require.NoError(t, err)
	gone, _, err := tokens.Issue(goneID, "gone", auth.RoleSeedProducer, nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		token string
		code  int
		body  string
	}{
		{"public path", LoginPath, "", 200, "system"},
		{"non api", "/verify/abc", "", 200, "system"},
		{"missing token", "/api/v1/applications", "", 401, ""},
		{"bad token", "/api/v1/applications", "garbage", 401, ""},
		{"valid token", "/api/v1/applications", good, 200, "active"},
		{"deactivated", "/api/v1/applications", gone, 403, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestWebsocketTokenFromQuery(t *testing.T) {
	tokens, activeID, _, h := authFixture(t)
	tok, _, err := tokens.Issue(activeID, "active", auth.RoleInspector, nil)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/ws?token="+tok, nil)
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/api/v1/applications?token="+tok, nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code, "query tokens only count for websocket upgrades")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 3; i++ {
		exceeded, remaining, _ := rl.CheckRateLimit("k", 3, time.Minute)
		assert.False(t, exceeded)
		assert.Equal(t, 2-i, remaining)
	}
	exceeded, _, _ := rl.CheckRateLimit("k", 3, time.Minute)
	assert.True(t, exceeded)

	rl.Reset()
	exceeded, _, _ = rl.CheckRateLimit("k", 3, time.Minute)
	assert.False(t, exceeded)
}

func TestRateLimitMiddlewareLogin(t *testing.T) {
	h := RateLimitMiddleware(NewRateLimiter())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest("POST", LoginPath, nil)
		req.RemoteAddr = "198.51.100.7:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRecoverAndLogging(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), LoggingMiddleware(zap.NewNop(), func(*http.Request) string { return "test" }), Recover(zap.NewNop()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
