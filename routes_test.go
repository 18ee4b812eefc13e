package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/auth"
	"agroreg/internal/handlers/admin"
	"agroreg/internal/handlers/applications"
	"agroreg/internal/models"
	"agroreg/internal/server"
	"agroreg/internal/testutil"
	"agroreg/internal/websocket"
)

func serve(h http.Handler, req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouterAuthFlow(t *testing.T) {
	app := testutil.NewApp(t)
	h := newRouter(app, server.NewRateLimiter())
	testutil.CreateUser(t, app, "grower", auth.RoleSeedProducer)

	w := serve(h, testutil.JSONRequest("POST", "/api/v1/auth/login", admin.LoginRequest{Username: "grower", Password: testutil.Password}), "")
	testutil.AssertStatus(t, w, http.StatusOK)
	var res admin.LoginResponse
	testutil.DecodeEnvelope(t, w, &res)
	require.NotEmpty(t, res.Token)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/api/v1/auth/me", nil), ""), http.StatusUnauthorized)
	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/api/v1/auth/me", nil), "garbage"), http.StatusUnauthorized)

	w = serve(h, httptest.NewRequest("GET", "/api/v1/auth/me", nil), res.Token)
	testutil.AssertStatus(t, w, http.StatusOK)
	var me admin.MeResponse
	testutil.DecodeEnvelope(t, w, &me)
	assert.Equal(t, "grower", me.User.Username)

	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/api/v1/applications/", nil), res.Token), http.StatusOK)
	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/api/v1/users", nil), res.Token), http.StatusForbidden)
	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/api/v1/no-such-thing", nil), res.Token), http.StatusNotFound)
	testutil.AssertStatus(t, serve(h, httptest.NewRequest("PATCH", "/api/v1/applications/1", nil), res.Token), http.StatusNotFound)
}

func TestRouterPublicEndpoints(t *testing.T) {
	app := testutil.NewApp(t)
	h := newRouter(app, server.NewRateLimiter())

	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/api/v1/health", nil), ""), http.StatusOK)
	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/verify/not-a-code", nil), ""), http.StatusNotFound)
	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/verify/7d444840-9dc0-11d1-b245-5ffdce74fad2", nil), ""), http.StatusNotFound)
	testutil.AssertStatus(t, serve(h, httptest.NewRequest("POST", "/verify/x", nil), ""), http.StatusMethodNotAllowed)

	w := serve(h, httptest.NewRequest("GET", "/metrics", nil), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestLoginRateLimit(t *testing.T) {
	app := testutil.NewApp(t)
	h := newRouter(app, server.NewRateLimiter())

	var last int
	for i := 0; i < 6; i++ {
		w := serve(h, testutil.JSONRequest("POST", "/api/v1/auth/login", admin.LoginRequest{Username: "x", Password: "wrong-password"}), "")
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestDeactivatedTokenRefused(t *testing.T) {
	app := testutil.NewApp(t)
	h := newRouter(app, server.NewRateLimiter())
	id := testutil.CreateUser(t, app, "gone", auth.RoleInspector)
	tok := testutil.Token(t, app, id)

	_, err := app.DB.Exec("UPDATE users SET active = 0 WHERE id = ?", id)
	require.NoError(t, err)
	testutil.AssertStatus(t, serve(h, httptest.NewRequest("GET", "/api/v1/auth/me", nil), tok), http.StatusForbidden)
}

func TestRouteName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/applications/42/approve", "/api/v1/applications/:id/approve"},
		{"/api/v1/crops/", "/api/v1/crops"},
		{"/api/v1/settings/permissions/inspector", "/api/v1/settings/permissions/:role"},
		{"/verify/abc", "/verify/:code"},
		{"/metrics", "/metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, routeName(httptest.NewRequest("GET", tt.path, nil)))
		})
	}
}

func TestAcceptEvents(t *testing.T) {
	grower := &auth.Claims{UserID: 7, Permissions: map[string]bool{auth.PermApplicationsCreate: true}}
	officer := &auth.Claims{UserID: 1, Permissions: map[string]bool{auth.PermApplicationsViewAll: true}}

	own := websocket.Event{Entity: applications.Module, ID: int64(3), OwnerID: 7}
	other := websocket.Event{Entity: applications.Module, ID: int64(4), OwnerID: 8}
	crop := websocket.Event{Entity: "catalog", ID: int64(1)}
	users := websocket.Event{Entity: admin.Module, ID: int64(9)}

	assert.True(t, acceptEvents(grower)(own))
	assert.False(t, acceptEvents(grower)(other))
	assert.True(t, acceptEvents(grower)(crop))
	assert.False(t, acceptEvents(grower)(users))
	assert.True(t, acceptEvents(officer)(other))
	assert.False(t, acceptEvents(officer)(users))
}

func TestCompressedDownload(t *testing.T) {
	app := testutil.NewApp(t)
	h := newRouter(app, server.NewRateLimiter())
	token := testutil.Token(t, app, testutil.CreateUser(t, app, "grower", auth.RoleSeedProducer))

	w := serve(h, testutil.JSONRequest("POST", "/api/v1/applications", map[string]any{
		"form_type":      "sr4",
		"applicant_name": "Mbale Seed Co",
		"address":        "Plot 9, Mbale",
		"dealers_in":     "agricultural_seed",
	}), token)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var form models.ApplicationForm
	testutil.DecodeEnvelope(t, w, &form)

	content := strings.Repeat("north field, 4 acres, isolation 200 m\n", 200)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("module", "applications"))
	require.NoError(t, mw.WriteField("record_id", fmt.Sprint(form.ID)))
	part, err := mw.CreateFormFile("file", "site-plan.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest("POST", "/api/v1/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = serve(h, req, token)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var att models.Attachment
	testutil.DecodeEnvelope(t, w, &att)

	srv := httptest.NewServer(h)
	defer srv.Close()
	get, err := http.NewRequest("GET", fmt.Sprintf("%s/api/v1/attachments/%d/download", srv.URL, att.ID), nil)
	require.NoError(t, err)
	get.Header.Set("Authorization", "Bearer "+token)
	get.Header.Set("Accept-Encoding", "gzip")
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(get)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.NotEqual(t, fmt.Sprint(len(content)), resp.Header.Get("Content-Length"))
	gr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	got, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	// Without gzip the raw length is advertised.
	plain := httptest.NewRequest("GET", fmt.Sprintf("/api/v1/attachments/%d/download", att.ID), nil)
	w = serve(h, plain, token)
	testutil.AssertStatus(t, w, http.StatusOK)
	assert.Equal(t, fmt.Sprint(len(content)), w.Header().Get("Content-Length"))
	assert.Equal(t, content, w.Body.String())
}
