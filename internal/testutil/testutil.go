// Package testutil builds a fully wired application on a throwaway SQLite
// database for handler tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/blob"
	"agroreg/internal/config"
	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/notify"
	"agroreg/internal/server"
	"agroreg/internal/websocket"
)

// PublicURL is the base URL test apps use for label verification links.
const PublicURL = "https://seeds.example.org"

// Password is the password of every user CreateUser makes.
const Password = "password123"

// NewApp creates an App backed by a migrated temp-file SQLite database with
// the default role permissions seeded, an in-memory blob store and a mailer
// that only writes email_log rows.
func NewApp(t *testing.T) *server.App {
	t.Helper()
	cfg := &config.Config{
		Env:      "test",
		HTTP:     config.HTTPConfig{PublicURL: PublicURL, MaxUploadMB: 20},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")},
		Auth:     config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour, Issuer: "agroreg"},
		Storage:  config.StorageConfig{Driver: string(blob.DriverMemory)},
	}

	db, dialect, err := database.Open(cfg.Database)
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := database.Migrate(ctx, db, dialect); err != nil {
		t.Fatalf("Failed to migrate test DB: %v", err)
	}
	perms := auth.NewPermCache()
	if err := auth.SeedDefaultPermissions(ctx, db, dialect, perms); err != nil {
		t.Fatalf("Failed to seed permissions: %v", err)
	}

	log := zap.NewNop()
	hub := websocket.NewHub(log)
	return &server.App{
		Config:    cfg,
		DB:        db,
		Dialect:   dialect,
		Log:       log,
		Hub:       hub,
		PermCache: perms,
		Tokens:    auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer),
		Audit:     audit.New(db, hub, log),
		Mailer:    notify.New(cfg.SMTP, db, log),
		Blobs:     blob.NewMemory(),
	}
}

// CreateUser inserts an active user with the given role and returns its id.
// The email is <username>@example.org.
func CreateUser(t *testing.T, app *server.App, username, role string) int64 {
	t.Helper()
	hash, err := auth.HashPassword(Password)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	res, err := app.DB.Exec(`INSERT INTO users (username, email, display_name, password_hash, role, active)
		VALUES (?, ?, ?, ?, ?, 1)`, username, username+"@example.org", username, hash, role)
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", username, err)
	}
	id, _ := res.LastInsertId()
	return id
}

// CreateCrop inserts a crop with one variety and returns the crop id.
func CreateCrop(t *testing.T, app *server.App, name, variety string) int64 {
	t.Helper()
	res, err := app.DB.Exec("INSERT INTO crops (name, code) VALUES (?, ?)", name, name[:min(3, len(name))])
	if err != nil {
		t.Fatalf("Failed to create crop: %v", err)
	}
	id, _ := res.LastInsertId()
	if variety != "" {
		if _, err := app.DB.Exec("INSERT INTO crop_varieties (crop_id, name, category) VALUES (?, ?, 'certified')", id, variety); err != nil {
			t.Fatalf("Failed to create variety: %v", err)
		}
	}
	return id
}

// CreateStockRecord inserts a lot owned by userID and returns its id.
func CreateStockRecord(t *testing.T, app *server.App, userID, cropID int64, lot string, kg decimal.Decimal) int64 {
	t.Helper()
	res, err := app.DB.Exec(`INSERT INTO stock_records (user_id, lot_number, crop_id, variety, category, quantity_kg, source, source_id)
		VALUES (?, ?, ?, 'Longe 5', 'certified', ?, 'stock_examination', 0)`, userID, lot, cropID, kg.String())
	if err != nil {
		t.Fatalf("Failed to create stock record: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

// Claims builds the claims a login by userID would carry.
func Claims(t *testing.T, app *server.App, userID int64) *auth.Claims {
	t.Helper()
	var username, role string
	if err := app.DB.QueryRow("SELECT username, role FROM users WHERE id = ?", userID).Scan(&username, &role); err != nil {
		t.Fatalf("Failed to load user %d: %v", userID, err)
	}
	return &auth.Claims{UserID: userID, Username: username, Role: role, Permissions: app.PermCache.Permissions(role)}
}

// JSONRequest creates a request with a JSON body. body may be nil.
func JSONRequest(method, path string, body interface{}) *http.Request {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AsUser attaches userID's claims to req, as the auth middleware would.
func AsUser(t *testing.T, app *server.App, req *http.Request, userID int64) *http.Request {
	t.Helper()
	return req.WithContext(auth.WithClaims(req.Context(), Claims(t, app, userID)))
}

// Token issues a bearer token for userID.
func Token(t *testing.T, app *server.App, userID int64) string {
	t.Helper()
	c := Claims(t, app, userID)
	tok, _, err := app.Tokens.Issue(c.UserID, c.Username, c.Role, c.Permissions)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return tok
}

// DecodeAPIResponse decodes an APIResponse from a ResponseRecorder.
func DecodeAPIResponse(t *testing.T, w *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode API response: %v", err)
	}
	return response
}

// AssertStatus checks that the HTTP status code matches expected.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Fatalf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// DecodeEnvelope decodes an API response envelope and extracts the data.
func DecodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode API envelope: %v", err)
	}
	dataBytes, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(dataBytes, v); err != nil {
		t.Fatalf("Failed to decode data from envelope: %v", err)
	}
}

// EmailCount returns how many email_log rows carry eventType.
func EmailCount(t *testing.T, app *server.App, eventType string) int {
	t.Helper()
	var n int
	if err := app.DB.QueryRow("SELECT COUNT(*) FROM email_log WHERE event_type = ?", eventType).Scan(&n); err != nil {
		t.Fatalf("Failed to count emails: %v", err)
	}
	return n
}

// HistoryCount returns how many status_history rows exist for a record.
func HistoryCount(t *testing.T, app *server.App, entity string, id int64) int {
	t.Helper()
	var n int
	if err := app.DB.QueryRow("SELECT COUNT(*) FROM status_history WHERE entity = ? AND record_id = ?", entity, id).Scan(&n); err != nil {
		t.Fatalf("Failed to count history: %v", err)
	}
	return n
}

// Do runs fn as userID against a JSON request and returns the recorder.
func Do(t *testing.T, app *server.App, userID int64, method, path string, body interface{}, fn http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	fn(w, AsUser(t, app, JSONRequest(method, path, body), userID))
	return w
}

// WithID adapts an id-taking handler to an http.HandlerFunc.
func WithID(fn func(http.ResponseWriter, *http.Request, string), id int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { fn(w, r, strconv.FormatInt(id, 10)) }
}
