package audit

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/auth"
	"agroreg/internal/config"
	"agroreg/internal/database"
)

func newLogger(t *testing.T) (*Logger, context.Context) {
	t.Helper()
	db, dialect, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "audit.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, dialect))

	ctx := auth.WithClaims(context.Background(), &auth.Claims{UserID: 4, Username: "okello"})
	return New(db, nil, nil), WithClientIP(ctx, "10.0.0.8")
}

func TestLogAndList(t *testing.T) {
	l, ctx := newLogger(t)

	l.Log(ctx, ActionCreate, "applications", 1, "created sr4 application")
	l.Log(ctx, ActionApprove, "applications", 1, "approved sr4 application")
	l.Log(ctx, ActionCreate, "seed_labs", 3, "created lab request")

	all, total, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, "seed_labs", all[0].Module, "newest first")
	assert.Equal(t, "okello", all[0].Username)
	assert.Equal(t, "3", all[0].RecordID)

	apps, total, err := l.List(ctx, Filter{Module: "applications", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, apps, 1)
	assert.Equal(t, ActionApprove, apps[0].Action)
}

func TestLogWithoutClaimsUsesSystem(t *testing.T) {
	l, _ := newLogger(t)
	l.Log(context.Background(), ActionImport, "catalog", 0, "imported crops")

	entries, _, err := l.List(context.Background(), Filter{Username: "system"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "", entries[0].RecordID)
}

func TestCleanupKeepsRecentEntries(t *testing.T) {
	l, ctx := newLogger(t)
	l.Log(ctx, ActionLogin, "auth", 4, "login")

	n, err := l.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Log(context.Background(), ActionCreate, "x", 1, "y") })
}
