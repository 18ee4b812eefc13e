package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/config"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, dialect, err := Open(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 8,
		MaxIdleConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db, dialect))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(context.Background(), db, SQLite))

	for _, table := range Tables() {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestDialectRender(t *testing.T) {
	ddl := "CREATE TABLE x (id {{pk}}){{engine}}"
	assert.Equal(t, "CREATE TABLE x (id INTEGER PRIMARY KEY AUTOINCREMENT)", SQLite.render(ddl))
	assert.Equal(t, "CREATE TABLE x (id BIGINT PRIMARY KEY AUTO_INCREMENT) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4", MySQL.render(ddl))
	assert.Equal(t, "INSERT IGNORE INTO", MySQL.InsertIgnore())
}

func TestMySQLDSN(t *testing.T) {
	dsn, err := MySQLDSN("seed:pw@tcp(db:3306)/seed?parseTime=true")
	require.NoError(t, err)
	assert.Contains(t, dsn, "tcp(db:3306)/seed")
	assert.NotContains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "collation=utf8mb4_unicode_ci")
	assert.Contains(t, dsn, "clientFoundRows=true")

	_, err = MySQLDSN("not a dsn")
	assert.Error(t, err)
}

func TestSaveDataInsertThenUpdate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := SaveData(ctx, db, "crops", 0, map[string]any{"name": "Maize", "code": "MZ"})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := SaveData(ctx, db, "crops", id, map[string]any{"code": "MAIZE"})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	var code string
	require.NoError(t, db.QueryRow("SELECT code FROM crops WHERE id = ?", id).Scan(&code))
	assert.Equal(t, "MAIZE", code)
}

func TestSaveDataDecimalAndUpdatedAt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cropID, err := SaveData(ctx, db, "crops", 0, map[string]any{"name": "Beans"})
	require.NoError(t, err)
	id, err := SaveData(ctx, db, "stock_records", 0, map[string]any{
		"user_id": 1, "lot_number": "LOT-1", "crop_id": cropID,
		"quantity_kg": decimal.RequireFromString("120.500"), "source": "test", "source_id": 1,
	})
	require.NoError(t, err)

	var qty decimal.Decimal
	require.NoError(t, db.QueryRow("SELECT quantity_kg FROM stock_records WHERE id = ?", id).Scan(&qty))
	assert.True(t, qty.Equal(decimal.RequireFromString("120.5")), qty.String())

	appID, err := SaveData(ctx, db, "application_forms", 0, map[string]any{
		"form_type": "sr4", "user_id": 1, "applicant_name": "A",
	})
	require.NoError(t, err)
	var updated string
	require.NoError(t, db.QueryRow("SELECT updated_at FROM application_forms WHERE id = ?", appID).Scan(&updated))
	assert.NotEmpty(t, updated)
}

func TestSaveDataRejectsBadInput(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := SaveData(ctx, db, "sqlite_master", 0, map[string]any{"name": "x"})
	assert.Error(t, err)

	_, err = SaveData(ctx, db, "crops", 0, map[string]any{"name; DROP TABLE crops": "x"})
	assert.Error(t, err)

	_, err = SaveData(ctx, db, "crops", 0, nil)
	assert.Error(t, err)

	_, err = SaveData(ctx, db, "crops", 9999, map[string]any{"code": "x"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNextNumberFormatsPerYear(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var first, second, other string
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		if first, err = NextNumber(ctx, tx, "SR8", 5, now); err != nil {
			return err
		}
		if second, err = NextNumber(ctx, tx, "SR8", 5, now); err != nil {
			return err
		}
		other, err = NextNumber(ctx, tx, "SR8", 5, now.AddDate(1, 0, 0))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "SR8-2026-00001", first)
	assert.Equal(t, "SR8-2026-00002", second)
	assert.Equal(t, "SR8-2027-00001", other)
}

func TestNextValueConcurrent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	const workers = 12
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithTx(ctx, db, func(tx *sql.Tx) error {
				v, err := NextValue(ctx, tx, "lot")
				if err != nil {
					return err
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers)
}

func TestWithTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := SaveData(ctx, tx, "crops", 0, map[string]any{"name": "Sorghum"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM crops").Scan(&n))
	assert.Zero(t, n)
}
