package inventory_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/auth"
	"agroreg/internal/handlers/inventory"
	"agroreg/internal/models"
	"agroreg/internal/server"
	"agroreg/internal/testutil"
	"agroreg/internal/workflow"
)

type fixture struct {
	app       *server.App
	h         *inventory.Handler
	producer  int64
	inspector int64
	officer   int64
	crop      int64
}

func setup(t *testing.T) fixture {
	app := testutil.NewApp(t)
	return fixture{
		app:       app,
		h:         &inventory.Handler{App: app},
		producer:  testutil.CreateUser(t, app, "grower", auth.RoleSeedProducer),
		inspector: testutil.CreateUser(t, app, "inspector", auth.RoleInspector),
		officer:   testutil.CreateUser(t, app, "officer", auth.RoleQualityOfficer),
		crop:      testutil.CreateCrop(t, app, "Maize", "Longe 5"),
	}
}

func (f fixture) examine(t *testing.T, kg string) models.StockExamination {
	t.Helper()
	w := testutil.Do(t, f.app, f.producer, "POST", "/api/v1/stock-examinations", map[string]any{
		"crop_id":          f.crop,
		"variety":          "Longe 5",
		"category":         "certified",
		"quantity_kg":      kg,
		"storage_location": "Store 2, Lira",
	}, f.h.CreateExamination)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var e models.StockExamination
	testutil.DecodeEnvelope(t, w, &e)
	return e
}

func (f fixture) assign(t *testing.T, id int64) {
	t.Helper()
	w := testutil.Do(t, f.app, f.officer, "POST", "/", map[string]any{"inspector_id": f.inspector}, testutil.WithID(f.h.AssignExamination, id))
	testutil.AssertStatus(t, w, http.StatusOK)
}

var goodReport = map[string]any{
	"moisture_pct":    "12.5",
	"purity_pct":      "98.2",
	"germination_pct": "91",
	"remarks":         "clean, well dried",
}

func TestAcceptCreatesLotAndStockRecord(t *testing.T) {
	f := setup(t)
	e := f.examine(t, "2400.5")

	// Acceptance needs an assigned inspector first.
	w := testutil.Do(t, f.app, f.officer, "POST", "/", goodReport, testutil.WithID(f.h.AcceptExamination, e.ID))
	testutil.AssertStatus(t, w, http.StatusConflict)

	f.assign(t, e.ID)
	w = testutil.Do(t, f.app, f.producer, "POST", "/", goodReport, testutil.WithID(f.h.AcceptExamination, e.ID))
	testutil.AssertStatus(t, w, http.StatusForbidden)

	w = testutil.Do(t, f.app, f.inspector, "POST", "/", goodReport, testutil.WithID(f.h.AcceptExamination, e.ID))
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeEnvelope(t, w, &e)

	assert.Equal(t, workflow.StatusAccepted, e.Status)
	require.NotNil(t, e.LotNumber)
	assert.Equal(t, fmt.Sprintf("LOT-%d-000001", time.Now().UTC().Year()), *e.LotNumber)
	require.True(t, e.PurityPct.Valid)
	assert.True(t, decimal.RequireFromString("98.2").Equal(e.PurityPct.Decimal))
	assert.Equal(t, "clean, well dried", e.ReportRemarks)

	var records []models.StockRecord
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, f.producer, "GET", "/api/v1/stock/records", nil, f.h.ListStockRecords), &records)
	require.Len(t, records, 1)
	assert.Equal(t, *e.LotNumber, records[0].LotNumber)
	assert.Equal(t, "stock_examination", records[0].Source)
	assert.Equal(t, e.ID, records[0].SourceID)
	assert.True(t, decimal.RequireFromString("2400.5").Equal(records[0].QuantityKg))

	// Accepting again changes nothing and writes no second stock record.
	w = testutil.Do(t, f.app, f.inspector, "POST", "/", goodReport, testutil.WithID(f.h.AcceptExamination, e.ID))
	testutil.AssertStatus(t, w, http.StatusOK)
	var n int
	require.NoError(t, f.app.DB.QueryRow("SELECT COUNT(*) FROM stock_records").Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, testutil.EmailCount(t, f.app, "status_accepted"))
}

func TestReportValidation(t *testing.T) {
	f := setup(t)
	e := f.examine(t, "100")
	f.assign(t, e.ID)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"purity over 100", map[string]any{"purity_pct": "101", "germination_pct": "90"}},
		{"negative moisture", map[string]any{"moisture_pct": "-1", "purity_pct": "99", "germination_pct": "90"}},
		{"missing germination", map[string]any{"purity_pct": "99"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.Do(t, f.app, f.inspector, "POST", "/", tt.body, testutil.WithID(f.h.AcceptExamination, e.ID))
			testutil.AssertStatus(t, w, http.StatusBadRequest)
		})
	}
}

func TestExaminationRejectAndScoping(t *testing.T) {
	f := setup(t)
	other := testutil.CreateUser(t, f.app, "neighbour", auth.RoleSeedProducer)
	e := f.examine(t, "100")

	testutil.AssertStatus(t, testutil.Do(t, f.app, other, "GET", "/", nil, testutil.WithID(f.h.GetExamination, e.ID)), http.StatusNotFound)

	var list []models.StockExamination
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, other, "GET", "/api/v1/stock-examinations", nil, f.h.ListExaminations), &list)
	assert.Empty(t, list)

	testutil.AssertStatus(t, testutil.Do(t, f.app, f.officer, "POST", "/", nil, testutil.WithID(f.h.RejectExamination, e.ID)), http.StatusBadRequest)
	w := testutil.Do(t, f.app, f.officer, "POST", "/", map[string]any{"comment": "weevil damage"}, testutil.WithID(f.h.RejectExamination, e.ID))
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeEnvelope(t, w, &e)
	assert.Equal(t, workflow.StatusRejected, e.Status)
	assert.Nil(t, e.LotNumber)

	var hist []workflow.HistoryEntry
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, f.producer, "GET", "/", nil, testutil.WithID(f.h.ExaminationHistory, e.ID)), &hist)
	require.Len(t, hist, 1)
	assert.Equal(t, "weevil damage", hist[0].Comment)
}

func TestExaminationFromDeclaration(t *testing.T) {
	f := setup(t)
	res, err := f.app.DB.Exec(`INSERT INTO crop_declarations (user_id, crop_id, variety, category, field_size_ha, status)
		VALUES (?, ?, 'Longe 5', 'certified', 2, ?)`, f.producer, f.crop, workflow.StatusInspecting)
	require.NoError(t, err)
	declID, _ := res.LastInsertId()

	body := map[string]any{"crop_declaration_id": declID, "crop_id": f.crop, "category": "certified", "quantity_kg": "50"}
	w := testutil.Do(t, f.app, f.producer, "POST", "/", body, f.h.CreateExamination)
	testutil.AssertStatus(t, w, http.StatusBadRequest)

	_, err = f.app.DB.Exec("UPDATE crop_declarations SET status = ? WHERE id = ?", workflow.StatusAccepted, declID)
	require.NoError(t, err)
	w = testutil.Do(t, f.app, f.producer, "POST", "/", body, f.h.CreateExamination)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var e models.StockExamination
	testutil.DecodeEnvelope(t, w, &e)
	require.NotNil(t, e.CropDeclarationID)
	assert.Equal(t, declID, *e.CropDeclarationID)
}

func TestListMarketableSeeds(t *testing.T) {
	f := setup(t)
	_, err := f.app.DB.Exec(`INSERT INTO marketable_seeds (user_id, seed_lab_id, lot_number, crop_id, variety, category, quantity_kg, available_kg)
		VALUES (?, 1, 'LOT-2026-000001', ?, 'Longe 5', 'certified', 500, 0), (?, 2, 'LOT-2026-000002', ?, 'Longe 5', 'certified', 300, 120)`,
		f.producer, f.crop, f.producer, f.crop)
	require.NoError(t, err)

	var all []models.MarketableSeed
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, f.producer, "GET", "/api/v1/stock/marketable", nil, f.h.ListMarketableSeeds), &all)
	assert.Len(t, all, 2)

	var available []models.MarketableSeed
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, f.producer, "GET", "/api/v1/stock/marketable?available=1", nil, f.h.ListMarketableSeeds), &available)
	require.Len(t, available, 1)
	assert.Equal(t, "LOT-2026-000002", available[0].LotNumber)
	assert.True(t, decimal.NewFromInt(120).Equal(available[0].AvailableKg))
}
