package labels_test

import (
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/auth"
	"agroreg/internal/handlers/labels"
	"agroreg/internal/models"
	"agroreg/internal/server"
	"agroreg/internal/testutil"
	"agroreg/internal/workflow"
)

type fixture struct {
	app      *server.App
	h        *labels.Handler
	producer int64
	officer  int64
	seedID   int64
}

func setup(t *testing.T, availableKg int) fixture {
	app := testutil.NewApp(t)
	producer := testutil.CreateUser(t, app, "grower", auth.RoleSeedProducer)
	crop := testutil.CreateCrop(t, app, "Maize", "Longe 5")
	lab, err := app.DB.Exec(`INSERT INTO seed_labs (user_id, stock_record_id, lot_number, sample_size_kg, status, lab_number, decision)
		VALUES (?, 1, 'LOT-2026-000003', 2, 'marketable', 'LAB-2026-00009', 'marketable')`, producer)
	require.NoError(t, err)
	labID, _ := lab.LastInsertId()
	res, err := app.DB.Exec(`INSERT INTO marketable_seeds (user_id, seed_lab_id, lot_number, crop_id, variety, category, quantity_kg, available_kg)
		VALUES (?, ?, 'LOT-2026-000003', ?, 'Longe 5', 'certified', ?, ?)`, producer, labID, crop, availableKg, availableKg)
	require.NoError(t, err)
	seedID, _ := res.LastInsertId()
	return fixture{
		app:      app,
		h:        &labels.Handler{App: app},
		producer: producer,
		officer:  testutil.CreateUser(t, app, "officer", auth.RoleQualityOfficer),
		seedID:   seedID,
	}
}

func (f fixture) request(t *testing.T, size string, count int) models.SeedLabel {
	t.Helper()
	w := testutil.Do(t, f.app, f.producer, "POST", "/api/v1/seed-labels",
		map[string]any{"marketable_seed_id": f.seedID, "package_size_kg": size, "label_count": count}, f.h.CreateLabel)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var l models.SeedLabel
	testutil.DecodeEnvelope(t, w, &l)
	return l
}

func (f fixture) available(t *testing.T) decimal.Decimal {
	t.Helper()
	var d decimal.Decimal
	require.NoError(t, f.app.DB.QueryRow("SELECT available_kg FROM marketable_seeds WHERE id = ?", f.seedID).Scan(&d))
	return d
}

func TestCreateLabelChecksAvailability(t *testing.T) {
	f := setup(t, 100)
	other := testutil.CreateUser(t, f.app, "neighbour", auth.RoleSeedProducer)

	tests := []struct {
		name string
		user int64
		body map[string]any
	}{
		{"too much seed", f.producer, map[string]any{"marketable_seed_id": f.seedID, "package_size_kg": "10", "label_count": 11}},
		{"zero count", f.producer, map[string]any{"marketable_seed_id": f.seedID, "package_size_kg": "10", "label_count": 0}},
		{"no package size", f.producer, map[string]any{"marketable_seed_id": f.seedID, "label_count": 2}},
		{"someone else's lot", other, map[string]any{"marketable_seed_id": f.seedID, "package_size_kg": "1", "label_count": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertStatus(t, testutil.Do(t, f.app, tt.user, "POST", "/", tt.body, f.h.CreateLabel), http.StatusBadRequest)
		})
	}

	l := f.request(t, "2.5", 40)
	assert.True(t, decimal.NewFromInt(100).Equal(l.QuantityKg))
	assert.Equal(t, "LOT-2026-000003", l.LotNumber)
	// Nothing is reserved until approval.
	assert.True(t, decimal.NewFromInt(100).Equal(f.available(t)))
}

func TestApproveReservesAndIssuesCodes(t *testing.T) {
	f := setup(t, 100)
	l := f.request(t, "5", 4)

	testutil.AssertStatus(t, testutil.Do(t, f.app, f.producer, "POST", "/", nil, testutil.WithID(f.h.ApproveLabel, l.ID)), http.StatusForbidden)

	w := testutil.Do(t, f.app, f.officer, "POST", "/", nil, testutil.WithID(f.h.ApproveLabel, l.ID))
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeEnvelope(t, w, &l)
	assert.Equal(t, workflow.StatusApproved, l.Status)
	require.NotNil(t, l.ApprovedBy)
	assert.Equal(t, f.officer, *l.ApprovedBy)
	assert.True(t, decimal.NewFromInt(80).Equal(f.available(t)), f.available(t).String())

	var codes []models.LabelCode
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, f.producer, "GET", "/", nil, testutil.WithID(f.h.ListCodes, l.ID)), &codes)
	require.Len(t, codes, 4)
	seen := map[string]bool{}
	for i, c := range codes {
		assert.Equal(t, i+1, c.Serial)
		_, err := uuid.Parse(c.Code)
		assert.NoError(t, err)
		assert.Equal(t, testutil.PublicURL+"/verify/"+c.Code, c.VerifyURL)
		seen[c.Code] = true
	}
	assert.Len(t, seen, 4)

	// A repeated approval neither reserves again nor issues more codes.
	testutil.AssertStatus(t, testutil.Do(t, f.app, f.officer, "POST", "/", nil, testutil.WithID(f.h.ApproveLabel, l.ID)), http.StatusOK)
	assert.True(t, decimal.NewFromInt(80).Equal(f.available(t)))
	var n int
	require.NoError(t, f.app.DB.QueryRow("SELECT COUNT(*) FROM seed_label_codes").Scan(&n))
	assert.Equal(t, 4, n)

	w = testutil.Do(t, f.app, f.producer, "POST", "/", nil, testutil.WithID(f.h.PrintLabel, l.ID))
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeEnvelope(t, w, &l)
	assert.Equal(t, workflow.StatusPrinted, l.Status)
	assert.NotNil(t, l.PrintedAt)
	assert.Equal(t, 1, testutil.EmailCount(t, f.app, "status_printed"))
}

func TestApprovalCannotOverdrawLot(t *testing.T) {
	f := setup(t, 100)
	first := f.request(t, "10", 7)
	second := f.request(t, "10", 7)

	testutil.AssertStatus(t, testutil.Do(t, f.app, f.officer, "POST", "/", nil, testutil.WithID(f.h.ApproveLabel, first.ID)), http.StatusOK)
	w := testutil.Do(t, f.app, f.officer, "POST", "/", nil, testutil.WithID(f.h.ApproveLabel, second.ID))
	testutil.AssertStatus(t, w, http.StatusConflict)

	// The failed approval rolled back entirely.
	var l models.SeedLabel
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, f.producer, "GET", "/", nil, testutil.WithID(f.h.GetLabel, second.ID)), &l)
	assert.Equal(t, workflow.StatusPending, l.Status)
	assert.True(t, decimal.NewFromInt(30).Equal(f.available(t)))
	assert.Equal(t, 0, testutil.HistoryCount(t, f.app, workflow.Labels.Entity, second.ID))
}

func TestConcurrentApprovalsReserveOnce(t *testing.T) {
	f := setup(t, 100)
	var ids []int64
	for i := 0; i < 4; i++ {
		ids = append(ids, f.request(t, "30", 1).ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			w := testutil.Do(t, f.app, f.officer, "POST", "/", nil, testutil.WithID(f.h.ApproveLabel, id))
			if w.Code == http.StatusOK {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 3, approved)
	assert.True(t, decimal.NewFromInt(10).Equal(f.available(t)), f.available(t).String())
}

func TestVerify(t *testing.T) {
	f := setup(t, 100)
	l := f.request(t, "2", 1)
	testutil.AssertStatus(t, testutil.Do(t, f.app, f.officer, "POST", "/", nil, testutil.WithID(f.h.ApproveLabel, l.ID)), http.StatusOK)

	var code string
	require.NoError(t, f.app.DB.QueryRow("SELECT code FROM seed_label_codes WHERE label_id = ?", l.ID).Scan(&code))

	w := testutil.Do(t, f.app, f.producer, "GET", "/verify/"+code, nil, func(w http.ResponseWriter, r *http.Request) {
		f.h.Verify(w, r, strings.TrimPrefix(r.URL.Path, "/verify/"))
	})
	testutil.AssertStatus(t, w, http.StatusOK)
	var v models.LabelVerification
	testutil.DecodeEnvelope(t, w, &v)
	assert.True(t, v.Valid)
	assert.Equal(t, "LOT-2026-000003", v.LotNumber)
	assert.Equal(t, "Maize", v.CropName)
	assert.Equal(t, "grower", v.Producer)
	assert.Equal(t, "LAB-2026-00009", v.LabNumber)

	for _, bad := range []string{"not-a-code", uuid.NewString()} {
		w := testutil.Do(t, f.app, f.producer, "GET", "/", nil, func(w http.ResponseWriter, r *http.Request) { f.h.Verify(w, r, bad) })
		testutil.AssertStatus(t, w, http.StatusNotFound)
	}
}

func TestRejectLabel(t *testing.T) {
	f := setup(t, 100)
	l := f.request(t, "1", 1)
	testutil.AssertStatus(t, testutil.Do(t, f.app, f.officer, "POST", "/", nil, testutil.WithID(f.h.RejectLabel, l.ID)), http.StatusBadRequest)
	w := testutil.Do(t, f.app, f.officer, "POST", "/", map[string]any{"comment": "wrong variety on lot"}, testutil.WithID(f.h.RejectLabel, l.ID))
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeEnvelope(t, w, &l)
	assert.Equal(t, workflow.StatusRejected, l.Status)

	// Rejected requests cannot be printed.
	testutil.AssertStatus(t, testutil.Do(t, f.app, f.producer, "POST", "/", nil, testutil.WithID(f.h.PrintLabel, l.ID)), http.StatusConflict)
	assert.True(t, decimal.NewFromInt(100).Equal(f.available(t)))
}
