package field_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/auth"
	"agroreg/internal/handlers/field"
	"agroreg/internal/models"
	"agroreg/internal/server"
	"agroreg/internal/testutil"
	"agroreg/internal/workflow"
)

type fixture struct {
	app       *server.App
	h         *field.Handler
	grower    int64
	inspector int64
	officer   int64
	crop      int64
}

func setup(t *testing.T) fixture {
	app := testutil.NewApp(t)
	return fixture{
		app:       app,
		h:         &field.Handler{App: app},
		grower:    testutil.CreateUser(t, app, "grower", auth.RoleSeedProducer),
		inspector: testutil.CreateUser(t, app, "inspector", auth.RoleInspector),
		officer:   testutil.CreateUser(t, app, "officer", auth.RoleQualityOfficer),
		crop:      testutil.CreateCrop(t, app, "Beans", "NABE 15"),
	}
}

func (f fixture) declare(t *testing.T) models.CropDeclaration {
	t.Helper()
	w := testutil.Do(t, f.app, f.grower, "POST", "/api/v1/crop-declarations", map[string]any{
		"crop_id":       f.crop,
		"variety":       "NABE 15",
		"category":      "certified",
		"field_size_ha": "4.5",
		"location":      "Masaka",
	}, f.h.CreateDeclaration)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var d models.CropDeclaration
	testutil.DecodeEnvelope(t, w, &d)
	return d
}

func (f fixture) assign(t *testing.T, id int64) {
	t.Helper()
	w := testutil.Do(t, f.app, f.officer, "POST", "/", map[string]any{"inspector_id": f.inspector}, testutil.WithID(f.h.AssignDeclaration, id))
	testutil.AssertStatus(t, w, http.StatusOK)
}

func (f fixture) inspect(t *testing.T, user, id int64, stage, decision, remarks string) (models.CropDeclaration, int) {
	t.Helper()
	w := testutil.Do(t, f.app, user, "POST", "/", map[string]any{
		"stage": stage, "decision": decision, "remarks": remarks, "estimated_yield_kg": "1800",
	}, testutil.WithID(f.h.SubmitInspection, id))
	var d models.CropDeclaration
	if w.Code == http.StatusCreated {
		testutil.DecodeEnvelope(t, w, &d)
	}
	return d, w.Code
}

func TestDeclarationStartsAtFirstStage(t *testing.T) {
	f := setup(t)
	d := f.declare(t)
	assert.Equal(t, workflow.StatusPending, d.Status)
	assert.Equal(t, workflow.StagePreFlowering, d.CurrentStage)
	assert.Equal(t, "Beans", d.CropName)
	assert.Empty(t, d.Inspections)
}

func TestDeclarationValidation(t *testing.T) {
	f := setup(t)
	other := testutil.CreateUser(t, f.app, "neighbour", auth.RoleSeedProducer)
	res, err := f.app.DB.Exec(`INSERT INTO planting_returns (user_id, applicant_name, district, crop_id, quantity_planted,
		area_ha, planting_date, sr8_number) VALUES (?, 'N', 'Mbarara', ?, 10, 1, '2026-01-01', 'SR8-2026-99999')`, other, f.crop)
	require.NoError(t, err)
	foreignReturn, _ := res.LastInsertId()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing variety", map[string]any{"crop_id": f.crop, "category": "certified", "field_size_ha": "1"}},
		{"bad category", map[string]any{"crop_id": f.crop, "variety": "V", "category": "premium", "field_size_ha": "1"}},
		{"no field size", map[string]any{"crop_id": f.crop, "variety": "V", "category": "basic"}},
		{"someone else's return", map[string]any{"crop_id": f.crop, "variety": "V", "category": "basic", "field_size_ha": "1", "planting_return_id": foreignReturn}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.Do(t, f.app, f.grower, "POST", "/", tt.body, f.h.CreateDeclaration)
			testutil.AssertStatus(t, w, http.StatusBadRequest)
		})
	}
}

func TestInspectionStagesAccept(t *testing.T) {
	f := setup(t)
	d := f.declare(t)

	// Nothing to inspect before an inspector is assigned.
	_, code := f.inspect(t, f.officer, d.ID, workflow.StagePreFlowering, workflow.DecisionPass, "")
	assert.Equal(t, http.StatusConflict, code)

	f.assign(t, d.ID)

	// The grower cannot inspect their own field.
	_, code = f.inspect(t, f.grower, d.ID, workflow.StagePreFlowering, workflow.DecisionPass, "")
	assert.Equal(t, http.StatusForbidden, code)

	// Stages cannot be skipped.
	_, code = f.inspect(t, f.inspector, d.ID, workflow.StageFlowering, workflow.DecisionPass, "")
	assert.Equal(t, http.StatusConflict, code)

	d, code = f.inspect(t, f.inspector, d.ID, workflow.StagePreFlowering, workflow.DecisionPass, "good stand")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, workflow.StatusInspecting, d.Status)
	assert.Equal(t, workflow.StageFlowering, d.CurrentStage)

	d, code = f.inspect(t, f.inspector, d.ID, workflow.StageFlowering, workflow.DecisionReinspect, "off-types seen")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, workflow.StatusInspecting, d.Status)
	assert.Equal(t, workflow.StageFlowering, d.CurrentStage)

	d, code = f.inspect(t, f.inspector, d.ID, workflow.StageFlowering, workflow.DecisionPass, "rogued")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, workflow.StagePreHarvest, d.CurrentStage)

	d, code = f.inspect(t, f.inspector, d.ID, workflow.StagePreHarvest, workflow.DecisionPass, "")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, workflow.StatusAccepted, d.Status)
	require.Len(t, d.Inspections, 4)
	assert.Equal(t, workflow.DecisionReinspect, d.Inspections[1].Decision)
	assert.Equal(t, f.inspector, d.Inspections[3].InspectorID)

	// assigned, inspecting, accepted
	assert.Equal(t, 3, testutil.HistoryCount(t, f.app, workflow.Declarations.Entity, d.ID))
	assert.Equal(t, 1, testutil.EmailCount(t, f.app, "status_accepted"))

	_, code = f.inspect(t, f.inspector, d.ID, workflow.StagePreHarvest, workflow.DecisionPass, "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestResumedDeclarationAcceptsOnLastStage(t *testing.T) {
	f := setup(t)
	d := f.declare(t)
	f.assign(t, d.ID)

	_, code := f.inspect(t, f.inspector, d.ID, workflow.StagePreFlowering, workflow.DecisionPass, "")
	require.Equal(t, http.StatusCreated, code)
	_, code = f.inspect(t, f.inspector, d.ID, workflow.StageFlowering, workflow.DecisionPass, "")
	require.Equal(t, http.StatusCreated, code)

	w := testutil.Do(t, f.app, f.inspector, "POST", "/", map[string]any{"comment": "access road washed out"}, testutil.WithID(f.h.HaltDeclaration, d.ID))
	testutil.AssertStatus(t, w, http.StatusOK)
	f.assign(t, d.ID)

	d, code = f.inspect(t, f.inspector, d.ID, workflow.StagePreHarvest, workflow.DecisionPass, "ready for harvest")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, workflow.StatusAccepted, d.Status)
	assert.Equal(t, workflow.StagePreHarvest, d.CurrentStage)

	// assigned, inspecting, halted, assigned, inspecting, accepted
	assert.Equal(t, 6, testutil.HistoryCount(t, f.app, workflow.Declarations.Entity, d.ID))
	assert.Equal(t, 1, testutil.EmailCount(t, f.app, "status_accepted"))
}

func TestInspectionFailRejects(t *testing.T) {
	f := setup(t)
	d := f.declare(t)
	f.assign(t, d.ID)

	_, code := f.inspect(t, f.inspector, d.ID, workflow.StagePreFlowering, workflow.DecisionFail, "")
	assert.Equal(t, http.StatusBadRequest, code)

	d, code = f.inspect(t, f.inspector, d.ID, workflow.StagePreFlowering, workflow.DecisionFail, "isolation distance not met")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, workflow.StatusRejected, d.Status)
	assert.Equal(t, "isolation distance not met", d.StatusComment)

	var inspections []models.CropInspection
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, f.grower, "GET", "/", nil, testutil.WithID(f.h.ListInspections, d.ID)), &inspections)
	require.Len(t, inspections, 1)
	assert.Equal(t, workflow.DecisionFail, inspections[0].Decision)
}

func TestDeclarationEditOnlyWhilePending(t *testing.T) {
	f := setup(t)
	d := f.declare(t)
	body := map[string]any{"crop_id": f.crop, "variety": "NABE 16", "category": "basic", "field_size_ha": "6"}

	w := testutil.Do(t, f.app, f.grower, "PUT", "/", body, testutil.WithID(f.h.UpdateDeclaration, d.ID))
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeEnvelope(t, w, &d)
	assert.Equal(t, "NABE 16", d.Variety)

	f.assign(t, d.ID)
	w = testutil.Do(t, f.app, f.grower, "PUT", "/", body, testutil.WithID(f.h.UpdateDeclaration, d.ID))
	testutil.AssertStatus(t, w, http.StatusConflict)

	w = testutil.Do(t, f.app, f.inspector, "POST", "/", map[string]any{"comment": "flooded"}, testutil.WithID(f.h.HaltDeclaration, d.ID))
	testutil.AssertStatus(t, w, http.StatusOK)

	var hist []workflow.HistoryEntry
	testutil.DecodeEnvelope(t, testutil.Do(t, f.app, f.grower, "GET", "/", nil, testutil.WithID(f.h.DeclarationHistory, d.ID)), &hist)
	require.Len(t, hist, 2)
	assert.Equal(t, "flooded", hist[1].Comment)
}
