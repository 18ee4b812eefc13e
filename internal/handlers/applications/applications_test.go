package applications_test

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/auth"
	"agroreg/internal/blob"
	"agroreg/internal/handlers/applications"
	"agroreg/internal/models"
	"agroreg/internal/server"
	"agroreg/internal/testutil"
	"agroreg/internal/workflow"
)

type fixture struct {
	app       *server.App
	h         *applications.Handler
	producer  int64
	other     int64
	inspector int64
	officer   int64
}

func setup(t *testing.T) fixture {
	app := testutil.NewApp(t)
	return fixture{
		app:       app,
		h:         &applications.Handler{App: app},
		producer:  testutil.CreateUser(t, app, "grower", auth.RoleSeedProducer),
		other:     testutil.CreateUser(t, app, "neighbour", auth.RoleSeedProducer),
		inspector: testutil.CreateUser(t, app, "inspector", auth.RoleInspector),
		officer:   testutil.CreateUser(t, app, "officer", auth.RoleQualityOfficer),
	}
}

func (f fixture) do(t *testing.T, user int64, method, path string, body any, fn func(w http.ResponseWriter, r *http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	fn(w, testutil.AsUser(t, f.app, testutil.JSONRequest(method, path, body), user))
	return w
}

func (f fixture) create(t *testing.T) models.ApplicationForm {
	t.Helper()
	w := f.do(t, f.producer, "POST", "/api/v1/applications", map[string]any{
		"form_type":      "sr4",
		"applicant_name": "Kasese Seed Growers",
		"address":        "Plot 4, Kasese",
		"dealers_in":     "agricultural_seed",
		"details":        map[string]any{"store_capacity_t": 40},
	}, f.h.Create)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var form models.ApplicationForm
	testutil.DecodeEnvelope(t, w, &form)
	return form
}

func (f fixture) move(t *testing.T, user int64, action string, id int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	handlers := map[string]func(http.ResponseWriter, *http.Request, string){
		"assign":    f.h.Assign,
		"recommend": f.h.Recommend,
		"approve":   f.h.Approve,
		"reject":    f.h.Reject,
		"halt":      f.h.Halt,
	}
	idStr := fmt.Sprint(id)
	return f.do(t, user, "POST", "/api/v1/applications/"+idStr+"/"+action, body,
		func(w http.ResponseWriter, r *http.Request) { handlers[action](w, r, idStr) })
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing form type", map[string]any{"applicant_name": "A"}},
		{"unknown form type", map[string]any{"form_type": "sr9", "applicant_name": "A"}},
		{"missing applicant", map[string]any{"form_type": "sr6"}},
		{"dealer of other form", map[string]any{"form_type": "sr6", "applicant_name": "A", "dealers_in": "seed_importer"}},
		{"details not object", map[string]any{"form_type": "qds", "applicant_name": "A", "details": []int{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, f.producer, "POST", "/api/v1/applications", tt.body, f.h.Create)
			testutil.AssertStatus(t, w, http.StatusBadRequest)
		})
	}

	w := f.do(t, f.inspector, "POST", "/api/v1/applications", map[string]any{"form_type": "sr4", "applicant_name": "A"}, f.h.Create)
	testutil.AssertStatus(t, w, http.StatusForbidden)
}

func TestOwnershipScoping(t *testing.T) {
	f := setup(t)
	form := f.create(t)
	idStr := fmt.Sprint(form.ID)
	get := func(w http.ResponseWriter, r *http.Request) { f.h.Get(w, r, idStr) }

	testutil.AssertStatus(t, f.do(t, f.producer, "GET", "/", nil, get), http.StatusOK)
	testutil.AssertStatus(t, f.do(t, f.other, "GET", "/", nil, get), http.StatusNotFound)
	testutil.AssertStatus(t, f.do(t, f.officer, "GET", "/", nil, get), http.StatusOK)

	var mine []models.ApplicationForm
	testutil.DecodeEnvelope(t, f.do(t, f.other, "GET", "/api/v1/applications", nil, f.h.List), &mine)
	assert.Empty(t, mine)

	var all []models.ApplicationForm
	testutil.DecodeEnvelope(t, f.do(t, f.officer, "GET", "/api/v1/applications?form_type=sr4&status=pending", nil, f.h.List), &all)
	require.Len(t, all, 1)
	assert.JSONEq(t, `{"store_capacity_t":40}`, string(all[0].Details))
}

func TestReviewLifecycle(t *testing.T) {
	f := setup(t)
	form := f.create(t)
	assert.Equal(t, workflow.StatusPending, form.Status)

	// Only users able to inspect can be assigned.
	w := f.move(t, f.officer, "assign", form.ID, map[string]any{"inspector_id": f.other})
	testutil.AssertStatus(t, w, http.StatusBadRequest)
	w = f.move(t, f.inspector, "assign", form.ID, map[string]any{"inspector_id": f.inspector})
	testutil.AssertStatus(t, w, http.StatusForbidden)

	w = f.move(t, f.officer, "assign", form.ID, map[string]any{"inspector_id": f.inspector})
	testutil.AssertStatus(t, w, http.StatusOK)
	var got models.ApplicationForm
	testutil.DecodeEnvelope(t, w, &got)
	assert.Equal(t, workflow.StatusAssignedInspector, got.Status)
	require.NotNil(t, got.InspectorID)
	assert.Equal(t, f.inspector, *got.InspectorID)
	assert.Equal(t, 1, testutil.EmailCount(t, f.app, "status_assigned_inspector"))

	// Editing stops once review has started.
	idStr := fmt.Sprint(form.ID)
	w = f.do(t, f.producer, "PUT", "/", map[string]any{"applicant_name": "Renamed"},
		func(w http.ResponseWriter, r *http.Request) { f.h.Update(w, r, idStr) })
	testutil.AssertStatus(t, w, http.StatusConflict)

	// A different inspector cannot recommend.
	other := testutil.CreateUser(t, f.app, "inspector2", auth.RoleInspector)
	testutil.AssertStatus(t, f.move(t, other, "recommend", form.ID, nil), http.StatusForbidden)
	testutil.AssertStatus(t, f.move(t, f.inspector, "recommend", form.ID, map[string]any{"comment": "premises fit"}), http.StatusOK)

	testutil.AssertStatus(t, f.move(t, f.inspector, "approve", form.ID, nil), http.StatusForbidden)
	w = f.move(t, f.officer, "approve", form.ID, nil)
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.DecodeEnvelope(t, w, &got)
	assert.Equal(t, workflow.StatusApproved, got.Status)
	require.NotNil(t, got.RegistrationNumber)
	year := time.Now().UTC().Year()
	assert.Equal(t, fmt.Sprintf("SR4-%d-0001", year), *got.RegistrationNumber)
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), got.ValidFrom)
	assert.Equal(t, time.Now().UTC().AddDate(1, 0, 0).Format("2006-01-02"), got.ValidUntil)

	// Approving again is a no-op; rejecting an approved form is not allowed.
	testutil.AssertStatus(t, f.move(t, f.officer, "approve", form.ID, nil), http.StatusOK)
	assert.Equal(t, 3, testutil.HistoryCount(t, f.app, "application", form.ID))
	assert.Equal(t, 1, testutil.EmailCount(t, f.app, "status_approved"))
	testutil.AssertStatus(t, f.move(t, f.officer, "reject", form.ID, map[string]any{"comment": "late"}), http.StatusConflict)

	var hist []workflow.HistoryEntry
	testutil.DecodeEnvelope(t, f.do(t, f.producer, "GET", "/", nil,
		func(w http.ResponseWriter, r *http.Request) { f.h.History(w, r, idStr) }), &hist)
	require.Len(t, hist, 3)
	assert.Equal(t, "premises fit", hist[1].Comment)
	require.NotNil(t, hist[2].ActorName)
	assert.Equal(t, "officer", *hist[2].ActorName)

	w = f.do(t, f.producer, "DELETE", "/", nil, func(w http.ResponseWriter, r *http.Request) { f.h.Delete(w, r, idStr) })
	testutil.AssertStatus(t, w, http.StatusConflict)
}

func TestRejectRequiresComment(t *testing.T) {
	f := setup(t)
	form := f.create(t)
	testutil.AssertStatus(t, f.move(t, f.officer, "reject", form.ID, nil), http.StatusBadRequest)
	testutil.AssertStatus(t, f.move(t, f.officer, "halt", form.ID, map[string]any{"comment": "fees unpaid"}), http.StatusOK)
	// A halted application resumes through assignment.
	testutil.AssertStatus(t, f.move(t, f.officer, "assign", form.ID, map[string]any{"inspector_id": f.inspector}), http.StatusOK)
	testutil.AssertStatus(t, f.move(t, f.officer, "reject", form.ID, map[string]any{"comment": "no premises"}), http.StatusOK)
}

func TestUpdateAndDeleteWhilePending(t *testing.T) {
	f := setup(t)
	form := f.create(t)
	idStr := fmt.Sprint(form.ID)
	update := func(w http.ResponseWriter, r *http.Request) { f.h.Update(w, r, idStr) }

	testutil.AssertStatus(t, f.do(t, f.officer, "PUT", "/", map[string]any{"applicant_name": "X"}, update), http.StatusForbidden)
	w := f.do(t, f.producer, "PUT", "/", map[string]any{"applicant_name": "Kasese Growers Ltd", "dealers_in": "seed_stockist"}, update)
	testutil.AssertStatus(t, w, http.StatusOK)
	var got models.ApplicationForm
	testutil.DecodeEnvelope(t, w, &got)
	assert.Equal(t, "Kasese Growers Ltd", got.ApplicantName)
	assert.Equal(t, "sr4", got.FormType)

	testutil.AssertStatus(t, f.do(t, f.producer, "PUT", "/", map[string]any{"form_type": "qds", "applicant_name": "X"}, update), http.StatusBadRequest)

	w = f.do(t, f.producer, "DELETE", "/", nil, func(w http.ResponseWriter, r *http.Request) { f.h.Delete(w, r, idStr) })
	testutil.AssertStatus(t, w, http.StatusOK)
	testutil.AssertStatus(t, f.do(t, f.producer, "GET", "/", nil,
		func(w http.ResponseWriter, r *http.Request) { f.h.Get(w, r, idStr) }), http.StatusNotFound)
}

func (f fixture) uploadReceipt(t *testing.T, id int64) models.Attachment {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "receipt.pdf")
	require.NoError(t, err)
	part.Write([]byte("%PDF-1.4 fee receipt"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/v1/applications/1/receipt", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.h.UploadReceipt(w, testutil.AsUser(t, f.app, req, f.producer), fmt.Sprint(id))
	testutil.AssertStatus(t, w, http.StatusCreated)
	var att models.Attachment
	testutil.DecodeEnvelope(t, w, &att)
	return att
}

func TestUploadReceipt(t *testing.T) {
	f := setup(t)
	form := f.create(t)

	att := f.uploadReceipt(t, form.ID)
	assert.Equal(t, "receipt.pdf", att.OriginalName)
	assert.Contains(t, att.StorageKey, "applications/")

	var got models.ApplicationForm
	testutil.DecodeEnvelope(t, f.do(t, f.producer, "GET", "/", nil,
		func(w http.ResponseWriter, r *http.Request) { f.h.Get(w, r, fmt.Sprint(form.ID)) }), &got)
	require.NotNil(t, got.ReceiptID)
	assert.Equal(t, att.ID, *got.ReceiptID)
}

func TestDeleteRemovesAttachments(t *testing.T) {
	f := setup(t)
	form := f.create(t)
	kept := f.create(t)
	att := f.uploadReceipt(t, form.ID)
	other := f.uploadReceipt(t, kept.ID)

	idStr := fmt.Sprint(form.ID)
	w := f.do(t, f.producer, "DELETE", "/", nil, func(w http.ResponseWriter, r *http.Request) { f.h.Delete(w, r, idStr) })
	testutil.AssertStatus(t, w, http.StatusOK)

	var n int
	require.NoError(t, f.app.DB.QueryRow("SELECT COUNT(*) FROM attachments WHERE module = ? AND record_id = ?",
		applications.Module, form.ID).Scan(&n))
	assert.Zero(t, n)
	_, _, err := f.app.Blobs.Get(context.Background(), att.StorageKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	_, body, err := f.app.Blobs.Get(context.Background(), other.StorageKey)
	require.NoError(t, err)
	body.Close()
}
