package catalog_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"agroreg/internal/auth"
	"agroreg/internal/handlers/catalog"
	"agroreg/internal/models"
	"agroreg/internal/testutil"
)

func workbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for r, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, r+1)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestCreateCropAndVariety(t *testing.T) {
	app := testutil.NewApp(t)
	h := &catalog.Handler{App: app}
	admin := testutil.CreateUser(t, app, "admin", auth.RoleAdmin)
	grower := testutil.CreateUser(t, app, "grower", auth.RoleSeedProducer)

	testutil.AssertStatus(t, testutil.Do(t, app, grower, "POST", "/", map[string]any{"name": "Beans"}, h.CreateCrop), http.StatusForbidden)

	w := testutil.Do(t, app, admin, "POST", "/", map[string]any{"name": " Beans ", "code": "bn"}, h.CreateCrop)
	testutil.AssertStatus(t, w, http.StatusCreated)
	var c models.Crop
	testutil.DecodeEnvelope(t, w, &c)
	assert.Equal(t, "Beans", c.Name)
	assert.Equal(t, "BN", c.Code)
	assert.Empty(t, c.Varieties)

	testutil.AssertStatus(t, testutil.Do(t, app, admin, "POST", "/", map[string]any{"name": "beans"}, h.CreateCrop), http.StatusBadRequest)

	add := func(body map[string]any) *httptest.ResponseRecorder {
		return testutil.Do(t, app, admin, "POST", "/", body, testutil.WithID(h.CreateVariety, c.ID))
	}
	testutil.AssertStatus(t, add(map[string]any{"name": "NABE 15", "category": "hybrid"}), http.StatusBadRequest)
	w = add(map[string]any{"name": "NABE 15", "category": "certified"})
	testutil.AssertStatus(t, w, http.StatusCreated)
	testutil.DecodeEnvelope(t, w, &c)
	require.Len(t, c.Varieties, 1)
	assert.Equal(t, "NABE 15", c.Varieties[0].Name)
	testutil.AssertStatus(t, add(map[string]any{"name": "nabe 15", "category": "basic"}), http.StatusBadRequest)

	var crops []models.Crop
	testutil.DecodeEnvelope(t, testutil.Do(t, app, grower, "GET", "/api/v1/crops?search=bea", nil, h.ListCrops), &crops)
	require.Len(t, crops, 1)
	assert.Len(t, crops[0].Varieties, 1)

	testutil.AssertStatus(t, testutil.Do(t, app, grower, "GET", "/", nil, testutil.WithID(h.GetCrop, 999)), http.StatusNotFound)
}

func TestImportWorkbook(t *testing.T) {
	app := testutil.NewApp(t)
	testutil.CreateCrop(t, app, "Maize", "Longe 5")

	data := workbook(t, [][]any{
		{"Crop", "Code", "Variety", "Category"},
		{"Maize", "MZ", "Longe 5", "certified"},
		{"maize", "", "Longe 10H", "certified"},
		{"Sorghum", "SG", "Sekedo", "basic"},
		{"Sorghum", "", "Epuripur", "elite"},
		{"", "", "orphan", "basic"},
		{"Cassava", "", "", ""},
	})
	res, err := catalog.ImportWorkbook(context.Background(), app.DB, app.Dialect, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.CropsCreated)
	assert.Equal(t, 1, res.CropsUpdated)
	assert.Equal(t, 2, res.VarietiesAdded)
	require.Len(t, res.Skipped, 1)
	assert.Contains(t, res.Skipped[0], "row 5")

	var code string
	require.NoError(t, app.DB.QueryRow("SELECT code FROM crops WHERE name = 'Maize'").Scan(&code))
	assert.Equal(t, "MZ", code)

	// A second run changes nothing.
	res, err = catalog.ImportWorkbook(context.Background(), app.DB, app.Dialect, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Zero(t, res.CropsCreated)
	assert.Zero(t, res.CropsUpdated)
	assert.Zero(t, res.VarietiesAdded)

	_, err = catalog.ImportWorkbook(context.Background(), app.DB, app.Dialect, bytes.NewReader([]byte("not a workbook")))
	assert.Error(t, err)
}

func TestImportCropsUpload(t *testing.T) {
	app := testutil.NewApp(t)
	h := &catalog.Handler{App: app}
	admin := testutil.CreateUser(t, app, "admin", auth.RoleAdmin)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "crops.xlsx")
	require.NoError(t, err)
	_, err = fw.Write(workbook(t, [][]any{{"Crop", "Variety", "Category"}, {"Millet", "Seremi 2", "qds"}}))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/v1/crops/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ImportCrops(w, testutil.AsUser(t, app, req, admin))
	testutil.AssertStatus(t, w, http.StatusOK)

	var res catalog.ImportResult
	testutil.DecodeEnvelope(t, w, &res)
	assert.Equal(t, 1, res.CropsCreated)
	assert.Equal(t, 1, res.VarietiesAdded)

	var n int
	require.NoError(t, app.DB.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action = 'IMPORT'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestExportCrops(t *testing.T) {
	app := testutil.NewApp(t)
	h := &catalog.Handler{App: app}
	user := testutil.CreateUser(t, app, "grower", auth.RoleSeedProducer)
	testutil.CreateCrop(t, app, "Maize", "Longe 5")
	testutil.CreateCrop(t, app, "Cassava", "")

	w := testutil.Do(t, app, user, "GET", "/api/v1/crops/export?format=csv", nil, h.ExportCrops)
	testutil.AssertStatus(t, w, http.StatusOK)
	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Crop", "Code", "Variety", "Category"},
		{"Cassava", "Cas", "", ""},
		{"Maize", "Mai", "Longe 5", "certified"},
	}, records)

	w = testutil.Do(t, app, user, "GET", "/api/v1/crops/export", nil, h.ExportCrops)
	testutil.AssertStatus(t, w, http.StatusOK)
	f, err := excelize.OpenReader(w.Body)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Crops")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Maize", "Mai", "Longe 5", "certified"}, rows[2])

	testutil.AssertStatus(t, testutil.Do(t, app, user, "GET", "/api/v1/crops/export?format=pdf", nil, h.ExportCrops), http.StatusBadRequest)
}
