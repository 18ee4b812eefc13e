package catalog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/handlers/common"
	"agroreg/internal/response"
	"agroreg/internal/validation"
)

// Sheet layout shared by import and export.
const sheetName = "Crops"

var headers = []string{"Crop", "Code", "Variety", "Category"}

func catalogRows(ctx context.Context, q database.Querier) ([][]string, error) {
	crops, err := loadCrops(ctx, q, "1=1")
	if err != nil {
		return nil, err
	}
	var rows [][]string
	for _, c := range crops {
		if len(c.Varieties) == 0 {
			rows = append(rows, []string{c.Name, c.Code, "", ""})
			continue
		}
		for _, v := range c.Varieties {
			rows = append(rows, []string{c.Name, c.Code, v.Name, v.Category})
		}
	}
	return rows, nil
}

// WriteWorkbook writes rows under a bold header to a single-sheet workbook.
func WriteWorkbook(w io.Writer, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(sheetName)
	if err != nil {
		return err
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}

	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9EAD3"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, h)
		f.SetCellStyle(sheetName, cell, cell, style)
	}
	for r, row := range rows {
		for c, val := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			f.SetCellValue(sheetName, cell, val)
		}
	}
	f.SetColWidth(sheetName, "A", "D", 20)
	return f.Write(w)
}

// ExportCrops handles GET /api/v1/crops/export?format=xlsx|csv.
func (h *Handler) ExportCrops(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	rows, err := catalogRows(ctx, h.DB)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="crops.csv"`)
		cw := csv.NewWriter(w)
		cw.Write(headers)
		cw.WriteAll(rows)
		if err := cw.Error(); err != nil {
			h.Log.Warn("write crops csv", zap.Error(err))
		}
	case "", "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="crops.xlsx"`)
		if err := WriteWorkbook(w, rows); err != nil {
			h.Log.Warn("write crops workbook", zap.Error(err))
		}
	default:
		ve := &validation.ValidationErrors{}
		ve.Add("format", "must be xlsx or csv")
		response.Error(w, h.Log, ve)
		return
	}
	h.Audit.Log(ctx, audit.ActionExport, Module, 0, fmt.Sprintf("Exported %d catalog rows", len(rows)))
}

// ImportResult summarises one workbook import.
type ImportResult struct {
	CropsCreated   int      `json:"crops_created"`
	CropsUpdated   int      `json:"crops_updated"`
	VarietiesAdded int      `json:"varieties_added"`
	Skipped        []string `json:"skipped"`
}

// ImportWorkbook reads the first sheet of an xlsx workbook laid out like the
// export and merges it into the catalog. Crops match by name; varieties that
// already exist are left alone. Rows that cannot be used are reported in
// Skipped and do not abort the import.
func ImportWorkbook(ctx context.Context, db *sql.DB, d database.Dialect, r io.Reader) (ImportResult, error) {
	res := ImportResult{Skipped: []string{}}
	f, err := excelize.OpenReader(r)
	if err != nil {
		ve := &validation.ValidationErrors{}
		ve.Add("file", "not a readable xlsx workbook")
		return res, ve
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return res, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return res, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return res, nil
	}

	col := map[string]int{}
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["crop"]; !ok {
		ve := &validation.ValidationErrors{}
		ve.Add("file", "header row must contain a Crop column")
		return res, ve
	}
	cell := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	err = database.WithTx(ctx, db, func(tx *sql.Tx) error {
		ids := map[string]int64{}
		now := database.Now()
		for n, row := range rows[1:] {
			line := n + 2
			name := cell(row, "crop")
			if name == "" {
				continue
			}
			if len(name) > 100 {
				res.Skipped = append(res.Skipped, fmt.Sprintf("row %d: crop name too long", line))
				continue
			}
			code := strings.ToUpper(cell(row, "code"))

			id, seen := ids[strings.ToLower(name)]
			if !seen {
				var existing string
				err := tx.QueryRowContext(ctx, "SELECT id, code FROM crops WHERE LOWER(name) = LOWER(?)", name).Scan(&id, &existing)
				switch {
				case err == sql.ErrNoRows:
					if id, err = database.SaveData(ctx, tx, "crops", 0, map[string]any{
						"name": name, "code": code, "created_at": now,
					}); err != nil {
						return err
					}
					res.CropsCreated++
				case err != nil:
					return fmt.Errorf("look up crop %q: %w", name, err)
				case code != "" && code != existing:
					if _, err := database.SaveData(ctx, tx, "crops", id, map[string]any{"code": code}); err != nil {
						return err
					}
					res.CropsUpdated++
				}
				ids[strings.ToLower(name)] = id
			}

			variety := cell(row, "variety")
			if variety == "" {
				continue
			}
			category := strings.ToLower(cell(row, "category"))
			if !slices.Contains(validation.ValidSeedCategories, category) {
				res.Skipped = append(res.Skipped, fmt.Sprintf("row %d: unknown category %q", line, category))
				continue
			}
			out, err := tx.ExecContext(ctx, d.InsertIgnore()+" crop_varieties (crop_id, name, category, created_at) VALUES (?, ?, ?, ?)",
				id, variety, category, now)
			if err != nil {
				return fmt.Errorf("insert variety %q: %w", variety, err)
			}
			if n, _ := out.RowsAffected(); n > 0 {
				res.VarietiesAdded++
			}
		}
		return nil
	})
	return res, err
}

// ImportCrops handles POST /api/v1/crops/import (multipart: file).
func (h *Handler) ImportCrops(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermCatalogManage); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if err := common.ParseUpload(w, r, h.App); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		ve := &validation.ValidationErrors{}
		ve.Add("file", "is required")
		response.Error(w, h.Log, ve)
		return
	}
	defer file.Close()

	res, err := ImportWorkbook(ctx, h.DB, h.Dialect, file)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionImport, Module, 0, fmt.Sprintf("Imported catalog: %d crops added, %d updated, %d varieties added",
		res.CropsCreated, res.CropsUpdated, res.VarietiesAdded))
	response.JSON(w, res)
}
