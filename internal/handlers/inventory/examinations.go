package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/handlers/common"
	"agroreg/internal/models"
	"agroreg/internal/response"
	"agroreg/internal/validation"
	"agroreg/internal/workflow"
)

type examInput struct {
	CropDeclarationID *int64          `json:"crop_declaration_id"`
	CropID            int64           `json:"crop_id"`
	Variety           string          `json:"variety"`
	Category          string          `json:"category"`
	QuantityKg        decimal.Decimal `json:"quantity_kg"`
	StorageLocation   string          `json:"storage_location"`
}

func (in examInput) validate(ctx context.Context, q database.Querier, ve *validation.ValidationErrors) {
	validation.ValidateExists(ctx, ve, q, "crop_id", "crops", in.CropID)
	validation.ValidateMaxLength(ve, "variety", in.Variety, 150)
	validation.RequireField(ve, "category", in.Category)
	validation.ValidateEnum(ve, "category", in.Category, validation.ValidSeedCategories)
	validation.ValidatePositiveDecimal(ve, "quantity_kg", in.QuantityKg)
	validation.ValidateMaxLength(ve, "storage_location", in.StorageLocation, validation.MaxStringLength)

	// Harvest from a declared crop must come from the caller's accepted field.
	if in.CropDeclarationID != nil {
		var owner int64
		var status string
		err := q.QueryRowContext(ctx, "SELECT user_id, status FROM crop_declarations WHERE id = ?",
			*in.CropDeclarationID).Scan(&owner, &status)
		switch {
		case err != nil || owner != auth.UserID(ctx):
			ve.Add("crop_declaration_id", fmt.Sprintf("references non-existent crop declaration: %d", *in.CropDeclarationID))
		case status != workflow.StatusAccepted:
			ve.Add("crop_declaration_id", "crop declaration has not been accepted")
		}
	}
}

// ListExaminations handles GET /api/v1/stock-examinations.
func (h *Handler) ListExaminations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := examFrom + " WHERE 1=1"
	var args []any
	if v := q.Get("status"); v != "" {
		where += " AND e.status=?"
		args = append(args, v)
	}
	if v := q.Get("crop_id"); v != "" {
		where += " AND e.crop_id=?"
		args = append(args, v)
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermStockViewAll, q.Get("assigned"))

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, "SELECT "+examCols+where+" ORDER BY e.id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	items := []models.StockExamination{}
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, e)
	}
	response.JSONMeta(w, items, total, page, limit)
}

func (h *Handler) visibleExam(ctx context.Context, idStr string) (models.StockExamination, error) {
	id, err := common.ParseID(idStr)
	if err != nil {
		return models.StockExamination{}, err
	}
	e, err := loadExam(ctx, h.DB, id)
	if err != nil {
		return e, err
	}
	return e, common.CheckOwner(ctx, e.UserID, auth.PermStockViewAll)
}

// GetExamination handles GET /api/v1/stock-examinations/:id.
func (h *Handler) GetExamination(w http.ResponseWriter, r *http.Request, idStr string) {
	e, err := h.visibleExam(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, e)
}

// CreateExamination handles POST /api/v1/stock-examinations.
func (h *Handler) CreateExamination(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermStockCreate); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in examInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	in.validate(ctx, h.DB, ve)
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var decl sql.NullInt64
	if in.CropDeclarationID != nil {
		decl = database.NullInt64(*in.CropDeclarationID)
	}
	id, err := database.SaveData(ctx, h.DB, "stock_examinations", 0, map[string]any{
		"user_id":             auth.UserID(ctx),
		"crop_declaration_id": decl,
		"crop_id":             in.CropID,
		"variety":             in.Variety,
		"category":            in.Category,
		"quantity_kg":         in.QuantityKg,
		"storage_location":    in.StorageLocation,
		"status":              workflow.StatusPending,
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	e, err := loadExam(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionCreate, Module, id,
		fmt.Sprintf("Requested examination of %s kg %s", e.QuantityKg, e.CropName))
	h.Hub.BroadcastChange(Module, "create", id, e.UserID)
	response.Created(w, e)
}

func (h *Handler) move(to string, prepare func(context.Context, models.StockExamination, common.StatusRequest, *workflow.Change) error) common.Move[models.StockExamination] {
	return common.Move[models.StockExamination]{
		Machine: workflow.StockExams,
		To:      to,
		Load:    loadExam,
		Prepare: prepare,
		Notice: func(e models.StockExamination) common.Notice {
			return common.Notice{Module: Module, OwnerID: e.UserID, Label: "Stock examination", Reference: examReference(e)}
		},
	}
}

func reviewer(ctx context.Context, e models.StockExamination, _ common.StatusRequest, _ *workflow.Change) error {
	return common.CheckReviewer(ctx, e.InspectorID, auth.PermStockInspect, auth.PermStockApprove)
}

// AssignExamination handles POST /api/v1/stock-examinations/:id/assign.
func (h *Handler) AssignExamination(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusAssignedInspector,
		func(ctx context.Context, _ models.StockExamination, req common.StatusRequest, ch *workflow.Change) error {
			if err := auth.CheckPermission(ctx, auth.PermStockAssign); err != nil {
				return err
			}
			ve := &validation.ValidationErrors{}
			common.ValidateInspector(ctx, h.App, ve, req.InspectorID, auth.PermStockInspect)
			if err := ve.Err(); err != nil {
				return err
			}
			ch.Fields = map[string]any{"inspector_id": req.InspectorID}
			return nil
		}))
}

// RejectExamination handles POST /api/v1/stock-examinations/:id/reject.
func (h *Handler) RejectExamination(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRejected, reviewer))
}

// HaltExamination handles POST /api/v1/stock-examinations/:id/halt.
func (h *Handler) HaltExamination(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusHalted, reviewer))
}

// ExaminationHistory handles GET /api/v1/stock-examinations/:id/history.
func (h *Handler) ExaminationHistory(w http.ResponseWriter, r *http.Request, idStr string) {
	common.ServeHistory(w, r, h.App, idStr, workflow.StockExams, auth.PermStockViewAll)
}

// ExamReport is the examination result an inspector submits on acceptance.
type ExamReport struct {
	MoisturePct    decimal.Decimal `json:"moisture_pct"`
	PurityPct      decimal.Decimal `json:"purity_pct"`
	GerminationPct decimal.Decimal `json:"germination_pct"`
	Remarks        string          `json:"remarks"`
}

func (rep ExamReport) validate(ve *validation.ValidationErrors) {
	validation.ValidatePercentage(ve, "moisture_pct", rep.MoisturePct)
	validation.ValidatePercentage(ve, "purity_pct", rep.PurityPct)
	validation.ValidatePercentage(ve, "germination_pct", rep.GerminationPct)
	validation.ValidateMaxLength(ve, "remarks", rep.Remarks, validation.MaxTextLength)
	if rep.PurityPct.IsZero() {
		ve.Add("purity_pct", "is required")
	}
	if rep.GerminationPct.IsZero() {
		ve.Add("germination_pct", "is required")
	}
}

// AcceptExamination handles POST /api/v1/stock-examinations/:id/accept. The
// report is stored with the acceptance, a lot number is allocated and the
// examined quantity enters the owner's stock records, all in one transaction.
func (h *Handler) AcceptExamination(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	e, err := h.visibleExam(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if err := reviewer(ctx, e, common.StatusRequest{}, nil); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var rep ExamReport
	if err := response.DecodeBody(r, &rep); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	rep.validate(ve)
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	ch := workflow.Change{
		ID:      e.ID,
		To:      workflow.StatusAccepted,
		ActorID: auth.UserID(ctx),
		Comment: rep.Remarks,
		Fields: map[string]any{
			"moisture_pct":    rep.MoisturePct,
			"purity_pct":      rep.PurityPct,
			"germination_pct": rep.GerminationPct,
			"report_remarks":  rep.Remarks,
		},
	}
	res, err := common.Transition(ctx, h.App, workflow.StockExams, ch, func(tx *sql.Tx, _ workflow.Result) error {
		lot, err := database.NextNumber(ctx, tx, "LOT", 6, time.Now())
		if err != nil {
			return err
		}
		if _, err := database.SaveData(ctx, tx, "stock_examinations", e.ID, map[string]any{"lot_number": lot}); err != nil {
			return err
		}
		_, err = database.SaveData(ctx, tx, "stock_records", 0, map[string]any{
			"user_id":     e.UserID,
			"lot_number":  lot,
			"crop_id":     e.CropID,
			"variety":     e.Variety,
			"category":    e.Category,
			"quantity_kg": e.QuantityKg,
			"source":      "stock_examination",
			"source_id":   e.ID,
			"created_at":  database.Now(),
		})
		return err
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if e, err = loadExam(ctx, h.DB, e.ID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	common.Announce(ctx, h.App, common.Notice{
		Module: Module, ID: e.ID, OwnerID: e.UserID, Label: "Stock examination",
		Reference: examReference(e), Result: res, Comment: rep.Remarks,
	})
	response.JSON(w, e)
}
