package plantingreturns

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/handlers/common"
	"agroreg/internal/models"
	"agroreg/internal/response"
	"agroreg/internal/validation"
	"agroreg/internal/workflow"
)

type returnInput struct {
	ApplicantName       string          `json:"applicant_name"`
	District            string          `json:"district"`
	Subcounty           string          `json:"subcounty"`
	Village             string          `json:"village"`
	CropID              int64           `json:"crop_id"`
	Variety             string          `json:"variety"`
	SeedClass           string          `json:"seed_class"`
	QuantityPlanted     decimal.Decimal `json:"quantity_planted"`
	AreaHa              decimal.Decimal `json:"area_ha"`
	PlantingDate        string          `json:"planting_date"`
	ExpectedHarvestDate string          `json:"expected_harvest_date"`
	SourceLotNumber     string          `json:"source_lot_number"`
}

func (in returnInput) validate(ctx context.Context, q database.Querier, ve *validation.ValidationErrors) {
	validation.RequireField(ve, "applicant_name", in.ApplicantName)
	validation.ValidateMaxLength(ve, "applicant_name", in.ApplicantName, validation.MaxStringLength)
	validation.RequireField(ve, "district", in.District)
	validation.ValidateMaxLength(ve, "district", in.District, 100)
	validation.ValidateMaxLength(ve, "subcounty", in.Subcounty, 100)
	validation.ValidateMaxLength(ve, "village", in.Village, 100)
	validation.ValidateExists(ctx, ve, q, "crop_id", "crops", in.CropID)
	validation.ValidateMaxLength(ve, "variety", in.Variety, 150)
	validation.ValidateEnum(ve, "seed_class", in.SeedClass, validation.ValidSeedClasses)
	validation.ValidatePositiveDecimal(ve, "quantity_planted", in.QuantityPlanted)
	validation.ValidatePositiveDecimal(ve, "area_ha", in.AreaHa)
	validation.RequireField(ve, "planting_date", in.PlantingDate)
	validation.ValidateDate(ve, "planting_date", in.PlantingDate)
	validation.ValidateDate(ve, "expected_harvest_date", in.ExpectedHarvestDate)
	validation.ValidateMaxLength(ve, "source_lot_number", in.SourceLotNumber, 50)
	// Dates are YYYY-MM-DD so string order is date order.
	if in.ExpectedHarvestDate != "" && in.PlantingDate != "" && in.ExpectedHarvestDate <= in.PlantingDate {
		ve.Add("expected_harvest_date", "must be after planting_date")
	}
}

func (in returnInput) data() map[string]any {
	return map[string]any{
		"applicant_name":        in.ApplicantName,
		"district":              in.District,
		"subcounty":             in.Subcounty,
		"village":               in.Village,
		"crop_id":               in.CropID,
		"variety":               in.Variety,
		"seed_class":            in.SeedClass,
		"quantity_planted":      in.QuantityPlanted,
		"area_ha":               in.AreaHa,
		"planting_date":         in.PlantingDate,
		"expected_harvest_date": in.ExpectedHarvestDate,
		"source_lot_number":     in.SourceLotNumber,
	}
}

// List handles GET /api/v1/planting-returns.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := returnFrom + " WHERE 1=1"
	var args []any
	if v := q.Get("status"); v != "" {
		where += " AND r.status=?"
		args = append(args, v)
	}
	if v := q.Get("district"); v != "" {
		where += " AND r.district=?"
		args = append(args, v)
	}
	if v := q.Get("crop_id"); v != "" {
		where += " AND r.crop_id=?"
		args = append(args, v)
	}
	if v := q.Get("search"); v != "" {
		where += " AND (r.sr8_number LIKE ? OR r.applicant_name LIKE ?)"
		args = append(args, "%"+v+"%", "%"+v+"%")
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermReturnsViewAll, q.Get("assigned"))

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, "SELECT "+returnCols+where+" ORDER BY r.id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	items := []models.PlantingReturn{}
	for rows.Next() {
		p, err := scanReturn(rows)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, p)
	}
	response.JSONMeta(w, items, total, page, limit)
}

func (h *Handler) visible(ctx context.Context, idStr string) (models.PlantingReturn, error) {
	id, err := common.ParseID(idStr)
	if err != nil {
		return models.PlantingReturn{}, err
	}
	p, err := load(ctx, h.DB, id)
	if err != nil {
		return p, err
	}
	return p, common.CheckOwner(ctx, p.UserID, auth.PermReturnsViewAll)
}

// Get handles GET /api/v1/planting-returns/:id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request, idStr string) {
	p, err := h.visible(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, p)
}

// Create handles POST /api/v1/planting-returns. The SR8 number is allocated
// in the same transaction as the insert.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermReturnsCreate); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in returnInput
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

	var id int64
	err := database.WithTx(ctx, h.DB, func(tx *sql.Tx) error {
		number, err := database.NextNumber(ctx, tx, "SR8", 5, time.Now())
		if err != nil {
			return err
		}
		data := in.data()
		data["user_id"] = auth.UserID(ctx)
		data["sr8_number"] = number
		data["status"] = workflow.StatusPending
		id, err = database.SaveData(ctx, tx, "planting_returns", 0, data)
		return err
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	p, err := load(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionCreate, Module, id, fmt.Sprintf("Submitted planting return %s", p.SR8Number))
	h.Hub.BroadcastChange(Module, "create", id, p.UserID)
	response.Created(w, p)
}

// Update handles PUT /api/v1/planting-returns/:id (pending only).
func (h *Handler) Update(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	p, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if p.UserID != auth.UserID(ctx) {
		response.Error(w, h.Log, auth.ErrForbidden)
		return
	}
	var in returnInput
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
	n, err := database.UpdateWhere(ctx, h.DB, "planting_returns", in.data(), "id = ? AND status = ?", p.ID, workflow.StatusPending)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if n == 0 {
		response.Error(w, h.Log, workflow.ErrNotEditable)
		return
	}
	if p, err = load(ctx, h.DB, p.ID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionUpdate, Module, p.ID, "Updated planting return "+p.SR8Number)
	h.Hub.BroadcastChange(Module, "update", p.ID, p.UserID)
	response.JSON(w, p)
}

// Delete handles DELETE /api/v1/planting-returns/:id (pending only).
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	p, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if p.UserID != auth.UserID(ctx) {
		response.Error(w, h.Log, auth.ErrForbidden)
		return
	}
	res, err := h.DB.ExecContext(ctx, "DELETE FROM planting_returns WHERE id = ? AND status = ?", p.ID, workflow.StatusPending)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		response.Error(w, h.Log, workflow.ErrNotEditable)
		return
	}
	if err := common.PurgeAttachments(ctx, h.App, Module, p.ID); err != nil {
		h.Log.Warn("remove attachments of deleted record", zap.Int64("id", p.ID), zap.Error(err))
	}
	h.Audit.Log(ctx, audit.ActionDelete, Module, p.ID, "Withdrew planting return "+p.SR8Number)
	h.Hub.BroadcastChange(Module, "delete", p.ID, p.UserID)
	response.JSON(w, map[string]string{"status": "deleted"})
}

func (h *Handler) move(to string, prepare func(context.Context, models.PlantingReturn, common.StatusRequest, *workflow.Change) error) common.Move[models.PlantingReturn] {
	return common.Move[models.PlantingReturn]{
		Machine: workflow.Returns,
		To:      to,
		Load:    load,
		Prepare: prepare,
		Notice: func(p models.PlantingReturn) common.Notice {
			return common.Notice{Module: Module, OwnerID: p.UserID, Label: "Planting return", Reference: p.SR8Number}
		},
	}
}

func reviewer(ctx context.Context, p models.PlantingReturn, _ common.StatusRequest, _ *workflow.Change) error {
	return common.CheckReviewer(ctx, p.InspectorID, auth.PermReturnsInspect, auth.PermReturnsApprove)
}

// Assign handles POST /api/v1/planting-returns/:id/assign.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusAssignedInspector,
		func(ctx context.Context, _ models.PlantingReturn, req common.StatusRequest, ch *workflow.Change) error {
			if err := auth.CheckPermission(ctx, auth.PermReturnsAssign); err != nil {
				return err
			}
			ve := &validation.ValidationErrors{}
			common.ValidateInspector(ctx, h.App, ve, req.InspectorID, auth.PermReturnsInspect)
			if err := ve.Err(); err != nil {
				return err
			}
			ch.Fields = map[string]any{"inspector_id": req.InspectorID}
			return nil
		}))
}

// Recommend handles POST /api/v1/planting-returns/:id/recommend.
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRecommended, reviewer))
}

// Approve handles POST /api/v1/planting-returns/:id/approve.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusApproved,
		func(ctx context.Context, _ models.PlantingReturn, _ common.StatusRequest, _ *workflow.Change) error {
			return auth.CheckPermission(ctx, auth.PermReturnsApprove)
		}))
}

// Reject handles POST /api/v1/planting-returns/:id/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRejected, reviewer))
}

// Halt handles POST /api/v1/planting-returns/:id/halt.
func (h *Handler) Halt(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusHalted, reviewer))
}

// History handles GET /api/v1/planting-returns/:id/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request, idStr string) {
	common.ServeHistory(w, r, h.App, idStr, workflow.Returns, auth.PermReturnsViewAll)
}
