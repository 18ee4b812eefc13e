package field

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

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

type declarationInput struct {
	PlantingReturnID *int64          `json:"planting_return_id"`
	CropID           int64           `json:"crop_id"`
	Variety          string          `json:"variety"`
	Category         string          `json:"category"`
	FieldSizeHa      decimal.Decimal `json:"field_size_ha"`
	SeedSource       string          `json:"seed_source"`
	SourceLotNumber  string          `json:"source_lot_number"`
	Location         string          `json:"location"`
}

func (in declarationInput) validate(ctx context.Context, q database.Querier, ve *validation.ValidationErrors) {
	validation.ValidateExists(ctx, ve, q, "crop_id", "crops", in.CropID)
	validation.RequireField(ve, "variety", in.Variety)
	validation.ValidateMaxLength(ve, "variety", in.Variety, 150)
	validation.RequireField(ve, "category", in.Category)
	validation.ValidateEnum(ve, "category", in.Category, validation.ValidSeedCategories)
	validation.ValidatePositiveDecimal(ve, "field_size_ha", in.FieldSizeHa)
	validation.ValidateMaxLength(ve, "seed_source", in.SeedSource, validation.MaxStringLength)
	validation.ValidateMaxLength(ve, "source_lot_number", in.SourceLotNumber, 50)
	validation.ValidateMaxLength(ve, "location", in.Location, validation.MaxStringLength)

	if in.PlantingReturnID != nil {
		var owner int64
		err := q.QueryRowContext(ctx, "SELECT user_id FROM planting_returns WHERE id = ?", *in.PlantingReturnID).Scan(&owner)
		if err != nil || owner != auth.UserID(ctx) {
			ve.Add("planting_return_id", fmt.Sprintf("references non-existent planting return: %d", *in.PlantingReturnID))
		}
	}
}

func (in declarationInput) data() map[string]any {
	var ret sql.NullInt64
	if in.PlantingReturnID != nil {
		ret = database.NullInt64(*in.PlantingReturnID)
	}
	return map[string]any{
		"planting_return_id": ret,
		"crop_id":            in.CropID,
		"variety":            in.Variety,
		"category":           in.Category,
		"field_size_ha":      in.FieldSizeHa,
		"seed_source":        in.SeedSource,
		"source_lot_number":  in.SourceLotNumber,
		"location":           in.Location,
	}
}

// ListDeclarations handles GET /api/v1/crop-declarations.
func (h *Handler) ListDeclarations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := declarationFrom + " WHERE 1=1"
	var args []any
	if v := q.Get("status"); v != "" {
		where += " AND d.status=?"
		args = append(args, v)
	}
	if v := q.Get("stage"); v != "" {
		where += " AND d.current_stage=?"
		args = append(args, v)
	}
	if v := q.Get("crop_id"); v != "" {
		where += " AND d.crop_id=?"
		args = append(args, v)
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermDeclarationsViewAll, q.Get("assigned"))

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, "SELECT "+declarationCols+where+" ORDER BY d.id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	items := []models.CropDeclaration{}
	for rows.Next() {
		d, err := scanDeclaration(rows)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, d)
	}
	response.JSONMeta(w, items, total, page, limit)
}

func (h *Handler) visible(ctx context.Context, idStr string) (models.CropDeclaration, error) {
	id, err := common.ParseID(idStr)
	if err != nil {
		return models.CropDeclaration{}, err
	}
	d, err := load(ctx, h.DB, id)
	if err != nil {
		return d, err
	}
	return d, common.CheckOwner(ctx, d.UserID, auth.PermDeclarationsViewAll)
}

// GetDeclaration handles GET /api/v1/crop-declarations/:id. The response
// carries every inspection recorded so far.
func (h *Handler) GetDeclaration(w http.ResponseWriter, r *http.Request, idStr string) {
	d, err := h.visible(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, d)
}

// CreateDeclaration handles POST /api/v1/crop-declarations.
func (h *Handler) CreateDeclaration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermDeclarationsCreate); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in declarationInput
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
	data := in.data()
	data["user_id"] = auth.UserID(ctx)
	data["status"] = workflow.StatusPending
	data["current_stage"] = workflow.Stages[0]
	id, err := database.SaveData(ctx, h.DB, "crop_declarations", 0, data)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	d, err := load(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionCreate, Module, id, fmt.Sprintf("Declared %s ha of %s", d.FieldSizeHa, reference(d)))
	h.Hub.BroadcastChange(Module, "create", id, d.UserID)
	response.Created(w, d)
}

// UpdateDeclaration handles PUT /api/v1/crop-declarations/:id (pending only).
func (h *Handler) UpdateDeclaration(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	d, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if d.UserID != auth.UserID(ctx) {
		response.Error(w, h.Log, auth.ErrForbidden)
		return
	}
	var in declarationInput
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
	n, err := database.UpdateWhere(ctx, h.DB, "crop_declarations", in.data(), "id = ? AND status = ?", d.ID, workflow.StatusPending)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if n == 0 {
		response.Error(w, h.Log, workflow.ErrNotEditable)
		return
	}
	if d, err = load(ctx, h.DB, d.ID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionUpdate, Module, d.ID, "Updated crop declaration")
	h.Hub.BroadcastChange(Module, "update", d.ID, d.UserID)
	response.JSON(w, d)
}

func (h *Handler) move(to string, prepare func(context.Context, models.CropDeclaration, common.StatusRequest, *workflow.Change) error) common.Move[models.CropDeclaration] {
	return common.Move[models.CropDeclaration]{
		Machine: workflow.Declarations,
		To:      to,
		Load:    load,
		Prepare: prepare,
		Notice: func(d models.CropDeclaration) common.Notice {
			return common.Notice{Module: Module, OwnerID: d.UserID, Label: "Crop declaration", Reference: reference(d)}
		},
	}
}

func reviewer(ctx context.Context, d models.CropDeclaration, _ common.StatusRequest, _ *workflow.Change) error {
	return common.CheckReviewer(ctx, d.InspectorID, auth.PermDeclarationsInspect, auth.PermDeclarationsApprove)
}

// AssignDeclaration handles POST /api/v1/crop-declarations/:id/assign.
func (h *Handler) AssignDeclaration(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusAssignedInspector,
		func(ctx context.Context, _ models.CropDeclaration, req common.StatusRequest, ch *workflow.Change) error {
			if err := auth.CheckPermission(ctx, auth.PermDeclarationsAssign); err != nil {
				return err
			}
			ve := &validation.ValidationErrors{}
			common.ValidateInspector(ctx, h.App, ve, req.InspectorID, auth.PermDeclarationsInspect)
			if err := ve.Err(); err != nil {
				return err
			}
			ch.Fields = map[string]any{"inspector_id": req.InspectorID}
			return nil
		}))
}

// RejectDeclaration handles POST /api/v1/crop-declarations/:id/reject.
func (h *Handler) RejectDeclaration(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRejected, reviewer))
}

// HaltDeclaration handles POST /api/v1/crop-declarations/:id/halt.
func (h *Handler) HaltDeclaration(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusHalted, reviewer))
}

// DeclarationHistory handles GET /api/v1/crop-declarations/:id/history.
func (h *Handler) DeclarationHistory(w http.ResponseWriter, r *http.Request, idStr string) {
	common.ServeHistory(w, r, h.App, idStr, workflow.Declarations, auth.PermDeclarationsViewAll)
}
