package permits

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

type itemInput struct {
	CropID   int64           `json:"crop_id"`
	Variety  string          `json:"variety"`
	Category string          `json:"category"`
	Weight   decimal.Decimal `json:"weight"`
	Unit     string          `json:"unit"`
}

type permitInput struct {
	PermitType      string      `json:"permit_type"`
	ApplicantName   string      `json:"applicant_name"`
	Address         string      `json:"address"`
	Phone           string      `json:"phone"`
	CountryOfOrigin string      `json:"country_of_origin"`
	SupplierName    string      `json:"supplier_name"`
	SupplierAddress string      `json:"supplier_address"`
	Purpose         string      `json:"purpose"`
	Items           []itemInput `json:"items"`
}

const maxItems = 100

func (in *permitInput) validate(ctx context.Context, q database.Querier, ve *validation.ValidationErrors) {
	validation.RequireField(ve, "permit_type", in.PermitType)
	validation.ValidateEnum(ve, "permit_type", in.PermitType, validation.ValidPermitTypes)
	validation.RequireField(ve, "applicant_name", in.ApplicantName)
	validation.ValidateMaxLength(ve, "applicant_name", in.ApplicantName, validation.MaxStringLength)
	validation.RequireField(ve, "country_of_origin", in.CountryOfOrigin)
	validation.ValidateMaxLength(ve, "country_of_origin", in.CountryOfOrigin, 100)
	validation.ValidateMaxLength(ve, "supplier_name", in.SupplierName, validation.MaxStringLength)
	validation.ValidateMaxLength(ve, "supplier_address", in.SupplierAddress, validation.MaxStringLength)
	validation.ValidateMaxLength(ve, "purpose", in.Purpose, validation.MaxStringLength)
	validation.ValidateMaxLength(ve, "phone", in.Phone, 50)

	if len(in.Items) == 0 {
		ve.Add("items", "at least one item is required")
	}
	if len(in.Items) > maxItems {
		ve.Add("items", fmt.Sprintf("at most %d items allowed", maxItems))
		return
	}
	for i := range in.Items {
		it := &in.Items[i]
		field := fmt.Sprintf("items[%d]", i)
		if it.Unit == "" {
			it.Unit = "kg"
		}
		validation.ValidateExists(ctx, ve, q, field+".crop_id", "crops", it.CropID)
		validation.ValidateEnum(ve, field+".category", it.Category, validation.ValidSeedCategories)
		validation.ValidateEnum(ve, field+".unit", it.Unit, validation.ValidWeightUnits)
		validation.ValidateMaxLength(ve, field+".variety", it.Variety, 150)
		validation.ValidatePositiveDecimal(ve, field+".weight", it.Weight)
	}
}

func (in permitInput) data() map[string]any {
	return map[string]any{
		"permit_type":       in.PermitType,
		"applicant_name":    in.ApplicantName,
		"address":           in.Address,
		"phone":             in.Phone,
		"country_of_origin": in.CountryOfOrigin,
		"supplier_name":     in.SupplierName,
		"supplier_address":  in.SupplierAddress,
		"purpose":           in.Purpose,
	}
}

func writeItems(ctx context.Context, tx *sql.Tx, permitID int64, items []itemInput) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM import_permit_items WHERE permit_id = ?", permitID); err != nil {
		return fmt.Errorf("clear permit items: %w", err)
	}
	for _, it := range items {
		_, err := database.SaveData(ctx, tx, "import_permit_items", 0, map[string]any{
			"permit_id": permitID,
			"crop_id":   it.CropID,
			"variety":   it.Variety,
			"category":  it.Category,
			"weight":    it.Weight,
			"unit":      it.Unit,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// List handles GET /api/v1/import-permits.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := " FROM import_permits WHERE 1=1"
	var args []any
	if v := q.Get("status"); v != "" {
		where += " AND status=?"
		args = append(args, v)
	}
	if v := q.Get("permit_type"); v != "" {
		where += " AND permit_type=?"
		args = append(args, v)
	}
	if v := q.Get("country"); v != "" {
		where += " AND country_of_origin=?"
		args = append(args, v)
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermPermitsViewAll, q.Get("assigned"))

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, "SELECT "+permitCols+where+" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	items := []models.ImportPermit{}
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			rows.Close()
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, p)
	}
	rows.Close()
	for i := range items {
		if items[i].Items, err = loadItems(ctx, h.DB, items[i].ID); err != nil {
			response.Error(w, h.Log, err)
			return
		}
	}
	response.JSONMeta(w, items, total, page, limit)
}

func (h *Handler) visible(ctx context.Context, idStr string) (models.ImportPermit, error) {
	id, err := common.ParseID(idStr)
	if err != nil {
		return models.ImportPermit{}, err
	}
	p, err := load(ctx, h.DB, id)
	if err != nil {
		return p, err
	}
	return p, common.CheckOwner(ctx, p.UserID, auth.PermPermitsViewAll)
}

// Get handles GET /api/v1/import-permits/:id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request, idStr string) {
	p, err := h.visible(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, p)
}

// Create handles POST /api/v1/import-permits. The permit and its items are
// written in one transaction.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermPermitsCreate); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in permitInput
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
		data := in.data()
		data["user_id"] = auth.UserID(ctx)
		data["status"] = workflow.StatusPending
		var err error
		if id, err = database.SaveData(ctx, tx, "import_permits", 0, data); err != nil {
			return err
		}
		return writeItems(ctx, tx, id, in.Items)
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
	h.Audit.Log(ctx, audit.ActionCreate, Module, id,
		fmt.Sprintf("Applied for import permit from %s with %d items", p.CountryOfOrigin, len(p.Items)))
	h.Hub.BroadcastChange(Module, "create", id, p.UserID)
	response.Created(w, p)
}

// Update handles PUT /api/v1/import-permits/:id. Items are replaced wholesale.
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
	var in permitInput
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

	err = database.WithTx(ctx, h.DB, func(tx *sql.Tx) error {
		n, err := database.UpdateWhere(ctx, tx, "import_permits", in.data(), "id = ? AND status = ?", p.ID, workflow.StatusPending)
		if err != nil {
			return err
		}
		if n == 0 {
			return workflow.ErrNotEditable
		}
		return writeItems(ctx, tx, p.ID, in.Items)
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	p, err = load(ctx, h.DB, p.ID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionUpdate, Module, p.ID, "Updated import permit application")
	h.Hub.BroadcastChange(Module, "update", p.ID, p.UserID)
	response.JSON(w, p)
}

// Delete handles DELETE /api/v1/import-permits/:id (pending only).
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
	res, err := h.DB.ExecContext(ctx, "DELETE FROM import_permits WHERE id = ? AND status = ?", p.ID, workflow.StatusPending)
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
	h.Audit.Log(ctx, audit.ActionDelete, Module, p.ID, "Withdrew import permit application")
	h.Hub.BroadcastChange(Module, "delete", p.ID, p.UserID)
	response.JSON(w, map[string]string{"status": "deleted"})
}

func (h *Handler) move(to string, prepare func(context.Context, models.ImportPermit, common.StatusRequest, *workflow.Change) error) common.Move[models.ImportPermit] {
	return common.Move[models.ImportPermit]{
		Machine: workflow.Permits,
		To:      to,
		Load:    load,
		Prepare: prepare,
		Notice: func(p models.ImportPermit) common.Notice {
			return common.Notice{Module: Module, OwnerID: p.UserID, Label: "Import permit", Reference: reference(p)}
		},
	}
}

func reviewer(ctx context.Context, p models.ImportPermit, _ common.StatusRequest, _ *workflow.Change) error {
	return common.CheckReviewer(ctx, p.InspectorID, auth.PermPermitsInspect, auth.PermPermitsApprove)
}

// Assign handles POST /api/v1/import-permits/:id/assign.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusAssignedInspector,
		func(ctx context.Context, _ models.ImportPermit, req common.StatusRequest, ch *workflow.Change) error {
			if err := auth.CheckPermission(ctx, auth.PermPermitsAssign); err != nil {
				return err
			}
			ve := &validation.ValidationErrors{}
			common.ValidateInspector(ctx, h.App, ve, req.InspectorID, auth.PermPermitsInspect)
			if err := ve.Err(); err != nil {
				return err
			}
			ch.Fields = map[string]any{"inspector_id": req.InspectorID}
			return nil
		}))
}

// Recommend handles POST /api/v1/import-permits/:id/recommend.
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRecommended, reviewer))
}

// Approve handles POST /api/v1/import-permits/:id/approve. Approval issues
// the permit number and its expiry date.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request, idStr string) {
	mv := h.move(workflow.StatusApproved,
		func(ctx context.Context, _ models.ImportPermit, _ common.StatusRequest, _ *workflow.Change) error {
			return auth.CheckPermission(ctx, auth.PermPermitsApprove)
		})
	mv.Extra = func(ctx context.Context, tx *sql.Tx, p models.ImportPermit) error {
		now := time.Now().UTC()
		number, err := database.NextNumber(ctx, tx, "IP", 5, now)
		if err != nil {
			return err
		}
		_, err = database.SaveData(ctx, tx, "import_permits", p.ID, map[string]any{
			"permit_number": number,
			"valid_until":   now.AddDate(0, validityMonths, 0).Format("2006-01-02"),
		})
		return err
	}
	common.RunMove(w, r, h.App, idStr, mv)
}

// Reject handles POST /api/v1/import-permits/:id/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRejected, reviewer))
}

// Halt handles POST /api/v1/import-permits/:id/halt.
func (h *Handler) Halt(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusHalted, reviewer))
}

// History handles GET /api/v1/import-permits/:id/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request, idStr string) {
	common.ServeHistory(w, r, h.App, idStr, workflow.Permits, auth.PermPermitsViewAll)
}

// UploadDocument handles POST /api/v1/import-permits/:id/documents
// (phytosanitary certificates, invoices and other consignment papers).
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	p, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if p.UserID != auth.UserID(ctx) && !auth.HasPermission(ctx, auth.PermPermitsApprove) {
		response.Error(w, h.Log, auth.ErrForbidden)
		return
	}
	a, err := common.SaveUpload(w, r, h.App, Module, p.ID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.Created(w, a)
}

// ListDocuments handles GET /api/v1/import-permits/:id/documents.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	p, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	docs, err := common.ListFor(ctx, h.App, Module, p.ID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, docs)
}
