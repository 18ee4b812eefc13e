package applications

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

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

type formInput struct {
	FormType         string          `json:"form_type"`
	ApplicantName    string          `json:"applicant_name"`
	Address          string          `json:"address"`
	Phone            string          `json:"phone"`
	PremisesLocation string          `json:"premises_location"`
	Experience       string          `json:"experience"`
	DealersIn        string          `json:"dealers_in"`
	Details          json.RawMessage `json:"details"`
}

func (in formInput) validate(ve *validation.ValidationErrors) {
	validation.RequireField(ve, "form_type", in.FormType)
	validation.ValidateEnum(ve, "form_type", in.FormType, validation.ValidFormTypes)
	validation.RequireField(ve, "applicant_name", in.ApplicantName)
	validation.ValidateMaxLength(ve, "applicant_name", in.ApplicantName, validation.MaxStringLength)
	validation.ValidateMaxLength(ve, "address", in.Address, validation.MaxStringLength)
	validation.ValidateMaxLength(ve, "phone", in.Phone, 50)
	validation.ValidateMaxLength(ve, "premises_location", in.PremisesLocation, validation.MaxStringLength)
	validation.ValidateMaxLength(ve, "experience", in.Experience, validation.MaxStringLength)
	if dealers, ok := validation.DealerTypes[in.FormType]; ok {
		validation.ValidateEnum(ve, "dealers_in", in.DealersIn, dealers)
	}
	if d := bytes.TrimSpace(in.Details); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
		if d[0] != '{' || !json.Valid(d) {
			ve.Add("details", "must be a JSON object")
		}
		validation.ValidateMaxLength(ve, "details", string(d), validation.MaxTextLength)
	}
}

func (in formInput) data() map[string]any {
	var details any
	if d := bytes.TrimSpace(in.Details); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
		details = string(d)
	}
	return map[string]any{
		"form_type":         in.FormType,
		"applicant_name":    in.ApplicantName,
		"address":           in.Address,
		"phone":             in.Phone,
		"premises_location": in.PremisesLocation,
		"experience":        in.Experience,
		"dealers_in":        in.DealersIn,
		"details":           details,
	}
}

// List handles GET /api/v1/applications.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := " FROM application_forms WHERE 1=1"
	var args []any
	if v := q.Get("form_type"); v != "" {
		where += " AND form_type=?"
		args = append(args, v)
	}
	if v := q.Get("status"); v != "" {
		where += " AND status=?"
		args = append(args, v)
	}
	if v := q.Get("search"); v != "" {
		where += " AND (applicant_name LIKE ? OR registration_number LIKE ?)"
		args = append(args, "%"+v+"%", "%"+v+"%")
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermApplicationsViewAll, q.Get("assigned"))

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, "SELECT "+formCols+where+" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	items := []models.ApplicationForm{}
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSONMeta(w, items, total, page, limit)
}

func (h *Handler) visible(ctx context.Context, idStr string) (models.ApplicationForm, error) {
	id, err := common.ParseID(idStr)
	if err != nil {
		return models.ApplicationForm{}, err
	}
	f, err := load(ctx, h.DB, id)
	if err != nil {
		return f, err
	}
	return f, common.CheckOwner(ctx, f.UserID, auth.PermApplicationsViewAll)
}

// Get handles GET /api/v1/applications/:id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request, idStr string) {
	f, err := h.visible(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, f)
}

// Create handles POST /api/v1/applications.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermApplicationsCreate); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in formInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	in.validate(ve)
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	data := in.data()
	data["user_id"] = auth.UserID(ctx)
	data["status"] = workflow.StatusPending
	id, err := database.SaveData(ctx, h.DB, "application_forms", 0, data)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	f, err := load(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionCreate, Module, id, "Submitted "+label(f)+" for "+f.ApplicantName)
	h.Hub.BroadcastChange(Module, "create", id, f.UserID)
	response.Created(w, f)
}

// Update handles PUT /api/v1/applications/:id. Only the applicant may edit,
// and only while the application is pending.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	f, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if f.UserID != auth.UserID(ctx) {
		response.Error(w, h.Log, auth.ErrForbidden)
		return
	}
	var in formInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	if in.FormType == "" {
		in.FormType = f.FormType
	} else if in.FormType != f.FormType {
		ve.Add("form_type", "cannot be changed")
	}
	in.validate(ve)
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	n, err := database.UpdateWhere(ctx, h.DB, "application_forms", in.data(), "id = ? AND status = ?", f.ID, workflow.StatusPending)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if n == 0 {
		response.Error(w, h.Log, workflow.ErrNotEditable)
		return
	}
	f, err = load(ctx, h.DB, f.ID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionUpdate, Module, f.ID, "Updated "+label(f))
	h.Hub.BroadcastChange(Module, "update", f.ID, f.UserID)
	response.JSON(w, f)
}

// Delete handles DELETE /api/v1/applications/:id (pending only).
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	f, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if f.UserID != auth.UserID(ctx) {
		response.Error(w, h.Log, auth.ErrForbidden)
		return
	}
	res, err := h.DB.ExecContext(ctx, "DELETE FROM application_forms WHERE id = ? AND status = ?", f.ID, workflow.StatusPending)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		response.Error(w, h.Log, workflow.ErrNotEditable)
		return
	}
	if err := common.PurgeAttachments(ctx, h.App, Module, f.ID); err != nil {
		h.Log.Warn("remove attachments of deleted record", zap.Int64("id", f.ID), zap.Error(err))
	}
	h.Audit.Log(ctx, audit.ActionDelete, Module, f.ID, "Deleted "+label(f))
	h.Hub.BroadcastChange(Module, "delete", f.ID, f.UserID)
	response.JSON(w, map[string]string{"status": "deleted"})
}

func notice(f models.ApplicationForm) common.Notice {
	return common.Notice{Module: Module, OwnerID: f.UserID, Label: label(f), Reference: reference(f)}
}

func (h *Handler) move(to string, prepare func(context.Context, models.ApplicationForm, common.StatusRequest, *workflow.Change) error) common.Move[models.ApplicationForm] {
	return common.Move[models.ApplicationForm]{
		Machine: workflow.Applications,
		To:      to,
		Load:    load,
		Prepare: prepare,
		Notice:  notice,
	}
}

func reviewer(ctx context.Context, f models.ApplicationForm, _ common.StatusRequest, _ *workflow.Change) error {
	return common.CheckReviewer(ctx, f.InspectorID, auth.PermApplicationsInspect, auth.PermApplicationsApprove)
}

// Assign handles POST /api/v1/applications/:id/assign. It also resumes a
// halted application.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusAssignedInspector,
		func(ctx context.Context, f models.ApplicationForm, req common.StatusRequest, ch *workflow.Change) error {
			if err := auth.CheckPermission(ctx, auth.PermApplicationsAssign); err != nil {
				return err
			}
			ve := &validation.ValidationErrors{}
			common.ValidateInspector(ctx, h.App, ve, req.InspectorID, auth.PermApplicationsInspect)
			if err := ve.Err(); err != nil {
				return err
			}
			ch.Fields = map[string]any{"inspector_id": req.InspectorID}
			return nil
		}))
}

// Recommend handles POST /api/v1/applications/:id/recommend.
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRecommended, reviewer))
}

// Approve handles POST /api/v1/applications/:id/approve. Approval issues the
// registration number and the validity window.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request, idStr string) {
	mv := h.move(workflow.StatusApproved,
		func(ctx context.Context, _ models.ApplicationForm, _ common.StatusRequest, _ *workflow.Change) error {
			return auth.CheckPermission(ctx, auth.PermApplicationsApprove)
		})
	mv.Extra = func(ctx context.Context, tx *sql.Tx, f models.ApplicationForm) error {
		now := time.Now().UTC()
		number, err := database.NextNumber(ctx, tx, formPrefix(f.FormType), 4, now)
		if err != nil {
			return err
		}
		_, err = database.SaveData(ctx, tx, "application_forms", f.ID, map[string]any{
			"registration_number": number,
			"valid_from":          now.Format("2006-01-02"),
			"valid_until":         now.AddDate(validityYears[f.FormType], 0, 0).Format("2006-01-02"),
		})
		return err
	}
	common.RunMove(w, r, h.App, idStr, mv)
}

func formPrefix(formType string) string {
	switch formType {
	case "sr4":
		return "SR4"
	case "sr6":
		return "SR6"
	}
	return "QDS"
}

// Reject handles POST /api/v1/applications/:id/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRejected, reviewer))
}

// Halt handles POST /api/v1/applications/:id/halt.
func (h *Handler) Halt(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusHalted, reviewer))
}

// History handles GET /api/v1/applications/:id/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request, idStr string) {
	common.ServeHistory(w, r, h.App, idStr, workflow.Applications, auth.PermApplicationsViewAll)
}

// UploadReceipt handles POST /api/v1/applications/:id/receipt. The receipt
// of the application fee replaces any earlier one.
func (h *Handler) UploadReceipt(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	f, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if f.UserID != auth.UserID(ctx) {
		response.Error(w, h.Log, auth.ErrForbidden)
		return
	}
	a, err := common.SaveUpload(w, r, h.App, Module, f.ID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if _, err := database.SaveData(ctx, h.DB, "application_forms", f.ID, map[string]any{"receipt_id": a.ID}); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.Created(w, a)
}
