package labels

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/google/uuid"
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

// ListLabels handles GET /api/v1/seed-labels.
func (h *Handler) ListLabels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := " FROM seed_labels WHERE 1=1"
	var args []any
	if v := q.Get("status"); v != "" {
		where += " AND status=?"
		args = append(args, v)
	}
	if v := q.Get("lot_number"); v != "" {
		where += " AND lot_number=?"
		args = append(args, v)
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermLabelsViewAll, "")

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, "SELECT "+labelCols+where+" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	items := []models.SeedLabel{}
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, l)
	}
	response.JSONMeta(w, items, total, page, limit)
}

func (h *Handler) visible(ctx context.Context, idStr string) (models.SeedLabel, error) {
	id, err := common.ParseID(idStr)
	if err != nil {
		return models.SeedLabel{}, err
	}
	l, err := load(ctx, h.DB, id)
	if err != nil {
		return l, err
	}
	return l, common.CheckOwner(ctx, l.UserID, auth.PermLabelsViewAll)
}

// GetLabel handles GET /api/v1/seed-labels/:id.
func (h *Handler) GetLabel(w http.ResponseWriter, r *http.Request, idStr string) {
	l, err := h.visible(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, l)
}

type labelInput struct {
	MarketableSeedID int64           `json:"marketable_seed_id"`
	PackageSizeKg    decimal.Decimal `json:"package_size_kg"`
	LabelCount       int             `json:"label_count"`
}

// CreateLabel handles POST /api/v1/seed-labels. The requested quantity is
// package size times label count and must fit the lot's available seed.
func (h *Handler) CreateLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermLabelsCreate); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in labelInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	validation.ValidatePositiveDecimal(ve, "package_size_kg", in.PackageSizeKg)
	validation.ValidatePositiveInt(ve, "label_count", in.LabelCount)
	if in.LabelCount > MaxLabelsPerRequest {
		ve.Add("label_count", fmt.Sprintf("must be at most %d", MaxLabelsPerRequest))
	}

	var owner int64
	var lot string
	var available decimal.Decimal
	err := h.DB.QueryRowContext(ctx, "SELECT user_id, lot_number, available_kg FROM marketable_seeds WHERE id = ?",
		in.MarketableSeedID).Scan(&owner, &lot, &available)
	quantity := in.PackageSizeKg.Mul(decimal.NewFromInt(int64(in.LabelCount)))
	switch {
	case in.MarketableSeedID == 0:
		ve.Add("marketable_seed_id", "is required")
	case err != nil || owner != auth.UserID(ctx):
		ve.Add("marketable_seed_id", fmt.Sprintf("references non-existent marketable seed: %d", in.MarketableSeedID))
	case quantity.GreaterThan(available):
		ve.Add("label_count", fmt.Sprintf("%s kg requested but lot %s has %s kg available", quantity, lot, available))
	}
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	id, err := database.SaveData(ctx, h.DB, "seed_labels", 0, map[string]any{
		"user_id":            auth.UserID(ctx),
		"marketable_seed_id": in.MarketableSeedID,
		"lot_number":         lot,
		"package_size_kg":    in.PackageSizeKg,
		"quantity_kg":        quantity,
		"label_count":        in.LabelCount,
		"status":             workflow.StatusPending,
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	l, err := load(ctx, h.DB, id)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionCreate, Module, id,
		fmt.Sprintf("Requested %d labels of %s kg for lot %s", l.LabelCount, l.PackageSizeKg, lot))
	h.Hub.BroadcastChange(Module, "create", id, l.UserID)
	response.Created(w, l)
}

func (h *Handler) move(to string, prepare func(context.Context, models.SeedLabel, common.StatusRequest, *workflow.Change) error) common.Move[models.SeedLabel] {
	return common.Move[models.SeedLabel]{
		Machine: workflow.Labels,
		To:      to,
		Load:    load,
		Prepare: prepare,
		Notice: func(l models.SeedLabel) common.Notice {
			return common.Notice{Module: Module, OwnerID: l.UserID, Label: "Seed label request", Reference: l.LotNumber}
		},
	}
}

// reserve takes quantity from the lot's available seed. The write is
// conditional on the value read so a concurrent approval cannot overdraw.
func reserve(ctx context.Context, tx *sql.Tx, seedID int64, quantity decimal.Decimal) error {
	var available decimal.Decimal
	if err := tx.QueryRowContext(ctx, "SELECT available_kg FROM marketable_seeds WHERE id = ?", seedID).Scan(&available); err != nil {
		return fmt.Errorf("load marketable seed: %w", database.NotFound(err))
	}
	if quantity.GreaterThan(available) {
		return fmt.Errorf("%w: %s kg requested, %s kg available", ErrInsufficientStock, quantity, available)
	}
	n, err := database.UpdateWhere(ctx, tx, "marketable_seeds", map[string]any{"available_kg": available.Sub(quantity)},
		"id = ? AND available_kg = ?", seedID, available)
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrConflict
	}
	return nil
}

// issueCodes writes one random code per label.
func issueCodes(ctx context.Context, tx *sql.Tx, labelID int64, count int) error {
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO seed_label_codes (label_id, serial, code, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare label codes: %w", err)
	}
	defer stmt.Close()
	now := database.Now()
	for i := 1; i <= count; i++ {
		if _, err := stmt.ExecContext(ctx, labelID, i, uuid.NewString(), now); err != nil {
			return fmt.Errorf("insert label code %d: %w", i, err)
		}
	}
	return nil
}

// ApproveLabel handles POST /api/v1/seed-labels/:id/approve. Approval
// reserves the labelled quantity from the lot and issues the label codes.
func (h *Handler) ApproveLabel(w http.ResponseWriter, r *http.Request, idStr string) {
	mv := h.move(workflow.StatusApproved,
		func(ctx context.Context, _ models.SeedLabel, _ common.StatusRequest, ch *workflow.Change) error {
			if err := auth.CheckPermission(ctx, auth.PermLabelsApprove); err != nil {
				return err
			}
			ch.Fields = map[string]any{"approved_by": auth.UserID(ctx), "approved_at": database.Now()}
			return nil
		})
	mv.Extra = func(ctx context.Context, tx *sql.Tx, l models.SeedLabel) error {
		if err := reserve(ctx, tx, l.MarketableSeedID, l.QuantityKg); err != nil {
			return err
		}
		return issueCodes(ctx, tx, l.ID, l.LabelCount)
	}
	common.RunMove(w, r, h.App, idStr, mv)
}

// PrintLabel handles POST /api/v1/seed-labels/:id/print.
func (h *Handler) PrintLabel(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusPrinted,
		func(ctx context.Context, l models.SeedLabel, _ common.StatusRequest, ch *workflow.Change) error {
			if l.UserID != auth.UserID(ctx) {
				if err := auth.CheckPermission(ctx, auth.PermLabelsPrint); err != nil {
					return err
				}
			}
			ch.Fields = map[string]any{"printed_at": database.Now()}
			return nil
		}))
}

// RejectLabel handles POST /api/v1/seed-labels/:id/reject.
func (h *Handler) RejectLabel(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRejected,
		func(ctx context.Context, _ models.SeedLabel, _ common.StatusRequest, _ *workflow.Change) error {
			return auth.CheckPermission(ctx, auth.PermLabelsApprove)
		}))
}

// LabelHistory handles GET /api/v1/seed-labels/:id/history.
func (h *Handler) LabelHistory(w http.ResponseWriter, r *http.Request, idStr string) {
	common.ServeHistory(w, r, h.App, idStr, workflow.Labels, auth.PermLabelsViewAll)
}

// ListCodes handles GET /api/v1/seed-labels/:id/codes. Each code carries the
// verification URL encoded in its QR.
func (h *Handler) ListCodes(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	l, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	rows, err := h.DB.QueryContext(ctx, "SELECT serial, code FROM seed_label_codes WHERE label_id = ? ORDER BY serial", l.ID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	codes := []models.LabelCode{}
	for rows.Next() {
		var c models.LabelCode
		if err := rows.Scan(&c.Serial, &c.Code); err != nil {
			response.Error(w, h.Log, err)
			return
		}
		c.VerifyURL = h.VerifyURL(c.Code)
		codes = append(codes, c)
	}
	response.JSON(w, codes)
}
