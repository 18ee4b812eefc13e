package quality

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
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

// ListLabs handles GET /api/v1/seed-labs. Lab staff may pass technician=me.
func (h *Handler) ListLabs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, h.Log, auth.ErrUnauthenticated)
		return
	}
	q := r.URL.Query()
	where := " FROM seed_labs WHERE 1=1"
	var args []any
	if v := q.Get("status"); v != "" {
		where += " AND status=?"
		args = append(args, v)
	}
	if v := q.Get("lot_number"); v != "" {
		where += " AND lot_number=?"
		args = append(args, v)
	}
	if strings.EqualFold(q.Get("technician"), "me") {
		where += " AND technician_id=?"
		args = append(args, auth.UserID(ctx))
	}
	where, args = common.ScopeOwner(ctx, where, args, auth.PermLabsViewAll, "")

	var total int
	if err := h.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	page, limit, offset := response.Page(r)
	rows, err := h.DB.QueryContext(ctx, "SELECT "+labCols+where+" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer rows.Close()
	items := []models.SeedLab{}
	for rows.Next() {
		l, err := scanLab(rows)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		items = append(items, l)
	}
	response.JSONMeta(w, items, total, page, limit)
}

func (h *Handler) visible(ctx context.Context, idStr string) (models.SeedLab, error) {
	id, err := common.ParseID(idStr)
	if err != nil {
		return models.SeedLab{}, err
	}
	l, err := load(ctx, h.DB, id)
	if err != nil {
		return l, err
	}
	return l, common.CheckOwner(ctx, l.UserID, auth.PermLabsViewAll)
}

// GetLab handles GET /api/v1/seed-labs/:id.
func (h *Handler) GetLab(w http.ResponseWriter, r *http.Request, idStr string) {
	l, err := h.visible(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, l)
}

type labInput struct {
	StockRecordID int64           `json:"stock_record_id"`
	SampleSizeKg  decimal.Decimal `json:"sample_size_kg"`
}

// CreateLab handles POST /api/v1/seed-labs. The lot must be one of the
// caller's own stock records and the sample cannot exceed the lot.
func (h *Handler) CreateLab(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermLabsCreate); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in labInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	validation.ValidatePositiveDecimal(ve, "sample_size_kg", in.SampleSizeKg)

	var lot string
	var quantity decimal.Decimal
	var owner int64
	err := h.DB.QueryRowContext(ctx, "SELECT user_id, lot_number, quantity_kg FROM stock_records WHERE id = ?",
		in.StockRecordID).Scan(&owner, &lot, &quantity)
	switch {
	case in.StockRecordID == 0:
		ve.Add("stock_record_id", "is required")
	case err != nil || owner != auth.UserID(ctx):
		ve.Add("stock_record_id", fmt.Sprintf("lot is not in your stock records: %d", in.StockRecordID))
	case in.SampleSizeKg.GreaterThan(quantity):
		ve.Add("sample_size_kg", fmt.Sprintf("exceeds the %s kg held in lot %s", quantity, lot))
	}
	if ve.Err() == nil {
		// One live request per lot; a rejected or not marketable one may be retried.
		var open int
		err := h.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM seed_labs WHERE stock_record_id = ? AND status NOT IN (?, ?)`,
			in.StockRecordID, workflow.StatusRejected, workflow.StatusNotMarketable).Scan(&open)
		if err != nil {
			response.Error(w, h.Log, err)
			return
		}
		if open > 0 {
			ve.Add("stock_record_id", fmt.Sprintf("lot %s already has a lab test in progress or released", lot))
		}
	}
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	id, err := database.SaveData(ctx, h.DB, "seed_labs", 0, map[string]any{
		"user_id":         auth.UserID(ctx),
		"stock_record_id": in.StockRecordID,
		"lot_number":      lot,
		"sample_size_kg":  in.SampleSizeKg,
		"status":          workflow.StatusPending,
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
	h.Audit.Log(ctx, audit.ActionCreate, Module, id, fmt.Sprintf("Requested lab test of lot %s", lot))
	h.Hub.BroadcastChange(Module, "create", id, l.UserID)
	response.Created(w, l)
}

func (h *Handler) move(to string, prepare func(context.Context, models.SeedLab, common.StatusRequest, *workflow.Change) error) common.Move[models.SeedLab] {
	return common.Move[models.SeedLab]{
		Machine: workflow.Labs,
		To:      to,
		Load:    load,
		Prepare: prepare,
		Notice: func(l models.SeedLab) common.Notice {
			return common.Notice{Module: Module, OwnerID: l.UserID, Label: "Seed lab test", Reference: reference(l)}
		},
	}
}

// ReceiveLab handles POST /api/v1/seed-labs/:id/receive. The receiving
// technician is recorded and a lab number is allocated.
func (h *Handler) ReceiveLab(w http.ResponseWriter, r *http.Request, idStr string) {
	mv := h.move(workflow.StatusReceived,
		func(ctx context.Context, _ models.SeedLab, _ common.StatusRequest, ch *workflow.Change) error {
			if err := auth.CheckPermission(ctx, auth.PermLabsReceive); err != nil {
				return err
			}
			ch.Fields = map[string]any{
				"technician_id": auth.UserID(ctx),
				"received_at":   database.Now(),
			}
			return nil
		})
	mv.Extra = func(ctx context.Context, tx *sql.Tx, l models.SeedLab) error {
		number, err := database.NextNumber(ctx, tx, "LAB", 5, time.Now())
		if err != nil {
			return err
		}
		_, err = database.SaveData(ctx, tx, "seed_labs", l.ID, map[string]any{"lab_number": number})
		return err
	}
	common.RunMove(w, r, h.App, idStr, mv)
}

func validateReport(rep models.TestReport, ve *validation.ValidationErrors) {
	validation.ValidatePercentage(ve, "purity_pct", rep.PurityPct)
	validation.ValidatePercentage(ve, "germination_pct", rep.GerminationPct)
	validation.ValidatePercentage(ve, "moisture_pct", rep.MoisturePct)
	validation.ValidatePercentage(ve, "other_crop_pct", rep.OtherCropPct)
	validation.ValidateMaxLength(ve, "remarks", rep.Remarks, validation.MaxTextLength)
	if rep.WeedSeedsPerKg < 0 {
		ve.Add("weed_seeds_per_kg", "must not be negative")
	}
	if rep.PurityPct.IsZero() {
		ve.Add("purity_pct", "is required")
	}
	if rep.GerminationPct.IsZero() {
		ve.Add("germination_pct", "is required")
	}
}

// SubmitTest handles POST /api/v1/seed-labs/:id/test. The body is a
// models.TestReport; it is stored as JSON on the lab record.
func (h *Handler) SubmitTest(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermLabsTest); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	l, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var rep models.TestReport
	if err := response.DecodeBody(r, &rep); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	validateReport(rep, ve)
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	raw, err := json.Marshal(rep)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}

	res, err := common.Transition(ctx, h.App, workflow.Labs, workflow.Change{
		ID:      l.ID,
		To:      workflow.StatusTested,
		ActorID: auth.UserID(ctx),
		Comment: rep.Remarks,
		Fields:  map[string]any{"test_report": string(raw), "tested_at": database.Now()},
	}, nil)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if l, err = load(ctx, h.DB, l.ID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	common.Announce(ctx, h.App, common.Notice{
		Module: Module, ID: l.ID, OwnerID: l.UserID, Label: "Seed lab test",
		Reference: reference(l), Result: res, Comment: rep.Remarks,
	})
	response.JSON(w, l)
}

type decisionInput struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

// Decide handles POST /api/v1/seed-labs/:id/decide. A marketable decision
// releases the lot, less the tested sample, as a marketable seed lot.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	if err := auth.CheckPermission(ctx, auth.PermLabsDecide); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	l, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in decisionInput
	if err := response.DecodeBody(r, &in); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "decision", in.Decision)
	validation.ValidateEnum(ve, "decision", in.Decision, validation.ValidLabDecisions)
	validation.ValidateMaxLength(ve, "comment", in.Comment, validation.MaxTextLength)
	if in.Decision == workflow.StatusNotMarketable && in.Comment == "" {
		ve.Add("comment", "is required when the lot is not marketable")
	}
	if err := ve.Err(); err != nil {
		response.Error(w, h.Log, err)
		return
	}

	ch := workflow.Change{
		ID:      l.ID,
		To:      in.Decision,
		ActorID: auth.UserID(ctx),
		Comment: in.Comment,
		Fields:  map[string]any{"decision": in.Decision},
	}
	res, err := common.Transition(ctx, h.App, workflow.Labs, ch, func(tx *sql.Tx, res workflow.Result) error {
		if res.To != workflow.StatusMarketable {
			return nil
		}
		var released int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM marketable_seeds m
			JOIN seed_labs s ON s.id = m.seed_lab_id WHERE s.stock_record_id = ?`, l.StockRecordID).Scan(&released)
		if err != nil {
			return err
		}
		if released > 0 {
			return fmt.Errorf("%w: lot %s is already released as marketable", workflow.ErrConflict, l.LotNumber)
		}
		var s models.StockRecord
		err = tx.QueryRowContext(ctx, `SELECT crop_id, variety, category, quantity_kg FROM stock_records WHERE id = ?`,
			l.StockRecordID).Scan(&s.CropID, &s.Variety, &s.Category, &s.QuantityKg)
		if err != nil {
			return fmt.Errorf("load stock record: %w", database.NotFound(err))
		}
		available := s.QuantityKg.Sub(l.SampleSizeKg)
		if available.IsNegative() {
			available = decimal.Zero
		}
		_, err = database.SaveData(ctx, tx, "marketable_seeds", 0, map[string]any{
			"user_id":      l.UserID,
			"seed_lab_id":  l.ID,
			"lot_number":   l.LotNumber,
			"crop_id":      s.CropID,
			"variety":      s.Variety,
			"category":     s.Category,
			"quantity_kg":  available,
			"available_kg": available,
			"created_at":   database.Now(),
		})
		return err
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if l, err = load(ctx, h.DB, l.ID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	common.Announce(ctx, h.App, common.Notice{
		Module: Module, ID: l.ID, OwnerID: l.UserID, Label: "Seed lab test",
		Reference: reference(l), Result: res, Comment: in.Comment,
	})
	response.JSON(w, l)
}

// RejectLab handles POST /api/v1/seed-labs/:id/reject, used when a sample is
// unusable or never arrives.
func (h *Handler) RejectLab(w http.ResponseWriter, r *http.Request, idStr string) {
	common.RunMove(w, r, h.App, idStr, h.move(workflow.StatusRejected,
		func(ctx context.Context, _ models.SeedLab, _ common.StatusRequest, _ *workflow.Change) error {
			return auth.CheckAny(ctx, auth.PermLabsReceive, auth.PermLabsTest)
		}))
}

// LabHistory handles GET /api/v1/seed-labs/:id/history.
func (h *Handler) LabHistory(w http.ResponseWriter, r *http.Request, idStr string) {
	common.ServeHistory(w, r, h.App, idStr, workflow.Labs, auth.PermLabsViewAll)
}
