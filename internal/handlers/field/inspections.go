package field

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/handlers/common"
	"agroreg/internal/response"
	"agroreg/internal/validation"
	"agroreg/internal/workflow"
)

type inspectionInput struct {
	Stage            string          `json:"stage"`
	Decision         string          `json:"decision"`
	Remarks          string          `json:"remarks"`
	EstimatedYieldKg decimal.Decimal `json:"estimated_yield_kg"`
}

func (in inspectionInput) validate(ve *validation.ValidationErrors) {
	validation.RequireField(ve, "stage", in.Stage)
	validation.ValidateEnum(ve, "stage", in.Stage, workflow.Stages)
	validation.RequireField(ve, "decision", in.Decision)
	validation.ValidateEnum(ve, "decision", in.Decision, workflow.Decisions)
	validation.ValidateMaxLength(ve, "remarks", in.Remarks, validation.MaxTextLength)
	if in.EstimatedYieldKg.IsNegative() {
		ve.Add("estimated_yield_kg", "must not be negative")
	}
	if in.Decision == workflow.DecisionFail && in.Remarks == "" {
		ve.Add("remarks", "are required when the crop fails inspection")
	}
}

// SubmitInspection handles POST /api/v1/crop-declarations/:id/inspections.
//
// Inspections follow workflow.Stages in order. The first inspection moves an
// assigned declaration to inspecting, a fail rejects it and a pass on the
// last stage accepts it. The inspection row, the stage and the status change
// are written in one transaction.
func (h *Handler) SubmitInspection(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	d, err := h.visible(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if err := common.CheckReviewer(ctx, d.InspectorID, auth.PermDeclarationsInspect, auth.PermDeclarationsApprove); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	var in inspectionInput
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
	if d.Status != workflow.StatusAssignedInspector && d.Status != workflow.StatusInspecting {
		response.Error(w, h.Log, fmt.Errorf("%w: cannot inspect a %s declaration", workflow.ErrInvalidTransition, d.Status))
		return
	}
	out, err := workflow.Inspect(d.CurrentStage, in.Stage, in.Decision)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}

	var res workflow.Result
	err = database.WithTx(ctx, h.DB, func(tx *sql.Tx) error {
		// Guard against a concurrent inspection of the same stage.
		n, err := database.UpdateWhere(ctx, tx, "crop_declarations", map[string]any{"current_stage": out.Stage},
			"id = ? AND status = ? AND current_stage = ?", d.ID, d.Status, d.CurrentStage)
		if err != nil {
			return err
		}
		if n == 0 {
			return workflow.ErrConflict
		}
		_, err = database.SaveData(ctx, tx, "crop_inspections", 0, map[string]any{
			"declaration_id":     d.ID,
			"stage":              in.Stage,
			"decision":           in.Decision,
			"remarks":            in.Remarks,
			"estimated_yield_kg": in.EstimatedYieldKg,
			"inspector_id":       auth.UserID(ctx),
			"inspected_at":       database.Now(),
		})
		if err != nil {
			return err
		}
		// A declaration resumed after a halt is back at assigned_inspector
		// with later stages already passed; it reaches accepted through
		// inspecting.
		if d.Status == workflow.StatusAssignedInspector && out.Status == workflow.StatusAccepted {
			_, err = workflow.Declarations.Apply(ctx, tx, workflow.Change{
				ID:      d.ID,
				To:      workflow.StatusInspecting,
				ActorID: auth.UserID(ctx),
			})
			if err != nil {
				return err
			}
		}
		res, err = workflow.Declarations.Apply(ctx, tx, workflow.Change{
			ID:      d.ID,
			To:      out.Status,
			ActorID: auth.UserID(ctx),
			Comment: in.Remarks,
		})
		return err
	})
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}

	if d, err = load(ctx, h.DB, d.ID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	h.Audit.Log(ctx, audit.ActionInspect, Module, d.ID,
		fmt.Sprintf("Recorded %s inspection: %s", in.Stage, in.Decision))
	if res.Changed {
		common.Announce(ctx, h.App, common.Notice{
			Module: Module, ID: d.ID, OwnerID: d.UserID, Label: "Crop declaration",
			Reference: reference(d), Result: res, Comment: in.Remarks,
		})
	} else {
		h.Hub.BroadcastChange(Module, "inspect", d.ID, d.UserID)
	}
	response.Created(w, d)
}

// ListInspections handles GET /api/v1/crop-declarations/:id/inspections.
func (h *Handler) ListInspections(w http.ResponseWriter, r *http.Request, idStr string) {
	d, err := h.visible(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, d.Inspections)
}
