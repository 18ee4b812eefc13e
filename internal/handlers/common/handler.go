// Package common holds the handlers shared by every regulated module
// (attachments and the dashboard) and the helpers the module handlers use to
// apply and announce workflow transitions.
package common

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/notify"
	"agroreg/internal/server"
	"agroreg/internal/validation"
	"agroreg/internal/workflow"
)

// Handler holds dependencies for common/shared handlers.
type Handler struct {
	*server.App
}

// ParseID parses a record id taken from the URL path.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		ve := &validation.ValidationErrors{}
		ve.Add("id", "must be a positive integer")
		return 0, ve
	}
	return id, nil
}

// StatusRequest is the body accepted by every transition endpoint.
type StatusRequest struct {
	Comment     string `json:"comment"`
	InspectorID int64  `json:"inspector_id"`
}

// Transition applies ch in its own transaction. extra, when non-nil, runs in
// the same transaction after the status has been written and only when it
// actually changed.
func Transition(ctx context.Context, app *server.App, m *workflow.Machine, ch workflow.Change,
	extra func(tx *sql.Tx, res workflow.Result) error) (workflow.Result, error) {
	var res workflow.Result
	err := database.WithTx(ctx, app.DB, func(tx *sql.Tx) error {
		var err error
		res, err = m.Apply(ctx, tx, ch)
		if err != nil {
			return err
		}
		if res.Changed && extra != nil {
			return extra(tx, res)
		}
		return nil
	})
	return res, err
}

// Notice describes an applied transition to Announce.
type Notice struct {
	Module    string // audit module and websocket entity
	ID        int64
	OwnerID   int64
	Label     string // shown to the applicant, e.g. "SR4 application"
	Reference string
	Result    workflow.Result
	Comment   string
}

// Announce emails the record owner, pushes a websocket event and writes an
// audit entry for a transition that changed something.
func Announce(ctx context.Context, app *server.App, n Notice) {
	if !n.Result.Changed {
		return
	}
	ref := n.Reference
	if ref == "" {
		ref = "#" + strconv.FormatInt(n.ID, 10)
	}
	app.Mailer.StatusChanged(ctx, notify.StatusNotice{
		OwnerID:   n.OwnerID,
		Entity:    n.Label,
		Reference: ref,
		Status:    n.Result.To,
		Comment:   n.Comment,
	})
	app.Hub.BroadcastStatus(n.Module, n.ID, n.OwnerID, n.Result.To)
	app.Audit.Log(ctx, auditAction(n.Result.To), n.Module, n.ID,
		fmt.Sprintf("%s %s: %s -> %s", n.Label, ref, n.Result.From, n.Result.To))
}

func auditAction(status string) string {
	switch status {
	case workflow.StatusAssignedInspector:
		return audit.ActionAssign
	case workflow.StatusApproved, workflow.StatusAccepted, workflow.StatusMarketable:
		return audit.ActionApprove
	case workflow.StatusRejected, workflow.StatusNotMarketable:
		return audit.ActionReject
	case workflow.StatusInspecting:
		return audit.ActionInspect
	case workflow.StatusPrinted:
		return audit.ActionPrint
	}
	return audit.ActionStatus
}

// ValidateInspector checks that id is an active user whose role carries perm.
func ValidateInspector(ctx context.Context, app *server.App, ve *validation.ValidationErrors, id int64, perm string) {
	if id == 0 {
		ve.Add("inspector_id", "is required")
		return
	}
	var role string
	var active bool
	err := app.DB.QueryRowContext(ctx, "SELECT role, active FROM users WHERE id = ?", id).Scan(&role, &active)
	if err != nil {
		ve.Add("inspector_id", fmt.Sprintf("references non-existent user: %d", id))
		return
	}
	if !active {
		ve.Add("inspector_id", "user is deactivated")
		return
	}
	if !app.PermCache.Permissions(role)[perm] {
		ve.Add("inspector_id", "user cannot inspect this record")
	}
}

// CheckReviewer allows callers holding approvePerm, and callers holding
// inspectPerm who are the record's assigned inspector.
func CheckReviewer(ctx context.Context, inspectorID *int64, inspectPerm, approvePerm string) error {
	if err := auth.CheckAny(ctx, approvePerm, inspectPerm); err != nil {
		return err
	}
	if auth.HasPermission(ctx, approvePerm) {
		return nil
	}
	if inspectorID == nil || *inspectorID != auth.UserID(ctx) {
		return fmt.Errorf("%w: not the assigned inspector", auth.ErrForbidden)
	}
	return nil
}

// CheckOwner returns ErrNotFound when the caller may not see a record owned
// by ownerID, so record ids of other applicants are not disclosed.
func CheckOwner(ctx context.Context, ownerID int64, viewAllPerm string) error {
	if _, ok := auth.FromContext(ctx); !ok {
		return auth.ErrUnauthenticated
	}
	if !auth.CanAccess(ctx, ownerID, viewAllPerm) {
		return database.ErrNotFound
	}
	return nil
}

// ScopeOwner narrows a list query to the caller's own rows unless they hold
// viewAllPerm. It also honours ?assigned=me for inspectors.
func ScopeOwner(ctx context.Context, query string, args []any, viewAllPerm, assigned string) (string, []any) {
	if !auth.HasPermission(ctx, viewAllPerm) {
		query += " AND user_id=?"
		args = append(args, auth.UserID(ctx))
	}
	if strings.EqualFold(assigned, "me") {
		query += " AND inspector_id=?"
		args = append(args, auth.UserID(ctx))
	}
	return query, args
}

// DecodeStatus reads an optional StatusRequest body. An empty body is allowed.
func DecodeStatus(r *http.Request) (StatusRequest, error) {
	var req StatusRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	ve := &validation.ValidationErrors{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		ve.Add("body", "invalid JSON: "+err.Error())
		return req, ve
	}
	validation.ValidateMaxLength(ve, "comment", req.Comment, validation.MaxTextLength)
	return req, ve.Err()
}
