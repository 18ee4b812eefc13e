// Package applications serves SR4, SR6 and QDS registration applications
// through their review workflow.
package applications

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
)

// Handler holds dependencies for application handlers.
type Handler struct {
	*server.App
}

// Module names application records in attachments, audit and websocket events.
const Module = "applications"

// validityYears is how long an approved registration stays valid, per form.
var validityYears = map[string]int{"sr4": 1, "sr6": 2, "qds": 1}

const formCols = `id, form_type, user_id, applicant_name, address, phone, premises_location, experience,
	dealers_in, COALESCE(details, ''), status, COALESCE(status_comment, ''), inspector_id, receipt_id,
	registration_number, valid_from, valid_until, created_at, updated_at`

func scanForm(row interface{ Scan(...any) error }) (models.ApplicationForm, error) {
	var f models.ApplicationForm
	var details string
	var inspector, receipt sql.NullInt64
	var reg sql.NullString
	err := row.Scan(&f.ID, &f.FormType, &f.UserID, &f.ApplicantName, &f.Address, &f.Phone, &f.PremisesLocation,
		&f.Experience, &f.DealersIn, &details, &f.Status, &f.StatusComment, &inspector, &receipt,
		&reg, &f.ValidFrom, &f.ValidUntil, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return f, err
	}
	if details != "" {
		f.Details = json.RawMessage(details)
	}
	f.InspectorID = database.IntPtr(inspector)
	f.ReceiptID = database.IntPtr(receipt)
	f.RegistrationNumber = database.StrPtr(reg)
	return f, nil
}

func load(ctx context.Context, q database.Querier, id int64) (models.ApplicationForm, error) {
	f, err := scanForm(q.QueryRowContext(ctx, "SELECT "+formCols+" FROM application_forms WHERE id = ?", id))
	if err != nil {
		return f, database.NotFound(err)
	}
	return f, nil
}

func label(f models.ApplicationForm) string {
	return strings.ToUpper(f.FormType) + " application"
}

func reference(f models.ApplicationForm) string {
	if f.RegistrationNumber != nil {
		return *f.RegistrationNumber
	}
	return ""
}
