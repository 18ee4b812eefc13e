// Package labels serves seed label requests against marketable lots, the
// per-package codes issued on approval, and the public code verification page.
package labels

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/server"
	"agroreg/internal/workflow"
)

// Handler holds dependencies for seed label handlers.
type Handler struct {
	*server.App
}

const Module = "seed_labels"

// MaxLabelsPerRequest bounds how many codes one approval may issue.
const MaxLabelsPerRequest = 10000

// ErrInsufficientStock is returned when a lot no longer holds enough seed
// for the labels being approved.
var ErrInsufficientStock = fmt.Errorf("%w: insufficient marketable quantity", workflow.ErrConflict)

const labelCols = `id, user_id, marketable_seed_id, lot_number, package_size_kg, quantity_kg, label_count, status,
	COALESCE(status_comment, ''), approved_by, approved_at, printed_at, created_at, updated_at`

func scanLabel(row interface{ Scan(...any) error }) (models.SeedLabel, error) {
	var l models.SeedLabel
	var approvedBy sql.NullInt64
	var approvedAt, printedAt sql.NullString
	err := row.Scan(&l.ID, &l.UserID, &l.MarketableSeedID, &l.LotNumber, &l.PackageSizeKg, &l.QuantityKg,
		&l.LabelCount, &l.Status, &l.StatusComment, &approvedBy, &approvedAt, &printedAt, &l.CreatedAt, &l.UpdatedAt)
	l.ApprovedBy = database.IntPtr(approvedBy)
	l.ApprovedAt = database.StrPtr(approvedAt)
	l.PrintedAt = database.StrPtr(printedAt)
	return l, err
}

func load(ctx context.Context, q database.Querier, id int64) (models.SeedLabel, error) {
	l, err := scanLabel(q.QueryRowContext(ctx, "SELECT "+labelCols+" FROM seed_labels WHERE id = ?", id))
	return l, database.NotFound(err)
}

// VerifyURL is the QR payload printed on a label.
func (h *Handler) VerifyURL(code string) string {
	return strings.TrimRight(h.Config.HTTP.PublicURL, "/") + "/verify/" + code
}
