package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"agroreg/internal/audit"
	"agroreg/internal/auth"
	"agroreg/internal/blob"
	"agroreg/internal/database"
	"agroreg/internal/metrics"
	"agroreg/internal/models"
	"agroreg/internal/response"
	"agroreg/internal/server"
	"agroreg/internal/validation"
)

// moduleAccess maps an attachment module to the table that owns the record
// and the permission that grants access to everyone's records.
var moduleAccess = map[string]struct{ table, viewAll string }{
	"applications":       {"application_forms", auth.PermApplicationsViewAll},
	"import_permits":     {"import_permits", auth.PermPermitsViewAll},
	"planting_returns":   {"planting_returns", auth.PermReturnsViewAll},
	"crop_declarations":  {"crop_declarations", auth.PermDeclarationsViewAll},
	"stock_examinations": {"stock_examinations", auth.PermStockViewAll},
	"seed_labs":          {"seed_labs", auth.PermLabsViewAll},
	"seed_labels":        {"seed_labels", auth.PermLabelsViewAll},
}

// checkRecord verifies the record exists and the caller may see it.
func checkRecord(ctx context.Context, app *server.App, module string, recordID int64) error {
	acc, ok := moduleAccess[module]
	if !ok {
		ve := &validation.ValidationErrors{}
		ve.Add("module", "must be one of: "+strings.Join(validation.ValidModules, ", "))
		return ve
	}
	var owner int64
	err := app.DB.QueryRowContext(ctx, "SELECT user_id FROM "+acc.table+" WHERE id = ?", recordID).Scan(&owner)
	if err != nil {
		return database.NotFound(err)
	}
	return CheckOwner(ctx, owner, acc.viewAll)
}

const attachmentCols = "id, module, record_id, storage_key, original_name, size_bytes, mime_type, uploaded_by, created_at"

func scanAttachment(row interface{ Scan(...any) error }) (models.Attachment, error) {
	var a models.Attachment
	err := row.Scan(&a.ID, &a.Module, &a.RecordID, &a.StorageKey, &a.OriginalName, &a.SizeBytes, &a.MimeType, &a.UploadedBy, &a.CreatedAt)
	return a, err
}

// ParseUpload bounds the request body and parses the multipart form. It is
// safe to call more than once.
func ParseUpload(w http.ResponseWriter, r *http.Request, app *server.App) error {
	if r.MultipartForm != nil {
		return nil
	}
	maxSize := int64(validation.MaxFileSize)
	if app.Config != nil && app.Config.HTTP.MaxUploadMB > 0 {
		maxSize = app.Config.HTTP.MaxUploadMB << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		ve := &validation.ValidationErrors{}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			ve.Add("file", fmt.Sprintf("exceeds maximum size of %d MB", maxSize>>20))
		} else {
			ve.Add("file", "multipart form required")
		}
		return ve
	}
	return nil
}

// SaveUpload reads the multipart "file" field of r, stores it under a
// generated key and records an attachments row for module/recordID. Access
// to the record must already have been checked.
func SaveUpload(w http.ResponseWriter, r *http.Request, app *server.App, module string, recordID int64) (models.Attachment, error) {
	if err := ParseUpload(w, r, app); err != nil {
		return models.Attachment{}, err
	}
	ve := &validation.ValidationErrors{}
	file, header, err := r.FormFile("file")
	if err != nil {
		ve.Add("file", "is required")
		return models.Attachment{}, ve
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	validation.ValidateFileUpload(ve, header.Filename, header.Size, contentType)
	if err := ve.Err(); err != nil {
		return models.Attachment{}, err
	}

	ctx := r.Context()
	key := blob.NewKey(module, header.Filename)
	info, err := app.Blobs.Put(ctx, key, file, contentType)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("store upload: %w", err)
	}
	metrics.UploadBytes.Add(float64(info.Size))

	a := models.Attachment{
		Module:       module,
		RecordID:     recordID,
		StorageKey:   key,
		OriginalName: validation.SanitizeFilename(header.Filename),
		SizeBytes:    info.Size,
		MimeType:     contentType,
		UploadedBy:   auth.UserID(ctx),
		CreatedAt:    database.Now(),
	}
	a.ID, err = database.SaveData(ctx, app.DB, "attachments", 0, map[string]any{
		"module":        a.Module,
		"record_id":     a.RecordID,
		"storage_key":   a.StorageKey,
		"original_name": a.OriginalName,
		"size_bytes":    a.SizeBytes,
		"mime_type":     a.MimeType,
		"uploaded_by":   a.UploadedBy,
		"created_at":    a.CreatedAt,
	})
	if err != nil {
		if delErr := app.Blobs.Delete(ctx, key); delErr != nil {
			app.Log.Warn("remove orphaned upload", zap.String("key", key), zap.Error(delErr))
		}
		return models.Attachment{}, err
	}
	app.Audit.Log(ctx, audit.ActionUpload, module, recordID, "Uploaded "+a.OriginalName)
	return a, nil
}

// UploadAttachment handles POST /api/v1/attachments (multipart: module,
// record_id, file).
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	if err := ParseUpload(w, r, h.App); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	module := r.FormValue("module")
	recordID, err := ParseID(r.FormValue("record_id"))
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if err := checkRecord(r.Context(), h.App, module, recordID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	a, err := SaveUpload(w, r, h.App, module, recordID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.Created(w, a)
}

// ListAttachments handles GET /api/v1/attachments?module=&record_id=.
func (h *Handler) ListAttachments(w http.ResponseWriter, r *http.Request) {
	module := r.URL.Query().Get("module")
	recordID, err := ParseID(r.URL.Query().Get("record_id"))
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if err := checkRecord(r.Context(), h.App, module, recordID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	items, err := ListFor(r.Context(), h.App, module, recordID)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	response.JSON(w, items)
}

// ListFor returns the attachments of one record, newest first.
func ListFor(ctx context.Context, app *server.App, module string, recordID int64) ([]models.Attachment, error) {
	rows, err := app.DB.QueryContext(ctx, "SELECT "+attachmentCols+
		" FROM attachments WHERE module = ? AND record_id = ? ORDER BY id DESC", module, recordID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()
	items := []models.Attachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// PurgeAttachments removes every attachment of a deleted record, rows first
// and then the stored files. A file that cannot be removed is logged and
// left behind.
func PurgeAttachments(ctx context.Context, app *server.App, module string, recordID int64) error {
	items, err := ListFor(ctx, app, module, recordID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if _, err := app.DB.ExecContext(ctx, "DELETE FROM attachments WHERE module = ? AND record_id = ?", module, recordID); err != nil {
		return fmt.Errorf("delete attachments: %w", err)
	}
	for _, a := range items {
		if err := app.Blobs.Delete(ctx, a.StorageKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
			app.Log.Warn("remove stored file", zap.String("key", a.StorageKey), zap.Error(err))
		}
	}
	return nil
}

func (h *Handler) loadAttachment(ctx context.Context, idStr string) (models.Attachment, error) {
	id, err := ParseID(idStr)
	if err != nil {
		return models.Attachment{}, err
	}
	a, err := scanAttachment(h.DB.QueryRowContext(ctx, "SELECT "+attachmentCols+" FROM attachments WHERE id = ?", id))
	if err != nil {
		return models.Attachment{}, database.NotFound(err)
	}
	if err := checkRecord(ctx, h.App, a.Module, a.RecordID); err != nil {
		return models.Attachment{}, err
	}
	return a, nil
}

// DownloadAttachment handles GET /api/v1/attachments/:id/download.
func (h *Handler) DownloadAttachment(w http.ResponseWriter, r *http.Request, idStr string) {
	a, err := h.loadAttachment(r.Context(), idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	info, body, err := h.Blobs.Get(r.Context(), a.StorageKey)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	defer body.Close()
	ct := a.MimeType
	if ct == "" {
		ct = info.ContentType
	}
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.OriginalName))
	if _, err := io.Copy(w, body); err != nil {
		h.Log.Debug("download interrupted", zap.Int64("attachment", a.ID), zap.Error(err))
	}
}

// DeleteAttachment handles DELETE /api/v1/attachments/:id. Only the uploader
// or a user holding the module's view-all permission may delete.
func (h *Handler) DeleteAttachment(w http.ResponseWriter, r *http.Request, idStr string) {
	ctx := r.Context()
	a, err := h.loadAttachment(ctx, idStr)
	if err != nil {
		response.Error(w, h.Log, err)
		return
	}
	if a.UploadedBy != auth.UserID(ctx) && !auth.HasPermission(ctx, moduleAccess[a.Module].viewAll) {
		response.Error(w, h.Log, auth.ErrForbidden)
		return
	}
	if _, err := h.DB.ExecContext(ctx, "DELETE FROM attachments WHERE id = ?", a.ID); err != nil {
		response.Error(w, h.Log, err)
		return
	}
	// Receipts point at attachments; a deleted receipt leaves the form without one.
	if _, err := h.DB.ExecContext(ctx, "UPDATE application_forms SET receipt_id = NULL WHERE receipt_id = ?", a.ID); err != nil {
		h.Log.Warn("clear receipt reference", zap.Int64("attachment", a.ID), zap.Error(err))
	}
	if err := h.Blobs.Delete(ctx, a.StorageKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
		h.Log.Warn("remove stored file", zap.String("key", a.StorageKey), zap.Error(err))
	}
	h.Audit.Log(ctx, audit.ActionDelete, a.Module, a.RecordID, "Deleted attachment "+a.OriginalName)
	response.JSON(w, map[string]string{"status": "deleted"})
}
