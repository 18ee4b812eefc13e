package audit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/models"
	"agroreg/internal/websocket"
)

// Action constants.
const (
	ActionCreate   = "CREATE"
	ActionUpdate   = "UPDATE"
	ActionDelete   = "DELETE"
	ActionExport   = "EXPORT"
	ActionImport   = "IMPORT"
	ActionLogin    = "LOGIN"
	ActionAssign   = "ASSIGN"
	ActionApprove  = "APPROVE"
	ActionReject   = "REJECT"
	ActionStatus   = "STATUS"
	ActionInspect  = "INSPECT"
	ActionUpload   = "UPLOAD"
	ActionPrint    = "PRINT"
	ActionSettings = "SETTINGS"
)

type ipKey struct{}

// WithClientIP stores the caller's address for later audit entries.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey{}, ip)
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey{}).(string)
	return ip
}

// Logger writes audit_log rows and mirrors them onto the websocket hub.
type Logger struct {
	db  database.Querier
	hub *websocket.Hub
	log *zap.Logger
}

func New(db database.Querier, hub *websocket.Hub, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{db: db, hub: hub, log: log.Named("audit")}
}

// Log records action on module/recordID by the user in ctx. Failures are
// logged, never returned: an audit hiccup must not fail the request.
func (l *Logger) Log(ctx context.Context, action, module string, recordID int64, summary string) {
	if l == nil {
		return
	}
	id := ""
	if recordID != 0 {
		id = strconv.FormatInt(recordID, 10)
	}
	username := auth.Username(ctx)
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO audit_log (username, action, module, record_id, summary, ip_address, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		username, action, module, id, summary, clientIP(ctx), database.Now())
	if err != nil {
		l.log.Error("write audit entry", zap.Error(err),
			zap.String("action", action), zap.String("module", module), zap.String("record_id", id))
		return
	}
	l.log.Debug(summary, zap.String("user", username), zap.String("action", action), zap.String("module", module))
	l.hub.BroadcastChange(module, strings.ToLower(action), recordID, 0)
}

// Filter narrows List.
type Filter struct {
	Module   string
	Username string
	Since    string
	Limit    int
	Offset   int
}

// List returns audit entries newest first and the total matching count.
func (l *Logger) List(ctx context.Context, f Filter) ([]models.AuditEntry, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Module != "" {
		where = append(where, "module = ?")
		args = append(args, f.Module)
	}
	if f.Username != "" {
		where = append(where, "username = ?")
		args = append(args, f.Username)
	}
	if f.Since != "" {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit: %w", err)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT id, username, action, module, record_id, COALESCE(summary, ''), created_at FROM audit_log WHERE "+
			cond+" ORDER BY id DESC LIMIT ? OFFSET ?", append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Action, &e.Module, &e.RecordID, &e.Summary, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (l *Logger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(database.TimeFormat)
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClientIP extracts the real client IP from the request (handles proxies).
func ClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
