package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// StatusNotice describes a workflow transition the record owner should hear about.
type StatusNotice struct {
	OwnerID   int64
	Entity    string // human label, e.g. "SR4 application"
	Reference string // record number shown to the applicant
	Status    string
	Comment   string
}

// Subject is the email subject line for n.
func (n StatusNotice) Subject() string {
	return fmt.Sprintf("%s %s: %s", n.Entity, n.Reference, humanize(n.Status))
}

// Body is the plain-text body for a recipient called name.
func (n StatusNotice) Body(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", name)
	fmt.Fprintf(&b, "The status of your %s %s is now: %s.\n", n.Entity, n.Reference, humanize(n.Status))
	if n.Comment != "" {
		fmt.Fprintf(&b, "\nComment from the reviewer:\n%s\n", n.Comment)
	}
	b.WriteString("\nYou can follow progress by signing in to the portal.\n")
	return b.String()
}

// StatusChanged emails the record owner about a transition. The owner's
// address is looked up here so callers only need the owner id.
func (m *Mailer) StatusChanged(ctx context.Context, n StatusNotice) {
	if m == nil || n.OwnerID == 0 {
		return
	}
	var email, name string
	err := m.db.QueryRowContext(ctx,
		"SELECT email, COALESCE(NULLIF(display_name, ''), username) FROM users WHERE id = ?", n.OwnerID).
		Scan(&email, &name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			m.log.Warn("lookup notice recipient", zap.Int64("user_id", n.OwnerID), zap.Error(err))
		}
		return
	}
	if email == "" {
		return
	}
	m.Enqueue(ctx, Message{
		To:        email,
		Subject:   n.Subject(),
		Body:      n.Body(name),
		EventType: "status_" + n.Status,
	})
}

func humanize(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
