// Package workflow enforces the status lifecycle of every regulated record.
//
// Each entity kind owns a Machine: a transition table keyed by current status.
// Transitions are applied inside the caller's transaction and always leave a
// status_history row behind.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"agroreg/internal/database"
	"agroreg/internal/metrics"
)

var (
	// ErrInvalidTransition is returned when the target status is not reachable
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotEditable is returned when a record is changed outside pending.
	ErrNotEditable = errors.New("record can only be changed while pending")
	// ErrConflict is returned when the status moved underneath a transition.
	ErrConflict = errors.New("record status changed concurrently")
)

// Statuses shared across entity kinds.
const (
	StatusPending           = "pending"
	StatusAssignedInspector = "assigned_inspector"
	StatusRecommended       = "recommended"
	StatusApproved          = "approved"
	StatusRejected          = "rejected"
	StatusHalted            = "halted"
	StatusInspecting        = "inspecting"
	StatusAccepted          = "accepted"
	StatusReceived          = "received"
	StatusTested            = "tested"
	StatusMarketable        = "marketable"
	StatusNotMarketable     = "not_marketable"
	StatusPrinted           = "printed"
)

// Machine is the transition table for one entity kind.
type Machine struct {
	Entity string // name recorded in status_history
	Table  string
	edges  map[string][]string
}

// NewMachine builds a machine. Statuses that only appear as targets are terminal.
func NewMachine(entity, table string, edges map[string][]string) *Machine {
	return &Machine{Entity: entity, Table: table, edges: edges}
}

// Can reports whether from may move to to.
func (m *Machine) Can(from, to string) bool {
	for _, s := range m.edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next lists the statuses reachable from from.
func (m *Machine) Next(from string) []string {
	out := append([]string(nil), m.edges[from]...)
	sort.Strings(out)
	return out
}

// Terminal reports whether status has no outgoing edges.
func (m *Machine) Terminal(status string) bool {
	return len(m.edges[status]) == 0
}

// Statuses lists every status the machine knows, sorted.
func (m *Machine) Statuses() []string {
	seen := map[string]bool{}
	for from, tos := range m.edges {
		seen[from] = true
		for _, t := range tos {
			seen[t] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Change describes a requested transition.
type Change struct {
	ID      int64
	To      string
	ActorID int64
	Comment string
	// Fields are written alongside the status, e.g. inspector_id or lot_number.
	Fields map[string]any
}

// Result reports what Apply did. Changed is false for a same-status request.
type Result struct {
	From    string
	To      string
	Changed bool
}

// Status reads the current status of record id.
func (m *Machine) Status(ctx context.Context, q database.Querier, id int64) (string, error) {
	var status string
	err := q.QueryRowContext(ctx, "SELECT status FROM "+m.Table+" WHERE id = ?", id).Scan(&status)
	if err != nil {
		return "", database.NotFound(err)
	}
	return status, nil
}

// Apply moves a record to ch.To inside tx. Asking for the status the record
// already holds writes nothing and returns Changed == false.
func (m *Machine) Apply(ctx context.Context, tx *sql.Tx, ch Change) (Result, error) {
	from, err := m.Status(ctx, tx, ch.ID)
	if err != nil {
		return Result{}, err
	}
	if from == ch.To {
		return Result{From: from, To: from}, nil
	}
	if !m.Can(from, ch.To) {
		return Result{From: from}, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, m.Entity, from, ch.To)
	}

	data := make(map[string]any, len(ch.Fields)+2)
	for k, v := range ch.Fields {
		data[k] = v
	}
	data["status"] = ch.To
	if ch.Comment != "" {
		data["status_comment"] = ch.Comment
	}
	n, err := database.UpdateWhere(ctx, tx, m.Table, data, "id = ? AND status = ?", ch.ID, from)
	if err != nil {
		return Result{}, err
	}
	if n == 0 {
		return Result{}, ErrConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO status_history (entity, record_id, from_status, to_status, actor_id, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Entity, ch.ID, from, ch.To, database.NullInt64(ch.ActorID), ch.Comment, database.Now())
	if err != nil {
		return Result{}, fmt.Errorf("record status history: %w", err)
	}
	metrics.Transitions.WithLabelValues(m.Entity, ch.To).Inc()
	return Result{From: from, To: ch.To, Changed: true}, nil
}

// EnsureEditable fails with ErrNotEditable unless the record is pending.
func (m *Machine) EnsureEditable(ctx context.Context, q database.Querier, id int64) error {
	status, err := m.Status(ctx, q, id)
	if err != nil {
		return err
	}
	if status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotEditable, m.Entity, status)
	}
	return nil
}

// HistoryEntry is one row of status_history.
type HistoryEntry struct {
	ID         int64   `json:"id"`
	FromStatus string  `json:"from_status"`
	ToStatus   string  `json:"to_status"`
	ActorID    *int64  `json:"actor_id"`
	ActorName  *string `json:"actor_name"`
	Comment    string  `json:"comment"`
	CreatedAt  string  `json:"created_at"`
}

// History returns the transitions of record id, oldest first.
func (m *Machine) History(ctx context.Context, q database.Querier, id int64) ([]HistoryEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT h.id, h.from_status, h.to_status, h.actor_id, u.display_name, COALESCE(h.comment, ''), h.created_at
		 FROM status_history h LEFT JOIN users u ON u.id = h.actor_id
		 WHERE h.entity = ? AND h.record_id = ? ORDER BY h.id`, m.Entity, id)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var actor sql.NullInt64
		var name sql.NullString
		if err := rows.Scan(&e.ID, &e.FromStatus, &e.ToStatus, &actor, &name, &e.Comment, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.ActorID = database.IntPtr(actor)
		e.ActorName = database.StrPtr(name)
		out = append(out, e)
	}
	return out, rows.Err()
}
