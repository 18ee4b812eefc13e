package common

import (
	"context"
	"database/sql"
	"net/http"

	"agroreg/internal/auth"
	"agroreg/internal/database"
	"agroreg/internal/response"
	"agroreg/internal/server"
	"agroreg/internal/validation"
	"agroreg/internal/workflow"
)

// Move describes one status-changing endpoint over records of type T.
type Move[T any] struct {
	Machine *workflow.Machine
	To      string
	Load    func(ctx context.Context, q database.Querier, id int64) (T, error)
	// Prepare authorizes the caller and may add fields to the change.
	Prepare func(ctx context.Context, rec T, req StatusRequest, ch *workflow.Change) error
	// Extra runs inside the transition's transaction when the status changed.
	Extra func(ctx context.Context, tx *sql.Tx, rec T) error
	// Notice fills the owner, label and reference of the announcement.
	Notice func(rec T) Notice
}

// RunMove serves a Move for the record named by idStr and responds with the
// reloaded record. Rejecting or halting requires a comment.
func RunMove[T any](w http.ResponseWriter, r *http.Request, app *server.App, idStr string, mv Move[T]) {
	ctx := r.Context()
	if _, ok := auth.FromContext(ctx); !ok {
		response.Error(w, app.Log, auth.ErrUnauthenticated)
		return
	}
	id, err := ParseID(idStr)
	if err != nil {
		response.Error(w, app.Log, err)
		return
	}
	req, err := DecodeStatus(r)
	if err != nil {
		response.Error(w, app.Log, err)
		return
	}
	rec, err := mv.Load(ctx, app.DB, id)
	if err != nil {
		response.Error(w, app.Log, err)
		return
	}

	ch := workflow.Change{ID: id, To: mv.To, ActorID: auth.UserID(ctx), Comment: req.Comment}
	if mv.Prepare != nil {
		if err := mv.Prepare(ctx, rec, req, &ch); err != nil {
			response.Error(w, app.Log, err)
			return
		}
	}
	if (mv.To == workflow.StatusRejected || mv.To == workflow.StatusHalted) && req.Comment == "" {
		ve := &validation.ValidationErrors{}
		ve.Add("comment", "is required when the status is "+mv.To)
		response.Error(w, app.Log, ve)
		return
	}

	var extra func(tx *sql.Tx, res workflow.Result) error
	if mv.Extra != nil {
		extra = func(tx *sql.Tx, _ workflow.Result) error { return mv.Extra(ctx, tx, rec) }
	}
	res, err := Transition(ctx, app, mv.Machine, ch, extra)
	if err != nil {
		response.Error(w, app.Log, err)
		return
	}

	rec, err = mv.Load(ctx, app.DB, id)
	if err != nil {
		response.Error(w, app.Log, err)
		return
	}
	n := mv.Notice(rec)
	n.ID = id
	n.Result = res
	n.Comment = req.Comment
	Announce(ctx, app, n)
	response.JSON(w, rec)
}

// ServeHistory responds with the status history of a record the caller may see.
func ServeHistory(w http.ResponseWriter, r *http.Request, app *server.App, idStr string, m *workflow.Machine, viewAllPerm string) {
	ctx := r.Context()
	id, err := ParseID(idStr)
	if err != nil {
		response.Error(w, app.Log, err)
		return
	}
	var owner int64
	if err := app.DB.QueryRowContext(ctx, "SELECT user_id FROM "+m.Table+" WHERE id = ?", id).Scan(&owner); err != nil {
		response.Error(w, app.Log, database.NotFound(err))
		return
	}
	if err := CheckOwner(ctx, owner, viewAllPerm); err != nil {
		response.Error(w, app.Log, err)
		return
	}
	hist, err := m.History(ctx, app.DB, id)
	if err != nil {
		response.Error(w, app.Log, err)
		return
	}
	response.JSON(w, hist)
}
