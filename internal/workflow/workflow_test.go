package workflow

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agroreg/internal/config"
	"agroreg/internal/database"
)

func setup(t *testing.T) (*sql.DB, int64) {
	t.Helper()
	db, dialect, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "wf.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx, db, dialect))

	id, err := database.SaveData(ctx, db, "application_forms", 0, map[string]any{
		"form_type":      "sr4",
		"user_id":        1,
		"applicant_name": "Kawanda Seed Co",
	})
	require.NoError(t, err)
	return db, id
}

func apply(t *testing.T, db *sql.DB, m *Machine, ch Change) (Result, error) {
	t.Helper()
	var res Result
	err := database.WithTx(context.Background(), db, func(tx *sql.Tx) error {
		var err error
		res, err = m.Apply(context.Background(), tx, ch)
		return err
	})
	return res, err
}

func TestApplyWalksReviewLifecycle(t *testing.T) {
	db, id := setup(t)

	res, err := apply(t, db, Applications, Change{ID: id, To: StatusAssignedInspector, ActorID: 7,
		Fields: map[string]any{"inspector_id": 9}})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, StatusPending, res.From)

	_, err = apply(t, db, Applications, Change{ID: id, To: StatusRecommended, ActorID: 9, Comment: "premises fine"})
	require.NoError(t, err)
	_, err = apply(t, db, Applications, Change{ID: id, To: StatusApproved, ActorID: 7})
	require.NoError(t, err)

	var status, comment string
	var inspector int64
	require.NoError(t, db.QueryRow(
		"SELECT status, status_comment, inspector_id FROM application_forms WHERE id = ?", id).
		Scan(&status, &comment, &inspector))
	assert.Equal(t, StatusApproved, status)
	assert.Equal(t, "premises fine", comment)
	assert.EqualValues(t, 9, inspector)

	hist, err := Applications.History(context.Background(), db, id)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, StatusPending, hist[0].FromStatus)
	assert.Equal(t, StatusApproved, hist[2].ToStatus)
	assert.Equal(t, "premises fine", hist[1].Comment)
}

func TestApplyRejectsInvalidTransition(t *testing.T) {
	db, id := setup(t)

	_, err := apply(t, db, Applications, Change{ID: id, To: StatusApproved})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = apply(t, db, Applications, Change{ID: id, To: StatusRejected})
	require.NoError(t, err)
	_, err = apply(t, db, Applications, Change{ID: id, To: StatusAssignedInspector})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "rejected is terminal")
}

func TestApplySameStatusIsNoop(t *testing.T) {
	db, id := setup(t)

	_, err := apply(t, db, Applications, Change{ID: id, To: StatusHalted})
	require.NoError(t, err)
	res, err := apply(t, db, Applications, Change{ID: id, To: StatusHalted})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	hist, err := Applications.History(context.Background(), db, id)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestApplyMissingRecord(t *testing.T) {
	db, _ := setup(t)
	_, err := apply(t, db, Applications, Change{ID: 404, To: StatusRejected})
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestEnsureEditable(t *testing.T) {
	db, id := setup(t)
	ctx := context.Background()

	require.NoError(t, Applications.EnsureEditable(ctx, db, id))
	_, err := apply(t, db, Applications, Change{ID: id, To: StatusAssignedInspector})
	require.NoError(t, err)
	assert.ErrorIs(t, Applications.EnsureEditable(ctx, db, id), ErrNotEditable)
}

func TestMachineTables(t *testing.T) {
	assert.True(t, Applications.Terminal(StatusApproved))
	assert.False(t, Applications.Terminal(StatusHalted))
	assert.True(t, Declarations.Can(StatusHalted, StatusAssignedInspector))
	assert.False(t, StockExams.Can(StatusPending, StatusAccepted))
	assert.True(t, Labs.Can(StatusTested, StatusNotMarketable))
	assert.False(t, Labs.Can(StatusTested, StatusRejected))
	assert.Equal(t, []string{StatusPrinted}, Labels.Next(StatusApproved))
	assert.Contains(t, Labs.Statuses(), StatusMarketable)
}

func TestInspectStageProgression(t *testing.T) {
	tests := []struct {
		name             string
		current, stage   string
		decision         string
		wantStatus, next string
		wantErr          bool
	}{
		{"pass advances", StagePreFlowering, StagePreFlowering, DecisionPass, StatusInspecting, StageFlowering, false},
		{"pass middle", StageFlowering, StageFlowering, DecisionPass, StatusInspecting, StagePreHarvest, false},
		{"pass last accepts", StagePreHarvest, StagePreHarvest, DecisionPass, StatusAccepted, StagePreHarvest, false},
		{"fail rejects", StageFlowering, StageFlowering, DecisionFail, StatusRejected, StageFlowering, false},
		{"reinspect keeps stage", StageFlowering, StageFlowering, DecisionReinspect, StatusInspecting, StageFlowering, false},
		{"out of order", StagePreFlowering, StagePreHarvest, DecisionPass, "", "", true},
		{"bad decision", StagePreFlowering, StagePreFlowering, "maybe", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Inspect(tt.current, tt.stage, tt.decision)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.next, out.Stage)
		})
	}
}
