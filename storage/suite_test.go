package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/play-engine/types"
)

// ids are unique per run so the suite can share a server with other runs.
var idSeq uint64 = uint64(time.Now().UnixNano() >> 8)
var idMu sync.Mutex

func nextID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	idSeq++
	return idSeq
}

func samplePlay(id string) types.Play {
	return types.Play{
		ID:   id,
		Name: "Onboarding",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeTypeStart},
			{ID: "intake", Type: types.NodeTypeBrick, Category: types.CategoryCollection, Metadata: types.NodeMetadata{Label: "Intake"}},
			{ID: "end", Type: types.NodeTypeEnd},
		},
		Edges: []types.Edge{
			{Source: "start", Target: "intake"},
			{Source: "intake", Target: "end"},
		},
		ApprovalTemplateID: "tpl",
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// runStorageSuite checks the behaviour every adapter must share.
func runStorageSuite(t *testing.T, store Storage) {
	ctx := context.Background()

	t.Run("Plays", func(t *testing.T) {
		id := "play-" + uuid.NewString()
		play := samplePlay(id)
		require.NoError(t, store.SavePlay(ctx, play))

		got, err := store.LoadPlayGraph(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, play.Nodes, got.Nodes)
		assert.Equal(t, play.Edges, got.Edges)
		assert.Equal(t, "tpl", got.ApprovalTemplateID)

		_, err = store.LoadPlayGraph(ctx, "missing-"+uuid.NewString())
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("TemplatesAreOrdered", func(t *testing.T) {
		id := "tpl-" + uuid.NewString()
		require.NoError(t, store.SaveTemplate(ctx, types.ApprovalTemplate{ID: id, Routes: []types.ApprovalRoute{
			{Position: 2, Approvers: []string{"legal"}},
			{Position: 1, Approvers: []string{"finance"}},
		}}))
		routes, err := store.LoadApprovalSequence(ctx, id)
		require.NoError(t, err)
		require.Len(t, routes, 2)
		assert.Equal(t, 1, routes[0].Position)
		assert.Equal(t, 2, routes[1].Position)
	})

	t.Run("NodeStateVersioning", func(t *testing.T) {
		ws := "ws-" + uuid.NewString()
		st := types.NodeExecutionState{
			WorkstreamID: ws, PlayID: "p", NodeID: "intake",
			Status:  types.StatusWaitingForInput,
			Outputs: map[string]interface{}{"a": "x"},
			PendingAction: &types.PendingAction{
				Type: types.CategoryCollection, NodeID: "intake", Description: "missing: b",
				Config: map[string]interface{}{"missing_fields": []interface{}{"b"}},
			},
			CreatedAt: now(), UpdatedAt: now(),
		}

		saved, err := store.SaveState(ctx, st)
		require.NoError(t, err)
		assert.Equal(t, 1, saved.Version)

		_, err = store.SaveState(ctx, st)
		assert.ErrorIs(t, err, types.ErrConflict, "a second insert at version 0 conflicts")

		got, err := store.GetState(ctx, ws, "p", "intake")
		require.NoError(t, err)
		assert.Equal(t, types.StatusWaitingForInput, got.Status)
		assert.Equal(t, map[string]interface{}{"a": "x"}, got.Outputs)
		require.NotNil(t, got.PendingAction)
		assert.Equal(t, "missing: b", got.PendingAction.Description)

		got.Status = types.StatusCompleted
		got.PendingAction = nil
		updated, err := store.SaveState(ctx, got)
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)

		_, err = store.SaveState(ctx, got)
		assert.ErrorIs(t, err, types.ErrConflict, "a stale version conflicts")

		states, err := store.LoadStates(ctx, ws, "p")
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, types.StatusCompleted, states[0].Status)
		assert.Nil(t, states[0].PendingAction)

		other, err := store.LoadStates(ctx, ws, "other-play")
		require.NoError(t, err)
		assert.Empty(t, other)

		_, err = store.GetState(ctx, ws, "p", "nope")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("StatesArePerPlay", func(t *testing.T) {
		ws := "ws-" + uuid.NewString()
		for _, play := range []string{"p1", "p2"} {
			saved, err := store.SaveState(ctx, types.NodeExecutionState{
				WorkstreamID: ws, PlayID: play, NodeID: "start",
				Status: types.StatusCompleted, CreatedAt: now(), UpdatedAt: now(),
			})
			require.NoError(t, err, "node ids are scoped to their play")
			assert.Equal(t, 1, saved.Version)
		}

		got, err := store.GetState(ctx, ws, "p2", "start")
		require.NoError(t, err)
		assert.Equal(t, "p2", got.PlayID)

		states, err := store.LoadStates(ctx, ws, "p1")
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Equal(t, "p1", states[0].PlayID)

		_, err = store.GetState(ctx, ws, "p3", "start")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("GateUniqueness", func(t *testing.T) {
		ws := "ws-" + uuid.NewString()
		rec := types.ApprovalRecord{
			ID: nextID(), WorkstreamID: ws, TemplateID: "tpl", Position: 1,
			Status: types.ApprovalPending, Approvers: []string{"u1", "u2"},
			Mode: types.ModeParallel, Threshold: types.ThresholdUnanimous,
			CreatedAt: now(), UpdatedAt: now(),
		}
		require.NoError(t, store.CreateRecord(ctx, rec))

		dup := rec
		dup.ID = nextID()
		assert.ErrorIs(t, store.CreateRecord(ctx, dup), types.ErrConflict)

		second := rec
		second.ID = nextID()
		second.Position = 2
		require.NoError(t, store.CreateRecord(ctx, second))

		recs, err := store.ListRecords(ctx, ws)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, rec.ID, recs[0].ID)
		assert.Equal(t, []string{"u1", "u2"}, recs[0].Approvers)

		resolved := rec
		resolved.Status = types.ApprovalApproved
		at := now()
		resolved.ResolvedAt = &at
		require.NoError(t, store.UpdateRecordStatus(ctx, resolved, types.ApprovalPending))
		assert.ErrorIs(t, store.UpdateRecordStatus(ctx, resolved, types.ApprovalPending), types.ErrConflict,
			"only one caller can move a gate out of pending")

		got, err := store.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ApprovalApproved, got.Status)
		require.NotNil(t, got.ResolvedAt)

		_, err = store.GetRecord(ctx, nextID())
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("DecisionIdempotency", func(t *testing.T) {
		rec := types.ApprovalRecord{
			ID: nextID(), WorkstreamID: "ws-" + uuid.NewString(), TemplateID: "tpl", Position: 1,
			Status: types.ApprovalPending, Approvers: []string{"u1", "u2"},
			Mode: types.ModeParallel, Threshold: types.ThresholdAnyOne,
			CreatedAt: now(), UpdatedAt: now(),
		}
		require.NoError(t, store.CreateRecord(ctx, rec))

		d := types.ApprovalDecision{ID: nextID(), ApprovalID: rec.ID, DecidedBy: "u1", Decision: types.DecisionApproved, CreatedAt: now()}
		require.NoError(t, store.AppendDecision(ctx, d))

		again := d
		again.ID = nextID()
		again.Decision = types.DecisionRejected
		assert.ErrorIs(t, store.AppendDecision(ctx, again), types.ErrConflict)

		d2 := types.ApprovalDecision{ID: nextID(), ApprovalID: rec.ID, DecidedBy: "u2", Decision: types.DecisionRejected, Reasoning: "no", CreatedAt: now().Add(time.Millisecond)}
		require.NoError(t, store.AppendDecision(ctx, d2))

		list, err := store.ListDecisions(ctx, rec.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "u1", list[0].DecidedBy)
		assert.Equal(t, types.DecisionApproved, list[0].Decision, "the first decision is never overwritten")
		assert.Equal(t, "no", list[1].Reasoning)
	})

	t.Run("DecisionOnResolvedRecord", func(t *testing.T) {
		rec := types.ApprovalRecord{
			ID: nextID(), WorkstreamID: "ws-" + uuid.NewString(), TemplateID: "tpl", Position: 1,
			Status: types.ApprovalPending, Approvers: []string{"u1", "u2"},
			Mode: types.ModeParallel, Threshold: types.ThresholdAnyOne,
			CreatedAt: now(), UpdatedAt: now(),
		}
		require.NoError(t, store.CreateRecord(ctx, rec))

		resolved := rec
		resolved.Status = types.ApprovalApproved
		require.NoError(t, store.UpdateRecordStatus(ctx, resolved, types.ApprovalPending))

		late := types.ApprovalDecision{ID: nextID(), ApprovalID: rec.ID, DecidedBy: "u2", Decision: types.DecisionRejected, CreatedAt: now()}
		err := store.AppendDecision(ctx, late)
		assert.ErrorIs(t, err, ErrRecordResolved)
		assert.ErrorIs(t, err, types.ErrConflict)

		list, err := store.ListDecisions(ctx, rec.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ChangesRequestedDoesNotClaimVote", func(t *testing.T) {
		rec := types.ApprovalRecord{
			ID: nextID(), WorkstreamID: "ws-" + uuid.NewString(), TemplateID: "tpl", Position: 1,
			Status: types.ApprovalPending, Approvers: []string{"u1"},
			Mode: types.ModeParallel, Threshold: types.ThresholdUnanimous,
			CreatedAt: now(), UpdatedAt: now(),
		}
		require.NoError(t, store.CreateRecord(ctx, rec))

		cr := types.ApprovalDecision{ID: nextID(), ApprovalID: rec.ID, DecidedBy: "u1", Decision: types.DecisionChangesRequested, CreatedAt: now()}
		require.NoError(t, store.AppendDecision(ctx, cr))

		vote := types.ApprovalDecision{ID: nextID(), ApprovalID: rec.ID, DecidedBy: "u1", Decision: types.DecisionApproved, CreatedAt: now().Add(time.Millisecond)}
		require.NoError(t, store.AppendDecision(ctx, vote))

		vote.ID = nextID()
		assert.ErrorIs(t, store.AppendDecision(ctx, vote), types.ErrConflict)

		list, err := store.ListDecisions(ctx, rec.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, types.DecisionChangesRequested, list[0].Decision)
	})

	t.Run("ConcurrentGateClaim", func(t *testing.T) {
		ws := "ws-" + uuid.NewString()
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.CreateRecord(ctx, types.ApprovalRecord{
					ID: nextID(), WorkstreamID: ws, TemplateID: "tpl", Position: 2,
					Status: types.ApprovalPending, Mode: types.ModeParallel, Threshold: types.ThresholdUnanimous,
					CreatedAt: now(), UpdatedAt: now(),
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, types.ErrConflict)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, store.SavePlay(cancelled, samplePlay("x")))
		_, err := store.LoadPlayGraph(cancelled, "x")
		assert.Error(t, err)
	})
}
