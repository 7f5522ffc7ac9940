package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/play-engine/approval"
	"github.com/songzhibin97/play-engine/bricks"
	"github.com/songzhibin97/play-engine/directory"
	"github.com/songzhibin97/play-engine/events"
	"github.com/songzhibin97/play-engine/storage"
	"github.com/songzhibin97/play-engine/types"
)

type harness struct {
	ctx       context.Context
	store     *storage.MemoryStorage
	dir       *directory.Memory
	jobs      *bricks.MemoryJobs
	registry  *bricks.Registry
	bus       *events.EventBus
	approvals *approval.Service
	engine    *Engine
	now       time.Time
	playID    string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		store: storage.NewMemoryStorage(),
		dir:   directory.NewMemory(),
		jobs:  bricks.NewMemoryJobs(),
		now:   time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	finance := h.dir.AddRole("finance", "")
	h.dir.AddUser(types.User{ID: "owner"})
	h.dir.AddUser(types.User{ID: "fin-1", Roles: []types.RoleID{finance}})
	h.dir.AddUser(types.User{ID: "fin-2", Roles: []types.RoleID{finance}})
	for _, id := range []string{"ws-1", "ws-2"} {
		h.dir.AddWorkstream(types.Workstream{
			ID:        id,
			OwnerID:   "owner",
			CreatedBy: "owner",
			Fields:    map[string]interface{}{"annual_value": 50000, "region": "emea"},
		})
	}

	h.registry = bricks.DefaultRegistry(h.jobs, h.jobs)
	h.bus = events.NewEventBus()
	t.Cleanup(h.bus.Stop)
	h.approvals = approval.NewService(h.store, h.store, h.dir,
		approval.WithEventBus(h.bus),
		approval.WithClock(func() time.Time { return h.now }),
	)

	base := []Option{
		WithGates(h.approvals),
		WithEventBus(h.bus),
		WithClock(func() time.Time { return h.now }),
	}
	e, err := NewEngine(h.store, h.store, h.dir, h.registry, append(base, opts...)...)
	require.NoError(t, err)
	h.approvals.SetResolutionHandler(e)
	h.engine = e
	return h
}

func (h *harness) register(t *testing.T, play types.Play) {
	t.Helper()
	require.NoError(t, h.engine.RegisterPlay(h.ctx, play))
	h.playID = play.ID
}

func (h *harness) state(t *testing.T, nodeID string) types.NodeExecutionState {
	t.Helper()
	st, err := h.store.GetState(h.ctx, "ws-1", h.playID, nodeID)
	require.NoError(t, err)
	return st
}

func (h *harness) run(t *testing.T, playID string) PlayResult {
	t.Helper()
	res, err := h.engine.Run(h.ctx, RunRequest{WorkstreamID: "ws-1", PlayID: playID})
	require.NoError(t, err)
	return res
}

func (h *harness) resume(t *testing.T, playID, nodeID string, submission map[string]interface{}) PlayResult {
	t.Helper()
	res, err := h.engine.Resume(h.ctx, NodeRequest{WorkstreamID: "ws-1", PlayID: playID, NodeID: nodeID, Submission: submission})
	require.NoError(t, err)
	return res
}

func startNode() types.Node { return types.Node{ID: "start", Type: types.NodeTypeStart} }
func endNode() types.Node   { return types.Node{ID: "end", Type: types.NodeTypeEnd} }

func brick(id string, category types.BrickCategory, config map[string]interface{}) types.Node {
	return types.Node{ID: id, Type: types.NodeTypeBrick, Category: category, Config: config, Metadata: types.NodeMetadata{Label: id}}
}

func chain(ids ...string) []types.Edge {
	var edges []types.Edge
	for i := 1; i < len(ids); i++ {
		edges = append(edges, types.Edge{Source: ids[i-1], Target: ids[i]})
	}
	return edges
}

func onboardingPlay() types.Play {
	collect := brick("collect", types.CategoryCollection, map[string]interface{}{
		"fields": []interface{}{
			map[string]interface{}{"name": "company", "required": true},
			map[string]interface{}{"name": "email", "required": true, "rules": []interface{}{
				map[string]interface{}{"type": "email"},
			}},
		},
	})
	doc := brick("doc", types.CategoryDocumentation, map[string]interface{}{"template_id": "msa", "format": "pdf"})
	doc.SLA = "24h"
	return types.Play{
		ID:    "onboarding",
		Name:  "Customer onboarding",
		Nodes: []types.Node{startNode(), collect, doc, endNode()},
		Edges: chain("start", "collect", "doc", "end"),
	}
}

// capture registers a review executor that records its requests and completes.
func capture(h *harness) *[]bricks.Request {
	var seen []bricks.Request
	_ = h.registry.Register(types.CategoryReview, bricks.ExecutorFunc(func(ctx context.Context, req bricks.Request) (bricks.Result, error) {
		seen = append(seen, req)
		return bricks.Result{Status: types.StatusCompleted, Outputs: map[string]interface{}{"outcome": "pass"}}, nil
	}))
	return &seen
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	store := storage.NewMemoryStorage()
	dir := directory.NewMemory()

	_, err := NewEngine(nil, store, dir, bricks.NewRegistry())
	assert.Error(t, err)
	_, err = NewEngine(store, store, nil, bricks.NewRegistry())
	assert.Error(t, err)
	_, err = NewEngine(store, store, dir, nil)
	assert.Error(t, err)

	e, err := NewEngine(store, store, dir, bricks.NewRegistry())
	require.NoError(t, err)
	assert.NoError(t, e.Stop(context.Background()))
}

func TestRegisterPlay_RejectsInvalidGraph(t *testing.T) {
	h := newHarness(t)
	err := h.engine.RegisterPlay(h.ctx, types.Play{
		ID:    "broken",
		Nodes: []types.Node{startNode(), brick("a", "spreadsheet", nil)},
		Edges: chain("start", "a"),
	})
	verrs, ok := types.AsValidationErrors(err)
	require.True(t, ok)
	assert.Equal(t, "nodes[1].brick_category", verrs[0].Path)

	_, err = h.store.LoadPlayGraph(h.ctx, "broken")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRun_SuspendsAndResumesCollection(t *testing.T) {
	h := newHarness(t)
	h.register(t, onboardingPlay())

	res := h.run(t, "onboarding")
	assert.Equal(t, PlayWaiting, res.Status)
	assert.Equal(t, 2, res.Steps)
	require.Len(t, res.Waiting, 1)
	assert.Equal(t, "collect", res.Waiting[0].NodeID)
	assert.Equal(t, types.StatusWaitingForInput, res.Waiting[0].Status)
	require.NotNil(t, res.Waiting[0].PendingAction)
	assert.Equal(t, types.CategoryCollection, res.Waiting[0].PendingAction.Type)

	_, err := h.store.GetState(h.ctx, "ws-1", "onboarding", "doc")
	assert.ErrorIs(t, err, types.ErrNotFound, "doc must not run before collect completes")

	res = h.resume(t, "onboarding", "collect", map[string]interface{}{"company": "Acme"})
	assert.Equal(t, PlayWaiting, res.Status)
	collect := h.state(t, "collect")
	assert.Equal(t, types.StatusWaitingForInput, collect.Status)
	assert.Equal(t, []string{"email"}, collect.PendingAction.Config["missing_fields"], "valid fields are not asked again")
	assert.Equal(t, "Acme", collect.Outputs["company"])

	res = h.resume(t, "onboarding", "collect", map[string]interface{}{"email": "ops@acme.io"})
	collect = h.state(t, "collect")
	assert.Equal(t, types.StatusCompleted, collect.Status)
	assert.Equal(t, map[string]interface{}{"company": "Acme", "email": "ops@acme.io"}, collect.Outputs)
	assert.Nil(t, collect.PendingAction)
	assert.Equal(t, 3, collect.Attempts)

	require.Len(t, res.Waiting, 1)
	doc := res.Waiting[0]
	assert.Equal(t, "doc", doc.NodeID)
	assert.Equal(t, types.StatusWaitingForEvent, doc.Status)
	jobID, ok := doc.PendingAction.Config["job_id"].(string)
	require.True(t, ok)
	assert.Equal(t, "msa", doc.PendingAction.Config["template_id"])

	docState := h.state(t, "doc")
	require.NotNil(t, docState.DueAt)
	assert.Equal(t, h.now.Add(24*time.Hour), *docState.DueAt)

	h.jobs.Set(jobID, bricks.JobStatus{Status: bricks.JobReady, ArtifactRef: "s3://docs/msa.pdf"})
	res = h.resume(t, "onboarding", "doc", nil)
	assert.Equal(t, PlayCompleted, res.Status)
	assert.Empty(t, res.Waiting)
	require.Len(t, res.Executed, 2)
	assert.Equal(t, "doc", res.Executed[0].NodeID)
	assert.Equal(t, "s3://docs/msa.pdf", res.Executed[0].Outputs["artifact_ref"])
	assert.Equal(t, "end", res.Executed[1].NodeID)
	assert.Nil(t, h.state(t, "doc").DueAt)
}

func TestResume_RoundTripAcrossEngines(t *testing.T) {
	h := newHarness(t)
	h.register(t, onboardingPlay())
	submission := map[string]interface{}{"company": "Acme", "email": "ops@acme.io"}

	suspend := func(ws string) string {
		_, err := h.engine.Run(h.ctx, RunRequest{WorkstreamID: ws, PlayID: "onboarding"})
		require.NoError(t, err)
		res, err := h.engine.Resume(h.ctx, NodeRequest{WorkstreamID: ws, PlayID: "onboarding", NodeID: "collect", Submission: submission})
		require.NoError(t, err)
		require.Len(t, res.Waiting, 1)
		jobID := res.Waiting[0].PendingAction.Config["job_id"].(string)
		h.jobs.Set(jobID, bricks.JobStatus{Status: bricks.JobCompleted, ArtifactRef: "s3://docs/" + ws})
		return jobID
	}

	jobA := suspend("ws-1")
	uninterrupted, err := h.engine.Resume(h.ctx, NodeRequest{WorkstreamID: "ws-1", PlayID: "onboarding", NodeID: "doc"})
	require.NoError(t, err)

	jobB := suspend("ws-2")
	reloaded, err := NewEngine(h.store, h.store, h.dir, h.registry)
	require.NoError(t, err)
	defer reloaded.Stop(h.ctx)
	restarted, err := reloaded.Resume(h.ctx, NodeRequest{WorkstreamID: "ws-2", PlayID: "onboarding", NodeID: "doc"})
	require.NoError(t, err)

	assert.Equal(t, uninterrupted.Status, restarted.Status)
	assert.Equal(t, PlayCompleted, restarted.Status)
	require.Len(t, restarted.Executed, len(uninterrupted.Executed))
	for i := range uninterrupted.Executed {
		assert.Equal(t, uninterrupted.Executed[i].NodeID, restarted.Executed[i].NodeID)
		assert.Equal(t, uninterrupted.Executed[i].Status, restarted.Executed[i].Status)
	}
	assert.Equal(t, jobA, uninterrupted.Executed[0].Outputs["job_id"])
	assert.Equal(t, jobB, restarted.Executed[0].Outputs["job_id"])
	assert.Equal(t, "s3://docs/ws-2", restarted.Executed[0].Outputs["artifact_ref"])
}

func TestExecuteNode_EntryConditionSkips(t *testing.T) {
	h := newHarness(t)
	legal := brick("legal", types.CategoryReview, nil)
	legal.Condition = "workstream.annual_value > 100000"
	h.register(t, types.Play{
		ID:    "review",
		Nodes: []types.Node{startNode(), legal, endNode()},
		Edges: chain("start", "legal", "end"),
	})
	seen := capture(h)

	res := h.run(t, "review")
	assert.Equal(t, PlayCompleted, res.Status)
	assert.Empty(t, *seen, "a skipped node never reaches its executor")

	st := h.state(t, "legal")
	assert.Equal(t, types.StatusCompleted, st.Status)
	assert.True(t, st.Skipped)
	assert.Empty(t, st.Outputs)
}

func TestRun_DecisionRoutesAndSkipsDeadBranch(t *testing.T) {
	h := newHarness(t)
	h.register(t, types.Play{
		ID: "routing",
		Nodes: []types.Node{
			startNode(),
			{ID: "size", Type: types.NodeTypeDecision},
			brick("enterprise", types.CategoryCollection, nil),
			brick("enterprise_review", types.CategoryReview, nil),
			brick("smb", types.CategoryCollection, nil),
			{ID: "join", Type: types.NodeTypeJoin},
			endNode(),
		},
		Edges: []types.Edge{
			{Source: "start", Target: "size"},
			{Source: "size", Target: "enterprise", Condition: "workstream.annual_value >= 100000"},
			{Source: "size", Target: "smb", Condition: "workstream.annual_value < 100000"},
			{Source: "enterprise", Target: "enterprise_review"},
			{Source: "enterprise_review", Target: "join"},
			{Source: "smb", Target: "join"},
			{Source: "join", Target: "end"},
		},
	})
	seen := capture(h)

	res := h.run(t, "routing")
	assert.Equal(t, PlayCompleted, res.Status)
	assert.Len(t, res.Executed, 7)
	assert.Empty(t, *seen)

	assert.Equal(t, []string{"smb"}, h.state(t, "size").Outputs[OutputTaken])
	assert.True(t, h.state(t, "enterprise").Skipped)
	assert.True(t, h.state(t, "enterprise_review").Skipped, "skips propagate down a dead branch")
	assert.False(t, h.state(t, "smb").Skipped)
	assert.False(t, h.state(t, "join").Skipped)
	assert.Equal(t, types.StatusCompleted, h.state(t, "end").Status)
}

func TestRun_DecisionWithoutMatchFails(t *testing.T) {
	h := newHarness(t)
	h.register(t, types.Play{
		ID: "routing",
		Nodes: []types.Node{
			startNode(),
			{ID: "size", Type: types.NodeTypeDecision},
			brick("enterprise", types.CategoryCollection, nil),
		},
		Edges: []types.Edge{
			{Source: "start", Target: "size"},
			{Source: "size", Target: "enterprise", Condition: "workstream.annual_value >= 100000"},
		},
	})

	res := h.run(t, "routing")
	assert.Equal(t, PlayFailed, res.Status)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Error, "matched no outgoing edge")
}

func TestResolveInputs_Precedence(t *testing.T) {
	h := newHarness(t)
	profile := brick("profile", types.CategoryCollection, map[string]interface{}{
		"fields": []interface{}{map[string]interface{}{"name": "tier", "required": true}},
	})
	score := brick("score", types.CategoryReview, nil)
	score.Inputs = []types.InputSlot{
		{Name: "tier", Required: true},
		{Name: "region", Required: true},
		{Name: "discount", Default: 5},
		{Name: "profile.tier"},
		{Name: "unused"},
	}
	h.register(t, types.Play{
		ID:    "scoring",
		Nodes: []types.Node{startNode(), profile, score, endNode()},
		Edges: chain("start", "profile", "score", "end"),
	})
	seen := capture(h)

	h.run(t, "scoring")
	res, err := h.engine.Resume(h.ctx, NodeRequest{
		WorkstreamID: "ws-1",
		PlayID:       "scoring",
		NodeID:       "profile",
		PlayConfig:   map[string]interface{}{"tier": "silver", "region": "emea"},
		Submission:   map[string]interface{}{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.Equal(t, PlayCompleted, res.Status)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, map[string]interface{}{
		"tier":         "gold",
		"region":       "emea",
		"discount":     5,
		"profile.tier": "gold",
	}, req.Inputs)
	assert.Equal(t, map[string]interface{}{"tier": "gold"}, req.Context.PreviousOutputs["profile"])
	assert.Equal(t, "score", req.Context.Execution.NodeID)
	assert.Equal(t, 1, req.Context.Execution.Attempt)
	assert.Equal(t, "ws-1", req.Context.Workstream.ID)
}

func TestExecuteNode_MissingRequiredInputs(t *testing.T) {
	h := newHarness(t)
	budget := brick("budget", types.CategoryReview, nil)
	budget.Inputs = []types.InputSlot{{Name: "budget", Required: true}, {Name: "currency", Required: true}}
	h.register(t, types.Play{
		ID:    "budget",
		Nodes: []types.Node{startNode(), budget},
		Edges: chain("start", "budget"),
	})
	seen := capture(h)

	res := h.run(t, "budget")
	require.Len(t, res.Waiting, 1)
	pending := res.Waiting[0].PendingAction
	require.NotNil(t, pending)
	assert.Equal(t, types.StatusWaitingForInput, res.Waiting[0].Status)
	assert.Equal(t, "missing required inputs: budget, currency", pending.Description)
	assert.Equal(t, []string{"budget", "currency"}, pending.Config["missing_inputs"])
	assert.Empty(t, *seen)

	res = h.resume(t, "budget", "budget", map[string]interface{}{"budget": 1000, "currency": "EUR"})
	assert.Equal(t, PlayCompleted, res.Status)
	require.Len(t, *seen, 1)
	assert.Equal(t, 1000, (*seen)[0].Inputs["budget"])
}

func TestExecuteNode_MissingInputsOnControlNode(t *testing.T) {
	h := newHarness(t)
	route := types.Node{ID: "route", Type: types.NodeTypeDecision, Inputs: []types.InputSlot{{Name: "score", Required: true}}}
	h.register(t, types.Play{
		ID:    "scored",
		Nodes: []types.Node{startNode(), route, endNode()},
		Edges: chain("start", "route", "end"),
	})

	res := h.run(t, "scored")
	require.Len(t, res.Waiting, 1)
	pending := res.Waiting[0].PendingAction
	require.NotNil(t, pending)
	assert.Equal(t, types.BrickCategory(types.NodeTypeDecision), pending.Type)
	assert.Equal(t, []string{"score"}, pending.Config[keyMissingInputs])
}

func TestExecuteNode_ResolvedInputsAreNotAskedAgain(t *testing.T) {
	h := newHarness(t)
	intake := brick("intake", types.CategoryCollection, map[string]interface{}{
		"fields": []interface{}{map[string]interface{}{"name": "company", "required": true}},
	})
	intake.Inputs = []types.InputSlot{{Name: "budget", Required: true}}
	h.register(t, types.Play{
		ID:    "intake",
		Nodes: []types.Node{startNode(), intake, endNode()},
		Edges: chain("start", "intake", "end"),
	})

	res := h.run(t, "intake")
	require.Len(t, res.Waiting, 1)
	assert.Equal(t, []string{"budget"}, res.Waiting[0].PendingAction.Config[keyMissingInputs])

	res = h.resume(t, "intake", "intake", map[string]interface{}{"budget": 1000})
	require.Len(t, res.Waiting, 1)
	pending := res.Waiting[0].PendingAction
	require.NotNil(t, pending)
	assert.Equal(t, types.CategoryCollection, pending.Type)
	assert.NotContains(t, pending.Config, keyMissingInputs)
	assert.Equal(t, []string{"company"}, pending.Config["missing_fields"])
}

func TestExecuteNode_FailureIsPersistedAndRetryable(t *testing.T) {
	h := newHarness(t)
	h.register(t, types.Play{
		ID:    "review",
		Nodes: []types.Node{startNode(), brick("check", types.CategoryReview, nil), endNode()},
		Edges: chain("start", "check", "end"),
	})
	_ = h.registry.Register(types.CategoryReview, bricks.ExecutorFunc(func(ctx context.Context, req bricks.Request) (bricks.Result, error) {
		return bricks.Result{Status: types.StatusFailed, Error: "credit bureau rejected the request"}, nil
	}))

	failures := make(chan events.Event, 1)
	h.engine.SubscribeEvent(events.NodeFailed, events.EventHandlerFunc(func(ctx context.Context, e events.Event) error {
		failures <- e
		return nil
	}))

	res := h.run(t, "review")
	assert.Equal(t, PlayFailed, res.Status)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "credit bureau rejected the request", res.Failed[0].Error)

	st := h.state(t, "check")
	assert.Equal(t, types.StatusFailed, st.Status)
	assert.Equal(t, "credit bureau rejected the request", st.Error)
	require.NotNil(t, st.CompletedAt)

	select {
	case e := <-failures:
		assert.Equal(t, "check", e.Data["node_id"])
	case <-time.After(time.Second):
		t.Fatal("node_failed event not published")
	}

	again := h.run(t, "review")
	assert.Equal(t, 0, again.Steps, "failed nodes are never retried automatically")

	capture(h)
	res = h.resume(t, "review", "check", nil)
	assert.Equal(t, PlayCompleted, res.Status)
	st = h.state(t, "check")
	assert.Equal(t, types.StatusCompleted, st.Status)
	assert.Empty(t, st.Error)
	assert.Equal(t, 2, st.Attempts)
}

func TestExecuteNode_ExecutorPanicFailsNode(t *testing.T) {
	h := newHarness(t)
	h.register(t, types.Play{
		ID:    "review",
		Nodes: []types.Node{startNode(), brick("check", types.CategoryReview, nil)},
		Edges: chain("start", "check"),
	})
	_ = h.registry.Register(types.CategoryReview, bricks.ExecutorFunc(func(ctx context.Context, req bricks.Request) (bricks.Result, error) {
		panic("nil scorecard")
	}))

	res := h.run(t, "review")
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Error, "nil scorecard")
}

func TestExecuteNode_InfrastructureErrorKeepsState(t *testing.T) {
	h := newHarness(t)
	h.register(t, onboardingPlay())
	res := h.run(t, "onboarding")
	require.Len(t, res.Waiting, 1)
	h.resume(t, "onboarding", "collect", map[string]interface{}{"company": "Acme", "email": "ops@acme.io"})
	before := h.state(t, "doc")

	_, err := h.engine.ExecuteNode(h.ctx, NodeRequest{WorkstreamID: "ws-1", PlayID: "onboarding", NodeID: "doc"})
	require.NoError(t, err, "a generating job keeps the node waiting")

	h.jobs.Set(before.PendingAction.Config["job_id"].(string), bricks.JobStatus{Status: "generating"})
	failing := bricks.NewRegistry()
	require.NoError(t, failing.Register(types.CategoryDocumentation, bricks.ExecutorFunc(func(ctx context.Context, req bricks.Request) (bricks.Result, error) {
		return bricks.Result{}, errors.New("document service unreachable")
	})))
	e, err := NewEngine(h.store, h.store, h.dir, failing)
	require.NoError(t, err)
	defer e.Stop(h.ctx)

	current := h.state(t, "doc")
	_, err = e.ExecuteNode(h.ctx, NodeRequest{WorkstreamID: "ws-1", PlayID: "onboarding", NodeID: "doc"})
	assert.EqualError(t, err, "document service unreachable")
	assert.Equal(t, current, h.state(t, "doc"))
}

func TestExecuteNode_Conflicts(t *testing.T) {
	h := newHarness(t)
	h.register(t, onboardingPlay())
	req := NodeRequest{WorkstreamID: "ws-1", PlayID: "onboarding", NodeID: "start"}

	_, err := h.engine.ExecuteNode(h.ctx, NodeRequest{WorkstreamID: "ws-1", PlayID: "onboarding", NodeID: "collect"})
	assert.ErrorIs(t, err, ErrNotReady)

	res, err := h.engine.ExecuteNode(h.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Version)

	_, err = h.engine.ExecuteNode(h.ctx, req)
	assert.ErrorIs(t, err, ErrNodeCompleted)
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = h.engine.ExecuteNode(h.ctx, NodeRequest{WorkstreamID: "ws-1", PlayID: "onboarding", NodeID: "ghost"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = h.engine.Resume(h.ctx, NodeRequest{WorkstreamID: "ws-1", PlayID: "onboarding", NodeID: "doc"})
	assert.ErrorIs(t, err, ErrNotResumable)

	_, err = h.engine.ExecuteNode(h.ctx, NodeRequest{NodeID: "start"})
	_, ok := types.AsValidationErrors(err)
	assert.True(t, ok)
}

func TestExecuteNode_BusyKey(t *testing.T) {
	h := newHarness(t)
	h.register(t, onboardingPlay())
	h.run(t, "onboarding")

	key := lockKey("ws-1", "onboarding", "collect")
	require.True(t, h.engine.locks.TryLock(key))
	_, err := h.engine.ExecuteNode(h.ctx, NodeRequest{
		WorkstreamID: "ws-1",
		PlayID:       "onboarding",
		NodeID:       "collect",
		Submission:   map[string]interface{}{"company": "Acme"},
	})
	assert.ErrorIs(t, err, types.ErrBusy)
	h.engine.locks.Unlock(key)

	_, err = h.engine.ExecuteNode(h.ctx, NodeRequest{
		WorkstreamID: "ws-1",
		PlayID:       "onboarding",
		NodeID:       "collect",
		Submission:   map[string]interface{}{"company": "Acme"},
	})
	assert.NoError(t, err)
}

func TestExecuteNode_ConcurrentSubmissionsApplyOnce(t *testing.T) {
	h := newHarness(t)
	h.register(t, onboardingPlay())
	h.run(t, "onboarding")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ExecuteNode(h.ctx, NodeRequest{
				WorkstreamID: "ws-1",
				PlayID:       "onboarding",
				NodeID:       "collect",
				Submission:   map[string]interface{}{"company": "Acme", "email": "ops@acme.io"},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, types.ErrBusy) || errors.Is(err, types.ErrConflict), err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, succeeded, 1)
	st := h.state(t, "collect")
	assert.Equal(t, types.StatusCompleted, st.Status)
	assert.Equal(t, 2, st.Attempts, "the node completes exactly once")
}

func TestApprovalNode_SingleDecision(t *testing.T) {
	h := newHarness(t)
	h.register(t, types.Play{
		ID:    "signoff",
		Nodes: []types.Node{startNode(), brick("approve", types.CategoryApproval, map[string]interface{}{"prompt": "Sign off the pilot"}), endNode()},
		Edges: chain("start", "approve", "end"),
	})

	res := h.run(t, "signoff")
	require.Len(t, res.Waiting, 1)
	assert.Equal(t, "Sign off the pilot", res.Waiting[0].PendingAction.Description)
	before := h.state(t, "approve")

	_, err := h.engine.Resume(h.ctx, NodeRequest{WorkstreamID: "ws-1", PlayID: "signoff", NodeID: "approve", Submission: map[string]interface{}{"decision": "maybe"}})
	_, ok := types.AsValidationErrors(err)
	require.True(t, ok)
	assert.Equal(t, before, h.state(t, "approve"), "a rejected submission leaves the node untouched")

	res, err = h.engine.Resume(h.ctx, NodeRequest{
		WorkstreamID: "ws-1",
		PlayID:       "signoff",
		NodeID:       "approve",
		UserID:       "fin-1",
		Submission:   map[string]interface{}{"decision": "approve"},
	})
	require.NoError(t, err)
	assert.Equal(t, PlayCompleted, res.Status)
	assert.Equal(t, "fin-1", h.state(t, "approve").Outputs["decided_by"])
}

func dealDesk(t *testing.T, h *harness, threshold types.Threshold) {
	t.Helper()
	require.NoError(t, h.store.SaveTemplate(h.ctx, types.ApprovalTemplate{
		ID: "deal-desk",
		Routes: []types.ApprovalRoute{
			{Position: 1, ApprovalMode: types.ModeParallel, ApprovalThreshold: threshold, Approvers: []string{"finance"}},
		},
	}))
	h.register(t, types.Play{
		ID:                 "deal",
		ApprovalTemplateID: "deal-desk",
		Nodes:              []types.Node{startNode(), brick("approve", types.CategoryApproval, nil), endNode()},
		Edges:              chain("start", "approve", "end"),
	})
}

func TestApprovalNode_GateSequenceApproved(t *testing.T) {
	h := newHarness(t)
	dealDesk(t, h, types.ThresholdAnyOne)

	res := h.run(t, "deal")
	assert.Equal(t, PlayWaiting, res.Status)
	require.Len(t, res.Waiting, 1)
	waiting := res.Waiting[0]
	assert.Equal(t, types.StatusWaitingForEvent, waiting.Status)
	assert.Equal(t, "deal-desk", waiting.PendingAction.Config["template_id"])
	assert.Equal(t, []string{"fin-1", "fin-2"}, waiting.PendingAction.Config["approvers"])
	approvalID, ok := waiting.PendingAction.Config["approval_id"].(uint64)
	require.True(t, ok)

	// Callers cannot resolve a gate-backed node by claiming an outcome.
	res = h.resume(t, "deal", "approve", map[string]interface{}{"approval_status": "approved"})
	assert.Equal(t, PlayWaiting, res.Status)

	decision, err := h.approvals.SubmitDecision(h.ctx, approval.DecisionRequest{ApprovalID: approvalID, UserID: "fin-2", Decision: types.DecisionApproved})
	require.NoError(t, err)
	assert.True(t, decision.WorkstreamCompleted)

	approve := h.state(t, "approve")
	assert.Equal(t, types.StatusCompleted, approve.Status)
	assert.Equal(t, "approved", approve.Outputs["approval_status"])
	assert.Equal(t, types.StatusCompleted, h.state(t, "end").Status)
}

func TestApprovalNode_GateSequenceRejected(t *testing.T) {
	h := newHarness(t)
	dealDesk(t, h, types.ThresholdUnanimous)

	res := h.run(t, "deal")
	approvalID := res.Waiting[0].PendingAction.Config["approval_id"].(uint64)

	_, err := h.approvals.SubmitDecision(h.ctx, approval.DecisionRequest{ApprovalID: approvalID, UserID: "fin-1", Decision: types.DecisionRejected})
	require.NoError(t, err)

	approve := h.state(t, "approve")
	assert.Equal(t, types.StatusFailed, approve.Status)
	assert.Contains(t, approve.Error, "rejected")

	states, err := h.engine.States(h.ctx, "ws-1", "deal")
	require.NoError(t, err)
	assert.Len(t, states, 2, "end never runs after a rejection")
}

func TestApprovalNode_AutoApprovedSequenceCompletesInline(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SaveTemplate(h.ctx, types.ApprovalTemplate{
		ID: "small-deals",
		Routes: []types.ApprovalRoute{{
			Position:               1,
			Approvers:              []string{"finance"},
			AutoApprovalEnabled:    true,
			AutoApprovalConditions: []types.Condition{{Field: "annual_value", Operator: "<", Value: 100000}},
		}},
	}))
	h.register(t, types.Play{
		ID:    "deal",
		Nodes: []types.Node{startNode(), brick("approve", types.CategoryApproval, map[string]interface{}{"template_id": "small-deals"}), endNode()},
		Edges: chain("start", "approve", "end"),
	})

	res := h.run(t, "deal")
	assert.Equal(t, PlayCompleted, res.Status)
}

func TestApprovalNode_MissingTemplateFailsNode(t *testing.T) {
	h := newHarness(t)
	h.register(t, types.Play{
		ID:    "deal",
		Nodes: []types.Node{startNode(), brick("approve", types.CategoryApproval, map[string]interface{}{"template_id": "nope"})},
		Edges: chain("start", "approve"),
	})

	res := h.run(t, "deal")
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Error, "approval sequence nope")
}

func TestRun_StepLimit(t *testing.T) {
	h := newHarness(t, WithMaxSteps(2))
	h.register(t, types.Play{
		ID:    "long",
		Nodes: []types.Node{startNode(), brick("a", types.CategoryCollection, nil), brick("b", types.CategoryCollection, nil), endNode()},
		Edges: chain("start", "a", "b", "end"),
	})

	res, err := h.engine.Run(h.ctx, RunRequest{WorkstreamID: "ws-1", PlayID: "long"})
	assert.ErrorIs(t, err, ErrStepLimit)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, PlayStalled, res.Status)

	res, err = h.engine.Run(h.ctx, RunRequest{WorkstreamID: "ws-1", PlayID: "long"})
	require.NoError(t, err)
	assert.Equal(t, PlayCompleted, res.Status)
}

func TestRun_PlaysShareWorkstream(t *testing.T) {
	h := newHarness(t)
	h.register(t, types.Play{ID: "kickoff", Nodes: []types.Node{startNode(), endNode()}, Edges: chain("start", "end")})
	h.register(t, types.Play{ID: "renewal", Nodes: []types.Node{startNode(), endNode()}, Edges: chain("start", "end")})

	for _, id := range []string{"kickoff", "renewal"} {
		res := h.run(t, id)
		assert.Equal(t, PlayCompleted, res.Status, id)
		assert.Equal(t, 2, res.Steps, id)
	}

	states, err := h.engine.States(h.ctx, "ws-1", "renewal")
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, st := range states {
		assert.Equal(t, "renewal", st.PlayID)
		assert.Equal(t, 1, st.Version)
	}
}

// conflictingStates reports every save of one node as a concurrent update.
type conflictingStates struct {
	*storage.MemoryStorage
	nodeID string
}

func (s conflictingStates) SaveState(ctx context.Context, st types.NodeExecutionState) (types.NodeExecutionState, error) {
	if st.NodeID == s.nodeID {
		return types.NodeExecutionState{}, fmt.Errorf("%w: node %s changed", types.ErrConflict, st.NodeID)
	}
	return s.MemoryStorage.SaveState(ctx, st)
}

func TestRun_RepeatedConflictStops(t *testing.T) {
	store := storage.NewMemoryStorage()
	dir := directory.NewMemory()
	dir.AddWorkstream(types.Workstream{ID: "ws-1"})
	e, err := NewEngine(store, conflictingStates{MemoryStorage: store, nodeID: "end"}, dir, bricks.NewRegistry(), WithMaxSteps(50))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	require.NoError(t, e.RegisterPlay(context.Background(), types.Play{ID: "p", Nodes: []types.Node{startNode(), endNode()}, Edges: chain("start", "end")}))

	res, err := e.Run(context.Background(), RunRequest{WorkstreamID: "ws-1", PlayID: "p"})
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.NotErrorIs(t, err, ErrStepLimit)
	assert.Equal(t, 3, res.Steps, "the conflicting node is retried once after a reload")
	assert.Equal(t, PlayStalled, res.Status)
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	assert.True(t, k.TryLock("a"))
	assert.False(t, k.TryLock("a"))
	assert.True(t, k.TryLock("b"))
	assert.True(t, k.Held("a"))
	k.Unlock("a")
	assert.False(t, k.Held("a"))
	assert.True(t, k.TryLock("a"))
}
