package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/play-engine/approval"
	"github.com/songzhibin97/play-engine/bricks"
	"github.com/songzhibin97/play-engine/directory"
	"github.com/songzhibin97/play-engine/events"
	"github.com/songzhibin97/play-engine/graph"
	"github.com/songzhibin97/play-engine/observability"
	"github.com/songzhibin97/play-engine/rules"
	"github.com/songzhibin97/play-engine/storage"
	"github.com/songzhibin97/play-engine/types"
)

// Standard error definitions
var (
	ErrNodeNotFound  = fmt.Errorf("%w: node", types.ErrNotFound)
	ErrNodeCompleted = fmt.Errorf("%w: node already completed", types.ErrConflict)
	ErrNotReady      = fmt.Errorf("%w: node has unfinished predecessors", types.ErrConflict)
	ErrNotResumable  = fmt.Errorf("%w: node is neither waiting nor failed", types.ErrConflict)
	ErrStepLimit     = errors.New("play run exceeded the step limit")
)

// DefaultMaxSteps bounds the node executions of one Run.
const DefaultMaxSteps = 1000

// PlayStatus summarises where a workstream stands in a play.
type PlayStatus string

const (
	PlayCompleted PlayStatus = "completed"
	PlayWaiting   PlayStatus = "waiting"
	PlayFailed    PlayStatus = "failed"
	// PlayStalled means nothing is waiting or failed yet some nodes cannot run.
	PlayStalled PlayStatus = "stalled"
)

// NodeRequest executes or resumes one node.
type NodeRequest struct {
	WorkstreamID string                 `json:"workstream_id"`
	PlayID       string                 `json:"play_id"`
	NodeID       string                 `json:"node_id"`
	UserID       string                 `json:"user_id,omitempty"`
	PlayConfig   map[string]interface{} `json:"play_config,omitempty"`
	Submission   map[string]interface{} `json:"submission,omitempty"`
}

// RunRequest runs every runnable node of a play for a workstream.
type RunRequest struct {
	WorkstreamID string                 `json:"workstream_id"`
	PlayID       string                 `json:"play_id"`
	UserID       string                 `json:"user_id,omitempty"`
	PlayConfig   map[string]interface{} `json:"play_config,omitempty"`
}

// EngineResult is the outcome of one node execution.
type EngineResult struct {
	NodeID        string                 `json:"node_id"`
	Status        types.NodeStatus       `json:"status"`
	Outputs       map[string]interface{} `json:"outputs,omitempty"`
	PendingAction *types.PendingAction   `json:"pending_action,omitempty"`
	Skipped       bool                   `json:"skipped,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Attempts      int                    `json:"attempts"`
	Version       int                    `json:"version"`
}

func resultOf(st types.NodeExecutionState) EngineResult {
	return EngineResult{
		NodeID:        st.NodeID,
		Status:        st.Status,
		Outputs:       st.Outputs,
		PendingAction: st.PendingAction,
		Skipped:       st.Skipped,
		Error:         st.Error,
		Attempts:      st.Attempts,
		Version:       st.Version,
	}
}

// PlayResult reports a Run or Resume.
type PlayResult struct {
	WorkstreamID string         `json:"workstream_id"`
	PlayID       string         `json:"play_id"`
	Status       PlayStatus     `json:"status"`
	Steps        int            `json:"steps"`
	Executed     []EngineResult `json:"executed"`
	Waiting      []EngineResult `json:"waiting,omitempty"`
	Failed       []EngineResult `json:"failed,omitempty"`
}

// Gates activates the approval sequence an approval node waits on.
type Gates interface {
	Activate(ctx context.Context, req approval.ActivateRequest) (approval.Activation, error)
}

// Engine executes the nodes of plays for workstreams.
type Engine struct {
	graphs    storage.GraphSource
	states    storage.NodeStateStore
	dir       directory.Provider
	registry  *bricks.Registry
	evaluator rules.Evaluator
	gates     Gates
	bus       *events.EventBus
	ownBus    bool
	logger    *zap.Logger
	metrics   *observability.Metrics
	locks     *KeyedMutex
	now       func() time.Time
	maxSteps  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator sets the evaluator of entry conditions and decision edges.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithGates hands template-backed approval nodes to a gate sequence.
func WithGates(g Gates) Option {
	return func(e *Engine) { e.gates = g }
}

// WithEventBus publishes node events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records node and run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxSteps bounds the node executions of one Run.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(graphs storage.GraphSource, states storage.NodeStateStore, dir directory.Provider, registry *bricks.Registry, opts ...Option) (*Engine, error) {
	if graphs == nil || states == nil {
		return nil, errors.New("graph source and state store are required")
	}
	if dir == nil {
		return nil, errors.New("directory provider is required")
	}
	if registry == nil {
		return nil, errors.New("executor registry is required")
	}

	e := &Engine{
		graphs:    graphs,
		states:    states,
		dir:       dir,
		registry:  registry,
		evaluator: rules.NewExprEvaluator(),
		logger:    zap.NewNop(),
		locks:     NewKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		maxSteps:  DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownBus = true
	}
	return e, nil
}

// SubscribeEvent subscribes a handler to node events.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.bus.Subscribe(eventType, handler)
}

// RegisterPlay validates and publishes a play.
func (e *Engine) RegisterPlay(ctx context.Context, play types.Play) error {
	if errs := graph.ValidatePlay(play); len(errs) > 0 {
		return types.ValidationErrors(errs)
	}
	if err := e.graphs.SavePlay(ctx, play); err != nil {
		return fmt.Errorf("save play %s: %w", play.ID, err)
	}
	return nil
}

// ExecuteNode runs one node once. Completed nodes are never executed again.
func (e *Engine) ExecuteNode(ctx context.Context, req NodeRequest) (EngineResult, error) {
	sc, node, err := e.prepare(ctx, req)
	if err != nil {
		return EngineResult{}, err
	}
	st, err := e.execute(ctx, sc, node, req.Submission)
	if err != nil {
		return EngineResult{}, err
	}
	return resultOf(st), nil
}

// Run executes runnable nodes in creation order until the play completes, suspends or
// fails.
func (e *Engine) Run(ctx context.Context, req RunRequest) (PlayResult, error) {
	sc, err := e.scope(ctx, req.WorkstreamID, req.PlayID, req.UserID, req.PlayConfig)
	if err != nil {
		return PlayResult{}, err
	}
	states, err := e.stateMap(ctx, sc)
	if err != nil {
		return PlayResult{}, err
	}
	return e.run(ctx, sc, states, PlayResult{WorkstreamID: sc.ws.ID, PlayID: sc.play.ID})
}

// Resume re-invokes a waiting node with a submission, or retries a failed one, then
// continues the play.
func (e *Engine) Resume(ctx context.Context, req NodeRequest) (PlayResult, error) {
	sc, node, err := e.prepare(ctx, req)
	if err != nil {
		return PlayResult{}, err
	}
	states, err := e.stateMap(ctx, sc)
	if err != nil {
		return PlayResult{}, err
	}
	st, ok := states[node.ID]
	if !ok || !(st.Status.IsWaiting() || st.Status == types.StatusFailed) {
		return PlayResult{}, fmt.Errorf("%w: %s is %s", ErrNotResumable, node.ID, types.StatusOf(states, node.ID))
	}

	next, err := e.execute(ctx, sc, node, req.Submission)
	if err != nil {
		return PlayResult{}, err
	}
	states[node.ID] = next
	res := PlayResult{
		WorkstreamID: sc.ws.ID,
		PlayID:       sc.play.ID,
		Steps:        1,
		Executed:     []EngineResult{resultOf(next)},
	}
	return e.run(ctx, sc, states, res)
}

// States returns the persisted node states of a workstream.
func (e *Engine) States(ctx context.Context, workstreamID, playID string) ([]types.NodeExecutionState, error) {
	states, err := e.states.LoadStates(ctx, workstreamID, playID)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	return states, nil
}

// SequenceResolved resumes the approval node that waits on a resolved sequence. The node
// reads the outcome from the gate records, not from the resolution itself.
func (e *Engine) SequenceResolved(ctx context.Context, r approval.Resolution) error {
	if r.PlayID == "" || r.NodeID == "" {
		return nil
	}
	e.logger.Info("resuming approval node",
		append(observability.NodeFields(r.WorkstreamID, r.PlayID, r.NodeID),
			zap.String("template_id", r.TemplateID),
			zap.String("status", string(r.Status)))...,
	)
	_, err := e.Resume(ctx, NodeRequest{WorkstreamID: r.WorkstreamID, PlayID: r.PlayID, NodeID: r.NodeID})
	return err
}

// Stop releases the private event bus, if any.
func (e *Engine) Stop(ctx context.Context) error {
	if e.ownBus {
		e.bus.Stop()
	}
	return ctx.Err()
}

// scope is what every node of one call shares.
type scope struct {
	play       types.Play
	ix         *graph.Index
	ws         types.Workstream
	user       types.User
	playConfig map[string]interface{}
}

func (e *Engine) scope(ctx context.Context, workstreamID, playID, userID string, playConfig map[string]interface{}) (scope, error) {
	var verrs types.ValidationErrors
	if workstreamID == "" {
		verrs = append(verrs, types.ValidationError{Path: "workstream_id", Code: types.CodeRequired, Message: "workstream id is required"})
	}
	if playID == "" {
		verrs = append(verrs, types.ValidationError{Path: "play_id", Code: types.CodeRequired, Message: "play id is required"})
	}
	if len(verrs) > 0 {
		return scope{}, verrs
	}

	play, err := e.graphs.LoadPlayGraph(ctx, playID)
	if err != nil {
		return scope{}, fmt.Errorf("play %s: %w", playID, err)
	}
	ws, err := e.dir.GetWorkstream(ctx, workstreamID)
	if err != nil {
		return scope{}, fmt.Errorf("workstream %s: %w", workstreamID, err)
	}
	var user types.User
	if userID != "" {
		if user, err = e.dir.GetUser(ctx, userID); err != nil {
			return scope{}, fmt.Errorf("user %s: %w", userID, err)
		}
	}
	if playConfig == nil {
		playConfig = map[string]interface{}{}
	}
	return scope{
		play:       play,
		ix:         graph.NewIndex(play.Nodes, play.Edges),
		ws:         ws,
		user:       user,
		playConfig: playConfig,
	}, nil
}

func (e *Engine) prepare(ctx context.Context, req NodeRequest) (scope, types.Node, error) {
	if req.NodeID == "" {
		return scope{}, types.Node{}, types.ValidationErrors{{Path: "node_id", Code: types.CodeRequired, Message: "node id is required"}}
	}
	sc, err := e.scope(ctx, req.WorkstreamID, req.PlayID, req.UserID, req.PlayConfig)
	if err != nil {
		return scope{}, types.Node{}, err
	}
	node, ok := sc.ix.Node(req.NodeID)
	if !ok {
		return scope{}, types.Node{}, fmt.Errorf("%w %s in play %s", ErrNodeNotFound, req.NodeID, req.PlayID)
	}
	return sc, node, nil
}

func (e *Engine) stateMap(ctx context.Context, sc scope) (map[string]types.NodeExecutionState, error) {
	list, err := e.states.LoadStates(ctx, sc.ws.ID, sc.play.ID)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	states := make(map[string]types.NodeExecutionState, len(list))
	for _, st := range list {
		states[st.NodeID] = st
	}
	return states, nil
}

func (e *Engine) run(ctx context.Context, sc scope, states map[string]types.NodeExecutionState, res PlayResult) (PlayResult, error) {
	reloaded := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return e.finish(sc, states, res), err
		}
		runnable := graph.RunnableNodes(sc.play.Nodes, sc.play.Edges, states)
		if len(runnable) == 0 {
			break
		}
		if res.Steps >= e.maxSteps {
			return e.finish(sc, states, res), fmt.Errorf("%w of %d", ErrStepLimit, e.maxSteps)
		}

		node := runnable[0]
		st, err := e.execute(ctx, sc, node, nil)
		res.Steps++
		if errors.Is(err, types.ErrConflict) && !reloaded[node.ID] {
			// Another process moved this node; continue once from what is stored.
			reloaded[node.ID] = true
			if states, err = e.stateMap(ctx, sc); err != nil {
				return e.finish(sc, states, res), err
			}
			continue
		}
		if err != nil {
			return e.finish(sc, states, res), fmt.Errorf("node %s: %w", node.ID, err)
		}
		states[node.ID] = st
		res.Executed = append(res.Executed, resultOf(st))
	}
	return e.finish(sc, states, res), nil
}

func (e *Engine) finish(sc scope, states map[string]types.NodeExecutionState, res PlayResult) PlayResult {
	res.Waiting, res.Failed = nil, nil
	completed := 0
	for _, n := range sc.play.Nodes {
		st, ok := states[n.ID]
		if !ok {
			continue
		}
		switch {
		case st.Status == types.StatusCompleted:
			completed++
		case st.Status == types.StatusFailed:
			res.Failed = append(res.Failed, resultOf(st))
		case st.Status.IsWaiting():
			res.Waiting = append(res.Waiting, resultOf(st))
		}
	}

	switch {
	case len(res.Failed) > 0:
		res.Status = PlayFailed
	case len(res.Waiting) > 0:
		res.Status = PlayWaiting
	case completed == len(sc.play.Nodes):
		res.Status = PlayCompleted
	default:
		res.Status = PlayStalled
	}
	if res.Executed == nil {
		res.Executed = []EngineResult{}
	}

	e.metrics.RecordPlayRun(sc.play.ID, string(res.Status), res.Steps)
	e.logger.Info("play run finished",
		zap.String("workstream_id", sc.ws.ID),
		zap.String("play_id", sc.play.ID),
		zap.String("status", string(res.Status)),
		zap.Int("steps", res.Steps),
	)
	return res
}

// outcome is the status a node moves to before it is persisted.
type outcome struct {
	status  types.NodeStatus
	outputs map[string]interface{}
	pending *types.PendingAction
	errMsg  string
	skipped bool
}

func skippedOutcome() outcome {
	return outcome{status: types.StatusCompleted, outputs: map[string]interface{}{}, skipped: true}
}

func failedOutcome(format string, args ...interface{}) outcome {
	return outcome{status: types.StatusFailed, errMsg: fmt.Sprintf(format, args...)}
}

// execute runs one node under its per-key lock and persists the new state. Validation
// errors and infrastructure errors leave the stored state untouched.
func (e *Engine) execute(ctx context.Context, sc scope, node types.Node, submission map[string]interface{}) (types.NodeExecutionState, error) {
	key := lockKey(sc.ws.ID, sc.play.ID, node.ID)
	if !e.locks.TryLock(key) {
		return types.NodeExecutionState{}, fmt.Errorf("%w: %s is being executed", types.ErrBusy, key)
	}
	defer e.locks.Unlock(key)

	logger := e.logger.With(observability.NodeFields(sc.ws.ID, sc.play.ID, node.ID)...)
	states, err := e.stateMap(ctx, sc)
	if err != nil {
		return types.NodeExecutionState{}, err
	}
	prev, ok := states[node.ID]
	if !ok {
		prev = types.NodeExecutionState{
			WorkstreamID: sc.ws.ID,
			PlayID:       sc.play.ID,
			NodeID:       node.ID,
			Status:       types.StatusNotStarted,
		}
	}
	if prev.Status == types.StatusCompleted {
		return prev, fmt.Errorf("%w: %s", ErrNodeCompleted, node.ID)
	}
	for _, p := range sc.ix.Predecessors(node.ID) {
		if types.StatusOf(states, p.ID) != types.StatusCompleted {
			return prev, fmt.Errorf("%w: %s waits for %s", ErrNotReady, node.ID, p.ID)
		}
	}

	start := e.now()
	out, err := e.evaluate(ctx, sc, node, prev, states, submission)
	if err != nil {
		if verrs, ok := types.AsValidationErrors(err); ok {
			e.metrics.RecordNodeRejection(label(node))
			logger.Info("submission rejected", zap.Int("problems", len(verrs)))
		}
		return prev, err
	}

	next, err := e.persist(ctx, sc, node, prev, out)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			e.metrics.RecordNodeConflict()
		}
		return prev, err
	}

	e.metrics.RecordNodeExecution(sc.play.ID, label(node), string(next.Status), e.now().Sub(start))
	logger.Info("node executed",
		zap.String("status", string(next.Status)),
		zap.Bool("skipped", next.Skipped),
		zap.Int("attempts", next.Attempts),
	)
	e.publishState(ctx, next)
	return next, nil
}

func lockKey(workstreamID, playID, nodeID string) string {
	return workstreamID + "/" + playID + "/" + nodeID
}

func (e *Engine) evaluate(ctx context.Context, sc scope, node types.Node, prev types.NodeExecutionState, states map[string]types.NodeExecutionState, submission map[string]interface{}) (outcome, error) {
	if incomingDead(sc.ix, node.ID, states) {
		return skippedOutcome(), nil
	}

	ec := &types.ExecutionContext{
		PreviousOutputs: previousOutputs(sc.ix, node.ID, states),
		PlayConfig:      sc.playConfig,
		Workstream:      sc.ws,
		User:            sc.user,
		Execution:       types.ExecutionRef{PlayID: sc.play.ID, NodeID: node.ID, Attempt: prev.Attempts + 1},
		Submission:      submission,
	}
	if prev.Status.IsWaiting() {
		ec.Partial = prev.Outputs
	}

	inputs, missing := resolveInputs(node, ec)
	if node.Condition != "" {
		ok, err := e.evaluator.Evaluate(node.Condition, ec.Env(inputs))
		if err != nil {
			return failedOutcome("entry condition %q: %v", node.Condition, err), nil
		}
		if !ok {
			return skippedOutcome(), nil
		}
	}
	if len(missing) > 0 {
		return outcome{
			status:  types.StatusWaitingForInput,
			outputs: ec.Partial,
			pending: &types.PendingAction{
				Type:        types.BrickCategory(label(node)),
				NodeID:      node.ID,
				Description: "missing required inputs: " + strings.Join(missing, ", "),
				Config:      types.MergeConfig(brickConfig(sc.play, node, prev), map[string]interface{}{keyMissingInputs: missing}),
			},
		}, nil
	}

	switch {
	case node.Type == types.NodeTypeDecision:
		return e.route(sc, node, ec.Env(inputs)), nil
	case node.Type.IsControl():
		return outcome{status: types.StatusCompleted, outputs: map[string]interface{}{}}, nil
	}
	return e.runBrick(ctx, sc, node, prev, ec, inputs)
}

// route evaluates the outgoing edges of a decision node. Edges without a condition are
// always taken.
func (e *Engine) route(sc scope, node types.Node, env map[string]interface{}) outcome {
	var taken []string
	for _, edge := range sc.ix.Outgoing(node.ID) {
		ok := true
		if edge.Condition != "" {
			var err error
			if ok, err = e.evaluator.Evaluate(edge.Condition, env); err != nil {
				return failedOutcome("edge %s -> %s: %v", edge.Source, edge.Target, err)
			}
		}
		if ok {
			taken = append(taken, edge.Target)
		}
	}
	if len(taken) == 0 {
		return failedOutcome("decision %s matched no outgoing edge", node.ID)
	}
	return outcome{status: types.StatusCompleted, outputs: map[string]interface{}{OutputTaken: taken}}
}

func (e *Engine) runBrick(ctx context.Context, sc scope, node types.Node, prev types.NodeExecutionState, ec *types.ExecutionContext, inputs map[string]interface{}) (outcome, error) {
	ex, err := e.registry.Lookup(node.Category)
	if err != nil {
		return failedOutcome("%v", err), nil
	}
	raw := brickConfig(sc.play, node, prev)
	cfg, err := types.DecodeBrickConfig(node.Category, raw)
	if err != nil {
		return failedOutcome("%v", err), nil
	}

	// A gate-backed approval learns its outcome from the gate records only.
	ac, gated := cfg.(types.ApprovalConfig)
	gated = gated && ac.TemplateID != "" && e.gates != nil
	if gated {
		ec.Submission = withoutKey(ec.Submission, bricks.KeyApprovalStatus)
	}

	req := bricks.Request{Config: cfg, Inputs: inputs, Context: ec}
	res, err := e.invoke(ctx, ex, req)
	if err != nil {
		return outcome{}, err
	}
	if gated && res.Status == types.StatusWaitingForEvent {
		if res, err = e.handOff(ctx, sc, node, ex, req, ac.TemplateID, res); err != nil {
			return outcome{}, err
		}
	}
	return outcomeOf(node, raw, res), nil
}

// handOff activates the approval sequence of a waiting approval node. A sequence that
// already ended re-runs the executor with its final status.
func (e *Engine) handOff(ctx context.Context, sc scope, node types.Node, ex bricks.Executor, req bricks.Request, templateID string, waiting bricks.Result) (bricks.Result, error) {
	act, err := e.gates.Activate(ctx, approval.ActivateRequest{
		WorkstreamID: sc.ws.ID,
		PlayID:       sc.play.ID,
		NodeID:       node.ID,
		TemplateID:   templateID,
	})
	if err != nil {
		if _, ok := types.AsValidationErrors(err); ok || errors.Is(err, approval.ErrEmptyTemplate) || errors.Is(err, types.ErrNotFound) {
			return bricks.Result{Status: types.StatusFailed, Error: fmt.Sprintf("approval sequence %s: %v", templateID, err)}, nil
		}
		return bricks.Result{}, fmt.Errorf("activate approval sequence %s: %w", templateID, err)
	}

	if !act.Status.IsOpen() {
		resumed := *req.Context
		resumed.Submission = types.MergeConfig(resumed.Submission, map[string]interface{}{
			bricks.KeyApprovalStatus: string(act.Status),
		})
		req.Context = &resumed
		return e.invoke(ctx, ex, req)
	}

	if act.Current != nil {
		waiting.RuntimeConfig = types.MergeConfig(waiting.RuntimeConfig, map[string]interface{}{
			"approval_id":  act.Current.ID,
			"current_gate": act.Current.Position,
			"approvers":    act.Current.Approvers,
		})
		waiting.Description = fmt.Sprintf("%s, gate %d open", waiting.Description, act.Current.Position)
	}
	return waiting, nil
}

// invoke runs an executor and turns a panic into a failed result.
func (e *Engine) invoke(ctx context.Context, ex bricks.Executor, req bricks.Request) (res bricks.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = bricks.Result{Status: types.StatusFailed, Error: fmt.Sprintf("panic occurred: %v", r)}, nil
		}
	}()
	return ex.Execute(ctx, req)
}

func outcomeOf(node types.Node, raw map[string]interface{}, res bricks.Result) outcome {
	switch {
	case res.Status == types.StatusCompleted:
		return outcome{status: types.StatusCompleted, outputs: nonNil(res.Outputs)}
	case res.Status == types.StatusFailed:
		msg := res.Error
		if msg == "" {
			msg = "executor failed"
		}
		return outcome{status: types.StatusFailed, outputs: res.Outputs, errMsg: msg}
	case res.Status.IsWaiting():
		return outcome{
			status:  res.Status,
			outputs: res.Outputs,
			pending: &types.PendingAction{
				Type:        node.Category,
				NodeID:      node.ID,
				Description: res.Description,
				Config:      types.MergeConfig(raw, res.RuntimeConfig),
			},
		}
	}
	return failedOutcome("executor returned unsupported status %q", res.Status)
}

func (e *Engine) persist(ctx context.Context, sc scope, node types.Node, prev types.NodeExecutionState, out outcome) (types.NodeExecutionState, error) {
	now := e.now()
	next := prev
	next.PlayID = sc.play.ID
	next.Status = out.status
	next.Outputs = out.outputs
	next.PendingAction = out.pending
	next.Error = out.errMsg
	next.Skipped = out.skipped
	next.Attempts = prev.Attempts + 1
	next.UpdatedAt = now
	next.CompletedAt = nil
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}

	if out.status.IsWaiting() {
		if !prev.Status.IsWaiting() || next.DueAt == nil {
			next.DueAt = dueAt(node.SLA, now)
		}
	} else {
		at := now
		next.CompletedAt = &at
		next.DueAt = nil
	}
	if out.status == types.StatusCompleted && !out.skipped && prev.Status.IsWaiting() {
		next.Outputs = types.MergeConfig(prev.Outputs, out.outputs)
	}

	saved, err := e.states.SaveState(ctx, next)
	if err != nil {
		return prev, fmt.Errorf("save state of %s: %w", node.ID, err)
	}
	return saved, nil
}

func (e *Engine) publishState(ctx context.Context, st types.NodeExecutionState) {
	data := map[string]interface{}{
		"play_id":  st.PlayID,
		"node_id":  st.NodeID,
		"status":   string(st.Status),
		"skipped":  st.Skipped,
		"attempts": st.Attempts,
	}
	e.publish(ctx, events.NodeStateChanged, st.WorkstreamID, data)
	if st.Status == types.StatusFailed {
		e.publish(ctx, events.NodeFailed, st.WorkstreamID, map[string]interface{}{
			"play_id": st.PlayID,
			"node_id": st.NodeID,
			"error":   st.Error,
		})
	}
}

func (e *Engine) publish(ctx context.Context, eventType, workstreamID string, data map[string]interface{}) {
	err := e.bus.Publish(ctx, events.NewEvent(eventType, workstreamID, data))
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("event not published",
			zap.String("event_type", eventType),
			zap.String("workstream_id", workstreamID),
			zap.Error(err),
		)
	}
}

func dueAt(sla string, now time.Time) *time.Time {
	if sla == "" {
		return nil
	}
	d, err := time.ParseDuration(sla)
	if err != nil || d <= 0 {
		return nil
	}
	due := now.Add(d)
	return &due
}

// label names a node in metrics: its brick category, or its type for control nodes.
func label(node types.Node) string {
	if node.Category != "" {
		return string(node.Category)
	}
	return string(node.Type)
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
