package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/play-engine/directory"
	"github.com/songzhibin97/play-engine/events"
	"github.com/songzhibin97/play-engine/observability"
	"github.com/songzhibin97/play-engine/rules"
	"github.com/songzhibin97/play-engine/storage"
	"github.com/songzhibin97/play-engine/types"
)

var (
	ErrDuplicateDecision = fmt.Errorf("%w: user already decided on this gate", types.ErrConflict)
	ErrGateLocked        = fmt.Errorf("%w: a lower gate is still unresolved", types.ErrConflict)
	ErrGateResolved      = fmt.Errorf("%w: gate is already resolved", types.ErrConflict)
	ErrNotEligible       = fmt.Errorf("%w: user is not an approver of this gate", types.ErrForbidden)
	ErrNotYourTurn       = fmt.Errorf("%w: serial gate waits for another approver", types.ErrForbidden)
	ErrOtherSequence     = fmt.Errorf("%w: workstream already runs another approval template", types.ErrConflict)
	ErrEmptyTemplate     = errors.New("approval template has no routes")
)

// Audit reasons recorded on gates closed without human decisions.
const (
	ReasonCreatorAuthority = "creator has authority, no other approvers"
	ReasonNoApprovers      = "no approvers resolved"
	ReasonAutoApproved     = "auto-approved: conditions met"
	ReasonSkipped          = "skipped: route conditions not met"
)

const maxStatusRetries = 3

// ActivateRequest starts, or re-reads, the approval sequence of a workstream.
type ActivateRequest struct {
	WorkstreamID string
	PlayID       string
	NodeID       string
	TemplateID   string
}

// Activation reports the state of a sequence after Activate.
type Activation struct {
	TemplateID string
	// Status is pending while a gate is open, otherwise the final sequence status.
	Status  types.ApprovalStatus
	Current *types.ApprovalRecord
	Gates   []types.ApprovalRecord
	Created int
}

// DecisionRequest is one approver's vote on one gate.
type DecisionRequest struct {
	ApprovalID uint64
	UserID     string
	Decision   types.Decision
	Reasoning  string
}

// DecisionResult is returned by SubmitDecision.
type DecisionResult struct {
	RouteStatus         types.ApprovalStatus `json:"route_status"`
	NextGateCreated     bool                 `json:"next_gate_created"`
	WorkstreamCompleted bool                 `json:"workstream_completed"`
	WorkstreamStatus    types.ApprovalStatus `json:"workstream_status"`
}

// Resolution is delivered to the ResolutionHandler when a sequence ends through a
// decision.
type Resolution struct {
	WorkstreamID string
	PlayID       string
	NodeID       string
	TemplateID   string
	Status       types.ApprovalStatus
}

// ResolutionHandler continues whatever waits on a sequence, usually the approval node.
type ResolutionHandler interface {
	SequenceResolved(ctx context.Context, r Resolution) error
}

// ResolutionHandlerFunc is a function adapter for ResolutionHandler.
type ResolutionHandlerFunc func(ctx context.Context, r Resolution) error

// SequenceResolved implements ResolutionHandler.
func (f ResolutionHandlerFunc) SequenceResolved(ctx context.Context, r Resolution) error {
	return f(ctx, r)
}

// Service owns gate activation and decision intake.
type Service struct {
	store     storage.ApprovalStore
	templates storage.TemplateStore
	dir       directory.Provider
	bus       *events.EventBus
	ownBus    bool
	logger    *zap.Logger
	metrics   *observability.Metrics
	generate  generator.Generator
	now       func() time.Time

	mu      sync.RWMutex
	handler ResolutionHandler
}

// Option configures a Service.
type Option func(*Service)

// WithEventBus publishes gate events on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Service) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records gate and decision metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithGenerator sets the id generator of records and decisions.
func WithGenerator(g generator.Generator) Option {
	return func(s *Service) {
		if g != nil {
			s.generate = g
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates an approval service.
func NewService(store storage.ApprovalStore, templates storage.TemplateStore, dir directory.Provider, opts ...Option) *Service {
	s := &Service{
		store:     store,
		templates: templates,
		dir:       dir,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.generate == nil {
		s.generate = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}
	if s.bus == nil {
		s.bus = events.NewEventBus(events.WithLogger(s.logger))
		s.ownBus = true
	}
	return s
}

// Close stops the private event bus, if any.
func (s *Service) Close() {
	if s.ownBus {
		s.bus.Stop()
	}
}

// SetResolutionHandler sets the callback invoked when a decision ends a sequence.
func (s *Service) SetResolutionHandler(h ResolutionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Activate opens the first unresolved gate of the template for a workstream. Gates that
// close without human decisions are passed through, so the returned status is pending
// only when a human must act. Calling Activate again is safe and reports the current
// state.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (Activation, error) {
	var verrs types.ValidationErrors
	if req.WorkstreamID == "" {
		verrs = append(verrs, types.ValidationError{Path: "workstream_id", Code: types.CodeRequired, Message: "workstream id is required"})
	}
	if req.TemplateID == "" {
		verrs = append(verrs, types.ValidationError{Path: "template_id", Code: types.CodeRequired, Message: "template id is required"})
	}
	if len(verrs) > 0 {
		return Activation{}, verrs
	}

	existing, err := s.store.ListRecords(ctx, req.WorkstreamID)
	if err != nil {
		return Activation{}, fmt.Errorf("list approval records: %w", err)
	}
	for _, r := range existing {
		if r.TemplateID != req.TemplateID {
			return Activation{}, fmt.Errorf("%w: %s runs %s", ErrOtherSequence, req.WorkstreamID, r.TemplateID)
		}
	}

	routes, err := s.loadRoutes(ctx, req.TemplateID)
	if err != nil {
		return Activation{}, err
	}

	seq := sequence{workstreamID: req.WorkstreamID, templateID: req.TemplateID, playID: req.PlayID, nodeID: req.NodeID}
	if len(existing) > 0 {
		seq.playID, seq.nodeID = existing[0].PlayID, existing[0].NodeID
	}
	p, err := s.progress(ctx, seq, routes, existing)
	if err != nil {
		return Activation{}, err
	}
	if p.created+p.settled > 0 && !p.status.IsOpen() {
		s.announceSequence(ctx, seq, p.status)
	}
	return Activation{
		TemplateID: req.TemplateID,
		Status:     p.status,
		Current:    p.current,
		Gates:      p.records,
		Created:    p.created,
	}, nil
}

// SubmitDecision records a vote, recomputes the gate from every stored decision and, when
// the gate resolves, advances or ends the sequence. Exactly one caller advances a gate.
func (s *Service) SubmitDecision(ctx context.Context, req DecisionRequest) (DecisionResult, error) {
	if err := validateDecision(req); err != nil {
		return DecisionResult{}, err
	}

	rec, err := s.store.GetRecord(ctx, req.ApprovalID)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("approval %d: %w", req.ApprovalID, err)
	}
	if !rec.Status.IsOpen() {
		return DecisionResult{}, fmt.Errorf("%w: approval %d is %s", ErrGateResolved, rec.ID, rec.Status)
	}
	if err := s.checkUnlocked(ctx, rec); err != nil {
		return DecisionResult{}, err
	}
	if !contains(rec.Approvers, req.UserID) {
		return DecisionResult{}, fmt.Errorf("%w: %s on approval %d", ErrNotEligible, req.UserID, rec.ID)
	}

	prior, err := s.store.ListDecisions(ctx, rec.ID)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("list decisions: %w", err)
	}
	if err := checkVoter(rec, prior, req); err != nil {
		if errors.Is(err, ErrDuplicateDecision) {
			return s.replay(ctx, rec, err)
		}
		return DecisionResult{}, err
	}

	id, err := s.generate.NextID()
	if err != nil {
		return DecisionResult{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	d := types.ApprovalDecision{
		ID:         id,
		ApprovalID: rec.ID,
		DecidedBy:  req.UserID,
		Decision:   req.Decision,
		Reasoning:  req.Reasoning,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendDecision(ctx, d); err != nil {
		switch {
		case errors.Is(err, storage.ErrRecordResolved):
			return DecisionResult{}, fmt.Errorf("%w: approval %d", ErrGateResolved, rec.ID)
		case errors.Is(err, types.ErrConflict):
			return s.replay(ctx, rec, fmt.Errorf("%w: %s on approval %d", ErrDuplicateDecision, req.UserID, rec.ID))
		}
		return DecisionResult{}, fmt.Errorf("append decision: %w", err)
	}
	s.metrics.RecordDecision(string(req.Decision))
	s.logger.Info("decision recorded",
		zap.String("workstream_id", rec.WorkstreamID),
		zap.Uint64("approval_id", rec.ID),
		zap.String("decided_by", req.UserID),
		zap.String("decision", string(req.Decision)),
	)
	s.publish(ctx, events.DecisionRecorded, rec.WorkstreamID, map[string]interface{}{
		"approval_id": rec.ID,
		"decided_by":  req.UserID,
		"decision":    string(req.Decision),
	})

	result, _, err := s.conclude(ctx, rec)
	return result, err
}

// replay settles a gate whose vote is already stored, so a retry completes a status
// write lost after an earlier append. dup is returned when the gate does not resolve.
func (s *Service) replay(ctx context.Context, rec types.ApprovalRecord, dup error) (DecisionResult, error) {
	result, won, err := s.conclude(ctx, rec)
	if err != nil {
		return DecisionResult{}, err
	}
	if !won {
		return DecisionResult{}, dup
	}
	s.logger.Info("gate settled on retry",
		zap.String("workstream_id", rec.WorkstreamID),
		zap.Uint64("approval_id", rec.ID),
	)
	return result, nil
}

// conclude settles rec and, when this caller resolved it, advances or ends the sequence.
func (s *Service) conclude(ctx context.Context, rec types.ApprovalRecord) (DecisionResult, bool, error) {
	resolved, won, err := s.settle(ctx, rec)
	if err != nil {
		return DecisionResult{}, false, err
	}
	result := DecisionResult{RouteStatus: resolved.Status, WorkstreamStatus: types.ApprovalPending}
	if !won {
		return result, false, nil
	}
	s.gateResolved(ctx, resolved)

	seq := sequence{workstreamID: rec.WorkstreamID, templateID: rec.TemplateID, playID: rec.PlayID, nodeID: rec.NodeID}
	final := types.ApprovalRejected
	if resolved.Status == types.ApprovalApproved {
		routes, err := s.loadRoutes(ctx, rec.TemplateID)
		if err != nil {
			return result, true, err
		}
		records, err := s.store.ListRecords(ctx, rec.WorkstreamID)
		if err != nil {
			return result, true, fmt.Errorf("list approval records: %w", err)
		}
		p, err := s.progress(ctx, seq, routes, records)
		if err != nil {
			return result, true, err
		}
		result.NextGateCreated = p.created > 0
		final = p.status
	}

	result.WorkstreamStatus = final
	if final.IsOpen() {
		return result, true, nil
	}
	result.WorkstreamCompleted = true
	s.announceSequence(ctx, seq, final)
	s.notifyResolved(ctx, Resolution{
		WorkstreamID: seq.workstreamID,
		PlayID:       seq.playID,
		NodeID:       seq.nodeID,
		TemplateID:   seq.templateID,
		Status:       final,
	})
	return result, true, nil
}

func (s *Service) gateResolved(ctx context.Context, rec types.ApprovalRecord) {
	s.metrics.RecordGateResolution(rec.TemplateID, string(rec.Status))
	s.logger.Info("gate resolved",
		zap.String("workstream_id", rec.WorkstreamID),
		zap.Int("position", rec.Position),
		zap.String("status", string(rec.Status)),
	)
	s.publish(ctx, events.GateResolved, rec.WorkstreamID, gateData(rec))
}

// settle recomputes rec from the stored decisions and writes the new status with a
// compare-and-set. won is true only for the caller whose write resolved the gate.
func (s *Service) settle(ctx context.Context, rec types.ApprovalRecord) (types.ApprovalRecord, bool, error) {
	for attempt := 0; attempt < maxStatusRetries; attempt++ {
		decisions, err := s.store.ListDecisions(ctx, rec.ID)
		if err != nil {
			return rec, false, fmt.Errorf("list decisions: %w", err)
		}
		next := statusOf(rec, decisions)
		if next == rec.Status {
			return rec, false, nil
		}

		updated := rec
		updated.Status = next
		updated.UpdatedAt = s.now()
		if !next.IsOpen() {
			at := updated.UpdatedAt
			updated.ResolvedAt = &at
		}
		err = s.store.UpdateRecordStatus(ctx, updated, rec.Status)
		if err == nil {
			return updated, !next.IsOpen(), nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return rec, false, fmt.Errorf("update approval %d: %w", rec.ID, err)
		}
		current, err := s.store.GetRecord(ctx, rec.ID)
		if err != nil {
			return rec, false, fmt.Errorf("approval %d: %w", rec.ID, err)
		}
		rec = current
		if !rec.Status.IsOpen() {
			return rec, false, nil
		}
	}
	return rec, false, fmt.Errorf("%w: approval %d kept changing", types.ErrConflict, rec.ID)
}

// statusOf derives the gate status from its policy and decisions. An open gate reads
// changes_requested while some approver's latest word is a change request.
func statusOf(rec types.ApprovalRecord, decisions []types.ApprovalDecision) types.ApprovalStatus {
	switch Evaluate(PolicyOfRecord(rec), len(rec.Approvers), TallyOf(decisions)) {
	case OutcomeApproved:
		return types.ApprovalApproved
	case OutcomeRejected:
		return types.ApprovalRejected
	}
	latest := make(map[string]types.Decision, len(decisions))
	for _, d := range decisions {
		if latest[d.DecidedBy].IsFinal() {
			continue
		}
		latest[d.DecidedBy] = d.Decision
	}
	for _, d := range latest {
		if d == types.DecisionChangesRequested {
			return types.ApprovalChangesRequested
		}
	}
	return types.ApprovalPending
}

// Sequence returns every gate of a workstream's template, activated or not.
func (s *Service) Sequence(ctx context.Context, workstreamID string) ([]GateView, error) {
	records, err := s.store.ListRecords(ctx, workstreamID)
	if err != nil {
		return nil, fmt.Errorf("list approval records: %w", err)
	}
	if len(records) == 0 {
		return []GateView{}, nil
	}
	routes, err := s.loadRoutes(ctx, records[0].TemplateID)
	if err != nil {
		return nil, err
	}
	byPos := make(map[int]types.ApprovalRecord, len(records))
	for _, r := range records {
		byPos[r.Position] = r
	}

	now := s.now()
	blocked := false
	views := make([]GateView, 0, len(routes))
	for _, route := range routes {
		v := GateView{Position: route.Position, Name: route.Name, Locked: blocked}
		if rec, ok := byPos[route.Position]; ok {
			r := rec
			v.Record = &r
			v.Status = rec.Status
			v.Overdue = rec.Status.IsOpen() && rec.DueAt != nil && now.After(*rec.DueAt)
			decisions, err := s.store.ListDecisions(ctx, rec.ID)
			if err != nil {
				return nil, fmt.Errorf("list decisions: %w", err)
			}
			v.Decisions = decisions
			v.Tally = TallyOf(decisions)
			v.Required = Required(PolicyOfRecord(rec), len(rec.Approvers))
		}
		if v.Status != types.ApprovalApproved {
			blocked = true
		}
		views = append(views, v)
	}
	return views, nil
}

// GateView is one gate of a sequence as seen by a caller.
type GateView struct {
	Position  int                      `json:"position"`
	Name      string                   `json:"name,omitempty"`
	Status    types.ApprovalStatus     `json:"status,omitempty"`
	Record    *types.ApprovalRecord    `json:"record,omitempty"`
	Decisions []types.ApprovalDecision `json:"decisions,omitempty"`
	Tally     Tally                    `json:"tally"`
	Required  int                      `json:"required"`
	Locked    bool                     `json:"locked"`
	Overdue   bool                     `json:"overdue"`
}

type sequence struct {
	workstreamID string
	templateID   string
	playID       string
	nodeID       string
}

type progressResult struct {
	status  types.ApprovalStatus
	current *types.ApprovalRecord
	records []types.ApprovalRecord
	created int
	settled int
}

// progress walks the routes in order, opening the first gate without a record. An open
// gate is settled from its stored decisions first. It stops at the first open or
// rejected gate.
func (s *Service) progress(ctx context.Context, seq sequence, routes []types.ApprovalRoute, existing []types.ApprovalRecord) (progressResult, error) {
	byPos := make(map[int]types.ApprovalRecord, len(existing))
	for _, r := range existing {
		byPos[r.Position] = r
	}

	res := progressResult{status: types.ApprovalApproved}
	var ws *types.Workstream
	for _, route := range routes {
		rec, ok := byPos[route.Position]
		if !ok {
			if ws == nil {
				w, err := s.dir.GetWorkstream(ctx, seq.workstreamID)
				if err != nil {
					return res, fmt.Errorf("workstream %s: %w", seq.workstreamID, err)
				}
				ws = &w
			}
			opened, created, err := s.openGate(ctx, seq, route, *ws)
			if err != nil {
				return res, err
			}
			if created {
				res.created++
			}
			rec = opened
		}
		if rec.Status.IsOpen() {
			settled, won, err := s.settle(ctx, rec)
			if err != nil {
				return res, err
			}
			if won {
				s.gateResolved(ctx, settled)
				res.settled++
			}
			rec = settled
		}
		res.records = append(res.records, rec)

		switch rec.Status {
		case types.ApprovalApproved:
			continue
		case types.ApprovalRejected:
			res.status = types.ApprovalRejected
			return res, nil
		default:
			r := rec
			res.status = types.ApprovalPending
			res.current = &r
			return res, nil
		}
	}
	return res, nil
}

// openGate creates the record of a gate. When another caller created it first, the
// stored record is returned with created false.
func (s *Service) openGate(ctx context.Context, seq sequence, route types.ApprovalRoute, ws types.Workstream) (types.ApprovalRecord, bool, error) {
	rec, err := s.buildGate(ctx, seq, route, ws)
	if err != nil {
		return rec, false, err
	}

	err = s.store.CreateRecord(ctx, rec)
	if errors.Is(err, types.ErrConflict) {
		existing, ferr := s.recordAt(ctx, seq.workstreamID, route.Position)
		return existing, false, ferr
	}
	if err != nil {
		return rec, false, fmt.Errorf("create gate %d: %w", route.Position, err)
	}

	s.metrics.RecordGateActivation(seq.templateID, string(rec.Status))
	s.logger.Info("gate activated",
		zap.String("workstream_id", rec.WorkstreamID),
		zap.Int("position", rec.Position),
		zap.String("status", string(rec.Status)),
		zap.Int("approvers", len(rec.Approvers)),
		zap.String("reason", rec.Reason),
	)
	s.publish(ctx, events.GateActivated, rec.WorkstreamID, gateData(rec))
	if !rec.Status.IsOpen() {
		s.publish(ctx, events.GateResolved, rec.WorkstreamID, gateData(rec))
	}
	return rec, true, nil
}

// buildGate snapshots the approvers of a route and applies the pre-checks that can close
// the gate at once.
func (s *Service) buildGate(ctx context.Context, seq sequence, route types.ApprovalRoute, ws types.Workstream) (types.ApprovalRecord, error) {
	id, err := s.generate.NextID()
	if err != nil {
		return types.ApprovalRecord{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := s.now()
	rec := types.ApprovalRecord{
		ID:           id,
		WorkstreamID: seq.workstreamID,
		TemplateID:   seq.templateID,
		PlayID:       seq.playID,
		NodeID:       seq.nodeID,
		Position:     route.Position,
		Status:       types.ApprovalPending,
		Mode:         route.ApprovalMode,
		Threshold:    route.ApprovalThreshold,
		Minimum:      route.MinimumApprovals,
		Percentage:   route.PercentageRequired,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if rec.Mode == "" {
		rec.Mode = types.ModeParallel
	}
	if rec.Threshold == "" {
		rec.Threshold = types.ThresholdUnanimous
	}
	if route.SLA != "" {
		if d, err := time.ParseDuration(route.SLA); err == nil && d > 0 {
			due := now.Add(d)
			rec.DueAt = &due
		}
	}

	if route.IsConditional {
		ok, err := rules.Match(route.Conditions, route.ConditionLogic, ws.Fields)
		if err != nil {
			return rec, fmt.Errorf("gate %d conditions: %w", route.Position, err)
		}
		if !ok {
			return closeGate(rec, ReasonSkipped, false), nil
		}
	}

	members, err := directory.Members(ctx, s.dir, route.Approvers)
	if err != nil {
		return rec, fmt.Errorf("gate %d approvers: %w", route.Position, err)
	}
	if len(members) == 0 && route.AutoApprovalFallbackRole != "" {
		if members, err = directory.Members(ctx, s.dir, []string{route.AutoApprovalFallbackRole}); err != nil {
			return rec, fmt.Errorf("gate %d fallback role: %w", route.Position, err)
		}
	}
	if len(members) == 0 {
		return closeGate(rec, ReasonNoApprovers, true), nil
	}
	for _, u := range members {
		if !ws.IsOwner(u) {
			rec.Approvers = append(rec.Approvers, u)
		}
	}
	if len(rec.Approvers) == 0 {
		return closeGate(rec, ReasonCreatorAuthority, true), nil
	}

	if route.AutoApprovalEnabled && len(route.AutoApprovalConditions) > 0 {
		ok, err := rules.Match(route.AutoApprovalConditions, route.AutoApprovalLogic, ws.Fields)
		if err != nil {
			return rec, fmt.Errorf("gate %d auto-approval conditions: %w", route.Position, err)
		}
		if ok {
			return closeGate(rec, ReasonAutoApproved, true), nil
		}
	}
	return rec, nil
}

func closeGate(rec types.ApprovalRecord, reason string, auto bool) types.ApprovalRecord {
	rec.Status = types.ApprovalApproved
	rec.AutoApproved = auto
	rec.Reason = reason
	at := rec.CreatedAt
	rec.ResolvedAt = &at
	return rec
}

func (s *Service) loadRoutes(ctx context.Context, templateID string) ([]types.ApprovalRoute, error) {
	routes, err := s.templates.LoadApprovalSequence(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("approval template %s: %w", templateID, err)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTemplate, templateID)
	}
	var verrs types.ValidationErrors
	for _, r := range routes {
		verrs = append(verrs, ValidateRoute(r)...)
	}
	if len(verrs) > 0 {
		return nil, verrs
	}
	return routes, nil
}

func (s *Service) recordAt(ctx context.Context, workstreamID string, position int) (types.ApprovalRecord, error) {
	records, err := s.store.ListRecords(ctx, workstreamID)
	if err != nil {
		return types.ApprovalRecord{}, fmt.Errorf("list approval records: %w", err)
	}
	for _, r := range records {
		if r.Position == position {
			return r, nil
		}
	}
	return types.ApprovalRecord{}, fmt.Errorf("%w: gate %d of %s", types.ErrNotFound, position, workstreamID)
}

func (s *Service) checkUnlocked(ctx context.Context, rec types.ApprovalRecord) error {
	records, err := s.store.ListRecords(ctx, rec.WorkstreamID)
	if err != nil {
		return fmt.Errorf("list approval records: %w", err)
	}
	for _, r := range records {
		if r.Position < rec.Position && r.Status != types.ApprovalApproved {
			return fmt.Errorf("%w: gate %d is %s", ErrGateLocked, r.Position, r.Status)
		}
	}
	return nil
}

func (s *Service) announceSequence(ctx context.Context, seq sequence, status types.ApprovalStatus) {
	eventType := events.WorkstreamApproved
	if status == types.ApprovalRejected {
		eventType = events.WorkstreamRejected
	}
	s.logger.Info("approval sequence resolved",
		zap.String("workstream_id", seq.workstreamID),
		zap.String("template_id", seq.templateID),
		zap.String("status", string(status)),
	)
	s.publish(ctx, eventType, seq.workstreamID, map[string]interface{}{
		"template_id": seq.templateID,
		"play_id":     seq.playID,
		"node_id":     seq.nodeID,
		"status":      string(status),
	})
}

func (s *Service) notifyResolved(ctx context.Context, r Resolution) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return
	}
	if err := h.SequenceResolved(ctx, r); err != nil {
		s.logger.Warn("resolution handler failed",
			zap.String("workstream_id", r.WorkstreamID),
			zap.String("node_id", r.NodeID),
			zap.Error(err),
		)
	}
}

// publish never fails the caller; the bus reports handler errors itself.
func (s *Service) publish(ctx context.Context, eventType, workstreamID string, data map[string]interface{}) {
	err := s.bus.Publish(ctx, events.NewEvent(eventType, workstreamID, data))
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		s.logger.Warn("event not published",
			zap.String("event_type", eventType),
			zap.String("workstream_id", workstreamID),
			zap.Error(err),
		)
	}
}

func gateData(rec types.ApprovalRecord) map[string]interface{} {
	return map[string]interface{}{
		"approval_id":   rec.ID,
		"template_id":   rec.TemplateID,
		"position":      rec.Position,
		"status":        string(rec.Status),
		"approvers":     rec.Approvers,
		"auto_approved": rec.AutoApproved,
		"reason":        rec.Reason,
		"record":        rec,
	}
}

func validateDecision(req DecisionRequest) error {
	var verrs types.ValidationErrors
	if req.ApprovalID == 0 {
		verrs = append(verrs, types.ValidationError{Path: "approval_id", Code: types.CodeRequired, Message: "approval id is required"})
	}
	if req.UserID == "" {
		verrs = append(verrs, types.ValidationError{Path: "user_id", Code: types.CodeRequired, Message: "user id is required"})
	}
	if !req.Decision.Valid() {
		verrs = append(verrs, types.ValidationError{
			Path:    "decision",
			Code:    types.CodeInvalidEnum,
			Message: fmt.Sprintf("decision %q must be approved, rejected or changes_requested", req.Decision),
		})
	}
	if len(verrs) > 0 {
		return verrs
	}
	return nil
}

// checkVoter enforces one counted vote per user, no repeated change requests, and the
// snapshot order of serial gates.
func checkVoter(rec types.ApprovalRecord, prior []types.ApprovalDecision, req DecisionRequest) error {
	var last types.Decision
	final := make(map[string]bool, len(prior))
	for _, d := range prior {
		if d.Decision.IsFinal() {
			final[d.DecidedBy] = true
		}
		if d.DecidedBy == req.UserID {
			last = d.Decision
		}
	}
	if final[req.UserID] || (last == types.DecisionChangesRequested && req.Decision == types.DecisionChangesRequested) {
		return fmt.Errorf("%w: %s on approval %d", ErrDuplicateDecision, req.UserID, rec.ID)
	}
	if rec.Mode != types.ModeSerial {
		return nil
	}
	for _, u := range rec.Approvers {
		if final[u] {
			continue
		}
		if u != req.UserID {
			return fmt.Errorf("%w: waiting for %s", ErrNotYourTurn, u)
		}
		return nil
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
