package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/play-engine/types"
)

type stateKey struct {
	workstreamID string
	playID       string
	nodeID       string
}

type gateKey struct {
	workstreamID string
	position     int
}

type decisionKey struct {
	approvalID uint64
	userID     string
}

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	plays     map[string]types.Play
	templates map[string]types.ApprovalTemplate
	states    map[stateKey]types.NodeExecutionState
	records   map[uint64]types.ApprovalRecord
	gates     map[gateKey]uint64
	decisions map[uint64][]types.ApprovalDecision
	decided   map[decisionKey]bool
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		plays:     make(map[string]types.Play),
		templates: make(map[string]types.ApprovalTemplate),
		states:    make(map[stateKey]types.NodeExecutionState),
		records:   make(map[uint64]types.ApprovalRecord),
		gates:     make(map[gateKey]uint64),
		decisions: make(map[uint64][]types.ApprovalDecision),
		decided:   make(map[decisionKey]bool),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, what string) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %s %v", types.ErrNotFound, what, id)
		}
		return item, nil
	})
}

// SavePlay saves a play to memory.
func (s *MemoryStorage) SavePlay(ctx context.Context, play types.Play) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.plays[play.ID] = play
		return nil
	})
}

// LoadPlayGraph retrieves a play from memory.
func (s *MemoryStorage) LoadPlayGraph(ctx context.Context, playID string) (types.Play, error) {
	return getItem(ctx, &s.mu, s.plays, playID, "play")
}

// SaveTemplate saves an approval template to memory.
func (s *MemoryStorage) SaveTemplate(ctx context.Context, tpl types.ApprovalTemplate) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.templates[tpl.ID] = tpl
		return nil
	})
}

// LoadApprovalSequence returns the routes of a template ordered by position.
func (s *MemoryStorage) LoadApprovalSequence(ctx context.Context, templateID string) ([]types.ApprovalRoute, error) {
	tpl, err := getItem(ctx, &s.mu, s.templates, templateID, "approval template")
	if err != nil {
		return nil, err
	}
	return sortRoutes(tpl.Routes), nil
}

// LoadStates returns every state of a workstream for a play.
func (s *MemoryStorage) LoadStates(ctx context.Context, workstreamID, playID string) ([]types.NodeExecutionState, error) {
	return withContext(ctx, func() ([]types.NodeExecutionState, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.NodeExecutionState
		for k, st := range s.states {
			if k.workstreamID == workstreamID && k.playID == playID {
				out = append(out, copyState(st))
			}
		}
		sortStates(out)
		return out, nil
	})
}

// GetState returns the state of one node.
func (s *MemoryStorage) GetState(ctx context.Context, workstreamID, playID, nodeID string) (types.NodeExecutionState, error) {
	st, err := getItem(ctx, &s.mu, s.states, stateKey{workstreamID, playID, nodeID}, "node state")
	if err != nil {
		return st, err
	}
	return copyState(st), nil
}

// SaveState writes st with an optimistic version check.
func (s *MemoryStorage) SaveState(ctx context.Context, st types.NodeExecutionState) (types.NodeExecutionState, error) {
	return withContext(ctx, func() (types.NodeExecutionState, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := stateKey{st.WorkstreamID, st.PlayID, st.NodeID}
		current := s.states[key].Version
		if current != st.Version {
			return types.NodeExecutionState{}, fmt.Errorf("%w: node %s/%s/%s at version %d, expected %d",
				types.ErrConflict, st.WorkstreamID, st.PlayID, st.NodeID, current, st.Version)
		}
		st.Version++
		s.states[key] = copyState(st)
		return copyState(st), nil
	})
}

// CreateRecord inserts an approval record unless its gate already has one.
func (s *MemoryStorage) CreateRecord(ctx context.Context, rec types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := gateKey{rec.WorkstreamID, rec.Position}
		if _, ok := s.gates[key]; ok {
			return fmt.Errorf("%w: gate %d of workstream %s already activated", types.ErrConflict, rec.Position, rec.WorkstreamID)
		}
		if _, ok := s.records[rec.ID]; ok {
			return fmt.Errorf("%w: approval %d already exists", types.ErrConflict, rec.ID)
		}
		s.gates[key] = rec.ID
		s.records[rec.ID] = copyRecord(rec)
		return nil
	})
}

// GetRecord retrieves an approval record.
func (s *MemoryStorage) GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	rec, err := getItem(ctx, &s.mu, s.records, id, "approval")
	if err != nil {
		return rec, err
	}
	return copyRecord(rec), nil
}

// ListRecords returns the records of a workstream ordered by position.
func (s *MemoryStorage) ListRecords(ctx context.Context, workstreamID string) ([]types.ApprovalRecord, error) {
	return withContext(ctx, func() ([]types.ApprovalRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ApprovalRecord
		for k, id := range s.gates {
			if k.workstreamID == workstreamID {
				out = append(out, copyRecord(s.records[id]))
			}
		}
		sortRecords(out)
		return out, nil
	})
}

// UpdateRecordStatus replaces rec when its stored status equals expected.
func (s *MemoryStorage) UpdateRecordStatus(ctx context.Context, rec types.ApprovalRecord, expected types.ApprovalStatus) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.records[rec.ID]
		if !ok {
			return fmt.Errorf("%w: approval %d", types.ErrNotFound, rec.ID)
		}
		if current.Status != expected {
			return fmt.Errorf("%w: approval %d is %s, expected %s", types.ErrConflict, rec.ID, current.Status, expected)
		}
		s.records[rec.ID] = copyRecord(rec)
		return nil
	})
}

// AppendDecision inserts a decision once per (approval, user) while the record is open.
func (s *MemoryStorage) AppendDecision(ctx context.Context, d types.ApprovalDecision) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.records[d.ApprovalID]
		if !ok {
			return fmt.Errorf("%w: approval %d", types.ErrNotFound, d.ApprovalID)
		}
		if !rec.Status.IsOpen() {
			return fmt.Errorf("%w: approval %d is %s", ErrRecordResolved, d.ApprovalID, rec.Status)
		}
		if d.Decision.IsFinal() {
			key := decisionKey{d.ApprovalID, d.DecidedBy}
			if s.decided[key] {
				return fmt.Errorf("%w: %s already decided on approval %d", types.ErrConflict, d.DecidedBy, d.ApprovalID)
			}
			s.decided[key] = true
		}
		s.decisions[d.ApprovalID] = append(s.decisions[d.ApprovalID], d)
		return nil
	})
}

// ListDecisions returns the decisions of a record in insertion order.
func (s *MemoryStorage) ListDecisions(ctx context.Context, approvalID uint64) ([]types.ApprovalDecision, error) {
	return withContext(ctx, func() ([]types.ApprovalDecision, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]types.ApprovalDecision(nil), s.decisions[approvalID]...), nil
	})
}

func copyState(st types.NodeExecutionState) types.NodeExecutionState {
	if st.Outputs != nil {
		st.Outputs = types.MergeConfig(st.Outputs, nil)
	}
	if st.PendingAction != nil {
		pa := *st.PendingAction
		if pa.Config != nil {
			pa.Config = types.MergeConfig(pa.Config, nil)
		}
		st.PendingAction = &pa
	}
	return st
}

func copyRecord(rec types.ApprovalRecord) types.ApprovalRecord {
	rec.Approvers = append([]string(nil), rec.Approvers...)
	return rec
}
