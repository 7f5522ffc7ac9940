package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/songzhibin97/play-engine/types"
)

// ErrRecordResolved is returned by AppendDecision when the record is no longer open.
var ErrRecordResolved = fmt.Errorf("%w: approval record is resolved", types.ErrConflict)

// GraphSource stores published plays.
type GraphSource interface {
	// LoadPlayGraph retrieves a play with its nodes and edges.
	LoadPlayGraph(ctx context.Context, playID string) (types.Play, error)

	// SavePlay publishes a play definition.
	SavePlay(ctx context.Context, play types.Play) error
}

// NodeStateStore persists one NodeExecutionState per (workstream, play, node). States
// are never deleted.
type NodeStateStore interface {
	// LoadStates returns every state of a workstream for a play.
	LoadStates(ctx context.Context, workstreamID, playID string) ([]types.NodeExecutionState, error)

	// GetState returns the state of one node, types.ErrNotFound when never visited.
	GetState(ctx context.Context, workstreamID, playID, nodeID string) (types.NodeExecutionState, error)

	// SaveState writes st when the stored version equals st.Version (0 for a new state)
	// and returns the stored copy with its version incremented. A mismatch returns
	// types.ErrConflict.
	SaveState(ctx context.Context, st types.NodeExecutionState) (types.NodeExecutionState, error)
}

// TemplateStore provides approval templates.
type TemplateStore interface {
	// LoadApprovalSequence returns the routes of a template ordered by position.
	LoadApprovalSequence(ctx context.Context, templateID string) ([]types.ApprovalRoute, error)

	// SaveTemplate stores a template.
	SaveTemplate(ctx context.Context, tpl types.ApprovalTemplate) error
}

// ApprovalStore persists approval records and their append-only decisions.
type ApprovalStore interface {
	// CreateRecord inserts a record. A second record for the same (workstream, position)
	// returns types.ErrConflict.
	CreateRecord(ctx context.Context, rec types.ApprovalRecord) error

	// GetRecord retrieves a record by id.
	GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error)

	// ListRecords returns the records of a workstream ordered by position.
	ListRecords(ctx context.Context, workstreamID string) ([]types.ApprovalRecord, error)

	// UpdateRecordStatus replaces rec when the stored status still equals expected,
	// otherwise it returns types.ErrConflict.
	UpdateRecordStatus(ctx context.Context, rec types.ApprovalRecord, expected types.ApprovalStatus) error

	// AppendDecision inserts a decision while the record is pending or changes_requested,
	// otherwise it returns ErrRecordResolved. A second approved or rejected decision by
	// the same user on the same record returns types.ErrConflict; changes_requested
	// entries do not claim the user's vote.
	AppendDecision(ctx context.Context, d types.ApprovalDecision) error

	// ListDecisions returns the decisions of a record in insertion order.
	ListDecisions(ctx context.Context, approvalID uint64) ([]types.ApprovalDecision, error)
}

// Storage is implemented by every adapter in this package.
type Storage interface {
	GraphSource
	NodeStateStore
	TemplateStore
	ApprovalStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func sortRoutes(routes []types.ApprovalRoute) []types.ApprovalRoute {
	out := append([]types.ApprovalRoute(nil), routes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func sortRecords(recs []types.ApprovalRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Position < recs[j].Position })
}

func sortStates(states []types.NodeExecutionState) {
	sort.Slice(states, func(i, j int) bool { return states[i].NodeID < states[j].NodeID })
}
