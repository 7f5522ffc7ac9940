package approval

import (
	"context"
	"fmt"

	"github.com/songzhibin97/play-engine/events"
	"github.com/songzhibin97/play-engine/types"
)

// Tagger suggests tags for a workstream once a gate resolves. It is best effort.
type Tagger interface {
	SuggestTags(ctx context.Context, workstreamID string, gate types.ApprovalRecord) error
}

// Notifier tells people about gate and sequence changes. It is best effort.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// notifiedEvents are the events a Notifier receives.
var notifiedEvents = []string{
	events.GateActivated,
	events.GateResolved,
	events.WorkstreamApproved,
	events.WorkstreamRejected,
}

// AddTagger subscribes t to resolved gates. Its failures are logged by the bus and never
// reach the decision that triggered them.
func (s *Service) AddTagger(t Tagger) {
	s.bus.SubscribeFunc(events.GateResolved, func(ctx context.Context, e events.Event) error {
		rec, ok := e.Data["record"].(types.ApprovalRecord)
		if !ok {
			return fmt.Errorf("gate event %s carries no record", e.ID)
		}
		if rec.Status != types.ApprovalApproved {
			return nil
		}
		return t.SuggestTags(ctx, e.WorkstreamID, rec)
	})
}

// AddNotifier subscribes n to gate and sequence events.
func (s *Service) AddNotifier(n Notifier) {
	for _, eventType := range notifiedEvents {
		s.bus.SubscribeFunc(eventType, n.Notify)
	}
}
