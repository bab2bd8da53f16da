// Package intake is the thin façade in front of the orchestrator: it accepts
// a query, returns the analysis id, and hands the caller a push subscription
// scoped to that analysis.
package intake

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalzero/signalzero/internal/orchestrator"
	"github.com/signalzero/signalzero/internal/push"
)

// Service fronts analysis submission.
type Service struct {
	orch *orchestrator.Orchestrator
	push *push.Bus
	log  zerolog.Logger
}

// New builds the intake service.
func New(orch *orchestrator.Orchestrator, pushBus *push.Bus, logger zerolog.Logger) *Service {
	return &Service{
		orch: orch,
		push: pushBus,
		log:  logger.With().Str("component", "intake").Logger(),
	}
}

// Analyze submits a query and subscribes fn to the resulting analysis's
// events. The subscription is registered before submission, so fn observes
// the full PROCESSING → terminal sequence. The caller owns the returned
// subscription and must close it.
func (s *Service) Analyze(ctx context.Context, userID *uuid.UUID, query, queryType, platform string, fn func(push.Event)) (uuid.UUID, *push.Subscription, error) {
	var analysisID uuid.UUID
	ready := make(chan struct{})

	sub := s.push.Subscribe(func(ev push.Event) {
		// Events queue up until the id is known; the channel close
		// publishes the assignment below.
		<-ready
		if ev.AnalysisID == analysisID {
			fn(ev)
		}
	})

	id, err := s.orch.Submit(ctx, userID, query, queryType, platform)
	if err != nil {
		close(ready)
		sub.Close()
		return uuid.Nil, nil, err
	}
	analysisID = id
	close(ready)
	return id, sub, nil
}

// Submit runs an analysis without subscribing, for callers that poll or
// follow updates over their own channel.
func (s *Service) Submit(ctx context.Context, userID *uuid.UUID, query, queryType, platform string) (uuid.UUID, error) {
	return s.orch.Submit(ctx, userID, query, queryType, platform)
}
