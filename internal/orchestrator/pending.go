package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/score"
	"github.com/signalzero/signalzero/internal/types"
)

// pendingRequest is the in-memory state of one in-flight analysis. The
// lifecycle goroutine owns it; the response handler only touches the
// arrival set and the notification channel.
type pendingRequest struct {
	analysisID    uuid.UUID
	userID        *uuid.UUID
	query         string
	correlationID string
	startedAt     time.Time
	deadline      time.Time

	// Demo override, set when demo mode matched the query. No fan-out
	// happens for overridden analyses.
	override *score.Override

	// Set when every fan-out publish was rejected; the analysis fails
	// immediately with reason broker-unavailable.
	allPublishesFailed bool

	mu      sync.Mutex
	awaited map[types.AgentType]struct{}
	arrived map[types.AgentType]struct{}

	arrivals chan types.AgentType
	cancelCh chan struct{}

	cancelOnce   sync.Once
	finalizeOnce sync.Once
}

func newPending(a *types.Analysis, override *score.Override, startedAt, deadline time.Time) *pendingRequest {
	p := &pendingRequest{
		analysisID:    a.ID,
		userID:        a.UserID,
		query:         a.Query,
		correlationID: a.CorrelationID,
		startedAt:     startedAt,
		deadline:      deadline,
		override:      override,
		awaited:       make(map[types.AgentType]struct{}, len(types.AnalyzerTypes)),
		arrived:       make(map[types.AgentType]struct{}, len(types.AnalyzerTypes)),
		arrivals:      make(chan types.AgentType, 2*len(types.AnalyzerTypes)),
		cancelCh:      make(chan struct{}),
	}
	if override == nil {
		for _, at := range types.AnalyzerTypes {
			p.awaited[at] = struct{}{}
		}
	}
	return p
}

// dropAwaited removes an agent whose fan-out publish failed; its score will
// be imputed at aggregation.
func (p *pendingRequest) dropAwaited(at types.AgentType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.awaited, at)
}

// noteArrival marks one agent as arrived and reports whether every awaited
// agent has now responded.
func (p *pendingRequest) noteArrival(at types.AgentType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.awaited[at]; ok {
		p.arrived[at] = struct{}{}
	}
	return len(p.arrived) >= len(p.awaited)
}

// arrivedCount reports how many awaited agents responded so far.
func (p *pendingRequest) arrivedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.arrived)
}

// notify wakes the lifecycle goroutine without ever blocking the caller. A
// full channel means a wake-up is already queued.
func (p *pendingRequest) notify(at types.AgentType) {
	select {
	case p.arrivals <- at:
	default:
	}
}

// cancel wakes the lifecycle goroutine for teardown.
func (p *pendingRequest) cancel() {
	p.cancelOnce.Do(func() { close(p.cancelCh) })
}
