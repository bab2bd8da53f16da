// Package topic defines the canonical broker topic grammar and strict
// parsing for it. Topics are slash-separated; the broker client is
// responsible for mapping them onto whatever subject syntax the concrete
// broker speaks.
//
// Grammar:
//
//	signalzero/analysis/request/{userId}/{analysisId}
//	signalzero/agent/{agentType}/request
//	signalzero/agent/{agentType}/response
//	signalzero/updates/score/{analysisId}
//	signalzero/updates/status/{analysisId}
//	signalzero/dashboard/shame/add
package topic

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/types"
)

const (
	prefix = "signalzero"

	// Wildcard matches a single topic segment in subscribe patterns.
	Wildcard = "+"
)

// Kind classifies a parsed topic.
type Kind int

const (
	KindUnknown Kind = iota
	KindAnalysisRequest
	KindAgentRequest
	KindAgentResponse
	KindScoreUpdate
	KindStatusUpdate
	KindShameAdd
)

// Topic is the result of parsing a canonical topic string.
type Topic struct {
	Kind       Kind
	AgentType  types.AgentType
	UserID     uuid.UUID
	AnalysisID uuid.UUID
}

// AnalysisRequest returns the per-request fan-out topic.
func AnalysisRequest(userID, analysisID uuid.UUID) string {
	return fmt.Sprintf("%s/analysis/request/%s/%s", prefix, userID, analysisID)
}

// AgentRequest returns the request topic for one analyzer type.
func AgentRequest(at types.AgentType) string {
	return fmt.Sprintf("%s/agent/%s/request", prefix, at)
}

// AgentResponse returns the response topic for one analyzer type.
func AgentResponse(at types.AgentType) string {
	return fmt.Sprintf("%s/agent/%s/response", prefix, at)
}

// AgentResponseWildcard matches every analyzer's response topic.
func AgentResponseWildcard() string {
	return fmt.Sprintf("%s/agent/%s/response", prefix, Wildcard)
}

// ScoreUpdate returns the UI score-update topic for one analysis.
func ScoreUpdate(analysisID uuid.UUID) string {
	return fmt.Sprintf("%s/updates/score/%s", prefix, analysisID)
}

// StatusUpdate returns the UI status-update topic for one analysis.
func StatusUpdate(analysisID uuid.UUID) string {
	return fmt.Sprintf("%s/updates/status/%s", prefix, analysisID)
}

// ShameAdd returns the dashboard topic announcing new shame-list entries.
func ShameAdd() string {
	return prefix + "/dashboard/shame/add"
}

// CorrelationID derives the correlation token for an analysis. By contract it
// is the stringified analysis id.
func CorrelationID(analysisID uuid.UUID) string {
	return analysisID.String()
}

// Parse validates a topic against the grammar. Unknown shapes return an
// error; callers log and discard those.
func Parse(s string) (Topic, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 4 || parts[0] != prefix {
		return Topic{}, fmt.Errorf("topic %q: not a signalzero topic", s)
	}

	switch parts[1] {
	case "analysis":
		if len(parts) != 5 || parts[2] != "request" {
			return Topic{}, fmt.Errorf("topic %q: malformed analysis topic", s)
		}
		userID, err := uuid.Parse(parts[3])
		if err != nil {
			return Topic{}, fmt.Errorf("topic %q: bad user id: %w", s, err)
		}
		analysisID, err := uuid.Parse(parts[4])
		if err != nil {
			return Topic{}, fmt.Errorf("topic %q: bad analysis id: %w", s, err)
		}
		return Topic{Kind: KindAnalysisRequest, UserID: userID, AnalysisID: analysisID}, nil

	case "agent":
		if len(parts) != 4 {
			return Topic{}, fmt.Errorf("topic %q: malformed agent topic", s)
		}
		if !types.ValidAgentType(parts[2]) {
			return Topic{}, fmt.Errorf("topic %q: unknown agent type %q", s, parts[2])
		}
		t := Topic{AgentType: types.AgentType(parts[2])}
		switch parts[3] {
		case "request":
			t.Kind = KindAgentRequest
		case "response":
			t.Kind = KindAgentResponse
		default:
			return Topic{}, fmt.Errorf("topic %q: unknown agent direction %q", s, parts[3])
		}
		return t, nil

	case "updates":
		if len(parts) != 4 {
			return Topic{}, fmt.Errorf("topic %q: malformed updates topic", s)
		}
		analysisID, err := uuid.Parse(parts[3])
		if err != nil {
			return Topic{}, fmt.Errorf("topic %q: bad analysis id: %w", s, err)
		}
		switch parts[2] {
		case "score":
			return Topic{Kind: KindScoreUpdate, AnalysisID: analysisID}, nil
		case "status":
			return Topic{Kind: KindStatusUpdate, AnalysisID: analysisID}, nil
		}
		return Topic{}, fmt.Errorf("topic %q: unknown update kind %q", s, parts[2])

	case "dashboard":
		if len(parts) == 4 && parts[2] == "shame" && parts[3] == "add" {
			return Topic{Kind: KindShameAdd}, nil
		}
		return Topic{}, fmt.Errorf("topic %q: malformed dashboard topic", s)
	}

	return Topic{}, fmt.Errorf("topic %q: unknown topic family %q", s, parts[1])
}
