package topic

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/signalzero/internal/types"
)

func TestRoundTripAgentTopics(t *testing.T) {
	for _, at := range types.AnalyzerTypes {
		req, err := Parse(AgentRequest(at))
		require.NoError(t, err)
		assert.Equal(t, KindAgentRequest, req.Kind)
		assert.Equal(t, at, req.AgentType)

		resp, err := Parse(AgentResponse(at))
		require.NoError(t, err)
		assert.Equal(t, KindAgentResponse, resp.Kind)
		assert.Equal(t, at, resp.AgentType)
	}
}

func TestRoundTripAnalysisRequest(t *testing.T) {
	userID := uuid.New()
	analysisID := uuid.New()

	parsed, err := Parse(AnalysisRequest(userID, analysisID))
	require.NoError(t, err)
	assert.Equal(t, KindAnalysisRequest, parsed.Kind)
	assert.Equal(t, userID, parsed.UserID)
	assert.Equal(t, analysisID, parsed.AnalysisID)
}

func TestRoundTripUpdateTopics(t *testing.T) {
	id := uuid.New()

	score, err := Parse(ScoreUpdate(id))
	require.NoError(t, err)
	assert.Equal(t, KindScoreUpdate, score.Kind)
	assert.Equal(t, id, score.AnalysisID)

	status, err := Parse(StatusUpdate(id))
	require.NoError(t, err)
	assert.Equal(t, KindStatusUpdate, status.Kind)
	assert.Equal(t, id, status.AnalysisID)

	shame, err := Parse(ShameAdd())
	require.NoError(t, err)
	assert.Equal(t, KindShameAdd, shame.Kind)
}

func TestParseRejectsMalformedTopics(t *testing.T) {
	bad := []string{
		"",
		"signalzero",
		"other/agent/bot/request",
		"signalzero/agent/unknown/request",
		"signalzero/agent/bot/sideways",
		"signalzero/agent/bot/request/extra",
		"signalzero/analysis/request/not-a-uuid/" + uuid.NewString(),
		"signalzero/updates/score/not-a-uuid",
		"signalzero/updates/mood/" + uuid.NewString(),
		"signalzero/dashboard/shame/remove",
	}
	for _, s := range bad {
		_, err := Parse(s)
		assert.Error(t, err, "expected %q to be rejected", s)
	}
}

func TestCorrelationIDEqualsAnalysisID(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id.String(), CorrelationID(id))
}

func TestAgentResponseWildcard(t *testing.T) {
	assert.Equal(t, "signalzero/agent/+/response", AgentResponseWildcard())
}
