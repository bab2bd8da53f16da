package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/signalzero/internal/broker"
	"github.com/signalzero/signalzero/internal/orchestrator"
	"github.com/signalzero/signalzero/internal/store"
	"github.com/signalzero/signalzero/internal/types"
)

type submitRequest struct {
	Query     string `json:"query"`
	QueryType string `json:"queryType"`
	Platform  string `json:"platform"`
}

type submitResponse struct {
	AnalysisID uuid.UUID `json:"analysisId"`
}

type errorResponse struct {
	Error     string     `json:"error"`
	Code      string     `json:"code"`
	Remaining *int       `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}

type analysisResponse struct {
	AnalysisID    uuid.UUID      `json:"analysisId"`
	Query         string         `json:"query"`
	QueryType     string         `json:"queryType,omitempty"`
	Platform      string         `json:"platform,omitempty"`
	Status        string         `json:"status"`
	Bot           *float64       `json:"bot,omitempty"`
	Trend         *float64       `json:"trend,omitempty"`
	Review        *float64       `json:"review,omitempty"`
	Promotion     *float64       `json:"promotion,omitempty"`
	Authenticity  *float64       `json:"authenticity,omitempty"`
	Band          *types.Band    `json:"band,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	ProcessingMs  *int64         `json:"processingMs,omitempty"`
	AgentResults  []agentJSON    `json:"agentResults,omitempty"`
}

type agentJSON struct {
	AgentType    types.AgentType `json:"agentType"`
	Score        float64         `json:"score"`
	Confidence   float64         `json:"confidence"`
	Status       string          `json:"status"`
	Evidence     json.RawMessage `json:"evidence,omitempty"`
	ProcessingMs int64           `json:"processingMs"`
}

type shameJSON struct {
	AnalysisID   uuid.UUID  `json:"analysisId"`
	ProductName  string     `json:"productName"`
	Band         types.Band `json:"band"`
	Bot          float64    `json:"bot"`
	Authenticity float64    `json:"authenticity"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "request body is not valid JSON")
		return
	}

	if ident.UserID != nil {
		if err := s.st.EnsureUser(r.Context(), *ident.UserID, ident.Tier); err != nil {
			s.log.Error().Err(err).Msg("Failed to ensure user")
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
	}

	id, err := s.intake.Submit(r.Context(), ident.UserID, req.Query, req.QueryType, req.Platform)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{AnalysisID: id})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var qe *orchestrator.QuotaError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "query must be a non-empty string")
	case errors.As(err, &qe):
		resp := errorResponse{
			Error:     "monthly analysis quota exceeded",
			Code:      "QUOTA_EXCEEDED",
			Remaining: &qe.Remaining,
		}
		if !qe.ResetAt.IsZero() {
			resp.ResetAt = &qe.ResetAt
		}
		writeJSON(w, http.StatusTooManyRequests, resp)
	case errors.Is(err, orchestrator.ErrShutdown), errors.Is(err, broker.ErrBackpressure):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "service is not accepting submissions")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "UNKNOWN_USER", "user is not registered")
	default:
		s.log.Error().Err(err).Msg("Submit failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "analysis id must be a uuid")
		return
	}

	a, err := s.st.GetAnalysis(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such analysis")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Stringer("analysis_id", id).Msg("Failed to load analysis")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	resp := toAnalysisResponse(a)
	if results, err := s.st.ListAgentResults(r.Context(), id); err == nil {
		for _, res := range results {
			resp.AgentResults = append(resp.AgentResults, agentJSON{
				AgentType:    res.AgentType,
				Score:        res.Score,
				Confidence:   res.Confidence,
				Status:       string(res.Status),
				Evidence:     json.RawMessage(res.Evidence),
				ProcessingMs: res.ProcessingMs,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "analysis id must be a uuid")
		return
	}

	err = s.orch.Cancel(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "ALREADY_TERMINAL", "analysis already finished")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such analysis")
	default:
		s.log.Error().Err(err).Stringer("analysis_id", id).Msg("Cancel failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) handleListPublic(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 20, 100)
	analyses, err := s.st.ListPublicAnalyses(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list public analyses")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	out := make([]analysisResponse, 0, len(analyses))
	for _, a := range analyses {
		out = append(out, toAnalysisResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": out})
}

func (s *Server) handleShameList(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 10, 100)
	entries, err := s.st.ListShame(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list shame entries")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	out := make([]shameJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, shameJSON{
			AnalysisID:   e.AnalysisID,
			ProductName:  e.ProductName,
			Band:         e.Band,
			Bot:          e.BotScore,
			Authenticity: e.Authenticity,
			CreatedAt:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	brokerOK := s.bus.Healthy()
	storeOK := s.st.Ping(r.Context()) == nil

	status := http.StatusOK
	if !brokerOK || !storeOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status": map[bool]string{true: "ok", false: "degraded"}[brokerOK && storeOK],
		"broker": brokerOK,
		"store":  storeOK,
	})
}

func toAnalysisResponse(a *types.Analysis) analysisResponse {
	return analysisResponse{
		AnalysisID:    a.ID,
		Query:         a.Query,
		QueryType:     a.QueryType,
		Platform:      a.Platform,
		Status:        string(a.Status),
		Bot:           a.BotScore,
		Trend:         a.TrendScore,
		Review:        a.ReviewScore,
		Promotion:     a.PromotionScore,
		Authenticity:  a.Authenticity,
		Band:          a.Band,
		FailureReason: a.FailureReason,
		CreatedAt:     a.CreatedAt,
		CompletedAt:   a.CompletedAt,
		ProcessingMs:  a.ProcessingMs,
	}
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
