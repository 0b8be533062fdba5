// Package api provides HTTP handlers for ReplayPipe endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ReplayDeck/ReplayPipe/internal/engine"
	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/scenario"
)

func (s *Server) listScenariosHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listScenariosHandler: processing request")
	templates, err := s.catalog.List()
	if err != nil {
		slog.Error("Server.listScenariosHandler: failed to list scenarios", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list scenarios"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(templates))
}

func (s *Server) getScenarioHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	slog.Debug("Server.getScenarioHandler: processing request", "scenario_id", id)
	tpl, err := s.catalog.Get(id)
	if err != nil {
		slog.Warn("Server.getScenarioHandler: scenario lookup failed", "error", err, "scenario_id", id)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tpl))
}

func (s *Server) saveScenarioHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var tpl models.ConversationTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		slog.Warn("Server.saveScenarioHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.catalog.Save(tpl); err != nil {
		slog.Warn("Server.saveScenarioHandler: save failed", "error", err, "scenario_id", tpl.Metadata.ID)
		writeError(w, err)
		return
	}
	slog.Info("Server.saveScenarioHandler: scenario saved", "scenario_id", tpl.Metadata.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Scenario saved", tpl))
}

func (s *Server) generateScenarioHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req struct {
		Brief string `json:"brief"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.generateScenarioHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Brief == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Brief cannot be empty"))
		return
	}
	tpl, err := s.catalog.Generate(r.Context(), req.Brief)
	if err != nil {
		if errors.Is(err, scenario.ErrNoGenerator) {
			slog.Warn("Server.generateScenarioHandler: no generator configured")
			writeJSONResponse(w, http.StatusNotImplemented, models.Error("Scenario generation is not configured"))
			return
		}
		slog.Error("Server.generateScenarioHandler: generation failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate scenario"))
		return
	}
	slog.Info("Server.generateScenarioHandler: scenario generated", "scenario_id", tpl.Metadata.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Scenario generated", tpl))
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ScenarioID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("scenario_id is required"))
		return
	}
	sess, err := s.manager.Create(req)
	if err != nil {
		slog.Warn("Server.createSessionHandler: session creation failed", "error", err, "scenario_id", req.ScenarioID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session created", sess.View()))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.View())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
}

func (s *Server) destroySessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Destroy(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session destroyed", nil))
}

// controlHandler wraps a no-payload engine control call.
func (s *Server) controlHandler(ctl func(*engine.Orchestrator) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.manager.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := ctl(sess.Orchestrator()); err != nil {
			slog.Warn("Server.controlHandler: control call failed", "error", err, "session_id", sess.ID)
			writeError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
	}
}

func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Orchestrator().Pause(); err != nil {
		writeError(w, err)
		return
	}
	sess.MarkPaused()
	writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Orchestrator().Reset(); err != nil {
		writeError(w, err)
		return
	}
	sess.MarkPaused()
	writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
}

func (s *Server) seekHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := sess.Orchestrator().JumpTo(req.Index); err != nil {
		slog.Warn("Server.seekHandler: jump failed", "error", err, "session_id", sess.ID, "index", req.Index)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
}

func (s *Server) speedHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := sess.Orchestrator().SetSpeed(req.Speed); err != nil {
		slog.Warn("Server.speedHandler: speed change failed", "error", err, "session_id", sess.ID, "speed", req.Speed)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
}

func (s *Server) submitFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	token := r.PathValue("token")
	var req struct {
		Data map[string]string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := sess.Orchestrator().SubmitFlowResult(token, req.Data); err != nil {
		slog.Warn("Server.submitFlowHandler: submission failed", "error", err, "session_id", sess.ID, "token", token)
		writeError(w, err)
		return
	}
	s.persistFlowResult(sess, token, req.Data)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow result submitted", sess.View()))
}

// persistFlowResult backfills the submitted data onto the journal's flow row.
// The bus observer persisted the completed row without the result payload, so
// the handler re-saves it with data attached.
func (s *Server) persistFlowResult(sess *Session, token string, data map[string]string) {
	for _, fs := range sess.Orchestrator().FlowHistory() {
		if fs.FlowToken != token {
			continue
		}
		payload, err := json.Marshal(data)
		if err != nil {
			slog.Error("Server.persistFlowResult: failed to marshal flow data", "error", err, "token", token)
			return
		}
		sub := models.FlowSubmission{
			Token:       token,
			SessionID:   sess.ID,
			FlowID:      fs.FlowID,
			Status:      fs.Status,
			Data:        string(payload),
			CompletedAt: fs.EndTime,
		}
		if err := s.st.SaveFlowSubmission(sub); err != nil {
			slog.Error("Server.persistFlowResult: failed to persist flow submission", "error", err, "token", token)
		}
		return
	}
}

func (s *Server) cancelFlowHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	token := r.PathValue("token")
	if err := sess.Orchestrator().CancelFlow(token); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow cancelled", sess.View()))
}

func (s *Server) attachRelayHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Channel string `json:"channel"`
		To      string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.To == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Recipient is required"))
		return
	}
	svc, ok := s.relaySvc[req.Channel]
	if !ok {
		slog.Warn("Server.attachRelayHandler: unknown relay channel", "channel", req.Channel)
		writeError(w, ErrUnknownRelayChannel)
		return
	}
	if err := sess.AttachRelay(req.Channel, svc, req.To); err != nil {
		slog.Warn("Server.attachRelayHandler: attach failed", "error", err, "session_id", sess.ID)
		writeError(w, err)
		return
	}
	slog.Info("Relay attached to session", "session_id", sess.ID, "channel", req.Channel)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Relay attached", sess.View()))
}

func (s *Server) detachRelayHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.DetachRelay(); err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Relay detached", nil))
}
