package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	xerrors "THA-AgentHub/internal/errors"
	"THA-AgentHub/internal/registry"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var agents []registry.Agent
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	switch {
	case r.URL.Query().Get("all") == "true":
		agents = s.agents.List()
	case category != "":
		agents = s.agents.ListByCategory(category)
	default:
		agents = s.agents.ListActive()
	}
	if agents == nil {
		agents = []registry.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAgentCategories(w http.ResponseWriter, _ *http.Request) {
	categories := s.agents.Categories()
	if categories == nil {
		categories = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type availabilityView struct {
	AgentID   string          `json:"agentId"`
	Status    registry.Status `json:"status"`
	Available bool            `json:"available"`
	Version   string          `json:"version,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// handleAgentAvailability 结合注册状态与后端探测结果判断 agent 是否可接单。
func (s *Server) handleAgentAvailability(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := availabilityView{AgentID: agent.ID, Status: agent.Status}
	switch {
	case agent.Status != registry.StatusActive:
		view.Message = "agent is " + string(agent.Status)
	case s.availability == nil:
		view.Available = true
	default:
		result, err := s.availability.Availability(r.Context(), agent.Endpoint)
		if err != nil {
			view.Message = err.Error()
			if coded, ok := xerrors.From(err); ok {
				view.Message = coded.Message()
			}
			break
		}
		view.Available = result.Available
		view.Version = result.Version
		view.Message = result.Message
	}
	writeJSON(w, http.StatusOK, view)
}

type agentRequest struct {
	registry.Agent
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent := req.Agent
	agent.Endpoint = req.Endpoint
	if err := s.agents.Register(agent); err != nil {
		s.writeError(w, r, err)
		return
	}
	registered, err := s.agents.Lookup(agent.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

type statusRequest struct {
	Status registry.Status `json:"status"`
}

func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.agents.SetStatus(chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}
