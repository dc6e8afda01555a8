package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"support-chat-backend/internal/assignment"
	"support-chat-backend/internal/company"
	"support-chat-backend/internal/dto"
	"support-chat-backend/internal/model"
)

type CompanyEndpoints interface {
	Agents(http.ResponseWriter, *http.Request) error
	Availability(http.ResponseWriter, *http.Request) error
	Usage(http.ResponseWriter, *http.Request) error
	Plans(http.ResponseWriter, *http.Request) error
	Plan(http.ResponseWriter, *http.Request) error
	APIKey(http.ResponseWriter, *http.Request) error
}

type companyEndpoints struct {
	service *company.Service
	pool    *assignment.Pool
}

func NewCompanyEndpoints(service *company.Service, pool *assignment.Pool) CompanyEndpoints {
	return &companyEndpoints{
		service: service,
		pool:    pool,
	}
}

func (h *companyEndpoints) Agents(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodGet:  h.handleListAgents,
		http.MethodPost: h.handleAddAgent,
	})
}

func (h *companyEndpoints) Availability(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPatch: h.handleSetAvailability,
	})
}

func (h *companyEndpoints) Usage(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodGet: h.handleUsage,
	})
}

func (h *companyEndpoints) Plans(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodGet: h.handleListPlans,
	})
}

func (h *companyEndpoints) Plan(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPatch: h.handleChangePlan,
	})
}

func (h *companyEndpoints) APIKey(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: h.handleRotateAPIKey,
	})
}

func (h *companyEndpoints) handleListAgents(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapCompanyServiceError(err)
	}

	agents, err := h.service.ListAgents(r.Context(), identity)
	if err != nil {
		return mapCompanyServiceError(err)
	}

	resp := dto.ListAgentsResponse{Agents: make([]dto.AgentResponse, 0, len(agents))}
	for _, agent := range agents {
		resp.Agents = append(resp.Agents, toAgentResponse(agent))
	}
	return WriteJSON(w, http.StatusOK, resp)
}

func (h *companyEndpoints) handleAddAgent(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapCompanyServiceError(err)
	}

	var req dto.AddAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode add agent request: %w", err),
		}
	}

	agent, err := h.service.AddAgent(r.Context(), identity, company.AddAgentParams{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		return mapCompanyServiceError(err)
	}

	return WriteJSON(w, http.StatusCreated, toAgentResponse(agent))
}

func (h *companyEndpoints) handleSetAvailability(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapCompanyServiceError(err)
	}

	var req dto.SetAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode availability request: %w", err),
		}
	}

	status := model.AvailabilityStatus(req.Status)
	err = h.pool.SetAvailability(r.Context(), identity.CompanyID, identity.AgentID, status)
	if err != nil {
		if errors.Is(err, assignment.ErrNotFound) {
			return &HTTPError{StatusCode: http.StatusNotFound, Message: "Agent not found", ErrorLog: err}
		}
		if !status.Valid() {
			return &HTTPError{
				StatusCode: http.StatusBadRequest,
				Message:    fmt.Sprintf("unknown availability status %q", req.Status),
				ErrorLog:   err,
			}
		}
		return &HTTPError{StatusCode: http.StatusInternalServerError, Message: "Internal server error", ErrorLog: err}
	}

	return WriteJSON(w, http.StatusOK, dto.AvailabilityResponse{
		AgentID: identity.AgentID,
		Status:  string(status),
	})
}

func (h *companyEndpoints) handleUsage(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapCompanyServiceError(err)
	}

	usage, err := h.service.Usage(r.Context(), identity)
	if err != nil {
		return mapCompanyServiceError(err)
	}

	return WriteJSON(w, http.StatusOK, dto.UsageResponse{
		CompanyID:   usage.CompanyID,
		PlanID:      usage.PlanID,
		Used:        usage.Used,
		Limit:       usage.Limit,
		Remaining:   usage.Remaining,
		ResetAt:     usage.ResetAt,
		WarnedAt80:  usage.WarnedAt80,
		BillingHold: usage.BillingHold,
	})
}

func (h *companyEndpoints) handleListPlans(w http.ResponseWriter, r *http.Request) error {
	plans, err := h.service.ListPlans(r.Context())
	if err != nil {
		return mapCompanyServiceError(err)
	}

	resp := dto.ListPlansResponse{Plans: make([]dto.PlanResponse, 0, len(plans))}
	for _, plan := range plans {
		resp.Plans = append(resp.Plans, dto.PlanResponse{
			PlanID:              plan.PlanID,
			Name:                plan.Name,
			AIResponsesPerMonth: plan.AIResponsesPerMonth,
			Features:            plan.Features,
			PriceCents:          plan.PriceCents,
		})
	}
	return WriteJSON(w, http.StatusOK, resp)
}

func (h *companyEndpoints) handleChangePlan(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapCompanyServiceError(err)
	}

	var req dto.ChangePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode change plan request: %w", err),
		}
	}

	if err := h.service.ChangePlan(r.Context(), identity, req.PlanID); err != nil {
		return mapCompanyServiceError(err)
	}

	return WriteJSON(w, http.StatusOK, ApiMessageResponse{Message: "Plan changed"})
}

func (h *companyEndpoints) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapCompanyServiceError(err)
	}

	apiKey, err := h.service.RotateAPIKey(r.Context(), identity)
	if err != nil {
		return mapCompanyServiceError(err)
	}

	return WriteJSON(w, http.StatusCreated, dto.RotateAPIKeyResponse{APIKey: apiKey})
}
