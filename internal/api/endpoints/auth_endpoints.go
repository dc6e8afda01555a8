package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"support-chat-backend/internal/company"
	"support-chat-backend/internal/database"
	"support-chat-backend/internal/dto"
)

type AuthEndpoints interface {
	Register(http.ResponseWriter, *http.Request) error
	Login(http.ResponseWriter, *http.Request) error
	Refresh(http.ResponseWriter, *http.Request) error
}

type authEndpoints struct {
	service *company.Service
}

func NewAuthEndpoints(db *database.Database) AuthEndpoints {
	return &authEndpoints{
		service: company.New(db),
	}
}

func (h *authEndpoints) Register(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: h.handleRegister,
	})
}

func (h *authEndpoints) Login(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: h.handleLogin,
	})
}

func (h *authEndpoints) Refresh(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: h.handleRefresh,
	})
}

func (h *authEndpoints) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req dto.RegisterCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode register request: %w", err),
		}
	}

	result, err := h.service.RegisterCompany(r.Context(), company.RegisterCompanyParams{
		CompanyName:   req.CompanyName,
		PlanID:        req.PlanID,
		AdminName:     req.Name,
		AdminEmail:    req.Email,
		AdminPassword: req.Password,
	})
	if err != nil {
		return mapCompanyServiceError(err)
	}

	return WriteJSON(w, http.StatusCreated, dto.RegisterCompanyResponse{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		Company:      toCompanyResponse(result.Company),
		Agent:        toAgentResponse(result.Admin),
		APIKey:       result.APIKey,
	})
}

func (h *authEndpoints) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req dto.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode login request: %w", err),
		}
	}

	tokens, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		return mapCompanyServiceError(err)
	}

	return WriteJSON(w, http.StatusOK, dto.LoginResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	})
}

func (h *authEndpoints) handleRefresh(w http.ResponseWriter, r *http.Request) error {
	var req dto.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode refresh request: %w", err),
		}
	}

	token, err := h.service.Refresh(req.RefreshToken)
	if err != nil {
		return mapCompanyServiceError(err)
	}

	return WriteJSON(w, http.StatusOK, dto.RefreshResponse{AccessToken: token})
}
