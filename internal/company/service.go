// Package company manages tenant accounts: registration, plans, billing
// status, agent accounts and widget API keys.
package company

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"support-chat-backend/internal/database"
	internaljwt "support-chat-backend/internal/jwt"
	"support-chat-backend/internal/model"
	"support-chat-backend/utils"

	"github.com/google/uuid"
)

type ErrorCode string

const (
	ErrorCodeValidation   ErrorCode = "validation_error"
	ErrorCodeUnauthorized ErrorCode = "unauthorized"
	ErrorCodeForbidden    ErrorCode = "forbidden"
	ErrorCodeNotFound     ErrorCode = "not_found"
	ErrorCodeConflict     ErrorCode = "conflict"
	ErrorCodeInternal     ErrorCode = "internal_error"
)

type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

type Identity struct {
	AgentID   string
	CompanyID string
	Email     string
}

type RegisterCompanyParams struct {
	CompanyName   string
	PlanID        string
	AdminName     string
	AdminEmail    string
	AdminPassword string
}

type RegisterCompanyResult struct {
	Company model.CompanyItem
	Admin   model.AgentItem
	APIKey  string
	Tokens  internaljwt.TokenResponse
}

type AddAgentParams struct {
	Name     string
	Email    string
	Password string
	Role     string
}

type UsageResult struct {
	CompanyID   string
	PlanID      string
	Used        int
	Limit       int
	Remaining   int
	ResetAt     string
	WarnedAt80  bool
	BillingHold bool
}

type Service struct {
	repo Repository
	now  func() time.Time
}

var createTokenWithRefresh = internaljwt.CreateTokenWithRefresh

func SetTokenIssuer(issuer func(internaljwt.Agent, internaljwt.Role, int64) (internaljwt.TokenResponse, error)) {
	if issuer == nil {
		createTokenWithRefresh = internaljwt.CreateTokenWithRefresh
		return
	}
	createTokenWithRefresh = issuer
}

func New(db *database.Database) *Service {
	return &Service{
		repo: NewDynamoRepository(db),
		now:  time.Now,
	}
}

func NewWithRepository(repo Repository, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo: repo,
		now:  now,
	}
}

// RegisterCompany creates a company on a plan, its first admin agent and a
// widget API key, and signs the admin in.
func (s *Service) RegisterCompany(ctx context.Context, params RegisterCompanyParams) (RegisterCompanyResult, error) {
	name := strings.TrimSpace(params.CompanyName)
	email := normalizeEmail(params.AdminEmail)
	planID := strings.TrimSpace(params.PlanID)

	if name == "" {
		return RegisterCompanyResult{}, newError(ErrorCodeValidation, "company name is required", nil)
	}
	if !isValidEmail(email) {
		return RegisterCompanyResult{}, newError(ErrorCodeValidation, "a valid admin email is required", nil)
	}
	if len(params.AdminPassword) < 8 {
		return RegisterCompanyResult{}, newError(ErrorCodeValidation, "password must be at least 8 characters", nil)
	}
	if planID == "" {
		return RegisterCompanyResult{}, newError(ErrorCodeValidation, "planId is required", nil)
	}

	if _, err := s.repo.GetPlan(ctx, planID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return RegisterCompanyResult{}, newError(ErrorCodeNotFound, "plan not found", err)
		}
		return RegisterCompanyResult{}, newError(ErrorCodeInternal, "failed to load plan", err)
	}

	if _, err := s.repo.GetAgentByEmail(ctx, email); err == nil {
		return RegisterCompanyResult{}, newError(ErrorCodeConflict, "email already registered", nil)
	} else if !errors.Is(err, ErrNotFound) {
		return RegisterCompanyResult{}, newError(ErrorCodeInternal, "failed to check email", err)
	}

	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)
	companyID := uuid.NewString()

	company := model.CompanyItem{
		CompanyID:          companyID,
		Name:               name,
		PlanID:             planID,
		BillingStatus:      model.BillingStatusActive,
		AIResponsesResetAt: now.AddDate(0, 1, 0).Format(time.RFC3339),
		CreatedAt:          nowStr,
	}
	if err := s.repo.CreateCompany(ctx, company); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return RegisterCompanyResult{}, newError(ErrorCodeConflict, "company already exists", err)
		}
		return RegisterCompanyResult{}, newError(ErrorCodeInternal, "failed to create company", err)
	}

	hashed, err := internaljwt.NewAgent(internaljwt.RegisterAgent{
		Email:    email,
		Password: params.AdminPassword,
	})
	if err != nil {
		return RegisterCompanyResult{}, newError(ErrorCodeInternal, "failed to hash password", err)
	}

	agentID := uuid.NewString()
	admin := model.AgentItem{
		PK:                 model.CompanyScopedPK(companyID, agentID),
		CompanyID:          companyID,
		AgentID:            agentID,
		Email:              email,
		Name:               strings.TrimSpace(params.AdminName),
		Role:               string(model.RoleAdmin),
		AvailabilityStatus: string(model.AvailabilityOffline),
		PasswordHash:       hashed.PasswordHash,
		CreatedAt:          nowStr,
	}
	if err := s.repo.CreateAgent(ctx, admin); err != nil {
		return RegisterCompanyResult{}, newError(ErrorCodeInternal, "failed to create admin agent", err)
	}

	apiKey := utils.GenerateAPIKey()
	if err := s.repo.CreateAPIKey(ctx, model.CompanyAPIKeyItem{
		CompanyID: companyID,
		KeyID:     uuid.NewString(),
		APIKey:    apiKey,
		CreatedAt: nowStr,
	}); err != nil {
		return RegisterCompanyResult{}, newError(ErrorCodeInternal, "failed to create api key", err)
	}

	tokens, err := createTokenWithRefresh(internaljwt.Agent{
		Id:        agentID,
		Email:     email,
		CompanyID: companyID,
		Role:      admin.Role,
	}, internaljwt.RoleAgent, 0)
	if err != nil {
		return RegisterCompanyResult{}, newError(ErrorCodeInternal, "failed to issue tokens", err)
	}

	return RegisterCompanyResult{
		Company: company,
		Admin:   admin,
		APIKey:  apiKey,
		Tokens:  tokens,
	}, nil
}

// Login authenticates an agent by email and password.
func (s *Service) Login(ctx context.Context, email, password string) (internaljwt.TokenResponse, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return internaljwt.TokenResponse{}, newError(ErrorCodeValidation, "email and password are required", nil)
	}

	agent, err := s.repo.GetAgentByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return internaljwt.TokenResponse{}, newError(ErrorCodeUnauthorized, "invalid credentials", nil)
		}
		return internaljwt.TokenResponse{}, newError(ErrorCodeInternal, "failed to load agent", err)
	}

	if !internaljwt.ValidatePassword(agent.PasswordHash, password) {
		return internaljwt.TokenResponse{}, newError(ErrorCodeUnauthorized, "invalid credentials", nil)
	}

	tokens, err := createTokenWithRefresh(internaljwt.Agent{
		Id:        agent.AgentID,
		Email:     agent.Email,
		CompanyID: agent.CompanyID,
		Role:      agent.Role,
	}, internaljwt.RoleAgent, 0)
	if err != nil {
		return internaljwt.TokenResponse{}, newError(ErrorCodeInternal, "failed to issue tokens", err)
	}
	return tokens, nil
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(refreshToken string) (string, error) {
	token, err := internaljwt.RefreshToken(refreshToken, internaljwt.RoleAgent)
	if err != nil {
		return "", newError(ErrorCodeUnauthorized, "invalid refresh token", err)
	}
	return token, nil
}

// AddAgent creates a new agent account. Only admins may add agents.
func (s *Service) AddAgent(ctx context.Context, identity Identity, params AddAgentParams) (model.AgentItem, error) {
	if identity.AgentID == "" || identity.CompanyID == "" {
		return model.AgentItem{}, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}

	email := normalizeEmail(params.Email)
	if !isValidEmail(email) {
		return model.AgentItem{}, newError(ErrorCodeValidation, "a valid email is required", nil)
	}
	if len(params.Password) < 8 {
		return model.AgentItem{}, newError(ErrorCodeValidation, "password must be at least 8 characters", nil)
	}

	role, ok := model.ParseRole(params.Role)
	if !ok || role == model.RoleCustomer {
		return model.AgentItem{}, newError(ErrorCodeValidation, fmt.Sprintf("unknown role %q", params.Role), nil)
	}

	if err := s.requireManage(ctx, identity); err != nil {
		return model.AgentItem{}, err
	}

	if _, err := s.repo.GetAgentByEmail(ctx, email); err == nil {
		return model.AgentItem{}, newError(ErrorCodeConflict, "email already registered", nil)
	} else if !errors.Is(err, ErrNotFound) {
		return model.AgentItem{}, newError(ErrorCodeInternal, "failed to check email", err)
	}

	hashed, err := internaljwt.NewAgent(internaljwt.RegisterAgent{
		Email:    email,
		Password: params.Password,
	})
	if err != nil {
		return model.AgentItem{}, newError(ErrorCodeInternal, "failed to hash password", err)
	}

	nowStr := s.now().UTC().Format(time.RFC3339)
	agentID := uuid.NewString()
	agent := model.AgentItem{
		PK:                 model.CompanyScopedPK(identity.CompanyID, agentID),
		CompanyID:          identity.CompanyID,
		AgentID:            agentID,
		Email:              email,
		Name:               strings.TrimSpace(params.Name),
		Role:               string(role),
		AvailabilityStatus: string(model.AvailabilityOffline),
		PasswordHash:       hashed.PasswordHash,
		CreatedAt:          nowStr,
	}
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return model.AgentItem{}, newError(ErrorCodeConflict, "agent already exists", err)
		}
		return model.AgentItem{}, newError(ErrorCodeInternal, "failed to create agent", err)
	}
	return agent, nil
}

// ListAgents returns all agents of the caller's company.
func (s *Service) ListAgents(ctx context.Context, identity Identity) ([]model.AgentItem, error) {
	if identity.AgentID == "" || identity.CompanyID == "" {
		return nil, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}

	if _, err := s.repo.GetAgent(ctx, identity.CompanyID, identity.AgentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrorCodeUnauthorized, "agent not found", err)
		}
		return nil, newError(ErrorCodeInternal, "failed to verify agent", err)
	}

	agents, err := s.repo.ListAgents(ctx, identity.CompanyID)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "failed to list agents", err)
	}
	for i := range agents {
		agents[i].PasswordHash = ""
	}
	return agents, nil
}

// ResolveAPIKey returns the company a widget API key belongs to and records
// its use. Suspended companies stay resolvable; quota enforcement handles
// them downstream.
func (s *Service) ResolveAPIKey(ctx context.Context, apiKey string) (model.CompanyItem, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return model.CompanyItem{}, newError(ErrorCodeValidation, "api key is required", nil)
	}

	company, err := s.repo.GetCompanyByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.CompanyItem{}, newError(ErrorCodeNotFound, "unknown api key", err)
		}
		return model.CompanyItem{}, newError(ErrorCodeInternal, "failed to resolve api key", err)
	}

	if err := s.repo.TouchAPIKey(ctx, apiKey, s.now().UTC().Format(time.RFC3339)); err != nil {
		// Usage bookkeeping only; the lookup already succeeded.
		return company, nil
	}
	return company, nil
}

// Usage reports the company's AI response consumption for the current
// billing period.
func (s *Service) Usage(ctx context.Context, identity Identity) (UsageResult, error) {
	if identity.AgentID == "" || identity.CompanyID == "" {
		return UsageResult{}, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}

	if _, err := s.repo.GetAgent(ctx, identity.CompanyID, identity.AgentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return UsageResult{}, newError(ErrorCodeUnauthorized, "agent not found", err)
		}
		return UsageResult{}, newError(ErrorCodeInternal, "failed to verify agent", err)
	}

	company, err := s.repo.GetCompany(ctx, identity.CompanyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UsageResult{}, newError(ErrorCodeNotFound, "company not found", err)
		}
		return UsageResult{}, newError(ErrorCodeInternal, "failed to load company", err)
	}

	plan, err := s.repo.GetPlan(ctx, company.PlanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return UsageResult{}, newError(ErrorCodeNotFound, "plan not found", err)
		}
		return UsageResult{}, newError(ErrorCodeInternal, "failed to load plan", err)
	}

	remaining := -1
	if plan.AIResponsesPerMonth != model.PlanUnlimited {
		remaining = plan.AIResponsesPerMonth - company.AIResponsesThisMonth
		if remaining < 0 {
			remaining = 0
		}
	}

	return UsageResult{
		CompanyID:   company.CompanyID,
		PlanID:      company.PlanID,
		Used:        company.AIResponsesThisMonth,
		Limit:       plan.AIResponsesPerMonth,
		Remaining:   remaining,
		ResetAt:     company.AIResponsesResetAt,
		WarnedAt80:  company.UsageWarningSent,
		BillingHold: company.BillingStatus != model.BillingStatusActive,
	}, nil
}

// ChangePlan moves the company to another plan. Admin only; the new limit
// applies from the next reservation.
func (s *Service) ChangePlan(ctx context.Context, identity Identity, planID string) error {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return newError(ErrorCodeValidation, "planId is required", nil)
	}

	if err := s.requireManage(ctx, identity); err != nil {
		return err
	}

	if _, err := s.repo.GetPlan(ctx, planID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(ErrorCodeNotFound, "plan not found", err)
		}
		return newError(ErrorCodeInternal, "failed to load plan", err)
	}

	if err := s.repo.UpdateCompanyPlan(ctx, identity.CompanyID, planID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(ErrorCodeNotFound, "company not found", err)
		}
		return newError(ErrorCodeInternal, "failed to change plan", err)
	}
	return nil
}

// ListPlans returns all available plans.
func (s *Service) ListPlans(ctx context.Context) ([]model.PlanItem, error) {
	plans, err := s.repo.ListPlans(ctx)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "failed to list plans", err)
	}
	return plans, nil
}

// RotateAPIKey issues a fresh widget API key for the company. Old keys keep
// working until removed out of band.
func (s *Service) RotateAPIKey(ctx context.Context, identity Identity) (string, error) {
	if err := s.requireManage(ctx, identity); err != nil {
		return "", err
	}

	apiKey := utils.GenerateAPIKey()
	err := s.repo.CreateAPIKey(ctx, model.CompanyAPIKeyItem{
		CompanyID: identity.CompanyID,
		KeyID:     uuid.NewString(),
		APIKey:    apiKey,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", newError(ErrorCodeInternal, "failed to create api key", err)
	}
	return apiKey, nil
}

func (s *Service) IdentityFromAuthorizationHeader(header string) (Identity, error) {
	authHeader := strings.TrimSpace(header)
	if authHeader == "" {
		return Identity{}, newError(ErrorCodeUnauthorized, "missing authorization header", nil)
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Identity{}, newError(ErrorCodeUnauthorized, "invalid authorization header format", nil)
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims, err := internaljwt.ParseToken(token, internaljwt.RoleAgent)
	if err != nil {
		return Identity{}, newError(ErrorCodeUnauthorized, "invalid token", err)
	}

	agentID, _ := claims["id"].(string)
	email, _ := claims["email"].(string)
	companyID, _ := claims["companyId"].(string)
	if agentID == "" || companyID == "" {
		return Identity{}, newError(ErrorCodeUnauthorized, "token missing identifiers", nil)
	}

	return Identity{
		AgentID:   agentID,
		CompanyID: companyID,
		Email:     email,
	}, nil
}

func (s *Service) requireManage(ctx context.Context, identity Identity) error {
	if identity.AgentID == "" || identity.CompanyID == "" {
		return newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}

	agent, err := s.repo.GetAgent(ctx, identity.CompanyID, identity.AgentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return newError(ErrorCodeUnauthorized, "agent not found", err)
		}
		return newError(ErrorCodeInternal, "failed to verify agent", err)
	}

	role, ok := model.ParseRole(agent.Role)
	if !ok || !role.Can(model.CapabilityManageCompany) {
		return newError(ErrorCodeForbidden, "admin role required", nil)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	local, domain := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if local == "" || domain == "" {
		return false
	}
	return strings.Contains(domain, ".")
}
