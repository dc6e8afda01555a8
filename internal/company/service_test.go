package company

import (
	"context"
	"sync"
	"testing"
	"time"

	internaljwt "support-chat-backend/internal/jwt"
	"support-chat-backend/internal/model"
)

type memoryRepository struct {
	mu        sync.Mutex
	companies map[string]model.CompanyItem
	plans     map[string]model.PlanItem
	agents    map[string]model.AgentItem
	keys      map[string]model.CompanyAPIKeyItem
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		companies: make(map[string]model.CompanyItem),
		plans:     make(map[string]model.PlanItem),
		agents:    make(map[string]model.AgentItem),
		keys:      make(map[string]model.CompanyAPIKeyItem),
	}
}

func (m *memoryRepository) CreateCompany(ctx context.Context, company model.CompanyItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[company.CompanyID]; ok {
		return ErrAlreadyExists
	}
	m.companies[company.CompanyID] = company
	return nil
}

func (m *memoryRepository) GetCompany(ctx context.Context, companyID string) (model.CompanyItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	company, ok := m.companies[companyID]
	if !ok {
		return model.CompanyItem{}, ErrNotFound
	}
	return company, nil
}

func (m *memoryRepository) GetPlan(ctx context.Context, planID string) (model.PlanItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[planID]
	if !ok {
		return model.PlanItem{}, ErrNotFound
	}
	return plan, nil
}

func (m *memoryRepository) ListPlans(ctx context.Context) ([]model.PlanItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var plans []model.PlanItem
	for _, plan := range m.plans {
		plans = append(plans, plan)
	}
	return plans, nil
}

func (m *memoryRepository) UpdateCompanyPlan(ctx context.Context, companyID, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	company, ok := m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	company.PlanID = planID
	m.companies[companyID] = company
	return nil
}

func (m *memoryRepository) UpdateBillingStatus(ctx context.Context, companyID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	company, ok := m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	company.BillingStatus = status
	m.companies[companyID] = company
	return nil
}

func (m *memoryRepository) CreateAgent(ctx context.Context, agent model.AgentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.PK]; ok {
		return ErrAlreadyExists
	}
	m.agents[agent.PK] = agent
	return nil
}

func (m *memoryRepository) GetAgent(ctx context.Context, companyID, agentID string) (model.AgentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[model.CompanyScopedPK(companyID, agentID)]
	if !ok {
		return model.AgentItem{}, ErrNotFound
	}
	return agent, nil
}

func (m *memoryRepository) GetAgentByEmail(ctx context.Context, email string) (model.AgentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, agent := range m.agents {
		if agent.Email == email {
			return agent, nil
		}
	}
	return model.AgentItem{}, ErrNotFound
}

func (m *memoryRepository) ListAgents(ctx context.Context, companyID string) ([]model.AgentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var agents []model.AgentItem
	for _, agent := range m.agents {
		if agent.CompanyID == companyID {
			agents = append(agents, agent)
		}
	}
	return agents, nil
}

func (m *memoryRepository) CreateAPIKey(ctx context.Context, key model.CompanyAPIKeyItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.APIKey] = key
	return nil
}

func (m *memoryRepository) GetCompanyByAPIKey(ctx context.Context, apiKey string) (model.CompanyItem, error) {
	m.mu.Lock()
	key, ok := m.keys[apiKey]
	m.mu.Unlock()
	if !ok {
		return model.CompanyItem{}, ErrNotFound
	}
	return m.GetCompany(ctx, key.CompanyID)
}

func (m *memoryRepository) TouchAPIKey(ctx context.Context, apiKey, lastUsedAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[apiKey]
	if !ok {
		return ErrNotFound
	}
	key.LastUsedAt = lastUsedAt
	m.keys[apiKey] = key
	return nil
}

func (m *memoryRepository) ListAPIKeys(ctx context.Context, companyID string) ([]model.CompanyAPIKeyItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []model.CompanyAPIKeyItem
	for _, key := range m.keys {
		if key.CompanyID == companyID {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func stubTokenIssuer(t *testing.T) {
	t.Helper()
	SetTokenIssuer(func(agent internaljwt.Agent, role internaljwt.Role, validUntil int64) (internaljwt.TokenResponse, error) {
		return internaljwt.TokenResponse{
			AccessToken:  "access-" + agent.Id,
			RefreshToken: "refresh-" + agent.Id,
		}, nil
	})
	t.Cleanup(func() { SetTokenIssuer(nil) })
}

func newTestService(repo *memoryRepository) *Service {
	now := func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }
	return NewWithRepository(repo, now)
}

func seedPlan(repo *memoryRepository, planID string, limit int) {
	repo.plans[planID] = model.PlanItem{
		PlanID:              planID,
		Name:                planID,
		AIResponsesPerMonth: limit,
	}
}

func errorCode(t *testing.T, err error) ErrorCode {
	t.Helper()
	svcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	return svcErr.Code
}

func TestRegisterCompanyCreatesAdminAndAPIKey(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "starter", 100)
	svc := newTestService(repo)

	result, err := svc.RegisterCompany(context.Background(), RegisterCompanyParams{
		CompanyName:   "Acme Support",
		PlanID:        "starter",
		AdminName:     "Alex",
		AdminEmail:    "Alex@Acme.test",
		AdminPassword: "correct horse battery",
	})
	if err != nil {
		t.Fatalf("RegisterCompany error: %v", err)
	}
	if result.Company.PlanID != "starter" {
		t.Fatalf("expected starter plan, got %q", result.Company.PlanID)
	}
	if result.Company.BillingStatus != model.BillingStatusActive {
		t.Fatalf("expected active billing, got %q", result.Company.BillingStatus)
	}
	if result.Admin.Role != string(model.RoleAdmin) {
		t.Fatalf("expected admin role, got %q", result.Admin.Role)
	}
	if result.Admin.Email != "alex@acme.test" {
		t.Fatalf("email not normalized: %q", result.Admin.Email)
	}
	if result.APIKey == "" {
		t.Fatal("expected an api key")
	}
	if result.Tokens.AccessToken == "" {
		t.Fatal("expected an access token")
	}

	company, err := svc.ResolveAPIKey(context.Background(), result.APIKey)
	if err != nil {
		t.Fatalf("ResolveAPIKey error: %v", err)
	}
	if company.CompanyID != result.Company.CompanyID {
		t.Fatalf("api key resolves to wrong company: %s", company.CompanyID)
	}
}

func TestRegisterCompanyRejectsDuplicateEmail(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "starter", 100)
	svc := newTestService(repo)

	params := RegisterCompanyParams{
		CompanyName:   "Acme",
		PlanID:        "starter",
		AdminEmail:    "alex@acme.test",
		AdminPassword: "password123",
	}
	if _, err := svc.RegisterCompany(context.Background(), params); err != nil {
		t.Fatalf("first RegisterCompany error: %v", err)
	}

	params.CompanyName = "Other"
	_, err := svc.RegisterCompany(context.Background(), params)
	if code := errorCode(t, err); code != ErrorCodeConflict {
		t.Fatalf("expected conflict, got %q", code)
	}
}

func TestLoginValidatesPassword(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "starter", 100)
	svc := newTestService(repo)

	if _, err := svc.RegisterCompany(context.Background(), RegisterCompanyParams{
		CompanyName:   "Acme",
		PlanID:        "starter",
		AdminEmail:    "alex@acme.test",
		AdminPassword: "password123",
	}); err != nil {
		t.Fatalf("RegisterCompany error: %v", err)
	}

	if _, err := svc.Login(context.Background(), "alex@acme.test", "password123"); err != nil {
		t.Fatalf("Login error: %v", err)
	}

	_, err := svc.Login(context.Background(), "alex@acme.test", "wrong")
	if code := errorCode(t, err); code != ErrorCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %q", code)
	}

	_, err = svc.Login(context.Background(), "nobody@acme.test", "password123")
	if code := errorCode(t, err); code != ErrorCodeUnauthorized {
		t.Fatalf("expected unauthorized for unknown email, got %q", code)
	}
}

func TestAddAgentRequiresAdmin(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "starter", 100)
	svc := newTestService(repo)

	result, err := svc.RegisterCompany(context.Background(), RegisterCompanyParams{
		CompanyName:   "Acme",
		PlanID:        "starter",
		AdminEmail:    "alex@acme.test",
		AdminPassword: "password123",
	})
	if err != nil {
		t.Fatalf("RegisterCompany error: %v", err)
	}

	adminIdentity := Identity{AgentID: result.Admin.AgentID, CompanyID: result.Company.CompanyID}
	agent, err := svc.AddAgent(context.Background(), adminIdentity, AddAgentParams{
		Name:     "Sam",
		Email:    "sam@acme.test",
		Password: "password123",
		Role:     string(model.RoleAgent),
	})
	if err != nil {
		t.Fatalf("AddAgent error: %v", err)
	}

	agentIdentity := Identity{AgentID: agent.AgentID, CompanyID: result.Company.CompanyID}
	_, err = svc.AddAgent(context.Background(), agentIdentity, AddAgentParams{
		Email:    "third@acme.test",
		Password: "password123",
		Role:     string(model.RoleAgent),
	})
	if code := errorCode(t, err); code != ErrorCodeForbidden {
		t.Fatalf("expected forbidden for non-admin, got %q", code)
	}
}

func TestAddAgentRejectsCustomerRole(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "starter", 100)
	svc := newTestService(repo)

	result, err := svc.RegisterCompany(context.Background(), RegisterCompanyParams{
		CompanyName:   "Acme",
		PlanID:        "starter",
		AdminEmail:    "alex@acme.test",
		AdminPassword: "password123",
	})
	if err != nil {
		t.Fatalf("RegisterCompany error: %v", err)
	}

	identity := Identity{AgentID: result.Admin.AgentID, CompanyID: result.Company.CompanyID}
	_, err = svc.AddAgent(context.Background(), identity, AddAgentParams{
		Email:    "ghost@acme.test",
		Password: "password123",
		Role:     string(model.RoleCustomer),
	})
	if code := errorCode(t, err); code != ErrorCodeValidation {
		t.Fatalf("expected validation error, got %q", code)
	}
}

func TestUsageReportsRemaining(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "starter", 100)
	svc := newTestService(repo)

	result, err := svc.RegisterCompany(context.Background(), RegisterCompanyParams{
		CompanyName:   "Acme",
		PlanID:        "starter",
		AdminEmail:    "alex@acme.test",
		AdminPassword: "password123",
	})
	if err != nil {
		t.Fatalf("RegisterCompany error: %v", err)
	}

	company := repo.companies[result.Company.CompanyID]
	company.AIResponsesThisMonth = 37
	repo.companies[result.Company.CompanyID] = company

	usage, err := svc.Usage(context.Background(), Identity{
		AgentID:   result.Admin.AgentID,
		CompanyID: result.Company.CompanyID,
	})
	if err != nil {
		t.Fatalf("Usage error: %v", err)
	}
	if usage.Used != 37 || usage.Limit != 100 || usage.Remaining != 63 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestUsageUnlimitedPlan(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "enterprise", model.PlanUnlimited)
	svc := newTestService(repo)

	result, err := svc.RegisterCompany(context.Background(), RegisterCompanyParams{
		CompanyName:   "Acme",
		PlanID:        "enterprise",
		AdminEmail:    "alex@acme.test",
		AdminPassword: "password123",
	})
	if err != nil {
		t.Fatalf("RegisterCompany error: %v", err)
	}

	usage, err := svc.Usage(context.Background(), Identity{
		AgentID:   result.Admin.AgentID,
		CompanyID: result.Company.CompanyID,
	})
	if err != nil {
		t.Fatalf("Usage error: %v", err)
	}
	if usage.Remaining != -1 {
		t.Fatalf("expected unlimited sentinel, got %d", usage.Remaining)
	}
}

func TestChangePlanValidatesPlan(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "starter", 100)
	seedPlan(repo, "growth", 1000)
	svc := newTestService(repo)

	result, err := svc.RegisterCompany(context.Background(), RegisterCompanyParams{
		CompanyName:   "Acme",
		PlanID:        "starter",
		AdminEmail:    "alex@acme.test",
		AdminPassword: "password123",
	})
	if err != nil {
		t.Fatalf("RegisterCompany error: %v", err)
	}

	identity := Identity{AgentID: result.Admin.AgentID, CompanyID: result.Company.CompanyID}
	if err := svc.ChangePlan(context.Background(), identity, "growth"); err != nil {
		t.Fatalf("ChangePlan error: %v", err)
	}
	if repo.companies[result.Company.CompanyID].PlanID != "growth" {
		t.Fatal("plan not updated")
	}

	err = svc.ChangePlan(context.Background(), identity, "nonexistent")
	if code := errorCode(t, err); code != ErrorCodeNotFound {
		t.Fatalf("expected not_found, got %q", code)
	}
}

func TestResolveAPIKeyUnknownKey(t *testing.T) {
	repo := newMemoryRepository()
	svc := newTestService(repo)

	_, err := svc.ResolveAPIKey(context.Background(), "sc_UNKNOWN")
	if code := errorCode(t, err); code != ErrorCodeNotFound {
		t.Fatalf("expected not_found, got %q", code)
	}
}

func TestListAgentsStripsPasswordHashes(t *testing.T) {
	stubTokenIssuer(t)
	repo := newMemoryRepository()
	seedPlan(repo, "starter", 100)
	svc := newTestService(repo)

	result, err := svc.RegisterCompany(context.Background(), RegisterCompanyParams{
		CompanyName:   "Acme",
		PlanID:        "starter",
		AdminEmail:    "alex@acme.test",
		AdminPassword: "password123",
	})
	if err != nil {
		t.Fatalf("RegisterCompany error: %v", err)
	}

	agents, err := svc.ListAgents(context.Background(), Identity{
		AgentID:   result.Admin.AgentID,
		CompanyID: result.Company.CompanyID,
	})
	if err != nil {
		t.Fatalf("ListAgents error: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected one agent, got %d", len(agents))
	}
	if agents[0].PasswordHash != "" {
		t.Fatal("password hash leaked in listing")
	}
}
