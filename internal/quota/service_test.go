package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"support-chat-backend/internal/model"
	"support-chat-backend/internal/notify"
)

type memoryRepository struct {
	mu        sync.Mutex
	companies map[string]model.CompanyItem
	plans     map[string]model.PlanItem
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		companies: make(map[string]model.CompanyItem),
		plans:     make(map[string]model.PlanItem),
	}
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

func (m *memoryRepository) ReserveAIResponse(ctx context.Context, companyID string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	company, ok := m.companies[companyID]
	if !ok {
		return 0, ErrNotFound
	}
	if limit >= 0 && company.AIResponsesThisMonth >= limit {
		return 0, ErrLimitReached
	}
	company.AIResponsesThisMonth++
	m.companies[companyID] = company
	return company.AIResponsesThisMonth, nil
}

func (m *memoryRepository) RollbackAIResponse(ctx context.Context, companyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	company, ok := m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	if company.AIResponsesThisMonth > 0 {
		company.AIResponsesThisMonth--
	}
	m.companies[companyID] = company
	return nil
}

func (m *memoryRepository) ResetUsage(ctx context.Context, companyID, expectedResetAt, newResetAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	company, ok := m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	if company.AIResponsesResetAt != expectedResetAt {
		return ErrStaleReset
	}
	company.AIResponsesThisMonth = 0
	company.UsageWarningSent = false
	company.AIResponsesResetAt = newResetAt
	m.companies[companyID] = company
	return nil
}

func (m *memoryRepository) MarkUsageWarningSent(ctx context.Context, companyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	company, ok := m.companies[companyID]
	if !ok {
		return ErrNotFound
	}
	if company.UsageWarningSent {
		return ErrAlreadyWarned
	}
	company.UsageWarningSent = true
	m.companies[companyID] = company
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(channel string, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) countByType(t notify.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, e := range p.events {
		if e.Type == t {
			count++
		}
	}
	return count
}

func seedCompany(repo *memoryRepository, companyID string, limit, used int, resetAt time.Time) {
	planID := "plan-" + companyID
	repo.plans[planID] = model.PlanItem{
		PlanID:              planID,
		AIResponsesPerMonth: limit,
	}
	repo.companies[companyID] = model.CompanyItem{
		CompanyID:            companyID,
		PlanID:               planID,
		BillingStatus:        model.BillingStatusActive,
		AIResponsesThisMonth: used,
		AIResponsesResetAt:   resetAt.Format(time.RFC3339),
	}
}

func TestReserveIncrementsCounter(t *testing.T) {
	repo := newMemoryRepository()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", 100, 0, now.AddDate(0, 1, 0))
	enforcer := NewWithRepository(repo, nil, 80, func() time.Time { return now })

	res, err := enforcer.Reserve(context.Background(), "company-1")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected reservation allowed, denied with %q", res.Reason)
	}
	if res.Remaining != 99 {
		t.Fatalf("expected 99 remaining, got %d", res.Remaining)
	}
	if repo.companies["company-1"].AIResponsesThisMonth != 1 {
		t.Fatalf("expected counter 1, got %d", repo.companies["company-1"].AIResponsesThisMonth)
	}
}

func TestReserveDeniesAtLimit(t *testing.T) {
	repo := newMemoryRepository()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", 100, 100, now.AddDate(0, 1, 0))
	enforcer := NewWithRepository(repo, nil, 80, func() time.Time { return now })

	res, err := enforcer.Reserve(context.Background(), "company-1")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected reservation denied at limit")
	}
	if res.Reason != DeniedQuotaExceeded {
		t.Fatalf("expected reason %q, got %q", DeniedQuotaExceeded, res.Reason)
	}
	if repo.companies["company-1"].AIResponsesThisMonth != 100 {
		t.Fatalf("counter moved past limit: %d", repo.companies["company-1"].AIResponsesThisMonth)
	}
}

func TestReserveUnlimitedPlan(t *testing.T) {
	repo := newMemoryRepository()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", model.PlanUnlimited, 5000, now.AddDate(0, 1, 0))
	enforcer := NewWithRepository(repo, nil, 80, func() time.Time { return now })

	res, err := enforcer.Reserve(context.Background(), "company-1")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected reservation allowed on unlimited plan")
	}
	if res.Remaining != -1 {
		t.Fatalf("expected unlimited remaining sentinel, got %d", res.Remaining)
	}
}

func TestConcurrentReserveNeverOvershoots(t *testing.T) {
	const limit = 10
	const attempts = 50

	repo := newMemoryRepository()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", limit, 0, now.AddDate(0, 1, 0))
	enforcer := NewWithRepository(repo, nil, 100, func() time.Time { return now })

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	denied := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := enforcer.Reserve(context.Background(), "company-1")
			if err != nil {
				t.Errorf("Reserve error: %v", err)
				return
			}
			mu.Lock()
			if res.Allowed {
				allowed++
			} else {
				denied++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("expected exactly %d allowed, got %d", limit, allowed)
	}
	if denied != attempts-limit {
		t.Fatalf("expected %d denied, got %d", attempts-limit, denied)
	}
	if got := repo.companies["company-1"].AIResponsesThisMonth; got != limit {
		t.Fatalf("counter overshot the limit: %d", got)
	}
}

func TestConcurrentReserveUnderLimitCountsExactly(t *testing.T) {
	const attempts = 20

	repo := newMemoryRepository()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", 100, 0, now.AddDate(0, 1, 0))
	enforcer := NewWithRepository(repo, nil, 100, func() time.Time { return now })

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := enforcer.Reserve(context.Background(), "company-1"); err != nil {
				t.Errorf("Reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := repo.companies["company-1"].AIResponsesThisMonth; got != attempts {
		t.Fatalf("expected counter %d, got %d", attempts, got)
	}
}

func TestResetIfExpired(t *testing.T) {
	repo := newMemoryRepository()
	resetAt := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", 100, 42, resetAt)
	repo.companies["company-1"] = withWarningSent(repo.companies["company-1"])

	before := resetAt.Add(-time.Hour)
	enforcer := NewWithRepository(repo, nil, 80, func() time.Time { return before })

	// Before the boundary: idempotent no-op.
	for i := 0; i < 3; i++ {
		if err := enforcer.ResetIfExpired(context.Background(), "company-1"); err != nil {
			t.Fatalf("ResetIfExpired error: %v", err)
		}
	}
	if got := repo.companies["company-1"].AIResponsesThisMonth; got != 42 {
		t.Fatalf("counter reset before boundary: %d", got)
	}

	// After the boundary: resets exactly once and clears the warning flag.
	after := resetAt.Add(time.Hour)
	enforcer = NewWithRepository(repo, nil, 80, func() time.Time { return after })
	if err := enforcer.ResetIfExpired(context.Background(), "company-1"); err != nil {
		t.Fatalf("ResetIfExpired error: %v", err)
	}

	company := repo.companies["company-1"]
	if company.AIResponsesThisMonth != 0 {
		t.Fatalf("expected counter 0 after reset, got %d", company.AIResponsesThisMonth)
	}
	if company.UsageWarningSent {
		t.Fatal("expected usage warning flag cleared on reset")
	}
	newReset := company.AIResponsesResetAt
	if parseTime(newReset).Before(after) {
		t.Fatalf("reset window did not advance past now: %s", newReset)
	}

	// A second call within the new window changes nothing.
	if err := enforcer.ResetIfExpired(context.Background(), "company-1"); err != nil {
		t.Fatalf("ResetIfExpired error: %v", err)
	}
	if repo.companies["company-1"].AIResponsesResetAt != newReset {
		t.Fatal("reset applied twice for one boundary")
	}
}

func TestUsageWarningFiresOnce(t *testing.T) {
	repo := newMemoryRepository()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", 10, 7, now.AddDate(0, 1, 0))
	publisher := &recordingPublisher{}
	enforcer := NewWithRepository(repo, publisher, 80, func() time.Time { return now })

	// 8th reservation crosses 80%.
	if _, err := enforcer.Reserve(context.Background(), "company-1"); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if got := publisher.countByType(notify.EventQuotaWarning); got != 1 {
		t.Fatalf("expected 1 quota warning, got %d", got)
	}

	// Further reservations inside the same period stay silent.
	enforcer.Reserve(context.Background(), "company-1")
	enforcer.Reserve(context.Background(), "company-1")
	if got := publisher.countByType(notify.EventQuotaWarning); got != 1 {
		t.Fatalf("warning emitted twice in one period: %d", got)
	}
}

func TestRollbackReturnsReservation(t *testing.T) {
	repo := newMemoryRepository()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", 10, 0, now.AddDate(0, 1, 0))
	enforcer := NewWithRepository(repo, nil, 80, func() time.Time { return now })

	if _, err := enforcer.Reserve(context.Background(), "company-1"); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := enforcer.Rollback(context.Background(), "company-1"); err != nil {
		t.Fatalf("Rollback error: %v", err)
	}
	if got := repo.companies["company-1"].AIResponsesThisMonth; got != 0 {
		t.Fatalf("expected counter back to 0, got %d", got)
	}

	// Rolling back at zero is a no-op, not an underflow.
	if err := enforcer.Rollback(context.Background(), "company-1"); err != nil {
		t.Fatalf("Rollback at zero error: %v", err)
	}
	if got := repo.companies["company-1"].AIResponsesThisMonth; got != 0 {
		t.Fatalf("counter went negative: %d", got)
	}
}

func TestReserveDeniedWhenBillingSuspended(t *testing.T) {
	repo := newMemoryRepository()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	seedCompany(repo, "company-1", 100, 0, now.AddDate(0, 1, 0))
	company := repo.companies["company-1"]
	company.BillingStatus = model.BillingStatusSuspended
	repo.companies["company-1"] = company

	enforcer := NewWithRepository(repo, nil, 80, func() time.Time { return now })

	res, err := enforcer.Reserve(context.Background(), "company-1")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected denial for suspended billing")
	}
	if res.Reason != DeniedBillingSuspended {
		t.Fatalf("expected reason %q, got %q", DeniedBillingSuspended, res.Reason)
	}
}

func withWarningSent(company model.CompanyItem) model.CompanyItem {
	company.UsageWarningSent = true
	return company
}
