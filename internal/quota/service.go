// Package quota enforces the per-company, per-billing-period cap on
// AI-generated responses. Reservation is a single serialized
// check-and-increment per company, so concurrent dispatches can never
// overshoot the plan limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"support-chat-backend/internal/database"
	"support-chat-backend/internal/env"
	"support-chat-backend/internal/model"
	"support-chat-backend/internal/notify"
)

const (
	DeniedQuotaExceeded    = model.HandoffReasonQuotaExceeded
	DeniedBillingSuspended = model.HandoffReasonBillingSuspended

	defaultWarnPercent = 80
)

// Reservation is the outcome of one reserve call. Remaining is -1 on
// unlimited plans.
type Reservation struct {
	Allowed   bool
	Remaining int
	Reason    string
}

type Enforcer struct {
	repo        Repository
	publisher   notify.Publisher
	warnPercent int
	now         func() time.Time
}

func New(db *database.Database, publisher notify.Publisher) *Enforcer {
	return NewWithRepository(
		NewDynamoRepository(db),
		publisher,
		env.GetInt(env.QuotaWarnPercent, defaultWarnPercent),
		time.Now,
	)
}

func NewWithRepository(repo Repository, publisher notify.Publisher, warnPercent int, now func() time.Time) *Enforcer {
	if warnPercent <= 0 || warnPercent > 100 {
		warnPercent = defaultWarnPercent
	}
	if now == nil {
		now = time.Now
	}
	return &Enforcer{
		repo:        repo,
		publisher:   publisher,
		warnPercent: warnPercent,
		now:         now,
	}
}

// Reserve grants or denies capacity for one AI response. On success the
// counter is already incremented; a failed provider call is returned to the
// pool with Rollback. The plan limit is re-read on every call so plan changes
// apply immediately.
func (e *Enforcer) Reserve(ctx context.Context, companyID string) (Reservation, error) {
	if err := e.ResetIfExpired(ctx, companyID); err != nil {
		return Reservation{}, err
	}

	company, err := e.repo.GetCompany(ctx, companyID)
	if err != nil {
		return Reservation{}, fmt.Errorf("load company %s: %w", companyID, err)
	}

	if company.BillingStatus == model.BillingStatusSuspended {
		reservationsTotal.WithLabelValues("denied_billing").Inc()
		return Reservation{Allowed: false, Reason: DeniedBillingSuspended}, nil
	}

	plan, err := e.repo.GetPlan(ctx, company.PlanID)
	if err != nil {
		return Reservation{}, fmt.Errorf("load plan %s: %w", company.PlanID, err)
	}

	limit := plan.AIResponsesPerMonth
	used, err := e.repo.ReserveAIResponse(ctx, companyID, limit)
	if err != nil {
		if errors.Is(err, ErrLimitReached) {
			reservationsTotal.WithLabelValues("denied_quota").Inc()
			return Reservation{Allowed: false, Reason: DeniedQuotaExceeded}, nil
		}
		return Reservation{}, fmt.Errorf("reserve ai response: %w", err)
	}

	reservationsTotal.WithLabelValues("allowed").Inc()

	if limit == model.PlanUnlimited {
		return Reservation{Allowed: true, Remaining: -1}, nil
	}

	e.maybeWarn(ctx, companyID, used, limit)

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Reservation{Allowed: true, Remaining: remaining}, nil
}

// Rollback returns one reserved response to the pool. Used when a reservation
// was taken but the provider call failed or timed out, so the customer never
// received an answer worth billing.
func (e *Enforcer) Rollback(ctx context.Context, companyID string) error {
	if err := e.repo.RollbackAIResponse(ctx, companyID); err != nil {
		return fmt.Errorf("rollback ai response: %w", err)
	}
	rollbacksTotal.Inc()
	return nil
}

// ResetIfExpired starts a fresh billing window once the current one has
// elapsed: counter to zero, warning flag cleared, window advanced by whole
// billing periods. No-op before the boundary; safe to race.
func (e *Enforcer) ResetIfExpired(ctx context.Context, companyID string) error {
	company, err := e.repo.GetCompany(ctx, companyID)
	if err != nil {
		return fmt.Errorf("load company %s: %w", companyID, err)
	}

	now := e.now().UTC()

	resetAt := parseTime(company.AIResponsesResetAt)
	if resetAt.IsZero() {
		newReset := now.AddDate(0, 1, 0)
		if err := e.repo.ResetUsage(ctx, companyID, "", newReset.Format(time.RFC3339)); err != nil && !errors.Is(err, ErrStaleReset) {
			return fmt.Errorf("initialise usage window: %w", err)
		}
		return nil
	}

	if now.Before(resetAt) {
		return nil
	}

	newReset := resetAt
	for !newReset.After(now) {
		newReset = newReset.AddDate(0, 1, 0)
	}

	err = e.repo.ResetUsage(ctx, companyID, company.AIResponsesResetAt, newReset.Format(time.RFC3339))
	if err != nil && !errors.Is(err, ErrStaleReset) {
		return fmt.Errorf("reset usage window: %w", err)
	}
	resetsTotal.Inc()
	return nil
}

// Remaining reports how many AI responses the company may still use this
// period (-1 for unlimited plans) without consuming any.
func (e *Enforcer) Remaining(ctx context.Context, companyID string) (int, error) {
	if err := e.ResetIfExpired(ctx, companyID); err != nil {
		return 0, err
	}

	company, err := e.repo.GetCompany(ctx, companyID)
	if err != nil {
		return 0, fmt.Errorf("load company %s: %w", companyID, err)
	}

	if company.BillingStatus == model.BillingStatusSuspended {
		return 0, nil
	}

	plan, err := e.repo.GetPlan(ctx, company.PlanID)
	if err != nil {
		return 0, fmt.Errorf("load plan %s: %w", company.PlanID, err)
	}

	if plan.AIResponsesPerMonth == model.PlanUnlimited {
		return -1, nil
	}

	remaining := plan.AIResponsesPerMonth - company.AIResponsesThisMonth
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// MaybeWarn re-evaluates the usage warning for a company against its current
// counter; used by callers outside the reserve path.
func (e *Enforcer) MaybeWarn(ctx context.Context, companyID string) error {
	company, err := e.repo.GetCompany(ctx, companyID)
	if err != nil {
		return fmt.Errorf("load company %s: %w", companyID, err)
	}
	plan, err := e.repo.GetPlan(ctx, company.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", company.PlanID, err)
	}
	e.maybeWarn(ctx, companyID, company.AIResponsesThisMonth, plan.AIResponsesPerMonth)
	return nil
}

// maybeWarn fires the usage warning exactly once per billing period when the
// counter crosses the configured fraction of the limit.
func (e *Enforcer) maybeWarn(ctx context.Context, companyID string, used, limit int) {
	if limit <= 0 {
		return
	}
	if used*100 < limit*e.warnPercent {
		return
	}

	err := e.repo.MarkUsageWarningSent(ctx, companyID)
	if errors.Is(err, ErrAlreadyWarned) {
		return
	}
	if err != nil {
		// The warning is best-effort; the reservation already succeeded.
		return
	}

	warningsTotal.Inc()
	notify.Emit(e.publisher, notify.CompanyChannel(companyID), notify.Event{
		Type:      notify.EventQuotaWarning,
		CompanyID: companyID,
		Payload: map[string]int{
			"used":  used,
			"limit": limit,
		},
		Timestamp: e.now().Unix(),
	})
}

func parseTime(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}
	}
	return t
}
