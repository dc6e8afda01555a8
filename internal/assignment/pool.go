// Package assignment tracks which human agents can pick up conversations:
// availability status, role capabilities and company membership.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"support-chat-backend/internal/database"
	"support-chat-backend/internal/model"
	"support-chat-backend/internal/notify"
)

var (
	// ErrNotEligible means the agent exists but cannot claim conversations:
	// wrong company, missing capability or offline.
	ErrNotEligible = errors.New("assignment: agent not eligible to claim")
)

type Pool struct {
	repo      Repository
	publisher notify.Publisher
	now       func() time.Time
}

func New(db *database.Database, publisher notify.Publisher) *Pool {
	return NewWithRepository(NewDynamoRepository(db), publisher, time.Now)
}

func NewWithRepository(repo Repository, publisher notify.Publisher, now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	return &Pool{repo: repo, publisher: publisher, now: now}
}

// SetAvailability updates the agent's status and broadcasts the change to the
// company channel so dashboards refresh without polling.
func (p *Pool) SetAvailability(ctx context.Context, companyID, agentID string, status model.AvailabilityStatus) error {
	if !status.Valid() {
		return fmt.Errorf("assignment: invalid availability status %q", status)
	}

	if err := p.repo.SetAvailability(ctx, companyID, agentID, status); err != nil {
		return fmt.Errorf("set availability for %s: %w", agentID, err)
	}

	notify.Emit(p.publisher, notify.CompanyChannel(companyID), notify.Event{
		Type:      notify.EventAvailability,
		CompanyID: companyID,
		AgentID:   agentID,
		Payload:   map[string]string{"status": string(status)},
		Timestamp: p.now().Unix(),
	})
	return nil
}

// Availability returns the agent's current status, defaulting unset records
// to offline.
func (p *Pool) Availability(ctx context.Context, companyID, agentID string) (model.AvailabilityStatus, error) {
	agent, err := p.repo.GetAgent(ctx, companyID, agentID)
	if err != nil {
		return "", fmt.Errorf("load agent %s: %w", agentID, err)
	}

	status := model.AvailabilityStatus(agent.AvailabilityStatus)
	if !status.Valid() {
		return model.AvailabilityOffline, nil
	}
	return status, nil
}

// CheckEligibleToClaim verifies company membership, the claim capability and
// that the agent is not offline. Customers hold no capabilities, so they can
// never pass this check.
func (p *Pool) CheckEligibleToClaim(ctx context.Context, companyID, agentID string) error {
	agent, err := p.repo.GetAgent(ctx, companyID, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotEligible
		}
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}

	if agent.CompanyID != companyID {
		return ErrNotEligible
	}

	role, ok := model.ParseRole(agent.Role)
	if !ok || !role.Can(model.CapabilityClaimConversations) {
		return ErrNotEligible
	}

	if model.AvailabilityStatus(agent.AvailabilityStatus) == model.AvailabilityOffline {
		return ErrNotEligible
	}
	return nil
}

// CheckCanView verifies the agent may read company conversations.
func (p *Pool) CheckCanView(ctx context.Context, companyID, agentID string) error {
	agent, err := p.repo.GetAgent(ctx, companyID, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotEligible
		}
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}

	role, ok := model.ParseRole(agent.Role)
	if !ok || !role.Can(model.CapabilityViewConversations) || agent.CompanyID != companyID {
		return ErrNotEligible
	}
	return nil
}

// AvailableAgents lists company agents whose status is available and who can
// claim. Used for roster views, not for routing decisions.
func (p *Pool) AvailableAgents(ctx context.Context, companyID string) ([]model.AgentItem, error) {
	agents, err := p.repo.ListAgents(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list agents for %s: %w", companyID, err)
	}

	available := make([]model.AgentItem, 0, len(agents))
	for _, agent := range agents {
		role, ok := model.ParseRole(agent.Role)
		if !ok || !role.Can(model.CapabilityClaimConversations) {
			continue
		}
		if model.AvailabilityStatus(agent.AvailabilityStatus) != model.AvailabilityAvailable {
			continue
		}
		available = append(available, agent)
	}
	return available, nil
}
