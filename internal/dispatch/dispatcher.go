// Package dispatch routes incoming messages through the conversation state
// machine: customer messages either go to the AI provider, wake the available
// pool, or reach the participating agents, depending on where the
// conversation currently is.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"support-chat-backend/internal/ai"
	"support-chat-backend/internal/conversation"
	"support-chat-backend/internal/env"
	"support-chat-backend/internal/model"
	"support-chat-backend/internal/quota"
)

const (
	defaultAITimeoutSeconds = 15
	historyWindow           = 20
	defaultSystemPrompt     = "You are a helpful customer support assistant. Answer concisely " +
		"using only the conversation so far. If you cannot help, say so plainly."
)

// Conversations is the slice of the conversation service the dispatcher
// drives.
type Conversations interface {
	ValidateCustomerAccess(token string) (conversation.CustomerAccess, error)
	Lookup(ctx context.Context, companyID, conversationID string) (model.ConversationItem, error)
	Reopen(ctx context.Context, companyID, conversationID string) (model.ConversationItem, error)
	AppendMessage(ctx context.Context, params conversation.AppendMessageParams) (model.MessageItem, error)
	CommitAIResponse(ctx context.Context, companyID, conversationID string, epoch int, body string) (model.MessageItem, error)
	HandoffFromAI(ctx context.Context, companyID, conversationID, reason string, expectedEpoch int) error
	History(ctx context.Context, companyID, conversationID string, limit int) ([]model.MessageItem, error)
	AdvanceDelivery(ctx context.Context, companyID, conversationID, messageID string, status model.DeliveryStatus) error
}

// QuotaEnforcer reserves and returns AI response capacity.
type QuotaEnforcer interface {
	Reserve(ctx context.Context, companyID string) (quota.Reservation, error)
	Rollback(ctx context.Context, companyID string) error
}

type Dispatcher struct {
	convs        Conversations
	quota        QuotaEnforcer
	provider     ai.Provider
	aiTimeout    time.Duration
	systemPrompt string
	now          func() time.Time
}

func New(convs Conversations, enforcer QuotaEnforcer, provider ai.Provider) *Dispatcher {
	timeout := time.Duration(env.GetInt(env.AITimeoutSeconds, defaultAITimeoutSeconds)) * time.Second
	return NewWithOptions(convs, enforcer, provider, timeout, time.Now)
}

func NewWithOptions(convs Conversations, enforcer QuotaEnforcer, provider ai.Provider, aiTimeout time.Duration, now func() time.Time) *Dispatcher {
	if aiTimeout <= 0 {
		aiTimeout = defaultAITimeoutSeconds * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		convs:        convs,
		quota:        enforcer,
		provider:     provider,
		aiTimeout:    aiTimeout,
		systemPrompt: defaultSystemPrompt,
		now:          now,
	}
}

// CustomerMessageResult is what a widget message produced: the stored
// customer message, the AI reply when one was generated and accepted, and the
// conversation as it stands afterwards.
type CustomerMessageResult struct {
	Conversation model.ConversationItem
	Message      model.MessageItem
	AIMessage    *model.MessageItem
}

// HandleCustomerMessage stores the customer's message and routes it. A
// resolved conversation reopens first. In the ai state the dispatcher
// reserves quota, calls the provider under a deadline and commits the reply;
// any failure hands the conversation to the available pool with the matching
// reason.
func (d *Dispatcher) HandleCustomerMessage(ctx context.Context, token, body string) (CustomerMessageResult, error) {
	access, err := d.convs.ValidateCustomerAccess(token)
	if err != nil {
		return CustomerMessageResult{}, err
	}

	conv, err := d.convs.Lookup(ctx, access.CompanyID, access.ConversationID)
	if err != nil {
		return CustomerMessageResult{}, err
	}

	if conv.Status == model.ConversationStatusResolved {
		reopened, err := d.convs.Reopen(ctx, access.CompanyID, access.ConversationID)
		if err != nil {
			// Another message reopened it concurrently; continue with the
			// current state.
			var svcErr *conversation.Error
			if !errors.As(err, &svcErr) || svcErr.Code != conversation.ErrorCodeInvalidTransition {
				return CustomerMessageResult{}, err
			}
			reopened, err = d.convs.Lookup(ctx, access.CompanyID, access.ConversationID)
			if err != nil {
				return CustomerMessageResult{}, err
			}
		}
		conv = reopened
	}

	message, err := d.convs.AppendMessage(ctx, conversation.AppendMessageParams{
		CompanyID:      access.CompanyID,
		ConversationID: access.ConversationID,
		Sender:         model.SenderCustomer,
		SenderID:       access.CustomerID,
		Body:           body,
	})
	if err != nil {
		return CustomerMessageResult{}, err
	}

	result := CustomerMessageResult{Conversation: conv, Message: message}

	if conv.Status == model.ConversationStatusAI {
		aiMessage := d.dispatchAI(ctx, conv)
		if aiMessage != nil {
			result.AIMessage = aiMessage
		}
		// Re-read so callers see the post-dispatch status.
		if current, err := d.convs.Lookup(ctx, access.CompanyID, access.ConversationID); err == nil {
			result.Conversation = current
		}
	}

	return result, nil
}

// DispatchOpening runs the AI step for the customer message that opened a
// conversation. Open stores the message itself; only the dispatch remains.
// Returns the conversation as it stands afterwards and the AI reply, if one
// was generated and accepted.
func (d *Dispatcher) DispatchOpening(ctx context.Context, conv model.ConversationItem) (model.ConversationItem, *model.MessageItem) {
	if conv.Status != model.ConversationStatusAI {
		return conv, nil
	}

	aiMessage := d.dispatchAI(ctx, conv)
	if current, err := d.convs.Lookup(ctx, conv.CompanyID, conv.ConversationID); err == nil {
		conv = current
	}
	return conv, aiMessage
}

// RequestHuman hands an ai conversation to the available pool because the
// customer asked for a person. Outside the ai state there is nothing to hand
// off and the current conversation is returned unchanged.
func (d *Dispatcher) RequestHuman(ctx context.Context, token, conversationID string) (model.ConversationItem, error) {
	access, err := d.convs.ValidateCustomerAccess(token)
	if err != nil {
		return model.ConversationItem{}, err
	}
	if access.ConversationID != conversationID {
		return model.ConversationItem{}, &conversation.Error{
			Code:    conversation.ErrorCodeForbidden,
			Message: "token does not match conversation",
		}
	}

	conv, err := d.convs.Lookup(ctx, access.CompanyID, conversationID)
	if err != nil {
		return model.ConversationItem{}, err
	}

	if conv.Status == model.ConversationStatusAI {
		d.handoff(ctx, conv, model.HandoffReasonCustomerRequest, conv.AIEpoch)
		conv, err = d.convs.Lookup(ctx, access.CompanyID, conversationID)
		if err != nil {
			return model.ConversationItem{}, err
		}
	}
	return conv, nil
}

// dispatchAI runs the quota check, the provider call and the conditional
// commit for one customer message. It never fails the customer's request; all
// failure paths end in a handoff.
func (d *Dispatcher) dispatchAI(ctx context.Context, conv model.ConversationItem) *model.MessageItem {
	epoch := conv.AIEpoch

	reservation, err := d.quota.Reserve(ctx, conv.CompanyID)
	if err != nil {
		aiDispatchesTotal.WithLabelValues("reserve_error").Inc()
		d.handoff(ctx, conv, model.HandoffReasonAIError, epoch)
		return nil
	}
	if !reservation.Allowed {
		reason := model.HandoffReasonQuotaExceeded
		outcome := "denied_quota"
		if reservation.Reason == model.HandoffReasonBillingSuspended {
			reason = model.HandoffReasonBillingSuspended
			outcome = "denied_billing"
		}
		aiDispatchesTotal.WithLabelValues(outcome).Inc()
		d.handoff(ctx, conv, reason, epoch)
		return nil
	}

	response, err := d.generate(ctx, conv)
	if err != nil {
		// The reservation was taken but no answer reached the customer.
		if rbErr := d.quota.Rollback(ctx, conv.CompanyID); rbErr != nil {
			log.Printf("dispatch: rollback failed for %s: %v", conv.CompanyID, rbErr)
		}

		reason := model.HandoffReasonAIError
		outcome := "provider_error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = model.HandoffReasonAITimeout
			outcome = "provider_timeout"
		}
		aiDispatchesTotal.WithLabelValues(outcome).Inc()
		d.handoff(ctx, conv, reason, epoch)
		return nil
	}

	if strings.TrimSpace(response.Content) == "" {
		// The model produced nothing usable; a human should take over.
		if rbErr := d.quota.Rollback(ctx, conv.CompanyID); rbErr != nil {
			log.Printf("dispatch: rollback failed for %s: %v", conv.CompanyID, rbErr)
		}
		aiDispatchesTotal.WithLabelValues("low_confidence").Inc()
		d.handoff(ctx, conv, model.HandoffReasonLowConfidence, epoch)
		return nil
	}

	message, err := d.convs.CommitAIResponse(ctx, conv.CompanyID, conv.ConversationID, epoch, response.Content)
	if err != nil {
		// A human took over while the provider was generating. The response
		// is discarded; the reservation stands because the provider billed
		// the call.
		var svcErr *conversation.Error
		if errors.As(err, &svcErr) && svcErr.Code == conversation.ErrorCodeConflict {
			aiDispatchesTotal.WithLabelValues("stale_discarded").Inc()
			return nil
		}
		aiDispatchesTotal.WithLabelValues("commit_error").Inc()
		return nil
	}

	aiDispatchesTotal.WithLabelValues("answered").Inc()
	return &message
}

func (d *Dispatcher) generate(ctx context.Context, conv model.ConversationItem) (ai.GenerateResponse, error) {
	history, err := d.convs.History(ctx, conv.CompanyID, conv.ConversationID, historyWindow)
	if err != nil {
		return ai.GenerateResponse{}, err
	}

	messages := make([]ai.ChatMessage, 0, len(history)+1)
	messages = append(messages, ai.ChatMessage{Role: ai.RoleSystem, Content: d.systemPrompt})
	for _, m := range history {
		role := ai.RoleUser
		if m.Sender == string(model.SenderAI) || m.Sender == string(model.SenderAgent) {
			role = ai.RoleAssistant
		}
		messages = append(messages, ai.ChatMessage{Role: role, Content: m.Body})
	}

	genCtx, cancel := context.WithTimeout(ctx, d.aiTimeout)
	defer cancel()

	return d.provider.Generate(genCtx, ai.GenerateRequest{Messages: messages})
}

func (d *Dispatcher) handoff(ctx context.Context, conv model.ConversationItem, reason string, epoch int) {
	handoffsTotal.WithLabelValues(reason).Inc()
	if err := d.convs.HandoffFromAI(ctx, conv.CompanyID, conv.ConversationID, reason, epoch); err != nil {
		// The conversation already left the ai state; nothing to do.
		var svcErr *conversation.Error
		if errors.As(err, &svcErr) && svcErr.Code == conversation.ErrorCodeInvalidTransition {
			return
		}
		log.Printf("dispatch: handoff failed for %s/%s: %v", conv.CompanyID, conv.ConversationID, err)
	}
}

// HandleAgentMessage stores an agent reply after verifying the agent
// participates in the conversation.
func (d *Dispatcher) HandleAgentMessage(ctx context.Context, identity conversation.Identity, conversationID, body string) (model.MessageItem, error) {
	conv, err := d.convs.Lookup(ctx, identity.CompanyID, conversationID)
	if err != nil {
		return model.MessageItem{}, err
	}

	if conv.Status != model.ConversationStatusSupport {
		return model.MessageItem{}, &conversation.Error{
			Code:    conversation.ErrorCodeInvalidTransition,
			Message: fmt.Sprintf("cannot message a %s conversation", conv.Status),
		}
	}
	if !conv.HasParticipant(identity.AgentID) {
		return model.MessageItem{}, &conversation.Error{
			Code:    conversation.ErrorCodeForbidden,
			Message: "agent does not participate in conversation",
		}
	}

	return d.convs.AppendMessage(ctx, conversation.AppendMessageParams{
		CompanyID:      identity.CompanyID,
		ConversationID: conversationID,
		Sender:         model.SenderAgent,
		SenderID:       identity.AgentID,
		Body:           body,
	})
}

// AcknowledgeDelivery advances a message receipt on behalf of a widget
// customer.
func (d *Dispatcher) AcknowledgeDelivery(ctx context.Context, token, conversationID, messageID string, status model.DeliveryStatus) error {
	access, err := d.convs.ValidateCustomerAccess(token)
	if err != nil {
		return err
	}
	if access.ConversationID != conversationID {
		return &conversation.Error{
			Code:    conversation.ErrorCodeForbidden,
			Message: "token does not match conversation",
		}
	}
	return d.convs.AdvanceDelivery(ctx, access.CompanyID, conversationID, messageID, status)
}
