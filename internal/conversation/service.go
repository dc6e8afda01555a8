// Package conversation owns the lifecycle of a support conversation: the
// ai / available / support / resolved state machine, the participant set and
// the message log. Every transition is a single conditional write, so two
// racing actors can never both win.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"support-chat-backend/internal/database"
	internaljwt "support-chat-backend/internal/jwt"
	"support-chat-backend/internal/model"
	"support-chat-backend/internal/notify"

	"github.com/google/uuid"
)

type ErrorCode string

const (
	ErrorCodeValidation        ErrorCode = "validation_error"
	ErrorCodeUnauthorized      ErrorCode = "unauthorized"
	ErrorCodeForbidden         ErrorCode = "forbidden"
	ErrorCodeNotFound          ErrorCode = "not_found"
	ErrorCodeConflict          ErrorCode = "conflict"
	ErrorCodeClaimConflict     ErrorCode = "claim_conflict"
	ErrorCodeInvalidTransition ErrorCode = "invalid_transition"
	ErrorCodeInternal          ErrorCode = "internal_error"
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

// AgentDirectory answers eligibility questions about agents. Implemented by
// the assignment pool.
type AgentDirectory interface {
	CheckEligibleToClaim(ctx context.Context, companyID, agentID string) error
	CheckCanView(ctx context.Context, companyID, agentID string) error
}

// QuotaService reports remaining AI capacity without consuming it. Implemented
// by the quota enforcer.
type QuotaService interface {
	Remaining(ctx context.Context, companyID string) (int, error)
}

type OpenParams struct {
	CompanyID     string
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	Message       string
}

type OpenResult struct {
	Conversation  model.ConversationItem
	Message       model.MessageItem
	CustomerToken string
}

type AppendMessageParams struct {
	CompanyID      string
	ConversationID string
	Sender         model.SenderType
	SenderID       string
	Body           string
	AttachmentID   string
}

type CustomerAccess struct {
	CompanyID      string
	ConversationID string
	CustomerID     string
}

const releaseRetries = 3

type Service struct {
	repo      Repository
	agents    AgentDirectory
	quota     QuotaService
	publisher notify.Publisher
	now       func() time.Time
}

func New(db *database.Database, agents AgentDirectory, quota QuotaService, publisher notify.Publisher) *Service {
	return NewWithRepository(NewDynamoRepository(db), agents, quota, publisher, time.Now)
}

func NewWithRepository(repo Repository, agents AgentDirectory, quota QuotaService, publisher notify.Publisher, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      repo,
		agents:    agents,
		quota:     quota,
		publisher: publisher,
		now:       now,
	}
}

// Open starts a new conversation for a widget customer. With AI capacity left
// it opens in the ai state; an exhausted quota routes it straight to the
// available pool with the quota_exceeded reason.
func (s *Service) Open(ctx context.Context, params OpenParams) (OpenResult, error) {
	companyID := strings.TrimSpace(params.CompanyID)
	messageBody := strings.TrimSpace(params.Message)

	if companyID == "" {
		return OpenResult{}, newError(ErrorCodeValidation, "companyId is required", nil)
	}
	if messageBody == "" {
		return OpenResult{}, newError(ErrorCodeValidation, "message body is required", nil)
	}

	customerID := strings.TrimSpace(params.CustomerID)
	if customerID == "" {
		customerID = uuid.NewString()
	}

	remaining, err := s.quota.Remaining(ctx, companyID)
	if err != nil {
		return OpenResult{}, newError(ErrorCodeInternal, "failed to check ai capacity", err)
	}

	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)
	conversationID := uuid.NewString()

	conversation := model.ConversationItem{
		PK:              model.ConversationPK(companyID, conversationID),
		ConversationID:  conversationID,
		CompanyID:       companyID,
		CustomerID:      customerID,
		CustomerName:    strings.TrimSpace(params.CustomerName),
		CustomerEmail:   strings.ToLower(strings.TrimSpace(params.CustomerEmail)),
		Status:          model.ConversationStatusAI,
		AIEpoch:         1,
		LastMessageFrom: string(model.SenderCustomer),
		Unread:          true,
		CreatedAt:       nowStr,
		UpdatedAt:       nowStr,
		LastMessageAt:   nowStr,
	}
	if remaining == 0 {
		conversation.Status = model.ConversationStatusAvailable
		conversation.HandoffReason = model.HandoffReasonQuotaExceeded
		conversation.AIEpoch = 0
	}

	if err := s.repo.CreateConversation(ctx, conversation); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return OpenResult{}, newError(ErrorCodeConflict, "conversation already exists", err)
		}
		return OpenResult{}, newError(ErrorCodeInternal, "failed to create conversation", err)
	}
	transitionsTotal.WithLabelValues(string(conversation.Status)).Inc()

	messageID := uuid.NewString()
	message := model.MessageItem{
		PK:             model.MessagePK(conversationID, messageID),
		CompanyID:      companyID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Sender:         string(model.SenderCustomer),
		SenderID:       customerID,
		Body:           messageBody,
		DeliveryStatus: string(model.DeliverySent),
		CreatedAt:      nowStr,
	}
	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return OpenResult{}, newError(ErrorCodeInternal, "failed to store message", err)
	}

	token, err := signCustomerToken(customerTokenClaims{
		CompanyID:      companyID,
		ConversationID: conversationID,
		CustomerID:     customerID,
		IssuedAt:       now.Unix(),
		ExpiresAt:      now.Add(customerTokenTTL).Unix(),
	})
	if err != nil {
		return OpenResult{}, newError(ErrorCodeInternal, "failed to issue customer token", err)
	}

	if conversation.Status == model.ConversationStatusAvailable {
		s.emitHandoff(conversation, "")
	}
	notify.Emit(s.publisher, notify.ConversationChannel(companyID, conversationID), notify.Event{
		Type:           notify.EventMessage,
		CompanyID:      companyID,
		ConversationID: conversationID,
		Payload:        message,
		Timestamp:      now.Unix(),
	})

	return OpenResult{
		Conversation:  conversation,
		Message:       message,
		CustomerToken: token,
	}, nil
}

// Claim takes an available conversation for one agent. Exactly one of any
// number of concurrent claims wins; losers get a claim_conflict error naming
// the winner.
func (s *Service) Claim(ctx context.Context, identity Identity, conversationID string) (model.ConversationItem, error) {
	conversationID = strings.TrimSpace(conversationID)
	if identity.AgentID == "" || identity.CompanyID == "" {
		return model.ConversationItem{}, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}
	if conversationID == "" {
		return model.ConversationItem{}, newError(ErrorCodeValidation, "conversationId is required", nil)
	}

	if err := s.agents.CheckEligibleToClaim(ctx, identity.CompanyID, identity.AgentID); err != nil {
		return model.ConversationItem{}, newError(ErrorCodeForbidden, "agent cannot claim conversations", err)
	}

	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)

	conversation, err := s.repo.ClaimConversation(ctx, identity.CompanyID, conversationID, identity.AgentID, nowStr)
	if err == nil {
		claimsTotal.WithLabelValues("won").Inc()
		transitionsTotal.WithLabelValues(string(model.ConversationStatusSupport)).Inc()
		event := notify.Event{
			Type:           notify.EventClaim,
			CompanyID:      identity.CompanyID,
			ConversationID: conversationID,
			AgentID:        identity.AgentID,
			Timestamp:      now.Unix(),
		}
		notify.Emit(s.publisher, notify.ConversationChannel(identity.CompanyID, conversationID), event)
		notify.Emit(s.publisher, notify.CompanyChannel(identity.CompanyID), event)
		return conversation, nil
	}

	if !errors.Is(err, ErrWrongStatus) {
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to claim conversation", err)
	}

	// Lost the conditional write; find out to what.
	current, getErr := s.repo.GetConversation(ctx, identity.CompanyID, conversationID)
	if getErr != nil {
		if errors.Is(getErr, ErrNotFound) {
			return model.ConversationItem{}, newError(ErrorCodeNotFound, "conversation not found", getErr)
		}
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to fetch conversation", getErr)
	}

	if current.Status == model.ConversationStatusSupport {
		if current.HasParticipant(identity.AgentID) {
			// Our own earlier claim; treat as won.
			return current, nil
		}
		claimsTotal.WithLabelValues("conflict").Inc()
		notify.Emit(s.publisher, notify.CompanyChannel(identity.CompanyID), notify.Event{
			Type:           notify.EventClaimConflict,
			CompanyID:      identity.CompanyID,
			ConversationID: conversationID,
			AgentID:        identity.AgentID,
			Payload:        map[string][]string{"participants": current.ParticipatingAgents},
			Timestamp:      now.Unix(),
		})
		return model.ConversationItem{}, newError(ErrorCodeClaimConflict, "conversation already claimed", nil)
	}

	return model.ConversationItem{}, newError(ErrorCodeInvalidTransition,
		fmt.Sprintf("conversation is %s, not available", current.Status), nil)
}

// Join adds a second (or later) agent to a claimed conversation. Joining a
// conversation the agent already participates in is a no-op.
func (s *Service) Join(ctx context.Context, identity Identity, conversationID string) (model.ConversationItem, error) {
	conversationID = strings.TrimSpace(conversationID)
	if identity.AgentID == "" || identity.CompanyID == "" {
		return model.ConversationItem{}, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}
	if conversationID == "" {
		return model.ConversationItem{}, newError(ErrorCodeValidation, "conversationId is required", nil)
	}

	if err := s.agents.CheckEligibleToClaim(ctx, identity.CompanyID, identity.AgentID); err != nil {
		return model.ConversationItem{}, newError(ErrorCodeForbidden, "agent cannot join conversations", err)
	}

	nowStr := s.now().UTC().Format(time.RFC3339)

	err := s.repo.AddParticipant(ctx, identity.CompanyID, conversationID, identity.AgentID, nowStr)
	if err != nil {
		if errors.Is(err, ErrWrongStatus) {
			current, getErr := s.repo.GetConversation(ctx, identity.CompanyID, conversationID)
			if getErr != nil {
				if errors.Is(getErr, ErrNotFound) {
					return model.ConversationItem{}, newError(ErrorCodeNotFound, "conversation not found", getErr)
				}
				return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to fetch conversation", getErr)
			}
			return model.ConversationItem{}, newError(ErrorCodeInvalidTransition,
				fmt.Sprintf("cannot join a %s conversation", current.Status), nil)
		}
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to join conversation", err)
	}

	conversation, err := s.repo.GetConversation(ctx, identity.CompanyID, conversationID)
	if err != nil {
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to fetch conversation", err)
	}
	return conversation, nil
}

// Release removes the agent from the participant set. The last agent leaving
// returns the conversation to the available pool.
func (s *Service) Release(ctx context.Context, identity Identity, conversationID string) (model.ConversationItem, error) {
	conversationID = strings.TrimSpace(conversationID)
	if identity.AgentID == "" || identity.CompanyID == "" {
		return model.ConversationItem{}, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}
	if conversationID == "" {
		return model.ConversationItem{}, newError(ErrorCodeValidation, "conversationId is required", nil)
	}

	for attempt := 0; attempt < releaseRetries; attempt++ {
		conversation, err := s.repo.GetConversation(ctx, identity.CompanyID, conversationID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return model.ConversationItem{}, newError(ErrorCodeNotFound, "conversation not found", err)
			}
			return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to fetch conversation", err)
		}

		if conversation.Status != model.ConversationStatusSupport {
			return model.ConversationItem{}, newError(ErrorCodeInvalidTransition,
				fmt.Sprintf("cannot release a %s conversation", conversation.Status), nil)
		}
		if !conversation.HasParticipant(identity.AgentID) {
			return model.ConversationItem{}, newError(ErrorCodeForbidden, "agent does not participate in conversation", nil)
		}

		now := s.now().UTC()
		nowStr := now.Format(time.RFC3339)

		sole := len(conversation.ParticipatingAgents) == 1
		if sole {
			err = s.repo.ReleaseSoleParticipant(ctx, identity.CompanyID, conversationID, identity.AgentID, nowStr)
		} else {
			err = s.repo.RemoveParticipant(ctx, identity.CompanyID, conversationID, identity.AgentID, nowStr)
		}
		if errors.Is(err, ErrWrongStatus) {
			// Participant set changed between read and write; retry from a
			// fresh read.
			continue
		}
		if err != nil {
			return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to release conversation", err)
		}

		current, err := s.repo.GetConversation(ctx, identity.CompanyID, conversationID)
		if err != nil {
			return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to fetch conversation", err)
		}
		if sole {
			transitionsTotal.WithLabelValues(string(model.ConversationStatusAvailable)).Inc()
			s.emitHandoff(current, identity.AgentID)
		}
		return current, nil
	}

	return model.ConversationItem{}, newError(ErrorCodeConflict, "conversation changed concurrently, retry", nil)
}

// Resolve closes a conversation from any active status and clears its
// participants.
func (s *Service) Resolve(ctx context.Context, identity Identity, conversationID string) (model.ConversationItem, error) {
	conversationID = strings.TrimSpace(conversationID)
	if identity.AgentID == "" || identity.CompanyID == "" {
		return model.ConversationItem{}, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}
	if conversationID == "" {
		return model.ConversationItem{}, newError(ErrorCodeValidation, "conversationId is required", nil)
	}

	if err := s.agents.CheckEligibleToClaim(ctx, identity.CompanyID, identity.AgentID); err != nil {
		return model.ConversationItem{}, newError(ErrorCodeForbidden, "agent cannot resolve conversations", err)
	}

	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)

	err := s.repo.ResolveConversation(ctx, identity.CompanyID, conversationID, nowStr)
	if err != nil {
		if errors.Is(err, ErrWrongStatus) {
			if _, getErr := s.repo.GetConversation(ctx, identity.CompanyID, conversationID); errors.Is(getErr, ErrNotFound) {
				return model.ConversationItem{}, newError(ErrorCodeNotFound, "conversation not found", getErr)
			}
			return model.ConversationItem{}, newError(ErrorCodeInvalidTransition, "conversation already resolved", nil)
		}
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to resolve conversation", err)
	}

	transitionsTotal.WithLabelValues(string(model.ConversationStatusResolved)).Inc()
	notify.Emit(s.publisher, notify.ConversationChannel(identity.CompanyID, conversationID), notify.Event{
		Type:           notify.EventResolve,
		CompanyID:      identity.CompanyID,
		ConversationID: conversationID,
		AgentID:        identity.AgentID,
		Timestamp:      now.Unix(),
	})

	conversation, err := s.repo.GetConversation(ctx, identity.CompanyID, conversationID)
	if err != nil {
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to fetch conversation", err)
	}
	return conversation, nil
}

// HandoffFromAI moves an ai conversation to the available pool with a reason.
// The epoch condition makes stale handoffs from abandoned dispatches no-ops.
func (s *Service) HandoffFromAI(ctx context.Context, companyID, conversationID, reason string, expectedEpoch int) error {
	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)

	err := s.repo.HandoffToAvailable(ctx, companyID, conversationID, reason, expectedEpoch, nowStr)
	if err != nil {
		if errors.Is(err, ErrWrongStatus) {
			return newError(ErrorCodeInvalidTransition, "conversation left the ai state", err)
		}
		return newError(ErrorCodeInternal, "failed to hand off conversation", err)
	}

	transitionsTotal.WithLabelValues(string(model.ConversationStatusAvailable)).Inc()
	conversation := model.ConversationItem{
		CompanyID:      companyID,
		ConversationID: conversationID,
		HandoffReason:  reason,
	}
	s.emitHandoff(conversation, "")
	return nil
}

// Reopen brings a resolved conversation back on new customer activity. The
// target state depends on remaining AI capacity, mirroring Open.
func (s *Service) Reopen(ctx context.Context, companyID, conversationID string) (model.ConversationItem, error) {
	remaining, err := s.quota.Remaining(ctx, companyID)
	if err != nil {
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to check ai capacity", err)
	}

	target := model.ConversationStatusAI
	reason := ""
	if remaining == 0 {
		target = model.ConversationStatusAvailable
		reason = model.HandoffReasonQuotaExceeded
	}

	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)

	conversation, err := s.repo.ReopenConversation(ctx, companyID, conversationID, target, reason, nowStr)
	if err != nil {
		if errors.Is(err, ErrWrongStatus) {
			return model.ConversationItem{}, newError(ErrorCodeInvalidTransition, "conversation is not resolved", err)
		}
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to reopen conversation", err)
	}

	transitionsTotal.WithLabelValues(string(target)).Inc()
	notify.Emit(s.publisher, notify.CompanyChannel(companyID), notify.Event{
		Type:           notify.EventReopen,
		CompanyID:      companyID,
		ConversationID: conversationID,
		Reason:         reason,
		Timestamp:      now.Unix(),
	})
	if target == model.ConversationStatusAvailable {
		s.emitHandoff(conversation, "")
	}
	return conversation, nil
}

// Lookup loads a conversation without an access check. For server-internal
// callers that already authenticated the request, like the dispatcher.
func (s *Service) Lookup(ctx context.Context, companyID, conversationID string) (model.ConversationItem, error) {
	conversation, err := s.repo.GetConversation(ctx, companyID, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.ConversationItem{}, newError(ErrorCodeNotFound, "conversation not found", err)
		}
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to fetch conversation", err)
	}
	return conversation, nil
}

// History returns recent messages oldest-first without an access check. Used
// to build the AI context window.
func (s *Service) History(ctx context.Context, companyID, conversationID string, limit int) ([]model.MessageItem, error) {
	messages, err := s.repo.ListMessages(ctx, companyID, conversationID, limit)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "failed to list messages", err)
	}
	return messages, nil
}

// Get loads one conversation for an agent with view access.
func (s *Service) Get(ctx context.Context, identity Identity, conversationID string) (model.ConversationItem, error) {
	conversationID = strings.TrimSpace(conversationID)
	if identity.AgentID == "" || identity.CompanyID == "" {
		return model.ConversationItem{}, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}
	if conversationID == "" {
		return model.ConversationItem{}, newError(ErrorCodeValidation, "conversationId is required", nil)
	}

	if err := s.agents.CheckCanView(ctx, identity.CompanyID, identity.AgentID); err != nil {
		return model.ConversationItem{}, newError(ErrorCodeForbidden, "agent cannot view conversations", err)
	}

	conversation, err := s.repo.GetConversation(ctx, identity.CompanyID, conversationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.ConversationItem{}, newError(ErrorCodeNotFound, "conversation not found", err)
		}
		return model.ConversationItem{}, newError(ErrorCodeInternal, "failed to fetch conversation", err)
	}
	return conversation, nil
}

// List returns company conversations newest-first, optionally filtered by
// status.
func (s *Service) List(ctx context.Context, identity Identity, status model.ConversationStatus, limit int) ([]model.ConversationItem, error) {
	if identity.AgentID == "" || identity.CompanyID == "" {
		return nil, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}
	if status != "" && !status.Valid() {
		return nil, newError(ErrorCodeValidation, fmt.Sprintf("unknown status %q", status), nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	if err := s.agents.CheckCanView(ctx, identity.CompanyID, identity.AgentID); err != nil {
		return nil, newError(ErrorCodeForbidden, "agent cannot view conversations", err)
	}

	conversations, err := s.repo.ListConversations(ctx, identity.CompanyID, status, limit)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "failed to list conversations", err)
	}
	return conversations, nil
}

// AppendMessage stores a customer or agent message and updates conversation
// activity. AI messages go through CommitAIResponse instead.
func (s *Service) AppendMessage(ctx context.Context, params AppendMessageParams) (model.MessageItem, error) {
	body := strings.TrimSpace(params.Body)
	if body == "" {
		return model.MessageItem{}, newError(ErrorCodeValidation, "message body is required", nil)
	}
	if params.Sender != model.SenderCustomer && params.Sender != model.SenderAgent {
		return model.MessageItem{}, newError(ErrorCodeValidation, fmt.Sprintf("unknown sender %q", params.Sender), nil)
	}

	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)

	messageID := uuid.NewString()
	message := model.MessageItem{
		PK:             model.MessagePK(params.ConversationID, messageID),
		CompanyID:      params.CompanyID,
		ConversationID: params.ConversationID,
		MessageID:      messageID,
		Sender:         string(params.Sender),
		SenderID:       params.SenderID,
		Body:           body,
		AttachmentID:   params.AttachmentID,
		DeliveryStatus: string(model.DeliverySent),
		CreatedAt:      nowStr,
	}
	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return model.MessageItem{}, newError(ErrorCodeInternal, "failed to store message", err)
	}

	unread := params.Sender == model.SenderCustomer
	if err := s.repo.TouchConversation(ctx, params.CompanyID, params.ConversationID, string(params.Sender), nowStr, unread); err != nil {
		return model.MessageItem{}, newError(ErrorCodeInternal, "failed to update conversation", err)
	}

	notify.Emit(s.publisher, notify.ConversationChannel(params.CompanyID, params.ConversationID), notify.Event{
		Type:           notify.EventMessage,
		CompanyID:      params.CompanyID,
		ConversationID: params.ConversationID,
		Payload:        message,
		Timestamp:      now.Unix(),
	})
	return message, nil
}

// CommitAIResponse records an AI-generated reply, conditioned on the
// conversation still being in the ai state under the epoch the generation
// started from. A lost condition means a human took over meanwhile; the
// response is discarded, never shown.
func (s *Service) CommitAIResponse(ctx context.Context, companyID, conversationID string, epoch int, body string) (model.MessageItem, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return model.MessageItem{}, newError(ErrorCodeValidation, "response body is required", nil)
	}

	now := s.now().UTC()
	nowStr := now.Format(time.RFC3339)

	messageID := uuid.NewString()
	message := model.MessageItem{
		PK:             model.MessagePK(conversationID, messageID),
		CompanyID:      companyID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Sender:         string(model.SenderAI),
		SenderID:       "ai",
		Body:           body,
		DeliveryStatus: string(model.DeliverySent),
		CreatedAt:      nowStr,
	}

	if err := s.repo.CommitAIMessage(ctx, message, epoch); err != nil {
		if errors.Is(err, ErrStaleAIResponse) {
			staleAIResponsesTotal.Inc()
			return model.MessageItem{}, newError(ErrorCodeConflict, "ai response superseded", err)
		}
		return model.MessageItem{}, newError(ErrorCodeInternal, "failed to store ai response", err)
	}

	notify.Emit(s.publisher, notify.ConversationChannel(companyID, conversationID), notify.Event{
		Type:           notify.EventMessage,
		CompanyID:      companyID,
		ConversationID: conversationID,
		Payload:        message,
		Timestamp:      now.Unix(),
	})
	return message, nil
}

// ListCustomerMessages returns the message log for a widget customer holding
// a valid token for the conversation.
func (s *Service) ListCustomerMessages(ctx context.Context, token, conversationID string, limit int) ([]model.MessageItem, error) {
	access, err := s.ValidateCustomerAccess(token)
	if err != nil {
		return nil, err
	}
	if access.ConversationID != strings.TrimSpace(conversationID) {
		return nil, newError(ErrorCodeForbidden, "token does not match conversation", nil)
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	messages, err := s.repo.ListMessages(ctx, access.CompanyID, access.ConversationID, limit)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "failed to list messages", err)
	}
	return messages, nil
}

// ListMessages returns the message log for an agent with view access.
func (s *Service) ListMessages(ctx context.Context, identity Identity, conversationID string, limit int) ([]model.MessageItem, error) {
	conversationID = strings.TrimSpace(conversationID)
	if identity.AgentID == "" || identity.CompanyID == "" {
		return nil, newError(ErrorCodeUnauthorized, "invalid agent identity", nil)
	}
	if conversationID == "" {
		return nil, newError(ErrorCodeValidation, "conversationId is required", nil)
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	if err := s.agents.CheckCanView(ctx, identity.CompanyID, identity.AgentID); err != nil {
		return nil, newError(ErrorCodeForbidden, "agent cannot view conversations", err)
	}

	if _, err := s.repo.GetConversation(ctx, identity.CompanyID, conversationID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrorCodeNotFound, "conversation not found", err)
		}
		return nil, newError(ErrorCodeInternal, "failed to fetch conversation", err)
	}

	messages, err := s.repo.ListMessages(ctx, identity.CompanyID, conversationID, limit)
	if err != nil {
		return nil, newError(ErrorCodeInternal, "failed to list messages", err)
	}
	return messages, nil
}

// AdvanceDelivery moves a message receipt forward. Attempts that would move
// it backwards are ignored, so duplicate and out-of-order acknowledgements
// are harmless.
func (s *Service) AdvanceDelivery(ctx context.Context, companyID, conversationID, messageID string, status model.DeliveryStatus) error {
	if model.DeliveryRank(status) == 0 {
		return newError(ErrorCodeValidation, fmt.Sprintf("unknown delivery status %q", status), nil)
	}

	err := s.repo.AdvanceMessageDelivery(ctx, conversationID, messageID, status)
	if errors.Is(err, ErrDeliveryRegression) {
		return nil
	}
	if err != nil {
		return newError(ErrorCodeInternal, "failed to update delivery status", err)
	}

	notify.Emit(s.publisher, notify.ConversationChannel(companyID, conversationID), notify.Event{
		Type:           notify.EventDelivery,
		CompanyID:      companyID,
		ConversationID: conversationID,
		Payload: map[string]string{
			"messageId": messageID,
			"status":    string(status),
		},
		Timestamp: s.now().Unix(),
	})
	return nil
}

// ValidateCustomerAccess verifies a widget token and returns what it grants.
func (s *Service) ValidateCustomerAccess(token string) (CustomerAccess, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return CustomerAccess{}, newError(ErrorCodeUnauthorized, "customer token required", nil)
	}

	claims, err := verifyCustomerToken(token, s.now)
	if err != nil {
		return CustomerAccess{}, newError(ErrorCodeUnauthorized, "invalid customer token", err)
	}

	return CustomerAccess{
		CompanyID:      claims.CompanyID,
		ConversationID: claims.ConversationID,
		CustomerID:     claims.CustomerID,
	}, nil
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
	return s.identityFromToken(token)
}

func (s *Service) IdentityFromToken(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, newError(ErrorCodeUnauthorized, "empty token", nil)
	}
	return s.identityFromToken(token)
}

func (s *Service) identityFromToken(token string) (Identity, error) {
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

func (s *Service) emitHandoff(conversation model.ConversationItem, agentID string) {
	notify.Emit(s.publisher, notify.CompanyChannel(conversation.CompanyID), notify.Event{
		Type:           notify.EventHandoff,
		CompanyID:      conversation.CompanyID,
		ConversationID: conversation.ConversationID,
		AgentID:        agentID,
		Reason:         conversation.HandoffReason,
		Timestamp:      s.now().Unix(),
	})
}
