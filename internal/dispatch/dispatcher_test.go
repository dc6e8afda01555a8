package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"support-chat-backend/internal/ai"
	"support-chat-backend/internal/conversation"
	"support-chat-backend/internal/model"
	"support-chat-backend/internal/quota"

	"github.com/google/uuid"
)

type fakeConversations struct {
	mu            sync.Mutex
	tokens        map[string]conversation.CustomerAccess
	conversations map[string]model.ConversationItem
	messages      map[string][]model.MessageItem
	remaining     int
}

func newFakeConversations(remaining int) *fakeConversations {
	return &fakeConversations{
		tokens:        make(map[string]conversation.CustomerAccess),
		conversations: make(map[string]model.ConversationItem),
		messages:      make(map[string][]model.MessageItem),
		remaining:     remaining,
	}
}

func (f *fakeConversations) seed(conversationID string, status model.ConversationStatus, epoch int, participants ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := model.ConversationPK("company-1", conversationID)
	f.conversations[pk] = model.ConversationItem{
		PK:                  pk,
		ConversationID:      conversationID,
		CompanyID:           "company-1",
		CustomerID:          "customer-1",
		Status:              status,
		AIEpoch:             epoch,
		ParticipatingAgents: participants,
	}
	token := "token-" + conversationID
	f.tokens[token] = conversation.CustomerAccess{
		CompanyID:      "company-1",
		ConversationID: conversationID,
		CustomerID:     "customer-1",
	}
	return token
}

func (f *fakeConversations) setStatus(conversationID string, status model.ConversationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := model.ConversationPK("company-1", conversationID)
	conv := f.conversations[pk]
	conv.Status = status
	f.conversations[pk] = conv
}

func (f *fakeConversations) ValidateCustomerAccess(token string) (conversation.CustomerAccess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	access, ok := f.tokens[token]
	if !ok {
		return conversation.CustomerAccess{}, &conversation.Error{
			Code:    conversation.ErrorCodeUnauthorized,
			Message: "invalid customer token",
		}
	}
	return access, nil
}

func (f *fakeConversations) Lookup(ctx context.Context, companyID, conversationID string) (model.ConversationItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.conversations[model.ConversationPK(companyID, conversationID)]
	if !ok {
		return model.ConversationItem{}, &conversation.Error{
			Code:    conversation.ErrorCodeNotFound,
			Message: "conversation not found",
		}
	}
	return conv, nil
}

func (f *fakeConversations) Reopen(ctx context.Context, companyID, conversationID string) (model.ConversationItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := model.ConversationPK(companyID, conversationID)
	conv, ok := f.conversations[pk]
	if !ok || conv.Status != model.ConversationStatusResolved {
		return model.ConversationItem{}, &conversation.Error{
			Code:    conversation.ErrorCodeInvalidTransition,
			Message: "conversation is not resolved",
		}
	}
	if f.remaining == 0 {
		conv.Status = model.ConversationStatusAvailable
		conv.HandoffReason = model.HandoffReasonQuotaExceeded
	} else {
		conv.Status = model.ConversationStatusAI
		conv.AIEpoch++
	}
	f.conversations[pk] = conv
	return conv, nil
}

func (f *fakeConversations) AppendMessage(ctx context.Context, params conversation.AppendMessageParams) (model.MessageItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message := model.MessageItem{
		CompanyID:      params.CompanyID,
		ConversationID: params.ConversationID,
		MessageID:      uuid.NewString(),
		Sender:         string(params.Sender),
		SenderID:       params.SenderID,
		Body:           params.Body,
		DeliveryStatus: string(model.DeliverySent),
	}
	f.messages[params.ConversationID] = append(f.messages[params.ConversationID], message)
	return message, nil
}

func (f *fakeConversations) CommitAIResponse(ctx context.Context, companyID, conversationID string, epoch int, body string) (model.MessageItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := model.ConversationPK(companyID, conversationID)
	conv, ok := f.conversations[pk]
	if !ok || conv.Status != model.ConversationStatusAI || conv.AIEpoch != epoch {
		return model.MessageItem{}, &conversation.Error{
			Code:    conversation.ErrorCodeConflict,
			Message: "ai response superseded",
		}
	}
	message := model.MessageItem{
		CompanyID:      companyID,
		ConversationID: conversationID,
		MessageID:      uuid.NewString(),
		Sender:         string(model.SenderAI),
		SenderID:       "ai",
		Body:           body,
		DeliveryStatus: string(model.DeliverySent),
	}
	f.messages[conversationID] = append(f.messages[conversationID], message)
	return message, nil
}

func (f *fakeConversations) HandoffFromAI(ctx context.Context, companyID, conversationID, reason string, expectedEpoch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := model.ConversationPK(companyID, conversationID)
	conv, ok := f.conversations[pk]
	if !ok || conv.Status != model.ConversationStatusAI || conv.AIEpoch != expectedEpoch {
		return &conversation.Error{
			Code:    conversation.ErrorCodeInvalidTransition,
			Message: "conversation left the ai state",
		}
	}
	conv.Status = model.ConversationStatusAvailable
	conv.HandoffReason = reason
	f.conversations[pk] = conv
	return nil
}

func (f *fakeConversations) History(ctx context.Context, companyID, conversationID string, limit int) ([]model.MessageItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.messages[conversationID]
	out := make([]model.MessageItem, len(messages))
	copy(out, messages)
	return out, nil
}

func (f *fakeConversations) AdvanceDelivery(ctx context.Context, companyID, conversationID, messageID string, status model.DeliveryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.messages[conversationID]
	for i, message := range messages {
		if message.MessageID != messageID {
			continue
		}
		if model.DeliveryRank(status) > model.DeliveryRank(model.DeliveryStatus(message.DeliveryStatus)) {
			messages[i].DeliveryStatus = string(status)
		}
		return nil
	}
	return &conversation.Error{Code: conversation.ErrorCodeNotFound, Message: "message not found"}
}

func (f *fakeConversations) aiMessageCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, message := range f.messages[conversationID] {
		if message.Sender == string(model.SenderAI) {
			count++
		}
	}
	return count
}

func (f *fakeConversations) status(conversationID string) model.ConversationItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations[model.ConversationPK("company-1", conversationID)]
}

type fakeQuota struct {
	mu        sync.Mutex
	allowed   bool
	reason    string
	reserves  int
	rollbacks int
}

func (q *fakeQuota) Reserve(ctx context.Context, companyID string) (quota.Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserves++
	if !q.allowed {
		return quota.Reservation{Allowed: false, Reason: q.reason}, nil
	}
	return quota.Reservation{Allowed: true, Remaining: 10}, nil
}

func (q *fakeQuota) Rollback(ctx context.Context, companyID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollbacks++
	return nil
}

type fakeProvider struct {
	mu         sync.Mutex
	response   string
	err        error
	slow       bool
	onGenerate func()
	calls      int
}

func (p *fakeProvider) Generate(ctx context.Context, req ai.GenerateRequest) (ai.GenerateResponse, error) {
	p.mu.Lock()
	p.calls++
	hook := p.onGenerate
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if p.slow {
		<-ctx.Done()
		return ai.GenerateResponse{}, ctx.Err()
	}
	if p.err != nil {
		return ai.GenerateResponse{}, p.err
	}
	return ai.GenerateResponse{Content: p.response, Model: "fake"}, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestCustomerMessageGetsAIReply(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	enforcer := &fakeQuota{allowed: true}
	provider := &fakeProvider{response: "here is how you reset your password"}
	dispatcher := NewWithOptions(convs, enforcer, provider, time.Second, nil)

	result, err := dispatcher.HandleCustomerMessage(context.Background(), token, "how do I reset my password?")
	if err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}
	if result.AIMessage == nil {
		t.Fatal("expected an AI reply")
	}
	if result.AIMessage.Body != "here is how you reset your password" {
		t.Fatalf("unexpected reply body: %q", result.AIMessage.Body)
	}
	if result.Conversation.Status != model.ConversationStatusAI {
		t.Fatalf("conversation should stay in ai state, got %q", result.Conversation.Status)
	}
	if enforcer.reserves != 1 || enforcer.rollbacks != 0 {
		t.Fatalf("expected 1 reserve / 0 rollbacks, got %d / %d", enforcer.reserves, enforcer.rollbacks)
	}
}

func TestQuotaDeniedHandsOffWithoutProviderCall(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	enforcer := &fakeQuota{allowed: false, reason: model.HandoffReasonQuotaExceeded}
	provider := &fakeProvider{response: "never used"}
	dispatcher := NewWithOptions(convs, enforcer, provider, time.Second, nil)

	result, err := dispatcher.HandleCustomerMessage(context.Background(), token, "hello?")
	if err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}
	if result.AIMessage != nil {
		t.Fatal("expected no AI reply when quota is exhausted")
	}
	if provider.callCount() != 0 {
		t.Fatalf("provider called %d times despite denial", provider.callCount())
	}

	conv := convs.status("conv-1")
	if conv.Status != model.ConversationStatusAvailable {
		t.Fatalf("expected handoff to available, got %q", conv.Status)
	}
	if conv.HandoffReason != model.HandoffReasonQuotaExceeded {
		t.Fatalf("expected quota_exceeded reason, got %q", conv.HandoffReason)
	}
	// The customer message itself is kept.
	if len(convs.messages["conv-1"]) != 1 {
		t.Fatalf("expected the customer message stored, got %d messages", len(convs.messages["conv-1"]))
	}
}

func TestProviderTimeoutRollsBackAndHandsOff(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	enforcer := &fakeQuota{allowed: true}
	provider := &fakeProvider{slow: true}
	dispatcher := NewWithOptions(convs, enforcer, provider, 10*time.Millisecond, nil)

	result, err := dispatcher.HandleCustomerMessage(context.Background(), token, "anyone there?")
	if err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}
	if result.AIMessage != nil {
		t.Fatal("expected no AI reply on timeout")
	}
	if enforcer.rollbacks != 1 {
		t.Fatalf("expected 1 rollback, got %d", enforcer.rollbacks)
	}

	conv := convs.status("conv-1")
	if conv.Status != model.ConversationStatusAvailable {
		t.Fatalf("expected handoff to available, got %q", conv.Status)
	}
	if conv.HandoffReason != model.HandoffReasonAITimeout {
		t.Fatalf("expected ai_timeout reason, got %q", conv.HandoffReason)
	}
}

func TestProviderErrorRollsBackAndHandsOff(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	enforcer := &fakeQuota{allowed: true}
	provider := &fakeProvider{err: errors.New("upstream 500")}
	dispatcher := NewWithOptions(convs, enforcer, provider, time.Second, nil)

	result, err := dispatcher.HandleCustomerMessage(context.Background(), token, "help")
	if err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}
	if result.AIMessage != nil {
		t.Fatal("expected no AI reply on provider error")
	}
	if enforcer.rollbacks != 1 {
		t.Fatalf("expected 1 rollback, got %d", enforcer.rollbacks)
	}

	conv := convs.status("conv-1")
	if conv.HandoffReason != model.HandoffReasonAIError {
		t.Fatalf("expected ai_error reason, got %q", conv.HandoffReason)
	}
}

func TestStaleAIResponseIsDiscarded(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	enforcer := &fakeQuota{allowed: true}
	provider := &fakeProvider{response: "generated while agent claimed"}
	// An agent takes over while the provider is generating.
	provider.onGenerate = func() {
		convs.setStatus("conv-1", model.ConversationStatusSupport)
	}
	dispatcher := NewWithOptions(convs, enforcer, provider, time.Second, nil)

	result, err := dispatcher.HandleCustomerMessage(context.Background(), token, "hello")
	if err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}
	if result.AIMessage != nil {
		t.Fatal("stale AI reply must not surface")
	}
	if convs.aiMessageCount("conv-1") != 0 {
		t.Fatal("stale AI reply was stored")
	}
	// The provider answered and billed the call; the reservation stands.
	if enforcer.rollbacks != 0 {
		t.Fatalf("expected no rollback for a generated response, got %d", enforcer.rollbacks)
	}
}

func TestResolvedConversationReopensOnCustomerMessage(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusResolved, 2)
	enforcer := &fakeQuota{allowed: true}
	provider := &fakeProvider{response: "welcome back"}
	dispatcher := NewWithOptions(convs, enforcer, provider, time.Second, nil)

	result, err := dispatcher.HandleCustomerMessage(context.Background(), token, "one more thing")
	if err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}
	if result.AIMessage == nil {
		t.Fatal("expected an AI reply after reopen")
	}

	conv := convs.status("conv-1")
	if conv.Status != model.ConversationStatusAI {
		t.Fatalf("expected ai after reopen, got %q", conv.Status)
	}
	if conv.AIEpoch != 3 {
		t.Fatalf("expected epoch 3 after reopen, got %d", conv.AIEpoch)
	}
}

func TestReopenWithoutCapacityLandsInPool(t *testing.T) {
	convs := newFakeConversations(0)
	token := convs.seed("conv-1", model.ConversationStatusResolved, 2)
	enforcer := &fakeQuota{allowed: false, reason: model.HandoffReasonQuotaExceeded}
	provider := &fakeProvider{}
	dispatcher := NewWithOptions(convs, enforcer, provider, time.Second, nil)

	result, err := dispatcher.HandleCustomerMessage(context.Background(), token, "hello again")
	if err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}
	if result.AIMessage != nil {
		t.Fatal("expected no AI reply")
	}
	if provider.callCount() != 0 {
		t.Fatal("provider must not be called for a pool-bound reopen")
	}

	conv := convs.status("conv-1")
	if conv.Status != model.ConversationStatusAvailable {
		t.Fatalf("expected available, got %q", conv.Status)
	}
}

func TestOpeningMessageGetsAIReply(t *testing.T) {
	convs := newFakeConversations(10)
	convs.seed("conv-1", model.ConversationStatusAI, 1)
	enforcer := &fakeQuota{allowed: true}
	provider := &fakeProvider{response: "hello, how can I help?"}
	dispatcher := NewWithOptions(convs, enforcer, provider, time.Second, nil)

	conv, aiMessage := dispatcher.DispatchOpening(context.Background(), convs.status("conv-1"))
	if aiMessage == nil {
		t.Fatal("expected an AI reply for the opening message")
	}
	if aiMessage.Body != "hello, how can I help?" {
		t.Fatalf("unexpected reply body: %q", aiMessage.Body)
	}
	if conv.Status != model.ConversationStatusAI {
		t.Fatalf("conversation should stay in ai state, got %q", conv.Status)
	}
	if enforcer.reserves != 1 {
		t.Fatalf("expected 1 reserve, got %d", enforcer.reserves)
	}
}

func TestOpeningOutsideAIStateSkipsDispatch(t *testing.T) {
	convs := newFakeConversations(0)
	convs.seed("conv-1", model.ConversationStatusAvailable, 0)
	provider := &fakeProvider{response: "never used"}
	dispatcher := NewWithOptions(convs, &fakeQuota{allowed: false}, provider, time.Second, nil)

	conv, aiMessage := dispatcher.DispatchOpening(context.Background(), convs.status("conv-1"))
	if aiMessage != nil {
		t.Fatal("expected no AI reply for a pool-bound conversation")
	}
	if provider.callCount() != 0 {
		t.Fatal("provider must not be called outside the ai state")
	}
	if conv.Status != model.ConversationStatusAvailable {
		t.Fatalf("expected available, got %q", conv.Status)
	}
}

func TestCustomerRequestsHumanHandsOff(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	dispatcher := NewWithOptions(convs, &fakeQuota{allowed: true}, &fakeProvider{}, time.Second, nil)

	conv, err := dispatcher.RequestHuman(context.Background(), token, "conv-1")
	if err != nil {
		t.Fatalf("RequestHuman error: %v", err)
	}
	if conv.Status != model.ConversationStatusAvailable {
		t.Fatalf("expected available, got %q", conv.Status)
	}
	if conv.HandoffReason != model.HandoffReasonCustomerRequest {
		t.Fatalf("expected customer_request reason, got %q", conv.HandoffReason)
	}

	// Already with humans: nothing to hand off, no error.
	convs.setStatus("conv-1", model.ConversationStatusSupport)
	conv, err = dispatcher.RequestHuman(context.Background(), token, "conv-1")
	if err != nil {
		t.Fatalf("RequestHuman on support conversation: %v", err)
	}
	if conv.Status != model.ConversationStatusSupport {
		t.Fatalf("expected support unchanged, got %q", conv.Status)
	}

	if _, err := dispatcher.RequestHuman(context.Background(), token, "conv-other"); err == nil {
		t.Fatal("expected error for mismatched conversation")
	}
}

func TestBlankAIReplyHandsOffToHumans(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	enforcer := &fakeQuota{allowed: true}
	provider := &fakeProvider{response: "   "}
	dispatcher := NewWithOptions(convs, enforcer, provider, time.Second, nil)

	result, err := dispatcher.HandleCustomerMessage(context.Background(), token, "can you help?")
	if err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}
	if result.AIMessage != nil {
		t.Fatal("expected no AI reply for a blank generation")
	}
	if enforcer.rollbacks != 1 {
		t.Fatalf("expected 1 rollback, got %d", enforcer.rollbacks)
	}

	conv := convs.status("conv-1")
	if conv.Status != model.ConversationStatusAvailable {
		t.Fatalf("expected handoff to available, got %q", conv.Status)
	}
	if conv.HandoffReason != model.HandoffReasonLowConfidence {
		t.Fatalf("expected low_confidence reason, got %q", conv.HandoffReason)
	}
}

func TestBillingSuspendedDenialKeepsReason(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	enforcer := &fakeQuota{allowed: false, reason: model.HandoffReasonBillingSuspended}
	dispatcher := NewWithOptions(convs, enforcer, &fakeProvider{}, time.Second, nil)

	if _, err := dispatcher.HandleCustomerMessage(context.Background(), token, "hello?"); err != nil {
		t.Fatalf("HandleCustomerMessage error: %v", err)
	}

	conv := convs.status("conv-1")
	if conv.HandoffReason != model.HandoffReasonBillingSuspended {
		t.Fatalf("expected billing_suspended reason, got %q", conv.HandoffReason)
	}
}

func TestAgentMessageRequiresParticipation(t *testing.T) {
	convs := newFakeConversations(10)
	convs.seed("conv-1", model.ConversationStatusSupport, 1, "agent-1")
	dispatcher := NewWithOptions(convs, &fakeQuota{allowed: true}, &fakeProvider{}, time.Second, nil)

	_, err := dispatcher.HandleAgentMessage(context.Background(), conversation.Identity{
		AgentID:   "agent-2",
		CompanyID: "company-1",
	}, "conv-1", "let me help")
	var svcErr *conversation.Error
	if !errors.As(err, &svcErr) || svcErr.Code != conversation.ErrorCodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	message, err := dispatcher.HandleAgentMessage(context.Background(), conversation.Identity{
		AgentID:   "agent-1",
		CompanyID: "company-1",
	}, "conv-1", "let me help")
	if err != nil {
		t.Fatalf("HandleAgentMessage error: %v", err)
	}
	if message.Sender != string(model.SenderAgent) {
		t.Fatalf("expected agent sender, got %q", message.Sender)
	}
}

func TestAcknowledgeDeliveryValidatesToken(t *testing.T) {
	convs := newFakeConversations(10)
	token := convs.seed("conv-1", model.ConversationStatusAI, 1)
	convs.seed("conv-2", model.ConversationStatusAI, 1)
	convs.messages["conv-1"] = []model.MessageItem{{
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		DeliveryStatus: string(model.DeliverySent),
	}}
	dispatcher := NewWithOptions(convs, &fakeQuota{allowed: true}, &fakeProvider{}, time.Second, nil)

	if err := dispatcher.AcknowledgeDelivery(context.Background(), token, "conv-2", "msg-1", model.DeliverySeen); err == nil {
		t.Fatal("expected error for mismatched conversation")
	}

	if err := dispatcher.AcknowledgeDelivery(context.Background(), token, "conv-1", "msg-1", model.DeliverySeen); err != nil {
		t.Fatalf("AcknowledgeDelivery error: %v", err)
	}
	if got := convs.messages["conv-1"][0].DeliveryStatus; got != string(model.DeliverySeen) {
		t.Fatalf("expected seen, got %q", got)
	}
}
