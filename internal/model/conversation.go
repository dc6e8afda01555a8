package model

import "fmt"

type ConversationStatus string

const (
	// ConversationStatusAI means the AI agent currently owns the conversation.
	ConversationStatusAI ConversationStatus = "ai"
	// ConversationStatusAvailable means no one owns the conversation and any
	// eligible agent may claim it.
	ConversationStatusAvailable ConversationStatus = "available"
	// ConversationStatusSupport means one or more human agents participate.
	ConversationStatusSupport ConversationStatus = "support"
	// ConversationStatusResolved is terminal until new customer activity.
	ConversationStatusResolved ConversationStatus = "resolved"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationStatusAI, ConversationStatusAvailable, ConversationStatusSupport, ConversationStatusResolved:
		return true
	}
	return false
}

type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderAI       SenderType = "ai"
)

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliverySeen      DeliveryStatus = "seen"
)

// DeliveryRank orders delivery statuses so the progression sent -> delivered
// -> seen can be enforced to never regress.
func DeliveryRank(s DeliveryStatus) int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliverySeen:
		return 3
	}
	return 0
}

// Handoff reasons recorded when a conversation moves to the available pool.
const (
	HandoffReasonQuotaExceeded    = "quota_exceeded"
	HandoffReasonBillingSuspended = "billing_suspended"
	HandoffReasonAIError          = "ai_error"
	HandoffReasonAITimeout        = "ai_timeout"
	HandoffReasonLowConfidence    = "low_confidence"
	HandoffReasonCustomerRequest  = "customer_request"
)

type AvailabilityStatus string

const (
	AvailabilityAvailable AvailabilityStatus = "available"
	AvailabilityBusy      AvailabilityStatus = "busy"
	AvailabilityOffline   AvailabilityStatus = "offline"
)

func (s AvailabilityStatus) Valid() bool {
	switch s {
	case AvailabilityAvailable, AvailabilityBusy, AvailabilityOffline:
		return true
	}
	return false
}

func ConversationPK(companyID, conversationID string) string {
	return fmt.Sprintf("%s#%s", companyID, conversationID)
}

func MessagePK(conversationID, messageID string) string {
	return fmt.Sprintf("%s#%s", conversationID, messageID)
}

type ConversationItem struct {
	PK             string             `dynamodbav:"pk"`
	ConversationID string             `dynamodbav:"conversationId"`
	CompanyID      string             `dynamodbav:"companyId"`
	CustomerID     string             `dynamodbav:"customerId"`
	CustomerName   string             `dynamodbav:"customerName,omitempty"`
	CustomerEmail  string             `dynamodbav:"customerEmail,omitempty"`
	Status         ConversationStatus `dynamodbav:"status"`
	// ParticipatingAgents is non-empty only while Status is "support".
	ParticipatingAgents []string `dynamodbav:"participatingAgents,stringset,omitemptyelem,omitempty"`
	HandoffReason       string   `dynamodbav:"handoffReason,omitempty"`
	LastMessageFrom     string   `dynamodbav:"lastMessageFrom"`
	DeliveryStatus      string   `dynamodbav:"deliveryStatus,omitempty"`
	Unread              bool     `dynamodbav:"unread"`
	// AIEpoch increments every time the conversation (re)enters the ai state.
	// AI responses generated against an older epoch are discarded on commit.
	AIEpoch       int    `dynamodbav:"aiEpoch"`
	CreatedAt     string `dynamodbav:"createdAt"`
	UpdatedAt     string `dynamodbav:"updatedAt"`
	LastMessageAt string `dynamodbav:"lastMessageAt"`
}

// HasParticipant reports whether agentID is in the participant set.
func (c ConversationItem) HasParticipant(agentID string) bool {
	for _, id := range c.ParticipatingAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

type MessageItem struct {
	PK             string `dynamodbav:"pk"`
	CompanyID      string `dynamodbav:"companyId"`
	ConversationID string `dynamodbav:"conversationId"`
	MessageID      string `dynamodbav:"messageId"`
	Sender         string `dynamodbav:"sender"`
	SenderID       string `dynamodbav:"senderId"`
	Body           string `dynamodbav:"body"`
	AttachmentID   string `dynamodbav:"attachmentId,omitempty"`
	DeliveryStatus string `dynamodbav:"deliveryStatus"`
	CreatedAt      string `dynamodbav:"createdAt"`
}
