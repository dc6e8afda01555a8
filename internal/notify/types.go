package notify

import "fmt"

type EventType string

const (
	EventMessage       EventType = "message"
	EventHandoff       EventType = "handoff"
	EventClaim         EventType = "claim"
	EventClaimConflict EventType = "claim_conflict"
	EventResolve       EventType = "resolve"
	EventReopen        EventType = "reopen"
	EventQuotaWarning  EventType = "quota_warning"
	EventAvailability  EventType = "availability"
	EventDelivery      EventType = "delivery"
)

// Event is the fire-and-forget payload pushed to the presentation layer. The
// core never waits on its consumption.
type Event struct {
	Type           EventType   `json:"type"`
	CompanyID      string      `json:"companyId"`
	ConversationID string      `json:"conversationId,omitempty"`
	AgentID        string      `json:"agentId,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Payload        interface{} `json:"payload,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

// Channel is one notification stream with its current websocket subscribers.
// The name doubles as the redis channel the events arrive on.
type Channel struct {
	Name        string
	Subscribers map[string]*Subscriber
}

// Delivery is one event on its way from redis to a channel's subscribers.
type Delivery struct {
	Content   string `json:"content"`
	Channel   string `json:"channel"`
	Timestamp int64  `json:"timestamp"`
}

type ChannelInfo struct {
	Name string `json:"name"`
}

// ConversationChannel is the redis channel and websocket subscription carrying
// realtime traffic for a single conversation.
func ConversationChannel(companyID, conversationID string) string {
	return fmt.Sprintf("conversation:%s:%s", companyID, conversationID)
}

// CompanyChannel carries company-wide events: handoffs into the available
// pool, claim conflicts, quota warnings, availability changes.
func CompanyChannel(companyID string) string {
	return fmt.Sprintf("company:%s:events", companyID)
}
