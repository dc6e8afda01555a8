package dto

type ConversationResponse struct {
	ConversationID      string   `json:"conversationId"`
	CompanyID           string   `json:"companyId"`
	CustomerID          string   `json:"customerId"`
	CustomerName        string   `json:"customerName,omitempty"`
	CustomerEmail       string   `json:"customerEmail,omitempty"`
	Status              string   `json:"status"`
	ParticipatingAgents []string `json:"participatingAgents,omitempty"`
	HandoffReason       string   `json:"handoffReason,omitempty"`
	LastMessageFrom     string   `json:"lastMessageFrom"`
	Unread              bool     `json:"unread"`
	CreatedAt           string   `json:"createdAt"`
	UpdatedAt           string   `json:"updatedAt"`
	LastMessageAt       string   `json:"lastMessageAt"`
}

type MessageResponse struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	DeliveryStatus string `json:"deliveryStatus"`
	CreatedAt      string `json:"createdAt"`
}

type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

type ListMessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
}

type ConversationResultResponse struct {
	Conversation ConversationResponse `json:"conversation"`
}

type PostAgentMessageRequest struct {
	Body string `json:"body"`
}

type OpenConversationRequest struct {
	Customer OpenCustomerPayload `json:"customer"`
	Message  OpenMessagePayload  `json:"message"`
}

type OpenCustomerPayload struct {
	CustomerID string `json:"customerId,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
}

type OpenMessagePayload struct {
	Body string `json:"body"`
}

type OpenConversationResponse struct {
	Conversation  ConversationResponse `json:"conversation"`
	Message       MessageResponse      `json:"message"`
	AIMessage     *MessageResponse     `json:"aiMessage,omitempty"`
	CustomerToken string               `json:"customerToken"`
}

type PostCustomerMessageRequest struct {
	Body          string `json:"body"`
	CustomerToken string `json:"customerToken"`
}

type PostCustomerMessageResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Message      MessageResponse      `json:"message"`
	AIMessage    *MessageResponse     `json:"aiMessage,omitempty"`
}

type RequestHumanRequest struct {
	CustomerToken string `json:"customerToken,omitempty"`
}

type DeliveryReceiptRequest struct {
	MessageID     string `json:"messageId"`
	Status        string `json:"status"`
	CustomerToken string `json:"customerToken,omitempty"`
}
