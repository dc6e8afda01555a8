package endpoints

import (
	"fmt"
	"net/http"

	"support-chat-backend/internal/api"
	"support-chat-backend/internal/dto"
	"support-chat-backend/internal/model"
)

type HTTPError = api.HTTPError

type ApiMessageResponse struct {
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) error {
	return api.WriteJSON(w, status, v)
}

func MethodHandler(
	w http.ResponseWriter,
	r *http.Request,
	allowed map[string]func(http.ResponseWriter, *http.Request) error,
) error {
	if handler, ok := allowed[r.Method]; ok {
		return handler(w, r)
	}
	return &HTTPError{
		StatusCode: http.StatusMethodNotAllowed,
		Message:    "Method not allowed.",
		ErrorLog:   fmt.Errorf("method not allowed"),
	}
}

func toConversationResponse(c model.ConversationItem) dto.ConversationResponse {
	return dto.ConversationResponse{
		ConversationID:      c.ConversationID,
		CompanyID:           c.CompanyID,
		CustomerID:          c.CustomerID,
		CustomerName:        c.CustomerName,
		CustomerEmail:       c.CustomerEmail,
		Status:              string(c.Status),
		ParticipatingAgents: c.ParticipatingAgents,
		HandoffReason:       c.HandoffReason,
		LastMessageFrom:     c.LastMessageFrom,
		Unread:              c.Unread,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
		LastMessageAt:       c.LastMessageAt,
	}
}

func toMessageResponse(m model.MessageItem) dto.MessageResponse {
	return dto.MessageResponse{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		SenderID:       m.SenderID,
		Body:           m.Body,
		DeliveryStatus: m.DeliveryStatus,
		CreatedAt:      m.CreatedAt,
	}
}

func toMessageResponses(messages []model.MessageItem) []dto.MessageResponse {
	out := make([]dto.MessageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageResponse(m))
	}
	return out
}

func toAgentResponse(a model.AgentItem) dto.AgentResponse {
	return dto.AgentResponse{
		AgentID:      a.AgentID,
		CompanyID:    a.CompanyID,
		Email:        a.Email,
		Name:         a.Name,
		Role:         a.Role,
		Availability: a.AvailabilityStatus,
		CreatedAt:    a.CreatedAt,
	}
}

func toCompanyResponse(c model.CompanyItem) dto.CompanyResponse {
	return dto.CompanyResponse{
		CompanyID:     c.CompanyID,
		Name:          c.Name,
		PlanID:        c.PlanID,
		BillingStatus: c.BillingStatus,
		CreatedAt:     c.CreatedAt,
	}
}
