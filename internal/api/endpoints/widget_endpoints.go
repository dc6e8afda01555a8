package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"support-chat-backend/internal/company"
	"support-chat-backend/internal/conversation"
	"support-chat-backend/internal/dispatch"
	"support-chat-backend/internal/dto"
	"support-chat-backend/internal/model"
)

type WidgetPaths struct {
	ConversationsPath  string
	ConversationPrefix string
}

// WidgetEndpoints is the public surface the embeddable widget talks to. A
// company API key opens conversations; everything after that is authorised by
// the per-conversation customer token.
type WidgetEndpoints interface {
	Conversations(http.ResponseWriter, *http.Request) error
	Conversation(http.ResponseWriter, *http.Request) error
}

type widgetEndpoints struct {
	companies     *company.Service
	conversations *conversation.Service
	dispatcher    *dispatch.Dispatcher
	paths         WidgetPaths
}

func NewWidgetEndpoints(companies *company.Service, conversations *conversation.Service, dispatcher *dispatch.Dispatcher, paths WidgetPaths) WidgetEndpoints {
	return &widgetEndpoints{
		companies:     companies,
		conversations: conversations,
		dispatcher:    dispatcher,
		paths:         paths,
	}
}

func (h *widgetEndpoints) Conversations(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodPost: h.handleOpen,
	})
}

func (h *widgetEndpoints) Conversation(w http.ResponseWriter, r *http.Request) error {
	conversationID, action, err := h.splitPath(r.URL.Path)
	if err != nil {
		return err
	}

	switch action {
	case "messages":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) error {
				return h.handleListMessages(w, r, conversationID)
			},
			http.MethodPost: func(w http.ResponseWriter, r *http.Request) error {
				return h.handlePostMessage(w, r, conversationID)
			},
		})
	case "receipts":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: func(w http.ResponseWriter, r *http.Request) error {
				return h.handleReceipt(w, r, conversationID)
			},
		})
	case "handoff":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: func(w http.ResponseWriter, r *http.Request) error {
				return h.handleRequestHuman(w, r, conversationID)
			},
		})
	default:
		return &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("unknown widget action %q", action),
		}
	}
}

func (h *widgetEndpoints) splitPath(path string) (string, string, error) {
	prefix := h.paths.ConversationPrefix
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return "", "", &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("widget path mismatch: %s", path),
		}
	}

	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("widget path missing action: %s", path),
		}
	}
	return parts[0], parts[1], nil
}

func (h *widgetEndpoints) handleOpen(w http.ResponseWriter, r *http.Request) error {
	apiKey := r.Header.Get("X-Api-Key")
	comp, err := h.companies.ResolveAPIKey(r.Context(), apiKey)
	if err != nil {
		return &HTTPError{
			StatusCode: http.StatusUnauthorized,
			Message:    "Invalid api key",
			ErrorLog:   fmt.Errorf("resolve api key: %w", err),
		}
	}

	var req dto.OpenConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode open conversation request: %w", err),
		}
	}

	result, err := h.conversations.Open(r.Context(), conversation.OpenParams{
		CompanyID:     comp.CompanyID,
		CustomerID:    req.Customer.CustomerID,
		CustomerName:  req.Customer.Name,
		CustomerEmail: req.Customer.Email,
		Message:       req.Message.Body,
	})
	if err != nil {
		return mapConversationServiceError(err)
	}

	// The opening message is a customer message like any other; when the
	// conversation opened in the ai state it goes to the provider right away.
	conv, aiMessage := h.dispatcher.DispatchOpening(r.Context(), result.Conversation)

	resp := dto.OpenConversationResponse{
		Conversation:  toConversationResponse(conv),
		Message:       toMessageResponse(result.Message),
		CustomerToken: result.CustomerToken,
	}
	if aiMessage != nil {
		reply := toMessageResponse(*aiMessage)
		resp.AIMessage = &reply
	}
	return WriteJSON(w, http.StatusCreated, resp)
}

func (h *widgetEndpoints) handlePostMessage(w http.ResponseWriter, r *http.Request, conversationID string) error {
	var req dto.PostCustomerMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode customer message request: %w", err),
		}
	}

	token := req.CustomerToken
	if token == "" {
		token = ExtractTokenFromHeaders(r)
	}

	access, err := h.conversations.ValidateCustomerAccess(token)
	if err != nil {
		return mapConversationServiceError(err)
	}
	if access.ConversationID != conversationID {
		return &HTTPError{
			StatusCode: http.StatusForbidden,
			Message:    "Token does not match conversation",
			ErrorLog:   fmt.Errorf("token conversation %s, path %s", access.ConversationID, conversationID),
		}
	}

	result, err := h.dispatcher.HandleCustomerMessage(r.Context(), token, req.Body)
	if err != nil {
		return mapConversationServiceError(err)
	}

	resp := dto.PostCustomerMessageResponse{
		Conversation: toConversationResponse(result.Conversation),
		Message:      toMessageResponse(result.Message),
	}
	if result.AIMessage != nil {
		aiMessage := toMessageResponse(*result.AIMessage)
		resp.AIMessage = &aiMessage
	}
	return WriteJSON(w, http.StatusCreated, resp)
}

func (h *widgetEndpoints) handleListMessages(w http.ResponseWriter, r *http.Request, conversationID string) error {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = ExtractTokenFromHeaders(r)
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := h.conversations.ListCustomerMessages(r.Context(), token, conversationID, limit)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, dto.ListMessagesResponse{Messages: toMessageResponses(messages)})
}

func (h *widgetEndpoints) handleRequestHuman(w http.ResponseWriter, r *http.Request, conversationID string) error {
	var req dto.RequestHumanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode request human request: %w", err),
		}
	}

	token := req.CustomerToken
	if token == "" {
		token = ExtractTokenFromHeaders(r)
	}

	conv, err := h.dispatcher.RequestHuman(r.Context(), token, conversationID)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, dto.ConversationResultResponse{Conversation: toConversationResponse(conv)})
}

func (h *widgetEndpoints) handleReceipt(w http.ResponseWriter, r *http.Request, conversationID string) error {
	var req dto.DeliveryReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode receipt request: %w", err),
		}
	}

	token := req.CustomerToken
	if token == "" {
		token = ExtractTokenFromHeaders(r)
	}

	err := h.dispatcher.AcknowledgeDelivery(r.Context(), token, conversationID, req.MessageID, model.DeliveryStatus(req.Status))
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, ApiMessageResponse{Message: "Receipt recorded"})
}
