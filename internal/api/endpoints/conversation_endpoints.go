package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"support-chat-backend/internal/conversation"
	"support-chat-backend/internal/dispatch"
	"support-chat-backend/internal/dto"
	"support-chat-backend/internal/model"
)

// ConversationPaths carries the route prefixes the endpoints were mounted
// under, so handlers can extract path parameters without a routing library.
type ConversationPaths struct {
	ConversationsPath  string
	ConversationPrefix string
}

type ConversationEndpoints interface {
	Conversations(http.ResponseWriter, *http.Request) error
	Conversation(http.ResponseWriter, *http.Request) error
}

type conversationEndpoints struct {
	service    *conversation.Service
	dispatcher *dispatch.Dispatcher
	paths      ConversationPaths
}

func NewConversationEndpoints(service *conversation.Service, dispatcher *dispatch.Dispatcher, paths ConversationPaths) ConversationEndpoints {
	return &conversationEndpoints{
		service:    service,
		dispatcher: dispatcher,
		paths:      paths,
	}
}

func (h *conversationEndpoints) Conversations(w http.ResponseWriter, r *http.Request) error {
	return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
		http.MethodGet: h.handleList,
	})
}

// Conversation serves every /conversations/{id}... subresource.
func (h *conversationEndpoints) Conversation(w http.ResponseWriter, r *http.Request) error {
	conversationID, action, err := h.splitConversationPath(r.URL.Path)
	if err != nil {
		return err
	}

	switch action {
	case "":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodGet: h.withID(conversationID, h.handleGet),
		})
	case "claim":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: h.withID(conversationID, h.handleClaim),
		})
	case "join":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: h.withID(conversationID, h.handleJoin),
		})
	case "release":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: h.withID(conversationID, h.handleRelease),
		})
	case "resolve":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: h.withID(conversationID, h.handleResolve),
		})
	case "messages":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodGet:  h.withID(conversationID, h.handleListMessages),
			http.MethodPost: h.withID(conversationID, h.handlePostMessage),
		})
	case "receipts":
		return MethodHandler(w, r, map[string]func(http.ResponseWriter, *http.Request) error{
			http.MethodPost: h.withID(conversationID, h.handleReceipt),
		})
	default:
		return &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("unknown conversation action %q", action),
		}
	}
}

func (h *conversationEndpoints) splitConversationPath(path string) (string, string, error) {
	prefix := h.paths.ConversationPrefix
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return "", "", &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("conversation path mismatch: %s", path),
		}
	}

	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("missing conversation id: %s", path),
		}
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		return parts[0], "", nil
	}
	return parts[0], parts[1], nil
}

func (h *conversationEndpoints) withID(conversationID string, f func(http.ResponseWriter, *http.Request, string) error) func(http.ResponseWriter, *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		return f(w, r, conversationID)
	}
}

func (h *conversationEndpoints) handleList(w http.ResponseWriter, r *http.Request) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	status := model.ConversationStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	conversations, err := h.service.List(r.Context(), identity, status, limit)
	if err != nil {
		return mapConversationServiceError(err)
	}

	resp := dto.ListConversationsResponse{Conversations: make([]dto.ConversationResponse, 0, len(conversations))}
	for _, c := range conversations {
		resp.Conversations = append(resp.Conversations, toConversationResponse(c))
	}
	return WriteJSON(w, http.StatusOK, resp)
}

func (h *conversationEndpoints) handleGet(w http.ResponseWriter, r *http.Request, conversationID string) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	conv, err := h.service.Get(r.Context(), identity, conversationID)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, dto.ConversationResultResponse{Conversation: toConversationResponse(conv)})
}

func (h *conversationEndpoints) handleClaim(w http.ResponseWriter, r *http.Request, conversationID string) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	conv, err := h.service.Claim(r.Context(), identity, conversationID)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, dto.ConversationResultResponse{Conversation: toConversationResponse(conv)})
}

func (h *conversationEndpoints) handleJoin(w http.ResponseWriter, r *http.Request, conversationID string) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	conv, err := h.service.Join(r.Context(), identity, conversationID)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, dto.ConversationResultResponse{Conversation: toConversationResponse(conv)})
}

func (h *conversationEndpoints) handleRelease(w http.ResponseWriter, r *http.Request, conversationID string) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	conv, err := h.service.Release(r.Context(), identity, conversationID)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, dto.ConversationResultResponse{Conversation: toConversationResponse(conv)})
}

func (h *conversationEndpoints) handleResolve(w http.ResponseWriter, r *http.Request, conversationID string) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	conv, err := h.service.Resolve(r.Context(), identity, conversationID)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, dto.ConversationResultResponse{Conversation: toConversationResponse(conv)})
}

func (h *conversationEndpoints) handleListMessages(w http.ResponseWriter, r *http.Request, conversationID string) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := h.service.ListMessages(r.Context(), identity, conversationID, limit)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, dto.ListMessagesResponse{Messages: toMessageResponses(messages)})
}

func (h *conversationEndpoints) handlePostMessage(w http.ResponseWriter, r *http.Request, conversationID string) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	var req dto.PostAgentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode agent message request: %w", err),
		}
	}

	message, err := h.dispatcher.HandleAgentMessage(r.Context(), identity, conversationID, req.Body)
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusCreated, toMessageResponse(message))
}

func (h *conversationEndpoints) handleReceipt(w http.ResponseWriter, r *http.Request, conversationID string) error {
	identity, err := h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
	if err != nil {
		return mapConversationServiceError(err)
	}

	var req dto.DeliveryReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Invalid request payload",
			ErrorLog:   fmt.Errorf("decode receipt request: %w", err),
		}
	}

	// View access gates receipts; any agent who can read the conversation can
	// acknowledge what they saw.
	if _, err := h.service.Get(r.Context(), identity, conversationID); err != nil {
		return mapConversationServiceError(err)
	}

	err = h.service.AdvanceDelivery(r.Context(), identity.CompanyID, conversationID, req.MessageID, model.DeliveryStatus(req.Status))
	if err != nil {
		return mapConversationServiceError(err)
	}
	return WriteJSON(w, http.StatusOK, ApiMessageResponse{Message: "Receipt recorded"})
}
