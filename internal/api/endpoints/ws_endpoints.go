package endpoints

import (
	"fmt"
	"net/http"
	"strings"

	"support-chat-backend/internal/conversation"
	"support-chat-backend/internal/notify"
)

type WSPaths struct {
	ConversationPrefix string
	CompanyEventsPath  string
}

// WSEndpoints upgrades widget customers and agents onto the notification
// channels the notify package fans redis events into.
type WSEndpoints interface {
	ConversationSocket(http.ResponseWriter, *http.Request) error
	CompanyEventsSocket(http.ResponseWriter, *http.Request) error
}

type wsEndpoints struct {
	service *conversation.Service
	handler *notify.Handler
	paths   WSPaths
}

func NewWSEndpoints(service *conversation.Service, handler *notify.Handler, paths WSPaths) WSEndpoints {
	return &wsEndpoints{
		service: service,
		handler: handler,
		paths:   paths,
	}
}

func (h *wsEndpoints) ConversationSocket(w http.ResponseWriter, r *http.Request) error {
	if h.handler == nil {
		return &HTTPError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "Websocket not available",
			ErrorLog:   fmt.Errorf("websocket handler missing"),
		}
	}

	prefix := h.paths.ConversationPrefix
	if prefix == "" || !strings.HasPrefix(r.URL.Path, prefix) {
		return &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Not found",
			ErrorLog:   fmt.Errorf("websocket path mismatch: %s", r.URL.Path),
		}
	}
	convID := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if convID == "" {
		return &HTTPError{
			StatusCode: http.StatusNotFound,
			Message:    "Conversation not found",
			ErrorLog:   fmt.Errorf("websocket conversation id missing"),
		}
	}

	role := r.URL.Query().Get("role")
	switch role {
	case "customer":
		token := r.URL.Query().Get("token")
		access, err := h.service.ValidateCustomerAccess(token)
		if err != nil {
			return mapConversationServiceError(err)
		}
		if access.ConversationID != convID {
			return &HTTPError{
				StatusCode: http.StatusForbidden,
				Message:    "Token does not match conversation",
				ErrorLog:   fmt.Errorf("websocket conversation mismatch: %s vs %s", access.ConversationID, convID),
			}
		}
		channel := notify.ConversationChannel(access.CompanyID, convID)
		h.handler.EnsureChannel(channel)
		h.handler.Subscribe(w, r, channel, access.CustomerID)
		return nil

	case "agent":
		identity, err := h.identityFromRequest(r)
		if err != nil {
			return mapConversationServiceError(err)
		}
		if _, err := h.service.Get(r.Context(), identity, convID); err != nil {
			return mapConversationServiceError(err)
		}
		channel := notify.ConversationChannel(identity.CompanyID, convID)
		h.handler.EnsureChannel(channel)
		h.handler.Subscribe(w, r, channel, identity.AgentID)
		return nil

	default:
		return &HTTPError{
			StatusCode: http.StatusBadRequest,
			Message:    "Missing or invalid role parameter",
			ErrorLog:   fmt.Errorf("websocket role invalid: %s", role),
		}
	}
}

func (h *wsEndpoints) CompanyEventsSocket(w http.ResponseWriter, r *http.Request) error {
	if h.handler == nil {
		return &HTTPError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "Websocket not available",
			ErrorLog:   fmt.Errorf("websocket handler missing"),
		}
	}

	identity, err := h.identityFromRequest(r)
	if err != nil {
		return mapConversationServiceError(err)
	}

	channel := notify.CompanyChannel(identity.CompanyID)
	h.handler.EnsureChannel(channel)
	h.handler.Subscribe(w, r, channel, identity.AgentID)
	return nil
}

// identityFromRequest accepts the token in the Authorization header or as a
// query parameter; browsers cannot set headers on websocket upgrades.
func (h *wsEndpoints) identityFromRequest(r *http.Request) (conversation.Identity, error) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return h.service.IdentityFromToken(token)
	}
	return h.service.IdentityFromAuthorizationHeader(r.Header.Get("Authorization"))
}
