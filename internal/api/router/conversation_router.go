package router

import (
	"log"
	"net/http"
	"strings"

	"support-chat-backend/internal/ai"
	"support-chat-backend/internal/api"
	"support-chat-backend/internal/api/endpoints"
	"support-chat-backend/internal/api/middleware"
	"support-chat-backend/internal/assignment"
	"support-chat-backend/internal/conversation"
	"support-chat-backend/internal/dispatch"
	"support-chat-backend/internal/notify"
	"support-chat-backend/internal/quota"
)

func ConversationRoutes(prefix string) api.RouteRegistrar {
	return func(mux *http.ServeMux, s *api.APIServer) {
		publisher := notify.NewRedisPublisher()
		pool := assignment.New(s.Database(), publisher)
		enforcer := quota.New(s.Database(), publisher)
		service := conversation.New(s.Database(), pool, enforcer, publisher)

		provider, err := ai.NewProviderFromEnv()
		if err != nil {
			log.Fatalf("ai provider init failed: %v", err)
		}
		dispatcher := dispatch.New(service, enforcer, provider)

		paths := endpoints.ConversationPaths{
			ConversationsPath:  strings.TrimRight(prefix, "/") + "/conversations",
			ConversationPrefix: strings.TrimRight(prefix, "/") + "/conversations/",
		}
		convEndpoints := endpoints.NewConversationEndpoints(service, dispatcher, paths)

		mux.HandleFunc(prefix+"/conversations", s.MakeHTTPHandleFunc(convEndpoints.Conversations, middleware.ValidateAgentJWT))
		mux.HandleFunc(prefix+"/conversations/", s.MakeHTTPHandleFunc(convEndpoints.Conversation, middleware.ValidateAgentJWT))
	}
}
