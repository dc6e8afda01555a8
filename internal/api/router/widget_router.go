package router

import (
	"log"
	"net/http"
	"strings"

	"support-chat-backend/internal/ai"
	"support-chat-backend/internal/api"
	"support-chat-backend/internal/api/endpoints"
	"support-chat-backend/internal/assignment"
	"support-chat-backend/internal/company"
	"support-chat-backend/internal/conversation"
	"support-chat-backend/internal/dispatch"
	"support-chat-backend/internal/notify"
	"support-chat-backend/internal/quota"
)

func WidgetRoutes(prefix string) api.RouteRegistrar {
	return func(mux *http.ServeMux, s *api.APIServer) {
		publisher := notify.NewRedisPublisher()
		pool := assignment.New(s.Database(), publisher)
		enforcer := quota.New(s.Database(), publisher)
		conversations := conversation.New(s.Database(), pool, enforcer, publisher)
		companies := company.New(s.Database())

		provider, err := ai.NewProviderFromEnv()
		if err != nil {
			log.Fatalf("ai provider init failed: %v", err)
		}
		dispatcher := dispatch.New(conversations, enforcer, provider)

		paths := endpoints.WidgetPaths{
			ConversationsPath:  strings.TrimRight(prefix, "/") + "/conversations",
			ConversationPrefix: strings.TrimRight(prefix, "/") + "/conversations/",
		}
		widgetEndpoints := endpoints.NewWidgetEndpoints(companies, conversations, dispatcher, paths)

		mux.HandleFunc(prefix+"/conversations", s.MakeHTTPHandleFunc(widgetEndpoints.Conversations))
		mux.HandleFunc(prefix+"/conversations/", s.MakeHTTPHandleFunc(widgetEndpoints.Conversation))
	}
}
