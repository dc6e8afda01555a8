package router

import (
	"net/http"
	"strings"

	"support-chat-backend/internal/api"
	"support-chat-backend/internal/api/endpoints"
	"support-chat-backend/internal/assignment"
	"support-chat-backend/internal/conversation"
	"support-chat-backend/internal/notify"
	"support-chat-backend/internal/quota"
)

func WSRoutes(prefix string) api.RouteRegistrar {
	return func(mux *http.ServeMux, s *api.APIServer) {
		publisher := notify.NewRedisPublisher()
		pool := assignment.New(s.Database(), publisher)
		enforcer := quota.New(s.Database(), publisher)
		service := conversation.New(s.Database(), pool, enforcer, publisher)

		paths := endpoints.WSPaths{
			ConversationPrefix: strings.TrimRight(prefix, "/") + "/conversations/",
			CompanyEventsPath:  strings.TrimRight(prefix, "/") + "/events",
		}
		wsEndpoints := endpoints.NewWSEndpoints(service, s.Handler(), paths)

		mux.HandleFunc(prefix+"/conversations/", s.MakeHTTPHandleFunc(wsEndpoints.ConversationSocket))
		mux.HandleFunc(prefix+"/events", s.MakeHTTPHandleFunc(wsEndpoints.CompanyEventsSocket))
	}
}
