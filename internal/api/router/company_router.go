package router

import (
	"net/http"

	"support-chat-backend/internal/api"
	"support-chat-backend/internal/api/endpoints"
	"support-chat-backend/internal/api/middleware"
	"support-chat-backend/internal/assignment"
	"support-chat-backend/internal/company"
	"support-chat-backend/internal/notify"
)

func CompanyRoutes(prefix string) api.RouteRegistrar {
	return func(mux *http.ServeMux, s *api.APIServer) {
		service := company.New(s.Database())
		pool := assignment.New(s.Database(), notify.NewRedisPublisher())
		companyEndpoints := endpoints.NewCompanyEndpoints(service, pool)

		mux.HandleFunc(prefix+"/agents", s.MakeHTTPHandleFunc(companyEndpoints.Agents, middleware.ValidateAgentJWT))
		mux.HandleFunc(prefix+"/agents/availability", s.MakeHTTPHandleFunc(companyEndpoints.Availability, middleware.ValidateAgentJWT))
		mux.HandleFunc(prefix+"/usage", s.MakeHTTPHandleFunc(companyEndpoints.Usage, middleware.ValidateAgentJWT))
		mux.HandleFunc(prefix+"/plans", s.MakeHTTPHandleFunc(companyEndpoints.Plans))
		mux.HandleFunc(prefix+"/plan", s.MakeHTTPHandleFunc(companyEndpoints.Plan, middleware.ValidateAgentJWT))
		mux.HandleFunc(prefix+"/api-keys/rotate", s.MakeHTTPHandleFunc(companyEndpoints.APIKey, middleware.ValidateAgentJWT))
	}
}
