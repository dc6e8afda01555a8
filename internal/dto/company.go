package dto

type AddAgentRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

type UsageResponse struct {
	CompanyID   string `json:"companyId"`
	PlanID      string `json:"planId"`
	Used        int    `json:"used"`
	Limit       int    `json:"limit"`
	Remaining   int    `json:"remaining"`
	ResetAt     string `json:"resetAt"`
	WarnedAt80  bool   `json:"warnedAt80"`
	BillingHold bool   `json:"billingHold"`
}

type ChangePlanRequest struct {
	PlanID string `json:"planId"`
}

type PlanResponse struct {
	PlanID              string   `json:"planId"`
	Name                string   `json:"name"`
	AIResponsesPerMonth int      `json:"aiResponsesPerMonth"`
	Features            []string `json:"features,omitempty"`
	PriceCents          int      `json:"priceCents"`
}

type ListPlansResponse struct {
	Plans []PlanResponse `json:"plans"`
}

type RotateAPIKeyResponse struct {
	APIKey string `json:"apiKey"`
}

type SetAvailabilityRequest struct {
	Status string `json:"status"`
}

type AvailabilityResponse struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}
