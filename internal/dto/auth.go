package dto

type RegisterCompanyRequest struct {
	CompanyName string `json:"companyName"`
	PlanID      string `json:"planId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type CompanyResponse struct {
	CompanyID     string `json:"companyId"`
	Name          string `json:"name"`
	PlanID        string `json:"planId"`
	BillingStatus string `json:"billingStatus"`
	CreatedAt     string `json:"createdAt"`
}

type AgentResponse struct {
	AgentID      string `json:"agentId"`
	CompanyID    string `json:"companyId"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	Availability string `json:"availability"`
	CreatedAt    string `json:"createdAt"`
}

type RegisterCompanyResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	Company      CompanyResponse `json:"company"`
	Agent        AgentResponse   `json:"agent"`
	// APIKey is returned once at registration; rotate to obtain a new one.
	APIKey string `json:"apiKey"`
}

type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
}
