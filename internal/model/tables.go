package model

import "fmt"

const (
	CompaniesTable      = "Companies"
	PlansTable          = "Plans"
	AgentsTable         = "Agents"
	ConversationsTable  = "Conversations"
	MessagesTable       = "Messages"
	CompanyAPIKeysTable = "CompanyAPIKeys"
)

// PlanUnlimited is the sentinel limit for plans without an AI response cap.
const PlanUnlimited = -1

type CompanyItem struct {
	CompanyID            string `dynamodbav:"companyId"`
	Name                 string `dynamodbav:"name"`
	PlanID               string `dynamodbav:"planId"`
	BillingStatus        string `dynamodbav:"billingStatus"`
	AIResponsesThisMonth int    `dynamodbav:"aiResponsesThisMonth"`
	AIResponsesResetAt   string `dynamodbav:"aiResponsesResetAt"`
	UsageWarningSent     bool   `dynamodbav:"usageWarningSent"`
	CreatedAt            string `dynamodbav:"createdAt"`
}

type PlanItem struct {
	PlanID              string   `dynamodbav:"planId"`
	Name                string   `dynamodbav:"name"`
	AIResponsesPerMonth int      `dynamodbav:"aiResponsesPerMonth"`
	Features            []string `dynamodbav:"features,omitempty"`
	PriceCents          int      `dynamodbav:"priceCents"`
}

type AgentItem struct {
	PK                 string `dynamodbav:"pk"`
	CompanyID          string `dynamodbav:"companyId"`
	AgentID            string `dynamodbav:"agentId"`
	Email              string `dynamodbav:"email"`
	Name               string `dynamodbav:"name"`
	Role               string `dynamodbav:"role"`
	AvailabilityStatus string `dynamodbav:"availabilityStatus"`
	PasswordHash       string `dynamodbav:"passwordHash"`
	CreatedAt          string `dynamodbav:"createdAt"`
}

type CompanyAPIKeyItem struct {
	CompanyID  string `dynamodbav:"companyId"`
	KeyID      string `dynamodbav:"keyId"`
	APIKey     string `dynamodbav:"apiKey"`
	CreatedAt  string `dynamodbav:"createdAt"`
	LastUsedAt string `dynamodbav:"lastUsedAt,omitempty"`
}

const (
	BillingStatusActive    = "active"
	BillingStatusPastDue   = "past_due"
	BillingStatusSuspended = "suspended"
)

func CompanyScopedPK(companyID, entityID string) string {
	return fmt.Sprintf("%s#%s", companyID, entityID)
}
