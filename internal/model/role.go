package model

// AgentRole is the closed set of roles a user can hold inside a company.
// Capability checks go through Can; call sites never compare role strings.
type AgentRole string

const (
	RoleAdmin  AgentRole = "admin"
	RoleAgent  AgentRole = "agent"
	RoleViewer AgentRole = "viewer"
	// RoleCustomer is the role of end customers talking through the widget.
	// It never grants any support capability.
	RoleCustomer AgentRole = "customer"
)

type Capability string

const (
	CapabilityClaimConversations Capability = "claim_conversations"
	CapabilityViewConversations  Capability = "view_conversations"
	CapabilityViewInternalNotes  Capability = "view_internal_notes"
	CapabilityManageCompany      Capability = "manage_company"
)

var roleCapabilities = map[AgentRole]map[Capability]bool{
	RoleAdmin: {
		CapabilityClaimConversations: true,
		CapabilityViewConversations:  true,
		CapabilityViewInternalNotes:  true,
		CapabilityManageCompany:      true,
	},
	RoleAgent: {
		CapabilityClaimConversations: true,
		CapabilityViewConversations:  true,
		CapabilityViewInternalNotes:  true,
	},
	RoleViewer: {
		CapabilityViewConversations: true,
	},
	RoleCustomer: {},
}

func (r AgentRole) Can(c Capability) bool {
	caps, ok := roleCapabilities[r]
	if !ok {
		return false
	}
	return caps[c]
}

func ParseRole(raw string) (AgentRole, bool) {
	role := AgentRole(raw)
	_, ok := roleCapabilities[role]
	return role, ok
}
