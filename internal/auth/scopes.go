package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopeWorkflowsRead  = "workflows:read"
	ScopeWorkflowsWrite = "workflows:write"
	ScopeChat           = "chat:write"
)

// LoginScopes are requested by the browser login flow.
var LoginScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail}

// APIScopes are advertised to API clients such as MCP hosts.
var APIScopes = []string{
	ScopeOpenID,
	ScopeWorkflowsRead,
	ScopeWorkflowsWrite,
	ScopeChat,
}
