package auth

// Known OAuth scopes used by the watch service.
const (
	ScopeSessionsWrite = "sessions:write"
	ScopeSessionsRead  = "sessions:read"
	ScopeBindingsWrite = "bindings:write"
)
