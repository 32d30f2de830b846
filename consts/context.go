package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey signals the database layer to read from the write pool,
	// giving read-your-writes consistency right after an applied action.
	UseMasterDBKey = ContextKey("use_master")

	// PrincipalKey carries the authenticated calendar principal in HTTP requests.
	PrincipalKey = ContextKey("principal")
)
