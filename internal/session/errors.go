package session

// ActionError is returned by Hub.AdminClaim/AdminRelease when the
// arbiter rejects the transition. Code is one of the wire.Err* codes, so
// the REST boundary can translate it to an HTTP status without
// re-deriving the reason.
type ActionError struct {
	Code    string
	Message string
}

func (e *ActionError) Error() string { return e.Code + ": " + e.Message }
