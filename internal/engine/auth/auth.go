package auth

import "fmt"

// Role names carried by admin credentials.
const RoleAdmin = "admin"

// Credential is the authorization capability evaluated once per request and
// passed into the engine and token issuer, instead of scattered role checks
// at call sites.
type Credential interface {
	// IsAdmin reports full administrator privilege.
	IsAdmin() bool
	// CanAccessApplication reports whether the credential is scoped to the
	// given application.
	CanAccessApplication(applicationGUID string) bool
	// ActorID identifies the caller for the audit trail.
	ActorID() string
}

// UnauthorizedError indicates the credential does not permit the attempted
// action.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// Admin is a credential holding full administrator privilege. Constructing
// one is the privilege; role enforcement happens where the bearer token is
// verified.
type Admin struct {
	Subject string
	Roles   []string
}

func (Admin) IsAdmin() bool                      { return true }
func (a Admin) CanAccessApplication(string) bool { return true }
func (a Admin) ActorID() string                  { return a.Subject }

// Applicant is a credential proven by a one-time password, scoped to exactly
// one application.
type Applicant struct {
	ApplicationGUID string
}

func (a Applicant) IsAdmin() bool { return false }

func (a Applicant) CanAccessApplication(guid string) bool {
	return a.ApplicationGUID != "" && a.ApplicationGUID == guid
}

func (a Applicant) ActorID() string { return "applicant:" + a.ApplicationGUID }

// Anonymous carries no privilege.
type Anonymous struct{}

func (Anonymous) IsAdmin() bool                    { return false }
func (Anonymous) CanAccessApplication(string) bool { return false }
func (Anonymous) ActorID() string                  { return "anonymous" }
