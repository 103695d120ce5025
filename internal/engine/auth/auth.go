package auth

import (
	"errors"
	"fmt"
	"strings"

	"tenderline/internal/domain"
)

// ErrUnauthorized is matched by every ForbiddenError.
var ErrUnauthorized = errors.New("unauthorized")

// ForbiddenError indicates the caller lacks the role an operation needs.
type ForbiddenError struct {
	Actor string
	Role  string
}

func (e ForbiddenError) Error() string {
	if e.Role == "bidder" {
		return fmt.Sprintf("%s: %s may not bid on this tender", ErrUnauthorized, e.Actor)
	}
	return fmt.Sprintf("%s: %s role required", ErrUnauthorized, e.Role)
}

func (e ForbiddenError) Is(target error) bool {
	return target == ErrUnauthorized
}

// RequireOwner checks the caller against the configured owner principal.
func RequireOwner(owner, actor string) error {
	if strings.TrimSpace(actor) == "" || actor != owner {
		return ForbiddenError{Actor: actor, Role: "owner"}
	}
	return nil
}

// RequireSelfOrOwner lets a principal manage its own credentials, and the
// owner manage anyone's.
func RequireSelfOrOwner(owner, actor, principal string) error {
	if actor != "" && (actor == principal || actor == owner) {
		return nil
	}
	return ForbiddenError{Actor: actor, Role: "owner"}
}

// RequireAuditor checks the caller is the tender's auditor.
func RequireAuditor(t domain.Tender, actor string) error {
	if actor == "" || actor != t.Auditor {
		return ForbiddenError{Actor: actor, Role: "auditor"}
	}
	return nil
}

// RequireBidder excludes the tender's owner and auditor from bidding.
func RequireBidder(t domain.Tender, actor string) error {
	if actor == "" || actor == t.Owner || actor == t.Auditor {
		return ForbiddenError{Actor: actor, Role: "bidder"}
	}
	return nil
}

// Roles lists the roles actor holds on t.
func Roles(t domain.Tender, actor string) []string {
	var roles []string
	if actor == t.Owner {
		roles = append(roles, "owner")
	}
	if actor == t.Auditor {
		roles = append(roles, "auditor")
	}
	if t.Winner != nil && *t.Winner == actor {
		roles = append(roles, "winner")
	}
	if len(roles) == 0 {
		roles = append(roles, "bidder")
	}
	return roles
}
