package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"tenderline/internal/domain"
)

func TestRoleChecks(t *testing.T) {
	tender := domain.Tender{Owner: "city", Auditor: "audit"}

	require.NoError(t, RequireOwner("city", "city"))
	require.ErrorIs(t, RequireOwner("city", "acme"), ErrUnauthorized)
	require.ErrorIs(t, RequireOwner("city", ""), ErrUnauthorized)

	require.NoError(t, RequireAuditor(tender, "audit"))
	require.ErrorIs(t, RequireAuditor(tender, "city"), ErrUnauthorized)

	require.NoError(t, RequireBidder(tender, "acme"))
	require.ErrorIs(t, RequireBidder(tender, "city"), ErrUnauthorized)
	require.ErrorIs(t, RequireBidder(tender, "audit"), ErrUnauthorized)

	var fe ForbiddenError
	require.True(t, errors.As(RequireBidder(tender, "audit"), &fe))
	require.Equal(t, "bidder", fe.Role)
}

func TestRequireSelfOrOwner(t *testing.T) {
	require.NoError(t, RequireSelfOrOwner("city", "acme", "acme"))
	require.NoError(t, RequireSelfOrOwner("city", "city", "acme"))
	require.ErrorIs(t, RequireSelfOrOwner("city", "bolt", "acme"), ErrUnauthorized)
	require.ErrorIs(t, RequireSelfOrOwner("city", "", ""), ErrUnauthorized)
}

func TestRoles(t *testing.T) {
	winner := "acme"
	tender := domain.Tender{Owner: "city", Auditor: "audit", Winner: &winner}
	require.Equal(t, []string{"owner"}, Roles(tender, "city"))
	require.Equal(t, []string{"auditor"}, Roles(tender, "audit"))
	require.Equal(t, []string{"winner"}, Roles(tender, "acme"))
	require.Equal(t, []string{"bidder"}, Roles(tender, "other"))
}
