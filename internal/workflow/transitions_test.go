package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/procureflow-api/internal/models"
)

func TestRequiredApproversNonEmptyForActiveStatuses(t *testing.T) {
	active := []models.RequestStatus{
		models.StatusSubmitted,
		models.StatusManagerReview,
		models.StatusParallelVerification,
		models.StatusSOPVerification,
		models.StatusBudgetCheck,
		models.StatusSOPCompleted,
		models.StatusBudgetCompleted,
		models.StatusInstitutionVerified,
		models.StatusVPApproval,
		models.StatusHOIApproval,
		models.StatusDeanReview,
		models.StatusDeanVerification,
		models.StatusDepartmentChecks,
		models.StatusChiefDirectorApproval,
		models.StatusChairmanApproval,
		models.StatusClarificationRequired,
	}
	for _, status := range active {
		require.NotEmpty(t, RequiredApprovers(status), "status %s must have approvers", status)
	}
}

func TestRequiredApproversEmptyForTerminalStatuses(t *testing.T) {
	require.Empty(t, RequiredApprovers(models.StatusApproved))
	require.Empty(t, RequiredApprovers(models.StatusRejected))
}

func TestRequiredApproversAggregatesDepartments(t *testing.T) {
	roles := RequiredApprovers(models.StatusDepartmentChecks)
	require.ElementsMatch(t, models.DepartmentRoles, roles)
}

func TestParallelVerificationJoinIsOrderIndependent(t *testing.T) {
	// SOP first, then budget.
	next, ok := ResolveApproval(models.StatusParallelVerification, models.RoleSOPVerifier, 0)
	require.True(t, ok)
	require.Equal(t, models.StatusSOPCompleted, next)
	next, ok = ResolveApproval(next, models.RoleAccountant, 0)
	require.True(t, ok)
	require.Equal(t, models.StatusInstitutionVerified, next)

	// Budget first, then SOP.
	next, ok = ResolveApproval(models.StatusParallelVerification, models.RoleAccountant, 0)
	require.True(t, ok)
	require.Equal(t, models.StatusBudgetCompleted, next)
	next, ok = ResolveApproval(next, models.RoleSOPVerifier, 0)
	require.True(t, ok)
	require.Equal(t, models.StatusInstitutionVerified, next)
}

func TestLegacyBudgetCheckReturnsToManager(t *testing.T) {
	next, ok := ResolveApproval(models.StatusBudgetCheck, models.RoleAccountant, 0)
	require.True(t, ok)
	require.Equal(t, models.StatusManagerReview, next)
}

func TestChiefDirectorCostFork(t *testing.T) {
	tests := []struct {
		name string
		cost float64
		want models.RequestStatus
	}{
		{name: "at threshold terminates", cost: 50000, want: models.StatusApproved},
		{name: "above threshold escalates", cost: 50001, want: models.StatusChairmanApproval},
		{name: "zero cost terminates", cost: 0, want: models.StatusApproved},
		{name: "well above threshold escalates", cost: 120000, want: models.StatusChairmanApproval},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, ok := ResolveApproval(models.StatusChiefDirectorApproval, models.RoleChiefDirector, tc.cost)
			require.True(t, ok)
			require.Equal(t, tc.want, next)
		})
	}
}

func TestVPApprovalAdvancesToHOI(t *testing.T) {
	next, ok := ResolveApproval(models.StatusVPApproval, models.RoleVP, 10000)
	require.True(t, ok)
	require.Equal(t, models.StatusHOIApproval, next)
}

func TestChairmanApprovalTerminates(t *testing.T) {
	next, ok := ResolveApproval(models.StatusChairmanApproval, models.RoleChairman, 120000)
	require.True(t, ok)
	require.Equal(t, models.StatusApproved, next)
}

func TestRejectAvailableFromEveryActiveStatus(t *testing.T) {
	statuses := []models.RequestStatus{
		models.StatusManagerReview,
		models.StatusParallelVerification,
		models.StatusSOPCompleted,
		models.StatusBudgetCompleted,
		models.StatusInstitutionVerified,
		models.StatusVPApproval,
		models.StatusHOIApproval,
		models.StatusDeanReview,
		models.StatusDeanVerification,
		models.StatusDepartmentChecks,
		models.StatusChiefDirectorApproval,
		models.StatusChairmanApproval,
	}
	for _, status := range statuses {
		approvers := RequiredApprovers(status)
		require.NotEmpty(t, approvers, "status %s", status)
		next, ok := NextStatus(status, models.ActionReject, approvers[0], 0)
		require.True(t, ok, "reject from %s by %s", status, approvers[0])
		require.Equal(t, models.StatusRejected, next)
	}
}

func TestRejectDeniedForUnauthorizedRole(t *testing.T) {
	_, ok := NextStatus(models.StatusVPApproval, models.ActionReject, models.RoleAccountant, 0)
	require.False(t, ok)
}

func TestRejectedHasNoApproveOrForwardTransitions(t *testing.T) {
	for _, role := range []models.UserRole{
		models.RoleInstitutionManager, models.RoleVP, models.RoleDean,
		models.RoleChiefDirector, models.RoleChairman,
	} {
		_, ok := NextStatus(models.StatusRejected, models.ActionApprove, role, 0)
		require.False(t, ok, "approve from REJECTED by %s", role)
		_, ok = NextStatus(models.StatusRejected, models.ActionForward, role, 0)
		require.False(t, ok, "forward from REJECTED by %s", role)
	}
}

func TestManagerForwardOpensParallelVerification(t *testing.T) {
	next, ok := ResolveForward(models.StatusManagerReview, models.RoleInstitutionManager)
	require.True(t, ok)
	require.Equal(t, models.StatusParallelVerification, next)
}

func TestDepartmentForwardReturnsToDeanVerification(t *testing.T) {
	for _, dept := range models.DepartmentRoles {
		next, ok := ResolveForward(models.StatusDepartmentChecks, dept)
		require.True(t, ok, "department %s", dept)
		require.Equal(t, models.StatusDeanVerification, next)
	}
}

func TestForwardDeniedForNonDepartmentAtChecks(t *testing.T) {
	_, ok := ResolveForward(models.StatusDepartmentChecks, models.RoleVP)
	require.False(t, ok)
}

func TestApproveWithoutMatchingRuleFails(t *testing.T) {
	_, ok := ResolveApproval(models.StatusManagerReview, models.RoleInstitutionManager, 0)
	require.False(t, ok, "manager review advances by forward, not approve")
	_, ok = ResolveApproval(models.StatusVPApproval, models.RoleDean, 0)
	require.False(t, ok)
}

func TestStatusesOwnedByRoleMatchesApproverTable(t *testing.T) {
	for _, status := range []models.RequestStatus{
		models.StatusManagerReview,
		models.StatusInstitutionVerified,
	} {
		owned := StatusesOwnedByRole(models.RoleInstitutionManager)
		require.Contains(t, owned, status)
	}
	require.Contains(t, StatusesOwnedByRole(models.RoleHR), models.StatusDepartmentChecks)
	require.NotContains(t, StatusesOwnedByRole(models.RoleHR), models.StatusVPApproval)
}

func TestRoleForStatus(t *testing.T) {
	role, ok := RoleForStatus(models.StatusVPApproval)
	require.True(t, ok)
	require.Equal(t, models.RoleVP, role)

	role, ok = RoleForStatus(models.StatusChairmanApproval)
	require.True(t, ok)
	require.Equal(t, models.RoleChairman, role)

	_, ok = RoleForStatus(models.StatusApproved)
	require.False(t, ok)
}
