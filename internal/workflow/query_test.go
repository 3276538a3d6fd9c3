package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/procureflow-api/internal/models"
)

func entryAt(minute int, action models.HistoryAction, prev, next models.RequestStatus) models.HistoryEntry {
	return models.HistoryEntry{
		ID:             "h" + string(rune('a'+minute)),
		Action:         action,
		Timestamp:      time.Date(2026, 3, 1, 9, minute, 0, 0, time.UTC),
		PreviousStatus: prev,
		NewStatus:      next,
	}
}

func TestQueryTargetDirectToRequester(t *testing.T) {
	for _, role := range []models.UserRole{
		models.RoleInstitutionManager,
		models.RoleSOPVerifier,
		models.RoleAccountant,
		models.RoleVP,
		models.RoleHeadOfInstitution,
		models.RoleDean,
	} {
		target, ok := QueryTarget(models.StatusVPApproval, role)
		require.True(t, ok, "role %s", role)
		require.Equal(t, models.StatusSubmitted, target.Status)
		require.Equal(t, models.RoleRequester, target.Role)
		require.False(t, target.DeanMediated)
	}
}

func TestQueryTargetAboveDeanIsMediated(t *testing.T) {
	for _, role := range []models.UserRole{models.RoleChiefDirector, models.RoleChairman} {
		target, ok := QueryTarget(models.StatusChairmanApproval, role)
		require.True(t, ok, "role %s", role)
		require.Equal(t, models.StatusDeanReview, target.Status)
		require.Equal(t, models.RoleDean, target.Role)
		require.True(t, target.DeanMediated)
	}
}

func TestQueryTargetRequesterHasNone(t *testing.T) {
	_, ok := QueryTarget(models.StatusSubmitted, models.RoleRequester)
	require.False(t, ok)
}

func TestCanRespondDirectQuery(t *testing.T) {
	req := &models.Request{
		RequesterID:  "user-1",
		PendingQuery: true,
		QueryLevel:   models.RoleRequester,
		Status:       models.StatusSubmitted,
		History: models.History{
			entryAt(0, models.ActionCreate, "", models.StatusManagerReview),
			withQuery(entryAt(1, models.ActionRejectWithClarification, models.StatusVPApproval, models.StatusSubmitted), false),
		},
	}
	require.True(t, CanRespond(req, models.RoleRequester, "user-1"))
	require.False(t, CanRespond(req, models.RoleRequester, "user-2"), "someone else's request")
	require.False(t, CanRespond(req, models.RoleDean, "dean-1"), "dean cannot answer a direct query")
	require.False(t, CanRespond(req, models.RoleVP, "vp-1"))
}

func TestCanRespondDeanMediatedConfirmsHistory(t *testing.T) {
	req := &models.Request{
		RequesterID:  "user-1",
		PendingQuery: true,
		QueryLevel:   models.RoleDean,
		Status:       models.StatusDeanReview,
		History: models.History{
			entryAt(0, models.ActionCreate, "", models.StatusManagerReview),
			withQuery(entryAt(1, models.ActionRejectWithClarification, models.StatusChairmanApproval, models.StatusDeanReview), true),
		},
	}
	require.True(t, CanRespond(req, models.RoleDean, "dean-1"))

	// QueryLevel naming the dean is not enough if history shows no mediation.
	direct := &models.Request{
		RequesterID:  "user-1",
		PendingQuery: true,
		QueryLevel:   models.RoleDean,
		Status:       models.StatusDeanReview,
		History: models.History{
			entryAt(0, models.ActionCreate, "", models.StatusManagerReview),
			withQuery(entryAt(1, models.ActionRejectWithClarification, models.StatusVPApproval, models.StatusSubmitted), false),
		},
	}
	require.False(t, CanRespond(direct, models.RoleDean, "dean-1"))
}

func TestCanRespondFalseWithoutPendingQuery(t *testing.T) {
	req := &models.Request{RequesterID: "user-1", QueryLevel: models.RoleRequester}
	require.False(t, CanRespond(req, models.RoleRequester, "user-1"))
}

func withQuery(entry models.HistoryEntry, mediated bool) models.HistoryEntry {
	entry.Query = &models.QueryDetail{
		Request:               "please clarify",
		RequiresClarification: true,
		DeanMediated:          mediated,
	}
	return entry
}

func TestIsDeanMediatedByFlag(t *testing.T) {
	req := &models.Request{
		PendingQuery: true,
		History: models.History{
			withQuery(entryAt(1, models.ActionRejectWithClarification, models.StatusChiefDirectorApproval, models.StatusDeanReview), true),
		},
	}
	require.True(t, IsDeanMediated(req))
}

func TestIsDeanMediatedByPreviousStatusFallback(t *testing.T) {
	entry := entryAt(1, models.ActionRejectWithClarification, models.StatusChairmanApproval, models.StatusDeanReview)
	entry.Query = &models.QueryDetail{Request: "explain", RequiresClarification: true}
	req := &models.Request{PendingQuery: true, History: models.History{entry}}
	require.True(t, IsDeanMediated(req))
}

func TestIsDeanMediatedSkipsRelayHops(t *testing.T) {
	relay := entryAt(2, models.ActionClarify, models.StatusDeanReview, models.StatusSubmitted)
	relay.Clarify = &models.ClarifyDetail{Message: "please answer the chairman", SentToRequester: true}
	response := entryAt(3, models.ActionClarifyAndReapprove, models.StatusSubmitted, models.StatusDeanReview)
	req := &models.Request{
		PendingQuery: true,
		History: models.History{
			entryAt(0, models.ActionCreate, "", models.StatusManagerReview),
			withQuery(entryAt(1, models.ActionRejectWithClarification, models.StatusChairmanApproval, models.StatusDeanReview), true),
			relay,
			response,
		},
	}
	require.True(t, IsDeanMediated(req))
}

func TestIsDeanMediatedFalseForDirectQuery(t *testing.T) {
	req := &models.Request{
		PendingQuery: true,
		History: models.History{
			withQuery(entryAt(1, models.ActionRejectWithClarification, models.StatusVPApproval, models.StatusSubmitted), false),
		},
	}
	require.False(t, IsDeanMediated(req))
}

func TestOriginalRejectorFromStatusTable(t *testing.T) {
	entry := entryAt(1, models.ActionRejectWithClarification, models.StatusVPApproval, models.StatusSubmitted)
	entry.ActorName = "Dr. Vance"
	entry.Query = &models.QueryDetail{Request: "why two vendors", RequiresClarification: true}
	req := &models.Request{PendingQuery: true, History: models.History{entry}}

	rejector, ok := OriginalRejector(req)
	require.True(t, ok)
	require.Equal(t, models.RoleVP, rejector.Role)
	require.Equal(t, "Dr. Vance", rejector.Name)
}

func TestOriginalRejectorPrefersRecordedRef(t *testing.T) {
	entry := entryAt(1, models.ActionRejectWithClarification, models.StatusChairmanApproval, models.StatusDeanReview)
	entry.Query = &models.QueryDetail{
		Request:               "budget source",
		RequiresClarification: true,
		OriginalRejector:      &models.RejectorRef{Role: models.RoleChairman, Name: "Chairman Osei"},
	}
	req := &models.Request{PendingQuery: true, History: models.History{entry}}

	rejector, ok := OriginalRejector(req)
	require.True(t, ok)
	require.Equal(t, models.RoleChairman, rejector.Role)
	require.Equal(t, "Chairman Osei", rejector.Name)
}

func TestOriginalRejectorNoneWithoutOpenRound(t *testing.T) {
	req := &models.Request{
		History: models.History{
			entryAt(0, models.ActionCreate, "", models.StatusManagerReview),
			entryAt(1, models.ActionForward, models.StatusManagerReview, models.StatusParallelVerification),
		},
	}
	_, ok := OriginalRejector(req)
	require.False(t, ok)
}

func TestReturnStatusMapsOriginBack(t *testing.T) {
	tests := []struct {
		origin models.RequestStatus
		want   models.RequestStatus
	}{
		{models.StatusVPApproval, models.StatusVPApproval},
		{models.StatusHOIApproval, models.StatusHOIApproval},
		{models.StatusDeanReview, models.StatusDeanReview},
		{models.StatusChairmanApproval, models.StatusChairmanApproval},
		{models.StatusSOPCompleted, models.StatusParallelVerification},
		{models.StatusBudgetCompleted, models.StatusParallelVerification},
		{models.StatusSOPVerification, models.StatusParallelVerification},
		{models.StatusBudgetCheck, models.StatusParallelVerification},
		{models.StatusParallelVerification, models.StatusParallelVerification},
	}
	for _, tc := range tests {
		entry := entryAt(1, models.ActionRejectWithClarification, tc.origin, models.StatusSubmitted)
		entry.Query = &models.QueryDetail{Request: "clarify", RequiresClarification: true}
		req := &models.Request{PendingQuery: true, History: models.History{entry}}

		got, ok := ReturnStatus(req)
		require.True(t, ok, "origin %s", tc.origin)
		require.Equal(t, tc.want, got, "origin %s", tc.origin)
	}
}

func TestTargetedDepartment(t *testing.T) {
	route := entryAt(1, models.ActionClarify, models.StatusDeanReview, models.StatusDepartmentChecks)
	route.Clarify = &models.ClarifyDetail{Message: "verify asset register", QueryTarget: models.RoleHR}
	req := &models.Request{History: models.History{
		entryAt(0, models.ActionCreate, "", models.StatusManagerReview),
		route,
	}}

	dept, ok := TargetedDepartment(req)
	require.True(t, ok)
	require.Equal(t, models.RoleHR, dept)
}

func TestTargetedDepartmentNoneWithoutRouting(t *testing.T) {
	req := &models.Request{History: models.History{
		entryAt(0, models.ActionCreate, "", models.StatusManagerReview),
	}}
	_, ok := TargetedDepartment(req)
	require.False(t, ok)
}
