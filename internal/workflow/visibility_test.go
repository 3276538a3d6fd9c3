package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/procureflow-api/internal/models"
)

func historyEntry(minute int, actorID string, action models.HistoryAction, prev, next models.RequestStatus) models.HistoryEntry {
	return models.HistoryEntry{
		ID:             actorID + "-" + string(action),
		Action:         action,
		ActorID:        actorID,
		Timestamp:      time.Date(2026, 3, 2, 10, minute, 0, 0, time.UTC),
		PreviousStatus: prev,
		NewStatus:      next,
	}
}

func TestRequesterSeesOnlyOwnRequests(t *testing.T) {
	req := &models.Request{RequesterID: "user-1", Status: models.StatusVPApproval}

	require.True(t, Visibility(req, models.RoleRequester, "user-1").CanSee)
	require.False(t, Visibility(req, models.RoleRequester, "user-2").CanSee)
}

func TestRequesterPendingQueryAlwaysShowsPending(t *testing.T) {
	req := &models.Request{
		RequesterID:  "user-1",
		Status:       models.StatusSubmitted,
		PendingQuery: true,
		QueryLevel:   models.RoleRequester,
	}
	result := Visibility(req, models.RoleRequester, "user-1")
	require.Equal(t, CategoryPending, result.Category)

	// Even a REJECTED request shows pending while the query targets the requester.
	req.Status = models.StatusRejected
	result = Visibility(req, models.RoleRequester, "user-1")
	require.Equal(t, CategoryPending, result.Category)
}

func TestRequesterTerminalCategories(t *testing.T) {
	approved := &models.Request{RequesterID: "u", Status: models.StatusApproved}
	require.Equal(t, CategoryApproved, Visibility(approved, models.RoleRequester, "u").Category)

	rejected := &models.Request{RequesterID: "u", Status: models.StatusRejected}
	require.Equal(t, CategoryCompleted, Visibility(rejected, models.RoleRequester, "u").Category)

	inFlight := &models.Request{RequesterID: "u", Status: models.StatusDeanReview}
	require.Equal(t, CategoryInProgress, Visibility(inFlight, models.RoleRequester, "u").Category)
}

func TestApproverSeesCurrentlyOwnedStatus(t *testing.T) {
	req := &models.Request{
		Status: models.StatusVPApproval,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			historyEntry(1, "mgr-1", models.ActionForward, models.StatusInstitutionVerified, models.StatusVPApproval),
		},
	}
	result := Visibility(req, models.RoleVP, "vp-1")
	require.True(t, result.CanSee)
	require.Equal(t, CategoryPending, result.Category)
	require.Equal(t, "awaiting your approval", result.Reason)
}

func TestApproverSeesRequestTheyActedOn(t *testing.T) {
	req := &models.Request{
		Status: models.StatusHOIApproval,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			historyEntry(1, "vp-1", models.ActionApprove, models.StatusVPApproval, models.StatusHOIApproval),
		},
	}
	result := Visibility(req, models.RoleVP, "vp-1")
	require.True(t, result.CanSee)
	require.Equal(t, CategoryApproved, result.Category)
	require.Equal(t, "approved", result.UserAction)
}

func TestApproverCannotSeeUnrelatedRequest(t *testing.T) {
	req := &models.Request{
		Status: models.StatusManagerReview,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
		},
	}
	require.False(t, Visibility(req, models.RoleChairman, "chair-1").CanSee)
}

func TestPassedThroughStatusCountsBeforeRejectionOnly(t *testing.T) {
	// Request reached VP_APPROVAL, then was rejected there.
	req := &models.Request{
		Status: models.StatusRejected,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			historyEntry(1, "mgr-1", models.ActionForward, models.StatusInstitutionVerified, models.StatusVPApproval),
			historyEntry(2, "vp-1", models.ActionReject, models.StatusVPApproval, models.StatusRejected),
		},
	}
	// Another VP (who never acted) can still see it: VP_APPROVAL was reached
	// before the rejection.
	require.True(t, Visibility(req, models.RoleVP, "vp-2").CanSee)
	// HOI never had the request before rejection.
	require.False(t, Visibility(req, models.RoleHeadOfInstitution, "hoi-1").CanSee)
}

func TestVisibilityPrecedenceRejectionBeatsOwnApproval(t *testing.T) {
	// X approved at VP level; Y later rejected at HOI level. X must see
	// completed/rejected, never approved.
	req := &models.Request{
		Status: models.StatusRejected,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			historyEntry(1, "vp-x", models.ActionApprove, models.StatusVPApproval, models.StatusHOIApproval),
			historyEntry(2, "hoi-y", models.ActionReject, models.StatusHOIApproval, models.StatusRejected),
		},
	}
	result := Visibility(req, models.RoleVP, "vp-x")
	require.True(t, result.CanSee)
	require.Equal(t, CategoryCompleted, result.Category)
}

func TestRejectedWithOpenRoundShowsReviewNeededAfterResponse(t *testing.T) {
	rejection := historyEntry(1, "vp-1", models.ActionRejectWithClarification, models.StatusVPApproval, models.StatusSubmitted)
	rejection.Query = &models.QueryDetail{Request: "need vendor quotes", RequiresClarification: true}
	response := historyEntry(2, "user-1", models.ActionClarifyAndReapprove, models.StatusSubmitted, models.StatusRejected)

	req := &models.Request{
		Status:       models.StatusRejected,
		PendingQuery: true,
		QueryLevel:   models.RoleVP,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			rejection,
			response,
		},
	}
	result := Visibility(req, models.RoleVP, "vp-1")
	require.True(t, result.CanSee)
	require.Equal(t, CategoryPending, result.Category)
	require.Equal(t, "review needed", result.Reason)
}

func TestRejectedWithOpenRoundAwaitsRequester(t *testing.T) {
	rejection := historyEntry(1, "vp-1", models.ActionRejectWithClarification, models.StatusVPApproval, models.StatusRejected)
	rejection.Query = &models.QueryDetail{Request: "need vendor quotes", RequiresClarification: true}

	req := &models.Request{
		Status:       models.StatusRejected,
		PendingQuery: true,
		QueryLevel:   models.RoleRequester,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			rejection,
		},
	}
	result := Visibility(req, models.RoleVP, "vp-1")
	require.True(t, result.CanSee)
	require.Equal(t, CategoryCompleted, result.Category)
	require.Equal(t, "awaiting requester query", result.Reason)
}

func TestDeanMediationReasons(t *testing.T) {
	rejection := historyEntry(1, "chair-1", models.ActionRejectWithClarification, models.StatusChairmanApproval, models.StatusDeanReview)
	rejection.Query = &models.QueryDetail{Request: "board approval minutes", RequiresClarification: true, DeanMediated: true}

	req := &models.Request{
		Status:       models.StatusDeanReview,
		PendingQuery: true,
		QueryLevel:   models.RoleDean,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			rejection,
		},
	}
	result := Visibility(req, models.RoleDean, "dean-1")
	require.True(t, result.CanSee)
	require.Equal(t, CategoryPending, result.Category)
	require.Equal(t, "handle rejection from above", result.Reason)

	// After the requester responds, the dean reviews the response instead.
	relay := historyEntry(2, "dean-1", models.ActionClarify, models.StatusDeanReview, models.StatusSubmitted)
	relay.Clarify = &models.ClarifyDetail{Message: "please answer", SentToRequester: true}
	response := historyEntry(3, "user-1", models.ActionClarifyAndReapprove, models.StatusSubmitted, models.StatusDeanReview)
	req.History = append(req.History, relay, response)

	result = Visibility(req, models.RoleDean, "dean-1")
	require.Equal(t, CategoryPending, result.Category)
	require.Equal(t, "review requester's response and re-approve", result.Reason)
}

func TestDeanSeesDepartmentChecksTheyRouted(t *testing.T) {
	route := historyEntry(1, "dean-1", models.ActionClarify, models.StatusDeanReview, models.StatusDepartmentChecks)
	route.Clarify = &models.ClarifyDetail{Message: "check inventory", QueryTarget: models.RoleIT}

	req := &models.Request{
		Status: models.StatusDepartmentChecks,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			route,
		},
	}
	require.True(t, Visibility(req, models.RoleDean, "dean-1").CanSee)
}

func TestClarifierShowsInProgress(t *testing.T) {
	route := historyEntry(1, "dean-1", models.ActionClarify, models.StatusDeanReview, models.StatusDepartmentChecks)
	route.Clarify = &models.ClarifyDetail{Message: "check inventory", QueryTarget: models.RoleIT}

	req := &models.Request{
		Status: models.StatusDepartmentChecks,
		History: models.History{
			historyEntry(0, "user-1", models.ActionCreate, "", models.StatusManagerReview),
			route,
		},
	}
	result := Visibility(req, models.RoleDean, "dean-1")
	require.Equal(t, CategoryInProgress, result.Category)
	require.Equal(t, "clarified", result.UserAction)
}

func TestFilterByVisibility(t *testing.T) {
	mine := models.Request{
		ID:          "r1",
		RequesterID: "user-1",
		Status:      models.StatusVPApproval,
	}
	theirs := models.Request{
		ID:          "r2",
		RequesterID: "user-2",
		Status:      models.StatusVPApproval,
	}
	done := models.Request{
		ID:          "r3",
		RequesterID: "user-1",
		Status:      models.StatusApproved,
	}

	visible := FilterByVisibility([]models.Request{mine, theirs, done}, models.RoleRequester, "user-1", "")
	require.Len(t, visible, 2)
	require.Equal(t, "r1", visible[0].ID)
	require.Equal(t, "r3", visible[1].ID)

	approvedOnly := FilterByVisibility([]models.Request{mine, theirs, done}, models.RoleRequester, "user-1", CategoryApproved)
	require.Len(t, approvedOnly, 1)
	require.Equal(t, "r3", approvedOnly[0].ID)
}
