package workflow

import (
	"github.com/noah-isme/procureflow-api/internal/models"
)

// Above-dean set: rejections from these roles are mediated by the dean
// instead of reaching the requester directly. VP and HOI rejections go
// straight to the requester.
var aboveDeanRoles = map[models.UserRole]struct{}{
	models.RoleChiefDirector: {},
	models.RoleChairman:      {},
}

var aboveDeanStatuses = map[models.RequestStatus]struct{}{
	models.StatusChiefDirectorApproval: {},
	models.StatusChairmanApproval:      {},
}

// QueryTargetResult names where a rejection-with-clarification is routed.
type QueryTargetResult struct {
	Status       models.RequestStatus
	Role         models.UserRole
	DeanMediated bool
}

// QueryTarget computes the destination of a clarification query opened by
// rejectingRole at the given status. Rejections from above the dean's level
// are routed through the dean as mediator; everything else goes to the
// requester directly. The requester cannot open a query round.
func QueryTarget(current models.RequestStatus, rejectingRole models.UserRole) (QueryTargetResult, bool) {
	if rejectingRole == models.RoleRequester {
		return QueryTargetResult{}, false
	}
	if _, ok := aboveDeanRoles[rejectingRole]; ok {
		return QueryTargetResult{
			Status:       models.StatusDeanReview,
			Role:         models.RoleDean,
			DeanMediated: true,
		}, true
	}
	return QueryTargetResult{
		Status: models.StatusSubmitted,
		Role:   models.RoleRequester,
	}, true
}

// IsPendingResponseFor reports whether the request is waiting on the role.
func IsPendingResponseFor(req *models.Request, role models.UserRole) bool {
	return req.PendingQuery && req.QueryLevel == role
}

// CanRespond is the authoritative check for who may answer an open query.
// Only the requester answers a query at requester level (their own request),
// and only the dean answers a dean-mediated one; mediation is independently
// confirmed against history rather than trusting QueryLevel alone.
func CanRespond(req *models.Request, role models.UserRole, userID string) bool {
	if !req.PendingQuery {
		return false
	}
	switch role {
	case models.RoleRequester:
		return req.QueryLevel == models.RoleRequester && req.RequesterID == userID
	case models.RoleDean:
		return req.QueryLevel == models.RoleDean && IsDeanMediated(req)
	default:
		return false
	}
}

// originatingRejection walks the history backward to the rejection entry
// that opened the current query round, skipping dean relay hops and the
// requester's own responses in between.
func originatingRejection(req *models.Request) *models.HistoryEntry {
	for i := len(req.History) - 1; i >= 0; i-- {
		entry := &req.History[i]
		switch entry.Action {
		case models.ActionRejectWithClarification:
			return entry
		case models.ActionClarifyAndReapprove:
			continue
		case models.ActionClarify:
			if entry.Clarify != nil && entry.Clarify.SentToRequester {
				continue
			}
			return nil
		default:
			return nil
		}
	}
	return nil
}

// IsDeanMediated reports whether the open query round originated above the
// dean's level. The entry's own flag wins; the previousStatus heuristic
// covers records written before the flag existed.
func IsDeanMediated(req *models.Request) bool {
	entry := originatingRejection(req)
	if entry == nil {
		return false
	}
	if entry.Query != nil && entry.Query.DeanMediated {
		return true
	}
	_, ok := aboveDeanStatuses[entry.PreviousStatus]
	return ok
}

// OriginalRejector resolves the actor whose rejection opened the current
// query round. The role comes from the status→role table, not the entry's
// actor role, which older records may leave empty.
func OriginalRejector(req *models.Request) (models.RejectorRef, bool) {
	entry := originatingRejection(req)
	if entry == nil {
		return models.RejectorRef{}, false
	}
	if entry.Query != nil && entry.Query.OriginalRejector != nil {
		return *entry.Query.OriginalRejector, true
	}
	role, ok := RoleForStatus(entry.PreviousStatus)
	if !ok {
		return models.RejectorRef{}, false
	}
	return models.RejectorRef{Role: role, Name: entry.ActorName}, true
}

// returnStatusFor collapses the verification sub-statuses into the common
// parallel re-entry point; every other status returns to itself.
var returnStatusFor = map[models.RequestStatus]models.RequestStatus{
	models.StatusParallelVerification: models.StatusParallelVerification,
	models.StatusSOPVerification:      models.StatusParallelVerification,
	models.StatusBudgetCheck:          models.StatusParallelVerification,
	models.StatusSOPCompleted:         models.StatusParallelVerification,
	models.StatusBudgetCompleted:      models.StatusParallelVerification,
}

// ReturnStatus computes where the request resumes once the open query round
// is resolved: the status at which the original rejection was made.
func ReturnStatus(req *models.Request) (models.RequestStatus, bool) {
	entry := originatingRejection(req)
	if entry == nil {
		return "", false
	}
	origin := entry.PreviousStatus
	if origin == "" {
		return "", false
	}
	if collapsed, ok := returnStatusFor[origin]; ok {
		return collapsed, true
	}
	return origin, true
}

// TargetedDepartment returns the department named by the most recent CLARIFY
// routing entry, which is the only role allowed to answer a department check.
func TargetedDepartment(req *models.Request) (models.UserRole, bool) {
	for i := len(req.History) - 1; i >= 0; i-- {
		entry := &req.History[i]
		if entry.Action != models.ActionClarify || entry.Clarify == nil {
			continue
		}
		if entry.Clarify.QueryTarget == "" {
			continue
		}
		return entry.Clarify.QueryTarget, true
	}
	return "", false
}
