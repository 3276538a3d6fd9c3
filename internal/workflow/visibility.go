package workflow

import (
	"time"

	"github.com/noah-isme/procureflow-api/internal/models"
)

// Category labels a request in a viewer's list.
type Category string

const (
	CategoryPending    Category = "pending"
	CategoryApproved   Category = "approved"
	CategoryInProgress Category = "in_progress"
	CategoryCompleted  Category = "completed"
)

// VisibilityResult describes whether and how a request appears to a viewer.
type VisibilityResult struct {
	CanSee     bool     `json:"can_see"`
	Category   Category `json:"category,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	UserAction string   `json:"user_action,omitempty"`
}

// Visibility computes whether the viewer may see the request and how it is
// categorized for them. Requesters see only their own requests; approvers
// see requests they have touched, currently own, or whose path crossed a
// status their role owns before any rejection.
func Visibility(req *models.Request, role models.UserRole, userID string) VisibilityResult {
	if role == models.RoleRequester {
		return requesterVisibility(req, userID)
	}
	return approverVisibility(req, role, userID)
}

func requesterVisibility(req *models.Request, userID string) VisibilityResult {
	if req.RequesterID != userID {
		return VisibilityResult{}
	}
	result := VisibilityResult{CanSee: true, UserAction: lastActionLabel(req, userID)}
	// A query waiting on the requester always shows as pending, even when
	// the underlying status is REJECTED or SUBMITTED.
	if req.PendingQuery && req.QueryLevel == models.RoleRequester {
		result.Category = CategoryPending
		result.Reason = "clarification requested from you"
		return result
	}
	switch req.Status {
	case models.StatusApproved:
		result.Category = CategoryApproved
		result.Reason = "request fully approved"
	case models.StatusRejected:
		result.Category = CategoryCompleted
		result.Reason = "request rejected"
	default:
		result.Category = CategoryInProgress
		result.Reason = "request moving through approvals"
	}
	return result
}

func approverVisibility(req *models.Request, role models.UserRole, userID string) VisibilityResult {
	if !approverCanSee(req, role, userID) {
		return VisibilityResult{}
	}
	category, reason := categorize(req, role, userID)
	return VisibilityResult{
		CanSee:     true,
		Category:   category,
		Reason:     reason,
		UserAction: lastActionLabel(req, userID),
	}
}

func approverCanSee(req *models.Request, role models.UserRole, userID string) bool {
	if hasActed(req, userID) {
		return true
	}
	if IsAuthorized(req.Status, role) {
		return true
	}
	if CanRespond(req, role, userID) {
		return true
	}
	if passedThroughOwnedStatus(req, role) {
		return true
	}
	// Dean exception: requests the dean personally routed to a department
	// check remain visible while the department works on them.
	if role == models.RoleDean && req.Status == models.StatusDepartmentChecks && deanRoutedToDepartment(req, userID) {
		return true
	}
	return false
}

func hasActed(req *models.Request, userID string) bool {
	for i := range req.History {
		if req.History[i].ActorID == userID {
			return true
		}
	}
	return false
}

// passedThroughOwnedStatus reports whether the request's status history ever
// reached a status the role owns. A status reached only after the request
// was rejected does not count.
func passedThroughOwnedStatus(req *models.Request, role models.UserRole) bool {
	owned := make(map[models.RequestStatus]struct{})
	for _, s := range StatusesOwnedByRole(role) {
		owned[s] = struct{}{}
	}
	rejectedAt, wasRejected := rejectionTime(req)
	for i := range req.History {
		entry := &req.History[i]
		if _, ok := owned[entry.NewStatus]; !ok {
			continue
		}
		if wasRejected && entry.Timestamp.After(rejectedAt) {
			continue
		}
		return true
	}
	return false
}

func rejectionTime(req *models.Request) (time.Time, bool) {
	for i := range req.History {
		if req.History[i].NewStatus == models.StatusRejected {
			return req.History[i].Timestamp, true
		}
	}
	return time.Time{}, false
}

func deanRoutedToDepartment(req *models.Request, userID string) bool {
	for i := len(req.History) - 1; i >= 0; i-- {
		entry := &req.History[i]
		if entry.Action != models.ActionClarify || entry.Clarify == nil || entry.Clarify.QueryTarget == "" {
			continue
		}
		return entry.ActorID == userID
	}
	return false
}

// categorize applies the first matching rule. The ordering is load-bearing:
// a terminal rejection wins over the viewer's own earlier approval.
func categorize(req *models.Request, role models.UserRole, userID string) (Category, string) {
	if req.Status == models.StatusApproved {
		return CategoryApproved, "request fully approved"
	}
	if req.Status == models.StatusRejected {
		return categorizeRejected(req, role)
	}
	if IsPendingResponseFor(req, role) && CanRespond(req, role, userID) {
		if role == models.RoleDean && IsDeanMediated(req) {
			if requesterHasResponded(req) {
				return CategoryPending, "review requester's response and re-approve"
			}
			return CategoryPending, "handle rejection from above"
		}
		return CategoryPending, "clarification response required"
	}
	if IsAuthorized(req.Status, role) && !actedSinceStatusChange(req, userID) {
		return CategoryPending, "awaiting your approval"
	}
	if category, reason, ok := categorizeByOwnAction(req, role, userID); ok {
		return category, reason
	}
	if ownsStatus(req.Status, role) {
		return CategoryPending, "request at a stage your role handles"
	}
	return CategoryInProgress, "request moving through approvals"
}

func categorizeRejected(req *models.Request, role models.UserRole) (Category, string) {
	if req.PendingQuery {
		if rejector, ok := OriginalRejector(req); ok && rejector.Role == role {
			if requesterHasResponded(req) {
				return CategoryPending, "review needed"
			}
			return CategoryCompleted, "awaiting requester query"
		}
	}
	return CategoryCompleted, "request rejected"
}

// requesterHasResponded reports whether the requester answered the open
// query round, i.e. a response entry follows the originating rejection.
func requesterHasResponded(req *models.Request) bool {
	for i := len(req.History) - 1; i >= 0; i-- {
		switch req.History[i].Action {
		case models.ActionClarifyAndReapprove:
			return true
		case models.ActionRejectWithClarification:
			return false
		}
	}
	return false
}

// actedSinceStatusChange reports whether the viewer acted at or after the
// moment the status last changed to its current value. The entry that set
// the current status counts when the viewer authored it, so a verifier who
// already stamped the request at this stage is not prompted again.
func actedSinceStatusChange(req *models.Request, userID string) bool {
	arrived := -1
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].NewStatus == req.Status {
			arrived = i
			break
		}
	}
	for i := len(req.History) - 1; i >= arrived && i >= 0; i-- {
		entry := &req.History[i]
		if entry.ActorID == userID && entry.Action != models.ActionCreate {
			return true
		}
	}
	return false
}

func categorizeByOwnAction(req *models.Request, role models.UserRole, userID string) (Category, string, bool) {
	approved, rejected, clarified := false, false, false
	for i := range req.History {
		entry := &req.History[i]
		if entry.ActorID != userID {
			continue
		}
		switch entry.Action {
		case models.ActionApprove, models.ActionForward:
			approved = true
		case models.ActionReject, models.ActionRejectWithClarification:
			rejected = true
		case models.ActionClarify:
			clarified = true
		}
	}
	switch {
	case approved:
		return CategoryApproved, "you already approved this request", true
	case rejected:
		if req.PendingQuery {
			if rejector, ok := OriginalRejector(req); ok && rejector.Role == role && requesterHasResponded(req) {
				return CategoryPending, "review needed", true
			}
			return CategoryCompleted, "awaiting requester query", true
		}
		return CategoryCompleted, "you rejected this request", true
	case clarified:
		return CategoryInProgress, "awaiting clarification outcome", true
	}
	return "", "", false
}

func ownsStatus(status models.RequestStatus, role models.UserRole) bool {
	for _, s := range StatusesOwnedByRole(role) {
		if s == status {
			return true
		}
	}
	return false
}

func lastActionLabel(req *models.Request, userID string) string {
	for i := len(req.History) - 1; i >= 0; i-- {
		entry := &req.History[i]
		if entry.ActorID != userID {
			continue
		}
		switch entry.Action {
		case models.ActionCreate:
			return "created"
		case models.ActionApprove:
			return "approved"
		case models.ActionReject:
			return "rejected"
		case models.ActionRejectWithClarification:
			return "queried"
		case models.ActionClarify:
			return "clarified"
		case models.ActionForward:
			return "forwarded"
		case models.ActionClarifyAndReapprove:
			return "responded"
		}
	}
	return ""
}

// VisibleRequest pairs a request with its computed visibility tag.
type VisibleRequest struct {
	models.Request
	Visibility VisibilityResult `json:"visibility"`
}

// FilterByVisibility maps every request through Visibility, keeps the ones
// the viewer may see, optionally filters by category, and preserves the
// caller's ordering.
func FilterByVisibility(requests []models.Request, role models.UserRole, userID string, category Category) []VisibleRequest {
	visible := make([]VisibleRequest, 0, len(requests))
	for i := range requests {
		result := Visibility(&requests[i], role, userID)
		if !result.CanSee {
			continue
		}
		if category != "" && result.Category != category {
			continue
		}
		visible = append(visible, VisibleRequest{Request: requests[i], Visibility: result})
	}
	return visible
}
