// Package workflow implements the approval state machine: the legal
// transition table, role authorization, the clarification-query routing
// rules, and per-viewer visibility of requests. All functions are pure;
// persistence and identity are the caller's concern.
package workflow

import (
	"github.com/noah-isme/procureflow-api/internal/models"
)

// ChairmanCostThreshold is the cost estimate above which chief-director
// approval escalates to the chairman instead of terminating the chain.
const ChairmanCostThreshold = 50000

// Transition is one legal edge of the approval chain.
type Transition struct {
	From   models.RequestStatus
	To     models.RequestStatus
	Action models.HistoryAction
	Roles  []models.UserRole
}

// transitionTable is the single canonical source for both RequiredApprovers
// and the visibility engine's role-ownership checks. Branches that depend on
// runtime context (cost fork, manager routing choice, parallel join) carry
// one row per possible outcome and are disambiguated in resolver functions.
var transitionTable = []Transition{
	{From: models.StatusManagerReview, To: models.StatusParallelVerification, Action: models.ActionForward, Roles: []models.UserRole{models.RoleInstitutionManager}},

	// Parallel fork: whichever verifier acts first moves the request into
	// the corresponding completed status; the other verifier then joins.
	{From: models.StatusParallelVerification, To: models.StatusSOPCompleted, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleSOPVerifier}},
	{From: models.StatusParallelVerification, To: models.StatusBudgetCompleted, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleAccountant}},
	{From: models.StatusSOPCompleted, To: models.StatusInstitutionVerified, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleAccountant}},
	{From: models.StatusBudgetCompleted, To: models.StatusInstitutionVerified, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleSOPVerifier}},

	// Legacy non-parallel verification path.
	{From: models.StatusSOPVerification, To: models.StatusManagerReview, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleSOPVerifier}},
	{From: models.StatusBudgetCheck, To: models.StatusManagerReview, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleAccountant}},

	// Manager routing branch after full verification.
	{From: models.StatusInstitutionVerified, To: models.StatusVPApproval, Action: models.ActionForward, Roles: []models.UserRole{models.RoleInstitutionManager}},
	{From: models.StatusInstitutionVerified, To: models.StatusDeanReview, Action: models.ActionForward, Roles: []models.UserRole{models.RoleInstitutionManager}},

	{From: models.StatusVPApproval, To: models.StatusHOIApproval, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleVP}},
	{From: models.StatusHOIApproval, To: models.StatusDeanReview, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleHeadOfInstitution}},

	{From: models.StatusDeanReview, To: models.StatusChiefDirectorApproval, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleDean}},
	{From: models.StatusDeanReview, To: models.StatusDepartmentChecks, Action: models.ActionClarify, Roles: []models.UserRole{models.RoleDean}},
	{From: models.StatusDeanVerification, To: models.StatusChiefDirectorApproval, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleDean}},

	{From: models.StatusDepartmentChecks, To: models.StatusDeanVerification, Action: models.ActionForward, Roles: models.DepartmentRoles},

	// Cost fork, resolved by ResolveApproval against ChairmanCostThreshold.
	{From: models.StatusChiefDirectorApproval, To: models.StatusApproved, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleChiefDirector}},
	{From: models.StatusChiefDirectorApproval, To: models.StatusChairmanApproval, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleChiefDirector}},
	{From: models.StatusChairmanApproval, To: models.StatusApproved, Action: models.ActionApprove, Roles: []models.UserRole{models.RoleChairman}},

	// Statuses the requester owns while a query round is outstanding.
	{From: models.StatusSubmitted, To: models.StatusManagerReview, Action: models.ActionClarifyAndReapprove, Roles: []models.UserRole{models.RoleRequester}},
	{From: models.StatusClarificationRequired, To: models.StatusManagerReview, Action: models.ActionClarifyAndReapprove, Roles: []models.UserRole{models.RoleRequester}},
}

// RequiredApprovers returns every role authorized to act while a request
// sits at the given status, deduplicated across table rows.
func RequiredApprovers(status models.RequestStatus) []models.UserRole {
	seen := make(map[models.UserRole]struct{})
	var roles []models.UserRole
	for _, t := range transitionTable {
		if t.From != status {
			continue
		}
		for _, r := range t.Roles {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			roles = append(roles, r)
		}
	}
	return roles
}

// IsAuthorized reports whether a role may act at the given status.
func IsAuthorized(status models.RequestStatus, role models.UserRole) bool {
	for _, r := range RequiredApprovers(status) {
		if r == role {
			return true
		}
	}
	return false
}

// StatusesOwnedByRole returns the statuses at which the role is an approver,
// in table order. Both RequiredApprovers and the visibility engine derive
// ownership from the same table so they can never disagree.
func StatusesOwnedByRole(role models.UserRole) []models.RequestStatus {
	seen := make(map[models.RequestStatus]struct{})
	var statuses []models.RequestStatus
	for _, t := range transitionTable {
		for _, r := range t.Roles {
			if r != role {
				continue
			}
			if _, ok := seen[t.From]; ok {
				continue
			}
			seen[t.From] = struct{}{}
			statuses = append(statuses, t.From)
		}
	}
	return statuses
}

// statusRole maps each status to the single role that primarily owns it.
// Used to recover a rejector's role from a history entry's previousStatus,
// since actor role fields are not reliably populated in older records.
var statusRole = map[models.RequestStatus]models.UserRole{
	models.StatusSubmitted:             models.RoleRequester,
	models.StatusClarificationRequired: models.RoleRequester,
	models.StatusManagerReview:         models.RoleInstitutionManager,
	models.StatusInstitutionVerified:   models.RoleInstitutionManager,
	models.StatusParallelVerification:  models.RoleSOPVerifier,
	models.StatusSOPVerification:       models.RoleSOPVerifier,
	models.StatusBudgetCompleted:       models.RoleSOPVerifier,
	models.StatusBudgetCheck:           models.RoleAccountant,
	models.StatusSOPCompleted:          models.RoleAccountant,
	models.StatusVPApproval:            models.RoleVP,
	models.StatusHOIApproval:           models.RoleHeadOfInstitution,
	models.StatusDeanReview:            models.RoleDean,
	models.StatusDeanVerification:      models.RoleDean,
	models.StatusDepartmentChecks:      models.RoleMMA,
	models.StatusChiefDirectorApproval: models.RoleChiefDirector,
	models.StatusChairmanApproval:      models.RoleChairman,
}

// RoleForStatus returns the role that primarily owns a status.
func RoleForStatus(status models.RequestStatus) (models.UserRole, bool) {
	role, ok := statusRole[status]
	return role, ok
}

// ResolveApproval computes the next status for an APPROVE by the given role.
// Rules apply in priority order; the first match wins:
//  1. parallel-verification joins (either order reaches INSTITUTION_VERIFIED)
//  2. chief-director cost fork at ChairmanCostThreshold
//  3. generic transition table lookup
//  4. VP_APPROVAL override to HOI_APPROVAL
func ResolveApproval(status models.RequestStatus, role models.UserRole, costEstimate float64) (models.RequestStatus, bool) {
	if status == models.StatusSOPCompleted && role == models.RoleAccountant {
		return models.StatusInstitutionVerified, true
	}
	if status == models.StatusBudgetCompleted && role == models.RoleSOPVerifier {
		return models.StatusInstitutionVerified, true
	}
	if status == models.StatusChiefDirectorApproval && role == models.RoleChiefDirector {
		if costEstimate > ChairmanCostThreshold {
			return models.StatusChairmanApproval, true
		}
		return models.StatusApproved, true
	}
	if next, ok := lookup(status, models.ActionApprove, role); ok {
		return next, true
	}
	if status == models.StatusVPApproval && role == models.RoleVP {
		return models.StatusHOIApproval, true
	}
	return "", false
}

// ResolveForward computes the next status for a FORWARD by the given role.
// DEPARTMENT_CHECKS responses fall back to DEAN_VERIFICATION when the table
// has no matching row.
func ResolveForward(status models.RequestStatus, role models.UserRole) (models.RequestStatus, bool) {
	if next, ok := lookup(status, models.ActionForward, role); ok {
		return next, true
	}
	if status == models.StatusDepartmentChecks && models.IsDepartmentRole(role) {
		return models.StatusDeanVerification, true
	}
	return "", false
}

// NextStatus computes the next status for (current, action, role). REJECT is
// legal from every status the role is authorized for and always terminates
// at REJECTED. Context-dependent approve branches use the cost estimate.
func NextStatus(current models.RequestStatus, action models.HistoryAction, role models.UserRole, costEstimate float64) (models.RequestStatus, bool) {
	switch action {
	case models.ActionReject:
		if IsAuthorized(current, role) {
			return models.StatusRejected, true
		}
		return "", false
	case models.ActionApprove:
		return ResolveApproval(current, role, costEstimate)
	case models.ActionForward:
		return ResolveForward(current, role)
	default:
		return lookup(current, action, role)
	}
}

func lookup(from models.RequestStatus, action models.HistoryAction, role models.UserRole) (models.RequestStatus, bool) {
	for _, t := range transitionTable {
		if t.From != from || t.Action != action {
			continue
		}
		for _, r := range t.Roles {
			if r == role {
				return t.To, true
			}
		}
	}
	return "", false
}
