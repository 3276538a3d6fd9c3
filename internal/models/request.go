package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RequestStatus enumerates the lifecycle states of a purchase request.
type RequestStatus string

const (
	StatusSubmitted             RequestStatus = "SUBMITTED"
	StatusManagerReview         RequestStatus = "MANAGER_REVIEW"
	StatusParallelVerification  RequestStatus = "PARALLEL_VERIFICATION"
	StatusSOPVerification       RequestStatus = "SOP_VERIFICATION"
	StatusBudgetCheck           RequestStatus = "BUDGET_CHECK"
	StatusSOPCompleted          RequestStatus = "SOP_COMPLETED"
	StatusBudgetCompleted       RequestStatus = "BUDGET_COMPLETED"
	StatusInstitutionVerified   RequestStatus = "INSTITUTION_VERIFIED"
	StatusVPApproval            RequestStatus = "VP_APPROVAL"
	StatusHOIApproval           RequestStatus = "HOI_APPROVAL"
	StatusDeanReview            RequestStatus = "DEAN_REVIEW"
	StatusDeanVerification      RequestStatus = "DEAN_VERIFICATION"
	StatusDepartmentChecks      RequestStatus = "DEPARTMENT_CHECKS"
	StatusChiefDirectorApproval RequestStatus = "CHIEF_DIRECTOR_APPROVAL"
	StatusChairmanApproval      RequestStatus = "CHAIRMAN_APPROVAL"
	StatusApproved              RequestStatus = "APPROVED"
	StatusRejected              RequestStatus = "REJECTED"
	StatusClarificationRequired RequestStatus = "CLARIFICATION_REQUIRED"
)

// IsTerminal reports whether the status ends the main approval chain.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// HistoryAction enumerates the actions recorded in a request's history.
type HistoryAction string

const (
	ActionCreate                  HistoryAction = "CREATE"
	ActionApprove                 HistoryAction = "APPROVE"
	ActionReject                  HistoryAction = "REJECT"
	ActionClarify                 HistoryAction = "CLARIFY"
	ActionForward                 HistoryAction = "FORWARD"
	ActionRejectWithClarification HistoryAction = "REJECT_WITH_CLARIFICATION"
	ActionClarifyAndReapprove     HistoryAction = "CLARIFY_AND_REAPPROVE"
)

// ApprovalDetail carries the fields an APPROVE entry may record.
type ApprovalDetail struct {
	Notes           string   `json:"notes,omitempty"`
	BudgetAvailable *bool    `json:"budget_available,omitempty"`
	BudgetAllocated *float64 `json:"budget_allocated,omitempty"`
	BudgetSpent     *float64 `json:"budget_spent,omitempty"`
	BudgetBalance   *float64 `json:"budget_balance,omitempty"`
	SOPReference    string   `json:"sop_reference,omitempty"`
	Attachments     []string `json:"attachments,omitempty"`
}

// RejectionDetail carries the fields a REJECT entry may record.
type RejectionDetail struct {
	Notes string `json:"notes"`
}

// ClarifyDetail carries the fields a CLARIFY entry may record. A dean
// routing a request to a department records QueryTarget; a dean relaying
// a rejection query down to the requester records SentToRequester.
type ClarifyDetail struct {
	Message         string   `json:"message,omitempty"`
	QueryType       string   `json:"query_type,omitempty"`
	QueryTarget     UserRole `json:"query_target,omitempty"`
	SentToRequester bool     `json:"sent_to_requester,omitempty"`
}

// ForwardDetail carries the fields a FORWARD entry may record. Forward
// attachments live only here, never on the request's top-level list.
type ForwardDetail struct {
	Message            string   `json:"message,omitempty"`
	Attachments        []string `json:"attachments,omitempty"`
	DepartmentResponse bool     `json:"department_response,omitempty"`
}

// RejectorRef identifies the actor whose rejection opened a query round.
type RejectorRef struct {
	Role UserRole `json:"role"`
	Name string   `json:"name,omitempty"`
}

// QueryDetail carries the fields a REJECT_WITH_CLARIFICATION entry records.
type QueryDetail struct {
	Request               string       `json:"request"`
	RequiresClarification bool         `json:"requires_clarification"`
	DeanMediated          bool         `json:"dean_mediated,omitempty"`
	OriginalRejector      *RejectorRef `json:"original_rejector,omitempty"`
}

// QueryResponseDetail carries the fields a CLARIFY_AND_REAPPROVE entry records.
type QueryResponseDetail struct {
	Response    string   `json:"response"`
	Attachments []string `json:"attachments,omitempty"`
}

// HistoryEntry is an immutable record of one action taken on a request.
// Exactly one detail field is populated, matching Action.
type HistoryEntry struct {
	ID             string        `json:"id"`
	Action         HistoryAction `json:"action"`
	ActorID        string        `json:"actor_id"`
	ActorName      string        `json:"actor_name,omitempty"`
	ActorRole      UserRole      `json:"actor_role,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	PreviousStatus RequestStatus `json:"previous_status,omitempty"`
	NewStatus      RequestStatus `json:"new_status"`

	Approval      *ApprovalDetail      `json:"approval,omitempty"`
	Rejection     *RejectionDetail     `json:"rejection,omitempty"`
	Clarify       *ClarifyDetail       `json:"clarify,omitempty"`
	Forward       *ForwardDetail       `json:"forward,omitempty"`
	Query         *QueryDetail         `json:"query,omitempty"`
	QueryResponse *QueryResponseDetail `json:"query_response,omitempty"`
}

// History is the append-only ordered action log, stored as a JSONB column.
type History []HistoryEntry

// Value implements driver.Valuer for JSONB storage.
func (h History) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner for JSONB storage.
func (h *History) Scan(src interface{}) error {
	return scanJSON(src, h, "history")
}

// StringList stores string slices as JSONB columns.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l, "string list")
}

func scanJSON(src, dest interface{}, label string) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported %s column type %T", label, src)
	}
}

// Request is the central entity moving through the approval workflow.
type Request struct {
	ID              string     `db:"id" json:"id"`
	Number          string     `db:"request_number" json:"request_number"`
	Title           string     `db:"title" json:"title"`
	Purpose         string     `db:"purpose" json:"purpose"`
	Institution     string     `db:"institution" json:"institution"`
	Department      string     `db:"department" json:"department"`
	CostEstimate    float64    `db:"cost_estimate" json:"cost_estimate"`
	ExpenseCategory string     `db:"expense_category" json:"expense_category"`
	SOPReference    *string    `db:"sop_reference" json:"sop_reference,omitempty"`
	Attachments     StringList `db:"attachments" json:"attachments"`

	Status             RequestStatus `db:"status" json:"status"`
	PendingQuery       bool          `db:"pending_query" json:"pending_query"`
	QueryLevel         UserRole      `db:"query_level" json:"query_level,omitempty"`
	BudgetAvailable    *bool         `db:"budget_available" json:"budget_available,omitempty"`
	BudgetAllocated    *float64      `db:"budget_allocated" json:"budget_allocated,omitempty"`
	BudgetSpent        *float64      `db:"budget_spent" json:"budget_spent,omitempty"`
	BudgetBalance      *float64      `db:"budget_balance" json:"budget_balance,omitempty"`
	SentDirectlyToDean bool          `db:"sent_directly_to_dean" json:"sent_directly_to_dean"`
	BudgetNotAvailable bool          `db:"budget_not_available" json:"budget_not_available"`

	RequesterID   string  `db:"requester_id" json:"requester_id"`
	RequesterName string  `db:"requester_name" json:"requester_name"`
	History       History `db:"history" json:"history"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// LastEntry returns the most recent history entry, or nil for an empty log.
func (r *Request) LastEntry() *HistoryEntry {
	if len(r.History) == 0 {
		return nil
	}
	return &r.History[len(r.History)-1]
}

// RequestFilter constrains listing queries.
type RequestFilter struct {
	Status      []RequestStatus
	RequesterID string
	Institution string
	Search      string
	Page        int
	PageSize    int
	SortBy      string
	SortOrder   string
}
