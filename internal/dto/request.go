package dto

import (
	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/workflow"
)

// CreateRequestInput is the payload for submitting a new purchase request.
type CreateRequestInput struct {
	Title           string   `json:"title" validate:"required"`
	Purpose         string   `json:"purpose" validate:"required"`
	Institution     string   `json:"institution" validate:"required"`
	Department      string   `json:"department"`
	CostEstimate    float64  `json:"cost_estimate" validate:"gte=0"`
	ExpenseCategory string   `json:"expense_category"`
	Attachments     []string `json:"attachments"`
}

// Action names accepted by the apply-action endpoint.
const (
	ActionNameApprove             = "approve"
	ActionNameReject              = "reject"
	ActionNameClarify             = "clarify"
	ActionNameForward             = "forward"
	ActionNameSendToDean          = "send_to_dean"
	ActionNameSendToVP            = "send_to_vp"
	ActionNameRejectWithQuery     = "reject_with_query"
	ActionNameQueryAndReapprove   = "query_and_reapprove"
	ActionNameDeanSendToRequester = "dean_send_to_requester"
)

// ActionInput is the payload for the single request-mutation entry point.
// Field usage depends on Action; the service rejects mismatched payloads.
type ActionInput struct {
	Action string `json:"action" validate:"required"`

	Notes            string          `json:"notes,omitempty"`
	Message          string          `json:"message,omitempty"`
	QueryText        string          `json:"query_text,omitempty"`
	ResponseText     string          `json:"response_text,omitempty"`
	QueryType        string          `json:"query_type,omitempty"`
	Department       models.UserRole `json:"department,omitempty"`
	BudgetAvailable  *bool           `json:"budget_available,omitempty"`
	BudgetAllocated  *float64        `json:"budget_allocated,omitempty"`
	BudgetSpent      *float64        `json:"budget_spent,omitempty"`
	BudgetBalance    *float64        `json:"budget_balance,omitempty"`
	SOPReference     string          `json:"sop_reference,omitempty"`
	Attachments      []string        `json:"attachments,omitempty"`
}

// RequestQuery constrains list endpoints.
type RequestQuery struct {
	Category workflow.Category
	Status   []models.RequestStatus
	Search   string
	Page     int
	PageSize int
}
