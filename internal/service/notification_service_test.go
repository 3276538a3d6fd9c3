package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/procureflow-api/internal/models"
)

func TestRecipientsForNextApprover(t *testing.T) {
	request := &models.Request{Status: models.StatusVPApproval}
	entry := models.HistoryEntry{NewStatus: models.StatusVPApproval}

	recipients := recipientsFor(request, entry)
	assert.Equal(t, []models.UserRole{models.RoleVP}, recipients)
}

func TestRecipientsForTerminalOutcome(t *testing.T) {
	request := &models.Request{Status: models.StatusApproved}
	entry := models.HistoryEntry{NewStatus: models.StatusApproved}

	recipients := recipientsFor(request, entry)
	assert.Equal(t, []models.UserRole{models.RoleRequester}, recipients)
}

func TestRecipientsForPendingRequesterQuery(t *testing.T) {
	request := &models.Request{
		Status:       models.StatusSubmitted,
		PendingQuery: true,
		QueryLevel:   models.RoleRequester,
	}
	entry := models.HistoryEntry{NewStatus: models.StatusSubmitted}

	recipients := recipientsFor(request, entry)
	assert.Equal(t, []models.UserRole{models.RoleRequester}, recipients)
}
