package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/procureflow-api/internal/models"
)

func TestCreateRequest(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRequestRepository(db)

	mock.ExpectExec("INSERT INTO requests").WillReturnResult(sqlmock.NewResult(1, 1))

	request := &models.Request{
		Number:        "482913",
		Title:         "Lab equipment",
		Purpose:       "replace spectrometers",
		Institution:   "Faculty of Science",
		CostEstimate:  30000,
		Status:        models.StatusManagerReview,
		RequesterID:   "req-1",
		RequesterName: "Requester",
		History: models.History{{
			ID:        "h1",
			Action:    models.ActionCreate,
			ActorID:   "req-1",
			Timestamp: time.Now().UTC(),
			NewStatus: models.StatusManagerReview,
		}},
	}
	err := repo.Create(context.Background(), request)
	require.NoError(t, err)
	assert.NotEmpty(t, request.ID)
	assert.Equal(t, 1, request.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendHistoryAndUpdate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRequestRepository(db)

	mock.ExpectExec("UPDATE requests SET history = history").WillReturnResult(sqlmock.NewResult(0, 1))

	sop := "SOP-42"
	err := repo.AppendHistoryAndUpdate(context.Background(), AppendHistoryParams{
		ID: "r1",
		Entry: models.HistoryEntry{
			ID:        "h2",
			Action:    models.ActionApprove,
			ActorID:   "sop-1",
			Timestamp: time.Now().UTC(),
			NewStatus: models.StatusSOPCompleted,
		},
		Status:          models.StatusSOPCompleted,
		SOPReference:    &sop,
		ExpectedVersion: 2,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A zero-row update means another writer advanced the version first; the
// caller sees sql.ErrNoRows and re-reads.
func TestAppendHistoryAndUpdateVersionConflict(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRequestRepository(db)

	mock.ExpectExec("UPDATE requests SET history = history").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AppendHistoryAndUpdate(context.Background(), AppendHistoryParams{
		ID:              "r1",
		Entry:           models.HistoryEntry{ID: "h3", Action: models.ActionForward},
		Status:          models.StatusParallelVerification,
		ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestNumberExists(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRequestRepository(db)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery("SELECT COUNT").WithArgs("482913").WillReturnRows(rows)

	exists, err := repo.NumberExists(context.Background(), "482913")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRequestsFilters(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewRequestRepository(db)

	countRows := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery("SELECT COUNT").WithArgs(string(models.StatusManagerReview), "req-1").WillReturnRows(countRows)

	now := time.Now()
	listRows := sqlmock.NewRows([]string{
		"id", "request_number", "title", "purpose", "institution", "department",
		"cost_estimate", "expense_category", "sop_reference", "attachments", "status",
		"pending_query", "query_level", "budget_available", "budget_allocated",
		"budget_spent", "budget_balance", "sent_directly_to_dean", "budget_not_available",
		"requester_id", "requester_name", "history", "version", "created_at", "updated_at",
	}).AddRow(
		"r1", "482913", "Lab equipment", "replace spectrometers", "Faculty of Science", "",
		30000.0, "", nil, []byte(`[]`), string(models.StatusManagerReview),
		false, "", nil, nil,
		nil, nil, false, false,
		"req-1", "Requester", []byte(`[]`), 1, now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM requests WHERE status IN").
		WithArgs(string(models.StatusManagerReview), "req-1").
		WillReturnRows(listRows)

	requests, total, err := repo.List(context.Background(), models.RequestFilter{
		Status:      []models.RequestStatus{models.StatusManagerReview},
		RequesterID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, requests, 1)
	assert.Equal(t, "482913", requests[0].Number)
	assert.NoError(t, mock.ExpectationsWereMet())
}
