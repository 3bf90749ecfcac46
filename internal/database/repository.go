package database

import (
	"context"

	"github.com/leadline/leadline/internal/database/models"
)

// CallLogRepository manages call attempt records created by the CRM layer.
type CallLogRepository interface {
	Create(ctx context.Context, log *models.CallLog) error
	GetByID(ctx context.Context, id int64) (*models.CallLog, error)
	List(ctx context.Context, leadID int64) ([]models.CallLog, error)
}

// RecordingRepository manages durable recording records. Records are
// immutable after creation except for deletion.
type RecordingRepository interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id int64) (*models.Recording, error)
	GetByCallLogID(ctx context.Context, callLogID int64) (*models.Recording, error)
	ListByLead(ctx context.Context, leadID int64) ([]models.Recording, error)
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}
