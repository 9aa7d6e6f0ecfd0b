package healing

import (
	"context"

	"github.com/google/uuid"
)

// ImageRepository returns ErrImageNotFound for missing rows.
type ImageRepository interface {
	Create(ctx context.Context, img *HealingImage) error
	GetByID(ctx context.Context, id uuid.UUID) (*HealingImage, error)
	// ListByPatient orders newest upload first.
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HealingImage, int, error)
	// ListAnalyzedByPatient orders by upload date then id, oldest first.
	ListAnalyzedByPatient(ctx context.Context, patientID uuid.UUID) ([]*HealingImage, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// CommitAnalysis stores the outcome and the patient's current healing
	// percentage atomically. It returns ErrAlreadyAnalyzed, and writes
	// nothing, if the image was analyzed in the meantime.
	CommitAnalysis(ctx context.Context, imageID, patientID uuid.UUID, outcome AnalysisOutcome) error
}

// PatientRepository returns ErrPatientNotFound for missing rows.
type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByUserID(ctx context.Context, userID string) (*Patient, error)
}
