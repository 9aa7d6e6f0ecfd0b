package healing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maxillocare/healing/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgxConn is satisfied by *pgxpool.Pool.
type pgxConn interface {
	queryable
	db.TxBeginner
}

func conn(ctx context.Context, pool queryable) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// -- Images --

type imageRepoPG struct{ pool pgxConn }

func NewImageRepoPG(pool *pgxpool.Pool) ImageRepository {
	return &imageRepoPG{pool: pool}
}

const imageCols = `id, patient_id, image_path, upload_date, analyzed,
	healing_percentage, ai_remarks, fracture_classification, recommended_actions, analyzed_at`

func scanImage(row pgx.Row) (*HealingImage, error) {
	var (
		img     HealingImage
		pct     *float64
		remarks *string
		class   *string
		actions *string
		at      *time.Time
	)
	if err := row.Scan(&img.ID, &img.PatientID, &img.ImagePath, &img.UploadDate, &img.Analyzed,
		&pct, &remarks, &class, &actions, &at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, err
	}
	if img.Analyzed {
		img.Outcome = &AnalysisOutcome{
			HealingPercentage:      deref(pct),
			ClinicalRemarks:        deref(remarks),
			FractureClassification: deref(class),
			RecommendedActions:     deref(actions),
			AnalyzedAt:             deref(at),
		}
	}
	return &img, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func (r *imageRepoPG) Create(ctx context.Context, img *HealingImage) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	img.Analyzed = false
	img.Outcome = nil
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO healing_images (id, patient_id, image_path)
		VALUES ($1, $2, $3)
		RETURNING upload_date`,
		img.ID, img.PatientID, img.ImagePath).Scan(&img.UploadDate)
}

func (r *imageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*HealingImage, error) {
	return scanImage(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+imageCols+` FROM healing_images WHERE id = $1`, id))
}

func (r *imageRepoPG) collect(rows pgx.Rows) ([]*HealingImage, error) {
	defer rows.Close()
	var items []*HealingImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, img)
	}
	return items, rows.Err()
}

func (r *imageRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HealingImage, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM healing_images WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+imageCols+` FROM healing_images
		WHERE patient_id = $1
		ORDER BY upload_date DESC, id DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *imageRepoPG) ListAnalyzedByPatient(ctx context.Context, patientID uuid.UUID) ([]*HealingImage, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+imageCols+` FROM healing_images
		WHERE patient_id = $1 AND analyzed
		ORDER BY upload_date ASC, id ASC`, patientID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *imageRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM healing_images WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

func (r *imageRepoPG) CommitAnalysis(ctx context.Context, imageID, patientID uuid.UUID, o AnalysisOutcome) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		tag, err := q.Exec(ctx, `
			UPDATE healing_images SET
				analyzed = TRUE,
				healing_percentage = $2,
				ai_remarks = $3,
				fracture_classification = $4,
				recommended_actions = $5,
				analyzed_at = $6
			WHERE id = $1 AND patient_id = $7 AND NOT analyzed`,
			imageID, o.HealingPercentage, o.ClinicalRemarks, o.FractureClassification,
			o.RecommendedActions, o.AnalyzedAt, patientID)
		if err != nil {
			return fmt.Errorf("update image analysis: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var analyzed bool
			err := q.QueryRow(ctx, `SELECT analyzed FROM healing_images WHERE id = $1 AND patient_id = $2`, imageID, patientID).Scan(&analyzed)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrImageNotFound
			}
			if err != nil {
				return fmt.Errorf("check image state: %w", err)
			}
			return ErrAlreadyAnalyzed
		}

		tag, err = q.Exec(ctx, `
			UPDATE patients SET current_healing_percentage = $2, updated_at = NOW()
			WHERE id = $1`, patientID, o.HealingPercentage)
		if err != nil {
			return fmt.Errorf("update patient healing percentage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrPatientNotFound
		}
		return nil
	})
}

// -- Patients --

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, user_id, case_type, surgery_date, medical_history, doctor_id,
	current_healing_percentage, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.UserID, &p.CaseType, &p.SurgeryDate, &p.MedicalHistory, &p.DoctorID,
		&p.CurrentHealingPercentage, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByUserID(ctx context.Context, userID string) (*Patient, error) {
	return scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE user_id = $1`, userID))
}
