package healing

import (
	"time"

	"github.com/google/uuid"
)

// HealingImage is an uploaded clinical image. Analyzed is true exactly when
// Outcome is set; once set it is never cleared.
type HealingImage struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	ImagePath  string
	UploadDate time.Time
	Analyzed   bool
	Outcome    *AnalysisOutcome
}

// AnalysisOutcome is the validated clinical record derived from one model
// response.
type AnalysisOutcome struct {
	HealingPercentage      float64
	FractureClassification string
	ClinicalRemarks        string
	RecommendedActions     string
	AnalyzedAt             time.Time
}

type Patient struct {
	ID                       uuid.UUID  `json:"id"`
	UserID                   string     `json:"user_id"`
	CaseType                 *string    `json:"case_type,omitempty"`
	SurgeryDate              *time.Time `json:"surgery_date,omitempty"`
	MedicalHistory           *string    `json:"medical_history,omitempty"`
	DoctorID                 *string    `json:"doctor_id,omitempty"`
	CurrentHealingPercentage float64    `json:"current_healing_percentage"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// ImageRecord is the external shape of an image, including the healing
// percentage. Used by image reads and the analysis history.
type ImageRecord struct {
	ID                     uuid.UUID  `json:"id"`
	PatientID              uuid.UUID  `json:"patient_id"`
	ImagePath              string     `json:"image_path"`
	UploadDate             time.Time  `json:"upload_date"`
	Analyzed               bool       `json:"analyzed"`
	HealingPercentage      *float64   `json:"healing_percentage"`
	AIRemarks              *string    `json:"ai_remarks"`
	FractureClassification *string    `json:"fracture_classification"`
	RecommendedActions     *string    `json:"recommended_actions"`
	AnalyzedAt             *time.Time `json:"analyzed_at"`
}

func (img *HealingImage) Record() ImageRecord {
	r := ImageRecord{
		ID:         img.ID,
		PatientID:  img.PatientID,
		ImagePath:  img.ImagePath,
		UploadDate: img.UploadDate,
		Analyzed:   img.Analyzed,
	}
	if o := img.Outcome; o != nil {
		pct, remarks, class, actions, at := o.HealingPercentage, o.ClinicalRemarks, o.FractureClassification, o.RecommendedActions, o.AnalyzedAt
		r.HealingPercentage = &pct
		r.AIRemarks = &remarks
		r.FractureClassification = &class
		r.RecommendedActions = &actions
		r.AnalyzedAt = &at
	}
	return r
}

func Records(imgs []*HealingImage) []ImageRecord {
	out := make([]ImageRecord, len(imgs))
	for i, img := range imgs {
		out[i] = img.Record()
	}
	return out
}

// AnalysisResult is returned by the analyze and result endpoints. The healing
// percentage is deliberately absent.
type AnalysisResult struct {
	ImageID                uuid.UUID `json:"image_id"`
	AIRemarks              string    `json:"ai_remarks"`
	FractureClassification string    `json:"fracture_classification"`
	RecommendedActions     string    `json:"recommended_actions"`
	AnalyzedAt             time.Time `json:"analyzed_at"`
}

// Result projects an analyzed image. It returns false for unanalyzed images.
func (img *HealingImage) Result() (AnalysisResult, bool) {
	if !img.Analyzed || img.Outcome == nil {
		return AnalysisResult{}, false
	}
	return AnalysisResult{
		ImageID:                img.ID,
		AIRemarks:              img.Outcome.ClinicalRemarks,
		FractureClassification: img.Outcome.FractureClassification,
		RecommendedActions:     img.Outcome.RecommendedActions,
		AnalyzedAt:             img.Outcome.AnalyzedAt,
	}, true
}
