package healing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maxillocare/healing/internal/platform/auth"
	"github.com/maxillocare/healing/internal/platform/events"
	"github.com/maxillocare/healing/internal/platform/imagestore"
	"github.com/maxillocare/healing/internal/platform/telemetry"
	"github.com/maxillocare/healing/internal/platform/vision"
)

const defaultVisionTimeout = 60 * time.Second

type Service struct {
	images   ImageRepository
	patients PatientRepository
	policy   *Policy
	store    imagestore.Store
	logger   zerolog.Logger

	vision        vision.Client
	visionTimeout time.Duration
	publisher     events.Publisher
	metrics       *telemetry.Collector

	locks *keyedMutex
	now   func() time.Time
}

func NewService(images ImageRepository, patients PatientRepository, store imagestore.Store, logger zerolog.Logger) *Service {
	return &Service{
		images:        images,
		patients:      patients,
		policy:        NewPolicy(patients),
		store:         store,
		logger:        logger.With().Str("component", "healing").Logger(),
		visionTimeout: defaultVisionTimeout,
		publisher:     events.Noop{},
		locks:         newKeyedMutex(),
		now:           time.Now,
	}
}

// SetVisionClient enables analysis. Without a client Analyze reports
// ErrServiceUnavailable.
func (s *Service) SetVisionClient(c vision.Client) { s.vision = c }

func (s *Service) SetVisionTimeout(d time.Duration) { s.visionTimeout = d }

func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

func (s *Service) SetMetrics(m *telemetry.Collector) { s.metrics = m }

func (s *Service) VisionAvailable() bool { return s.vision != nil }

func (s *Service) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
	}
}

// Analyze runs the vision model on an image and stores the outcome. Each
// image is analyzed at most once; a second caller gets ErrAlreadyAnalyzed.
func (s *Service) Analyze(ctx context.Context, imageID uuid.UUID, req auth.Requester) (*HealingImage, error) {
	if s.vision == nil {
		s.recordOutcome(telemetry.OutcomeUnavailable)
		return nil, ErrServiceUnavailable
	}

	img, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.patients.GetByID(ctx, img.PatientID); err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(ctx, req, img.PatientID); err != nil {
		if errors.Is(err, ErrForbidden) {
			s.recordOutcome(telemetry.OutcomeForbidden)
		}
		return nil, err
	}
	if img.Analyzed {
		s.recordOutcome(telemetry.OutcomeAlreadyDone)
		return nil, ErrAlreadyAnalyzed
	}

	unlock, err := s.locks.Lock(ctx, imageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another request may have finished while we waited.
	img, err = s.images.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.Analyzed {
		s.recordOutcome(telemetry.OutcomeAlreadyDone)
		return nil, ErrAlreadyAnalyzed
	}

	log := s.logger.With().Str("image_id", imageID.String()).Str("patient_id", img.PatientID.String()).Logger()

	raw, err := s.submit(ctx, img.ImagePath)
	if err != nil {
		if errors.Is(err, vision.ErrImageFileNotFound) {
			s.recordOutcome(telemetry.OutcomeImageMissing)
			log.Warn().Err(err).Msg("image file missing")
			return nil, err
		}
		s.recordOutcome(telemetry.OutcomeVisionFailed)
		log.Error().Err(err).Msg("vision analysis failed")
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}

	parsed := ParseAnalysis(raw)
	if parsed.Degraded {
		if s.metrics != nil {
			s.metrics.ParseDegradedTotal.Inc()
		}
		log.Warn().Int("response_chars", len(raw)).Msg("model response was not JSON, stored for manual review")
	}
	outcome := parsed.Outcome
	outcome.AnalyzedAt = s.now().UTC()

	if err := s.images.CommitAnalysis(ctx, img.ID, img.PatientID, outcome); err != nil {
		if errors.Is(err, ErrAlreadyAnalyzed) {
			s.recordOutcome(telemetry.OutcomeAlreadyDone)
			return nil, err
		}
		s.recordOutcome(telemetry.OutcomeCommitFailed)
		return nil, fmt.Errorf("commit analysis: %w", err)
	}

	img.Analyzed = true
	img.Outcome = &outcome
	s.recordOutcome(telemetry.OutcomeSuccess)
	log.Info().
		Float64("healing_percentage", outcome.HealingPercentage).
		Bool("degraded", parsed.Degraded).
		Msg("analysis committed")

	s.publishCompleted(ctx, img)
	return img, nil
}

func (s *Service) submit(ctx context.Context, imagePath string) (string, error) {
	vctx, cancel := context.WithTimeout(ctx, s.visionTimeout)
	defer cancel()

	start := time.Now()
	raw, err := s.vision.Submit(vctx, imagePath)
	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.VisionRequestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}
	return raw, err
}

// publishCompleted is best effort: the analysis is already committed.
func (s *Service) publishCompleted(ctx context.Context, img *HealingImage) {
	evt := events.AnalysisCompleted{
		EventID:                uuid.NewString(),
		Type:                   events.TypeAnalysisCompleted,
		ImageID:                img.ID.String(),
		PatientID:              img.PatientID.String(),
		HealingPercentage:      img.Outcome.HealingPercentage,
		FractureClassification: img.Outcome.FractureClassification,
		AnalyzedAt:             img.Outcome.AnalyzedAt,
	}
	if err := s.publisher.PublishAnalysisCompleted(context.WithoutCancel(ctx), evt); err != nil {
		if s.metrics != nil {
			s.metrics.EventPublishFailures.Inc()
		}
		s.logger.Error().Err(err).Str("image_id", evt.ImageID).Msg("publish analysis event")
	}
}

// GetResult returns a stored analysis. It never calls the vision model.
func (s *Service) GetResult(ctx context.Context, imageID uuid.UUID, req auth.Requester) (*HealingImage, error) {
	img, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if !img.Analyzed {
		return nil, ErrNotAnalyzed
	}
	if err := s.policy.Authorize(ctx, req, img.PatientID); err != nil {
		return nil, err
	}
	return img, nil
}

// History lists a patient's analyzed images, oldest first.
func (s *Service) History(ctx context.Context, patientID uuid.UUID, req auth.Requester) ([]*HealingImage, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(ctx, req, patientID); err != nil {
		return nil, err
	}
	return s.images.ListAnalyzedByPatient(ctx, patientID)
}

type UploadInput struct {
	PatientID   uuid.UUID
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Upload stores the file and creates an unanalyzed image record.
func (s *Service) Upload(ctx context.Context, in UploadInput, req auth.Requester) (*HealingImage, error) {
	if _, err := s.patients.GetByID(ctx, in.PatientID); err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(ctx, req, in.PatientID); err != nil {
		return nil, err
	}

	key := storageKey(in.PatientID, in.Filename)
	if err := s.store.Put(ctx, key, in.Body, in.Size, in.ContentType); err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	img := &HealingImage{PatientID: in.PatientID, ImagePath: key}
	if err := s.images.Create(ctx, img); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.logger.Error().Err(derr).Str("key", key).Msg("remove orphaned image object")
		}
		return nil, fmt.Errorf("create image record: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ImagesUploadedTotal.Inc()
	}
	return img, nil
}

// storageKey names objects patient_<id>_<uuid><ext>.
func storageKey(patientID uuid.UUID, filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) || strings.Contains(ext, "..") {
		ext = ""
	}
	return fmt.Sprintf("patient_%s_%s%s", patientID, uuid.New(), ext)
}

func (s *Service) GetImage(ctx context.Context, imageID uuid.UUID, req auth.Requester) (*HealingImage, error) {
	img, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(ctx, req, img.PatientID); err != nil {
		return nil, err
	}
	return img, nil
}

// ListImages pages a patient's images, newest first.
func (s *Service) ListImages(ctx context.Context, patientID uuid.UUID, req auth.Requester, limit, offset int) ([]*HealingImage, int, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, 0, err
	}
	if err := s.policy.Authorize(ctx, req, patientID); err != nil {
		return nil, 0, err
	}
	return s.images.ListByPatient(ctx, patientID, limit, offset)
}

// DeleteImage removes the record, then the stored object. It waits for any
// in-flight analysis of the same image.
func (s *Service) DeleteImage(ctx context.Context, imageID uuid.UUID, req auth.Requester) error {
	img, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		return err
	}
	if err := s.policy.Authorize(ctx, req, img.PatientID); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, imageID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.images.Delete(ctx, imageID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, img.ImagePath); err != nil {
		// The record is gone; a leftover object is only wasted space.
		s.logger.Error().Err(err).Str("key", img.ImagePath).Msg("delete image object")
	}
	return nil
}
