package healing

import "errors"

var (
	ErrServiceUnavailable = errors.New("AI analysis service unavailable")
	ErrImageNotFound      = errors.New("image not found")
	ErrPatientNotFound    = errors.New("patient not found")
	ErrForbidden          = errors.New("not authorized to access this patient's images")
	ErrAlreadyAnalyzed    = errors.New("image already analyzed")
	ErrNotAnalyzed        = errors.New("image has not been analyzed yet")
	// ErrAnalysisFailed wraps vision provider failures and timeouts.
	ErrAnalysisFailed = errors.New("AI analysis failed")
)
