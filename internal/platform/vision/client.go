// Package vision submits clinical images to an external multimodal model and
// returns its raw text answer. Interpreting that text is the caller's job.
package vision

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by constructors when no API key is set.
	ErrNotConfigured = errors.New("vision provider not configured")
	// ErrImageFileNotFound means the stored image object is missing.
	ErrImageFileNotFound = errors.New("image file not found")
)

// Client is the narrow surface the analysis pipeline depends on.
type Client interface {
	// Submit sends the image stored under imagePath with the clinical
	// analysis prompt and returns the model's unparsed text.
	Submit(ctx context.Context, imagePath string) (string, error)
}

// UpstreamError covers provider, network, quota and auth failures. All of
// them are retryable by the caller at a later time.
type UpstreamError struct {
	// StatusCode is the provider's HTTP status, or 0 when no response was
	// received.
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("vision upstream: status %d: %s: %v", e.StatusCode, e.Message, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("vision upstream: status %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("vision upstream: %s: %v", e.Message, e.Err)
	default:
		return "vision upstream: " + e.Message
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, imagePath string) (string, error)

func (f ClientFunc) Submit(ctx context.Context, imagePath string) (string, error) {
	return f(ctx, imagePath)
}
