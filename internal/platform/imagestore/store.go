// Package imagestore persists uploaded healing images. Objects are addressed
// by flat keys such as "patient_<id>_<uuid>.jpg"; the key is what the
// database stores as the image path.
package imagestore

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	ErrNotFound   = errors.New("image object not found")
	ErrInvalidKey = errors.New("invalid image key")
)

// Store is implemented by the local filesystem and S3 backends.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}
