// Package preview issues and releases the preview handles that let a UI show
// the image a session currently holds.
package preview

import (
	"context"
	"errors"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
)

// ErrNotFound is returned when a handle was never issued or is released.
var ErrNotFound = errors.New("preview not found")

// Handle references a stored preview. The zero value means no preview.
type Handle string

// Preview is the renderable payload behind a handle.
type Preview struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Store owns preview payloads. Every acquired handle must be released.
// Render does not touch shared state, so callers may run it before taking
// their own locks and hand the result to Acquire.
type Store interface {
	Render(candidate *diagnosis.ImageCandidate) *Preview
	Acquire(ctx context.Context, sessionID string, rendered *Preview) (Handle, error)
	Release(ctx context.Context, handle Handle) error
	Open(ctx context.Context, handle Handle) (*Preview, error)
}
