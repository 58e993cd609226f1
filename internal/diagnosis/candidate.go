package diagnosis

import (
	"errors"
	"strings"
)

// ErrInvalidInput is returned when a dropped file is not an image.
var ErrInvalidInput = errors.New("dropped file is not an image")

// Source identifies how the user supplied a file.
type Source string

const (
	// SourcePicker is the file-picker dialog; anything is accepted and the
	// prediction service validates the content.
	SourcePicker Source = "picker"
	// SourceDrop is drag-and-drop; only image/* MIME types are accepted.
	SourceDrop Source = "drop"
)

// ParseSource maps a form value to a Source. Empty means picker.
func ParseSource(value string) (Source, bool) {
	switch Source(strings.ToLower(strings.TrimSpace(value))) {
	case "", SourcePicker:
		return SourcePicker, true
	case SourceDrop:
		return SourceDrop, true
	default:
		return "", false
	}
}

// ImageCandidate is a file the user selected for diagnosis.
type ImageCandidate struct {
	Filename string
	MIMEType string
	Bytes    []byte
	Source   Source
}

// Validate applies the acceptance rule of the candidate's source.
func (c *ImageCandidate) Validate() error {
	if c.Source == SourceDrop && !strings.HasPrefix(strings.ToLower(c.MIMEType), "image/") {
		return ErrInvalidInput
	}
	return nil
}

// Size is the number of bytes in the candidate.
func (c *ImageCandidate) Size() int {
	return len(c.Bytes)
}
