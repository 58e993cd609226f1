package prediction

import (
	"context"
	"errors"
	"fmt"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
)

// Image is the single payload of one prediction request.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Client sends one image to the prediction service.
type Client interface {
	Predict(ctx context.Context, image Image) (*diagnosis.Result, error)
}

// FailureKind classifies why a prediction failed. Users only ever see a
// generic message; the kind is kept for logs and history.
type FailureKind string

const (
	KindTransport FailureKind = "transport_failure"
	KindService   FailureKind = "service_failure"
	KindMalformed FailureKind = "malformed_response"
)

// Failure is the error returned by Client implementations.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Detail     string
	Err        error
}

func (f *Failure) Error() string {
	msg := string(f.Kind)
	if f.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, f.StatusCode)
	}
	if f.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, f.Detail)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf extracts the failure kind from err. Errors that did not come from a
// Client are reported as transport failures.
func KindOf(err error) FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return KindTransport
}
