package session

import (
	"errors"
	"time"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
	"github.com/wuchris-ch/fundus-dx-ml/internal/prediction"
	"github.com/wuchris-ch/fundus-dx-ml/internal/preview"
)

var (
	// ErrSubmissionInFlight rejects a submit while a request is outstanding.
	ErrSubmissionInFlight = errors.New("a submission is already in flight")
	// ErrNothingToSubmit rejects a submit from idle or succeeded.
	ErrNothingToSubmit = errors.New("no image to submit")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session closed")
	// ErrNotFound is returned by the Manager for unknown or foreign sessions.
	ErrNotFound = errors.New("session not found")
)

// FailureMessage is the only failure text shown to users.
const FailureMessage = "Analysis failed. Please try again."

// State is the position of a session in the upload workflow.
type State int

const (
	Idle State = iota
	Ready
	Submitting
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Submitting:
		return "submitting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Candidate describes the held image without its bytes.
type Candidate struct {
	Filename string           `json:"filename"`
	MIMEType string           `json:"mime_type"`
	Size     int              `json:"size"`
	Source   diagnosis.Source `json:"source"`
}

func describe(c *diagnosis.ImageCandidate) *Candidate {
	if c == nil {
		return nil
	}
	return &Candidate{Filename: c.Filename, MIMEType: c.MIMEType, Size: c.Size(), Source: c.Source}
}

// Failure is what a failed submission leaves behind. Message is user-safe;
// Kind and Err are for logs.
type Failure struct {
	Message string
	Kind    prediction.FailureKind
	Err     error
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID          string
	Owner       string
	State       State
	Candidate   *Candidate
	Preview     preview.Handle
	Result      *diagnosis.Result
	Failure     *Failure
	Submissions uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventType distinguishes applied transitions from discarded completions.
type EventType int

const (
	EventTransition EventType = iota
	EventStaleDiscarded
)

// Event is delivered to listeners after the session lock is released.
// Ticket is zero for transitions not tied to a submission.
type Event struct {
	Type      EventType
	SessionID string
	Owner     string
	Ticket    uint64
	From      State
	To        State
	Candidate *Candidate
	Result    *diagnosis.Result
	Failure   *Failure
	Latency   time.Duration
	At        time.Time
}

// Listener observes session events. Listeners must not block for long;
// they run on the goroutine that caused the event.
type Listener func(Event)
