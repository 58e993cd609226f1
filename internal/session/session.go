package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
	"github.com/wuchris-ch/fundus-dx-ml/internal/logging"
	"github.com/wuchris-ch/fundus-dx-ml/internal/prediction"
	"github.com/wuchris-ch/fundus-dx-ml/internal/preview"
)

// Options tune a session.
type Options struct {
	// Timeout bounds each prediction request. Zero means no timeout.
	Timeout   time.Duration
	Listeners []Listener
	// IdleTTL is read by Manager: sessions without a transition for this
	// long are closed. Zero disables eviction.
	IdleTTL time.Duration
}

// Session drives one upload-and-diagnose workflow. All transitions are
// serialized by mu; prediction requests run on their own goroutine and
// report back through complete, tagged with the ticket they were issued
// under.
type Session struct {
	id        string
	owner     string
	client    prediction.Client
	previews  preview.Store
	logger    *zap.Logger
	timeout   time.Duration
	listeners []Listener

	baseCtx context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup

	mu        sync.Mutex
	state     State
	candidate *diagnosis.ImageCandidate
	handle    preview.Handle
	result    *diagnosis.Result
	failure   *Failure
	seq       uint64
	inflight  uint64
	closed    bool
	createdAt time.Time
	updatedAt time.Time
}

// New creates an idle session.
func New(id, owner string, client prediction.Client, previews preview.Store, logger *zap.Logger, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &Session{
		id:        id,
		owner:     owner,
		client:    client,
		previews:  previews,
		logger:    logger.Named("upload_session").With(zap.String("session_id", id)),
		timeout:   opts.Timeout,
		listeners: append([]Listener(nil), opts.Listeners...),
		baseCtx:   ctx,
		cancel:    cancel,
		state:     Idle,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Owner returns the subject that created the session.
func (s *Session) Owner() string { return s.owner }

// SelectFile replaces the held candidate. A nil candidate is ignored; a
// dropped non-image returns diagnosis.ErrInvalidInput and changes nothing.
// Any outstanding submission becomes stale.
func (s *Session) SelectFile(ctx context.Context, candidate *diagnosis.ImageCandidate) error {
	if candidate == nil {
		return nil
	}
	if err := candidate.Validate(); err != nil {
		s.logger.Debug("ignoring rejected file",
			zap.String("filename", candidate.Filename),
			zap.String("mime_type", candidate.MIMEType),
		)
		return err
	}
	owned := *candidate
	owned.Bytes = append([]byte(nil), candidate.Bytes...)
	rendered := s.previews.Render(&owned)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	from := s.state
	s.releaseLocked(ctx)
	s.clearLocked()

	handle, err := s.previews.Acquire(ctx, s.id, rendered)
	if err != nil {
		s.state = Idle
		events := s.transitionLocked(from, 0)
		s.mu.Unlock()
		s.notify(events)
		wrapped := logging.NewOperationError("session.select_file", s.id, err)
		s.logger.Error("failed to create preview", zap.Error(wrapped))
		return wrapped
	}

	s.candidate = &owned
	s.handle = handle
	s.state = Ready
	events := s.transitionLocked(from, 0)
	s.mu.Unlock()

	s.notify(events)
	return nil
}

// Submit sends the held candidate to the prediction service. It is legal
// from Ready and Failed; from Submitting it returns ErrSubmissionInFlight
// without any effect. The returned ticket identifies the request.
func (s *Session) Submit() (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	switch s.state {
	case Submitting:
		s.mu.Unlock()
		return 0, ErrSubmissionInFlight
	case Ready, Failed:
	default:
		s.mu.Unlock()
		return 0, ErrNothingToSubmit
	}
	if s.candidate == nil {
		s.mu.Unlock()
		return 0, ErrNothingToSubmit
	}

	s.seq++
	ticket := s.seq
	s.inflight = ticket
	s.result = nil
	s.failure = nil
	started := time.Now()
	image := prediction.Image{
		Filename:    s.candidate.Filename,
		ContentType: s.candidate.MIMEType,
		Data:        s.candidate.Bytes,
	}

	from := s.state
	s.state = Submitting
	events := s.transitionLocked(from, ticket)
	s.pending.Add(1)
	s.mu.Unlock()

	s.notify(events)
	go s.run(ticket, image, started)
	return ticket, nil
}

func (s *Session) run(ticket uint64, image prediction.Image, started time.Time) {
	defer s.pending.Done()

	ctx, cancel := s.requestContext()
	defer cancel()

	result, err := s.client.Predict(ctx, image)
	s.complete(ticket, result, err, time.Since(started))
}

func (s *Session) requestContext() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(s.baseCtx, s.timeout)
	}
	return context.WithCancel(s.baseCtx)
}

// complete applies the outcome of the request issued under ticket, unless
// the session has moved on since.
func (s *Session) complete(ticket uint64, result *diagnosis.Result, err error, latency time.Duration) {
	var failure *Failure
	if err != nil {
		failure = &Failure{Message: FailureMessage, Kind: prediction.KindOf(err), Err: err}
	}

	s.mu.Lock()
	if s.state != Submitting || s.inflight != ticket {
		ev := Event{
			Type:      EventStaleDiscarded,
			SessionID: s.id,
			Owner:     s.owner,
			Ticket:    ticket,
			From:      s.state,
			To:        s.state,
			Result:    result,
			Failure:   failure,
			Latency:   latency,
			At:        time.Now().UTC(),
		}
		s.mu.Unlock()
		s.logger.Info("discarding stale prediction", zap.Uint64("ticket", ticket), zap.Stringer("state", ev.From))
		s.notify([]Event{ev})
		return
	}

	s.inflight = 0
	if failure != nil {
		s.failure = failure
		s.state = Failed
		s.logger.Warn("prediction failed",
			zap.Uint64("ticket", ticket),
			zap.String("kind", string(failure.Kind)),
			zap.Error(err),
		)
	} else {
		s.result = result
		s.state = Succeeded
	}
	events := s.transitionLocked(Submitting, ticket)
	events[0].Latency = latency
	s.mu.Unlock()

	s.notify(events)
}

// Reset returns the session to Idle and releases its preview. Any
// outstanding submission becomes stale.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	from := s.state
	s.releaseLocked(ctx)
	s.clearLocked()
	s.state = Idle

	var events []Event
	if from != Idle {
		events = s.transitionLocked(from, 0)
	}
	s.mu.Unlock()

	s.notify(events)
	return nil
}

// Close tears the session down: the preview is released, an outstanding
// request is cancelled, and later calls return ErrClosed. Close is
// idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.releaseLocked(ctx)
	s.clearLocked()
	s.state = Idle
	s.closed = true

	var events []Event
	if from != Idle {
		events = s.transitionLocked(from, 0)
	}
	s.mu.Unlock()

	s.cancel()
	s.notify(events)
	return nil
}

// idleSince reports whether the session is open, has no request in flight,
// and has not changed since cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.state != Submitting && s.updatedAt.Before(cutoff)
}

// Wait blocks until every prediction request issued so far has returned.
func (s *Session) Wait() {
	s.pending.Wait()
}

// Snapshot copies the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.id,
		Owner:       s.owner,
		State:       s.state,
		Candidate:   describe(s.candidate),
		Preview:     s.handle,
		Result:      s.result,
		Failure:     s.failure,
		Submissions: s.seq,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
}

// releaseLocked gives the preview back to the store. A failed release is
// logged; the session forgets the handle either way.
func (s *Session) releaseLocked(ctx context.Context) {
	if s.handle == "" {
		return
	}
	if err := s.previews.Release(ctx, s.handle); err != nil {
		s.logger.Warn("failed to release preview",
			zap.Error(logging.NewOperationError("session.release_preview", s.id, err)),
			zap.String("handle", string(s.handle)),
		)
	}
	s.handle = ""
}

func (s *Session) clearLocked() {
	s.candidate = nil
	s.result = nil
	s.failure = nil
	s.inflight = 0
}

func (s *Session) transitionLocked(from State, ticket uint64) []Event {
	now := time.Now().UTC()
	s.updatedAt = now
	s.logger.Debug("session transition", zap.Stringer("from", from), zap.Stringer("to", s.state), zap.Uint64("ticket", ticket))
	return []Event{{
		Type:      EventTransition,
		SessionID: s.id,
		Owner:     s.owner,
		Ticket:    ticket,
		From:      from,
		To:        s.state,
		Candidate: describe(s.candidate),
		Result:    s.result,
		Failure:   s.failure,
		At:        now,
	}}
}

func (s *Session) notify(events []Event) {
	for _, ev := range events {
		for _, listener := range s.listeners {
			listener(ev)
		}
	}
}
