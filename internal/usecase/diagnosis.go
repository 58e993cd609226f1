package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
	"github.com/wuchris-ch/fundus-dx-ml/internal/logging"
	"github.com/wuchris-ch/fundus-dx-ml/internal/prediction"
	"github.com/wuchris-ch/fundus-dx-ml/internal/preview"
	"github.com/wuchris-ch/fundus-dx-ml/internal/repository"
	"github.com/wuchris-ch/fundus-dx-ml/internal/session"
)

// ErrNoPreview is returned when the session holds no image.
var ErrNoPreview = errors.New("session has no preview")

// DiagnosisRepository defines the persistence operations needed by the use case.
type DiagnosisRepository interface {
	SaveLog(ctx context.Context, log *repository.DiagnosisLog) error
	ListBySession(ctx context.Context, ownerID, sessionID string) ([]*repository.DiagnosisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// DiagnosisUseCase hosts upload sessions and records their outcomes.
type DiagnosisUseCase struct {
	sessions      *session.Manager
	previews      preview.Store
	repo          DiagnosisRepository
	logger        *zap.Logger
	recordTimeout time.Duration
}

// NewDiagnosisUseCase wires a session registry whose sessions report every
// completed submission to repo. requestTimeout bounds each prediction call;
// idleTTL evicts abandoned sessions and is disabled when zero.
func NewDiagnosisUseCase(client prediction.Client, previews preview.Store, repo DiagnosisRepository, logger *zap.Logger, requestTimeout, idleTTL time.Duration) *DiagnosisUseCase {
	uc := &DiagnosisUseCase{
		previews:      previews,
		repo:          repo,
		logger:        logger.Named("diagnosis_usecase"),
		recordTimeout: 5 * time.Second,
	}
	uc.sessions = session.NewManager(client, previews, logger, session.Options{
		Timeout:   requestTimeout,
		Listeners: []session.Listener{uc.record},
		IdleTTL:   idleTTL,
	})
	return uc
}

// CreateSession starts an idle session for owner.
func (uc *DiagnosisUseCase) CreateSession(owner string) session.Snapshot {
	return uc.sessions.Create(owner).Snapshot()
}

// GetSession returns the current state of a session.
func (uc *DiagnosisUseCase) GetSession(owner, sessionID string) (session.Snapshot, error) {
	s, err := uc.sessions.Get(owner, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// SelectFile hands a candidate to the session. A dropped non-image is not an
// error: accepted is false and the session is unchanged.
func (uc *DiagnosisUseCase) SelectFile(ctx context.Context, owner, sessionID string, candidate *diagnosis.ImageCandidate) (snap session.Snapshot, accepted bool, err error) {
	s, err := uc.sessions.Get(owner, sessionID)
	if err != nil {
		return session.Snapshot{}, false, err
	}

	err = s.SelectFile(ctx, candidate)
	switch {
	case errors.Is(err, diagnosis.ErrInvalidInput):
		logging.WithOperation(uc.logger, "usecase.select_file", sessionID).
			Info("ignored dropped file", zap.String("mime_type", candidate.MIMEType))
		return s.Snapshot(), false, nil
	case err != nil:
		return s.Snapshot(), false, err
	}
	return s.Snapshot(), candidate != nil, nil
}

// Submit starts a prediction for the session's candidate.
func (uc *DiagnosisUseCase) Submit(owner, sessionID string) (session.Snapshot, error) {
	s, err := uc.sessions.Get(owner, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if _, err := s.Submit(); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// Reset clears the session.
func (uc *DiagnosisUseCase) Reset(ctx context.Context, owner, sessionID string) (session.Snapshot, error) {
	s, err := uc.sessions.Get(owner, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := s.Reset(ctx); err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// CloseSession tears the session down.
func (uc *DiagnosisUseCase) CloseSession(ctx context.Context, owner, sessionID string) error {
	return uc.sessions.Remove(ctx, owner, sessionID)
}

// Preview loads the preview payload of the session's candidate.
func (uc *DiagnosisUseCase) Preview(ctx context.Context, owner, sessionID string) (*preview.Preview, error) {
	s, err := uc.sessions.Get(owner, sessionID)
	if err != nil {
		return nil, err
	}
	handle := s.Snapshot().Preview
	if handle == "" {
		return nil, ErrNoPreview
	}
	p, err := uc.previews.Open(ctx, handle)
	if errors.Is(err, preview.ErrNotFound) {
		// released between the snapshot and the read
		return nil, ErrNoPreview
	}
	return p, err
}

// History lists the recorded submissions of one of owner's sessions. It
// also covers sessions that have since been closed.
func (uc *DiagnosisUseCase) History(ctx context.Context, owner, sessionID string) ([]*repository.DiagnosisLog, error) {
	return uc.repo.ListBySession(ctx, owner, sessionID)
}

// Shutdown closes every hosted session.
func (uc *DiagnosisUseCase) Shutdown(ctx context.Context) error {
	return uc.sessions.Shutdown(ctx)
}

// record is the session listener that persists completed submissions.
func (uc *DiagnosisUseCase) record(ev session.Event) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", ev.SessionID)

	if ev.Type == session.EventStaleDiscarded {
		fields := []zap.Field{zap.Uint64("ticket", ev.Ticket), zap.Duration("latency", ev.Latency)}
		if ev.Failure != nil {
			fields = append(fields, zap.String("kind", string(ev.Failure.Kind)))
		}
		opLogger.Info("stale prediction discarded", fields...)
		return
	}
	if ev.From != session.Submitting || (ev.To != session.Succeeded && ev.To != session.Failed) {
		return
	}

	log := &repository.DiagnosisLog{
		SessionID: ev.SessionID,
		Ticket:    ev.Ticket,
		OwnerID:   ev.Owner,
		LatencyMs: ev.Latency.Milliseconds(),
		CreatedAt: ev.At,
	}
	if ev.Candidate != nil {
		log.Filename = ev.Candidate.Filename
		log.MIMEType = ev.Candidate.MIMEType
		log.SizeBytes = int64(ev.Candidate.Size)
	}
	if ev.To == session.Succeeded && ev.Result != nil {
		log.Outcome = repository.OutcomeSucceeded
		log.PredictedClass = ev.Result.PredictedClass
		log.Confidence = ev.Result.Confidence
		if encoded, err := json.Marshal(ev.Result.Probabilities); err == nil {
			log.Probabilities = string(encoded)
		}
	} else {
		log.Outcome = repository.OutcomeFailed
		if ev.Failure != nil {
			log.FailureKind = string(ev.Failure.Kind)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), uc.recordTimeout)
	defer cancel()
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Error("failed to persist diagnosis log", zap.Error(err), zap.Uint64("ticket", ev.Ticket))
		return
	}
	opLogger.Info("diagnosis recorded",
		zap.Uint64("ticket", ev.Ticket),
		zap.String("outcome", log.Outcome),
		zap.String("failure_kind", log.FailureKind),
		zap.String("predicted_class", log.PredictedClass),
		zap.Int64("latency_ms", log.LatencyMs),
	)
}
