package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wuchris-ch/fundus-dx-ml/internal/retry"
)

// Outcomes of a recorded submission.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// DiagnosisLog is one completed prediction request.
type DiagnosisLog struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	SessionID      string    `gorm:"column:session_id;size:64;index:idx_diagnosis_logs_session_ticket,unique" json:"session_id"`
	Ticket         uint64    `gorm:"column:ticket;index:idx_diagnosis_logs_session_ticket,unique" json:"ticket"`
	OwnerID        string    `gorm:"column:owner_id;size:64;index" json:"-"`
	Filename       string    `gorm:"column:filename;size:255" json:"filename"`
	MIMEType       string    `gorm:"column:mime_type;size:128" json:"mime_type"`
	SizeBytes      int64     `gorm:"column:size_bytes" json:"size_bytes"`
	Outcome        string    `gorm:"column:outcome;size:16;index" json:"outcome"`
	FailureKind    string    `gorm:"column:failure_kind;size:32" json:"failure_kind,omitempty"`
	PredictedClass string    `gorm:"column:predicted_class;size:64" json:"predicted_class,omitempty"`
	Confidence     float64   `gorm:"column:confidence" json:"confidence,omitempty"`
	Probabilities  string    `gorm:"column:probabilities;type:text" json:"probabilities,omitempty"`
	LatencyMs      int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (DiagnosisLog) TableName() string {
	return "diagnosis_logs"
}

// MetricsAggregation is the raw aggregate over every log.
type MetricsAggregation struct {
	TotalCount         int64
	SuccessCount       int64
	AverageConfidence  float64
	AverageLatencyMs   float64
	FailuresByKind     map[string]int64
	PredictionsByClass map[string]int64
}

// DiagnosisRepository persists diagnosis logs.
type DiagnosisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDiagnosisRepository creates a repository backed by db.
func NewDiagnosisRepository(db *gorm.DB, logger *zap.Logger) *DiagnosisRepository {
	policy := retry.DefaultPolicy()
	return &DiagnosisRepository{
		db:             db,
		logger:         logger.Named("diagnosis_repository"),
		retryAttempts:  policy.Attempts,
		initialBackoff: policy.InitialBackoff,
		maxBackoff:     policy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DiagnosisRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&DiagnosisLog{})
}

// SaveLog persists a diagnosis log entry.
func (r *DiagnosisRepository) SaveLog(ctx context.Context, log *DiagnosisLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// ListBySession returns the logs of a session, oldest first.
func (r *DiagnosisRepository) ListBySession(ctx context.Context, ownerID, sessionID string) ([]*DiagnosisLog, error) {
	var logs []*DiagnosisLog
	err := r.executeWithRetry(ctx, "repository.list_by_session", sessionID, func() error {
		return r.db.WithContext(ctx).
			Where("owner_id = ? AND session_id = ?", ownerID, sessionID).
			Order("ticket ASC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

type groupCount struct {
	Name  string
	Count int64
}

// AggregateMetrics summarises every stored log.
func (r *DiagnosisRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals struct {
		TotalCount        int64
		SuccessCount      int64
		AverageConfidence float64
		AverageLatencyMs  float64
	}
	var failures, classes []groupCount

	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		db := r.db.WithContext(ctx)
		if err := db.Model(&DiagnosisLog{}).
			Select(
				"COUNT(*) AS total_count, "+
					"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
					"COALESCE(AVG(CASE WHEN outcome = ? THEN confidence END), 0) AS average_confidence, "+
					"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
				OutcomeSucceeded, OutcomeSucceeded,
			).
			Scan(&totals).Error; err != nil {
			return err
		}
		if err := db.Model(&DiagnosisLog{}).
			Select("failure_kind AS name, COUNT(*) AS count").
			Where("outcome = ?", OutcomeFailed).
			Group("failure_kind").
			Scan(&failures).Error; err != nil {
			return err
		}
		return db.Model(&DiagnosisLog{}).
			Select("predicted_class AS name, COUNT(*) AS count").
			Where("outcome = ?", OutcomeSucceeded).
			Group("predicted_class").
			Scan(&classes).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:         totals.TotalCount,
		SuccessCount:       totals.SuccessCount,
		AverageConfidence:  totals.AverageConfidence,
		AverageLatencyMs:   totals.AverageLatencyMs,
		FailuresByKind:     make(map[string]int64, len(failures)),
		PredictionsByClass: make(map[string]int64, len(classes)),
	}
	for _, row := range failures {
		agg.FailuresByKind[row.Name] = row.Count
	}
	for _, row := range classes {
		agg.PredictionsByClass[row.Name] = row.Count
	}
	return agg, nil
}

func (r *DiagnosisRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return policy.Do(ctx, r.logger, operation, sessionID, fn)
}
