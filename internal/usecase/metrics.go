package usecase

import "context"

// MetricsSummary represents aggregated diagnosis insights.
type MetricsSummary struct {
	TotalSubmissions   int64            `json:"total_submissions"`
	Succeeded          int64            `json:"succeeded"`
	Failed             int64            `json:"failed"`
	SuccessRate        float64          `json:"success_rate"`
	AverageConfidence  float64          `json:"average_confidence"`
	AverageLatencyMs   float64          `json:"average_latency_ms"`
	FailuresByKind     map[string]int64 `json:"failures_by_kind"`
	PredictionsByClass map[string]int64 `json:"predictions_by_class"`
	ActiveSessions     int              `json:"active_sessions"`
}

// GetMetricsSummary aggregates diagnosis metrics from persisted logs.
func (uc *DiagnosisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalSubmissions:   aggregation.TotalCount,
		Succeeded:          aggregation.SuccessCount,
		Failed:             aggregation.TotalCount - aggregation.SuccessCount,
		AverageConfidence:  aggregation.AverageConfidence,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
		FailuresByKind:     aggregation.FailuresByKind,
		PredictionsByClass: aggregation.PredictionsByClass,
		ActiveSessions:     uc.sessions.Len(),
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
