package presenter

import (
	"time"

	"github.com/wuchris-ch/fundus-dx-ml/internal/session"
)

// RankedClass is one row of the probability breakdown.
type RankedClass struct {
	Label       string  `json:"label"`
	DisplayName string  `json:"display_name"`
	Probability float64 `json:"probability"`
	Percent     string  `json:"percent"`
}

// ResultView is the presentation of a successful diagnosis.
type ResultView struct {
	Prediction  string        `json:"prediction"`
	DisplayName string        `json:"display_name"`
	Confidence  float64       `json:"confidence"`
	Percent     string        `json:"percent"`
	Tier        Tier          `json:"tier"`
	Ranked      []RankedClass `json:"ranked"`
}

// SessionView is what clients render for a session.
type SessionView struct {
	ID          string             `json:"id"`
	State       session.State      `json:"state"`
	Candidate   *session.Candidate `json:"candidate,omitempty"`
	PreviewURL  string             `json:"preview_url,omitempty"`
	Result      *ResultView        `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	Submissions uint64             `json:"submissions"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Present builds the view of a snapshot. previewURL is only included when
// the session holds a preview.
func Present(snap session.Snapshot, previewURL string) SessionView {
	view := SessionView{
		ID:          snap.ID,
		State:       snap.State,
		Candidate:   snap.Candidate,
		Submissions: snap.Submissions,
		UpdatedAt:   snap.UpdatedAt,
	}
	if snap.Preview != "" {
		view.PreviewURL = previewURL
	}

	switch snap.State {
	case session.Succeeded:
		if snap.Result != nil {
			r := snap.Result
			ranked := RankedProbabilities(r.Probabilities)
			rv := &ResultView{
				Prediction:  r.PredictedClass,
				DisplayName: DisplayLabel(r.PredictedClass),
				Confidence:  r.Confidence,
				Percent:     Percent(r.Confidence),
				Tier:        ConfidenceTier(r.Confidence),
				Ranked:      make([]RankedClass, 0, len(ranked)),
			}
			for _, entry := range ranked {
				rv.Ranked = append(rv.Ranked, RankedClass{
					Label:       entry.Label,
					DisplayName: DisplayLabel(entry.Label),
					Probability: entry.Probability,
					Percent:     Percent(entry.Probability),
				})
			}
			view.Result = rv
		}
	case session.Failed:
		if snap.Failure != nil {
			view.Error = snap.Failure.Message
		}
	}
	return view
}
