package diagnosis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Labels the prediction service is trained on, in the service's class order.
const (
	LabelCataract            = "cataract"
	LabelDiabeticRetinopathy = "diabetic_retinopathy"
	LabelGlaucoma            = "glaucoma"
	LabelNormal              = "normal"
)

// KnownLabels lists the service's classes.
var KnownLabels = []string{LabelCataract, LabelDiabeticRetinopathy, LabelGlaucoma, LabelNormal}

// ClassProbability is one entry of a probability mapping.
type ClassProbability struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Probabilities maps class labels to probabilities and remembers the order
// in which the labels appeared in the service's JSON object.
type Probabilities []ClassProbability

// Lookup returns the probability of label.
func (p Probabilities) Lookup(label string) (float64, bool) {
	for _, entry := range p {
		if entry.Label == label {
			return entry.Probability, true
		}
	}
	return 0, false
}

// MarshalJSON writes the mapping back as a JSON object in its original order.
func (p Probabilities) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Label)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(entry.Probability)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object of label → number, keeping key order.
// Duplicate labels are rejected.
func (p *Probabilities) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("probabilities must be a JSON object")
	}

	out := Probabilities{}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		label, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", tok)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("duplicate label %q", label)
		}
		seen[label] = struct{}{}

		tok, err = dec.Token()
		if err != nil {
			return err
		}
		num, ok := tok.(json.Number)
		if !ok {
			return fmt.Errorf("probability for %q is not a number", label)
		}
		value, err := num.Float64()
		if err != nil {
			return fmt.Errorf("probability for %q: %w", label, err)
		}
		out = append(out, ClassProbability{Label: label, Probability: value})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// Result is a diagnosis returned by the prediction service.
type Result struct {
	PredictedClass string        `json:"prediction"`
	Confidence     float64       `json:"confidence"`
	Probabilities  Probabilities `json:"probabilities"`
}

// Validate checks the shape of a decoded result. It does not check that the
// probabilities sum to one, nor that the predicted class carries the
// confidence; both are the service's responsibility.
func (r *Result) Validate() error {
	if r.PredictedClass == "" {
		return errors.New("prediction is empty")
	}
	if !inUnitInterval(r.Confidence) {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	if len(r.Probabilities) == 0 {
		return errors.New("probabilities are empty")
	}
	for _, entry := range r.Probabilities {
		if !inUnitInterval(entry.Probability) {
			return fmt.Errorf("probability for %q is %v, outside [0,1]", entry.Label, entry.Probability)
		}
	}
	return nil
}

func inUnitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
