package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
)

// FormField is the multipart field the service reads the image from.
const FormField = "file"

// HTTPConfig points the client at the prediction service.
type HTTPConfig struct {
	BaseURL string
	Path    string
	Timeout time.Duration
}

// HTTPClient talks to the prediction service over multipart HTTP.
type HTTPClient struct {
	rest   *resty.Client
	path   string
	logger *zap.Logger
}

// NewHTTPClient builds a client. A zero Timeout leaves requests bounded only
// by the caller's context.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	rest := resty.New().SetBaseURL(cfg.BaseURL)
	if cfg.Timeout > 0 {
		rest.SetTimeout(cfg.Timeout)
	}
	path := cfg.Path
	if path == "" {
		path = "/predict"
	}
	return &HTTPClient{rest: rest, path: path, logger: logger.Named("prediction_client")}
}

type wireResult struct {
	Prediction    *string                  `json:"prediction"`
	Confidence    *float64                 `json:"confidence"`
	Probabilities *diagnosis.Probabilities `json:"probabilities"`
}

type wireError struct {
	Detail string `json:"detail"`
}

// Predict uploads image and decodes the diagnosis.
func (c *HTTPClient) Predict(ctx context.Context, image Image) (*diagnosis.Result, error) {
	contentType := image.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := image.Filename
	if filename == "" {
		filename = "upload"
	}

	started := time.Now()
	resp, err := c.rest.R().
		SetContext(ctx).
		SetMultipartField(FormField, filename, contentType, bytes.NewReader(image.Data)).
		Post(c.path)
	if err != nil {
		failure := &Failure{Kind: KindTransport, Err: err}
		c.logger.Warn("prediction request failed", zap.Error(failure), zap.String("filename", filename))
		return nil, failure
	}

	if !resp.IsSuccess() {
		var body wireError
		_ = json.Unmarshal(resp.Body(), &body)
		failure := &Failure{Kind: KindService, StatusCode: resp.StatusCode(), Detail: body.Detail}
		c.logger.Warn("prediction service returned an error", zap.Error(failure), zap.String("filename", filename))
		return nil, failure
	}

	result, err := DecodeResult(resp.Body())
	if err != nil {
		failure := &Failure{Kind: KindMalformed, StatusCode: resp.StatusCode(), Err: err}
		c.logger.Warn("prediction payload rejected", zap.Error(failure), zap.String("filename", filename))
		return nil, failure
	}

	c.logger.Debug("prediction received",
		zap.String("filename", filename),
		zap.String("prediction", result.PredictedClass),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("latency", time.Since(started)),
	)
	return result, nil
}

// DecodeResult parses a service payload. Missing fields make the whole
// payload invalid.
func DecodeResult(body []byte) (*diagnosis.Result, error) {
	var wire wireResult
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	switch {
	case wire.Prediction == nil:
		return nil, errors.New("missing field prediction")
	case wire.Confidence == nil:
		return nil, errors.New("missing field confidence")
	case wire.Probabilities == nil:
		return nil, errors.New("missing field probabilities")
	}

	result := &diagnosis.Result{
		PredictedClass: *wire.Prediction,
		Confidence:     *wire.Confidence,
		Probabilities:  *wire.Probabilities,
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}
