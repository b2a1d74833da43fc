// Package predictor talks to the remote image classification service.
package predictor

import (
	"context"
	"errors"
	"fmt"
)

// FieldName is the multipart field the service reads the image from.
const FieldName = "image"

// MaxResults is the number of ranked entries the service returns at most.
const MaxResults = 3

// ErrMalformedResponse reports a 2xx response whose body does not match the contract.
var ErrMalformedResponse = errors.New("malformed prediction response")

// Prediction is one ranked label with its confidence in [0, 1].
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Image is the payload sent for classification.
type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

// StatusError is returned when the service answers outside 2xx.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("prediction service responded with status %d", e.StatusCode)
}

// Client exposes the calls the orchestrator needs.
type Client interface {
	// Wake pings the service base URL so a sleeping backend starts up.
	Wake(ctx context.Context) error
	// Predict uploads img and returns the ranked predictions in service order.
	Predict(ctx context.Context, img Image) ([]Prediction, error)
}
