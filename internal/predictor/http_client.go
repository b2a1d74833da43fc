package predictor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/example/style-predict/internal/logging"
)

type predictResponse struct {
	Top3 []Prediction `json:"top3"`
}

// HTTPClient implements Client over the service's HTTP API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient returns a client for the service rooted at baseURL. Timeouts
// come from the caller's context, so httpClient should not set one; nil means
// http.DefaultClient.
func NewHTTPClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.Named("predictor"),
	}
}

// Wake issues GET on the base URL and discards the response.
func (c *HTTPClient) Wake(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return logging.NewOperationError("predictor.wake", "", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return logging.NewOperationError("predictor.wake", "", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	c.logger.Debug("wake ping answered", zap.Int("status", resp.StatusCode))
	return nil
}

// Predict posts img as multipart/form-data to /predict.
func (c *HTTPClient) Predict(ctx context.Context, img Image) ([]Prediction, error) {
	body, contentType, err := encodeImage(img)
	if err != nil {
		return nil, logging.NewOperationError("predictor.encode", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, logging.NewOperationError("predictor.predict", "", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, logging.NewOperationError("predictor.predict", "", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, logging.NewOperationError("predictor.read_body", "", err)
	}
	return decodePredictions(raw)
}

func encodeImage(img Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := img.Name
	if name == "" {
		name = "upload"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldName, name))
	header.Set("Content-Type", img.MIMEType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func decodePredictions(raw []byte) ([]Prediction, error) {
	var payload predictResponse
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.Top3 == nil {
		return nil, fmt.Errorf("%w: missing top3", ErrMalformedResponse)
	}
	for _, p := range payload.Top3 {
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence %v for %q out of range", ErrMalformedResponse, p.Confidence, p.Label)
		}
	}
	if len(payload.Top3) > MaxResults {
		payload.Top3 = payload.Top3[:MaxResults]
	}
	return payload.Top3, nil
}
