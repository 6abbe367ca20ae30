package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// HTTPClassifier calls an external classification service over HTTP.
type HTTPClassifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

var _ Adapter = (*HTTPClassifier)(nil)

// NewHTTPClassifier creates a classifier client. timeout bounds each call.
func NewHTTPClassifier(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *HTTPClassifier {
	if baseURL == "" {
		panic("classifier: baseURL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPClassifier{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Classify implements Adapter.
func (c *HTTPClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	if len(req.Labels) == 0 {
		req.Labels = Labels
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, pipeline.E(pipeline.CategoryInternal, "classifier.classify", fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, pipeline.E(pipeline.CategoryInternal, "classifier.classify", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are worth a retry.
		return Result{}, pipeline.E(pipeline.CategoryTransient, "classifier.classify", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Result{}, pipeline.E(pipeline.CategoryTransient, "classifier.classify",
			fmt.Errorf("backend returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, pipeline.E(pipeline.CategoryInternal, "classifier.classify",
			fmt.Errorf("backend returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, pipeline.E(pipeline.CategoryTransient, "classifier.classify", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, pipeline.E(pipeline.CategoryInternal, "classifier.classify",
			fmt.Errorf("malformed response: %w", err))
	}

	if !KnownIntent(result.Intent) {
		c.logger.Warn("classifier returned unknown label", "intent", result.Intent)
		result.Intent = IntentUnknown
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return result, nil
}
