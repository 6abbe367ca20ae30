package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// HTTPMessenger posts replies to the platform messaging API.
type HTTPMessenger struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

var _ Sender = (*HTTPMessenger)(nil)

// NewHTTPMessenger creates a messaging API client.
func NewHTTPMessenger(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *HTTPMessenger {
	if baseURL == "" {
		panic("messenger: baseURL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPMessenger{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Send implements Sender.
func (m *HTTPMessenger) Send(ctx context.Context, reply Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return pipeline.E(pipeline.CategoryInternal, "messenger.send", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return pipeline.E(pipeline.CategoryInternal, "messenger.send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return pipeline.E(pipeline.CategoryTransient, "messenger.send", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return pipeline.E(pipeline.CategoryTransient, "messenger.send",
			fmt.Errorf("platform returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return pipeline.E(pipeline.CategoryInternal, "messenger.send",
			fmt.Errorf("platform returned %d", resp.StatusCode))
	}

	m.logger.Debug("reply sent",
		"platform", reply.Platform,
		"recipient", reply.RecipientExternalID,
		"correlation_id", reply.CorrelationID,
	)
	return nil
}
