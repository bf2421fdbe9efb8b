package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/flow"
)

// ErrUnknownConnector is returned for connector ids without a base URL.
var ErrUnknownConnector = errors.New("unknown connector")

// HTTPConnector calls connectors as JSON-over-HTTP services. Each connector
// id maps to a base URL; the node's endpoint is appended to it.
type HTTPConnector struct {
	baseURLs map[string]string
	client   *http.Client
}

// NewHTTPConnector creates a connector executor.
func NewHTTPConnector(baseURLs map[string]string, timeout time.Duration) *HTTPConnector {
	urls := make(map[string]string, len(baseURLs))
	for id, u := range baseURLs {
		urls[id] = strings.TrimRight(u, "/")
	}
	return &HTTPConnector{baseURLs: urls, client: newHTTPClient(timeout)}
}

// Execute POSTs params to the connector. Non-2xx responses are reported as
// an unsuccessful result; transport failures are returned as errors.
func (c *HTTPConnector) Execute(ctx context.Context, connectorID, endpoint string, params map[string]interface{}) (*flow.ConnectorResult, error) {
	base, ok := c.baseURLs[connectorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorID)
	}
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	result := &flow.ConnectorResult{Duration: time.Since(start)}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Error = fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		return result, nil
	}

	result.Success = true
	if len(bytes.TrimSpace(raw)) == 0 {
		return result, nil
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		result.Data = string(raw)
	} else {
		result.Data = data
	}
	return result, nil
}

var _ flow.ConnectorExecutor = (*HTTPConnector)(nil)
