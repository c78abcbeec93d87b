package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/lory7c/db-fs/internal/model"
	"github.com/lory7c/db-fs/internal/syncerr"
)

const (
	// DefaultQPS is the Sheet API's documented rate cap (§5 Concurrency & Resource Model).
	DefaultQPS = 10
	// burstMultiplier sets the token bucket's burst to 2x its steady-state rate.
	burstMultiplier = 2
	callTimeout     = 15 * time.Second
)

// HTTPClient is the production Client: one shared token bucket (blocking,
// never drops a call) in front of a plain net/http.Client.
type HTTPClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient returns an HTTPClient rate-limited to qps requests/second
// (burst = 2x qps).
func NewHTTPClient(baseURL, apiToken string, qps float64) *HTTPClient {
	if qps <= 0 {
		qps = DefaultQPS
	}

	return &HTTPClient{
		baseURL:    baseURL,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: callTimeout},
		limiter:    rate.NewLimiter(rate.Limit(qps), int(qps)*burstMultiplier),
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.New(syncerr.TransientNetwork, "sheet.HTTPClient.do", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var reqBody io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return syncerr.New(syncerr.MappingError, "sheet.HTTPClient.do", err)
		}

		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return syncerr.New(syncerr.Fatal, "sheet.HTTPClient.do", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return syncerr.New(syncerr.TransientNetwork, "sheet.HTTPClient.do", err)
	}
	defer resp.Body.Close()

	return c.classifyResponse(resp, out)
}

func (c *HTTPClient) classifyResponse(resp *http.Response, out any) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return syncerr.New(syncerr.MappingError, "sheet.HTTPClient.classifyResponse", err)
		}

		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return syncerr.New(syncerr.RateLimited, "sheet.HTTPClient.classifyResponse",
			fmt.Errorf("sheet API rate limited: %s", resp.Status))
	case resp.StatusCode == http.StatusNotFound:
		return syncerr.New(syncerr.NotFound, "sheet.HTTPClient.classifyResponse",
			fmt.Errorf("sheet record not found: %s", resp.Status))
	case resp.StatusCode >= 500:
		return syncerr.New(syncerr.TransientNetwork, "sheet.HTTPClient.classifyResponse",
			fmt.Errorf("sheet API server error: %s", resp.Status))
	default:
		return syncerr.New(syncerr.Fatal, "sheet.HTTPClient.classifyResponse",
			fmt.Errorf("sheet API error: %s", resp.Status))
	}
}

func (c *HTTPClient) ListRecords(ctx context.Context, sheetDB, sheetTable string) ([]Record, error) {
	var records []Record

	path := fmt.Sprintf("/v1/%s/%s/records", sheetDB, sheetTable)
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}

	return records, nil
}

func (c *HTTPClient) CreateRecord(
	ctx context.Context, sheetDB, sheetTable string, fields map[string]model.Value,
) (string, error) {
	var created Record

	path := fmt.Sprintf("/v1/%s/%s/records", sheetDB, sheetTable)
	if err := c.do(ctx, http.MethodPost, path, fields, &created); err != nil {
		return "", err
	}

	return created.ExternalID, nil
}

func (c *HTTPClient) UpdateRecord(
	ctx context.Context, sheetDB, sheetTable, externalID string, fields map[string]model.Value,
) error {
	path := fmt.Sprintf("/v1/%s/%s/records/%s", sheetDB, sheetTable, externalID)

	return c.do(ctx, http.MethodPatch, path, fields, nil)
}

func (c *HTTPClient) DeleteRecord(ctx context.Context, sheetDB, sheetTable, externalID string) error {
	path := fmt.Sprintf("/v1/%s/%s/records/%s", sheetDB, sheetTable, externalID)

	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if syncerr.Is(err, syncerr.NotFound) {
		return nil
	}

	return err
}

func (c *HTTPClient) Query(
	ctx context.Context, sheetDB, sheetTable, field string, value model.Value,
) (*Record, error) {
	var matches []Record

	path := fmt.Sprintf("/v1/%s/%s/records?filter=%s:%v", sheetDB, sheetTable, field, value)
	if err := c.do(ctx, http.MethodGet, path, nil, &matches); err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		return nil, syncerr.New(syncerr.NotFound, "sheet.HTTPClient.Query",
			fmt.Errorf("no record with %s = %v", field, value))
	}

	return &matches[0], nil
}
