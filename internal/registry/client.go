package registry

import (
	"FlowDAQ/internal/model"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPClient is a model.RunRegistry that talks to a remote fd-registry over its HTTP API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the registry at baseURL, e.g. "http://127.0.0.1:8080".
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) StartRun(ctx context.Context, meta model.RunMetadata) (string, error) {
	var resp StartRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", meta, &resp); err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return resp.ID, nil
}

func (c *HTTPClient) FinalizeRun(ctx context.Context, runID string, rows []model.Sample, header []string, meta model.RunMetadata) error {
	req := FinalizeRunRequest{Rows: finiteRows(rows), Header: header, Meta: meta}
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/finalize", req, nil); err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", runID, err)
	}
	return nil
}

// finiteRows returns rows without their NaN and infinite values, which JSON cannot carry. The
// document encoder writes such values as blank cells, so leaving them out changes nothing
// downstream. rows itself is not modified.
func finiteRows(rows []model.Sample) []model.Sample {
	var out []model.Sample
	for i, s := range rows {
		clean := true
		for _, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				clean = false
				break
			}
		}
		if clean {
			if out != nil {
				out = append(out, s)
			}
			continue
		}
		if out == nil {
			out = make([]model.Sample, i, len(rows))
			copy(out, rows[:i])
		}
		values := make(map[string]float64, len(s.Values))
		for ch, v := range s.Values {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				values[ch] = v
			}
		}
		s.Values = values
		out = append(out, s)
	}
	if out == nil {
		return rows
	}
	return out
}

func (c *HTTPClient) GetRun(ctx context.Context, runID string) (*model.RunMetadata, error) {
	var meta model.RunMetadata
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &meta); err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return &meta, nil
}

func (c *HTTPClient) DownloadRun(ctx context.Context, runID string) ([]byte, error) {
	var data []byte
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID)+"/download", nil, &data); err != nil {
		return nil, fmt.Errorf("failed to download run %s: %w", runID, err)
	}
	return data, nil
}

func (c *HTTPClient) ListRuns(ctx context.Context) ([]model.RunMetadata, error) {
	return c.ListRunsPage(ctx, DefaultListLimit, 0)
}

// ListRunsPage returns one page of ready runs, newest first.
func (c *HTTPClient) ListRunsPage(ctx context.Context, limit, offset int) ([]model.RunMetadata, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var resp ListRunsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return resp.Runs, nil
}

// DeleteRun removes a run from the remote registry.
func (c *HTTPClient) DeleteRun(ctx context.Context, runID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/runs/"+url.PathEscape(runID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

// Stats returns the remote registry's statistics.
func (c *HTTPClient) Stats(ctx context.Context) (model.RegistryStats, error) {
	var st model.RegistryStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &st); err != nil {
		return model.RegistryStats{}, fmt.Errorf("failed to get registry stats: %w", err)
	}
	return st, nil
}

// do sends body as JSON and decodes the response into out. A *[]byte out receives the raw
// body. Status 404 and 409 map to ErrRunNotFound and ErrRunNotWritable.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrRunNotFound, apiErr.Error)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrRunNotWritable, apiErr.Error)
		default:
			return fmt.Errorf("registry returned %s: %s", resp.Status, apiErr.Error)
		}
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v, err = io.ReadAll(resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
}
