// Package client talks to the builder service over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ranjithrajv/debian-multiarch-builder/pkg/builder"
)

// ErrNotFound is returned when the service does not know a run.
var ErrNotFound = errors.New("run not found")

// StreamClosed is the final data frame the service sends on a log stream.
const StreamClosed = "[stream closed]"

// Client interacts with the builder service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client with sane defaults. apiKey may be empty.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type runEnvelope struct {
	Run builder.Run `json:"run"`
}

// SubmitRun queues a build of req.
func (c *Client) SubmitRun(ctx context.Context, req builder.BuildRequest) (builder.Run, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return builder.Run{}, fmt.Errorf("marshal build request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/runs", bytes.NewReader(body))
	if err != nil {
		return builder.Run{}, fmt.Errorf("create submit request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return builder.Run{}, fmt.Errorf("submit run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return builder.Run{}, fmt.Errorf("submit run failed: %s", readError(resp))
	}

	var out runEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return builder.Run{}, fmt.Errorf("decode submit response: %w", err)
	}
	return out.Run, nil
}

// GetRun fetches a run with its summary once finished.
func (c *Client) GetRun(ctx context.Context, id string) (builder.Run, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil)
	if err != nil {
		return builder.Run{}, fmt.Errorf("create get run request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return builder.Run{}, fmt.Errorf("get run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return builder.Run{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return builder.Run{}, fmt.Errorf("get run failed: %s", readError(resp))
	}

	var out runEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return builder.Run{}, fmt.Errorf("decode run: %w", err)
	}
	return out.Run, nil
}

// ListRuns returns every run the service knows about.
func (c *Client) ListRuns(ctx context.Context) ([]builder.Run, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/runs", nil)
	if err != nil {
		return nil, fmt.Errorf("create list request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list runs failed: %s", readError(resp))
	}

	var out struct {
		Runs []builder.Run `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return out.Runs, nil
}

// StreamLogs follows a run's log stream, calling lineFn for every line until
// the service closes the stream or ctx ends.
func (c *Client) StreamLogs(ctx context.Context, id string, lineFn func(string) error) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// the stream outlives the default request timeout
	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(httpReq)
	if err != nil {
		return fmt.Errorf("stream logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream logs failed: %s", readError(resp))
	}

	return ReadEvents(resp.Body, func(data string) error {
		if data == StreamClosed {
			return io.EOF
		}
		return lineFn(data)
	})
}

// ReadEvents reads an SSE stream and calls eventFn with the data of every
// completed event. Returning io.EOF from eventFn stops reading cleanly.
func ReadEvents(body io.Reader, eventFn func(string) error) error {
	reader := bufio.NewReader(body)
	var data []string
	dispatch := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return eventFn(payload)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		switch {
		case trimmed == "":
			if derr := dispatch(); derr != nil {
				return stopped(derr)
			}
		case strings.HasPrefix(trimmed, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
		}
		if errors.Is(err, io.EOF) {
			return stopped(dispatch())
		}
	}
}

func stopped(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func readError(resp *http.Response) string {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		return fmt.Sprintf("%d %s", resp.StatusCode, body.Error)
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, strings.TrimSpace(string(payload)))
}
