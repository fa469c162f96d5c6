// Package fal talks to the fal.ai model API: queue submission and polling,
// synchronous runs and the storage upload used for inline inputs.
package fal

import (
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

	"github.com/rs/zerolog"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("fal: api key is required")

// Queue statuses reported by the status endpoint.
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

const (
	defaultQueueURL     = "https://queue.fal.run"
	defaultSyncURL      = "https://fal.run"
	defaultRESTURL      = "https://rest.alpha.fal.ai"
	defaultPollInterval = 2 * time.Second
	defaultCallTimeout  = 60 * time.Second
	maxErrorBody        = 4 << 10
)

// Options configures the fal client.
type Options struct {
	APIKey       string
	QueueURL     string
	SyncURL      string
	RESTURL      string
	PollInterval time.Duration
	// CallTimeout bounds each submit, status, result and upload call. Run is
	// bounded only by its context, since a sync call lasts as long as the
	// generation itself.
	CallTimeout time.Duration
	// HTTPClient should not set Timeout; deadlines come from contexts.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client performs HTTP calls to the fal queue, sync and storage APIs.
type Client struct {
	apiKey       string
	queueURL     string
	syncURL      string
	restURL      string
	pollInterval time.Duration
	callTimeout  time.Duration
	httpClient   *http.Client
	logger       zerolog.Logger
}

// APIError is a non-2xx answer from fal.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fal: status %d: %s", e.StatusCode, e.Message)
}

// RequestFailedError reports a queued request that fal marked FAILED.
type RequestFailedError struct {
	RequestID string
	Message   string
}

func (e *RequestFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fal: request %s failed", e.RequestID)
	}
	return fmt.Sprintf("fal: request %s failed: %s", e.RequestID, e.Message)
}

// SubmitResponse is returned when a request is queued.
type SubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
}

// LogEntry is one provider log line attached to a status response.
type LogEntry struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the queue status of a request.
type StatusResponse struct {
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Logs          []LogEntry `json:"logs,omitempty"`
	Error         *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type uploadInitiateRequest struct {
	ContentType string `json:"content_type"`
	FileName    string `json:"file_name"`
}

type uploadInitiateResponse struct {
	UploadURL string `json:"upload_url"`
	FileURL   string `json:"file_url"`
}

// NewClient constructs a client with defaults for unset options.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Client{
		apiKey:       apiKey,
		queueURL:     trimBase(opts.QueueURL, defaultQueueURL),
		syncURL:      trimBase(opts.SyncURL, defaultSyncURL),
		restURL:      trimBase(opts.RESTURL, defaultRESTURL),
		pollInterval: poll,
		callTimeout:  callTimeout,
		httpClient:   httpClient,
		logger:       opts.Logger,
	}, nil
}

// AppID returns the owner/alias prefix of a model id. Queue status and
// result endpoints are addressed by app, not by the full model path.
func AppID(modelID string) string {
	parts := strings.Split(strings.Trim(modelID, "/"), "/")
	if len(parts) <= 2 {
		return strings.Join(parts, "/")
	}
	return parts[0] + "/" + parts[1]
}

// Submit queues input for modelID and returns the request id.
func (c *Client) Submit(ctx context.Context, modelID string, input any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	var out SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, c.queueURL+"/"+strings.Trim(modelID, "/"), input, &out); err != nil {
		return "", err
	}
	if out.RequestID == "" {
		return "", errors.New("fal: submit response carried no request_id")
	}
	c.logger.Debug().Str("model_id", modelID).Str("request_id", out.RequestID).Msg("fal: request queued")
	return out.RequestID, nil
}

// Status fetches the queue status of requestID.
func (c *Client) Status(ctx context.Context, modelID, requestID string) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s/%s/requests/%s/status", c.queueURL, AppID(modelID), url.PathEscape(requestID))
	var out StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result fetches the output of a completed request.
func (c *Client) Result(ctx context.Context, modelID, requestID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s/%s/requests/%s", c.queueURL, AppID(modelID), url.PathEscape(requestID))
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Wait polls requestID until it completes or fails, then returns its output.
// Cancellation of ctx ends the wait with ctx.Err().
func (c *Client) Wait(ctx context.Context, modelID, requestID string) (json.RawMessage, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, modelID, requestID)
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case StatusCompleted:
			return c.Result(ctx, modelID, requestID)
		case StatusFailed:
			failed := &RequestFailedError{RequestID: requestID}
			if status.Error != nil {
				failed.Message = status.Error.Message
			}
			return nil, failed
		case StatusInQueue, StatusInProgress:
			ev := c.logger.Debug().Str("request_id", requestID).Str("status", status.Status)
			if status.QueuePosition != nil {
				ev = ev.Int("queue_position", *status.QueuePosition)
			}
			ev.Msg("fal: waiting")
		default:
			c.logger.Warn().Str("request_id", requestID).Str("status", status.Status).Msg("fal: unknown status")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run invokes modelID synchronously and returns its output. Only ctx limits
// how long it may take.
func (c *Client) Run(ctx context.Context, modelID string, input any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, c.syncURL+"/"+strings.Trim(modelID, "/"), input, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Upload stores data in fal storage and returns its public URL.
func (c *Client) Upload(ctx context.Context, data []byte, contentType, fileName string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("fal: upload payload is empty")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if fileName == "" {
		fileName = "upload.bin"
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	var initiated uploadInitiateResponse
	endpoint := c.restURL + "/storage/upload/initiate?storage_type=fal-cdn-v3"
	if err := c.doJSON(ctx, http.MethodPost, endpoint, uploadInitiateRequest{ContentType: contentType, FileName: fileName}, &initiated); err != nil {
		return "", fmt.Errorf("fal: initiate upload: %w", err)
	}
	if initiated.UploadURL == "" || initiated.FileURL == "" {
		return "", errors.New("fal: initiate upload returned no urls")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, initiated.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("fal: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fal: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", apiError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug().Str("file_url", initiated.FileURL).Int("bytes", len(data)).Msg("fal: uploaded input")
	return initiated.FileURL, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("fal: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("fal: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fal: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("fal: decode response: %w", err)
	}
	return nil
}

// apiError extracts the provider message from an error body. fal answers
// with either {"detail": "..."}, {"detail": [{"msg": "..."}]} or plain text.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))

	var detail struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &detail); err == nil {
		switch {
		case len(detail.Detail) > 0:
			var s string
			if json.Unmarshal(detail.Detail, &s) == nil && s != "" {
				msg = s
				break
			}
			var items []struct {
				Msg string `json:"msg"`
			}
			if json.Unmarshal(detail.Detail, &items) == nil && len(items) > 0 && items[0].Msg != "" {
				msg = items[0].Msg
			}
		case detail.Message != "":
			msg = detail.Message
		case detail.Error != "":
			msg = detail.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func trimBase(v, fallback string) string {
	v = strings.TrimRight(strings.TrimSpace(v), "/")
	if v == "" {
		return fallback
	}
	return v
}
