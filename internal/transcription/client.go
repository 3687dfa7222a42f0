package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/voice-session-service/internal/metrics"
)

// fallbackMessage is used when a failure carries no description
const fallbackMessage = "transcription failed"

// maxResponseBody caps how much of a response is read
const maxResponseBody = 1 << 20

// Client submits complete recordings for final transcription. Requests are
// bounded by the configured timeout and never retried.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	timeouts        uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string // optional bearer token
	Timeout       time.Duration
	Language      string // default language hint
	MaxConcurrent int
}

// Request is one final transcription submission
type Request struct {
	SessionID string
	Audio     []byte // complete recording in Format
	Format    string // file extension, "wav"
	Language  string
}

// Response is the transcription service answer
type Response struct {
	Transcription string        `json:"transcription"`
	Language      string        `json:"language"`
	Confidence    float64       `json:"confidence"`
	Latency       time.Duration `json:"-"`
	ProcessedAt   time.Time     `json:"-"`
}

// errorPayload is the service's failure body
type errorPayload struct {
	Error string `json:"error"`
}

// SubmissionError describes a failed submission. Message holds the most
// specific description available.
type SubmissionError struct {
	Message    string
	StatusCode int // 0 when no response was received
	TimedOut   bool
	Err        error
}

func (e *SubmissionError) Error() string {
	return e.Message
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the submission hit its deadline
func (e *SubmissionError) Timeout() bool {
	return e.TimedOut
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	Timeouts        uint64        `json:"timeouts"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 2
	}

	if config.Language == "" {
		config.Language = "ko"
	}

	// Deadline comes from the request context
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		metrics:    m,
	}, nil
}

// Submit sends a complete recording and waits for its transcription. The
// whole call, including waiting for a concurrency slot, is bounded by the
// configured timeout. Failures are returned as *SubmissionError.
func (c *Client) Submit(ctx context.Context, request Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordTranscriptionRequest()

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, c.fail(ctx, startTime, 0, "", ctx.Err())
	}

	response, status, serverMsg, err := c.doRequest(ctx, request)
	if err != nil {
		return nil, c.fail(ctx, startTime, status, serverMsg, err)
	}

	response.Latency = time.Since(startTime)
	response.ProcessedAt = time.Now()

	c.incrementSuccessRequests(response.Latency)
	c.metrics.RecordTranscriptionSuccess(response.Latency.Seconds())

	return response, nil
}

// doRequest performs the HTTP exchange. On failure it returns the status code
// and the server-provided error message when there was one.
func (c *Client) doRequest(ctx context.Context, request Request) (*Response, int, string, error) {
	body, contentType, err := c.createMultipartRequest(request)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Voice-Session-Service/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload errorPayload
		if json.Unmarshal(respBody, &payload) == nil && strings.TrimSpace(payload.Error) != "" {
			return nil, resp.StatusCode, payload.Error, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, payload.Error)
		}
		return nil, resp.StatusCode, "", fmt.Errorf("HTTP error %d", resp.StatusCode)
	}

	var transcriptionResp Response
	if err := json.Unmarshal(respBody, &transcriptionResp); err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &transcriptionResp, resp.StatusCode, "", nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(request Request) (io.Reader, string, error) {
	if len(request.Audio) == 0 {
		return nil, "", fmt.Errorf("audio payload is empty")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	format := request.Format
	if format == "" {
		format = "wav"
	}

	filename := fmt.Sprintf("%s.%s", request.SessionID, format)
	if request.SessionID == "" {
		filename = "recording." + format
	}

	fileWriter, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(request.Audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	language := request.Language
	if language == "" {
		language = c.config.Language
	}

	fields := [][2]string{
		{"language", language},
		{"sessionId", request.SessionID},
	}
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// fail records a failed submission and builds its SubmissionError
func (c *Client) fail(ctx context.Context, startTime time.Time, status int, serverMsg string, err error) *SubmissionError {
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)

	subErr := &SubmissionError{
		StatusCode: status,
		TimedOut:   timedOut,
		Err:        err,
	}

	switch {
	case serverMsg != "":
		subErr.Message = serverMsg
	case timedOut:
		subErr.Message = fmt.Sprintf("transcription timed out after %v", c.config.Timeout)
	case err != nil && err.Error() != "":
		subErr.Message = err.Error()
	default:
		subErr.Message = fallbackMessage
	}

	reason := "error"
	switch {
	case timedOut:
		reason = "timeout"
	case status != 0:
		reason = "http_status"
	}

	c.incrementFailedRequests(timedOut)
	c.metrics.RecordTranscriptionFailure(reason, time.Since(startTime).Seconds())

	return subErr
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

func (c *Client) incrementFailedRequests(timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
	if timedOut {
		c.timeouts++
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		Timeouts:        c.timeouts,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Timeout returns the per-submission deadline
func (c *Client) Timeout() time.Duration {
	return c.config.Timeout
}

// Close waits for in-flight requests to complete
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
