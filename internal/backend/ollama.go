// Package backend talks to the Ollama inference server over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnavailable means the backend could not be reached at all
	// (connection refused, DNS failure).
	ErrUnavailable = errors.New("backend unavailable")

	// ErrTimeout means the bounded wait for a completion elapsed. There is
	// no automatic retry; retry policy belongs to the caller.
	ErrTimeout = errors.New("backend timeout")
)

// StatusError carries a non-success HTTP status and the backend's message.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error: status %d: %s", e.Status, e.Message)
}

// ChatMessage is a single message in an Ollama chat request or response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for the Ollama /api/chat endpoint.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ChatResponse is the non-streamed response from /api/chat.
type ChatResponse struct {
	Model     string      `json:"model"`
	CreatedAt string      `json:"created_at"`
	Message   ChatMessage `json:"message"`
	Done      bool        `json:"done"`
}

// TagsResponse is the response from the /api/tags endpoint.
type TagsResponse struct {
	Models []Model `json:"models"`
}

// Model is a single model in the tags response.
type Model struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Client sends finished prompts to Ollama and waits for complete
// (non-streamed) responses.
type Client struct {
	baseURL    string
	model      string
	timeout    time.Duration
	options    map[string]any
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

func NewClient(baseURL, model string, timeout time.Duration, options map[string]any, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		timeout: timeout,
		options: options,
		// The bounded wait is enforced per call via context, not on the
		// transport.
		httpClient: &http.Client{},
		logger:     logger,
		tracer:     otel.Tracer("promptloom/backend"),
		meter:      otel.Meter("promptloom/backend"),
	}
}

// Infer sends the prompt as a single user message and returns the
// completion. Failures are classified as ErrUnavailable, ErrTimeout or
// *StatusError; caller-initiated cancellation propagates as context.Canceled.
func (c *Client) Infer(ctx context.Context, prompt string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ollama_chat")
	defer span.End()

	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := ChatRequest{
		Model:    c.model,
		Messages: []ChatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
		Options:  c.options,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Status: resp.StatusCode, Message: string(body)}
	}

	var apiResp ChatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	duration := time.Since(start)
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(duration.Milliseconds()))
	}

	c.logger.Debug("completion received", "model", apiResp.Model, "duration_ms", duration.Milliseconds())
	return apiResp.Message.Content, nil
}

// Ping checks that the backend is reachable. Used as the startup
// connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels fetches the models available on the backend.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Message: string(body)}
	}

	var tagsResp TagsResponse
	if err := json.Unmarshal(body, &tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return tagsResp.Models, nil
}

// classify turns transport errors into the failure taxonomy. Deadline
// expiry is a timeout, caller cancellation passes through, everything else
// means the backend is unreachable.
func (c *Client) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
