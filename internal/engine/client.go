package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spanlabs/extract-gateway/internal/config"
	"github.com/spanlabs/extract-gateway/internal/extraction"
	"github.com/spanlabs/extract-gateway/internal/observability"
	"github.com/spanlabs/extract-gateway/internal/resilience"
)

// maxResponseBytes caps how much of an engine response body is read
const maxResponseBytes = 4 << 20

// Client implements Engine against the extraction engine's HTTP API
type Client struct {
	config         *config.Config
	apiKey         string
	apiURL         string
	healthURL      string
	task           extraction.Task
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
}

// extractRequest is the request payload for the engine's extract endpoint
type extractRequest struct {
	Text                 string               `json:"text"`
	PromptDescription    string               `json:"prompt_description"`
	Examples             []extraction.Example `json:"examples,omitempty"`
	ModelID              string               `json:"model_id,omitempty"`
	UseSchemaConstraints bool                 `json:"use_schema_constraints"`
	MaxCharBuffer        int                  `json:"max_char_buffer,omitempty"`
}

// extractResponse is the response payload from the engine
type extractResponse struct {
	Extractions []extraction.Extraction `json:"extractions"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// NewClient creates a new extraction engine client
func NewClient(cfg *config.Config, task extraction.Task) *Client {
	return &Client{
		config:    cfg,
		apiKey:    cfg.EngineAPIKey,
		apiURL:    cfg.EngineURL,
		healthURL: deriveHealthURL(cfg.EngineURL),
		task:      task,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.EngineTimeout) * time.Second,
		},
		circuitBreaker: resilience.NewCircuitBreaker(
			"engine",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}
}

// Extract runs one extraction pass over text. Transport failures are
// retried with exponential backoff; schema and parse failures are not.
func (c *Client) Extract(ctx context.Context, text string) ([]extraction.Extraction, error) {
	var extractions []extraction.Extraction

	err := c.circuitBreaker.Call(func() error {
		retryConfig := &resilience.RetryConfig{
			MaxAttempts:       c.config.RetryMaxAttempts,
			InitialBackoff:    time.Duration(c.config.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}

		return resilience.Retry(ctx, func() error {
			result, err := c.doExtract(ctx, text)
			if err != nil {
				return err
			}
			extractions = result
			return nil
		}, retryConfig, func(err error) bool {
			return KindOf(err) == KindTransport
		})
	})

	observability.RecordCircuitBreakerState(c.circuitBreaker.Name(), int(c.circuitBreaker.GetState()))

	if err != nil {
		var engineErr *Error
		if !errors.As(err, &engineErr) {
			err = NewError(KindTransport, "extract", err)
		}
		return nil, err
	}
	return extractions, nil
}

// doExtract performs a single request/response cycle against the engine
func (c *Client) doExtract(ctx context.Context, text string) ([]extraction.Extraction, error) {
	reqBody := extractRequest{
		Text:                 text,
		PromptDescription:    c.task.Prompt,
		Examples:             c.task.Examples,
		ModelID:              c.config.EngineModelID,
		UseSchemaConstraints: c.config.EngineUseSchema,
		MaxCharBuffer:        c.config.EngineMaxCharBuffer,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, NewError(KindSchema, "extract", fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, NewError(KindTransport, "extract", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewError(KindTransport, "extract", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewError(KindTransport, "extract", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		detail := http.StatusText(resp.StatusCode)
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Detail != "" {
			detail = errResp.Detail
		}
		kind := KindTransport
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			kind = KindSchema
		}
		return nil, NewError(kind, "extract", fmt.Errorf("engine returned status %d: %s", resp.StatusCode, detail))
	}

	var result extractResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, NewError(KindParse, "extract", fmt.Errorf("malformed engine response: %w", err))
	}

	return result.Extractions, nil
}

// HealthCheck probes the engine's health endpoint
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("engine health returned status %d", resp.StatusCode)
	}
	return true, nil
}

// deriveHealthURL replaces the path of the extract endpoint with /health
func deriveHealthURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return apiURL
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String()
}
