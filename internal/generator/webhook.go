package generator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// resultSchema is the response contract of the resolver webhook
const resultSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["text", "should_persist"],
	"properties": {
		"text": {"type": "string", "minLength": 1},
		"should_persist": {"type": "boolean"}
	}
}`

// WebhookConfig configures the resolver webhook
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string // e.g. a shared secret expected by the workflow
}

// Webhook asks an external workflow (for example an n8n flow) for a message
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	schema  *jsonschema.Schema
	logger  *zap.Logger
}

// NewWebhook creates a webhook generator
func NewWebhook(cfg WebhookConfig, logger *zap.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("resolver webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	schema, err := jsonschema.CompileString("resolver-result.json", resultSchema)
	if err != nil {
		return nil, fmt.Errorf("compile resolver schema: %w", err)
	}

	return &Webhook{
		url:     cfg.URL,
		headers: cfg.Headers,
		client: &http.Client{
			Timeout: timeout,
		},
		schema: schema,
		logger: logger,
	}, nil
}

// Generate posts the request to the workflow and validates the reply
func (w *Webhook) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal resolver request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create resolver request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "notifylab/1.0")
	for k, v := range w.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("resolver request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read resolver response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := respBody
		if len(preview) > 256 {
			preview = preview[:256]
		}
		return nil, fmt.Errorf("resolver returned non-2xx status: %d, body: %s", resp.StatusCode, preview)
	}

	var doc any
	if err := json.Unmarshal(respBody, &doc); err != nil {
		return nil, fmt.Errorf("parse resolver response: %w", err)
	}
	if err := w.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("resolver response violates contract: %w", err)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode resolver response: %w", err)
	}

	w.logger.Debug("resolver responded",
		zap.String("intent_id", req.IntentID),
		zap.Bool("should_persist", result.ShouldPersist),
		zap.Int("status_code", resp.StatusCode),
	)

	return &result, nil
}
