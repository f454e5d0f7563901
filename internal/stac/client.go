// Package stac calls the catalog API that creates and publishes STAC items
// for objects already uploaded to the bucket.
package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/river-ice-cog/internal/pipeline"
)

// Result is the API's answer.
type Result = pipeline.RegistrationResult

// Config controls the client.
type Config struct {
	Endpoint string
	Username string
	Password string
	Timeout  time.Duration
}

// Client implements pipeline.Registrar over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("stac endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger.Named("stac")}, nil
}

type request struct {
	TextFilter string `json:"text_filter"`
	Level      string `json:"level"`
}

// Register asks the API to build STAC items for objects matching textFilter.
func (c *Client) Register(ctx context.Context, textFilter, level string) (Result, error) {
	body, err := json.Marshal(request{TextFilter: textFilter, Level: level})
	if err != nil {
		return Result{}, fmt.Errorf("marshal stac request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build stac request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("stac request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read stac response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("stac api returned %d: %s", resp.StatusCode, excerpt(data))
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("decode stac response: %w", err)
	}
	res := Result{Raw: raw}
	if v, ok := raw["success"].(bool); ok {
		res.Success = v
	}
	if v, ok := raw["message"].(string); ok {
		res.Message = v
	}
	c.logger.Info("stac registration",
		zap.String("text_filter", textFilter),
		zap.String("level", level),
		zap.Bool("success", res.Success),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func excerpt(b []byte) string {
	const maxLen = 256
	b = bytes.TrimSpace(b)
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}
