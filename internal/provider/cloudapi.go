// ABOUTME: WhatsApp Cloud API client for outbound text messages
// ABOUTME: Rate limited with x/time/rate and bounded by a per-request timeout

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/wabridge/internal/identity"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v20.0"
	DefaultTimeout    = 10 * time.Second
)

// ErrNotConfigured is returned by Send when no phone number ID or access
// token is set.
var ErrNotConfigured = errors.New("cloud api sender is not configured")

// Config holds the Cloud API credentials and client limits.
type Config struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
	// RatePerSecond limits outbound sends; zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// APIError is a non-2xx response from the Graph API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cloud api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("cloud api returned status %d: %s (code %d)", e.StatusCode, e.Message, e.Code)
}

// CloudAPISender sends text messages through the Graph API messages endpoint.
type CloudAPISender struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewCloudAPISender creates a sender. Zero-valued fields in cfg get defaults.
func NewCloudAPISender(cfg Config, logger *slog.Logger) *CloudAPISender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &CloudAPISender{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Endpoint returns the messages URL for the configured phone number.
func (s *CloudAPISender) Endpoint() string {
	return fmt.Sprintf("%s/%s/%s/messages",
		strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.APIVersion, s.cfg.PhoneNumberID)
}

// Send posts a text message and returns the provider's message ID.
func (s *CloudAPISender) Send(ctx context.Context, recipient, content string) (string, error) {
	if s.cfg.PhoneNumberID == "" || s.cfg.AccessToken == "" {
		return "", ErrNotConfigured
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for send slot: %w", err)
	}

	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               identity.Normalize(recipient),
		Type:             "text",
		Text:             sendText{Body: content},
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil {
			apiErr.Message = er.Error.Message
			apiErr.Code = er.Error.Code
		}
		return "", apiErr
	}

	var sr sendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(sr.Messages) == 0 {
		s.logger.Warn("cloud api accepted message without an id", "recipient", recipient)
		return "", nil
	}
	return sr.Messages[0].ID, nil
}
