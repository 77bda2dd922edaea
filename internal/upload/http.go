package upload

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTP uploads files with PUT and basic authentication
type HTTP struct {
	endpoint Endpoint
	client   *resty.Client
	logger   *slog.Logger
}

// NewHTTP creates an HTTP PUT transferer
func NewHTTP(endpoint Endpoint, timeout time.Duration, logger *slog.Logger) *HTTP {
	if endpoint.Port == 0 {
		endpoint.Port = 80
		if endpoint.Scheme == "https" {
			endpoint.Port = 443
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "Vox-Relay-Service/1.0")

	return &HTTP{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
	}
}

// Endpoint returns the remote endpoint
func (h *HTTP) Endpoint() Endpoint {
	return h.endpoint
}

// Transfer PUTs the file to the endpoint URL
func (h *HTTP) Transfer(ctx context.Context, req *TransferRequest) error {
	body, err := os.ReadFile(req.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to read staged file: %w", err)
	}

	url := h.endpoint.URL(req.RemoteName)
	request := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", req.ContentType).
		SetBody(body)
	if req.Username != "" || req.Password != "" {
		request.SetBasicAuth(req.Username, req.Password)
	}

	resp, err := request.Put(url)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		h.logger.Debug("HTTP put completed",
			slog.String("url", url),
			slog.Int("status", status),
			slog.Int("bytes", len(body)),
		)
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP error %d", ErrAuth, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: HTTP error %d: %s", ErrUnavailable, status, resp.String())
	default:
		return fmt.Errorf("%w: HTTP error %d: %s", ErrRejected, status, resp.String())
	}
}
