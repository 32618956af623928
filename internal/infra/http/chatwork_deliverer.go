package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"minutes-relay/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultChatworkMaxChunk is the longest message body Chatwork accepts.
const DefaultChatworkMaxChunk = 20000

// ChatworkConfig configures message delivery.
type ChatworkConfig struct {
	BaseURL    string
	Token      string
	MaxChunk   int
	MaxRetries int
	Backoff    time.Duration
}

type chatworkDeliverer struct {
	client *http.Client
	cfg    ChatworkConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewChatworkDeliverer creates a domain.Deliverer posting to Chatwork rooms.
func NewChatworkDeliverer(cfg ChatworkConfig, logger *slog.Logger) domain.Deliverer {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = DefaultChatworkMaxChunk
	}
	return &chatworkDeliverer{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cfg:    cfg,
		logger: logger.With("component", "chatwork-deliverer"),
		tracer: otel.Tracer("minutes-relay-chatwork"),
	}
}

func (d *chatworkDeliverer) MaxChunkSize() int {
	return d.cfg.MaxChunk
}

// Deliver posts one message and retries transient failures.
func (d *chatworkDeliverer) Deliver(ctx context.Context, destinationID, text string) error {
	ctx, span := d.tracer.Start(ctx, "chatwork.Deliver", trace.WithAttributes(
		attribute.String("destination.id", destinationID),
		attribute.Int("message.length", len([]rune(text))),
	))
	defer span.End()

	var lastErr error
retry:
	for i := 0; i <= d.cfg.MaxRetries; i++ {
		err := d.post(ctx, destinationID, text)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.Is(err, domain.ErrTransient) || i == d.cfg.MaxRetries {
			break
		}
		d.logger.Warn("delivery failed; retrying", "destination_id", destinationID, "attempt", i+1, "error", err)

		select {
		case <-ctx.Done():
			lastErr = fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
			break retry
		case <-time.After(d.cfg.Backoff):
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "delivery failed")
	return lastErr
}

// post performs a single delivery attempt.
func (d *chatworkDeliverer) post(ctx context.Context, destinationID, text string) error {
	endpoint := fmt.Sprintf("%s/rooms/%s/messages", d.cfg.BaseURL, url.PathEscape(destinationID))
	form := url.Values{"body": {text}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("X-ChatWorkToken", d.cfg.Token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return transportError("chatwork request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: room %s: %s", domain.ErrDestinationAuth, destinationID, resp.Status)
	default:
		return statusError(resp, domain.ErrDestinationNotFound)
	}
}
