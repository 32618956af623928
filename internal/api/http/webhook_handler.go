package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"minutes-relay/internal/domain"
	"minutes-relay/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventURLValidation  = "endpoint.url_validation"
	eventMeetingCreated = "meeting.created"
	eventRecordingReady = "recording.completed"
	maxWebhookBody      = 1 << 20
	maxSignatureSkew    = 5 * time.Minute
	headerSignature     = "x-zm-signature"
	headerTimestamp     = "x-zm-request-timestamp"
)

// eventTypes maps notification names onto ingest events.
var eventTypes = map[string]domain.EventType{
	eventMeetingCreated:             domain.EventWorkCreated,
	eventRecordingReady:             domain.EventWorkReady,
	string(domain.EventWorkCreated): domain.EventWorkCreated,
	string(domain.EventWorkReady):   domain.EventWorkReady,
}

// WebhookHandler receives push notifications.
type WebhookHandler struct {
	ingest   *usecase.IngestService
	secret   string
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
	now      func() time.Time
}

// NewWebhookHandler creates a WebhookHandler. With an empty secret, signatures
// are not checked and the url validation challenge cannot be answered.
func NewWebhookHandler(ingest *usecase.IngestService, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingest:   ingest,
		secret:   secret,
		logger:   logger.With("component", "webhook-handler"),
		validate: newValidator(),
		tracer:   otel.Tracer("minutes-relay-api"),
		now:      time.Now,
	}
}

// RegisterRoutes registers the webhook route to the http.ServeMux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /webhook", instrument("POST /webhook", h.handleWebhook))
}

func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Webhook")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "failed to read body"})
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}
	span.SetAttributes(attribute.String("webhook.event", req.Event))

	if req.Event == eventURLValidation {
		h.answerValidation(w, req.Payload.PlainToken)
		return
	}

	if h.secret != "" && !h.verifySignature(r, body) {
		span.SetStatus(codes.Error, "Invalid signature")
		h.logger.Warn("rejected webhook with invalid signature", "event", req.Event)
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid signature"})
		return
	}

	evType, ok := eventTypes[req.Event]
	if !ok {
		// Acknowledge so the sender does not keep retrying events we never handle.
		h.logger.Info("ignoring webhook event", "event", req.Event)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ev := domain.Event{
		Type:   evType,
		WorkID: string(req.Payload.Object.ID),
		Label:  req.Payload.Object.Topic,
	}
	span.SetAttributes(attribute.String("work.id", ev.WorkID))

	// Only a signed request may pick the destination; unsigned ones fall back to the mapping or default.
	if req.DestinationID != "" {
		if h.secret != "" {
			ev.DestinationID = req.DestinationID
		} else {
			h.logger.Warn("ignoring destination_id on unsigned webhook", "event", req.Event, "work_id", ev.WorkID)
		}
	}

	res, err := h.ingest.Handle(usecase.WithSource(ctx, "webhook"), ev)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) || ev.WorkID == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		span.SetStatus(codes.Error, "Failed to ingest event")
		span.RecordError(err)
		h.logger.Error("error ingesting webhook event", "event", req.Event, "work_id", ev.WorkID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if res.TaskID != "" {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *WebhookHandler) answerValidation(w http.ResponseWriter, plainToken string) {
	if plainToken == "" || h.secret == "" {
		h.logger.Warn("cannot answer url validation: plainToken or secret token missing")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "plainToken or secret token missing"})
		return
	}
	writeJSON(w, http.StatusOK, URLValidationResponse{
		PlainToken:     plainToken,
		EncryptedToken: sign(h.secret, plainToken),
	})
}

// verifySignature checks x-zm-signature = "v0=" + HMAC-SHA256("v0:{ts}:{body}").
func (h *WebhookHandler) verifySignature(r *http.Request, body []byte) bool {
	ts := r.Header.Get(headerTimestamp)
	got := r.Header.Get(headerSignature)
	if ts == "" || got == "" {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if skew := h.now().Sub(time.Unix(sec, 0)); skew > maxSignatureSkew || skew < -maxSignatureSkew {
		return false
	}
	want := "v0=" + sign(h.secret, "v0:"+ts+":"+string(body))
	return hmac.Equal([]byte(got), []byte(want))
}

func sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
