package http

import (
	"bytes"
	"encoding/json"

	"minutes-relay/internal/domain"
)

// StartJobRequest is the DTO for POST /jobs.
type StartJobRequest struct {
	WorkID        string `json:"work_id" validate:"required,max=128,workid"`
	DestinationID string `json:"destination_id" validate:"omitempty,max=64"`
}

// SaveMappingRequest is the DTO for POST /mappings/.
type SaveMappingRequest struct {
	WorkID        string `json:"work_id" validate:"required,max=128,workid"`
	DestinationID string `json:"destination_id" validate:"required,max=64"`
	Label         string `json:"label" validate:"max=256"`
}

// ToDomainMapping converts the DTO into a mapping. The processed flag is never client-controlled.
func (r *SaveMappingRequest) ToDomainMapping() *domain.WorkMapping {
	return &domain.WorkMapping{
		WorkID:        r.WorkID,
		DestinationID: r.DestinationID,
		Label:         r.Label,
	}
}

// flexibleID accepts both JSON numbers and strings. Zoom sends meeting ids as numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// WebhookRequest is the DTO for POST /webhook, shaped after Zoom event notifications.
type WebhookRequest struct {
	Event         string `json:"event" validate:"required"`
	DestinationID string `json:"destination_id"`
	Payload       struct {
		PlainToken string `json:"plainToken"`
		Object     struct {
			ID    flexibleID `json:"id"`
			Topic string     `json:"topic"`
		} `json:"object"`
	} `json:"payload"`
}

// URLValidationResponse answers the endpoint.url_validation challenge.
type URLValidationResponse struct {
	PlainToken     string `json:"plainToken"`
	EncryptedToken string `json:"encryptedToken"`
}

// ErrorResponse is the JSON body for client errors.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
