package http

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"minutes-relay/internal/domain"
)

// statusError maps a non-2xx response onto the domain error taxonomy.
// notFound is the sentinel used for 404, which differs per collaborator.
func statusError(resp *http.Response, notFound error) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024)) // Read max 1KB
	detail := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", notFound, resp.Status, detail)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s", domain.ErrTransient, resp.Status, detail)
	default:
		return fmt.Errorf("unexpected response %s: %s", resp.Status, detail)
	}
}

// transportError classifies a failed round trip. Network errors and timeouts are transient.
func transportError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w: %v", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
