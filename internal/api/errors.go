package api

import (
	"errors"
	"net/http"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusFor maps an error kind to its HTTP status. Interrupted streams are
// checked first because they wrap the upstream cause.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrStreamInterrupted):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnsupportedModel):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrProviderNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrUpstreamProtocol), errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func envelopeFor(err error) errorEnvelope {
	kind := domain.KindOf(err)
	msg := "internal error"
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Error()
	}
	return errorEnvelope{Error: errorBody{Message: msg, Type: kind.Type, Code: kind.Code}}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, envelopeFor(err))
}
