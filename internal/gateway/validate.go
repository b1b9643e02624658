package gateway

import (
	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// Validate checks a request before any caller or provider lookup. The
// returned error is always an invalid request error.
func Validate(req *domain.ChatCompletionRequest) error {
	if req == nil {
		return domain.InvalidRequest("request body is required")
	}
	if req.Model == "" {
		return invalid("model_required", "model is required")
	}
	if len(req.Messages) == 0 {
		return invalid("messages_empty", "messages must contain at least one entry")
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return invalid("invalid_role", "messages[%d].role %q must be one of system, user, assistant", i, m.Role)
		}
	}
	if t := req.Temperature; t != nil && (*t < MinTemperature || *t > MaxTemperature) {
		return invalid("invalid_temperature", "temperature must be between %g and %g", MinTemperature, MaxTemperature)
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return invalid("invalid_max_tokens", "max_tokens must be greater than zero")
	}
	return nil
}

func invalid(code, format string, args ...any) error {
	err := domain.InvalidRequest(format, args...)
	err.Code = code
	return err
}
