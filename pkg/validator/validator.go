package validator

import (
	"fmt"
	"strings"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for field, msg := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	return strings.Join(parts, "; ")
}

const (
	maxNameLength    = 100
	maxContentBytes  = 64 * 1024
	maxIdemKeyLength = 128
)

// ValidateConversationName checks an optional group conversation name.
func ValidateConversationName(name *string) ValidationErrors {
	errs := make(ValidationErrors)
	if name == nil {
		return errs
	}
	trimmed := strings.TrimSpace(*name)
	if trimmed == "" {
		errs.Add("name", "Name must not be blank")
	} else if len(trimmed) > maxNameLength {
		errs.Add("name", fmt.Sprintf("Name must be at most %d characters", maxNameLength))
	}
	return errs
}

// ValidateMessageContent bounds the opaque content blob. The payload itself
// is never inspected; ciphertext is as valid as plaintext.
func ValidateMessageContent(content []byte) ValidationErrors {
	errs := make(ValidationErrors)
	if len(content) == 0 {
		errs.Add("content", "Message content is required")
	} else if len(content) > maxContentBytes {
		errs.Add("content", fmt.Sprintf("Message content must be at most %d bytes", maxContentBytes))
	}
	return errs
}

// ValidateIdempotencyKey checks an optional client dedupe key.
func ValidateIdempotencyKey(key *string) ValidationErrors {
	errs := make(ValidationErrors)
	if key == nil {
		return errs
	}
	if *key == "" {
		errs.Add("idempotency_key", "Idempotency key must not be blank")
	} else if len(*key) > maxIdemKeyLength {
		errs.Add("idempotency_key", fmt.Sprintf("Idempotency key must be at most %d characters", maxIdemKeyLength))
	}
	return errs
}
