package config

import (
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
	Cause       error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
	if len(e.Suggestions) > 0 {
		msg += " (" + strings.Join(e.Suggestions, "; ") + ")"
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Cause }

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// NewRuleError wraps a rule parse failure for the list it came from.
func NewRuleError(field string, cause error) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: cause.Error(),
		Cause:  cause,
	}
}
