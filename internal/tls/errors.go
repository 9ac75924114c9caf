package tls

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TLSErrorType classifies a TLSError. Its value is used as a metric label.
type TLSErrorType string

const (
	// Configuration errors
	ErrorTypeConfigMissing TLSErrorType = "config_missing"
	ErrorTypeConfigInvalid TLSErrorType = "config_invalid"

	// Credential errors
	ErrorTypeCertificateLoad TLSErrorType = "certificate_load"
	ErrorTypePSKLoad         TLSErrorType = "psk_load"

	// Negotiation errors
	ErrorTypeHandshakeFailure TLSErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout TLSErrorType = "handshake_timeout"
	ErrorTypeClientAuth       TLSErrorType = "client_auth"

	// Record layer errors
	ErrorTypeRecord          TLSErrorType = "record"
	ErrorTypeTruncatedRecord TLSErrorType = "truncated_record"
)

// ErrTruncated is returned by Transport.Recv when the stream ends in the
// middle of a read.
var ErrTruncated = errors.New("end of stream inside a record")

// TLSError is the error returned by everything in this package that can
// fail on credentials, configuration or a session.
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

func (e *TLSError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Type)), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *TLSError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value rendered in Error.
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion appends an operator hint shown by GetDetailedMessage.
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns the error followed by numbered suggestions.
func (e *TLSError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTLSError returns an error of the given type.
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause returns an error of the given type wrapping cause.
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewConfigMissingError reports that mode=require found no usable
// credentials.
func NewConfigMissingError(what string, searched []string) *TLSError {
	return NewTLSError(ErrorTypeConfigMissing, fmt.Sprintf("TLS required but could not load %s", what)).
		WithContext("searched", strings.Join(searched, ":")).
		WithSuggestion("Set tls.certificates to a directory containing ca-cert.pem, server-cert.pem and server-key.pem").
		WithSuggestion("Or set tls.psk to a pre-shared key file")
}

func NewConfigInvalidError(field string, value interface{}, reason string) *TLSError {
	return NewTLSError(ErrorTypeConfigInvalid, fmt.Sprintf("invalid TLS setting '%s'", field)).
		WithContext("field", field).
		WithContext("value", value).
		WithContext("reason", reason)
}

func NewCertificateLoadError(file string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateLoad, fmt.Sprintf("failed to load %s", file), cause).
		WithContext("file", file).
		WithSuggestion("Check that the file is readable PEM").
		WithSuggestion("Ensure server-cert.pem and server-key.pem belong together")
}

func NewPSKLoadError(path string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypePSKLoad, fmt.Sprintf("failed to load PSK file %s", path), cause).
		WithContext("file", path).
		WithSuggestion("Each line must be username:hexkey")
}

func NewHandshakeFailureError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeHandshakeFailure, fmt.Sprintf("TLS handshake failed: %s", reason), cause).
		WithContext("failure_reason", reason)
}

func NewHandshakeTimeoutError(timeout string) *TLSError {
	return NewTLSError(ErrorTypeHandshakeTimeout, "TLS handshake timed out").
		WithContext("timeout", timeout).
		WithSuggestion("Check network connectivity between client and server")
}

func NewClientAuthError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeClientAuth, fmt.Sprintf("client certificate not accepted: %s", reason), cause).
		WithContext("auth_failure_reason", reason)
}

func newRecordError(op string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeRecord, op+" failed", cause)
}

// ErrorSeverity ranks errors for logging.
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

type errorClass int

const (
	classOther errorClass = iota
	classConfiguration
	classHandshake
)

var errorTypes = map[TLSErrorType]struct {
	class    errorClass
	severity ErrorSeverity
}{
	ErrorTypeConfigMissing:    {classConfiguration, SeverityCritical},
	ErrorTypeConfigInvalid:    {classConfiguration, SeverityCritical},
	ErrorTypeCertificateLoad:  {classConfiguration, SeverityCritical},
	ErrorTypePSKLoad:          {classConfiguration, SeverityCritical},
	ErrorTypeHandshakeFailure: {classHandshake, SeverityError},
	ErrorTypeHandshakeTimeout: {classHandshake, SeverityWarning},
	ErrorTypeClientAuth:       {classOther, SeverityWarning},
	ErrorTypeRecord:           {classOther, SeverityError},
	ErrorTypeTruncatedRecord:  {classOther, SeverityError},
}

func classOf(err error) (errorClass, ErrorSeverity, bool) {
	var tlsErr *TLSError
	if !errors.As(err, &tlsErr) {
		return classOther, SeverityError, false
	}
	info, ok := errorTypes[tlsErr.Type]
	if !ok {
		return classOther, SeverityInfo, true
	}
	return info.class, info.severity, true
}

// IsConfigurationError reports whether err means the server cannot start:
// credentials are missing, unreadable or settings are invalid.
func IsConfigurationError(err error) bool {
	class, _, _ := classOf(err)
	return class == classConfiguration
}

// IsHandshakeError reports whether err is a failed or timed out handshake.
func IsHandshakeError(err error) bool {
	class, _, _ := classOf(err)
	return class == classHandshake
}

// GetErrorSeverity ranks err. Errors outside this package rank as
// SeverityError.
func GetErrorSeverity(err error) ErrorSeverity {
	_, severity, _ := classOf(err)
	return severity
}
