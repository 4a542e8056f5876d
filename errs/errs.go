// Package errs provides structured error types and helpers for Weaver services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a failure into one of the platform-wide error categories.
type Kind string

const (
	// KindValidation indicates malformed input, an unknown enum value, a bad
	// decimal, or a missing required field.
	KindValidation Kind = "validation"
	// KindNotFound indicates a missing run, order, or other resource.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a state-machine violation or a duplicate
	// idempotency key.
	KindConflict Kind = "conflict"
	// KindNotConnected indicates an adapter operation attempted before connect.
	KindNotConnected Kind = "not_connected"
	// KindAdapterFailure indicates a venue rejection, timeout, or rate limit.
	KindAdapterFailure Kind = "adapter_failure"
	// KindSchemaConflict indicates a re-registration of an event type with a
	// differing payload schema.
	KindSchemaConflict Kind = "schema_conflict"
	// KindInvalidPayload indicates an emit-path payload that fails schema
	// validation.
	KindInvalidPayload Kind = "invalid_payload"
	// KindRecoveryAbort indicates a run found mid-flight at startup and aborted.
	KindRecoveryAbort Kind = "recovery_abort"
	// KindSubscriberLag indicates a slow consumer that saturated its queue.
	KindSubscriberLag Kind = "subscriber_lag"
	// KindInternal captures uncategorized failures.
	KindInternal Kind = "internal"
)

var kindStatus = map[Kind]int{
	KindValidation:     http.StatusUnprocessableEntity,
	KindNotFound:       http.StatusNotFound,
	KindConflict:       http.StatusConflict,
	KindNotConnected:   http.StatusServiceUnavailable,
	KindAdapterFailure: http.StatusBadGateway,
	KindSchemaConflict: http.StatusInternalServerError,
	KindInvalidPayload: http.StatusInternalServerError,
	KindRecoveryAbort:  http.StatusConflict,
	KindSubscriberLag:  http.StatusInternalServerError,
	KindInternal:       http.StatusInternalServerError,
}

// E captures structured error information produced across the Weaver stack.
type E struct {
	Component   string
	Kind        Kind
	HTTP        int
	Message     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error kind.
func New(component string, kind Kind, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Kind:        kind,
		HTTP:        0,
		Message:     "",
		Remediation: "",
		Fields:      nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP overrides the HTTP status derived from the error kind.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single context key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithFields merges the provided context metadata into the error envelope.
func WithFields(fields map[string]string) Option {
	return func(e *E) {
		if len(fields) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Fields[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = string(KindInternal)
	}
	parts = append(parts, "kind="+kind)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			v := e.Fields[k]
			pairs = append(pairs, k+"="+strconv.Quote(v))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the error kind from err, unwrapping as needed.
// Plain errors map to KindInternal; nil maps to the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		if strings.TrimSpace(string(e.Kind)) == "" {
			return KindInternal
		}
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus resolves the HTTP status for err: an explicit WithHTTP override
// wins, otherwise the kind's default applies. Plain errors map to 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		if e.HTTP > 0 {
			return e.HTTP
		}
		if status, ok := kindStatus[e.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}
