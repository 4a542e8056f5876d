// Package envelope defines the canonical event record shared by every Weaver
// component and the registry that binds event types to payload schemas.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes facts from instructions on the log.
type Kind string

const (
	// KindEvent marks an envelope that records something that happened.
	KindEvent Kind = "event"
	// KindCommand marks an envelope that requests something to happen.
	KindCommand Kind = "command"
)

// HeaderUnknownType flags envelopes whose type had no registered schema when
// they crossed a read path. Receivers decide whether to process them.
const HeaderUnknownType = "unknown_type"

// HeaderDataRef points at externally stored payloads that exceed the inline
// size policy.
const HeaderDataRef = "data_ref"

// Envelope is the canonical record of one event on the log. Envelopes are
// immutable once appended; producers build them with New and never mutate a
// delivered instance.
type Envelope struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Type        EventType         `json:"type"`
	Version     int               `json:"version"`
	RunID       string            `json:"run_id,omitempty"`
	CorrID      string            `json:"corr_id,omitempty"`
	CausationID string            `json:"causation_id,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
	TS          time.Time         `json:"ts"`
	Producer    string            `json:"producer,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     any               `json:"payload,omitempty"`
}

// Option configures an envelope under construction.
type Option func(*Envelope)

// New constructs an envelope of the given type with a fresh UUID, UTC
// timestamp, kind event, and schema version 1. Options override defaults.
func New(eventType EventType, opts ...Option) *Envelope {
	env := &Envelope{
		ID:          uuid.NewString(),
		Kind:        KindEvent,
		Type:        eventType,
		Version:     1,
		RunID:       "",
		CorrID:      "",
		CausationID: "",
		TraceID:     "",
		TS:          time.Now().UTC(),
		Producer:    "",
		Headers:     nil,
		Payload:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(env)
		}
	}
	return env
}

// WithKind overrides the envelope kind.
func WithKind(kind Kind) Option {
	return func(e *Envelope) { e.Kind = kind }
}

// WithVersion overrides the payload schema version.
func WithVersion(version int) Option {
	return func(e *Envelope) { e.Version = version }
}

// WithRunID scopes the envelope to a run.
func WithRunID(runID string) Option {
	return func(e *Envelope) { e.RunID = runID }
}

// WithCorrID assigns the correlation group.
func WithCorrID(corrID string) Option {
	return func(e *Envelope) { e.CorrID = corrID }
}

// WithCausation records the id of the event that directly caused this one.
func WithCausation(causationID string) Option {
	return func(e *Envelope) { e.CausationID = causationID }
}

// WithTraceID attaches a distributed trace hook.
func WithTraceID(traceID string) Option {
	return func(e *Envelope) { e.TraceID = traceID }
}

// WithTimestamp overrides the envelope timestamp. The value is normalised to
// UTC so boundary math downstream never sees a zone offset.
func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.TS = ts.UTC() }
}

// WithProducer identifies the emitting component.
func WithProducer(producer string) Option {
	return func(e *Envelope) { e.Producer = producer }
}

// WithHeader sets a single metadata header.
func WithHeader(key, value string) Option {
	return func(e *Envelope) {
		if key == "" {
			return
		}
		if e.Headers == nil {
			e.Headers = make(map[string]string, 1)
		}
		e.Headers[key] = value
	}
}

// WithPayload attaches the type-specific body.
func WithPayload(payload any) Option {
	return func(e *Envelope) { e.Payload = payload }
}

// Derive builds a new envelope caused by e: fresh id and timestamp, same
// run, correlation group, trace, and payload, with causation_id set to e.ID.
// Options may override any copied field.
func (e *Envelope) Derive(eventType EventType, opts ...Option) *Envelope {
	derived := New(eventType,
		WithKind(e.Kind),
		WithVersion(e.Version),
		WithRunID(e.RunID),
		WithCorrID(e.CorrID),
		WithCausation(e.ID),
		WithTraceID(e.TraceID),
		WithPayload(e.Payload),
	)
	for k, v := range e.Headers {
		WithHeader(k, v)(derived)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(derived)
		}
	}
	return derived
}

// Header returns the named header value, or the empty string.
func (e *Envelope) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}
