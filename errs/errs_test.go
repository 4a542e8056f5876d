package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"runmanager",
		KindConflict,
		WithHTTP(409),
		WithMessage("run already terminal"),
		WithField("run_id", "run-42"),
		WithFields(map[string]string{"status": "stopped"}),
		WithRemediation("create a new run instead of restarting"),
		WithCause(errors.New("status=stopped")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=runmanager") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "kind=conflict") {
		t.Fatalf("expected kind in error string: %s", out)
	}
	expectedFields := "fields=run_id=\"run-42\",status=\"stopped\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "remediation=\"create a new run instead of restarting\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"status=stopped\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestKindOfUnwrapsNestedEnvelope(t *testing.T) {
	inner := New("eventlog", KindSchemaConflict, WithMessage("type re-registered"))
	wrapped := fmt.Errorf("register payload: %w", inner)

	if got := KindOf(wrapped); got != KindSchemaConflict {
		t.Fatalf("expected schema_conflict kind, got %q", got)
	}
	if !IsKind(wrapped, KindSchemaConflict) {
		t.Fatalf("expected IsKind to match through wrapping")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("expected plain errors to map to internal, got %q", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %q", got)
	}
}

func TestHTTPStatusDefaultsByKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusUnprocessableEntity},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindNotConnected, http.StatusServiceUnavailable},
		{KindAdapterFailure, http.StatusBadGateway},
		{KindRecoveryAbort, http.StatusConflict},
	}
	for _, tc := range cases {
		if got := HTTPStatus(New("api", tc.kind)); got != tc.want {
			t.Fatalf("kind %s: expected %d, got %d", tc.kind, tc.want, got)
		}
	}
}

func TestHTTPStatusExplicitOverrideWins(t *testing.T) {
	err := New("api", KindValidation, WithHTTP(400))
	if got := HTTPStatus(err); got != 400 {
		t.Fatalf("expected explicit override 400, got %d", got)
	}
	if got := HTTPStatus(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for plain error, got %d", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
