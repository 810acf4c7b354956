package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := Wrap(KindNetwork, errors.New("dial tcp: timeout"), "listing tags", WithStep(StepResolve))
	got := err.Error()
	if !strings.HasPrefix(got, "resolve: network: listing tags") {
		t.Fatalf("unexpected message %q", got)
	}
	if !strings.Contains(got, "dial tcp: timeout") {
		t.Fatalf("cause missing from %q", got)
	}
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	inner := New(KindConflict, "version in use")
	wrapped := fmt.Errorf("deleting version: %w", inner)

	if !errors.Is(wrapped, ErrConflict) {
		t.Fatal("expected wrapped error to match ErrConflict")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Fatal("conflict must not match ErrNotFound")
	}
	if KindOf(wrapped) != KindConflict {
		t.Fatalf("KindOf = %s", KindOf(wrapped))
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", New(KindNetwork, ""), true},
		{"auth", New(KindAuth, ""), false},
		{"not found", New(KindNotFound, ""), false},
		{"conflict", New(KindConflict, ""), false},
		{"runtime permanent", New(KindRuntime, "bad config"), false},
		{"runtime transient", New(KindRuntime, "engine busy", Transient()), true},
		{"foreign", context.DeadlineExceeded, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapUnknownInheritsInnerKind(t *testing.T) {
	inner := New(KindRuntime, "engine restarting", Transient(), WithStep(StepCreate))
	outer := Wrap(KindUnknown, inner, "installing")

	if outer.Kind() != KindRuntime {
		t.Fatalf("kind = %s, want runtime", outer.Kind())
	}
	if outer.Step() != StepCreate {
		t.Fatalf("step = %q, want create", outer.Step())
	}
	if !outer.Retryable() {
		t.Fatal("expected transient flag to be inherited")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindNetwork:  http.StatusBadGateway,
		KindAuth:     http.StatusUnauthorized,
		KindNotFound: http.StatusNotFound,
		KindConflict: http.StatusConflict,
		KindInvalid:  http.StatusBadRequest,
		KindRuntime:  http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(New(kind, "")); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
	if HTTPStatus(nil) != http.StatusOK {
		t.Error("nil error should map to 200")
	}
	if HTTPStatus(errors.New("x")) != http.StatusInternalServerError {
		t.Error("foreign error should map to 500")
	}
}
