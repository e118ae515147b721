package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Category: ErrCatInternal,
		Code:     "CODE",
		Message:  "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatInternal, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
	if errors.Is(err, &DomainError{Category: ErrCatUnavailable, Code: "CODE"}) {
		t.Fatalf("different category must not match")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := ErrInternal("X", "msg")
	err.WithDetail("k", "v")
	if err.Details == nil || err.Details["k"] != "v" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorFactories(t *testing.T) {
	tests := []struct {
		name string
		err  *DomainError
		want ErrorCategory
	}{
		{"unavailable", ErrUnavailable(CodeAllocatorStatsOff, "off"), ErrCatUnavailable},
		{"not found", ErrNotFound("artifact", "x"), ErrCatNotFound},
		{"timeout", ErrTimeout("slow"), ErrCatTimeout},
		{"internal", ErrInternal(CodeArtifactCorrupt, "bad"), ErrCatInternal},
		{"validation", ErrValidation(CodeInvalidConfig, "bad"), ErrCatValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Category != tt.want {
				t.Fatalf("category = %s, want %s", tt.err.Category, tt.want)
			}
		})
	}
}

func TestGetCategory(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", ErrTimeout("provider"))
	if got := GetCategory(wrapped); got != ErrCatTimeout {
		t.Fatalf("GetCategory(wrapped) = %s", got)
	}
	if got := GetCategory(errors.New("plain")); got != ErrCatInternal {
		t.Fatalf("plain errors default to internal, got %s", got)
	}
	if !IsCategory(ErrNotFound("diagnostic type", "x"), ErrCatNotFound) {
		t.Fatalf("IsCategory failed")
	}
}

func TestErrNotFoundMessage(t *testing.T) {
	err := ErrNotFound("artifact", "abc")
	if err.Error() != "[not_found] NOT_FOUND: artifact not found: abc" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
