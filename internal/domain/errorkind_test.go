package domain

import (
	"fmt"
	"testing"
)

// --- ErrorKind Tests ---

func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("nil error should have empty kind, got %q", got)
	}

	err := NewStageError(ErrKindFatalInput, "moov atom not found")
	if got := KindOf(err); got != ErrKindFatalInput {
		t.Errorf("expected FatalInput, got %q", got)
	}

	// Wrapped errors still classify.
	wrapped := fmt.Errorf("download stage: %w", err)
	if got := KindOf(wrapped); got != ErrKindFatalInput {
		t.Errorf("expected FatalInput through wrapping, got %q", got)
	}

	plain := fmt.Errorf("connection reset")
	if got := KindOf(plain); got != ErrKindUnknown {
		t.Errorf("unclassified error should be Unknown, got %q", got)
	}
}

func TestStageError_Error(t *testing.T) {
	err := NewStageError(ErrKindTransientRemote, "gateway timeout")
	want := "TransientRemote: gateway timeout"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
