package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsUnwrapToSentinels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"config", Configf("unknown policy %q", "zip"), ErrConfiguration},
		{"shape", Shapef("scales %d != %d", 3, 4), ErrShapeMismatch},
		{"invalid", Invalidf("batch %d", 0), ErrInvalidArgument},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("outer: %w", tt.err)
		if !errors.Is(wrapped, tt.kind) {
			t.Fatalf("%s: errors.Is failed for %v", tt.name, wrapped)
		}
		if !IsClientError(wrapped) {
			t.Fatalf("%s: expected client error", tt.name)
		}
	}
}

func TestMessageCarriesKind(t *testing.T) {
	t.Parallel()

	err := Configf("unknown condition type %q", "sketch")
	want := `configuration error: unknown condition type "sketch"`
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
	if IsClientError(errors.New("weights corrupt")) {
		t.Fatalf("plain errors must not be client errors")
	}
}
