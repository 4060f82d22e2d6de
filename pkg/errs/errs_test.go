package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("op", "bad amount %d", 0), KindValidation},
		{"conflict", StateConflict("op", "stale"), KindStateConflict},
		{"timing", Timing("op", "too late"), KindTiming},
		{"secret", SecretMismatch("op", "nope"), KindSecretMismatch},
		{"external", External("op", "rpc timeout"), KindExternal},
		{"wrapped", fmt.Errorf("outer: %w", Timing("op", "too early")), KindTiming},
		{"plain", errors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("submit: %w", StateConflict("orderbook.SubmitFill", "fill exceeds remaining"))

	if !errors.Is(err, ErrStateConflict) {
		t.Error("expected errors.Is to match ErrStateConflict")
	}
	if errors.Is(err, ErrValidation) {
		t.Error("state conflict should not match ErrValidation")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(External("chain.Submit", "timeout")) {
		t.Error("external errors must be retryable")
	}
	for _, err := range []error{
		Validation("op", "x"),
		StateConflict("op", "x"),
		Timing("op", "x"),
		SecretMismatch("op", "x"),
		errors.New("unclassified"),
	} {
		if IsRetryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindExternal, "op", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Timing("escrow.Refund", "timelock not reached")
	want := "escrow.Refund: timing: timelock not reached"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
