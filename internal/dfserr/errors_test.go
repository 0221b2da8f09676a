package dfserr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusRoundTrip(t *testing.T) {
	cases := []error{ErrNotFound, ErrConflict, ErrChecksumMismatch, ErrInvalidArgument, ErrUnavailable, ErrTransferFailure}
	for _, base := range cases {
		wrapped := fmt.Errorf("op failed: %w", base)
		code := HTTPStatus(wrapped)
		back := FromStatus(code, "remote said no")
		if !errors.Is(back, base) {
			t.Errorf("%v: status %d decoded to %v", base, code, back)
		}
	}
}

func TestUnknownErrorIsInternal(t *testing.T) {
	if got := HTTPStatus(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", got)
	}
	if !errors.Is(FromStatus(http.StatusInternalServerError, ""), ErrTransferFailure) {
		t.Fatal("5xx should decode as a transfer failure")
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(fmt.Errorf("x: %w", ErrChecksumMismatch)) {
		t.Error("checksum mismatch must be terminal for a source")
	}
	if IsTerminal(ErrTransferFailure) {
		t.Error("transfer failure is retryable")
	}
}
