package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKind_DefaultRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindCapacity, false},
		{KindQueueTimeout, true},
		{KindValidation, false},
		{KindTimeout, true},
		{KindCanceled, false},
		{KindRateLimit, true},
		{KindStorage, true},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := New(tt.kind, "op", "msg", nil)
			if got := IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestError_Format(t *testing.T) {
	t.Run("with op and cause", func(t *testing.T) {
		err := New(KindStorage, "store.put", "write failed", errors.New("disk full"))
		want := "storage error [store.put]: write failed: disk full"
		if err.Error() != want {
			t.Errorf("Error() = %q, want %q", err.Error(), want)
		}
	})

	t.Run("without op", func(t *testing.T) {
		err := New(KindCapacity, "", "no slots", nil)
		if err.Error() != "capacity error: no slots" {
			t.Errorf("Error() = %q", err.Error())
		}
	})
}

func TestError_IsAndUnwrap(t *testing.T) {
	err := New(KindQueueTimeout, "scheduler.wait", "waited too long", ErrQueueTimeout)
	wrapped := fmt.Errorf("submit: %w", err)

	if !Is(wrapped, ErrQueueTimeout) {
		t.Error("expected wrapped error to match ErrQueueTimeout")
	}
	if !Is(wrapped, &Error{Kind: KindQueueTimeout}) {
		t.Error("expected kind match via Is")
	}
	if Is(wrapped, &Error{Kind: KindStorage}) {
		t.Error("did not expect storage kind match")
	}
}

func TestStorage_WriteIsNotRetryable(t *testing.T) {
	read := Storage("lease.read", false, errors.New("eio"))
	write := Storage("lease.write", true, errors.New("eio"))

	if !IsRetryable(read) {
		t.Error("storage read should be retryable")
	}
	if IsRetryable(write) {
		t.Error("storage write should not be retryable")
	}
}

func TestRateLimitError(t *testing.T) {
	err := &RateLimitError{Provider: "anthropic", Model: "claude", RetryAfter: 5 * time.Second}
	wrapped := fmt.Errorf("execute: %w", err)

	if !Is(wrapped, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}
	if KindOf(wrapped) != KindRateLimit {
		t.Errorf("KindOf = %s, want rate_limit", KindOf(wrapped))
	}
	if !IsRetryable(wrapped) {
		t.Error("rate limit should be retryable")
	}
	d, ok := RetryAfter(wrapped)
	if !ok || d != 5*time.Second {
		t.Errorf("RetryAfter = %v, %v; want 5s, true", d, ok)
	}
	if _, ok := RetryAfter(errors.New("plain")); ok {
		t.Error("plain error should carry no RetryAfter")
	}
}

func TestKindOf_Sentinels(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindUnknown},
		{ErrQueueTimeout, KindQueueTimeout},
		{ErrTimeout, KindTimeout},
		{fmt.Errorf("x: %w", ErrCanceled), KindCanceled},
		{ErrPreempted, KindCanceled},
		{ErrCapacityExhausted, KindCapacity},
		{Validation("submit", "provider", "required"), KindValidation},
		{ErrLockContended, KindStorage},
		{fmt.Errorf("lease: %w", ErrCorrupt), KindStorage},
		{errors.New("other"), KindUnknown},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
