package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableConnectError(t *testing.T) {
	missing := errors.New("missing credential")
	permanent := Permanent(missing)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", fmt.Errorf("dial: %w", context.DeadlineExceeded), true},
		{"canceled", fmt.Errorf("dial: %w", context.Canceled), false},
		{"permanent", fmt.Errorf("connect: %w", permanent), false},
		{"plain", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		if got := IsRetryableConnectError(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryableConnectError() = %v, want %v", tc.name, got, tc.want)
		}
	}
	if !errors.Is(permanent, missing) {
		t.Fatalf("Permanent should keep the wrapped error matchable")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, capDur); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want 200ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
