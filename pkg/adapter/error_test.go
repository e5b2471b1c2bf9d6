package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"rate limited", &AdapterError{Status: 429, Err: errors.New("too many requests")}, true},
		{"server error", &AdapterError{Status: 503, Err: errors.New("unavailable")}, true},
		{"bad request", &AdapterError{Status: 400, Err: errors.New("bad request")}, false},
		{"auth", &AdapterError{Status: 401, Err: errors.New("unauthorized")}, false},
		{"marked temporary", &AdapterError{Temporary: true, Err: errors.New("conn reset")}, true},
		{"wrapped", fmt.Errorf("call failed: %w", &AdapterError{Status: 500, Err: errors.New("boom")}), true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAdapterErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &AdapterError{Status: 500, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("Unwrap lost the inner error")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}
}

func TestMockAdapterSpecificityAndCancellation(t *testing.T) {
	mock := NewMockAdapter()
	mock.Respond("mock-1", "", "generic")
	mock.Respond("mock-1", "rank these", "specific")

	got, err := mock.Complete(context.Background(), "mock-1", []Message{UserMessage("please rank these drafts")}, Params{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "specific" {
		t.Errorf("text = %q, want the more specific matcher", got.Text)
	}

	got, err = mock.Complete(context.Background(), "mock-1", []Message{UserMessage("hello")}, Params{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "generic" {
		t.Errorf("text = %q, want the catch-all", got.Text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mock.Complete(ctx, "mock-1", []Message{UserMessage("hello")}, Params{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
