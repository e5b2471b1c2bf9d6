package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/zen-systems/conclave/pkg/adapter"
)

func TestResolve(t *testing.T) {
	gw := New(adapter.NewMockAdapter())

	a, model, err := gw.Resolve("mock/mock-2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Name() != "mock" || model != "mock-2" {
		t.Errorf("resolved %s/%s", a.Name(), model)
	}

	for _, id := range []string{"mock", "unknown/model", "", "/model"} {
		if _, _, err := gw.Resolve(id); !errors.Is(err, ErrUnknownBackend) {
			t.Errorf("Resolve(%q) = %v, want ErrUnknownBackend", id, err)
		}
	}
}

func TestKnown(t *testing.T) {
	gw := New(adapter.NewMockAdapter())
	if !gw.Known("mock/mock-1") {
		t.Error("registered backend unknown")
	}
	if gw.Known("other/mock-1") {
		t.Error("unregistered adapter known")
	}
}

func TestComplete(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.Respond("mock-1", "", "hello back")
	gw := New(mock)

	got, err := gw.Complete(context.Background(), "mock/mock-1", []adapter.Message{adapter.UserMessage("hello")}, adapter.Params{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Text != "hello back" {
		t.Errorf("text = %q", got.Text)
	}

	if _, err := gw.Complete(context.Background(), "nope/model", nil, adapter.Params{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
}
