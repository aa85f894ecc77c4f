package adapter

import (
	"encoding/json"
	"testing"
)

func TestRegistryLookupUnknownKind(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("pty"); ok {
		t.Fatal("expected no factory registered for pty")
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("pty", func(runID string, meta json.RawMessage, onEvent EmitFunc) (Handle, error) {
		called = true
		return nil, nil
	})

	f, ok := r.Lookup("pty")
	if !ok {
		t.Fatal("expected factory registered for pty")
	}
	if _, err := f("run-1", nil, nil); err != nil {
		t.Fatalf("factory: %v", err)
	}
	if !called {
		t.Fatal("expected factory to be invoked")
	}

	kinds := r.Kinds()
	if len(kinds) != 1 || kinds[0] != "pty" {
		t.Fatalf("expected [pty], got %v", kinds)
	}
}
