package types

import (
	"errors"
	"testing"
)

func TestUnwrap_PlainValue(t *testing.T) {
	v, err := Unwrap(42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("got %v, want 42", v)
	}
}

func TestUnwrap_CapturedException(t *testing.T) {
	ce := Capture(errors.New("remote boom"))
	v, err := Unwrap(ce)
	if v != nil {
		t.Fatalf("value should be nil when unwrapping an exception, got %v", v)
	}
	if err == nil || err.Error() != "remote boom" {
		t.Fatalf("got err %v", err)
	}
}

func TestCapture_Nil(t *testing.T) {
	if Capture(nil) != nil {
		t.Fatalf("Capture(nil) should be nil")
	}
}
