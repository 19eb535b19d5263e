package util

import (
	"errors"
	"strings"
	"testing"
)

func TestValidationBuilder(t *testing.T) {
	var b ValidationBuilder
	if b.HasErrors() {
		t.Error("fresh builder has errors")
	}
	if b.Build() != nil {
		t.Error("empty builder built an error")
	}

	b.Add(true, "should not appear").
		Add(false, "first failure").
		AddErrorf("node %s: second failure", "dev01")

	if !b.HasErrors() {
		t.Fatal("builder lost its errors")
	}
	err := b.Build()
	if !errors.Is(err, ErrValidationFailed) {
		t.Errorf("Build() error = %v, want %v", err, ErrValidationFailed)
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Build() returned %T", err)
	}
	if len(verr.Errors) != 2 {
		t.Fatalf("collected %d errors, want 2", len(verr.Errors))
	}
	if verr.Errors[1] != "node dev01: second failure" {
		t.Errorf("formatted message = %q", verr.Errors[1])
	}
	if strings.Contains(err.Error(), "should not appear") {
		t.Error("passing condition recorded an error")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	one := NewValidationError("lone failure")
	if got := one.Error(); got != "validation failed: lone failure" {
		t.Errorf("single message = %q", got)
	}
	many := NewValidationError("a", "b")
	if got := many.Error(); !strings.Contains(got, "- a") || !strings.Contains(got, "- b") {
		t.Errorf("multi message = %q", got)
	}
}

func TestInUseError(t *testing.T) {
	err := NewInUseError("profile vjunos:virtual_machine:23.2", "alice/pair", "bob/edge")
	if !errors.Is(err, ErrInUse) {
		t.Errorf("error = %v, want %v", err, ErrInUse)
	}
	msg := err.Error()
	if !strings.Contains(msg, "alice/pair") || !strings.Contains(msg, "bob/edge") {
		t.Errorf("Error() = %q, missing holders", msg)
	}
}
