package logger

import "testing"

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("development", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewProduction(t *testing.T) {
	lg, err := New("production", "warn")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if lg.Core().Enabled(-1) {
		t.Fatalf("debug enabled at warn level")
	}
}

func TestComponentOnNilLogger(t *testing.T) {
	var lg *Logger
	child := lg.Component("processor")
	child.Info("does not panic")
}
