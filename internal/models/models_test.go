package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestActionStateTerminal(t *testing.T) {
	terminal := map[ActionState]bool{
		ActionStateQueued:    false,
		ActionStateInFlight:  false,
		ActionStateSucceeded: true,
		ActionStateFailed:    true,
		ActionStateCancelled: true,
	}
	for s, want := range terminal {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
		if !s.IsValid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if ActionState("bogus").IsValid() {
		t.Error("unknown state reported valid")
	}
}

func TestNewActionGroupValidate(t *testing.T) {
	chunks := []TextChunk{
		{SequenceIndex: 0, TotalChunks: 2, Body: "a (1/2)"},
		{SequenceIndex: 1, TotalChunks: 2, Body: "b (2/2)"},
	}
	g := NewActionGroup("post-1", "gallery-9", chunks)
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(g.Actions) != 2 || g.Actions[1].ItemID != "post-1" || g.Actions[0].State != ActionStateQueued {
		t.Errorf("unexpected group: %+v", g)
	}

	g.Actions[0], g.Actions[1] = g.Actions[1], g.Actions[0]
	if err := g.Validate(); !errors.Is(err, ErrChunkOrder) {
		t.Errorf("expected ErrChunkOrder, got %v", err)
	}

	if err := (ActionGroup{}).Validate(); !errors.Is(err, ErrEmptyItemID) {
		t.Errorf("expected ErrEmptyItemID, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != OutcomeSuccess {
		t.Error("nil should classify as success")
	}
	perm := fmt.Errorf("post: %w", &PermanentDispatchError{Reason: "gone"})
	if Classify(perm) != OutcomePermanent {
		t.Error("wrapped permanent error should classify as permanent")
	}
	if Classify(&TransientDispatchError{Reason: "429"}) != OutcomeTransient {
		t.Error("transient error should classify as transient")
	}
	if Classify(context.DeadlineExceeded) != OutcomeTransient {
		t.Error("unclassified errors should be transient")
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	if NewStorageError("commit", nil) != nil {
		t.Error("nil cause should produce nil error")
	}
	cause := errors.New("disk full")
	err := NewStorageError("commit", cause)
	var se *StorageError
	if !errors.As(err, &se) || !errors.Is(err, cause) {
		t.Errorf("StorageError does not wrap cause: %v", err)
	}
}
