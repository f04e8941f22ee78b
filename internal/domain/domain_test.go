package domain

import (
	"context"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"wrapped network", fmt.Errorf("connect: %w", ErrNetwork), KindNetwork},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"cancelled", fmt.Errorf("fetch: %w", ErrCancelled), KindCancelled},
		{"context canceled", context.Canceled, KindCancelled},
		{"validation", fmt.Errorf("%w: chapter is required", ErrValidation), KindValidation},
		{"permission", ErrPermissionDenied, KindPermissionDenied},
		{"device", ErrDeviceNotFound, KindDeviceNotFound},
		{"other", fmt.Errorf("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestReportableHidesCancellation(t *testing.T) {
	if Reportable(fmt.Errorf("stale: %w", ErrCancelled)) {
		t.Fatal("cancellation must not be reportable")
	}
	if !Reportable(ErrNetwork) {
		t.Fatal("network failure must be reportable")
	}
}

func TestSessionValid(t *testing.T) {
	s := NewSession()
	if !s.Valid() {
		t.Fatal("new session should be valid")
	}

	s.Mode = ModeHistorical
	s.View = ViewCall
	if s.Valid() {
		t.Fatal("historical mode without a thread id must be invalid")
	}
	s.ActiveThreadID = "thread-1"
	s.ContinuePending = true
	if !s.Valid() {
		t.Fatal("historical session with thread id should be valid")
	}

	s = NewSession()
	s.Status = StatusConnected
	if s.Valid() {
		t.Fatal("connected session outside the call view must be invalid")
	}
}

func TestMicIntentDesired(t *testing.T) {
	ptt := MicIntent{Mode: MicPushToTalk, TouchHeld: true}
	if !ptt.Desired() {
		t.Fatal("push-to-talk with touch held should want the mic on")
	}
	ptt.ToggledOn = true
	ptt.TouchHeld = false
	if ptt.Desired() {
		t.Fatal("toggle must not matter in push-to-talk mode")
	}

	on := MicIntent{Mode: MicAlwaysOn, KeyHeld: true}
	if on.Desired() {
		t.Fatal("holds must not matter in always-on mode")
	}
	on.ToggledOn = true
	if !on.Desired() {
		t.Fatal("always-on toggled on should want the mic on")
	}
}
