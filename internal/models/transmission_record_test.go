package models

import (
	"testing"
	"time"
)

func TestTransmissionStatus_Constants(t *testing.T) {
	tests := []struct {
		name     string
		status   TransmissionStatus
		expected string
	}{
		{"pending", StatusPending, "pending"},
		{"in_flight", StatusInFlight, "in_flight"},
		{"succeeded", StatusSucceeded, "succeeded"},
		{"failed", StatusFailed, "failed"},
		{"abandoned", StatusAbandoned, "abandoned"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.status) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.status)
			}
		})
	}
}

func TestTransmissionStatus_IsTerminal(t *testing.T) {
	terminal := []TransmissionStatus{StatusSucceeded, StatusAbandoned}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	open := []TransmissionStatus{StatusPending, StatusInFlight, StatusFailed}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestChangeKind_Precedence(t *testing.T) {
	if ChangeDeleted.Precedence() <= ChangeUpdated.Precedence() {
		t.Error("expected deleted to outrank updated")
	}
	if ChangeUpdated.Precedence() <= ChangeCreated.Precedence() {
		t.Error("expected updated to outrank created")
	}
}

func TestTransmissionRecord_ReadyForDispatch(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	rec := TransmissionRecord{Status: StatusPending}
	if !rec.ReadyForDispatch(now) {
		t.Error("pending record with no backoff gate should be dispatchable")
	}

	rec.NextAttemptAt = &later
	if rec.ReadyForDispatch(now) {
		t.Error("record should wait out its backoff gate")
	}

	rec.NextAttemptAt = &earlier
	if !rec.ReadyForDispatch(now) {
		t.Error("record past its backoff gate should be dispatchable")
	}

	rec.Status = StatusInFlight
	if rec.ReadyForDispatch(now) {
		t.Error("in-flight record must not be dispatched again")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint("acc-1", "msg-1", ChangeUpdated, []string{"INBOX", "UNREAD"})
	b := Fingerprint("acc-1", "msg-1", ChangeUpdated, []string{"UNREAD", "INBOX"})
	if a != b {
		t.Error("fingerprint must not depend on label order")
	}

	c := Fingerprint("acc-1", "msg-1", ChangeDeleted, []string{"INBOX", "UNREAD"})
	if a == c {
		t.Error("fingerprint must change with the change kind")
	}

	d := Fingerprint("acc-2", "msg-1", ChangeUpdated, []string{"INBOX", "UNREAD"})
	if a == d {
		t.Error("fingerprint must change with the account")
	}
}
