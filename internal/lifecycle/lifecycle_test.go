package lifecycle

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestManager(t *testing.T, running int) (*Manager, chan struct{}) {
	t.Helper()
	cancelled := make(chan struct{})
	cancel := func() { close(cancelled) }
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(cancel, func() int { return running }, logger), cancelled
}

func waitCancelled(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel never fired")
	}
}

func TestUpdateRequestSetsExitCode(t *testing.T) {
	m, cancelled := newTestManager(t, 1)
	if err := m.Request(KindUpdate, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitCancelled(t, cancelled)
	if m.ExitCode() != ExitUpdate {
		t.Errorf("ExitCode = %d, want %d", m.ExitCode(), ExitUpdate)
	}
}

func TestRestartRequestSetsExitCode(t *testing.T) {
	m, cancelled := newTestManager(t, 1)
	if err := m.Request(KindRestart, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitCancelled(t, cancelled)
	if m.ExitCode() != ExitRestart {
		t.Errorf("ExitCode = %d, want %d", m.ExitCode(), ExitRestart)
	}
}

func TestRequestRefusedWhileOtherSessionsRun(t *testing.T) {
	m, _ := newTestManager(t, 3)
	if err := m.Request(KindRestart, false); err == nil {
		t.Fatal("expected refusal with other sessions running")
	}
	if m.ExitCode() != 0 {
		t.Errorf("ExitCode = %d, want 0 after refusal", m.ExitCode())
	}
}

func TestForceOverridesBusyCheck(t *testing.T) {
	m, cancelled := newTestManager(t, 3)
	if err := m.Request(KindRestart, true); err != nil {
		t.Fatalf("forced request: %v", err)
	}
	waitCancelled(t, cancelled)
	if m.ExitCode() != ExitRestart {
		t.Errorf("ExitCode = %d", m.ExitCode())
	}
}

func TestSecondRequestRejected(t *testing.T) {
	m, cancelled := newTestManager(t, 1)
	if err := m.Request(KindUpdate, false); err != nil {
		t.Fatal(err)
	}
	waitCancelled(t, cancelled)
	if err := m.Request(KindRestart, false); err == nil {
		t.Error("second request should be rejected")
	}
	if m.ExitCode() != ExitUpdate {
		t.Errorf("ExitCode = %d, first request must win", m.ExitCode())
	}
}
