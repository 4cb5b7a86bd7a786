package supervisor

import (
	"context"
	"io"
	"log"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	s := New(quietLogger())
	if err := s.Register(Descriptor{Name: "css", Command: "true"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := s.Register(Descriptor{Name: "css", Command: "true"}); err == nil {
		t.Error("duplicate Register() succeeded, want error")
	}
	if err := s.Register(Descriptor{Command: "true"}); err == nil {
		t.Error("Register() with empty name succeeded, want error")
	}
}

func TestStatus_RegistrationOrder(t *testing.T) {
	s := New(quietLogger())
	for _, name := range []string{"css", "api"} {
		if err := s.Register(Descriptor{Name: name, Command: "true"}); err != nil {
			t.Fatalf("Register(%s) error: %v", name, err)
		}
	}

	statuses := s.Status()
	if len(statuses) != 2 || statuses[0].Name != "css" || statuses[1].Name != "api" {
		t.Errorf("Status() order = %v, want [css api]", statuses)
	}
	for _, st := range statuses {
		if st.Running {
			t.Errorf("backend %s running before StartAll", st.Name)
		}
	}
}

// A backend that exits immediately must be restarted at most MaxRestarts
// times and end up reported down.
func TestRestart_BudgetIsBounded(t *testing.T) {
	oldBackoff := restartBackoff
	restartBackoff = 2 * time.Millisecond
	defer func() { restartBackoff = oldBackoff }()

	s := New(quietLogger())
	if err := s.Register(Descriptor{Name: "flappy", Command: "true"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	s.StartAll()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()[0]
		if st.RestartCount == MaxRestarts && !st.Running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	st := s.Status()[0]
	if st.RestartCount != MaxRestarts {
		t.Errorf("restartCount = %d, want %d", st.RestartCount, MaxRestarts)
	}
	// Give any runaway restart loop a moment to overshoot the budget.
	time.Sleep(50 * time.Millisecond)
	if st = s.Status()[0]; st.RestartCount > MaxRestarts {
		t.Errorf("restartCount overshot budget: %d", st.RestartCount)
	}
	if st.Running {
		t.Error("backend still reported running after budget exhaustion")
	}
}

func TestStartStopStart_PreservesIdentityAndCounts(t *testing.T) {
	s := New(quietLogger())
	if err := s.Register(Descriptor{Name: "worker", Command: "sleep", Args: []string{"60"}}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	s.StartAll()
	if st := s.Status()[0]; !st.Running {
		t.Fatal("backend not running after StartAll")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.StopAll(ctx)
	cancel()
	if st := s.Status()[0]; st.Running {
		t.Fatal("backend still running after StopAll")
	}

	s.StartAll()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.StopAll(ctx)
		cancel()
	}()

	st := s.Status()[0]
	if st.Name != "worker" || !st.Running {
		t.Errorf("after restart: %+v", st)
	}
	// A supervised stop is not an unexpected exit; the counter stays.
	if st.RestartCount != 0 {
		t.Errorf("restartCount = %d after clean stop/start, want 0", st.RestartCount)
	}
}

func TestResetRestartCounts(t *testing.T) {
	oldBackoff := restartBackoff
	restartBackoff = 2 * time.Millisecond
	defer func() { restartBackoff = oldBackoff }()

	s := New(quietLogger())
	if err := s.Register(Descriptor{Name: "flappy", Command: "true"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	s.StartAll()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status()[0].RestartCount == MaxRestarts {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.ResetRestartCounts()
	if got := s.Status()[0].RestartCount; got != 0 {
		t.Errorf("restartCount after reset = %d, want 0", got)
	}
}

func TestStartAll_OneFailureDoesNotBlockOthers(t *testing.T) {
	s := New(quietLogger())
	if err := s.Register(Descriptor{Name: "broken", Command: "/nonexistent/binary"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := s.Register(Descriptor{Name: "ok", Command: "sleep", Args: []string{"60"}}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	s.StartAll()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.StopAll(ctx)
		cancel()
	}()

	var broken, ok Status
	for _, st := range s.Status() {
		switch st.Name {
		case "broken":
			broken = st
		case "ok":
			ok = st
		}
	}
	if broken.Running {
		t.Error("broken backend reported running")
	}
	if !ok.Running {
		t.Error("healthy backend not running")
	}
}
