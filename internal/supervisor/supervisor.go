// Package supervisor keeps the node's backend processes alive. Each backend
// is registered once by name; unexpected exits trigger a bounded number of
// restarts with linear backoff.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"syscall"
	"time"

	"github.com/undefinedsco/xpod/internal/procs"
)

const (
	// MaxRestarts is the retry budget per backend. Exceeding it leaves the
	// backend down until the operator intervenes.
	MaxRestarts = 5

	stopGrace = 5 * time.Second
)

// restartBackoff scales the delay before respawn (count * backoff).
// Variable so tests can shrink it.
var restartBackoff = 500 * time.Millisecond

// Descriptor describes a backend to supervise.
type Descriptor struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Status is one backend's externally visible state.
type Status struct {
	Name         string `json:"name"`
	Running      bool   `json:"running"`
	RestartCount int    `json:"restartCount"`
	LastExit     string `json:"lastExit,omitempty"`
}

// backend is the mutable per-name state. Its mutex serializes spawns so a
// restart callback cannot race StartAll/StopAll on the same backend.
type backend struct {
	desc Descriptor

	mu           sync.Mutex
	child        *procs.Child
	restartCount int
	lastExit     string
	stopping     bool
}

// Supervisor owns a set of named backends.
type Supervisor struct {
	mu       sync.Mutex
	backends map[string]*backend
	order    []string
	stopping bool
	logger   *log.Logger
}

// New creates an empty supervisor. A nil logger falls back to the default
// logger.
func New(logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		backends: map[string]*backend{},
		logger:   logger,
	}
}

// Register adds a backend. Names must be unique; registration never starts
// the process.
func (s *Supervisor) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("backend name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.backends[desc.Name]; exists {
		return fmt.Errorf("backend %q already registered", desc.Name)
	}
	s.backends[desc.Name] = &backend{desc: desc}
	s.order = append(s.order, desc.Name)
	return nil
}

// StartAll starts every registered backend. A failure to start one backend
// does not prevent starting the others; the caller can inspect Status()
// afterwards.
func (s *Supervisor) StartAll() {
	s.mu.Lock()
	s.stopping = false
	backends := s.snapshot()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *backend) {
			defer wg.Done()
			if err := s.start(b); err != nil {
				s.logger.Printf("[supervisor] failed to start %s: %v", b.desc.Name, err)
			}
		}(b)
	}
	wg.Wait()
}

// start spawns a backend's child and installs the exit watcher. Serialized
// per backend via b.mu.
func (s *Supervisor) start(b *backend) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.child != nil && b.child.Running() {
		return nil
	}
	b.stopping = false

	child, err := procs.Start(procs.Spec{
		Command:      b.desc.Command,
		Args:         b.desc.Args,
		Env:          b.desc.Env,
		Dir:          b.desc.Dir,
		InheritStdio: true,
	})
	if err != nil {
		b.lastExit = "spawn failed"
		return err
	}
	b.child = child
	s.logger.Printf("[supervisor] started %s (pid %d)", b.desc.Name, child.Pid())

	go s.watch(b, child)
	return nil
}

// watch reaps one child generation and decides whether to restart.
func (s *Supervisor) watch(b *backend, child *procs.Child) {
	status := <-child.Exited()

	b.mu.Lock()
	b.lastExit = status.String()
	if b.child == child {
		b.child = nil
	}
	stopping := b.stopping
	count := b.restartCount
	b.mu.Unlock()

	s.mu.Lock()
	globalStopping := s.stopping
	s.mu.Unlock()

	if stopping || globalStopping {
		s.logger.Printf("[supervisor] %s exited (%s)", b.desc.Name, status)
		return
	}

	if count >= MaxRestarts {
		s.logger.Printf("[supervisor] %s exited (%s); restart budget exhausted", b.desc.Name, status)
		return
	}

	b.mu.Lock()
	b.restartCount++
	count = b.restartCount
	b.mu.Unlock()

	s.logger.Printf("[supervisor] %s exited (%s); restarting (%d/%d)", b.desc.Name, status, count, MaxRestarts)
	time.Sleep(time.Duration(count) * restartBackoff)

	if err := s.start(b); err != nil {
		s.logger.Printf("[supervisor] restart of %s failed: %v", b.desc.Name, err)
	}
}

// StopAll sends SIGINT to every live child, escalates to SIGTERM after a
// grace period, and returns once every child has exited or ctx expires.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	backends := s.snapshot()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *backend) {
			defer wg.Done()
			s.stopOne(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (s *Supervisor) stopOne(ctx context.Context, b *backend) {
	b.mu.Lock()
	b.stopping = true
	child := b.child
	b.mu.Unlock()

	if child == nil || !child.Running() {
		return
	}

	_ = child.Stop(syscall.SIGINT)

	grace := time.NewTimer(stopGrace)
	defer grace.Stop()

	select {
	case <-child.Exited():
		return
	case <-ctx.Done():
		_ = child.Stop(syscall.SIGTERM)
		return
	case <-grace.C:
		s.logger.Printf("[supervisor] %s did not exit after SIGINT, sending SIGTERM", b.desc.Name)
		_ = child.Stop(syscall.SIGTERM)
	}

	select {
	case <-child.Exited():
	case <-ctx.Done():
	}
}

// ResetRestartCounts zeroes every backend's restart counter.
func (s *Supervisor) ResetRestartCounts() {
	s.mu.Lock()
	backends := s.snapshot()
	s.mu.Unlock()
	for _, b := range backends {
		b.mu.Lock()
		b.restartCount = 0
		b.mu.Unlock()
	}
}

// Status returns per-backend state in registration order.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		b := s.backends[name]
		b.mu.Lock()
		out = append(out, Status{
			Name:         name,
			Running:      b.child != nil && b.child.Running(),
			RestartCount: b.restartCount,
			LastExit:     b.lastExit,
		})
		b.mu.Unlock()
	}
	return out
}

// snapshot returns backends in registration order. Caller must hold s.mu.
func (s *Supervisor) snapshot() []*backend {
	out := make([]*backend, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.backends[name])
	}
	return out
}
