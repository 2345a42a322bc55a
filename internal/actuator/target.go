package actuator

import (
	"context"
	"fmt"
	"sync"
)

// #region target

// Target abstracts the orchestration platform the controller manages.
// The concrete platform (Kubernetes operator, nomad, a test double)
// satisfies this contract as an external collaborator.
type Target interface {
	GetReplicas(ctx context.Context, name string) (int, error)
	SetReplicas(ctx context.Context, name string, replicas int) error
	SetControlParams(ctx context.Context, name string, params map[string]float64) error
	RollbackToRevision(ctx context.Context, name string, revision int64) error
}

// #endregion target

// #region memory-target

// MemoryTarget is an in-process Target for development and tests.
// FailNext injects transient faults: the next n mutating calls error.
type MemoryTarget struct {
	mu        sync.Mutex
	replicas  map[string]int
	params    map[string]map[string]float64
	revisions map[string]int64 // last revision applied via rollback
	initial   int
	failNext  int
	calls     int
}

// NewMemoryTarget creates a target with every service at initialReplicas.
func NewMemoryTarget(initialReplicas int) *MemoryTarget {
	return &MemoryTarget{
		replicas:  map[string]int{},
		params:    map[string]map[string]float64{},
		revisions: map[string]int64{},
		initial:   initialReplicas,
	}
}

// FailNext makes the next n mutating calls fail with a transient error.
func (m *MemoryTarget) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// MutatingCalls returns how many mutating calls reached the target.
func (m *MemoryTarget) MutatingCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Revision returns the last revision applied through a rollback.
func (m *MemoryTarget) Revision(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revisions[name]
}

// Params returns a copy of the control params live on the target.
func (m *MemoryTarget) Params(name string) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.params[name]))
	for k, v := range m.params[name] {
		out[k] = v
	}
	return out
}

func (m *MemoryTarget) maybeFail() error {
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("target: transient backend error")
	}
	return nil
}

// GetReplicas returns the current replica count.
func (m *MemoryTarget) GetReplicas(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.replicas[name]; ok {
		return r, nil
	}
	return m.initial, nil
}

// SetReplicas sets the replica count.
func (m *MemoryTarget) SetReplicas(_ context.Context, name string, replicas int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	m.replicas[name] = replicas
	return nil
}

// SetControlParams applies control parameters.
func (m *MemoryTarget) SetControlParams(_ context.Context, name string, params map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	cur := m.params[name]
	if cur == nil {
		cur = map[string]float64{}
		m.params[name] = cur
	}
	for k, v := range params {
		cur[k] = v
	}
	return nil
}

// RollbackToRevision reverts the target to a recorded revision.
func (m *MemoryTarget) RollbackToRevision(_ context.Context, name string, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return err
	}
	m.revisions[name] = revision
	return nil
}

// #endregion memory-target
