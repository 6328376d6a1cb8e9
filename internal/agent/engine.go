package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// RelaySpec is everything needed to launch one relay container.
type RelaySpec struct {
	Image     string
	Container string
	// Ports maps host port to container port
	Ports   map[int]int
	Env     map[string]string
	Volumes map[string]string
	Args    []string
}

// Engine runs relay containers. Start always follows a Stop; relays are
// recreated, never reconfigured in place.
type Engine interface {
	Stop(ctx context.Context, kind models.RelayKind, container string) error
	Start(ctx context.Context, kind models.RelayKind, spec RelaySpec) error
	IsRunning(ctx context.Context, container string) bool
	Logs(ctx context.Context, container string, lines int) (string, error)
}

// MemoryEngine records launches instead of running containers.
type MemoryEngine struct {
	mu       sync.Mutex
	running  map[string]RelaySpec
	starts   map[models.RelayKind]int
	startErr error
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		running: make(map[string]RelaySpec),
		starts:  make(map[models.RelayKind]int),
	}
}

// FailStarts makes every following Start return err; nil clears it.
func (m *MemoryEngine) FailStarts(err error) {
	m.mu.Lock()
	m.startErr = err
	m.mu.Unlock()
}

func (m *MemoryEngine) Stop(_ context.Context, _ models.RelayKind, container string) error {
	m.mu.Lock()
	delete(m.running, container)
	m.mu.Unlock()
	return nil
}

func (m *MemoryEngine) Start(_ context.Context, kind models.RelayKind, spec RelaySpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.running[spec.Container] = spec
	m.starts[kind]++
	return nil
}

func (m *MemoryEngine) IsRunning(_ context.Context, container string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[container]
	return ok
}

func (m *MemoryEngine) Logs(_ context.Context, container string, lines int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.running[container]
	if !ok {
		return "", nil
	}
	return fmt.Sprintf("%s: %s %s (last %d lines)", container, spec.Image, strings.Join(spec.Args, " "), lines), nil
}

// Running returns the spec of a running container.
func (m *MemoryEngine) Running(container string) (RelaySpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.running[container]
	return spec, ok
}

// Starts counts launches of kind.
func (m *MemoryEngine) Starts(kind models.RelayKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts[kind]
}
