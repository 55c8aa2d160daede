package conversation

import (
	"context"
	"sync"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/defi-yield/internal/errors"
)

// Manager holds live sessions in memory. Nothing survives the process.
type Manager struct {
	mu       sync.Mutex
	deps     Deps
	sessions map[string]*Machine
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, sessions: map[string]*Machine{}}
}

// Start opens a session and returns its id.
func (m *Manager) Start() string {
	sid := uuid.NewString()
	m.mu.Lock()
	m.sessions[sid] = NewMachine(sid, m.deps)
	m.mu.Unlock()
	return sid
}

func (m *Manager) get(sid string) (*Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, ok := m.sessions[sid]
	if !ok {
		return nil, clierr.New(clierr.CodeNotFound, "unknown session").
			WithHint("start a new session")
	}
	return machine, nil
}

// Advance applies a turn to sid. Sessions are dropped once a transaction is
// ready.
func (m *Manager) Advance(ctx context.Context, sid string, in Input) (Reply, error) {
	machine, err := m.get(sid)
	if err != nil {
		return Reply{}, err
	}
	reply := machine.Advance(ctx, in)
	if reply.State.Step == StepTransactionReady {
		m.Abandon(sid)
	}
	return reply, nil
}

// Quick runs quick mode on a fresh session that is discarded afterwards.
func (m *Manager) Quick(ctx context.Context, q QuickRequest) Reply {
	machine := NewMachine(uuid.NewString(), m.deps)
	return machine.Quick(ctx, q)
}

// Reset clears a session for a new intent, keeping its id.
func (m *Manager) Reset(sid string) error {
	machine, err := m.get(sid)
	if err != nil {
		return err
	}
	machine.Reset()
	return nil
}

func (m *Manager) Abandon(sid string) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
