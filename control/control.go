// Package control decides which consumer may mutate the shared environment.
package control

import (
	"sync/atomic"

	"simbridge/domain"
)

// ModeFor derives the control mode from agent liveness.
func ModeFor(agentAlive bool) domain.ControlMode {
	if agentAlive {
		return domain.ModeAgent
	}
	return domain.ModeOperator
}

// Admit reports whether a sender with the given role may act. When it may
// not, reason names who currently holds control.
func Admit(role domain.Role, agentAlive bool) (ok bool, reason string) {
	if agentAlive {
		if role != domain.RoleAgent {
			return false, domain.ReasonAgentControl
		}
		return true, ""
	}
	if role != domain.RoleOperator {
		return false, domain.ReasonUserControl
	}
	return true, ""
}

// Manual is a ControlSource whose mode is set explicitly instead of being
// derived from a process.
type Manual struct {
	agent atomic.Bool
}

func NewManual(initial domain.ControlMode) *Manual {
	m := &Manual{}
	m.Set(initial)
	return m
}

func (m *Manual) AgentAlive() bool {
	return m.agent.Load()
}

func (m *Manual) Set(mode domain.ControlMode) {
	m.agent.Store(mode == domain.ModeAgent)
}

// Static always reports the same liveness. Useful for tests and for running
// without an agent supervisor.
type Static bool

func (s Static) AgentAlive() bool {
	return bool(s)
}
