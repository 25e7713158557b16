package control

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"simbridge/domain"
)

func TestAdmit(t *testing.T) {
	tests := []struct {
		name       string
		role       domain.Role
		agentAlive bool
		wantOK     bool
		wantReason string
	}{
		{name: "agent acts while alive", role: domain.RoleAgent, agentAlive: true, wantOK: true},
		{name: "operator blocked while agent alive", role: domain.RoleOperator, agentAlive: true, wantReason: domain.ReasonAgentControl},
		{name: "operator acts while agent dead", role: domain.RoleOperator, agentAlive: false, wantOK: true},
		{name: "agent blocked while dead", role: domain.RoleAgent, agentAlive: false, wantReason: domain.ReasonUserControl},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Admit(tt.role, tt.agentAlive)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestAdmit_MatchesModeFor(t *testing.T) {
	for _, alive := range []bool{true, false} {
		mode := ModeFor(alive)
		for _, role := range []domain.Role{domain.RoleOperator, domain.RoleAgent} {
			ok, _ := Admit(role, alive)
			assert.Equal(t, string(role) == string(mode), ok, "role=%s alive=%v", role, alive)
		}
	}
}

func TestManual(t *testing.T) {
	m := NewManual(domain.ModeOperator)
	assert.False(t, m.AgentAlive())

	m.Set(domain.ModeAgent)
	assert.True(t, m.AgentAlive())
	assert.Equal(t, domain.ModeAgent, ModeFor(m.AgentAlive()))

	m.Set(domain.ModeOperator)
	assert.False(t, m.AgentAlive())
}

func TestStatic(t *testing.T) {
	assert.True(t, Static(true).AgentAlive())
	assert.False(t, Static(false).AgentAlive())
}
