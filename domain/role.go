package domain

import "fmt"

type Role string

const (
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
)

// ParseRole accepts the canonical role names plus the legacy browser/rl_agent
// spellings still sent by older clients.
func ParseRole(s string) (Role, error) {
	switch s {
	case "operator", "browser":
		return RoleOperator, nil
	case "agent", "rl_agent":
		return RoleAgent, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ControlMode names which kind of consumer may mutate the environment.
type ControlMode string

const (
	ModeOperator ControlMode = "operator"
	ModeAgent    ControlMode = "agent"
)

func ParseControlMode(s string) (ControlMode, error) {
	switch s {
	case "operator", "user":
		return ModeOperator, nil
	case "agent":
		return ModeAgent, nil
	}
	return "", fmt.Errorf("unknown control mode %q", s)
}
