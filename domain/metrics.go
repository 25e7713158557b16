package domain

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Metrics is the episode-level record attached to every frame and result.
// Optional fields stay nil until the environment reports them.
type Metrics struct {
	AgentPosition      *Vec3       `json:"agent_position"`
	AgentRotation      *float64    `json:"agent_rotation"`
	EpisodeReward      float64     `json:"episode_reward"`
	StepCount          int         `json:"step_count"`
	LastActionSuccess  bool        `json:"last_action_success"`
	TaskAdvancement    *float64    `json:"task_advancement"`
	MaxTaskAdvancement *float64    `json:"max_task_advancement"`
	IsSuccess          *bool       `json:"is_success"`
	TaskType           *string     `json:"task_type"`
	ControlMode        ControlMode `json:"control_mode,omitempty"`
}

func NewMetrics() Metrics {
	return Metrics{LastActionSuccess: true}
}

// Clone returns a deep copy; no pointer is shared with the receiver.
func (m Metrics) Clone() Metrics {
	out := m
	out.AgentPosition = clonePtr(m.AgentPosition)
	out.AgentRotation = clonePtr(m.AgentRotation)
	out.TaskAdvancement = clonePtr(m.TaskAdvancement)
	out.MaxTaskAdvancement = clonePtr(m.MaxTaskAdvancement)
	out.IsSuccess = clonePtr(m.IsSuccess)
	out.TaskType = clonePtr(m.TaskType)
	return out
}

// Merge copies every field the environment reported in info.
func (m *Metrics) Merge(info Info) {
	if info.LastActionSuccess != nil {
		m.LastActionSuccess = *info.LastActionSuccess
	}
	if info.AgentPosition != nil {
		m.AgentPosition = clonePtr(info.AgentPosition)
	}
	if info.AgentRotation != nil {
		m.AgentRotation = clonePtr(info.AgentRotation)
	}
	if info.TaskAdvancement != nil {
		m.TaskAdvancement = clonePtr(info.TaskAdvancement)
	}
	if info.MaxTaskAdvancement != nil {
		m.MaxTaskAdvancement = clonePtr(info.MaxTaskAdvancement)
	}
	if info.IsSuccess != nil {
		m.IsSuccess = clonePtr(info.IsSuccess)
	}
	if info.TaskType != nil {
		m.TaskType = clonePtr(info.TaskType)
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr is a small helper for populating optional fields.
func Ptr[T any](v T) *T {
	return &v
}
