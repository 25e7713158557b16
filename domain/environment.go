package domain

import "image"

// Action indexes the fixed discrete action catalogue.
type Action int

const (
	MoveAhead Action = iota
	MoveBack
	RotateLeft
	RotateRight
	LookUp
	LookDown
	PickupObject
	DropHandObject
	ToggleObject
)

const NumActions = 9

var actionNames = [NumActions]string{
	"MoveAhead",
	"MoveBack",
	"RotateLeft",
	"RotateRight",
	"LookUp",
	"LookDown",
	"PickupObject",
	"DropHandObject",
	"ToggleObjectOn",
}

func (a Action) Valid() bool {
	return a >= 0 && int(a) < NumActions
}

func (a Action) String() string {
	if !a.Valid() {
		return "Invalid"
	}
	return actionNames[a]
}

type SceneRandomization struct {
	RandomAgentSpawn  bool `json:"random_agent_spawn,omitempty"`
	RandomObjectSpawn bool `json:"random_object_spawn,omitempty"`
}

type ResetOptions struct {
	Seed               *int64
	SceneRandomization *SceneRandomization
}

// Info is the auxiliary information an environment returns from reset and
// step. Nil fields were not reported.
type Info struct {
	ActionName         string
	LastActionSuccess  *bool
	AgentPosition      *Vec3
	AgentRotation      *float64
	TaskAdvancement    *float64
	MaxTaskAdvancement *float64
	IsSuccess          *bool
	TaskType           *string
}

type StepResult struct {
	Observation image.Image
	Reward      float64
	Terminated  bool
	Truncated   bool
	Info        Info
}

// Environment is the simulator host. Implementations need not be safe for
// concurrent use; callers serialize access.
type Environment interface {
	Reset(opts ResetOptions) (image.Image, Info, error)
	Step(action Action) (StepResult, error)
	// Render returns the current frame, or nil when the host has none.
	Render() (image.Image, error)
}

// SceneLoader is implemented by environments that can swap their scene.
type SceneLoader interface {
	LoadScene(name string) error
	LoadSceneDict(scene map[string]any, task map[string]any) error
}
