package domain

import "encoding/json"

// Inbound message types.
const (
	TypeIdentify       = "identify"
	TypeAction         = "action"
	TypeReset          = "reset"
	TypeStartStreaming = "start_streaming"
	TypeStopStreaming  = "stop_streaming"
	TypeSetResolution  = "set_resolution"
	TypeLoadScene      = "load_scene"
	TypeLoadSceneDict  = "load_scene_dict"
	TypeSetControlMode = "set_control_mode"
)

// Outbound message types.
const (
	TypeIdentified       = "identified"
	TypeFrame            = "frame"
	TypeActionResult     = "action_result"
	TypeResetResult      = "reset_result"
	TypeResolutionSet    = "resolution_set"
	TypeSceneLoaded      = "scene_loaded"
	TypeSceneDictLoaded  = "scene_dict_loaded"
	TypeStreamingStarted = "streaming_started"
	TypeStreamingStopped = "streaming_stopped"
	TypeControlModeSet   = "control_mode_set"
	TypeError            = "error"
)

// Skip reasons carried on a non-admitted action.
const (
	ReasonAgentControl = "agent_control"
	ReasonUserControl  = "user_control"
)

// Inbound is a consumer-to-server command. Only the fields relevant to Type
// are populated.
type Inbound struct {
	Type                string              `json:"type"`
	Role                string              `json:"role,omitempty"`
	Mode                string              `json:"mode,omitempty"`
	Action              *int                `json:"action,omitempty"`
	SceneRandomization  *SceneRandomization `json:"scene_randomization,omitempty"`
	Randomize           *bool               `json:"randomize,omitempty"`
	Width               *int                `json:"width,omitempty"`
	Height              *int                `json:"height,omitempty"`
	Scene               string              `json:"scene,omitempty"`
	SceneDict           map[string]any      `json:"scene_dict,omitempty"`
	TaskDescription     string              `json:"task_description,omitempty"`
	TaskDescriptionDict map[string]any      `json:"task_description_dict,omitempty"`
}

// Outbound is a server-to-consumer message.
type Outbound struct {
	Type       string          `json:"type"`
	Role       Role            `json:"role,omitempty"`
	Mode       ControlMode     `json:"mode,omitempty"`
	JPEGBase64 string          `json:"jpeg_base64,omitempty"`
	Metrics    *Metrics        `json:"metrics,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Width      int             `json:"width,omitempty"`
	Height     int             `json:"height,omitempty"`
	Scene      string          `json:"scene,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type ActionResult struct {
	Skipped          bool    `json:"skipped,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	Error            string  `json:"error,omitempty"`
	ObservationShape []int   `json:"observation_shape,omitempty"`
	Reward           float64 `json:"reward"`
	Done             bool    `json:"done"`
	Metrics          Metrics `json:"metrics"`
}

type ResetResult struct {
	ObservationShape []int   `json:"observation_shape,omitempty"`
	InitialMetrics   Metrics `json:"initial_metrics"`
}

type SceneDictResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	TaskDescription string `json:"task_description,omitempty"`
}
