package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"simbridge/control"
	"simbridge/domain"
	"simbridge/session"
)

const (
	defaultWidth  = 1280
	defaultHeight = 720
	defaultScene  = "FloorPlan1"
)

// Environment is the server-side view of the shared simulator: every call
// mutates or reads the single authoritative metrics record.
type Environment interface {
	Step(action domain.Action) (session.StepOutcome, error)
	Reset(opts domain.ResetOptions) (domain.ResetResult, error)
	LoadScene(name string) error
	LoadSceneDict(scene, task map[string]any) error
	Snapshot() domain.Metrics
}

// Streamer is the frame broadcaster as seen by command dispatch.
type Streamer interface {
	Start() bool
	Stop() bool
	SetResolution(width, height int) (int, int)
	Tick() (int, error)
}

type Handler struct {
	registry domain.Registry
	env      Environment
	streamer Streamer
	control  domain.ControlSource
}

func NewHandler(r domain.Registry, env Environment, s Streamer, c domain.ControlSource) *Handler {
	return &Handler{registry: r, env: env, streamer: s, control: c}
}

// Handle dispatches one inbound message. Every well-formed or malformed
// command gets exactly one reply to the sender.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "clientId", conn.ID(), "panic", r)
			h.sendError(conn, fmt.Sprintf("internal error: %v", r))
		}
	}()

	var msg domain.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		h.sendError(conn, "invalid message: "+err.Error())
		return
	}

	switch msg.Type {
	case domain.TypeIdentify:
		h.handleIdentify(conn, msg)
	case domain.TypeAction:
		h.handleAction(conn, msg)
	case domain.TypeReset:
		h.handleReset(conn, msg)
	case domain.TypeStartStreaming:
		h.streamer.Start()
		h.send(conn, domain.Outbound{Type: domain.TypeStreamingStarted})
	case domain.TypeStopStreaming:
		h.streamer.Stop()
		h.send(conn, domain.Outbound{Type: domain.TypeStreamingStopped})
	case domain.TypeSetResolution:
		h.handleSetResolution(conn, msg)
	case domain.TypeLoadScene:
		h.handleLoadScene(conn, msg)
	case domain.TypeLoadSceneDict:
		h.handleLoadSceneDict(conn, msg)
	case domain.TypeSetControlMode:
		h.handleSetControlMode(conn, msg)
	default:
		h.sendError(conn, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (h *Handler) handleIdentify(conn domain.Connection, msg domain.Inbound) {
	role, err := domain.ParseRole(msg.Role)
	if err != nil {
		h.sendError(conn, err.Error())
		return
	}
	if !h.registry.SetRole(conn, role) {
		h.sendError(conn, "connection not registered")
		return
	}
	slog.Info("client identified", "clientId", conn.ID(), "role", role)
	h.send(conn, domain.Outbound{Type: domain.TypeIdentified, Role: role})
}

func (h *Handler) handleAction(conn domain.Connection, msg domain.Inbound) {
	alive := h.control.AgentAlive()
	mode := control.ModeFor(alive)

	if msg.Action == nil {
		h.sendActionResult(conn, domain.ActionResult{Error: "invalid action format", Metrics: h.snapshot(mode)})
		return
	}

	role, ok := h.registry.Role(conn)
	if !ok {
		role = domain.RoleOperator
	}
	if admitted, reason := control.Admit(role, alive); !admitted {
		h.pushFrame()
		h.sendActionResult(conn, domain.ActionResult{Skipped: true, Reason: reason, Metrics: h.snapshot(mode)})
		return
	}

	action := domain.Action(*msg.Action)
	if !action.Valid() {
		h.sendActionResult(conn, domain.ActionResult{
			Error:   fmt.Sprintf("invalid action index: %d", *msg.Action),
			Metrics: h.snapshot(mode),
		})
		return
	}

	out, err := h.env.Step(action)
	if err != nil {
		slog.Error("step failed", "clientId", conn.ID(), "action", action.String(), "error", err)
		h.sendError(conn, err.Error())
		return
	}
	out.Metrics.ControlMode = mode
	// A frame goes out with every resolved step so a blocking client is never
	// left waiting on the frame loop, which any consumer may have stopped.
	h.pushFrame()
	h.sendActionResult(conn, domain.ActionResult{
		ObservationShape: out.ObservationShape,
		Reward:           out.Reward,
		Done:             out.Done,
		Metrics:          out.Metrics,
	})
}

func (h *Handler) handleReset(conn domain.Connection, msg domain.Inbound) {
	randomization := msg.SceneRandomization
	if randomization == nil && msg.Randomize != nil && *msg.Randomize {
		randomization = &domain.SceneRandomization{RandomAgentSpawn: true, RandomObjectSpawn: true}
	}

	res, err := h.env.Reset(domain.ResetOptions{SceneRandomization: randomization})
	if err != nil {
		slog.Error("reset failed", "clientId", conn.ID(), "error", err)
		h.sendError(conn, err.Error())
		return
	}
	res.InitialMetrics.ControlMode = control.ModeFor(h.control.AgentAlive())
	h.sendData(conn, domain.TypeResetResult, res)
	h.pushFrame()
}

func (h *Handler) handleSetResolution(conn domain.Connection, msg domain.Inbound) {
	width, height := defaultWidth, defaultHeight
	if msg.Width != nil {
		width = *msg.Width
	}
	if msg.Height != nil {
		height = *msg.Height
	}
	width, height = h.streamer.SetResolution(width, height)
	slog.Info("resolution set", "width", width, "height", height)
	h.send(conn, domain.Outbound{Type: domain.TypeResolutionSet, Width: width, Height: height})
}

func (h *Handler) handleLoadScene(conn domain.Connection, msg domain.Inbound) {
	scene := msg.Scene
	if scene == "" {
		scene = defaultScene
	}
	if err := h.env.LoadScene(scene); err != nil {
		slog.Error("load scene failed", "scene", scene, "error", err)
		h.sendError(conn, fmt.Sprintf("failed to load scene: %v", err))
		return
	}
	slog.Info("scene loaded", "scene", scene)
	h.pushFrame()
	h.send(conn, domain.Outbound{Type: domain.TypeSceneLoaded, Scene: scene})
}

func (h *Handler) handleLoadSceneDict(conn domain.Connection, msg domain.Inbound) {
	if len(msg.SceneDict) == 0 {
		h.sendError(conn, "no scene_dict provided")
		return
	}
	if err := h.env.LoadSceneDict(msg.SceneDict, msg.TaskDescriptionDict); err != nil {
		slog.Error("load scene dict failed", "error", err)
		h.sendError(conn, fmt.Sprintf("failed to load scene: %v", err))
		return
	}
	slog.Info("scene dict loaded", "task", msg.TaskDescription)
	h.pushFrame()
	h.sendData(conn, domain.TypeSceneDictLoaded, domain.SceneDictResult{
		Success:         true,
		Message:         "scene loaded successfully",
		TaskDescription: msg.TaskDescription,
	})
}

func (h *Handler) handleSetControlMode(conn domain.Connection, msg domain.Inbound) {
	manual, ok := h.control.(*control.Manual)
	if !ok {
		h.sendError(conn, "control mode follows the agent process")
		return
	}
	mode, err := domain.ParseControlMode(msg.Mode)
	if err != nil {
		h.sendError(conn, err.Error())
		return
	}
	manual.Set(mode)
	slog.Info("control mode set", "clientId", conn.ID(), "mode", mode)
	h.send(conn, domain.Outbound{Type: domain.TypeControlModeSet, Mode: mode})
}

func (h *Handler) snapshot(mode domain.ControlMode) domain.Metrics {
	m := h.env.Snapshot()
	m.ControlMode = mode
	return m
}

// pushFrame sends one frame to everyone right away so consumers see the new
// state without waiting for the next broadcaster tick.
func (h *Handler) pushFrame() {
	if _, err := h.streamer.Tick(); err != nil {
		slog.Warn("fresh frame failed", "error", err)
	}
}

func (h *Handler) sendActionResult(conn domain.Connection, res domain.ActionResult) {
	h.sendData(conn, domain.TypeActionResult, res)
}

func (h *Handler) sendData(conn domain.Connection, typ string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ID(), "type", typ, "error", err)
		h.sendError(conn, "internal error: "+err.Error())
		return
	}
	h.send(conn, domain.Outbound{Type: typ, Data: data})
}

func (h *Handler) sendError(conn domain.Connection, message string) {
	h.send(conn, domain.Outbound{Type: domain.TypeError, Message: message})
}

func (h *Handler) send(conn domain.Connection, msg domain.Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("reply dropped", "clientId", conn.ID(), "type", msg.Type, "error", err)
	}
}
