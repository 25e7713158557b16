// Package sim is a small deterministic grid world that satisfies the
// environment host interface. It lets the server run end to end without an
// external simulator.
package sim

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"sort"

	"simbridge/domain"
)

const (
	cellSize       = 0.25
	eyeHeight      = 0.9
	minPitch       = -30
	maxPitch       = 60
	pitchStep      = 30
	interactReward = 0.1
	successReward  = 1.0
	maxGridSize    = 256
)

type Object struct {
	Kind       string
	X, Z       int
	Pickupable bool
	Toggleable bool
	On         bool
}

type Layout struct {
	Width   int
	Depth   int
	Objects []Object
}

var scenes = map[string]Layout{
	"FloorPlan1": {Width: 8, Depth: 6, Objects: []Object{
		{Kind: "Apple", X: 5, Z: 1, Pickupable: true},
		{Kind: "Mug", X: 2, Z: 4, Pickupable: true},
		{Kind: "LightSwitch", X: 7, Z: 5, Toggleable: true},
	}},
	"FloorPlan201": {Width: 10, Depth: 8, Objects: []Object{
		{Kind: "RemoteControl", X: 3, Z: 6, Pickupable: true},
		{Kind: "Television", X: 9, Z: 2, Toggleable: true},
		{Kind: "FloorLamp", X: 0, Z: 7, Toggleable: true},
	}},
	"FloorPlan301": {Width: 7, Depth: 7, Objects: []Object{
		{Kind: "Book", X: 1, Z: 1, Pickupable: true},
		{Kind: "DeskLamp", X: 6, Z: 0, Toggleable: true},
	}},
}

// SceneNames lists the built-in layouts.
func SceneNames() []string {
	names := make([]string, 0, len(scenes))
	for name := range scenes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Config struct {
	Scene        string
	RenderWidth  int
	RenderHeight int
	MaxSteps     int
	Seed         int64
}

type Env struct {
	cfg     Config
	layout  Layout
	rng     *rand.Rand
	objects []Object
	x, z    int
	heading int
	pitch   int
	held    int
	steps   int
	target  string
	done    bool
	started bool
}

func New(cfg Config) (*Env, error) {
	if cfg.Scene == "" {
		cfg.Scene = "FloorPlan1"
	}
	if cfg.RenderWidth <= 0 || cfg.RenderHeight <= 0 {
		cfg.RenderWidth, cfg.RenderHeight = 300, 300
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 500
	}
	layout, ok := scenes[cfg.Scene]
	if !ok {
		return nil, fmt.Errorf("unknown scene %q", cfg.Scene)
	}
	return &Env{
		cfg:    cfg,
		layout: layout,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		held:   -1,
	}, nil
}

func (e *Env) Reset(opts domain.ResetOptions) (image.Image, domain.Info, error) {
	if opts.Seed != nil {
		e.rng.Seed(*opts.Seed)
	}
	e.objects = append([]Object(nil), e.layout.Objects...)
	e.x, e.z, e.heading, e.pitch = 0, 0, 0, 0
	e.held = -1
	e.steps = 0
	e.done = false
	e.started = true

	if r := opts.SceneRandomization; r != nil {
		if r.RandomObjectSpawn {
			for i := range e.objects {
				e.objects[i].X, e.objects[i].Z = e.freeCell()
			}
		}
		if r.RandomAgentSpawn {
			e.x, e.z = e.freeCell()
			e.heading = e.rng.Intn(4)
		}
	}

	info := e.info()
	info.LastActionSuccess = domain.Ptr(true)
	return e.render(), info, nil
}

func (e *Env) Step(action domain.Action) (domain.StepResult, error) {
	if !e.started {
		return domain.StepResult{}, fmt.Errorf("step before reset")
	}
	if !action.Valid() {
		return domain.StepResult{}, fmt.Errorf("invalid action %d", action)
	}

	reward := 0.0
	ok := false
	switch action {
	case domain.MoveAhead:
		ok = e.move(1)
	case domain.MoveBack:
		ok = e.move(-1)
	case domain.RotateLeft:
		e.heading = (e.heading + 3) % 4
		ok = true
	case domain.RotateRight:
		e.heading = (e.heading + 1) % 4
		ok = true
	case domain.LookUp:
		ok = e.look(-pitchStep)
	case domain.LookDown:
		ok = e.look(pitchStep)
	case domain.PickupObject:
		ok = e.pickup()
	case domain.DropHandObject:
		ok = e.drop()
	case domain.ToggleObject:
		ok = e.toggle()
	}
	if ok && (action == domain.PickupObject || action == domain.DropHandObject || action == domain.ToggleObject) {
		reward += interactReward
	}

	e.steps++
	terminated := false
	if e.target != "" && !e.done && e.holding(e.target) {
		e.done = true
		terminated = true
		reward += successReward
	}

	info := e.info()
	info.ActionName = action.String()
	info.LastActionSuccess = domain.Ptr(ok)
	return domain.StepResult{
		Observation: e.render(),
		Reward:      reward,
		Terminated:  terminated,
		Truncated:   e.steps >= e.cfg.MaxSteps,
		Info:        info,
	}, nil
}

// Render returns nil until the first reset.
func (e *Env) Render() (image.Image, error) {
	if !e.started {
		return nil, nil
	}
	return e.render(), nil
}

func (e *Env) LoadScene(name string) error {
	layout, ok := scenes[name]
	if !ok {
		return fmt.Errorf("unknown scene %q", name)
	}
	e.layout = layout
	e.target = ""
	e.started = false
	return nil
}

// LoadSceneDict accepts {"width", "depth", "objects": [{"type", "x", "z",
// "pickupable", "toggleable"}]} and an optional task {"target": kind}.
func (e *Env) LoadSceneDict(scene, task map[string]any) error {
	layout, err := parseLayout(scene)
	if err != nil {
		return err
	}
	target := ""
	if task != nil {
		t, ok := task["target"].(string)
		if !ok || t == "" {
			return fmt.Errorf("task is missing a target")
		}
		found := false
		for _, o := range layout.Objects {
			if o.Kind == t && o.Pickupable {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("task target %q is not a pickupable object in the scene", t)
		}
		target = t
	}
	e.layout = layout
	e.target = target
	e.started = false
	return nil
}

func (e *Env) info() domain.Info {
	info := domain.Info{
		AgentPosition: &domain.Vec3{X: float64(e.x) * cellSize, Y: eyeHeight, Z: float64(e.z) * cellSize},
		AgentRotation: domain.Ptr(float64(e.heading * 90)),
	}
	if e.target != "" {
		adv := 0.0
		if e.done {
			adv = 1
		}
		info.TaskAdvancement = domain.Ptr(adv)
		info.MaxTaskAdvancement = domain.Ptr(1.0)
		info.IsSuccess = domain.Ptr(e.done)
		info.TaskType = domain.Ptr("pickup")
	}
	return info
}

var headings = [4][2]int{{0, 1}, {1, 0}, {0, -1}, {-1, 0}}

func (e *Env) front() (int, int) {
	d := headings[e.heading]
	return e.x + d[0], e.z + d[1]
}

func (e *Env) inBounds(x, z int) bool {
	return x >= 0 && z >= 0 && x < e.layout.Width && z < e.layout.Depth
}

func (e *Env) objectAt(x, z int) int {
	for i, o := range e.objects {
		if i != e.held && o.X == x && o.Z == z {
			return i
		}
	}
	return -1
}

func (e *Env) move(dir int) bool {
	d := headings[e.heading]
	nx, nz := e.x+dir*d[0], e.z+dir*d[1]
	if !e.inBounds(nx, nz) || e.objectAt(nx, nz) >= 0 {
		return false
	}
	e.x, e.z = nx, nz
	return true
}

func (e *Env) look(delta int) bool {
	p := e.pitch + delta
	if p < minPitch || p > maxPitch {
		return false
	}
	e.pitch = p
	return true
}

func (e *Env) pickup() bool {
	if e.held >= 0 {
		return false
	}
	i := e.objectAt(e.front())
	if i < 0 || !e.objects[i].Pickupable {
		return false
	}
	e.held = i
	return true
}

func (e *Env) drop() bool {
	if e.held < 0 {
		return false
	}
	x, z := e.front()
	if !e.inBounds(x, z) || e.objectAt(x, z) >= 0 {
		return false
	}
	e.objects[e.held].X, e.objects[e.held].Z = x, z
	e.held = -1
	return true
}

func (e *Env) toggle() bool {
	i := e.objectAt(e.front())
	if i < 0 || !e.objects[i].Toggleable {
		return false
	}
	e.objects[i].On = !e.objects[i].On
	return true
}

func (e *Env) holding(kind string) bool {
	return e.held >= 0 && e.objects[e.held].Kind == kind
}

// freeCell picks a random unoccupied cell, falling back to a scan and then to
// the agent's own cell when the floor is full.
func (e *Env) freeCell() (int, int) {
	free := func(x, z int) bool {
		return (x != e.x || z != e.z) && e.objectAt(x, z) < 0
	}
	for i := 0; i < 4*e.layout.Width*e.layout.Depth; i++ {
		x, z := e.rng.Intn(e.layout.Width), e.rng.Intn(e.layout.Depth)
		if free(x, z) {
			return x, z
		}
	}
	for z := 0; z < e.layout.Depth; z++ {
		for x := 0; x < e.layout.Width; x++ {
			if free(x, z) {
				return x, z
			}
		}
	}
	return e.x, e.z
}

var (
	floorColor  = color.RGBA{R: 196, G: 186, B: 166, A: 255}
	gridColor   = color.RGBA{R: 150, G: 140, B: 120, A: 255}
	agentColor  = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	itemColor   = color.RGBA{R: 40, G: 120, B: 200, A: 255}
	switchOff   = color.RGBA{R: 60, G: 60, B: 60, A: 255}
	switchOn    = color.RGBA{R: 250, G: 220, B: 60, A: 255}
	facingColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// render draws a top-down view; brightness follows the camera pitch.
func (e *Env) render() image.Image {
	w, h := e.cfg.RenderWidth, e.cfg.RenderHeight
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	cw := max(1, w/e.layout.Width)
	ch := max(1, h/e.layout.Depth)

	fill := func(cx, cz int, c color.RGBA) {
		for y := cz * ch; y < (cz+1)*ch && y < h; y++ {
			for x := cx * cw; x < (cx+1)*cw && x < w; x++ {
				img.SetRGBA(x, y, c)
			}
		}
	}

	shade := uint8(e.pitch - minPitch)
	base := floorColor
	base.R -= shade / 2
	base.G -= shade / 2
	base.B -= shade / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x%cw == 0 || y%ch == 0 {
				img.SetRGBA(x, y, gridColor)
			} else {
				img.SetRGBA(x, y, base)
			}
		}
	}

	for i, o := range e.objects {
		if i == e.held {
			continue
		}
		switch {
		case o.Toggleable && o.On:
			fill(o.X, o.Z, switchOn)
		case o.Toggleable:
			fill(o.X, o.Z, switchOff)
		default:
			fill(o.X, o.Z, itemColor)
		}
	}

	fill(e.x, e.z, agentColor)
	if fx, fz := e.front(); e.inBounds(fx, fz) {
		px := fx*cw + cw/2
		py := fz*ch + ch/2
		if px < w && py < h {
			img.SetRGBA(px, py, facingColor)
		}
	}
	return img
}

func parseLayout(scene map[string]any) (Layout, error) {
	width, ok := number(scene["width"])
	if !ok || width < 2 || width > maxGridSize {
		return Layout{}, fmt.Errorf("scene width must be a number in [2, %d]", maxGridSize)
	}
	depth, ok := number(scene["depth"])
	if !ok || depth < 2 || depth > maxGridSize {
		return Layout{}, fmt.Errorf("scene depth must be a number in [2, %d]", maxGridSize)
	}
	layout := Layout{Width: width, Depth: depth}

	raw, _ := scene["objects"].([]any)
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return Layout{}, fmt.Errorf("object %d is not an object", i)
		}
		kind, _ := m["type"].(string)
		x, okX := number(m["x"])
		z, okZ := number(m["z"])
		if kind == "" || !okX || !okZ {
			return Layout{}, fmt.Errorf("object %d needs type, x and z", i)
		}
		if x < 0 || z < 0 || x >= width || z >= depth || (x == 0 && z == 0) {
			return Layout{}, fmt.Errorf("object %d (%s) is outside the free floor", i, kind)
		}
		pickupable, _ := m["pickupable"].(bool)
		toggleable, _ := m["toggleable"].(bool)
		layout.Objects = append(layout.Objects, Object{Kind: kind, X: x, Z: z, Pickupable: pickupable, Toggleable: toggleable})
	}
	return layout, nil
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
