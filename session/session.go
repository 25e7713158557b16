// Package session owns the environment host and the authoritative metrics
// record. All environment calls go through a Session so that step, reset and
// render never overlap.
package session

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"simbridge/domain"
)

var (
	ErrNoFrame          = errors.New("no frame available")
	ErrSceneUnsupported = errors.New("environment does not support scene loading")
)

type StepOutcome struct {
	ObservationShape []int
	Reward           float64
	Done             bool
	Metrics          domain.Metrics
}

type Session struct {
	mu      sync.Mutex
	env     domain.Environment
	metrics domain.Metrics
	last    image.Image
}

func New(env domain.Environment) *Session {
	return &Session{
		env:     env,
		metrics: domain.NewMetrics(),
	}
}

// Step advances the environment by one action and folds the result into the
// metrics. A failed step leaves the metrics untouched.
func (s *Session) Step(action domain.Action) (StepOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.env.Step(action)
	if err != nil {
		return StepOutcome{}, fmt.Errorf("step %s: %w", action, err)
	}

	s.metrics.EpisodeReward += res.Reward
	s.metrics.StepCount++
	if res.Info.LastActionSuccess == nil {
		s.metrics.LastActionSuccess = true
	}
	s.metrics.Merge(res.Info)
	if res.Observation != nil {
		s.last = res.Observation
	}

	return StepOutcome{
		ObservationShape: shapeOf(res.Observation),
		Reward:           res.Reward,
		Done:             res.Terminated || res.Truncated,
		Metrics:          s.metrics.Clone(),
	}, nil
}

// Reset restarts the episode. Metrics start from zero and take whatever the
// reset info reports.
func (s *Session) Reset(opts domain.ResetOptions) (domain.ResetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs, info, err := s.env.Reset(opts)
	if err != nil {
		return domain.ResetResult{}, fmt.Errorf("reset: %w", err)
	}

	s.metrics = domain.NewMetrics()
	s.metrics.Merge(info)
	if obs != nil {
		s.last = obs
	}

	return domain.ResetResult{
		ObservationShape: shapeOf(obs),
		InitialMetrics:   s.metrics.Clone(),
	}, nil
}

func (s *Session) LoadScene(name string) error {
	return s.loadScene(func(l domain.SceneLoader) error {
		return l.LoadScene(name)
	})
}

func (s *Session) LoadSceneDict(scene, task map[string]any) error {
	return s.loadScene(func(l domain.SceneLoader) error {
		return l.LoadSceneDict(scene, task)
	})
}

func (s *Session) loadScene(load func(domain.SceneLoader) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loader, ok := s.env.(domain.SceneLoader)
	if !ok {
		return ErrSceneUnsupported
	}
	if err := load(loader); err != nil {
		return err
	}

	s.metrics = domain.NewMetrics()
	s.last = nil
	obs, info, err := s.env.Reset(domain.ResetOptions{})
	if err != nil {
		return fmt.Errorf("reset after scene load: %w", err)
	}
	s.metrics.Merge(info)
	s.last = obs
	return nil
}

// Snapshot returns a copy of the metrics that shares nothing with the
// session.
func (s *Session) Snapshot() domain.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.Clone()
}

// Frame renders the current view together with a consistent metrics copy.
// When the host renders nothing the last observation is used instead.
func (s *Session) Frame() (image.Image, domain.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.env.Render()
	if err != nil {
		return nil, domain.Metrics{}, fmt.Errorf("render: %w", err)
	}
	if img == nil {
		img = s.last
	}
	if img == nil {
		return nil, domain.Metrics{}, ErrNoFrame
	}
	return img, s.metrics.Clone(), nil
}

func shapeOf(img image.Image) []int {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	return []int{b.Dy(), b.Dx(), 3}
}
