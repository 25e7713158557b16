package session

import (
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simbridge/domain"
)

type stubEnv struct {
	mu        sync.Mutex
	rewards   []float64
	steps     int
	resets    int
	stepErr   error
	renderNil bool
	resetInfo domain.Info
	lastOpts  domain.ResetOptions
	loaded    string
	loadErr   error
}

func (e *stubEnv) Reset(opts domain.ResetOptions) (image.Image, domain.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	e.lastOpts = opts
	return image.NewRGBA(image.Rect(0, 0, 8, 6)), e.resetInfo, nil
}

func (e *stubEnv) Step(action domain.Action) (domain.StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stepErr != nil {
		return domain.StepResult{}, e.stepErr
	}
	reward := 0.0
	if e.steps < len(e.rewards) {
		reward = e.rewards[e.steps]
	}
	e.steps++
	return domain.StepResult{
		Observation: image.NewRGBA(image.Rect(0, 0, 8, 6)),
		Reward:      reward,
		Info: domain.Info{
			LastActionSuccess: domain.Ptr(action != domain.DropHandObject),
			AgentPosition:     &domain.Vec3{X: float64(e.steps)},
			AgentRotation:     domain.Ptr(90.0),
		},
	}, nil
}

func (e *stubEnv) Render() (image.Image, error) {
	if e.renderNil {
		return nil, nil
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (e *stubEnv) LoadScene(name string) error {
	if e.loadErr != nil {
		return e.loadErr
	}
	e.loaded = name
	return nil
}

func (e *stubEnv) LoadSceneDict(scene, task map[string]any) error {
	if e.loadErr != nil {
		return e.loadErr
	}
	e.loaded = "dict"
	return nil
}

// noSceneEnv hides the SceneLoader methods of the wrapped environment.
type noSceneEnv struct{ domain.Environment }

func TestSession_StepAccumulates(t *testing.T) {
	env := &stubEnv{rewards: []float64{0.1, 0.5, 0.25}}
	s := New(env)

	var total float64
	for i, r := range env.rewards {
		out, err := s.Step(domain.MoveAhead)
		require.NoError(t, err)
		total += r
		assert.Equal(t, i+1, out.Metrics.StepCount)
		assert.InDelta(t, total, out.Metrics.EpisodeReward, 1e-9)
		assert.Equal(t, []int{6, 8, 3}, out.ObservationShape)
	}

	m := s.Snapshot()
	require.NotNil(t, m.AgentPosition)
	assert.Equal(t, 3.0, m.AgentPosition.X)
	assert.Equal(t, 90.0, *m.AgentRotation)
}

func TestSession_StepFailureDoesNotMutate(t *testing.T) {
	env := &stubEnv{stepErr: errors.New("physics exploded")}
	s := New(env)

	_, err := s.Step(domain.MoveAhead)
	require.Error(t, err)
	assert.Equal(t, 0, s.Snapshot().StepCount)
}

func TestSession_ResetZeroesAndMerges(t *testing.T) {
	env := &stubEnv{
		rewards:   []float64{1, 1},
		resetInfo: domain.Info{TaskType: domain.Ptr("pickup"), MaxTaskAdvancement: domain.Ptr(3.0)},
	}
	s := New(env)
	_, _ = s.Step(domain.MoveAhead)
	_, _ = s.Step(domain.DropHandObject)
	assert.False(t, s.Snapshot().LastActionSuccess)

	res, err := s.Reset(domain.ResetOptions{SceneRandomization: &domain.SceneRandomization{RandomAgentSpawn: true}})
	require.NoError(t, err)

	assert.Equal(t, 0, res.InitialMetrics.StepCount)
	assert.Equal(t, 0.0, res.InitialMetrics.EpisodeReward)
	assert.True(t, res.InitialMetrics.LastActionSuccess)
	assert.Nil(t, res.InitialMetrics.AgentPosition)
	assert.Equal(t, "pickup", *res.InitialMetrics.TaskType)
	assert.True(t, env.lastOpts.SceneRandomization.RandomAgentSpawn)
}

func TestSession_SnapshotIsACopy(t *testing.T) {
	s := New(&stubEnv{})
	_, _ = s.Step(domain.MoveAhead)

	snap := s.Snapshot()
	snap.AgentPosition.X = 999
	snap.StepCount = 42

	fresh := s.Snapshot()
	assert.Equal(t, 1.0, fresh.AgentPosition.X)
	assert.Equal(t, 1, fresh.StepCount)
}

func TestSession_FrameFallsBackToLastObservation(t *testing.T) {
	env := &stubEnv{renderNil: true}
	s := New(env)

	_, _, err := s.Frame()
	assert.ErrorIs(t, err, ErrNoFrame)

	_, err = s.Reset(domain.ResetOptions{})
	require.NoError(t, err)

	img, _, err := s.Frame()
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestSession_LoadScene(t *testing.T) {
	env := &stubEnv{}
	s := New(env)
	_, _ = s.Step(domain.MoveAhead)

	require.NoError(t, s.LoadScene("FloorPlan1"))
	assert.Equal(t, "FloorPlan1", env.loaded)
	assert.Equal(t, 0, s.Snapshot().StepCount)

	env.loadErr = errors.New("bad house")
	_, _ = s.Step(domain.MoveAhead)
	assert.Error(t, s.LoadSceneDict(map[string]any{"rooms": 1}, nil))
	assert.Equal(t, 1, s.Snapshot().StepCount)
}

func TestSession_LoadSceneUnsupported(t *testing.T) {
	s := New(noSceneEnv{&stubEnv{}})
	assert.ErrorIs(t, s.LoadScene("x"), ErrSceneUnsupported)
}
