// Package agent is the autonomous decision loop. It watches the frame stream,
// acts while it holds control, and checkpoints its progress across handoffs.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"simbridge/domain"
)

type Policy interface {
	Act(m domain.Metrics) domain.Action
}

// RandomPolicy picks uniformly from the action catalogue.
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

func (p *RandomPolicy) Act(domain.Metrics) domain.Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.Action(p.rng.Intn(domain.NumActions))
}

type Config struct {
	URL            string
	DecisionHz     float64
	MaxSteps       int
	ReconnectDelay time.Duration
}

type Runner struct {
	cfg         Config
	watcher     *Watcher
	policy      Policy
	dialer      *websocket.Dialer
	minInterval time.Duration
	lastAction  time.Time
	resumes     int
}

func NewRunner(cfg Config, w *Watcher, p Policy) *Runner {
	if cfg.DecisionHz <= 0 {
		cfg.DecisionHz = 4
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 500
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	return &Runner{
		cfg:         cfg,
		watcher:     w,
		policy:      p,
		dialer:      websocket.DefaultDialer,
		minInterval: time.Duration(float64(time.Second) / cfg.DecisionHz),
	}
}

// Run keeps a session open until ctx is cancelled, reconnecting after every
// failure.
func (r *Runner) Run(ctx context.Context) error {
	for {
		err := r.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("agent session ended, reconnecting", "error", err, "delay", r.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.ReconnectDelay):
		}
	}
}

func (r *Runner) runSession(ctx context.Context) error {
	ws, _, err := r.dialer.DialContext(ctx, r.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.cfg.URL, err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	slog.Info("agent connected", "url", r.cfg.URL)
	if err := r.request(ws, domain.Inbound{Type: domain.TypeIdentify, Role: string(domain.RoleAgent)}, domain.TypeIdentified); err != nil {
		return err
	}
	if err := r.request(ws, domain.Inbound{Type: domain.TypeStartStreaming}, domain.TypeStreamingStarted); err != nil {
		return err
	}

	for {
		msg, err := read(ws)
		if err != nil {
			return err
		}
		if msg.Type != domain.TypeFrame || msg.Metrics == nil {
			continue
		}
		if out := r.decide(ctx, *msg.Metrics, time.Now()); out != nil {
			if err := ws.WriteJSON(out); err != nil {
				return fmt.Errorf("send %s: %w", out.Type, err)
			}
		}
	}
}

// decide returns the command to send in response to a frame, if any.
func (r *Runner) decide(ctx context.Context, m domain.Metrics, now time.Time) *domain.Inbound {
	if r.watcher.Observe(ctx, m) == EventLoaded {
		r.resume(m)
	}
	if r.watcher.Mode() != domain.ModeAgent {
		return nil
	}

	if !r.lastAction.IsZero() && now.Sub(r.lastAction) < r.minInterval {
		return nil
	}
	r.lastAction = now

	if (m.IsSuccess != nil && *m.IsSuccess) || m.StepCount >= r.cfg.MaxSteps {
		return &domain.Inbound{Type: domain.TypeReset, Randomize: domain.Ptr(true)}
	}
	action := int(r.policy.Act(m))
	return &domain.Inbound{Type: domain.TypeAction, Action: &action}
}

// resume reconciles the loaded checkpoint with the episode the server is on
// now. The operator may have stepped or reset it while in control.
func (r *Runner) resume(m domain.Metrics) {
	rec, ok := r.watcher.Resumed()
	if !ok {
		return
	}
	r.resumes++
	if m.StepCount < rec.StepCount {
		slog.Info("episode reset during operator control", "checkpointStep", rec.StepCount, "step", m.StepCount)
		return
	}
	slog.Info("continuing episode", "checkpointStep", rec.StepCount, "operatorSteps", m.StepCount-rec.StepCount,
		"episodeReward", m.EpisodeReward)
}

// request sends msg and waits for the acknowledgement, skipping frames that
// the broadcaster may interleave.
func (r *Runner) request(ws *websocket.Conn, msg domain.Inbound, want string) error {
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	for {
		reply, err := read(ws)
		if err != nil {
			return err
		}
		switch reply.Type {
		case want:
			return nil
		case domain.TypeFrame:
			continue
		case domain.TypeError:
			return fmt.Errorf("%s rejected: %s", msg.Type, reply.Message)
		default:
			return fmt.Errorf("unexpected reply to %s: %s", msg.Type, reply.Type)
		}
	}
}

func read(ws *websocket.Conn) (domain.Outbound, error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return domain.Outbound{}, fmt.Errorf("read: %w", err)
		}
		var msg domain.Outbound
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("skipping malformed message", "error", err)
			continue
		}
		return msg, nil
	}
}
