// Package remote exposes the streaming server as an ordinary blocking
// reset/step environment for training loops. A background bridge owns the
// websocket and completes each call once its result and a frame have both
// arrived.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"simbridge/domain"
	"simbridge/frame"
)

var (
	ErrClosed     = errors.New("remote environment closed")
	ErrNotStarted = errors.New("remote environment not started")
	ErrHandshake  = errors.New("handshake rejected")
)

// Conn is the part of a websocket connection the bridge needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

type Option func(*Env)

// WithSize sets the observation shape frames are resized to.
func WithSize(height, width int) Option {
	return func(e *Env) { e.height, e.width = height, width }
}

// WithMaxSteps sets the local episode cap after which steps are truncated.
func WithMaxSteps(n int) Option {
	return func(e *Env) { e.maxSteps = n }
}

// WithRetry sets the connection attempt budget and the fixed delay between
// attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(e *Env) { e.attempts, e.delay = attempts, delay }
}

func WithDialer(dial DialFunc) Option {
	return func(e *Env) { e.dial = dial }
}

type ResetOptions struct {
	Randomize          bool
	SceneRandomization *domain.SceneRandomization
}

// Info mirrors the server metrics for one call. Error is set when the call
// could not be completed.
type Info struct {
	domain.Metrics
	Skipped bool
	Reason  string
	Error   string
}

type Transition struct {
	Observation frame.Tensor
	Reward      float64
	Terminated  bool
	Truncated   bool
	Info        Info
}

type Env struct {
	url      string
	height   int
	width    int
	maxSteps int
	attempts int
	delay    time.Duration
	dial     DialFunc

	requests chan request
	done     chan struct{}
	cancel   context.CancelFunc
	started  atomic.Bool
	fatal    error

	mu    sync.Mutex
	steps int
}

func New(url string, opts ...Option) *Env {
	e := &Env{
		url:      url,
		height:   720,
		width:    1280,
		maxSteps: 500,
		attempts: 30,
		delay:    3 * time.Second,
		dial:     dialWebsocket,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the bridge and blocks until startup has either completed or
// failed. The bridge lives until Close is called or ctx is cancelled.
func (e *Env) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("remote environment already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)

	ready := make(chan error, 1)
	go e.run(ctx, ready)

	if err := <-ready; err != nil {
		<-e.done
		return err
	}
	return nil
}

// Reset starts a new episode and returns the first observation.
func (e *Env) Reset(opts ResetOptions) (frame.Tensor, Info, error) {
	e.mu.Lock()
	e.steps = 0
	e.mu.Unlock()

	tr, err := e.call(request{reset: &opts})
	if err != nil {
		return frame.Tensor{}, Info{}, err
	}
	if tr.Info.Error != "" {
		return frame.Tensor{}, tr.Info, fmt.Errorf("reset failed: %s", tr.Info.Error)
	}
	return tr.Observation, tr.Info, nil
}

// Step sends one action. Failures inside the call come back as a terminal
// transition with Info.Error set; only a dead bridge returns an error.
func (e *Env) Step(action domain.Action) (Transition, error) {
	e.mu.Lock()
	e.steps++
	steps := e.steps
	e.mu.Unlock()

	tr, err := e.call(request{action: action})
	if err != nil {
		return Transition{}, err
	}
	if steps >= e.maxSteps {
		tr.Truncated = true
	}
	return tr, nil
}

// Close stops the bridge and waits up to five seconds for it to exit.
func (e *Env) Close() error {
	if !e.started.Load() {
		return nil
	}
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("bridge did not stop in time")
	}
}

func (e *Env) call(req request) (Transition, error) {
	if !e.started.Load() {
		return Transition{}, ErrNotStarted
	}
	req.reply = make(chan Transition, 1)

	select {
	case e.requests <- req:
	case <-e.done:
		return Transition{}, e.closedErr()
	}

	select {
	case tr := <-req.reply:
		return tr, nil
	case <-e.done:
		select {
		case tr := <-req.reply:
			return tr, nil
		default:
			return Transition{}, e.closedErr()
		}
	}
}

func (e *Env) closedErr() error {
	if e.fatal != nil {
		return fmt.Errorf("%w: %w", ErrClosed, e.fatal)
	}
	return ErrClosed
}
