package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"simbridge/domain"
	"simbridge/frame"
)

// request is one pending call. A nil reset means a step.
type request struct {
	reset  *ResetOptions
	action domain.Action
	reply  chan Transition
}

func (r request) wire() domain.Inbound {
	if r.reset == nil {
		action := int(r.action)
		return domain.Inbound{Type: domain.TypeAction, Action: &action}
	}
	msg := domain.Inbound{Type: domain.TypeReset, SceneRandomization: r.reset.SceneRandomization}
	if r.reset.Randomize {
		msg.Randomize = domain.Ptr(true)
	}
	return msg
}

func (r request) want() string {
	if r.reset == nil {
		return domain.TypeActionResult
	}
	return domain.TypeResetResult
}

// link is one live connection with a reader goroutine feeding inbound.
type link struct {
	conn    Conn
	inbound chan domain.Outbound
	failed  chan struct{}
	quit    chan struct{}
	err     error
}

func newLink(conn Conn) *link {
	l := &link{
		conn:    conn,
		inbound: make(chan domain.Outbound),
		failed:  make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *link) readLoop() {
	defer close(l.failed)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.err = err
			return
		}
		var msg domain.Outbound
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("skipping malformed message", "error", err)
			continue
		}
		select {
		case l.inbound <- msg:
		case <-l.quit:
			return
		}
	}
}

func (l *link) send(msg domain.Inbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// next returns the next inbound message, or an error once the connection is
// gone or ctx is done.
func (l *link) next(ctx context.Context) (domain.Outbound, error) {
	select {
	case msg := <-l.inbound:
		return msg, nil
	case <-l.failed:
		return domain.Outbound{}, fmt.Errorf("connection lost: %w", l.err)
	case <-ctx.Done():
		return domain.Outbound{}, ctx.Err()
	}
}

func (l *link) close() {
	close(l.quit)
	l.conn.Close()
	<-l.failed
}

func (e *Env) run(ctx context.Context, ready chan<- error) {
	defer close(e.done)

	l, err := e.connect(ctx)
	if err != nil {
		e.fatal = err
		ready <- err
		return
	}
	ready <- nil
	defer func() {
		if l != nil {
			l.close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.inbound:
			// unsolicited traffic between calls
		case <-l.failed:
			slog.Warn("bridge connection lost while idle", "error", l.err)
			if l, err = e.reconnect(ctx, l); err != nil {
				e.fatal = err
				return
			}
		case req := <-e.requests:
			tr, err := e.serve(ctx, l, req)
			if err == nil {
				req.reply <- tr
				continue
			}
			req.reply <- e.failed(err.Error())
			if ctx.Err() != nil {
				return
			}
			slog.Warn("bridge call failed, reconnecting", "error", err)
			if l, err = e.reconnect(ctx, l); err != nil {
				e.fatal = err
				return
			}
		}
	}
}

func (e *Env) reconnect(ctx context.Context, old *link) (*link, error) {
	old.close()
	return e.connect(ctx)
}

// connect dials with a bounded number of attempts and completes the
// handshake. A rejected handshake is not retried.
func (e *Env) connect(ctx context.Context) (*link, error) {
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		conn, err := e.dial(ctx, e.url)
		if err == nil {
			l := newLink(conn)
			if err = handshake(ctx, l); err == nil {
				slog.Info("bridge connected", "url", e.url, "attempt", attempt)
				return l, nil
			}
			l.close()
			if ctx.Err() == nil && errors.Is(err, ErrHandshake) {
				return nil, err
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == e.attempts {
			break
		}

		slog.Warn("bridge connect failed", "attempt", attempt, "of", e.attempts, "delay", e.delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.delay):
		}
	}
	return nil, fmt.Errorf("could not connect to %s after %d attempts: %w", e.url, e.attempts, lastErr)
}

func handshake(ctx context.Context, l *link) error {
	if err := expect(ctx, l, domain.Inbound{Type: domain.TypeIdentify, Role: string(domain.RoleAgent)}, domain.TypeIdentified); err != nil {
		return err
	}
	return expect(ctx, l, domain.Inbound{Type: domain.TypeStartStreaming}, domain.TypeStreamingStarted)
}

// expect sends msg and waits for want. Frames that race ahead of the
// acknowledgement are skipped; anything else rejects the handshake.
func expect(ctx context.Context, l *link, msg domain.Inbound, want string) error {
	if err := l.send(msg); err != nil {
		return err
	}
	for {
		reply, err := l.next(ctx)
		if err != nil {
			return err
		}
		switch reply.Type {
		case want:
			return nil
		case domain.TypeFrame:
			continue
		default:
			return fmt.Errorf("%w: %s answered with %s %s", ErrHandshake, msg.Type, reply.Type, reply.Message)
		}
	}
}

// serve performs one call. The returned error is connection-level; failures
// reported by the server come back as a transition with Info.Error set.
func (e *Env) serve(ctx context.Context, l *link, req request) (Transition, error) {
	if err := l.send(req.wire()); err != nil {
		return Transition{}, err
	}

	var (
		ar      domain.ActionResult
		rr      domain.ResetResult
		gotData bool
		latest  *domain.Outbound
	)
	for !gotData || latest == nil {
		msg, err := l.next(ctx)
		if err != nil {
			return Transition{}, err
		}
		switch msg.Type {
		case domain.TypeFrame:
			latest = &msg
		case domain.TypeError:
			return e.failed(msg.Message), nil
		case req.want():
			gotData = true
			if req.reset != nil {
				err = json.Unmarshal(msg.Data, &rr)
			} else {
				err = json.Unmarshal(msg.Data, &ar)
			}
			if err != nil {
				return e.failed(fmt.Sprintf("decode %s: %v", msg.Type, err)), nil
			}
			if ar.Error != "" {
				return e.failed(ar.Error), nil
			}
		}
	}

	obs, err := e.decodeFrame(latest)
	if err != nil {
		return e.failed(err.Error()), nil
	}

	if req.reset != nil {
		return Transition{Observation: obs, Info: Info{Metrics: rr.InitialMetrics}}, nil
	}
	tr := Transition{
		Observation: obs,
		Info:        Info{Metrics: ar.Metrics, Skipped: ar.Skipped, Reason: ar.Reason},
	}
	if !ar.Skipped {
		tr.Reward = ar.Reward
		tr.Terminated, tr.Truncated = ar.Done, ar.Done
	}
	return tr, nil
}

func (e *Env) decodeFrame(msg *domain.Outbound) (frame.Tensor, error) {
	data, err := base64.StdEncoding.DecodeString(msg.JPEGBase64)
	if err != nil {
		return frame.Tensor{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame.Decode(data, e.height, e.width)
}

// failed is the terminal transition that resolves a call that could not
// complete.
func (e *Env) failed(reason string) Transition {
	return Transition{
		Observation: frame.Zeros(3, e.height, e.width),
		Terminated:  true,
		Truncated:   true,
		Info:        Info{Error: reason},
	}
}
