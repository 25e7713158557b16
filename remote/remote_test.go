package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simbridge/domain"
	"simbridge/frame"
)

const (
	testHeight = 36
	testWidth  = 64
)

// handleFunc serves one post-handshake message. Returning false drops the
// connection.
type handleFunc func(ws *websocket.Conn, msg domain.Inbound) bool

type fakeServer struct {
	*httptest.Server
	conns atomic.Int32
}

func newFakeServer(t *testing.T, handle handleFunc) *fakeServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fs.conns.Add(1)

		for {
			var msg domain.Inbound
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case domain.TypeIdentify:
				ws.WriteJSON(domain.Outbound{Type: domain.TypeIdentified, Role: domain.RoleAgent})
			case domain.TypeStartStreaming:
				ws.WriteJSON(domain.Outbound{Type: domain.TypeStreamingStarted})
			default:
				if !handle(ws, msg) {
					return
				}
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func writeFrame(t *testing.T, ws *websocket.Conn, c color.Color, w, h int) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	data, err := frame.Encode(img, w, h, 95)
	if !assert.NoError(t, err) {
		return
	}
	m := domain.NewMetrics()
	ws.WriteJSON(domain.Outbound{
		Type:       domain.TypeFrame,
		JPEGBase64: base64.StdEncoding.EncodeToString(data),
		Metrics:    &m,
	})
}

func writeData(ws *websocket.Conn, typ string, v any) {
	data, _ := json.Marshal(v)
	ws.WriteJSON(domain.Outbound{Type: typ, Data: data})
}

func startEnv(t *testing.T, url string, opts ...Option) *Env {
	t.Helper()
	opts = append([]Option{WithSize(testHeight, testWidth), WithRetry(3, 10*time.Millisecond)}, opts...)
	env := New(url, opts...)
	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { env.Close() })
	return env
}

func stepResult(steps int, reward float64, done bool) domain.ActionResult {
	m := domain.NewMetrics()
	m.StepCount = steps
	m.EpisodeReward = reward
	return domain.ActionResult{Reward: reward, Done: done, Metrics: m, ObservationShape: []int{testHeight, testWidth, 3}}
}

func TestEnv_FrameBeforeResult(t *testing.T) {
	received := make(chan int, 1)
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		received <- *msg.Action
		writeFrame(t, ws, color.RGBA{R: 255, A: 255}, testWidth, testHeight)
		writeData(ws, domain.TypeActionResult, stepResult(1, 0.5, false))
		return true
	})
	env := startEnv(t, srv.wsURL())

	tr, err := env.Step(domain.RotateRight)
	require.NoError(t, err)

	assert.Equal(t, int(domain.RotateRight), <-received)
	assert.Equal(t, 0.5, tr.Reward)
	assert.False(t, tr.Terminated)
	assert.False(t, tr.Truncated)
	assert.Equal(t, 1, tr.Info.StepCount)
	assert.Empty(t, tr.Info.Error)
	assert.Equal(t, []int{3, testHeight, testWidth}, tr.Observation.Shape())
	assert.Greater(t, tr.Observation.At(0, testHeight/2, testWidth/2), uint8(200))
	assert.Less(t, tr.Observation.At(2, testHeight/2, testWidth/2), uint8(50))
}

func TestEnv_ResultBeforeFrameResizes(t *testing.T) {
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		writeData(ws, domain.TypeActionResult, stepResult(1, 1, true))
		writeFrame(t, ws, color.RGBA{G: 255, A: 255}, 32, 18)
		return true
	})
	env := startEnv(t, srv.wsURL())

	tr, err := env.Step(domain.MoveAhead)
	require.NoError(t, err)

	assert.True(t, tr.Terminated)
	assert.True(t, tr.Truncated)
	assert.Equal(t, []int{3, testHeight, testWidth}, tr.Observation.Shape())
	assert.Greater(t, tr.Observation.At(1, 0, 0), uint8(200))
}

func TestEnv_Reset(t *testing.T) {
	received := make(chan domain.Inbound, 1)
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		received <- msg
		m := domain.NewMetrics()
		m.TaskType = domain.Ptr("pickup")
		writeData(ws, domain.TypeResetResult, domain.ResetResult{InitialMetrics: m})
		writeFrame(t, ws, color.White, testWidth, testHeight)
		return true
	})
	env := startEnv(t, srv.wsURL())

	obs, info, err := env.Reset(ResetOptions{Randomize: true})
	require.NoError(t, err)

	msg := <-received
	assert.Equal(t, domain.TypeReset, msg.Type)
	require.NotNil(t, msg.Randomize)
	assert.True(t, *msg.Randomize)
	assert.Equal(t, []int{3, testHeight, testWidth}, obs.Shape())
	require.NotNil(t, info.TaskType)
	assert.Equal(t, "pickup", *info.TaskType)
}

func TestEnv_ResetFailure(t *testing.T) {
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		ws.WriteJSON(domain.Outbound{Type: domain.TypeError, Message: "reset: host crashed"})
		return true
	})
	env := startEnv(t, srv.wsURL())

	_, info, err := env.Reset(ResetOptions{})
	require.Error(t, err)
	assert.Contains(t, info.Error, "host crashed")
}

func TestEnv_SkippedIsZeroRewardNonTerminal(t *testing.T) {
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		res := stepResult(7, 3, true)
		res.Skipped = true
		res.Reason = domain.ReasonUserControl
		writeData(ws, domain.TypeActionResult, res)
		writeFrame(t, ws, color.Black, testWidth, testHeight)
		return true
	})
	env := startEnv(t, srv.wsURL())

	tr, err := env.Step(domain.LookUp)
	require.NoError(t, err)

	assert.True(t, tr.Info.Skipped)
	assert.Equal(t, domain.ReasonUserControl, tr.Info.Reason)
	assert.Zero(t, tr.Reward)
	assert.False(t, tr.Terminated)
	assert.False(t, tr.Truncated)
	assert.Equal(t, 7, tr.Info.StepCount)
}

func TestEnv_ServerErrorsResolveAsTerminal(t *testing.T) {
	tests := []struct {
		name  string
		reply func(ws *websocket.Conn)
		want  string
	}{
		{
			name: "result error",
			reply: func(ws *websocket.Conn) {
				writeData(ws, domain.TypeActionResult, domain.ActionResult{Error: "invalid action index: 12"})
			},
			want: "invalid action index: 12",
		},
		{
			name: "error message",
			reply: func(ws *websocket.Conn) {
				ws.WriteJSON(domain.Outbound{Type: domain.TypeError, Message: "step failed"})
			},
			want: "step failed",
		},
		{
			name: "undecodable frame",
			reply: func(ws *websocket.Conn) {
				writeData(ws, domain.TypeActionResult, stepResult(1, 0, false))
				ws.WriteJSON(domain.Outbound{Type: domain.TypeFrame, JPEGBase64: base64.StdEncoding.EncodeToString([]byte("nope"))})
			},
			want: "decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
				tt.reply(ws)
				return true
			})
			env := startEnv(t, srv.wsURL())

			tr, err := env.Step(domain.Action(12))
			require.NoError(t, err)
			assert.True(t, tr.Terminated)
			assert.True(t, tr.Truncated)
			assert.Contains(t, tr.Info.Error, tt.want)
			assert.Equal(t, []int{3, testHeight, testWidth}, tr.Observation.Shape())
		})
	}
}

func TestEnv_MaxStepsTruncates(t *testing.T) {
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		if msg.Type == domain.TypeReset {
			writeData(ws, domain.TypeResetResult, domain.ResetResult{InitialMetrics: domain.NewMetrics()})
		} else {
			writeData(ws, domain.TypeActionResult, stepResult(1, 0, false))
		}
		writeFrame(t, ws, color.Black, testWidth, testHeight)
		return true
	})
	env := startEnv(t, srv.wsURL(), WithMaxSteps(2))

	tr, err := env.Step(domain.MoveAhead)
	require.NoError(t, err)
	assert.False(t, tr.Truncated)

	tr, err = env.Step(domain.MoveAhead)
	require.NoError(t, err)
	assert.True(t, tr.Truncated)
	assert.False(t, tr.Terminated)

	_, _, err = env.Reset(ResetOptions{})
	require.NoError(t, err)
	tr, err = env.Step(domain.MoveAhead)
	require.NoError(t, err)
	assert.False(t, tr.Truncated, "reset restarts the local counter")
}

func TestEnv_RetriesThenConnects(t *testing.T) {
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		writeData(ws, domain.TypeActionResult, stepResult(1, 0.25, false))
		writeFrame(t, ws, color.Black, testWidth, testHeight)
		return true
	})

	var attempts atomic.Int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return dialWebsocket(ctx, url)
	}
	env := startEnv(t, srv.wsURL(), WithDialer(dial))

	assert.Equal(t, int32(3), attempts.Load())

	tr, err := env.Step(domain.MoveAhead)
	require.NoError(t, err)
	assert.Equal(t, 0.25, tr.Reward)
}

func TestEnv_RetryBudgetExhausted(t *testing.T) {
	var attempts atomic.Int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}
	env := New("ws://unused", WithRetry(3, time.Millisecond), WithDialer(dial))

	err := env.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), attempts.Load())

	_, err = env.Step(domain.MoveAhead)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEnv_HandshakeRejectedIsFatal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		conns.Add(1)
		var msg domain.Inbound
		ws.ReadJSON(&msg)
		ws.WriteJSON(domain.Outbound{Type: domain.TypeError, Message: "unknown role"})
		ws.ReadJSON(&msg)
	}))
	defer srv.Close()

	env := New("ws"+strings.TrimPrefix(srv.URL, "http"), WithRetry(5, time.Millisecond))
	err := env.Start(context.Background())

	assert.ErrorIs(t, err, ErrHandshake)
	assert.Equal(t, int32(1), conns.Load())
}

func TestEnv_HandshakeSkipsFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var msg domain.Inbound
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			writeFrame(t, ws, color.Black, testWidth, testHeight)
			switch msg.Type {
			case domain.TypeIdentify:
				ws.WriteJSON(domain.Outbound{Type: domain.TypeIdentified, Role: domain.RoleAgent})
			case domain.TypeStartStreaming:
				ws.WriteJSON(domain.Outbound{Type: domain.TypeStreamingStarted})
			}
		}
	}))
	defer srv.Close()

	env := New("ws"+strings.TrimPrefix(srv.URL, "http"), WithRetry(1, time.Millisecond))
	require.NoError(t, env.Start(context.Background()))
	assert.NoError(t, env.Close())
}

func TestEnv_ConnectionLossMidCall(t *testing.T) {
	var calls atomic.Int32
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		if calls.Add(1) == 1 {
			return false
		}
		writeData(ws, domain.TypeActionResult, stepResult(1, 1, false))
		writeFrame(t, ws, color.Black, testWidth, testHeight)
		return true
	})
	env := startEnv(t, srv.wsURL())

	tr, err := env.Step(domain.MoveAhead)
	require.NoError(t, err)
	assert.True(t, tr.Terminated)
	assert.NotEmpty(t, tr.Info.Error)

	tr, err = env.Step(domain.MoveAhead)
	require.NoError(t, err)
	assert.Empty(t, tr.Info.Error)
	assert.Equal(t, 1.0, tr.Reward)
	assert.Equal(t, int32(2), srv.conns.Load())
}

func TestEnv_DrainsBetweenCalls(t *testing.T) {
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		writeData(ws, domain.TypeActionResult, stepResult(1, 0, false))
		for i := 0; i < 20; i++ {
			writeFrame(t, ws, color.Black, testWidth, testHeight)
		}
		return true
	})
	env := startEnv(t, srv.wsURL())

	for i := 0; i < 3; i++ {
		tr, err := env.Step(domain.MoveAhead)
		require.NoError(t, err)
		assert.Empty(t, tr.Info.Error)
	}
}

func TestEnv_CloseEndsCalls(t *testing.T) {
	srv := newFakeServer(t, func(ws *websocket.Conn, msg domain.Inbound) bool {
		return true
	})
	env := startEnv(t, srv.wsURL())

	require.NoError(t, env.Close())

	_, err := env.Step(domain.MoveAhead)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, env.Close())
}

func TestEnv_NotStarted(t *testing.T) {
	env := New("ws://unused")
	_, err := env.Step(domain.MoveAhead)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, env.Close())
}
