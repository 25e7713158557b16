// Package broadcast runs the paced frame loop that pushes the current view
// and metrics to every live connection.
package broadcast

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"simbridge/control"
	"simbridge/domain"
	"simbridge/frame"
)

const (
	MinWidth  = 640
	MinHeight = 360
	MaxWidth  = 3840
	MaxHeight = 2160
)

type Source interface {
	Frame() (image.Image, domain.Metrics, error)
}

type Sink interface {
	Count() int
	Broadcast(data []byte) int
}

type Config struct {
	FPS     int
	Width   int
	Height  int
	Quality int
}

type Broadcaster struct {
	source   Source
	sink     Sink
	control  domain.ControlSource
	interval time.Duration
	quality  int

	mu      sync.Mutex
	width   int
	height  int
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(source Source, sink Sink, ctrl domain.ControlSource, cfg Config) *Broadcaster {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 60
	}
	return &Broadcaster{
		source:   source,
		sink:     sink,
		control:  ctrl,
		interval: time.Second / time.Duration(fps),
		quality:  cfg.Quality,
		width:    min(MaxWidth, cfg.Width),
		height:   min(MaxHeight, cfg.Height),
	}
}

// Start launches the loop. It returns false, doing nothing, when the loop is
// already running.
func (b *Broadcaster) Start() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return false
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.loop(b.stop, b.done)

	slog.Info("streaming started", "interval", b.interval)
	return true
}

// Stop halts the loop and waits for it to exit. It returns false when the
// loop was not running.
func (b *Broadcaster) Stop() bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}
	b.running = false
	close(b.stop)
	done := b.done
	b.mu.Unlock()

	<-done
	slog.Info("streaming stopped")
	return true
}

func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// SetResolution clamps the requested output size to [Min, Max] and returns
// the values that took effect.
func (b *Broadcaster) SetResolution(width, height int) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.width = min(MaxWidth, max(MinWidth, width))
	b.height = min(MaxHeight, max(MinHeight, height))
	return b.width, b.height
}

func (b *Broadcaster) Resolution() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.width, b.height
}

func (b *Broadcaster) loop(stop, done chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if b.sink.Count() == 0 {
				continue
			}
			if err := b.safeTick(); err != nil {
				slog.Debug("frame skipped", "error", err)
			}
		}
	}
}

func (b *Broadcaster) safeTick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	_, err = b.Tick()
	return err
}

// Tick renders, encodes and broadcasts one frame, returning how many
// connections received it.
func (b *Broadcaster) Tick() (int, error) {
	img, metrics, err := b.source.Frame()
	if err != nil {
		return 0, err
	}
	metrics.ControlMode = control.ModeFor(b.control.AgentAlive())

	width, height := b.Resolution()
	encoded, err := frame.Encode(img, width, height, b.quality)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(domain.Outbound{
		Type:       domain.TypeFrame,
		JPEGBase64: base64.StdEncoding.EncodeToString(encoded),
		Metrics:    &metrics,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal frame: %w", err)
	}
	return b.sink.Broadcast(data), nil
}
