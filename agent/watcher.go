package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"simbridge/checkpoint"
	"simbridge/domain"
)

type Event int

const (
	EventNone Event = iota
	EventSaved
	EventLoaded
)

// Watcher follows the control mode carried on frames. Handing control to the
// operator saves a checkpoint; the next handoff back to the agent loads it
// once.
type Watcher struct {
	store     checkpoint.Store
	now       func() time.Time
	last      domain.ControlMode
	needsLoad bool
	resumed   *checkpoint.Record
}

func NewWatcher(store checkpoint.Store) *Watcher {
	return &Watcher{store: store, now: time.Now}
}

// Observe processes the metrics of one frame. A frame without a control mode
// counts as operator control.
func (w *Watcher) Observe(ctx context.Context, m domain.Metrics) Event {
	mode := m.ControlMode
	if mode == "" {
		mode = domain.ModeOperator
	}
	prev := w.last
	w.last = mode

	if mode == domain.ModeOperator {
		if prev != domain.ModeAgent {
			return EventNone
		}
		w.needsLoad = true
		rec := checkpoint.Record{Metrics: m.Clone(), StepCount: m.StepCount, SavedAt: w.now()}
		if err := w.store.Save(ctx, rec); err != nil {
			slog.Error("save checkpoint", "error", err)
			return EventNone
		}
		slog.Info("operator took control, checkpoint saved", "step", m.StepCount)
		return EventSaved
	}

	if prev != domain.ModeOperator || !w.needsLoad {
		return EventNone
	}
	w.needsLoad = false
	rec, err := w.store.Load(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		slog.Info("no checkpoint to resume from")
		return EventNone
	}
	if err != nil {
		slog.Warn("load checkpoint", "error", err)
		return EventNone
	}
	w.resumed = &rec
	slog.Info("resumed from checkpoint", "step", rec.StepCount, "savedAt", rec.SavedAt)
	return EventLoaded
}

// Mode is the control mode of the last observed frame.
func (w *Watcher) Mode() domain.ControlMode {
	return w.last
}

// Resumed returns the most recently loaded checkpoint, if any.
func (w *Watcher) Resumed() (checkpoint.Record, bool) {
	if w.resumed == nil {
		return checkpoint.Record{}, false
	}
	return *w.resumed, true
}
