// Package reminders polls the calendar and sends one reminder per upcoming
// appointment.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/calendar"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/metrics"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

// ErrTickInProgress is returned by RunOnce while another pass is running.
var ErrTickInProgress = errors.New("reminder pass already running")

type Notifier interface {
	Notify(ctx context.Context, appt model.Appointment) error
}

type Marker interface {
	MarkReminderSent(ctx context.Context, id string) (model.Appointment, error)
}

// Lease keeps replicas from running the same pass. See locks.RedisLocker.
type Lease interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type WorkerConfig struct {
	Interval    time.Duration
	LeadTime    time.Duration
	TickTimeout time.Duration
	LeaseKey    string
}

type Result struct {
	Candidates int  `json:"candidates"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Skipped    int  `json:"skipped"`
	LeaseHeld  bool `json:"lease_held,omitempty"`
}

type Worker struct {
	gw       calendar.Gateway
	marker   Marker
	notifier Notifier
	lease    Lease
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      WorkerConfig
	now      func() time.Time
	running  atomic.Bool
}

func NewWorker(gw calendar.Gateway, marker Marker, notifier Notifier, lease Lease, logger *slog.Logger, m *metrics.Metrics, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = 3 * time.Hour
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 2 * time.Minute
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = "reminders"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		gw:       gw,
		marker:   marker,
		notifier: notifier,
		lease:    lease,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// TickTimeout bounds a single pass, including one still running at shutdown.
func (w *Worker) TickTimeout() time.Duration { return w.cfg.TickTimeout }

// Run performs a pass at start and then every interval until ctx is done. A
// pass in flight at shutdown runs to completion, bounded by TickTimeout.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.TickTimeout)
	defer cancel()
	res, err := w.RunOnce(tickCtx)
	switch {
	case errors.Is(err, ErrTickInProgress):
		w.logger.Info("reminder pass skipped, previous pass still running")
	case err != nil:
		w.logger.Error("reminder pass failed", "err", err)
	case res.Candidates > 0:
		w.logger.Info("reminder pass finished", "candidates", res.Candidates, "sent", res.Sent,
			"failed", res.Failed, "skipped", res.Skipped)
	}
}

// RunOnce sends reminders for appointments starting within the lead time
// that have not had one. Each appointment is re-read right before sending
// and marked after a successful send; a failed send is retried next pass.
func (w *Worker) RunOnce(ctx context.Context) (res Result, err error) {
	if !w.running.CompareAndSwap(false, true) {
		return Result{}, ErrTickInProgress
	}
	defer w.running.Store(false)

	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		w.metrics.ObserveReminderTick(outcome, time.Since(started))
	}()

	if w.lease != nil {
		release, ok, err := w.lease.TryLock(ctx, w.cfg.LeaseKey, w.cfg.TickTimeout)
		if err != nil {
			return Result{}, fmt.Errorf("reminder lease: %w", err)
		}
		if !ok {
			return Result{LeaseHeld: true}, nil
		}
		defer release()
	}

	now := w.now()
	upcoming, err := w.gw.ListEvents(ctx, now, now.Add(w.cfg.LeadTime))
	if err != nil {
		return Result{}, fmt.Errorf("list upcoming: %w", err)
	}

	for _, appt := range upcoming {
		if !due(appt, now) {
			continue
		}
		res.Candidates++
		if ctx.Err() != nil {
			res.Failed++
			continue
		}

		fresh, err := w.gw.GetEvent(ctx, appt.ID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				res.Skipped++
				continue
			}
			w.logger.Warn("reminder re-read failed", "appointment_id", appt.ID, "err", err)
			res.Failed++
			continue
		}
		if !due(fresh, now) {
			res.Skipped++
			w.metrics.ObserveReminder("skipped")
			continue
		}

		if err := w.notifier.Notify(ctx, fresh); err != nil {
			w.logger.Warn("reminder send failed", "appointment_id", fresh.ID, "err", err)
			w.metrics.ObserveReminder("failed")
			res.Failed++
			continue
		}
		if _, err := w.marker.MarkReminderSent(ctx, fresh.ID); err != nil {
			// The patient got the reminder; the next pass may send it again.
			w.logger.Error("reminder sent but not recorded", "appointment_id", fresh.ID, "err", err)
			w.metrics.ObserveReminder("unrecorded")
			res.Failed++
			continue
		}
		w.metrics.ObserveReminder("sent")
		res.Sent++
	}
	return res, nil
}

// due ignores events with no phone or email; those are not appointments this
// service booked and no channel could reach them.
func due(a model.Appointment, now time.Time) bool {
	if a.Phone == "" && a.Email == "" {
		return false
	}
	return !a.Status.Terminal() && !a.ReminderSent && a.StartTime.After(now)
}
