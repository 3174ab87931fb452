// Package notification delivers operational alerts (circuit breaker trips,
// feed loss, indicator reloads) to external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an alert.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one notification.
type Alert struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Service string    `json:"service,omitempty"`
	TS      time.Time `json:"ts"`
}

// Notifier delivers alerts to one backend.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelCritical:
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "alert", "id", a.ID, "title", a.Title, "message", a.Message)
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher queues alerts and delivers them from its own goroutine so the
// caller never waits on a slow backend. Alerts beyond the queue are dropped.
type Dispatcher struct {
	n       Notifier
	service string
	queue   chan Alert
	timeout time.Duration
}

// NewDispatcher creates a Dispatcher over n. Call Run to start delivery.
func NewDispatcher(n Notifier, service string, size int) *Dispatcher {
	return &Dispatcher{n: n, service: service, queue: make(chan Alert, size), timeout: 10 * time.Second}
}

// Notify queues an alert. It reports false when the queue is full.
func (d *Dispatcher) Notify(level Level, title, message string) bool {
	a := Alert{ID: uuid.NewString(), Level: level, Title: title, Message: message, Service: d.service, TS: time.Now().UTC()}
	select {
	case d.queue <- a:
		return true
	default:
		slog.Warn("alert queue full, dropping alert", "title", title)
		return false
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			sctx, cancel := context.WithTimeout(ctx, d.timeout)
			if err := d.n.Send(sctx, a); err != nil {
				slog.Warn("alert delivery failed", "title", a.Title, "error", err)
			}
			cancel()
		}
	}
}
