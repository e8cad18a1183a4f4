// Package notify delivers best-effort alerts to an operator channel.
//
// Notify never blocks the caller. Alerts are queued on a bounded channel
// and drained by a single worker; when the queue is full the alert is
// dropped and logged.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator-facing notification.
type Alert struct {
	Severity Severity       `json:"severity"`
	Subject  string         `json:"subject"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	Time     time.Time      `json:"time"`
}

// Notifier accepts alerts without blocking.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// Backend delivers a single alert.
type Backend interface {
	Deliver(ctx context.Context, alert Alert) error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) {}

// Dispatcher queues alerts for asynchronous delivery to its backends.
type Dispatcher struct {
	backends []Backend
	queue    chan Alert
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewDispatcher creates a dispatcher with a queue of size capacity.
func NewDispatcher(capacity int, backends ...Backend) *Dispatcher {
	if capacity <= 0 {
		capacity = 64
	}
	return &Dispatcher{
		backends: backends,
		queue:    make(chan Alert, capacity),
		timeout:  10 * time.Second,
		logger:   slog.Default().With("component", "notify"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify enqueues alert or drops it when the queue is full.
func (d *Dispatcher) Notify(ctx context.Context, alert Alert) {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}
	select {
	case d.queue <- alert:
	default:
		d.logger.WarnContext(ctx, "operator alert dropped: queue full",
			"subject", alert.Subject, "severity", alert.Severity)
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	go d.loop(ctx)
}

// Stop drains queued alerts and waits for the worker to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case alert := <-d.queue:
			d.deliver(ctx, alert)
		case <-ctx.Done():
			return
		case <-d.stopCh:
			for {
				select {
				case alert := <-d.queue:
					d.deliver(context.WithoutCancel(ctx), alert)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert Alert) {
	for _, b := range d.backends {
		dctx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := b.Deliver(dctx, alert); err != nil {
			d.logger.ErrorContext(ctx, "operator alert delivery failed",
				"subject", alert.Subject, "error", err)
		}
		cancel()
	}
}
