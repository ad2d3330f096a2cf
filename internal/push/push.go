// Package push delivers out-of-band notifications to devices of offline recipients.
package push

import (
	"context"
	"sync"
	"time"

	"dateper-messaging/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification is a single push addressed to an identity
type Notification struct {
	RecipientID uuid.UUID
	Title       string
	Body        string
	Data        map[string]string
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher decouples producers from push delivery. Enqueue never blocks,
// notifications that do not fit the queue are dropped and counted.
type Dispatcher struct {
	logger  *zap.SugaredLogger
	sender  Sender
	metrics *metrics.Metrics

	workers int
	timeout time.Duration
	queue   chan Notification

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

type Option func(d *Dispatcher)

func Workers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func QueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Notification, n)
		}
	}
}

// SendTimeout bounds a single delivery attempt
func SendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(logger *zap.SugaredLogger, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:  logger,
		sender:  sender,
		workers: 2,
		timeout: 10 * time.Second,
		queue:   make(chan Notification, 256),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work()
		}
		d.logger.Debugf("Push dispatcher started with %d workers", d.workers)
	})
}

// Enqueue schedules n for delivery and reports whether it was accepted
func (d *Dispatcher) Enqueue(n Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	select {
	case <-d.closed:
		return false
	default:
	}

	select {
	case d.queue <- n:
		return true
	default:
		d.logger.Warnf("Push queue is full, dropping notification for user (%s)", n.RecipientID)
		if d.metrics != nil {
			d.metrics.PushFailures.Inc()
		}
		return false
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sender.Send(ctx, n)
		cancel()

		if err != nil {
			d.logger.Warnf("Cannot deliver push notification to user (%s): %v", n.RecipientID, err)
			if d.metrics != nil {
				d.metrics.PushFailures.Inc()
			}
			continue
		}
		if d.metrics != nil {
			d.metrics.PushDelivered.Inc()
		}
	}
}

// Close stops accepting notifications and waits for the queued ones to be handled
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		close(d.closed)
		close(d.queue)
		d.mu.Unlock()
	})
	d.Start()
	d.wg.Wait()
}
