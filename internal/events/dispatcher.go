package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

// Sink receives events from the dispatcher. Deliver errors are logged and
// never reach the code that published the event.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event models.Event) error
}

// Dispatcher fans events out to sinks from a buffered channel. Publish never
// blocks: when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	ch      chan models.Event
	sinks   []Sink
	logger  *logrus.Logger
	timeout time.Duration

	dropped   atomic.Int64
	delivered atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher with the given buffer size
func NewDispatcher(bufferSize int, logger *logrus.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Dispatcher{
		ch:      make(chan models.Event, bufferSize),
		sinks:   sinks,
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Publish enqueues an event without blocking
func (d *Dispatcher) Publish(event models.Event) {
	select {
	case <-d.done:
		d.dropped.Add(1)
		return
	default:
	}

	select {
	case d.ch <- event:
	default:
		d.dropped.Add(1)
		d.logger.WithFields(logrus.Fields{
			"event_type": event.Type,
			"trip_id":    event.TripID,
		}).Warn("Event buffer full, dropping event")
	}
}

// Run delivers events until ctx is cancelled or Close is called, then
// drains what is left in the buffer
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-ctx.Done():
			d.drain()
			return
		case <-d.done:
			d.drain()
			return
		}
	}
}

// Close stops accepting events
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Stats reports delivery counters
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"delivered": d.delivered.Load(),
		"dropped":   d.dropped.Load(),
		"buffered":  int64(len(d.ch)),
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(event models.Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.Deliver(ctx, event)
		cancel()
		if err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"sink":       sink.Name(),
				"event_type": event.Type,
			}).Warn("Event delivery failed")
		}
	}
	d.delivered.Add(1)
}
