package webhook

import (
	"context"
	"errors"
	"sync"

	otelapi "go.opentelemetry.io/otel"

	tbotel "github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/shared"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrQueueFull        = errors.New("dispatch queue full")
)

// Delivery is a verified, deduplicated webhook payload waiting for async
// processing.
type Delivery struct {
	Provider   string
	DeliveryID string
	ProjectID  string
	EventName  string
	Body       []byte
}

// Sink consumes deliveries after the HTTP handler has acknowledged them.
type Sink interface {
	Consume(ctx context.Context, d Delivery) error
}

// AsyncDispatcher decouples webhook acknowledgement from processing. Dispatch
// never blocks: a full buffer returns ErrQueueFull and the caller still
// acknowledges, relying on reconciliation to recover the dropped event.
type AsyncDispatcher struct {
	sink  Sink
	queue chan Delivery
	done  chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewAsyncDispatcher(sink Sink, bufferSize int) *AsyncDispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	d := &AsyncDispatcher{
		sink:  sink,
		queue: make(chan Delivery, bufferSize),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, delivery Delivery) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- delivery:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting deliveries and waits for the already-buffered ones to
// drain, or for ctx to expire.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *AsyncDispatcher) loop() {
	defer close(d.done)
	for delivery := range d.queue {
		if d.sink == nil {
			continue
		}
		ctx := shared.WithDeliveryID(context.Background(), delivery.DeliveryID)
		ctx, span := tbotel.StartServerSpan(ctx, otelapi.Tracer(tbotel.TracerName), "webhook.consume",
			tbotel.AttrProvider.String(delivery.Provider),
			tbotel.AttrDeliveryID.String(delivery.DeliveryID),
			tbotel.AttrProjectID.String(delivery.ProjectID))
		_ = d.sink.Consume(ctx, delivery)
		span.End()
	}
}
