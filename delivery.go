package goIntercept

import (
	"context"
	"errors"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/MrEthical07/goIntercept/internal/intercept"
)

const topicCodeDelivered = "intercept:code_delivered"

// deliveryBus fans one DeliveryEvent out to every registered handler. Each
// call runs on its own goroutine, so publishing never waits for a handler
// and a slow handler for one account cannot hold up another account.
type deliveryBus struct {
	bus      evbus.Bus
	logger   *zap.Logger
	handlers atomic.Int32
	panics   atomic.Uint64
}

func newDeliveryBus(logger *zap.Logger) *deliveryBus {
	return &deliveryBus{
		bus:    evbus.New(),
		logger: logger,
	}
}

func (d *deliveryBus) subscribe(h DeliveryHandler) error {
	if h == nil {
		return errors.New("nil delivery handler")
	}
	wrapped := func(ev DeliveryEvent) {
		defer func() {
			if rec := recover(); rec != nil {
				d.panics.Add(1)
				d.logger.Error("delivery handler panicked",
					zap.String("account_id", ev.AccountID),
					zap.String("event_id", ev.ID),
					zap.Any("panic", rec),
				)
			}
		}()
		h(ev)
	}
	if err := d.bus.SubscribeAsync(topicCodeDelivered, wrapped, false); err != nil {
		return err
	}
	d.handlers.Add(1)
	return nil
}

func (d *deliveryBus) publish(ev DeliveryEvent) {
	if d.handlers.Load() == 0 {
		return
	}
	d.bus.Publish(topicCodeDelivered, ev)
}

// wait blocks until every handler call already published has returned, or
// until ctx ends.
func (d *deliveryBus) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.bus.WaitAsync()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func deliveryEventFrom(id string, d intercept.Delivery) DeliveryEvent {
	to := make([]string, len(d.Recipients))
	copy(to, d.Recipients)
	return DeliveryEvent{
		ID:          id,
		AccountID:   d.AccountID,
		Code:        d.Code,
		DeliveredTo: to,
		Timestamp:   d.At,
		Keyword:     d.Keyword,
	}
}
