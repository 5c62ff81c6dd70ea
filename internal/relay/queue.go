// Package relay feeds requests from outside the daemon process into the
// coordinator and supervisor: rows from the persistent control queue and
// messages published on NATS.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

// DefaultBatchSize is how many control items one poll dispatches.
const DefaultBatchSize = 64

// ControlSource is the persistent control queue.
type ControlSource interface {
	Pending(ctx context.Context, limit int) ([]*models.ControlItem, error)
	MarkDispatched(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Sender accepts coordination messages.
type Sender interface {
	Send(msg models.CoordinationMessage)
}

// Controller applies pause, resume and unblock requests.
type Controller interface {
	Apply(loopID string, action models.ControlAction) error
}

// QueueRelay polls the control queue and dispatches pending items in order.
type QueueRelay struct {
	source     ControlSource
	sender     Sender
	controller Controller
	interval   time.Duration
	batch      int
	logger     zerolog.Logger
}

// NewQueueRelay creates a relay that polls every interval.
func NewQueueRelay(source ControlSource, sender Sender, controller Controller, interval time.Duration) *QueueRelay {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &QueueRelay{
		source:     source,
		sender:     sender,
		controller: controller,
		interval:   interval,
		batch:      DefaultBatchSize,
		logger:     logging.Component("relay"),
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick.
func (r *QueueRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("control queue poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll dispatches one batch of pending items and returns how many were
// dispatched successfully.
func (r *QueueRelay) Poll(ctx context.Context) (int, error) {
	items, err := r.source.Pending(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		if err := r.dispatch(item); err != nil {
			r.logger.Warn().Err(err).
				Str("item_id", item.ID).
				Str("target", item.Target).
				Str("action", string(item.Action)).
				Msg("control item failed")
			if markErr := r.source.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
				return dispatched, markErr
			}
			continue
		}
		if err := r.source.MarkDispatched(ctx, item.ID); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

func (r *QueueRelay) dispatch(item *models.ControlItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.Action == models.ControlMessage {
		msg, err := item.Message()
		if err != nil {
			return err
		}
		r.sender.Send(msg)
		r.logger.Debug().Str("item_id", item.ID).Str("kind", string(msg.Kind)).Str("to", msg.To).Msg("relayed message")
		return nil
	}
	return r.controller.Apply(item.Target, item.Action)
}
