// Package coordinator routes coordination messages between loops.
//
// Sends never block and never fail; receives are polled between iterations.
// Each loop has its own bounded inbox, and broadcasts live in a shared log
// that every loop reads through its own cursor.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
	"github.com/taskdaemon/taskdaemon-sub002/internal/telemetry"
)

// DefaultQueueCapacity bounds each inbox when no capacity is configured.
const DefaultQueueCapacity = 256

// Config contains coordinator configuration.
type Config struct {
	// QueueCapacity bounds every inbox and the broadcast log. When full, the
	// oldest non-Stop message is dropped.
	// Default: 256.
	QueueCapacity int
}

// Stats contains coordinator statistics.
type Stats struct {
	Registered int
	Sent       int64
	Delivered  int64
	Dropped    int64
	Broadcasts int64
}

type envelope struct {
	seq uint64
	msg models.CoordinationMessage
}

type inbox struct {
	direct []envelope
	// cursor is the sequence number of the last broadcast this loop consumed.
	cursor uint64
}

// Coordinator is the message router.
type Coordinator struct {
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	seq       uint64
	inboxes   map[string]*inbox
	broadcast []envelope
	stats     Stats
}

// New creates a new Coordinator.
func New(config Config) *Coordinator {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	return &Coordinator{
		config:  config,
		logger:  logging.Component("coordinator"),
		now:     time.Now,
		inboxes: make(map[string]*inbox),
	}
}

// Register creates an inbox for a loop. Broadcasts sent before registration
// are not delivered to it.
func (c *Coordinator) Register(loopID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inboxes[loopID]; ok {
		return
	}
	c.inboxes[loopID] = &inbox{cursor: c.seq}
}

// Unregister removes a loop's inbox. Pending and future messages addressed
// to it are dropped.
func (c *Coordinator) Unregister(loopID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	box, ok := c.inboxes[loopID]
	if !ok {
		return
	}
	c.stats.Dropped += int64(len(box.direct))
	delete(c.inboxes, loopID)
	c.compactLocked()
}

// Registered reports whether a loop has an inbox.
func (c *Coordinator) Registered(loopID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inboxes[loopID]
	return ok
}

// Send enqueues a message without blocking. Messages that cannot be routed
// are dropped and logged.
func (c *Coordinator) Send(msg models.CoordinationMessage) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now().UTC()
	}
	msg.To = strings.TrimSpace(msg.To)
	if msg.IsBroadcast() {
		msg.To = models.BroadcastTarget
	}

	if err := msg.Validate(); err != nil {
		c.mu.Lock()
		c.stats.Dropped++
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("dropping invalid message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	env := envelope{seq: c.seq, msg: msg}
	c.stats.Sent++

	if msg.To == models.BroadcastTarget {
		c.stats.Broadcasts++
		c.broadcast = append(c.broadcast, env)
		c.compactLocked()
		if len(c.broadcast) > c.config.QueueCapacity {
			var dropped envelope
			var ok bool
			c.broadcast, dropped, ok = dropOldestNonStop(c.broadcast)
			if ok {
				c.logDropLocked(dropped.msg, "broadcast log full")
			}
		}
		return
	}

	box, ok := c.inboxes[msg.To]
	if !ok {
		c.stats.Dropped++
		c.logger.Debug().
			Str("message_id", msg.ID).
			Str("kind", string(msg.Kind)).
			Str("to", msg.To).
			Msg("dropping message for unknown or finished loop")
		return
	}

	box.direct = append(box.direct, env)
	if len(box.direct) > c.config.QueueCapacity {
		var dropped envelope
		box.direct, dropped, ok = dropOldestNonStop(box.direct)
		if ok {
			c.logDropLocked(dropped.msg, "inbox full")
		}
	}
}

// TryRecv returns the oldest pending message for a loop, if any. It never
// blocks. Each message is delivered to a loop at most once.
func (c *Coordinator) TryRecv(loopID string) (models.CoordinationMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	box, ok := c.inboxes[loopID]
	if !ok {
		return models.CoordinationMessage{}, false
	}

	bIdx := c.nextBroadcastLocked(loopID, box)

	switch {
	case bIdx >= 0 && (len(box.direct) == 0 || c.broadcast[bIdx].seq < box.direct[0].seq):
		env := c.broadcast[bIdx]
		box.cursor = env.seq
		c.stats.Delivered++
		c.compactLocked()
		return env.msg, true
	case len(box.direct) > 0:
		env := box.direct[0]
		box.direct[0] = envelope{}
		box.direct = box.direct[1:]
		c.stats.Delivered++
		return env.msg, true
	default:
		c.compactLocked()
		return models.CoordinationMessage{}, false
	}
}

// Pending returns how many messages are waiting for a loop.
func (c *Coordinator) Pending(loopID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	box, ok := c.inboxes[loopID]
	if !ok {
		return 0
	}
	n := len(box.direct)
	for _, env := range c.broadcast {
		if env.seq > box.cursor && env.msg.From != loopID {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Registered = len(c.inboxes)
	return stats
}

// RegisterMetrics exposes coordinator statistics as OpenTelemetry gauges.
func (c *Coordinator) RegisterMetrics() {
	meter := telemetry.Meter("taskdaemon/coordinator")

	_, _ = meter.Int64ObservableGauge("taskdaemon.coordinator.dropped_total",
		metric.WithDescription("Messages dropped by the coordinator"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.Stats().Dropped)
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("taskdaemon.coordinator.delivered_total",
		metric.WithDescription("Messages delivered to loops"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.Stats().Delivered)
			return nil
		}),
	)
}

// nextBroadcastLocked skips the loop's own broadcasts and returns the index
// of the next unseen one, or -1.
func (c *Coordinator) nextBroadcastLocked(loopID string, box *inbox) int {
	for i, env := range c.broadcast {
		if env.seq <= box.cursor {
			continue
		}
		if env.msg.From == loopID {
			box.cursor = env.seq
			continue
		}
		return i
	}
	return -1
}

// compactLocked drops broadcast entries every registered loop has consumed.
func (c *Coordinator) compactLocked() {
	if len(c.broadcast) == 0 {
		return
	}
	if len(c.inboxes) == 0 {
		c.stats.Dropped += int64(len(c.broadcast))
		c.broadcast = nil
		return
	}
	minCursor := c.seq
	for _, box := range c.inboxes {
		if box.cursor < minCursor {
			minCursor = box.cursor
		}
	}
	keep := 0
	for keep < len(c.broadcast) && c.broadcast[keep].seq <= minCursor {
		keep++
	}
	if keep > 0 {
		c.broadcast = append([]envelope(nil), c.broadcast[keep:]...)
	}
}

func (c *Coordinator) logDropLocked(msg models.CoordinationMessage, reason string) {
	c.stats.Dropped++
	c.logger.Warn().
		Str("message_id", msg.ID).
		Str("kind", string(msg.Kind)).
		Str("from", msg.From).
		Str("to", msg.To).
		Str("reason", reason).
		Msg("dropped oldest message")
}

// dropOldestNonStop removes the oldest message that is not a Stop. Stop
// messages are never dropped, so a queue holding only Stops may exceed its
// capacity.
func dropOldestNonStop(queue []envelope) ([]envelope, envelope, bool) {
	for i, env := range queue {
		if env.msg.Kind == models.MessageStop {
			continue
		}
		out := append(queue[:i:i], queue[i+1:]...)
		return out, env, true
	}
	return queue, envelope{}, false
}
