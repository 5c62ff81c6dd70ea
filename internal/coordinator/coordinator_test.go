package coordinator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

func msg(kind models.MessageKind, from, to, payload string) models.CoordinationMessage {
	return models.CoordinationMessage{Kind: kind, From: from, To: to, Payload: payload}
}

func drain(c *Coordinator, loopID string) []models.CoordinationMessage {
	var out []models.CoordinationMessage
	for {
		m, ok := c.TryRecv(loopID)
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func payloads(msgs []models.CoordinationMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Payload)
	}
	return out
}

func TestTryRecvEmptyReturnsImmediately(t *testing.T) {
	c := New(Config{})
	c.Register("a")

	_, ok := c.TryRecv("a")
	assert.False(t, ok)

	_, ok = c.TryRecv("unknown")
	assert.False(t, ok)
}

func TestDirectMessagesArriveInOrder(t *testing.T) {
	c := New(Config{})
	c.Register("a")

	c.Send(msg(models.MessageAlert, "x", "a", "1"))
	c.Send(msg(models.MessageShare, "x", "a", "2"))
	assert.Equal(t, 2, c.Pending("a"))

	got := drain(c, "a")
	require.Len(t, got, 2)
	assert.Equal(t, []string{"1", "2"}, payloads(got))
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
	assert.Equal(t, 0, c.Pending("a"))
}

func TestBroadcastReachesEveryLoopOnceExceptSender(t *testing.T) {
	c := New(Config{})
	for _, id := range []string{"a", "b", "c"} {
		c.Register(id)
	}

	c.Send(msg(models.MessageMainUpdated, "a", "all", "main@abc123"))

	for _, id := range []string{"b", "c"} {
		got := drain(c, id)
		require.Len(t, got, 1, id)
		assert.Equal(t, models.MessageMainUpdated, got[0].Kind)
		assert.Equal(t, models.BroadcastTarget, got[0].To)
		assert.Empty(t, drain(c, id), "delivered twice to %s", id)
	}
	assert.Empty(t, drain(c, "a"), "sender received its own broadcast")

	// Fully consumed broadcasts are compacted away.
	c.mu.Lock()
	assert.Empty(t, c.broadcast)
	c.mu.Unlock()
}

func TestBroadcastAndDirectInterleaveBySendOrder(t *testing.T) {
	c := New(Config{})
	c.Register("a")
	c.Register("b")

	c.Send(msg(models.MessageAlert, "ext", "a", "direct-1"))
	c.Send(msg(models.MessageShare, "ext", models.BroadcastTarget, "bcast-2"))
	c.Send(msg(models.MessageQuery, "b", "a", "direct-3"))

	assert.Equal(t, []string{"direct-1", "bcast-2", "direct-3"}, payloads(drain(c, "a")))
	assert.Equal(t, []string{"bcast-2"}, payloads(drain(c, "b")))
}

func TestLateRegistrationSkipsEarlierBroadcasts(t *testing.T) {
	c := New(Config{})
	c.Register("a")
	c.Send(msg(models.MessageShare, "ext", "*", "before"))
	c.Register("b")
	c.Send(msg(models.MessageShare, "ext", "*", "after"))

	assert.Equal(t, []string{"after"}, payloads(drain(c, "b")))
	assert.Equal(t, []string{"before", "after"}, payloads(drain(c, "a")))
}

func TestFullInboxDropsOldestNonStop(t *testing.T) {
	c := New(Config{QueueCapacity: 3})
	c.Register("a")

	c.Send(msg(models.MessageStop, "ext", "a", "stop"))
	c.Send(msg(models.MessageAlert, "ext", "a", "alert-1"))
	c.Send(msg(models.MessageAlert, "ext", "a", "alert-2"))
	c.Send(msg(models.MessageAlert, "ext", "a", "alert-3"))

	assert.Equal(t, []string{"stop", "alert-2", "alert-3"}, payloads(drain(c, "a")))
	assert.Equal(t, int64(1), c.Stats().Dropped)
}

func TestStopIsNeverDropped(t *testing.T) {
	c := New(Config{QueueCapacity: 2})
	c.Register("a")

	for i := 0; i < 4; i++ {
		c.Send(msg(models.MessageStop, "ext", "a", fmt.Sprintf("stop-%d", i)))
	}
	c.Send(msg(models.MessageAlert, "ext", "a", "alert"))

	got := drain(c, "a")
	assert.Equal(t, []string{"stop-0", "stop-1", "stop-2", "stop-3"}, payloads(got))
	assert.Equal(t, int64(1), c.Stats().Dropped)
}

func TestFullBroadcastLogDropsOldestNonStop(t *testing.T) {
	c := New(Config{QueueCapacity: 2})
	c.Register("a")

	c.Send(msg(models.MessageShare, "ext", "*", "s1"))
	c.Send(msg(models.MessageStop, "ext", "*", "stop"))
	c.Send(msg(models.MessageShare, "ext", "*", "s2"))

	assert.Equal(t, []string{"stop", "s2"}, payloads(drain(c, "a")))
}

func TestMessagesForUnknownOrFinishedLoopsAreDropped(t *testing.T) {
	c := New(Config{})
	c.Register("a")

	c.Send(msg(models.MessageAlert, "ext", "ghost", "x"))
	c.Send(msg(models.MessageAlert, "ext", "a", "pending"))
	c.Unregister("a")
	c.Send(msg(models.MessageAlert, "ext", "a", "late"))

	_, ok := c.TryRecv("a")
	assert.False(t, ok)
	assert.False(t, c.Registered("a"))
	assert.Equal(t, int64(3), c.Stats().Dropped)
}

func TestInvalidMessagesAreDroppedNotPanicking(t *testing.T) {
	c := New(Config{})
	c.Register("a")

	c.Send(models.CoordinationMessage{Kind: "poke", To: "a"})
	c.Send(models.CoordinationMessage{Kind: models.MessageAlert})

	_, ok := c.TryRecv("a")
	assert.False(t, ok)
	assert.Equal(t, int64(2), c.Stats().Dropped)
}

func TestConcurrentSendersSingleReceiver(t *testing.T) {
	c := New(Config{QueueCapacity: 10000})
	c.Register("a")
	c.Register("b")

	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(sender int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Send(msg(models.MessageShare, fmt.Sprintf("s%d", sender), "a", ""))
				_, _ = c.TryRecv("b")
			}
		}(s)
	}
	wg.Wait()

	assert.Len(t, drain(c, "a"), 800)
	stats := c.Stats()
	assert.Equal(t, int64(800), stats.Sent)
	assert.Equal(t, int64(0), stats.Dropped)
	assert.Equal(t, 2, stats.Registered)
}
