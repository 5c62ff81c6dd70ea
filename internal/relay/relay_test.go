package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

type fakeSource struct {
	mu         sync.Mutex
	items      []*models.ControlItem
	dispatched []string
	failed     map[string]string
	err        error
}

func (f *fakeSource) Pending(_ context.Context, limit int) ([]*models.ControlItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.ControlItem
	for _, item := range f.items {
		if item.Status == models.ControlStatusPending && len(out) < limit {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeSource) MarkDispatched(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, id)
	f.setStatus(id, models.ControlStatusDispatched)
	return nil
}

func (f *fakeSource) MarkFailed(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[id] = reason
	f.setStatus(id, models.ControlStatusFailed)
	return nil
}

func (f *fakeSource) setStatus(id string, status models.ControlStatus) {
	for _, item := range f.items {
		if item.ID == id {
			item.Status = status
		}
	}
}

type fakeSender struct {
	sent []models.CoordinationMessage
}

func (f *fakeSender) Send(msg models.CoordinationMessage) {
	f.sent = append(f.sent, msg)
}

type appliedAction struct {
	loopID string
	action models.ControlAction
}

type fakeController struct {
	applied []appliedAction
	err     error
}

func (f *fakeController) Apply(loopID string, action models.ControlAction) error {
	f.applied = append(f.applied, appliedAction{loopID, action})
	return f.err
}

func messageItem(t *testing.T, id string, msg models.CoordinationMessage) *models.ControlItem {
	t.Helper()
	item, err := models.NewMessageControl(msg)
	require.NoError(t, err)
	item.ID = id
	item.Status = models.ControlStatusPending
	return item
}

func TestQueueRelayDispatchesInOrder(t *testing.T) {
	source := &fakeSource{items: []*models.ControlItem{
		messageItem(t, "c1", models.CoordinationMessage{Kind: models.MessageAlert, To: "loop-1", Payload: "heads up"}),
		{ID: "c2", Target: "loop-1", Action: models.ControlPause, Status: models.ControlStatusPending},
		messageItem(t, "c3", models.CoordinationMessage{Kind: models.MessageStop, To: "loop-2"}),
	}}
	sender := &fakeSender{}
	controller := &fakeController{}
	relay := NewQueueRelay(source, sender, controller, 0)

	n, err := relay.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"c1", "c2", "c3"}, source.dispatched)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, models.MessageAlert, sender.sent[0].Kind)
	assert.Equal(t, "heads up", sender.sent[0].Payload)
	assert.Equal(t, models.MessageStop, sender.sent[1].Kind)
	assert.Equal(t, []appliedAction{{"loop-1", models.ControlPause}}, controller.applied)

	n, err = relay.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueRelayMarksFailures(t *testing.T) {
	source := &fakeSource{items: []*models.ControlItem{
		{ID: "c1", Target: "loop-9", Action: models.ControlResume, Status: models.ControlStatusPending},
		{ID: "c2", Target: "*", Action: models.ControlPause, Status: models.ControlStatusPending},
		{ID: "c3", Target: "loop-1", Action: "explode", Status: models.ControlStatusPending},
	}}
	controller := &fakeController{err: errors.New("loop not found: loop-9")}
	relay := NewQueueRelay(source, &fakeSender{}, controller, 0)

	n, err := relay.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, source.failed, 3)
	assert.Contains(t, source.failed["c1"], "loop-9")
	assert.Contains(t, source.failed["c2"], "single loop target")
	assert.Len(t, controller.applied, 1)
}

func TestQueueRelaySourceError(t *testing.T) {
	relay := NewQueueRelay(&fakeSource{err: errors.New("database is locked")}, &fakeSender{}, &fakeController{}, 0)
	_, err := relay.Poll(context.Background())
	require.Error(t, err)
}

func TestQueueRelayRunStopsOnCancel(t *testing.T) {
	source := &fakeSource{items: []*models.ControlItem{
		messageItem(t, "c1", models.CoordinationMessage{Kind: models.MessageShare, To: "*", Payload: "x"}),
	}}
	sender := &fakeSender{}
	relay := NewQueueRelay(source, sender, &fakeController{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, relay.Run(ctx))
}

func TestDecodeMessage(t *testing.T) {
	data, err := json.Marshal(models.CoordinationMessage{ID: "m1", Kind: models.MessageQuery, From: "ops", To: "loop-1", Payload: "eta?"})
	require.NoError(t, err)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, models.MessageQuery, msg.Kind)
	assert.Equal(t, "eta?", msg.Payload)

	_, err = DecodeMessage([]byte(`{"kind":"gossip","to":"loop-1"}`))
	assert.ErrorIs(t, err, models.ErrInvalidMessageKind)

	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}
