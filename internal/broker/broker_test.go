package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/internal/domain/domaintest"
	"github.com/gameoverstudios/deeperhub/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chanSub buffers deliveries on a channel for the test to drain.
type chanSub struct {
	id string
	ch chan protocol.Broadcast
}

func newChanSub(id string) *chanSub {
	return &chanSub{id: id, ch: make(chan protocol.Broadcast, 64)}
}

func (s *chanSub) SubscriberID() string { return s.id }

func (s *chanSub) Deliver(b protocol.Broadcast) error {
	select {
	case s.ch <- b:
		return nil
	default:
		return errors.New("mailbox full")
	}
}

func (s *chanSub) receive(t *testing.T) protocol.Broadcast {
	t.Helper()
	select {
	case b := <-s.ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return protocol.Broadcast{}
	}
}

func (s *chanSub) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case b := <-s.ch:
		t.Fatalf("unexpected delivery: %+v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

// fullSub refuses every delivery, simulating a saturated mailbox.
type fullSub struct{ id string }

func (s fullSub) SubscriberID() string             { return s.id }
func (s fullSub) Deliver(protocol.Broadcast) error { return errors.New("mailbox full") }

func newTestBroker(t *testing.T, threshold, workers int) *Broker {
	t.Helper()
	clock := domaintest.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	b := New(threshold, workers, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Close)
	return b
}

func TestPublishFanOutExactlyOnce(t *testing.T) {
	b := newTestBroker(t, 64, 2)
	ctx := context.Background()
	owner := domain.GenerateUserID()

	require.NoError(t, b.Create("room", owner))

	alice := newChanSub("alice")
	bob := newChanSub("bob")
	require.NoError(t, b.Subscribe("room", alice, nil))
	require.NoError(t, b.Subscribe("room", bob, nil))

	id, err := b.Publish(ctx, "room", json.RawMessage(`{"content":"hi"}`), domain.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	for _, sub := range []*chanSub{alice, bob} {
		got := sub.receive(t)
		assert.Equal(t, protocol.TypeChannelMessage, got.Type)
		assert.Equal(t, "room", got.Topic)
		assert.JSONEq(t, `{"content":"hi"}`, string(got.Payload))
		sub.expectNothing(t)
	}
}

func TestPublishUnknownTopic(t *testing.T) {
	b := newTestBroker(t, 64, 1)
	_, err := b.Publish(context.Background(), "nope", json.RawMessage(`{}`), domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateDuplicateTopic(t *testing.T) {
	b := newTestBroker(t, 64, 1)
	owner := domain.GenerateUserID()

	require.NoError(t, b.Create("room", owner))
	require.ErrorIs(t, b.Create("room", owner), domain.ErrAlreadyExists)
}

func TestSelectorFiltering(t *testing.T) {
	b := newTestBroker(t, 64, 1)
	ctx := context.Background()

	require.NoError(t, b.Create("events", domain.GenerateUserID()))

	filtered := newChanSub("filtered")
	everything := newChanSub("everything")
	require.NoError(t, b.Subscribe("events", filtered, Selector{"kind": "alert"}))
	require.NoError(t, b.Subscribe("events", everything, nil))

	_, err := b.Publish(ctx, "events", json.RawMessage(`{"kind":"info","n":1}`), domain.PriorityNormal)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "events", json.RawMessage(`{"kind":"alert","n":2}`), domain.PriorityNormal)
	require.NoError(t, err)

	got := filtered.receive(t)
	assert.JSONEq(t, `{"kind":"alert","n":2}`, string(got.Payload))
	filtered.expectNothing(t)

	everything.receive(t)
	everything.receive(t)
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := newTestBroker(t, 256, 4)
	ctx := context.Background()

	require.NoError(t, b.Create("room", domain.GenerateUserID()))
	sub := newChanSub("sub")
	require.NoError(t, b.Subscribe("room", sub, nil))

	const n = 50
	for i := 0; i < n; i++ {
		payload, err := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, err)
		_, err = b.Publish(ctx, "room", payload, domain.PriorityNormal)
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		got := sub.receive(t)
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(got.Payload, &body))
		assert.Equal(t, i, body.Seq)
	}
}

func TestSlowSubscriberDropsAreCounted(t *testing.T) {
	b := newTestBroker(t, 64, 1)
	ctx := context.Background()

	require.NoError(t, b.Create("room", domain.GenerateUserID()))

	healthy := newChanSub("healthy")
	require.NoError(t, b.Subscribe("room", healthy, nil))
	require.NoError(t, b.Subscribe("room", fullSub{id: "stuck"}, nil))

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, "room", json.RawMessage(`{"content":"x"}`), domain.PriorityNormal)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		healthy.receive(t)
	}

	assert.Eventually(t, func() bool {
		return b.Dropped("room", "stuck") == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, b.Dropped("room", "healthy"))
}

func TestPriorityAdmission(t *testing.T) {
	// Threshold zero closes the queue to low and normal immediately while
	// high is still admitted.
	b := newTestBroker(t, 0, 1)
	ctx := context.Background()

	require.NoError(t, b.Create("room", domain.GenerateUserID()))
	sub := newChanSub("sub")
	require.NoError(t, b.Subscribe("room", sub, nil))

	_, err := b.Publish(ctx, "room", json.RawMessage(`{}`), domain.PriorityLow)
	require.ErrorIs(t, err, domain.ErrBackpressure)

	_, err = b.Publish(ctx, "room", json.RawMessage(`{}`), domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrBackpressure)

	require.Eventually(t, func() bool {
		_, err := b.Publish(ctx, "room", json.RawMessage(`{}`), domain.PriorityHigh)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	sub.receive(t)
}

func TestRemoveOwnerOnly(t *testing.T) {
	b := newTestBroker(t, 64, 1)
	owner := domain.GenerateUserID()
	stranger := domain.GenerateUserID()

	require.NoError(t, b.Create("room", owner))
	sub := newChanSub("sub")
	require.NoError(t, b.Subscribe("room", sub, nil))

	require.ErrorIs(t, b.Remove("room", stranger), domain.ErrForbidden)

	require.NoError(t, b.Remove("room", owner))
	got := sub.receive(t)
	assert.Equal(t, protocol.TypeChannelClosed, got.Type)
	assert.Equal(t, "room", got.Topic)

	require.ErrorIs(t, b.Remove("room", owner), domain.ErrNotFound)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker(t, 64, 1)
	ctx := context.Background()

	require.NoError(t, b.Create("a", domain.GenerateUserID()))
	require.NoError(t, b.Create("b", domain.GenerateUserID()))

	sub := newChanSub("sub")
	require.NoError(t, b.Subscribe("a", sub, nil))
	require.NoError(t, b.Subscribe("b", sub, nil))

	t.Run("single topic", func(t *testing.T) {
		b.Unsubscribe("a", "sub")
		_, err := b.Publish(ctx, "a", json.RawMessage(`{}`), domain.PriorityNormal)
		require.NoError(t, err)
		sub.expectNothing(t)
	})

	t.Run("all topics", func(t *testing.T) {
		b.UnsubscribeAll("sub")
		_, err := b.Publish(ctx, "b", json.RawMessage(`{}`), domain.PriorityNormal)
		require.NoError(t, err)
		sub.expectNothing(t)
	})
}

func TestList(t *testing.T) {
	b := newTestBroker(t, 64, 1)
	ctx := context.Background()
	owner := domain.GenerateUserID()

	require.NoError(t, b.Create("room", owner))
	sub := newChanSub("sub")
	require.NoError(t, b.Subscribe("room", sub, nil))
	_, err := b.Publish(ctx, "room", json.RawMessage(`{}`), domain.PriorityNormal)
	require.NoError(t, err)
	sub.receive(t)

	infos := b.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "room", infos[0].Name)
	assert.Equal(t, owner.String(), infos[0].OwnerID)
	assert.Equal(t, 1, infos[0].SubscriberCount)
	assert.Equal(t, uint64(1), infos[0].MessageCount)
	assert.NotEmpty(t, infos[0].LastActivity)
}

func TestSubscribeCreatesTopicImplicitly(t *testing.T) {
	b := newTestBroker(t, 64, 1)
	ctx := context.Background()

	sub := newChanSub("x")
	require.NoError(t, b.Subscribe("room:42", sub, nil))

	_, err := b.Publish(ctx, "room:42", json.RawMessage(`{"content":"hi"}`), domain.PriorityNormal)
	require.NoError(t, err)

	got := sub.receive(t)
	assert.Equal(t, "room:42", got.Topic)
	assert.JSONEq(t, `{"content":"hi"}`, string(got.Payload))

	t.Run("implicit topic has no owner", func(t *testing.T) {
		infos := b.List()
		require.Len(t, infos, 1)
		assert.Empty(t, infos[0].OwnerID)
	})

	t.Run("name is taken for explicit create", func(t *testing.T) {
		require.ErrorIs(t, b.Create("room:42", domain.GenerateUserID()), domain.ErrAlreadyExists)
	})
}
