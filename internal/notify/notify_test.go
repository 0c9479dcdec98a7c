package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/rtcheap/consult-manager/internal/notify"
	"github.com/stretchr/testify/assert"
)

func TestBroker_FiltersByRoom(t *testing.T) {
	assert := assert.New(t)
	b := notify.NewBroker(4)
	defer b.Close()
	ctx := context.Background()

	roomSub := b.Subscribe("DENTAL-ROOM0001")
	defer roomSub.Close()
	allSub := b.Subscribe(notify.AllRooms)
	defer allSub.Close()

	b.Publish(ctx, statusEvent("DENTAL-OTHER001", models.StatusWaiting))
	b.Publish(ctx, statusEvent("DENTAL-ROOM0001", models.StatusWaiting))

	got := receive(t, roomSub)
	assert.Equal("DENTAL-ROOM0001", got.RoomID)
	assert.Equal(models.StatusWaiting, got.Status)
	assert.Len(roomSub.C, 0)

	assert.Equal("DENTAL-OTHER001", receive(t, allSub).RoomID)
	assert.Equal("DENTAL-ROOM0001", receive(t, allSub).RoomID)
}

func TestBroker_DropsSlowSubscriber(t *testing.T) {
	assert := assert.New(t)
	b := notify.NewBroker(1)
	defer b.Close()
	ctx := context.Background()

	slow := b.Subscribe("DENTAL-SLOW0001")
	assert.Equal(1, b.Len())

	b.Publish(ctx, statusEvent("DENTAL-SLOW0001", models.StatusWaiting))
	b.Publish(ctx, statusEvent("DENTAL-SLOW0001", models.StatusCompleted))

	assert.Equal(0, b.Len())
	first, ok := <-slow.C
	assert.True(ok)
	assert.Equal(models.StatusWaiting, first.Status)
	_, ok = <-slow.C
	assert.False(ok)

	slow.Close()
}

func TestBroker_CloseUnsubscribes(t *testing.T) {
	assert := assert.New(t)
	b := notify.NewBroker(0)

	sub := b.Subscribe(notify.AllRooms)
	sub.Close()
	sub.Close()
	assert.Equal(0, b.Len())
	_, ok := <-sub.C
	assert.False(ok)

	other := b.Subscribe(notify.AllRooms)
	b.Close()
	_, ok = <-other.C
	assert.False(ok)

	late := b.Subscribe(notify.AllRooms)
	_, ok = <-late.C
	assert.False(ok)
}

type recordingPublisher struct {
	exchange string
	bodies   [][]byte
	err      error
}

func (p *recordingPublisher) Publish(exchange string, body []byte) error {
	p.exchange = exchange
	p.bodies = append(p.bodies, body)
	return p.err
}

func TestAuditPublisher(t *testing.T) {
	assert := assert.New(t)
	rec := &recordingPublisher{}
	audit := notify.AuditPublisher{Publisher: rec}

	event := statusEvent("DENTAL-AUDIT001", models.StatusCompleted)
	err := audit.Publish(context.Background(), event)
	assert.NoError(err)
	assert.Equal(notify.AuditExchange, rec.exchange)
	assert.Len(rec.bodies, 1)

	var decoded models.SessionEvent
	err = json.Unmarshal(rec.bodies[0], &decoded)
	assert.NoError(err)
	assert.Equal(event.RoomID, decoded.RoomID)
	assert.Equal(models.StatusCompleted, decoded.Status)
	assert.Equal(models.StatusWaiting, decoded.Previous)
}

func TestFanout_PublishesToAll(t *testing.T) {
	assert := assert.New(t)
	b := notify.NewBroker(4)
	defer b.Close()
	sub := b.Subscribe(notify.AllRooms)
	defer sub.Close()

	failing := &recordingPublisher{err: errors.New("broker unavailable")}
	fan := notify.Fanout{notify.AuditPublisher{Publisher: failing}, b}

	err := fan.Publish(context.Background(), statusEvent("DENTAL-FAN00001", models.StatusWaiting))
	assert.Error(err)
	assert.Len(failing.bodies, 1)
	assert.Equal("DENTAL-FAN00001", receive(t, sub).RoomID)
}

func TestRedisFeed_PubSub(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed feed tests")
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}

	assert := assert.New(t)
	feed, err := notify.NewRedisFeed(notify.RedisConfig{Addr: addr, DB: db}, 4)
	if err != nil {
		t.Fatalf("redis feed: %v", err)
	}
	defer feed.Close()

	sub := feed.Subscribe("DENTAL-REDIS001")
	defer sub.Close()

	event := statusEvent("DENTAL-REDIS001", models.StatusWaiting)
	err = feed.Publish(context.Background(), event)
	assert.NoError(err)

	got := receive(t, sub)
	assert.Equal(event.SessionID, got.SessionID)
	assert.Equal(models.StatusWaiting, got.Status)
}

func statusEvent(roomID string, status models.Status) models.SessionEvent {
	previous := models.StatusPendingPayment
	if status == models.StatusCompleted {
		previous = models.StatusWaiting
	}

	return models.SessionEvent{
		Type:       models.EventStatusChanged,
		SessionID:  "session-" + roomID,
		RoomID:     roomID,
		Status:     status,
		Previous:   previous,
		OccurredAt: time.Now().UTC(),
	}
}

func receive(t *testing.T, sub *notify.Subscription) models.SessionEvent {
	t.Helper()
	select {
	case event, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatalf("did not receive session event")
	}
	return models.SessionEvent{}
}
