package updates

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitCall struct {
	event domain.EventName
	data  any
}

type fakeSource struct {
	mu        sync.Mutex
	connected bool
	registry  *realtime.Registry
	attached  []domain.EventName
	detached  []domain.EventName
	emits     []emitCall
}

func newFakeSource(connected bool) *fakeSource {
	return &fakeSource{connected: connected, registry: realtime.NewRegistry()}
}

func (s *fakeSource) AddListener(l *realtime.Listener) func() {
	s.mu.Lock()
	s.attached = append(s.attached, l.Event)
	s.mu.Unlock()
	s.registry.Add(l)
	return func() { s.RemoveListener(l) }
}

func (s *fakeSource) RemoveListener(l *realtime.Listener) bool {
	s.mu.Lock()
	s.detached = append(s.detached, l.Event)
	s.mu.Unlock()
	return s.registry.Remove(l)
}

func (s *fakeSource) Emit(event domain.EventName, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emits = append(s.emits, emitCall{event: event, data: data})
	if !s.connected {
		return domain.ErrNotConnected
	}
	return nil
}

func (s *fakeSource) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSource) emitted() []emitCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emitCall(nil), s.emits...)
}

func (s *fakeSource) deliver(ev domain.Event) {
	for _, l := range s.registry.Listeners(ev.Name) {
		l.Call(ev)
	}
}

func (s *fakeSource) send(t *testing.T, name domain.EventName, data any) {
	t.Helper()
	ev, err := domain.NewEvent(name, data)
	require.NoError(t, err)
	s.deliver(ev)
}

func (s *fakeSource) sendRaw(name domain.EventName, raw string) {
	s.deliver(domain.Event{Name: name, Data: json.RawMessage(raw), ReceivedAt: time.Now()})
}

func newStarted(t *testing.T, src *fakeSource) *Aggregator {
	t.Helper()
	a := New(src, Options{})
	a.Start()
	t.Cleanup(a.Stop)
	return a
}

func notification(id string) map[string]any {
	return map[string]any{
		"id":        id,
		"type":      "comment",
		"message":   "message " + id,
		"timestamp": "2024-01-01T00:00:00Z",
	}
}

func TestStartStopAttachesAndDetachesSymmetrically(t *testing.T) {
	src := newFakeSource(true)
	a := New(src, Options{})

	a.Start()
	a.Start()
	assert.Len(t, src.attached, len(Channels))

	a.Stop()
	a.Stop()

	assert.ElementsMatch(t, src.attached, src.detached)
	for _, name := range []domain.EventName{
		domain.EventNotification,
		domain.EventActivity,
		domain.EventUsersOnline,
		domain.EventUserJoinedV2,
		domain.EventUserLeftV2,
	} {
		assert.Contains(t, src.attached, name)
		assert.Contains(t, src.detached, name)
	}
	assert.Equal(t, 0, src.registry.Len())
}

func TestStoppedAggregatorIgnoresEvents(t *testing.T) {
	src := newFakeSource(true)
	a := New(src, Options{})
	a.Start()
	a.Stop()

	src.send(t, domain.EventNotification, notification("n1"))

	assert.Empty(t, a.Notifications())
}

func TestNotificationReadEndToEnd(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	src.send(t, domain.EventNotification, map[string]any{
		"id":        "n1",
		"type":      "comment",
		"message":   "New comment",
		"timestamp": "2024-01-01T00:00:00Z",
		"read":      false,
	})

	require.Len(t, a.Notifications(), 1)
	assert.Equal(t, domain.Notification{
		ID:        "n1",
		Type:      domain.NotificationComment,
		Message:   "New comment",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Read:      false,
	}, a.Notifications()[0])
	assert.Equal(t, 1, a.UnreadCount())

	assert.True(t, a.MarkNotificationRead("n1"))

	require.Len(t, a.Notifications(), 1)
	assert.True(t, a.Notifications()[0].Read)
	assert.Equal(t, 0, a.UnreadCount())

	emits := src.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, domain.EventNotificationRead, emits[0].event)
	data, err := json.Marshal(emits[0].data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"n1"}`, string(data))
}

func TestMalformedNotificationIsDropped(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	src.send(t, domain.EventActivity, map[string]any{"id": "a1", "type": "view"})

	assert.NotPanics(t, func() {
		src.sendRaw(domain.EventNotification, `{}`)
		src.sendRaw(domain.EventNotification, `{"id":"n1","message":"no timestamp"}`)
		src.sendRaw(domain.EventNotification, `{"id":"n1","timestamp":"2024-01-01T00:00:00Z"}`)
		src.sendRaw(domain.EventNotification, `{"id":"n1","message":"x","timestamp":"yesterday"}`)
		src.sendRaw(domain.EventNotification, `{not json`)
		src.sendRaw(domain.EventNotification, `"text"`)
		src.sendRaw(domain.EventActivity, `{}`)
	})

	assert.Empty(t, a.Notifications())
	assert.Equal(t, 0, a.UnreadCount())
	assert.Len(t, a.Activities(), 1)
}

func TestNotificationsAreMostRecentFirst(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	for _, id := range []string{"n1", "n2", "n3"} {
		src.send(t, domain.EventNotification, notification(id))
	}

	got := a.Notifications()
	require.Len(t, got, 3)
	assert.Equal(t, "n3", got[0].ID)
	assert.Equal(t, "n1", got[2].ID)
	assert.Equal(t, 3, a.UnreadCount())
}

func TestDuplicateNotificationIsIgnored(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	src.send(t, domain.EventNotification, notification("n1"))
	src.send(t, domain.EventNotification, notification("n1"))

	assert.Len(t, a.Notifications(), 1)
	assert.Equal(t, 1, a.UnreadCount())
}

func TestReadNotificationDoesNotCountAsUnread(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	n := notification("n1")
	n["read"] = true
	src.send(t, domain.EventNotification, n)

	assert.Equal(t, 0, a.UnreadCount())
	assert.True(t, a.MarkNotificationRead("n1"))
	assert.Equal(t, 0, a.UnreadCount())
}

func TestMarkAllNotificationsRead(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	const n = 4
	for i := 0; i < n; i++ {
		src.send(t, domain.EventNotification, notification(fmt.Sprintf("n%d", i)))
	}
	require.Equal(t, n, a.UnreadCount())

	a.MarkAllNotificationsRead()

	assert.Equal(t, 0, a.UnreadCount())
	for _, got := range a.Notifications() {
		assert.True(t, got.Read, got.ID)
	}

	emits := src.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, domain.EventNotificationReadAll, emits[0].event)
}

func TestMarkUnknownNotificationIsNoop(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	src.send(t, domain.EventNotification, notification("n1"))

	assert.False(t, a.MarkNotificationRead("missing"))
	assert.Empty(t, src.emitted())
	assert.Equal(t, 1, a.UnreadCount())
}

func TestActivityTimelineIsBounded(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	for i := 0; i < 60; i++ {
		src.send(t, domain.EventActivity, map[string]any{"id": fmt.Sprintf("a%d", i), "type": "view"})
	}

	got := a.Activities()
	require.Len(t, got, MaxActivities)
	assert.Equal(t, "a59", got[0].ID)
	assert.Equal(t, "a10", got[len(got)-1].ID)
}

func TestFeedEventsBecomeActivities(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)
	arrival := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	deliver := func(name domain.EventName, raw string) {
		src.deliver(domain.Event{Name: name, Data: json.RawMessage(raw), ReceivedAt: arrival})
	}

	deliver(domain.EventMessage, `{"id":"m1","text":"hello","user":{"id":"u1","name":"Ann"}}`)
	deliver(domain.EventArticleUpdate, `{"articleId":"42","title":"Draft"}`)
	deliver(domain.EventCommentAdded, `{"commentId":"c1","articleId":"42"}`)
	deliver(domain.EventMetricsUpdate, `{"views":3}`)
	deliver(domain.EventUserJoined, `{"userId":"u2","username":"Bob"}`)

	got := a.Activities()
	require.Len(t, got, 5)

	nanos := arrival.UnixNano()
	assert.Equal(t, fmt.Sprintf("user_joined-u2-%d", nanos), got[0].ID)
	assert.Equal(t, domain.ActivityUserJoined, got[0].Type)
	require.NotNil(t, got[0].User)
	assert.Equal(t, "Bob", got[0].User.Name)

	assert.Equal(t, fmt.Sprintf("metrics_update-metrics-%d", nanos), got[1].ID)
	assert.Equal(t, fmt.Sprintf("comment_added-c1-%d", nanos), got[2].ID)
	assert.Equal(t, fmt.Sprintf("article_update-42-%d", nanos), got[3].ID)

	assert.Equal(t, fmt.Sprintf("message-m1-%d", nanos), got[4].ID)
	assert.Equal(t, domain.ActivityMessage, got[4].Type)
	require.NotNil(t, got[4].User)
	assert.Equal(t, "u1", got[4].User.ID)
	assert.JSONEq(t, `{"id":"m1","text":"hello","user":{"id":"u1","name":"Ann"}}`, string(got[4].Data))
	assert.True(t, got[4].Timestamp.Equal(arrival))

	assert.Empty(t, a.OnlineUsers())
}

func TestPresence(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	src.send(t, domain.EventUsersOnline, []map[string]string{
		{"id": "u1", "name": "Ann"},
		{"id": "u2", "name": "Bob"},
	})
	assert.Equal(t, 2, a.OnlineCount())

	src.send(t, domain.EventUserJoinedV2, map[string]any{"user": map[string]string{"id": "u3", "name": "Cy"}})
	src.send(t, domain.EventUserJoinedV2, map[string]any{"user": map[string]string{"id": "u3", "name": "Cy"}})
	assert.Equal(t, 3, a.OnlineCount())
	assert.True(t, a.IsOnline("u3"))

	src.send(t, domain.EventUserLeftV2, map[string]string{"userId": "nobody"})
	assert.Equal(t, 3, a.OnlineCount())

	src.send(t, domain.EventUserLeftV2, map[string]string{"userId": "u1"})
	assert.Equal(t, 2, a.OnlineCount())
	assert.False(t, a.IsOnline("u1"))

	users := a.OnlineUsers()
	require.Len(t, users, 2)
	assert.Equal(t, "u2", users[0].ID)
	assert.Equal(t, "u3", users[1].ID)

	src.send(t, domain.EventUsersOnline, map[string]any{"users": []string{"u9"}})
	assert.Equal(t, []domain.User{{ID: "u9"}}, a.OnlineUsers())

	src.send(t, domain.EventDisconnect, map[string]string{"reason": "transport close"})
	assert.Equal(t, 0, a.OnlineCount())
}

func TestJoiningSameUserTwiceKeepsOneEntry(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	src.send(t, domain.EventUserJoinedV2, map[string]string{"id": "u1"})
	src.send(t, domain.EventUserJoinedV2, map[string]string{"id": "u1"})

	assert.Equal(t, 1, a.OnlineCount())
}

func TestSubscribeSkippedWhenDisconnected(t *testing.T) {
	src := newFakeSource(false)
	a := newStarted(t, src)

	err := a.Subscribe("article", "123")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.ErrorIs(t, a.Unsubscribe("article", "123"), domain.ErrNotConnected)
	assert.Empty(t, src.emitted())

	src.connected = true
	require.NoError(t, a.Subscribe("article", "123"))

	emits := src.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, domain.EventSubscribe, emits[0].event)
	assert.Equal(t, SubscribeRequest{Channel: "article", ID: "123"}, emits[0].data)
}

func TestClearTimelines(t *testing.T) {
	src := newFakeSource(true)
	a := newStarted(t, src)

	src.send(t, domain.EventNotification, notification("n1"))
	src.send(t, domain.EventActivity, map[string]any{"id": "a1", "type": "view"})

	a.ClearNotifications()
	assert.Empty(t, a.Notifications())
	assert.Equal(t, 0, a.UnreadCount())
	assert.Len(t, a.Activities(), 1)

	a.ClearUpdates()
	assert.Empty(t, a.Activities())
}

func TestOnChangeReportsTimeline(t *testing.T) {
	src := newFakeSource(true)

	var changes []Change
	a := New(src, Options{OnChange: func(c Change) { changes = append(changes, c) }})
	a.Start()
	defer a.Stop()

	src.send(t, domain.EventNotification, notification("n1"))
	src.send(t, domain.EventNotification, notification("n1"))
	src.sendRaw(domain.EventNotification, `{}`)
	src.send(t, domain.EventActivity, map[string]any{"id": "a1", "type": "view"})
	src.send(t, domain.EventUserJoinedV2, map[string]string{"id": "u1"})

	assert.Equal(t, []Change{ChangeNotifications, ChangeActivities, ChangePresence}, changes)
}

func TestSetSourceReattaches(t *testing.T) {
	first := newFakeSource(true)
	second := newFakeSource(true)
	a := newStarted(t, first)

	a.SetSource(second)

	assert.Equal(t, 0, first.registry.Len())
	assert.Equal(t, len(Channels), second.registry.Len())

	second.send(t, domain.EventNotification, notification("n1"))
	first.send(t, domain.EventNotification, notification("n2"))

	got := a.Notifications()
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].ID)
}

func TestAggregatorOnManager(t *testing.T) {
	m := realtime.NewManager(realtime.Options{URL: "ws://localhost:1/socket"})
	defer m.Close()

	a := New(m, Options{})
	a.Start()

	assert.ErrorIs(t, a.Subscribe("article", "123"), domain.ErrNotConnected)
	assert.Equal(t, len(Channels), m.Snapshot().Listeners)

	a.Stop()
	assert.Equal(t, 0, m.Snapshot().Listeners)
}
