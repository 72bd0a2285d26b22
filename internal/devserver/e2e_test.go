package devserver

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/HMasataka/quill/internal/metrics"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/realtime"
	"github.com/HMasataka/quill/pkg/realtime/room"
	"github.com/HMasataka/quill/pkg/realtime/updates"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, url, token string, names ...string) *realtime.Manager {
	t.Helper()

	factory, err := realtime.NewTransportFactory(nil, names...)
	require.NoError(t, err)

	m := realtime.NewManager(realtime.Options{
		URL:         url,
		Factory:     factory,
		Credentials: realtime.NewTokenStore(token),
	})
	t.Cleanup(m.Close)

	return m
}

func TestClientReceivesUpdatesAndRecoversFromKick(t *testing.T) {
	srv, ts := newTestServer(t)

	m := newClient(t, socketURL(ts), "alice")
	agg := updates.New(m, updates.Options{})
	agg.Start()
	defer agg.Stop()

	m.Connect()
	require.Eventually(t, m.IsConnected, waitFor, 10*time.Millisecond)
	first := m.ID()
	assert.Equal(t, "websocket", m.Snapshot().Transport)

	require.Eventually(t, func() bool { return agg.IsOnline("alice") }, waitFor, 10*time.Millisecond)

	status, _ := post(t, ts, "/publish", map[string]any{
		"event": "notification",
		"data":  map[string]any{"id": "n1", "type": "like", "message": "Bob liked your post", "timestamp": "2024-01-02T03:04:05Z"},
	})
	require.Equal(t, http.StatusAccepted, status)
	require.Eventually(t, func() bool { return agg.UnreadCount() == 1 }, waitFor, 10*time.Millisecond)

	reconnected := make(chan struct{}, 1)
	m.On(domain.EventReconnect, func(domain.Event) {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	status, _ = post(t, ts, "/kick", KickRequest{SID: first})
	require.Equal(t, http.StatusOK, status)

	select {
	case <-reconnected:
	case <-time.After(2*realtime.ManualReconnectDelay + waitFor):
		t.Fatal("client did not reconnect after kick")
	}

	require.Eventually(t, m.IsConnected, waitFor, 10*time.Millisecond)
	assert.NotEqual(t, first, m.ID())
	assert.Len(t, agg.Notifications(), 1)
	assert.Len(t, srv.Hub().Sessions(), 1)
}

func TestClientFallsBackToPolling(t *testing.T) {
	_, ts := newTestServer(t, func(o *Options) {
		o.CheckOrigin = func(*http.Request) bool { return false }
	})

	m := newClient(t, socketURL(ts), "alice")
	m.Connect()
	require.Eventually(t, m.IsConnected, waitFor, 10*time.Millisecond)
	assert.Equal(t, "polling", m.Snapshot().Transport)

	received := make(chan domain.Event, 1)
	m.On(domain.EventCommentAdded, func(ev domain.Event) { received <- ev })

	status, _ := post(t, ts, "/publish", map[string]any{"event": "commentAdded", "data": map[string]any{"commentId": "c1"}})
	require.Equal(t, http.StatusAccepted, status)

	select {
	case ev := <-received:
		assert.JSONEq(t, `{"commentId":"c1"}`, string(ev.Data))
	case <-time.After(waitFor):
		t.Fatal("event not delivered over polling")
	}
}

func TestClientRefusedByServer(t *testing.T) {
	_, ts := newTestServer(t, WithAuthenticator(func(string) (domain.User, error) {
		return domain.User{}, ErrTokenRequired
	}))

	reg := prometheus.NewRegistry()
	factory, err := realtime.NewTransportFactory(nil, "websocket")
	require.NoError(t, err)
	m := realtime.NewManager(realtime.Options{
		URL:         socketURL(ts),
		Factory:     factory,
		Credentials: realtime.NewTokenStore("expired"),
		Observer:    metrics.NewClient(reg),
	})
	defer m.Close()

	refused := make(chan domain.Event, 1)
	m.On(domain.EventConnectError, func(ev domain.Event) { refused <- ev })
	m.Connect()

	select {
	case ev := <-refused:
		assert.Contains(t, string(ev.Data), "authentication required")
	case <-time.After(waitFor):
		t.Fatal("no connect_error")
	}

	require.Eventually(t, func() bool { return m.Status() == domain.StatusDisconnected }, waitFor, 10*time.Millisecond)
	expected := `
# HELP quill_client_connect_errors_total Failed connection attempts.
# TYPE quill_client_connect_errors_total counter
quill_client_connect_errors_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "quill_client_connect_errors_total"))
}

func TestRoomsBetweenTwoClients(t *testing.T) {
	_, ts := newTestServer(t)

	alice := newClient(t, socketURL(ts), "alice")
	bob := newClient(t, socketURL(ts), "bob", "polling")

	aliceRoom := room.New(alice, "article-1", room.Options{Kind: room.KindArticle})
	aliceRoom.Start()
	defer aliceRoom.Stop()
	aliceTyping := room.NewTypingIndicator(alice, "article-1", room.TypingOptions{Kind: room.KindArticle, SelfID: "alice"})
	aliceTyping.Start()
	defer aliceTyping.Stop()

	bobRoom := room.New(bob, "article-1", room.Options{Kind: room.KindArticle})
	bobRoom.Start()
	defer bobRoom.Stop()
	bobTyping := room.NewTypingIndicator(bob, "article-1", room.TypingOptions{Kind: room.KindArticle, SelfID: "bob"})
	bobTyping.Start()
	defer bobTyping.Stop()

	alice.Connect()
	require.Eventually(t, aliceRoom.Joined, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return aliceRoom.MemberCount() == 1 }, waitFor, 10*time.Millisecond)

	bob.Connect()
	require.Eventually(t, func() bool { return aliceRoom.MemberCount() == 2 }, waitFor, 10*time.Millisecond)

	bobTyping.Typing()
	require.Eventually(t, func() bool {
		users := aliceTyping.TypingUsers()
		return len(users) == 1 && users[0] == "bob"
	}, waitFor, 10*time.Millisecond)

	bobTyping.StopTyping()
	require.Eventually(t, func() bool { return len(aliceTyping.TypingUsers()) == 0 }, waitFor, 10*time.Millisecond)

	bob.Disconnect()
	require.Eventually(t, func() bool { return aliceRoom.MemberCount() == 1 }, waitFor, 10*time.Millisecond)
}
