package polling

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	frames chan *protocol.Frame
	closed chan string
}

func newRecorder() *recorder {
	return &recorder{frames: make(chan *protocol.Frame, 16), closed: make(chan string, 1)}
}

func (r *recorder) HandleFrame(f *protocol.Frame)      { r.frames <- f }
func (r *recorder) HandleClose(reason string, _ error) { r.closed <- reason }

// stub is a scripted long-poll endpoint
type stub struct {
	mu        sync.Mutex
	handshake func(w http.ResponseWriter)
	polls     chan []byte
	pollCode  int
	posted    [][]byte
	deleted   chan string
}

func newStub() *stub {
	return &stub{
		handshake: func(w http.ResponseWriter) {
			f, _ := protocol.NewFrame(domain.EventConnect, protocol.ConnectAck{SID: "s1"})
			data, _ := f.Marshal()
			w.Write(data)
		},
		polls:   make(chan []byte, 8),
		deleted: make(chan string, 1),
	}
}

func (s *stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket/poll" {
		http.NotFound(w, r)
		return
	}

	sid := r.URL.Query().Get("sid")
	switch r.Method {
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		if sid == "" {
			s.handshake(w)
			return
		}
		s.mu.Lock()
		s.posted = append(s.posted, body)
		s.mu.Unlock()

	case http.MethodGet:
		s.mu.Lock()
		code := s.pollCode
		s.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			return
		}
		select {
		case body := <-s.polls:
			w.Write(body)
		case <-time.After(50 * time.Millisecond):
			w.WriteHeader(http.StatusNoContent)
		case <-r.Context().Done():
		}

	case http.MethodDelete:
		s.deleted <- sid
	}
}

func (s *stub) postedFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.posted...)
}

func (s *stub) setPollCode(code int) {
	s.mu.Lock()
	s.pollCode = code
	s.mu.Unlock()
}

func open(t *testing.T, s *stub, h *recorder) *Transport {
	t.Helper()

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	tr, err := New(ts.URL+"/socket", h, nil, Options{PollTimeout: time.Second, RequestTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return tr
}

func batch(t *testing.T, frames ...*protocol.Frame) []byte {
	t.Helper()
	data, err := protocol.MarshalBatch(frames)
	require.NoError(t, err)
	return data
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New("ftp://example.com", newRecorder(), nil, DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConstruction, errors.TypeOf(err))

	_, err = New("ws://example.com/socket", nil, nil, DefaultOptions())
	require.Error(t, err)
}

func TestOpenDeliversPolledFrames(t *testing.T) {
	s := newStub()
	h := newRecorder()
	tr := open(t, s, h)

	sid, err := tr.Open(context.Background(), protocol.Auth{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "s1", sid)
	assert.True(t, tr.Connected())

	a, _ := protocol.NewFrame(domain.EventActivity, map[string]string{"id": "a1"})
	b, _ := protocol.NewFrame(domain.EventMessage, map[string]string{"id": "m1"})
	s.polls <- batch(t, a, b)

	assert.Equal(t, domain.EventActivity, (<-h.frames).Event)
	assert.Equal(t, domain.EventMessage, (<-h.frames).Event)
}

func TestOpenRefused(t *testing.T) {
	s := newStub()
	s.handshake = func(w http.ResponseWriter) {
		f, _ := protocol.NewFrame(domain.EventConnectError, protocol.ConnectError{Message: "token expired"})
		data, _ := f.Marshal()
		w.WriteHeader(http.StatusUnauthorized)
		w.Write(data)
	}
	tr := open(t, s, newRecorder())

	_, err := tr.Open(context.Background(), protocol.Auth{Token: "t"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeUnauthorized, errors.TypeOf(err))
	assert.Contains(t, err.Error(), "token expired")
	assert.False(t, tr.Connected())
}

func TestOpenUnexpectedStatus(t *testing.T) {
	s := newStub()
	s.handshake = func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) }
	tr := open(t, s, newRecorder())

	_, err := tr.Open(context.Background(), protocol.Auth{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeTransport, errors.TypeOf(err))
}

func TestOpenWithoutSid(t *testing.T) {
	s := newStub()
	s.handshake = func(w http.ResponseWriter) { w.Write([]byte(`{"event":"connect","data":{}}`)) }
	tr := open(t, s, newRecorder())

	_, err := tr.Open(context.Background(), protocol.Auth{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeProtocol, errors.TypeOf(err))
}

func TestServerDisconnectNotice(t *testing.T) {
	s := newStub()
	h := newRecorder()
	tr := open(t, s, h)
	_, err := tr.Open(context.Background(), protocol.Auth{Token: "t"})
	require.NoError(t, err)

	notice, _ := protocol.NewFrame(domain.EventDisconnect, protocol.DisconnectNotice{Reason: domain.ReasonServerDisconnect})
	s.polls <- batch(t, notice)

	select {
	case reason := <-h.closed:
		assert.Equal(t, domain.ReasonServerDisconnect, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no close")
	}
	assert.False(t, tr.Connected())
}

func TestGoneSessionClosesTransport(t *testing.T) {
	s := newStub()
	h := newRecorder()
	tr := open(t, s, h)
	_, err := tr.Open(context.Background(), protocol.Auth{Token: "t"})
	require.NoError(t, err)

	s.setPollCode(http.StatusGone)

	select {
	case reason := <-h.closed:
		assert.Equal(t, domain.ReasonTransportClose, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no close")
	}
}

func TestSendPostsFrames(t *testing.T) {
	s := newStub()
	tr := open(t, s, newRecorder())
	_, err := tr.Open(context.Background(), protocol.Auth{Token: "t"})
	require.NoError(t, err)

	f, _ := protocol.NewFrame(domain.EventSubscribe, map[string]string{"channel": "feed"})
	require.NoError(t, tr.Send(context.Background(), f))

	require.Eventually(t, func() bool { return len(s.postedFrames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got, err := protocol.Unmarshal(s.postedFrames()[0])
	require.NoError(t, err)
	assert.Equal(t, domain.EventSubscribe, got.Event)
}

func TestSendBeforeOpen(t *testing.T) {
	tr := open(t, newStub(), newRecorder())

	f, _ := protocol.NewFrame(domain.EventSubscribe, nil)
	assert.ErrorIs(t, tr.Send(context.Background(), f), domain.ErrConnectionClosed)
}

func TestCloseNotifiesServerWithoutCallback(t *testing.T) {
	s := newStub()
	h := newRecorder()
	tr := open(t, s, h)
	_, err := tr.Open(context.Background(), protocol.Auth{Token: "t"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case sid := <-s.deleted:
		assert.Equal(t, "s1", sid)
	case <-time.After(2 * time.Second):
		t.Fatal("server not notified")
	}

	select {
	case reason := <-h.closed:
		t.Fatalf("unexpected close callback: %s", reason)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = tr.Open(context.Background(), protocol.Auth{Token: "t"})
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}
