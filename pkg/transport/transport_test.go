package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	name    string
	sid     string
	openErr error

	mu     sync.Mutex
	opened bool
	closed bool
}

func (t *stubTransport) Name() string { return t.name }

func (t *stubTransport) Open(context.Context, protocol.Auth) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened = true
	if t.openErr != nil {
		return "", t.openErr
	}
	return t.sid, nil
}

func (t *stubTransport) Send(context.Context, *protocol.Frame) error { return nil }

func (t *stubTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened && !t.closed && t.openErr == nil
}

func (t *stubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *stubTransport) wasOpened() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

func factoryOf(tr *stubTransport) Factory {
	return FactoryFunc(func(string, Handler) (Transport, error) { return tr, nil })
}

func newMulti(t *testing.T, trs ...*stubTransport) Transport {
	t.Helper()

	mf := NewMultiFactory()
	for _, tr := range trs {
		mf.Add(tr.name, factoryOf(tr))
	}
	tr, err := mf.New("ws://realtime.test/socket", nil)
	require.NoError(t, err)
	return tr
}

func TestMultiFallsBackInOrder(t *testing.T) {
	ws := &stubTransport{name: NameWebSocket, openErr: errors.New(errors.ErrorTypeTransport, errors.CodeDial, "dial failed")}
	poll := &stubTransport{name: NamePolling, sid: "s1"}
	tr := newMulti(t, ws, poll)

	assert.Equal(t, "websocket,polling", tr.Name())

	sid, err := tr.Open(context.Background(), protocol.Auth{Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "s1", sid)
	assert.Equal(t, NamePolling, tr.Name())
	assert.True(t, tr.Connected())

	ws.mu.Lock()
	assert.True(t, ws.closed)
	ws.mu.Unlock()
}

func TestMultiRefusalAfterDialFailureIsUnauthorized(t *testing.T) {
	ws := &stubTransport{name: NameWebSocket, openErr: errors.New(errors.ErrorTypeTransport, errors.CodeDial, "dial failed")}
	poll := &stubTransport{name: NamePolling, openErr: errors.New(errors.ErrorTypeUnauthorized, errors.CodeConnectError, "connection refused").WithDetails("bad token")}
	tr := newMulti(t, ws, poll)

	_, err := tr.Open(context.Background(), protocol.Auth{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeUnauthorized, errors.TypeOf(err))
	assert.Contains(t, err.Error(), "dial failed")
	assert.Contains(t, err.Error(), "bad token")
	assert.False(t, tr.Connected())
}

func TestMultiRefusalStopsFallback(t *testing.T) {
	ws := &stubTransport{name: NameWebSocket, openErr: errors.New(errors.ErrorTypeUnauthorized, errors.CodeConnectError, "connection refused")}
	poll := &stubTransport{name: NamePolling, sid: "s1"}
	tr := newMulti(t, ws, poll)

	_, err := tr.Open(context.Background(), protocol.Auth{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeUnauthorized, errors.TypeOf(err))
	assert.False(t, poll.wasOpened())
}

func TestMultiAllDialFailuresStayTransportErrors(t *testing.T) {
	ws := &stubTransport{name: NameWebSocket, openErr: errors.New(errors.ErrorTypeTransport, errors.CodeDial, "dial failed")}
	poll := &stubTransport{name: NamePolling, openErr: errors.New(errors.ErrorTypeTransport, errors.CodeDial, "poll failed")}
	tr := newMulti(t, ws, poll)

	_, err := tr.Open(context.Background(), protocol.Auth{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeTransport, errors.TypeOf(err))
}

func TestMultiClosedDuringOpen(t *testing.T) {
	tr := newMulti(t, &stubTransport{name: NameWebSocket, sid: "s1"})
	require.NoError(t, tr.Close())

	_, err := tr.Open(context.Background(), protocol.Auth{})
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestMultiFactoryValidation(t *testing.T) {
	_, err := NewMultiFactory().New("ws://realtime.test/socket", nil)
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)

	mf := NewMultiFactory().Add(NameWebSocket, factoryOf(&stubTransport{name: NameWebSocket}))
	_, err = mf.New("ftp://realtime.test", nil)
	assert.Error(t, err)
	assert.Equal(t, []string{NameWebSocket}, mf.Names())
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		endpoint string
		family   string
		want     string
	}{
		{"ws://localhost:3001/socket", "http", "http://localhost:3001/socket"},
		{"https://rt.example.com/socket", "ws", "wss://rt.example.com/socket"},
		{"wss://rt.example.com/socket", "http", "https://rt.example.com/socket"},
		{"http://localhost/socket", "", "http://localhost/socket"},
		{"wss://rt.example.com/socket", "", "wss://rt.example.com/socket"},
	}

	for _, tt := range tests {
		u, err := ResolveURL(tt.endpoint, tt.family)
		require.NoError(t, err)
		assert.Equal(t, tt.want, u.String())
	}

	_, err := ResolveURL("ws:///nohost", "ws")
	assert.Error(t, err)
}
