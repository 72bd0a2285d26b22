package websocket

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport"
	"github.com/HMasataka/quill/pkg/transport/protocol"
	"github.com/gorilla/websocket"
)

// Transport is the socket-stream transport
type Transport struct {
	url     string
	dialer  *websocket.Dialer
	handler transport.Handler
	logger  *logging.Logger
	options Options

	conn     *websocket.Conn
	sendChan chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewFactory returns a transport.Factory producing websocket transports
func NewFactory(logger *logging.Logger, options Options) transport.Factory {
	return transport.FactoryFunc(func(endpoint string, h transport.Handler) (transport.Transport, error) {
		return New(endpoint, h, logger, options)
	})
}

// New creates an unopened websocket transport for endpoint
func New(endpoint string, h transport.Handler, logger *logging.Logger, options Options) (*Transport, error) {
	u, err := transport.ResolveURL(endpoint, "ws")
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New(errors.ErrorTypeConstruction, errors.CodeConstruct, "transport handler is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	options = options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		url: u.String(),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: options.HandshakeTimeout,
			ReadBufferSize:   options.ReadBufferSize,
			WriteBufferSize:  options.WriteBufferSize,
		},
		handler:  h,
		logger:   logger.WithFields(map[string]any{"transport": transport.NameWebSocket}),
		options:  options,
		sendChan: make(chan []byte, options.SendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Name implements transport.Transport
func (t *Transport) Name() string {
	return transport.NameWebSocket
}

// Open implements transport.Transport
func (t *Transport) Open(ctx context.Context, auth protocol.Auth) (string, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return "", domain.ErrConnectionClosed
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, t.options.Header)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeDial, "failed to connect to server").WithDetails(t.url)
	}

	// the handshake below uses blocking reads; closing the conn is the only
	// way to interrupt them when ctx ends first
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sid, err := t.handshake(ctx, conn, auth)
	stopped := stop()
	if err == nil && !stopped {
		err = errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, errors.CodeConnectTimeout, "handshake interrupted")
	}
	if err != nil {
		conn.Close()
		if ctx.Err() != nil && errors.TypeOf(err) != errors.ErrorTypeUnauthorized {
			return "", errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, errors.CodeConnectTimeout, "connection timed out")
		}
		return "", err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return "", domain.ErrConnectionClosed
	}
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	go t.readPump()
	go t.writePump()

	t.logger.Debug("websocket transport open", "sid", sid)

	return sid, nil
}

func (t *Transport) handshake(ctx context.Context, conn *websocket.Conn, auth protocol.Auth) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.options.HandshakeTimeout)
	}

	hello, err := protocol.NewHandshake(auth)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeMarshal, "failed to encode handshake")
	}
	data, err := hello.Marshal()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeMarshal, "failed to encode handshake")
	}

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeHandshake, "failed to send handshake")
	}

	conn.SetReadDeadline(deadline)
	_, message, err := conn.ReadMessage()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeHandshake, "failed to read handshake reply")
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	return ParseHandshakeReply(message)
}

// ParseHandshakeReply extracts the sid from a server handshake reply,
// converting connect_error into an unauthorized error.
func ParseHandshakeReply(message []byte) (string, error) {
	reply, err := protocol.Unmarshal(message)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeUnmarshal, "malformed handshake reply")
	}

	switch reply.Event {
	case domain.EventConnect:
		var ack protocol.ConnectAck
		if err := reply.Decode(&ack); err != nil || ack.SID == "" {
			return "", errors.New(errors.ErrorTypeProtocol, errors.CodeHandshake, "handshake reply without sid")
		}
		return ack.SID, nil
	case domain.EventConnectError:
		var refusal protocol.ConnectError
		_ = reply.Decode(&refusal)
		return "", errors.New(errors.ErrorTypeUnauthorized, errors.CodeConnectError, "connection refused").WithDetails(refusal.Message)
	}

	return "", errors.New(errors.ErrorTypeProtocol, errors.CodeHandshake, "unexpected handshake reply").WithDetails(string(reply.Event))
}

// Send implements transport.Transport
func (t *Transport) Send(ctx context.Context, f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeMarshal, "failed to encode frame")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || !t.connected {
		return domain.ErrConnectionClosed
	}

	select {
	case t.sendChan <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New(errors.ErrorTypeTransport, errors.CodeSendBuffer, "send buffer is full")
	}
}

// Connected implements transport.Transport
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && !t.closed
}

// Done is closed once both pumps have stopped after Close or a remote drop.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Close implements transport.Transport
func (t *Transport) Close() error {
	return t.shutdown("", nil, true)
}

func (t *Transport) shutdown(reason string, cause error, local bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	wasConnected := t.connected
	t.connected = false
	conn := t.conn
	t.mu.Unlock()

	t.cancel()

	var err error
	if conn != nil {
		if local {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		if err = conn.Close(); err != nil {
			t.logger.Debug("error closing websocket connection", "error", err)
		}
	} else {
		close(t.done)
	}

	if !local && wasConnected {
		t.logger.Info("websocket transport closed", "reason", reason)
		t.handler.HandleClose(reason, cause)
	}

	return err
}

func (t *Transport) readPump() {
	defer func() {
		t.logger.Debug("read pump stopped")
	}()

	conn := t.conn
	conn.SetReadLimit(t.options.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(t.options.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.options.PongWait))
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			reason := closeReason(err)
			if t.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("websocket read error", "error", err)
			}
			t.shutdown(reason, err, false)
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		f, err := protocol.Unmarshal(message)
		if err != nil {
			t.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		if f.Event == domain.EventDisconnect {
			var notice protocol.DisconnectNotice
			_ = f.Decode(&notice)
			if notice.Reason == "" {
				notice.Reason = domain.ReasonServerDisconnect
			}
			t.shutdown(notice.Reason, nil, false)
			return
		}

		t.handler.HandleFrame(f)
	}
}

func (t *Transport) writePump() {
	ticker := time.NewTicker(t.options.PingInterval)
	defer func() {
		ticker.Stop()
		t.logger.Debug("write pump stopped")
		close(t.done)
	}()

	conn := t.conn
	for {
		select {
		case <-t.ctx.Done():
			return

		case message := <-t.sendChan:
			conn.SetWriteDeadline(time.Now().Add(t.options.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.logger.Warn("websocket write error", "error", err)
				t.shutdown(domain.ReasonTransportError, err, false)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(t.options.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Warn("websocket ping error", "error", err)
				t.shutdown(domain.ReasonTransportError, err, false)
				return
			}
		}
	}
}

func closeReason(err error) string {
	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return domain.ReasonPingTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return domain.ReasonTransportClose
	}
	return domain.ReasonTransportError
}
