package devserver

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport"
	"github.com/HMasataka/quill/pkg/transport/protocol"
	"github.com/gorilla/websocket"
)

// Session is one authenticated client link, whichever transport carries it.
type Session interface {
	ID() string
	User() domain.User
	Transport() string

	// Send queues f without blocking.
	Send(f *protocol.Frame) error

	// Close ends the session. A non-empty reason is delivered to the client
	// as a disconnect frame first. Close is idempotent.
	Close(reason string)

	// Done is closed once the session is gone.
	Done() <-chan struct{}
}

type sessionInfo struct {
	id        string
	user      domain.User
	createdAt time.Time
}

func (s *sessionInfo) ID() string        { return s.id }
func (s *sessionInfo) User() domain.User { return s.user }

func disconnectFrame(reason string) *protocol.Frame {
	f, _ := protocol.NewFrame(domain.EventDisconnect, protocol.DisconnectNotice{Reason: reason})
	return f
}

// wsSession carries a session over a websocket connection
type wsSession struct {
	sessionInfo

	conn    *websocket.Conn
	logger  *logging.Logger
	options Options

	send chan []byte
	quit chan struct{}
	done chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason string
}

func newWSSession(info sessionInfo, conn *websocket.Conn, logger *logging.Logger, options Options) *wsSession {
	return &wsSession{
		sessionInfo: info,
		conn:        conn,
		logger:      logger.WithFields(map[string]any{"transport": transport.NameWebSocket}),
		options:     options,
		send:        make(chan []byte, options.SendBufferSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (s *wsSession) Transport() string { return transport.NameWebSocket }

func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Send(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeMarshal, "failed to encode frame")
	}

	select {
	case <-s.quit:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	default:
		return errors.New(errors.ErrorTypeTransport, errors.CodeSendBuffer, "send buffer is full")
	}
}

func (s *wsSession) Close(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.quit)
	})
}

// writeDirect writes a frame before the pumps start.
func (s *wsSession) writeDirect(f *protocol.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSession) start(onFrame func(*protocol.Frame)) {
	go s.readPump(onFrame)
	go s.writePump()
}

func (s *wsSession) readPump(onFrame func(*protocol.Frame)) {
	defer s.Close("")

	s.conn.SetReadLimit(s.options.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.options.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.options.PongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		f, err := protocol.Unmarshal(message)
		if err != nil {
			s.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		onFrame(f)
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(s.options.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case <-s.quit:
			s.mu.Lock()
			reason := s.reason
			s.mu.Unlock()

			deadline := time.Now().Add(s.options.WriteTimeout)
			if reason != "" {
				if data, err := disconnectFrame(reason).Marshal(); err == nil {
					s.conn.SetWriteDeadline(deadline)
					_ = s.conn.WriteMessage(websocket.TextMessage, data)
				}
			}
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write error", "error", err)
				s.Close("")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close("")
				return
			}
		}
	}
}

// pollSession buffers outbound frames until the client's next long-poll
type pollSession struct {
	sessionInfo

	mu       sync.Mutex
	queue    []*protocol.Frame
	closed   bool
	lastSeen time.Time
	polling  int
	limit    int

	notify chan struct{}
	done   chan struct{}
}

func newPollSession(info sessionInfo, limit int) *pollSession {
	return &pollSession{
		sessionInfo: info,
		lastSeen:    time.Now(),
		limit:       limit,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (s *pollSession) Transport() string { return transport.NamePolling }

func (s *pollSession) Done() <-chan struct{} { return s.done }

func (s *pollSession) Send(f *protocol.Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrConnectionClosed
	}
	if len(s.queue) >= s.limit {
		s.mu.Unlock()
		return errors.New(errors.ErrorTypeTransport, errors.CodeSendBuffer, "send buffer is full")
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	s.wake()
	return nil
}

func (s *pollSession) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if reason != "" {
		s.queue = append(s.queue, disconnectFrame(reason))
	}
	s.mu.Unlock()

	close(s.done)
	s.wake()
}

func (s *pollSession) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Poll waits up to wait for queued frames. It reports false once the
// session is closed and fully drained.
func (s *pollSession) Poll(ctx context.Context, wait time.Duration) ([]*protocol.Frame, bool) {
	s.mu.Lock()
	s.polling++
	s.lastSeen = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.polling--
		s.lastSeen = time.Now()
		s.mu.Unlock()
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frames := s.queue
			s.queue = nil
			s.mu.Unlock()
			return frames, true
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-s.notify:
		case <-timer.C:
			return nil, true
		case <-ctx.Done():
			return nil, true
		}
	}
}

func (s *pollSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// idle reports whether no poll is in flight and none arrived within timeout.
func (s *pollSession) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling == 0 && now.Sub(s.lastSeen) > timeout
}
