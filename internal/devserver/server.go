// Package devserver is a small realtime server speaking the same wire
// protocol as the client, over both websocket and HTTP long-poll. It backs
// `quill serve` and the integration tests.
package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/HMasataka/quill/internal/eventbus"
	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/internal/metrics"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
)

const busSource = "devserver"

// Server represents the dev realtime server
type Server struct {
	options  Options
	upgrader websocket.Upgrader
	router   chi.Router
	hub      *Hub
	handlers *protocol.HandlerRegistry
	logger   *logging.Logger
	metrics  *metrics.Server
	bus      eventbus.Bus
	registry *prometheus.Registry

	polls sync.Map // map[string]*pollSession
	wg    sync.WaitGroup
}

// New creates a new dev server
func New(opts ...Option) *Server {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if options.Authenticator == nil {
		options.Authenticator = TokenAuthenticator
	}
	if options.PingInterval <= 0 || options.PingInterval >= options.PongWait {
		options.PingInterval = (options.PongWait * 9) / 10
	}
	options.Path = "/" + strings.Trim(options.Path, "/")

	registry := options.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.NewServer(registry)

	s := &Server{
		options: options,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: options.HandshakeTimeout,
			CheckOrigin:      options.CheckOrigin,
		},
		hub:      NewHub(HubOptions{Logger: logger, Metrics: m}),
		handlers: protocol.NewHandlerRegistry(),
		logger:   logger.WithComponent("devserver"),
		metrics:  m,
		bus:      options.EventBus,
		registry: registry,
	}
	s.registerHandlers()
	s.router = s.routes()

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get(s.options.Path, s.serveWebSocket)
	r.Post(s.options.Path+"/poll", s.pollPost)
	r.Get(s.options.Path+"/poll", s.pollGet)
	r.Delete(s.options.Path+"/poll", s.pollDelete)

	r.Post("/publish", s.publish)
	r.Post("/kick", s.kick)
	r.Get("/sessions", s.sessions)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

// requestLogger puts a logger tagged with the request id into the request
// context; handlers read it back with logging.FromContext.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := logging.Annotate(r.Context(), s.logger, "request_id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the session hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the hub and the long-poll reaper; both stop with ctx or Stop.
func (s *Server) Start(ctx context.Context) {
	s.hub.Start(ctx)

	s.wg.Add(1)
	go s.reap(s.hub.ctx)
}

// Stop closes all sessions
func (s *Server) Stop() {
	s.hub.Stop()
	s.wg.Wait()
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context(), s.logger)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade error", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.options.HandshakeTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		logger.Debug("handshake read error", "error", err, "remote_addr", r.RemoteAddr)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	user, err := s.authenticate(message)
	if err != nil {
		logger.Info("connection refused", "error", err, "remote_addr", r.RemoteAddr)
		if data, merr := mustFrame(domain.EventConnectError, protocol.ConnectError{Message: refusal(err)}).Marshal(); merr == nil {
			conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.Close()
		return
	}

	info := s.newInfo(user)
	ctx, logger := logging.Annotate(r.Context(), s.logger, "sid", info.id, "user_id", user.ID)

	session := newWSSession(info, conn, logger, s.options)
	if err := s.hub.Register(session); err != nil {
		logger.Error("failed to register session", "error", err)
		conn.Close()
		return
	}

	if err := session.writeDirect(mustFrame(domain.EventConnect, protocol.ConnectAck{SID: session.ID()})); err != nil {
		logger.Debug("failed to acknowledge handshake", "error", err)
		session.Close("")
	}

	s.opened(ctx, session, r.RemoteAddr)
	session.start(func(f *protocol.Frame) {
		s.dispatch(ctx, session, f)
	})

	<-session.Done()
	s.closed(ctx, session)
}

func (s *Server) pollPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.options.MaxMessageSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	sid := r.URL.Query().Get("sid")
	if sid == "" {
		s.pollHandshake(w, r, body)
		return
	}

	session, ok := s.pollSession(sid)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	session.touch()

	f, err := protocol.Unmarshal(body)
	if err != nil {
		http.Error(w, "malformed frame", http.StatusBadRequest)
		return
	}
	ctx, _ := logging.Annotate(r.Context(), s.logger, "sid", session.ID(), "user_id", session.User().ID)
	s.dispatch(ctx, session, f)

	w.WriteHeader(http.StatusOK)
}

func (s *Server) pollHandshake(w http.ResponseWriter, r *http.Request, body []byte) {
	user, err := s.authenticate(body)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Info("connection refused", "error", err, "remote_addr", r.RemoteAddr)
		writeFrame(w, http.StatusUnauthorized, mustFrame(domain.EventConnectError, protocol.ConnectError{Message: refusal(err)}))
		return
	}

	session := newPollSession(s.newInfo(user), s.options.SendBufferSize)
	s.polls.Store(session.ID(), session)
	if err := s.hub.Register(session); err != nil {
		s.polls.Delete(session.ID())
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}

	ctx, _ := logging.Annotate(r.Context(), s.logger, "sid", session.ID(), "user_id", user.ID)
	s.opened(ctx, session, r.RemoteAddr)
	// outlives the handshake request
	closeCtx := context.WithoutCancel(ctx)
	go func() {
		<-session.Done()
		s.closed(closeCtx, session)
	}()

	writeFrame(w, http.StatusOK, mustFrame(domain.EventConnect, protocol.ConnectAck{SID: session.ID()}))
}

func (s *Server) pollGet(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	session, ok := s.pollSession(sid)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	frames, open := session.Poll(r.Context(), s.options.PollWait)
	if !open {
		s.polls.Delete(sid)
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	if len(frames) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	data, err := protocol.MarshalBatch(frames)
	if err != nil {
		http.Error(w, "failed to encode frames", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) pollDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if session, ok := s.pollSession(sid); ok {
		s.polls.Delete(sid)
		session.Close("")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pollSession(sid string) (*pollSession, bool) {
	if sid == "" {
		return nil, false
	}
	value, ok := s.polls.Load(sid)
	if !ok {
		return nil, false
	}
	return value.(*pollSession), true
}

// reap closes long-poll sessions whose client stopped polling
func (s *Server) reap(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.SessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.polls.Range(func(key, value any) bool {
				session := value.(*pollSession)
				if session.idle(now, s.options.SessionTimeout) {
					s.logger.Info("reaping idle poll session", "sid", key)
					s.polls.Delete(key)
					session.Close("")
				}
				return true
			})
		}
	}
}

func (s *Server) newInfo(user domain.User) sessionInfo {
	return sessionInfo{id: xid.New().String(), user: user, createdAt: time.Now()}
}

func (s *Server) authenticate(message []byte) (domain.User, error) {
	f, err := protocol.Unmarshal(message)
	if err != nil {
		return domain.User{}, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeHandshake, "malformed handshake")
	}
	if f.Event != domain.EventConnect {
		return domain.User{}, errors.New(errors.ErrorTypeProtocol, errors.CodeHandshake, "expected connect").WithDetails(string(f.Event))
	}

	var auth protocol.Auth
	if err := f.Decode(&auth); err != nil {
		return domain.User{}, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeHandshake, "malformed handshake")
	}

	return s.options.Authenticator(auth.Token)
}

func (s *Server) opened(ctx context.Context, session Session, remoteAddr string) {
	s.metrics.SessionOpened(session.Transport())
	logging.FromContext(ctx, s.logger).Info("session opened",
		"transport", session.Transport(),
		"remote_addr", remoteAddr,
	)
	s.publishEvent(eventbus.NewEvent(eventbus.EventSessionOpened, busSource, session.User()).
		WithMetadata("sid", session.ID()).
		WithMetadata("transport", session.Transport()))
}

func (s *Server) closed(ctx context.Context, session Session) {
	logger := logging.FromContext(ctx, s.logger)
	if err := s.hub.Unregister(session.ID()); err != nil {
		logger.Debug("failed to unregister session", "error", err)
	}
	s.metrics.SessionClosed(session.Transport())
	logger.Info("session closed", "transport", session.Transport())
	s.publishEvent(eventbus.NewEvent(eventbus.EventSessionClosed, busSource, session.User()).
		WithMetadata("sid", session.ID()).
		WithMetadata("transport", session.Transport()))
}

func (s *Server) publishEvent(e *eventbus.Event) {
	if s.bus == nil {
		return
	}
	if !s.bus.PublishAsync(e) {
		s.logger.Warn("event bus full, dropping event", "type", e.Type)
	}
}

// dispatch routes one client frame through the handler registry and sends
// any reply back to the originating session.
func (s *Server) dispatch(ctx context.Context, session Session, f *protocol.Frame) {
	s.metrics.FrameIn(f.Event)

	reply, err := s.handlers.Handle(ctx, session.ID(), f)
	if err != nil {
		logging.FromContext(ctx, s.logger).Debug("frame not handled", "event", f.Event, "error", err)
		return
	}
	if reply == nil {
		return
	}
	if err := session.Send(reply); err != nil {
		logging.FromContext(ctx, s.logger).Debug("failed to send reply", "event", reply.Event, "error", err)
		return
	}
	s.metrics.FrameOut(reply.Event)
}

func refusal(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func writeFrame(w http.ResponseWriter, status int, f *protocol.Frame) {
	data, err := f.Marshal()
	if err != nil {
		http.Error(w, "failed to encode frame", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
