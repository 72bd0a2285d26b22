// Package realtime owns the single connection to the realtime server and a
// listener registry that survives transport churn.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HMasataka/quill/internal/config"
	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport"
	"github.com/HMasataka/quill/pkg/transport/protocol"
	"github.com/cenkalti/backoff/v4"
)

// Options configures a Manager
type Options struct {
	// URL is the realtime endpoint.
	URL string

	// Factory builds transports. Nil means websocket with long-poll fallback.
	Factory transport.Factory

	// Credentials is consulted on every open. Nil means never authenticated.
	Credentials CredentialProvider

	Logger   *logging.Logger
	Observer Observer
}

// DefaultOptions returns default manager options
func DefaultOptions() Options {
	return Options{
		URL: config.DefaultSocketURL,
	}
}

// ConnectionInfo is a point-in-time view of a Manager.
type ConnectionInfo struct {
	URL              string        `json:"url"`
	ID               string        `json:"id,omitempty"`
	Status           domain.Status `json:"status"`
	Transport        string        `json:"transport,omitempty"`
	LastError        string        `json:"lastError,omitempty"`
	ReconnectTier    string        `json:"reconnectTier,omitempty"`
	ReconnectAttempt int           `json:"reconnectAttempt"`
	Listeners        int           `json:"listeners"`

	// Events lists the event names with at least one listener.
	Events []domain.EventName `json:"events"`
}

type reconnectInfo struct {
	Attempt int    `json:"attempt"`
	Tier    string `json:"tier,omitempty"`
}

// effects are run after the manager lock is released, so listeners and
// observers may call back into the Manager.
type effects []func()

func (e *effects) add(fn func()) {
	*e = append(*e, fn)
}

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}

// Manager keeps at most one live transport. Listener registrations are
// held by the Manager, not the transport, so every transport it creates
// delivers to the same listeners.
type Manager struct {
	url      string
	factory  transport.Factory
	creds    CredentialProvider
	logger   *logging.Logger
	errs     errors.Handler
	observer Observer
	registry *Registry

	connectTimeout time.Duration

	mu         sync.Mutex
	status     domain.Status
	sid        string
	lastErr    error
	tr         transport.Transport
	gen        uint64
	cancelOpen context.CancelFunc
	closed     bool

	// a non-nil retryTimer is the single reconnect in flight
	builtin    backoff.BackOff
	manual     backoff.BackOff
	tier       string
	attempt    int
	retryTimer *time.Timer
	retrySeq   uint64
}

// NewManager creates a disconnected manager. It never returns an error:
// a factory that cannot be built is reported on the first Connect.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("realtime")

	if opts.URL == "" {
		opts.URL = config.DefaultSocketURL
	}

	factory := opts.Factory
	if factory == nil {
		if f, err := NewTransportFactory(logger); err == nil {
			factory = f
		}
	}

	creds := opts.Credentials
	if creds == nil {
		creds = NewTokenStore("")
	}

	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Manager{
		url:            opts.URL,
		factory:        factory,
		creds:          creds,
		logger:         logger,
		errs:           errors.NewDefaultHandler(logger.Logger),
		observer:       observer,
		registry:       NewRegistry(),
		connectTimeout: ConnectTimeout,
		status:         domain.StatusDisconnected,
		builtin:        newBuiltinBackOff(),
		manual:         newManualBackOff(ManualReconnectDelay, ManualReconnectDelayMax, ManualReconnectAttempts),
	}
}

// Connect opens a transport unless one is live or pending, or the session
// is not authenticated. A scheduled reconnect is replaced by an immediate
// attempt that keeps its tier and attempt count. It returns immediately;
// the outcome is reported through connect or connect_error listeners.
func (m *Manager) Connect() {
	var fx effects

	m.mu.Lock()
	switch {
	case m.closed:
		m.logger.Debug("connect on closed manager ignored")
	case m.status != domain.StatusDisconnected:
	case !m.creds.IsAuthenticated():
		m.logger.Debug("not authenticated, skipping connect")
	default:
		if m.retryTimer != nil {
			m.retryTimer.Stop()
			m.retryTimer = nil
			m.retrySeq++
			m.logger.Debug("connecting ahead of scheduled reconnect", "tier", m.tier, "attempt", m.attempt)
		}
		m.openLocked(&fx)
	}
	m.mu.Unlock()

	fx.run()
}

// Disconnect closes the live transport and cancels any scheduled reconnect.
// It is safe to call at any time, including from a listener.
func (m *Manager) Disconnect() {
	m.teardown(domain.ReasonClientDisconnect)
}

// Close disconnects and makes every later Connect a no-op.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.teardown(domain.ReasonClientDisconnect)
}

// AuthChanged reconciles the connection with the credential provider:
// it connects when authenticated and tears down when not.
func (m *Manager) AuthChanged() {
	if m.creds.IsAuthenticated() {
		m.Connect()
		return
	}
	m.teardown(domain.ReasonAuthLost)
}

// Emit sends event when a transport is connected. Otherwise the message is
// dropped with a warning and ErrNotConnected is returned; nothing is queued.
func (m *Manager) Emit(event domain.EventName, data any) error {
	m.mu.Lock()
	tr := m.tr
	live := m.status == domain.StatusConnected
	m.mu.Unlock()

	if !live || tr == nil || !tr.Connected() {
		m.logger.Warn("socket not connected, dropping emit", "event", event)
		m.observer.EmitDropped(event)
		return domain.ErrNotConnected
	}

	f, err := protocol.NewFrame(event, data)
	if err != nil {
		e := errors.Wrap(err, errors.ErrorTypeMisuse, errors.CodeMarshal, "failed to encode outbound event").WithDetails(string(event))
		m.errs.Handle(context.Background(), e)
		m.observer.EmitDropped(event)
		return e
	}

	if err := tr.Send(context.Background(), f); err != nil {
		m.errs.Handle(context.Background(), err)
		m.observer.EmitDropped(event)
		return err
	}

	return nil
}

// AddListener registers l and returns a func removing it. Adding an
// already registered handle is a no-op.
func (m *Manager) AddListener(l *Listener) func() {
	m.registry.Add(l)
	return func() {
		m.registry.Remove(l)
	}
}

// RemoveListener unregisters exactly l
func (m *Manager) RemoveListener(l *Listener) bool {
	return m.registry.Remove(l)
}

// On registers fn for event and returns a func removing it
func (m *Manager) On(event domain.EventName, fn ListenerFunc) func() {
	return m.AddListener(NewListener(event, fn))
}

// Status returns the connection status
func (m *Manager) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ID returns the server assigned connection id, empty unless connected
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sid
}

// LastError returns the most recent connection failure
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// IsConnected reports whether emits would currently be sent
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	tr := m.tr
	live := m.status == domain.StatusConnected
	m.mu.Unlock()

	return live && tr != nil && tr.Connected()
}

// Snapshot returns a point-in-time view of the connection
func (m *Manager) Snapshot() ConnectionInfo {
	m.mu.Lock()
	info := ConnectionInfo{
		URL:              m.url,
		ID:               m.sid,
		Status:           m.status,
		ReconnectTier:    m.tier,
		ReconnectAttempt: m.attempt,
	}
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	tr := m.tr
	m.mu.Unlock()

	if tr != nil {
		info.Transport = tr.Name()
	}
	info.Listeners = m.registry.Len()
	info.Events = m.registry.Events()

	return info
}

func (m *Manager) openLocked(fx *effects) {
	m.gen++
	gen := m.gen

	tr, err := m.newTransport(gen)
	if err != nil {
		m.status = domain.StatusDisconnected
		m.lastErr = err
		m.resetRetryLocked()
		fx.add(func() {
			m.errs.Handle(context.Background(), err)
			m.observer.ConnectError(err)
			m.dispatchLifecycle(domain.EventConnectError, protocol.ConnectError{Message: err.Error()})
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	auth := protocol.Auth{Token: m.creds.Token()}

	m.tr = tr
	m.status = domain.StatusConnecting
	m.cancelOpen = cancel

	fx.add(func() {
		m.logger.Debug("connecting", "url", m.url, "transport", tr.Name())
		m.observer.StatusChanged(domain.StatusConnecting)
		go m.open(ctx, cancel, gen, tr, auth)
	})
}

func (m *Manager) newTransport(gen uint64) (tr transport.Transport, err error) {
	defer func() {
		if r := recover(); r != nil {
			tr = nil
			err = errors.New(errors.ErrorTypeConstruction, errors.CodeConstruct, "transport construction panicked").WithDetails(fmt.Sprint(r))
		}
	}()

	if m.factory == nil {
		return nil, errors.Wrap(domain.ErrTransportUnavailable, errors.ErrorTypeConstruction, errors.CodeConstruct, "no transport factory configured")
	}

	tr, err = m.factory.New(m.url, &boundHandler{m: m, gen: gen})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConstruction, errors.CodeConstruct, "failed to construct transport").WithDetails(m.url)
	}
	if tr == nil {
		return nil, errors.New(errors.ErrorTypeConstruction, errors.CodeConstruct, "factory returned no transport")
	}

	return tr, nil
}

func (m *Manager) open(ctx context.Context, cancel context.CancelFunc, gen uint64, tr transport.Transport, auth protocol.Auth) {
	sid, err := tr.Open(ctx, auth)
	cancel()

	var fx effects

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = tr.Close()
		return
	}
	m.cancelOpen = nil

	if err != nil {
		m.tr = nil
		m.status = domain.StatusDisconnected
		m.lastErr = err
		m.gen++

		fx.add(func() {
			_ = tr.Close()
			m.errs.Handle(context.Background(), err)
			m.observer.ConnectError(err)
			m.observer.StatusChanged(domain.StatusDisconnected)
			m.dispatchLifecycle(domain.EventConnectError, protocol.ConnectError{Message: err.Error()})
		})

		if errors.TypeOf(err) == errors.ErrorTypeUnauthorized {
			m.resetRetryLocked()
			fx.add(func() {
				m.logger.Warn("server refused connection, not reconnecting")
			})
		} else {
			m.scheduleLocked(&fx, m.currentTier())
		}
	} else {
		m.status = domain.StatusConnected
		m.sid = sid
		m.lastErr = nil

		tier, attempt := m.tier, m.attempt
		m.resetRetryLocked()

		fx.add(func() {
			m.logger.Info("connected", "id", sid, "transport", tr.Name())
			m.observer.StatusChanged(domain.StatusConnected)
			m.dispatchLifecycle(domain.EventConnect, protocol.ConnectAck{SID: sid})
			if tier != "" {
				m.logger.Info("reconnected", "tier", tier, "attempt", attempt)
				m.dispatchLifecycle(domain.EventReconnect, reconnectInfo{Attempt: attempt, Tier: tier})
			}
		})
	}
	m.mu.Unlock()

	fx.run()
}

func (m *Manager) handleClose(gen uint64, reason string, cause error) {
	var fx effects

	m.mu.Lock()
	if gen != m.gen || m.tr == nil {
		m.mu.Unlock()
		return
	}

	sid := m.sid
	m.tr = nil
	m.sid = ""
	m.status = domain.StatusDisconnected
	m.gen++
	if cause != nil {
		m.lastErr = errors.Wrap(cause, errors.ErrorTypeTransport, errors.CodeTransportDrop, "connection lost").WithDetails(reason)
	}

	fx.add(func() {
		m.logger.Warn("disconnected", "id", sid, "reason", reason)
		m.observer.Disconnected(reason)
		m.observer.StatusChanged(domain.StatusDisconnected)
		m.dispatchLifecycle(domain.EventDisconnect, protocol.DisconnectNotice{Reason: reason})
	})

	tier := TierBuiltin
	if reason == domain.ReasonServerDisconnect {
		tier = TierManual
	}
	m.scheduleLocked(&fx, tier)
	m.mu.Unlock()

	fx.run()
}

func (m *Manager) handleFrame(gen uint64, f *protocol.Frame) {
	m.mu.Lock()
	current := gen == m.gen && m.tr != nil
	m.mu.Unlock()

	if !current {
		return
	}
	if f.Event.IsLifecycle() {
		m.logger.Debug("ignoring lifecycle frame from server", "event", f.Event)
		return
	}

	ev := f.ToEvent()
	ev.ReceivedAt = time.Now()

	m.observer.EventReceived(ev.Name)
	m.dispatch(ev)
}

func (m *Manager) teardown(reason string) {
	m.mu.Lock()
	m.resetRetryLocked()
	if m.cancelOpen != nil {
		m.cancelOpen()
		m.cancelOpen = nil
	}
	tr := m.tr
	was := m.status
	m.tr = nil
	m.sid = ""
	m.status = domain.StatusDisconnected
	m.gen++
	m.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			m.logger.Debug("error closing transport", "error", err)
		}
	}

	if was == domain.StatusDisconnected {
		return
	}

	m.logger.Info("disconnected", "reason", reason)
	m.observer.Disconnected(reason)
	m.observer.StatusChanged(domain.StatusDisconnected)
	m.dispatchLifecycle(domain.EventDisconnect, protocol.DisconnectNotice{Reason: reason})
}

func (m *Manager) currentTier() string {
	if m.tier != "" {
		return m.tier
	}
	return TierBuiltin
}

func (m *Manager) backOffFor(tier string) backoff.BackOff {
	if tier == TierManual {
		return m.manual
	}
	return m.builtin
}

// scheduleLocked arms the next reconnect for tier unless one is already in
// flight. Switching tiers restarts the attempt count.
func (m *Manager) scheduleLocked(fx *effects, tier string) {
	if m.closed || m.retryTimer != nil {
		return
	}

	b := m.backOffFor(tier)
	if m.tier != tier {
		m.tier = tier
		m.attempt = 0
		b.Reset()
	}

	delay := b.NextBackOff()
	if delay == backoff.Stop {
		attempts := m.attempt
		err := errors.Wrap(m.lastErr, errors.ErrorTypeTransport, errors.CodeReconnectFail, "reconnection attempts exhausted").
			WithDetails(fmt.Sprintf("%s tier after %d attempts", tier, attempts))
		m.lastErr = err
		m.resetRetryLocked()

		fx.add(func() {
			m.logger.Error("reconnection failed", "tier", tier, "attempts", attempts, "error", err)
			m.observer.ReconnectFailed(tier)
			m.dispatchLifecycle(domain.EventReconnectFailed, reconnectInfo{Attempt: attempts, Tier: tier})
		})
		return
	}

	m.attempt++
	attempt := m.attempt
	m.retrySeq++
	seq := m.retrySeq
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(seq) })

	fx.add(func() {
		m.logger.Warn("scheduling reconnect", "tier", tier, "attempt", attempt, "delay", delay)
	})
}

func (m *Manager) retry(seq uint64) {
	var fx effects

	m.mu.Lock()
	if seq != m.retrySeq || m.retryTimer == nil {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil

	switch {
	case m.closed || m.status != domain.StatusDisconnected:
	case !m.creds.IsAuthenticated():
		m.resetRetryLocked()
		fx.add(func() {
			m.logger.Info("not authenticated, abandoning reconnect")
		})
	default:
		tier, attempt := m.tier, m.attempt
		fx.add(func() {
			m.logger.Info("reconnecting", "tier", tier, "attempt", attempt)
			m.observer.ReconnectAttempt(tier, attempt)
			m.dispatchLifecycle(domain.EventReconnectAttempt, reconnectInfo{Attempt: attempt, Tier: tier})
		})
		m.openLocked(&fx)
	}
	m.mu.Unlock()

	fx.run()
}

func (m *Manager) resetRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retrySeq++
	m.tier = ""
	m.attempt = 0
	m.builtin.Reset()
	m.manual.Reset()
}

func (m *Manager) dispatchLifecycle(name domain.EventName, data any) {
	ev, err := domain.NewEvent(name, data)
	if err != nil {
		m.logger.Debug("failed to encode lifecycle event", "event", name, "error", err)
		return
	}
	m.dispatch(ev)
}

func (m *Manager) dispatch(ev domain.Event) {
	for _, l := range m.registry.Listeners(ev.Name) {
		m.call(l, ev)
	}
}

func (m *Manager) call(l *Listener, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.New(errors.ErrorTypeInternal, errors.CodeListenerPanic, "listener panicked").
				WithDetails(fmt.Sprintf("%s: %v", ev.Name, r))
			m.errs.Handle(context.Background(), err)
		}
	}()

	l.Call(ev)
}

// boundHandler ties a transport's callbacks to the generation that created
// it, so callbacks from a replaced transport are ignored.
type boundHandler struct {
	m   *Manager
	gen uint64
}

func (h *boundHandler) HandleFrame(f *protocol.Frame) {
	h.m.handleFrame(h.gen, f)
}

func (h *boundHandler) HandleClose(reason string, err error) {
	h.m.handleClose(h.gen, reason, err)
}
