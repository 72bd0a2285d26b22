// Package transport defines the persistent bidirectional link between a
// realtime client and server, independent of the wire mechanism.
package transport

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport/protocol"
)

// Names of the built-in transports.
const (
	NameWebSocket = "websocket"
	NamePolling   = "polling"
)

// Handler receives everything a transport reads after Open succeeded.
// Calls are sequential and in wire order.
type Handler interface {
	HandleFrame(f *protocol.Frame)

	// HandleClose is called at most once, when the link goes away for a
	// reason other than a local Close.
	HandleClose(reason string, err error)
}

// Transport is one live link. A Transport is single use: once closed it
// is never reopened.
type Transport interface {
	Name() string

	// Open dials and performs the handshake, returning the server assigned
	// connection identifier. ctx bounds the whole handshake.
	Open(ctx context.Context, auth protocol.Auth) (string, error)

	// Send queues a frame without blocking on the network.
	Send(ctx context.Context, f *protocol.Frame) error

	Connected() bool

	// Close is idempotent.
	Close() error
}

// Factory constructs transports bound to a handler.
type Factory interface {
	New(endpoint string, h Handler) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(endpoint string, h Handler) (Transport, error)

// New implements Factory
func (fn FactoryFunc) New(endpoint string, h Handler) (Transport, error) {
	return fn(endpoint, h)
}

// ResolveURL rewrites endpoint to the given scheme family ("ws" or "http"),
// keeping TLS variants paired. An empty family only validates.
func ResolveURL(endpoint, family string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConstruction, errors.CodeConstruct, "invalid endpoint")
	}
	if u.Host == "" {
		return nil, errors.New(errors.ErrorTypeConstruction, errors.CodeConstruct, "invalid endpoint").WithDetails("missing host")
	}

	secure := u.Scheme == "wss" || u.Scheme == "https"
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, errors.New(errors.ErrorTypeConstruction, errors.CodeConstruct, "unsupported endpoint scheme").WithDetails(u.Scheme)
	}

	switch family {
	case "ws", "http":
		u.Scheme = family
		if secure {
			u.Scheme += "s"
		}
	}

	return u, nil
}

// JoinPath appends elem to the endpoint path.
func JoinPath(u *url.URL, elem string) *url.URL {
	out := *u
	out.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(elem, "/")
	return &out
}

// MultiFactory builds a transport that tries each factory in order when
// opened, keeping the first one whose handshake succeeds.
type MultiFactory struct {
	names     []string
	factories []Factory
}

// NewMultiFactory creates an empty MultiFactory; add transports with Add.
func NewMultiFactory() *MultiFactory {
	return &MultiFactory{}
}

// Add appends a named transport to the fallback order.
func (m *MultiFactory) Add(name string, f Factory) *MultiFactory {
	m.names = append(m.names, name)
	m.factories = append(m.factories, f)
	return m
}

// Names returns the fallback order.
func (m *MultiFactory) Names() []string {
	return append([]string(nil), m.names...)
}

// New implements Factory. Construction of the underlying transports is
// deferred to Open so that a misconfigured fallback does not block the
// preferred transport.
func (m *MultiFactory) New(endpoint string, h Handler) (Transport, error) {
	if len(m.factories) == 0 {
		return nil, errors.Wrap(domain.ErrTransportUnavailable, errors.ErrorTypeConstruction, errors.CodeConstruct, "no transports configured")
	}
	if _, err := ResolveURL(endpoint, ""); err != nil {
		return nil, err
	}
	return &multi{factory: m, endpoint: endpoint, handler: h}, nil
}

type multi struct {
	factory  *MultiFactory
	endpoint string
	handler  Handler

	mu     sync.Mutex
	active Transport
	closed bool
}

func (t *multi) current() Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *multi) Name() string {
	if tr := t.current(); tr != nil {
		return tr.Name()
	}
	return strings.Join(t.factory.names, ",")
}

func (t *multi) Open(ctx context.Context, auth protocol.Auth) (string, error) {
	var (
		errs    []error
		refusal error
	)

	for i, f := range t.factory.factories {
		tr, err := f.New(t.endpoint, t.handler)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		sid, err := tr.Open(ctx, auth)
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				_ = tr.Close()
				return "", domain.ErrConnectionClosed
			}
			t.active = tr
			t.mu.Unlock()
			return sid, nil
		}
		_ = tr.Close()
		errs = append(errs, errors.Wrap(err, errors.TypeOf(err), errors.CodeDial, t.factory.names[i]+" failed"))

		// a refused handshake means the server answered; another transport
		// would get the same answer
		if errors.TypeOf(err) == errors.ErrorTypeUnauthorized {
			refusal = err
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	joined := errors.Join(errs...)
	if refusal != nil {
		// callers classify by the outermost error, which must be the refusal
		// and not an earlier dial failure
		return "", errors.Wrap(joined, errors.ErrorTypeUnauthorized, errors.CodeConnectError, "connection refused").WithDetails(refusal.Error())
	}
	return "", joined
}

func (t *multi) Send(ctx context.Context, f *protocol.Frame) error {
	tr := t.current()
	if tr == nil {
		return domain.ErrNotConnected
	}
	return tr.Send(ctx, f)
}

func (t *multi) Connected() bool {
	tr := t.current()
	return tr != nil && tr.Connected()
}

func (t *multi) Close() error {
	t.mu.Lock()
	t.closed = true
	tr := t.active
	t.mu.Unlock()

	if tr == nil {
		return nil
	}
	return tr.Close()
}
