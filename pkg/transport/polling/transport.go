// Package polling implements the HTTP long-poll transport used when a
// socket stream cannot be established.
package polling

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport"
	"github.com/HMasataka/quill/pkg/transport/protocol"
)

// Path is appended to the endpoint to form the long-poll URL.
const Path = "poll"

// Options represents long-poll transport options
type Options struct {
	// PollTimeout bounds a single GET; the server should answer sooner.
	PollTimeout    time.Duration
	RequestTimeout time.Duration
	SendBufferSize int
	MaxBodySize    int64
	Client         *http.Client
}

// DefaultOptions returns default transport options
func DefaultOptions() Options {
	return Options{
		PollTimeout:    35 * time.Second,
		RequestTimeout: 10 * time.Second,
		SendBufferSize: 256,
		MaxBodySize:    1 << 20,
	}
}

// Transport is the HTTP long-poll transport
type Transport struct {
	base    *url.URL
	client  *http.Client
	handler transport.Handler
	logger  *logging.Logger
	options Options

	sendChan chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.RWMutex
	sid       string
	connected bool
	closed    bool
}

// NewFactory returns a transport.Factory producing long-poll transports
func NewFactory(logger *logging.Logger, options Options) transport.Factory {
	return transport.FactoryFunc(func(endpoint string, h transport.Handler) (transport.Transport, error) {
		return New(endpoint, h, logger, options)
	})
}

// New creates an unopened long-poll transport for endpoint
func New(endpoint string, h transport.Handler, logger *logging.Logger, options Options) (*Transport, error) {
	u, err := transport.ResolveURL(endpoint, "http")
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New(errors.ErrorTypeConstruction, errors.CodeConstruct, "transport handler is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	d := DefaultOptions()
	if options.PollTimeout <= 0 {
		options.PollTimeout = d.PollTimeout
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = d.RequestTimeout
	}
	if options.SendBufferSize <= 0 {
		options.SendBufferSize = d.SendBufferSize
	}
	if options.MaxBodySize <= 0 {
		options.MaxBodySize = d.MaxBodySize
	}
	client := options.Client
	if client == nil {
		client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		base:     transport.JoinPath(u, Path),
		client:   client,
		handler:  h,
		logger:   logger.WithFields(map[string]any{"transport": transport.NamePolling}),
		options:  options,
		sendChan: make(chan []byte, options.SendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Name implements transport.Transport
func (t *Transport) Name() string {
	return transport.NamePolling
}

// Open implements transport.Transport
func (t *Transport) Open(ctx context.Context, auth protocol.Auth) (string, error) {
	hello, err := protocol.NewHandshake(auth)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeMarshal, "failed to encode handshake")
	}
	body, err := hello.Marshal()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeMarshal, "failed to encode handshake")
	}

	status, reply, err := t.do(ctx, http.MethodPost, t.base.String(), body)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, errors.CodeConnectTimeout, "connection timed out")
		}
		return "", errors.Wrap(err, errors.ErrorTypeTransport, errors.CodeDial, "failed to connect to server").WithDetails(t.base.String())
	}
	if status != http.StatusOK && status != http.StatusUnauthorized && status != http.StatusForbidden {
		return "", errors.New(errors.ErrorTypeTransport, errors.CodeHandshake, "unexpected handshake status").WithDetails(fmt.Sprint(status))
	}

	f, err := protocol.Unmarshal(reply)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeUnmarshal, "malformed handshake reply")
	}

	switch f.Event {
	case domain.EventConnect:
	case domain.EventConnectError:
		var refusal protocol.ConnectError
		_ = f.Decode(&refusal)
		return "", errors.New(errors.ErrorTypeUnauthorized, errors.CodeConnectError, "connection refused").WithDetails(refusal.Message)
	default:
		return "", errors.New(errors.ErrorTypeProtocol, errors.CodeHandshake, "unexpected handshake reply").WithDetails(string(f.Event))
	}

	var ack protocol.ConnectAck
	if err := f.Decode(&ack); err != nil || ack.SID == "" {
		return "", errors.New(errors.ErrorTypeProtocol, errors.CodeHandshake, "handshake reply without sid")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", domain.ErrConnectionClosed
	}
	t.sid = ack.SID
	t.connected = true
	t.mu.Unlock()

	t.wg.Add(2)
	go t.pollLoop()
	go t.sendLoop()

	t.logger.Debug("polling transport open", "sid", ack.SID)

	return ack.SID, nil
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

// Close implements transport.Transport. The server is told about the close
// in the background so Close never waits on the network.
func (t *Transport) Close() error {
	sid, wasConnected := t.shutdown()
	if !wasConnected {
		return nil
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.options.RequestTimeout)
		defer cancel()
		if _, _, err := t.do(ctx, http.MethodDelete, t.sessionURL(sid), nil); err != nil {
			t.logger.Debug("failed to notify server of close", "error", err)
		}
	}()

	return nil
}

func (t *Transport) shutdown() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", false
	}
	t.closed = true
	wasConnected := t.connected
	t.connected = false
	t.cancel()
	return t.sid, wasConnected
}

func (t *Transport) remoteClose(reason string, cause error) {
	if _, wasConnected := t.shutdown(); !wasConnected {
		return
	}
	t.logger.Info("polling transport closed", "reason", reason)
	t.handler.HandleClose(reason, cause)
}

func (t *Transport) sessionURL(sid string) string {
	u := *t.base
	q := u.Query()
	q.Set("sid", sid)
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *Transport) pollLoop() {
	defer t.wg.Done()

	t.mu.RLock()
	target := t.sessionURL(t.sid)
	t.mu.RUnlock()

	for {
		ctx, cancel := context.WithTimeout(t.ctx, t.options.PollTimeout)
		status, body, err := t.do(ctx, http.MethodGet, target, nil)
		cancel()

		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			t.remoteClose(domain.ReasonTransportError, err)
			return
		}

		switch status {
		case http.StatusOK:
		case http.StatusNoContent:
			continue
		case http.StatusNotFound, http.StatusGone:
			t.remoteClose(domain.ReasonTransportClose, nil)
			return
		default:
			t.remoteClose(domain.ReasonTransportError, fmt.Errorf("poll status %d", status))
			return
		}

		frames, err := protocol.UnmarshalBatch(body)
		if err != nil {
			t.logger.Debug("dropping malformed poll body", "error", err)
			continue
		}

		for _, f := range frames {
			if f == nil || f.Event == "" {
				continue
			}
			if f.Event == domain.EventDisconnect {
				var notice protocol.DisconnectNotice
				_ = f.Decode(&notice)
				if notice.Reason == "" {
					notice.Reason = domain.ReasonServerDisconnect
				}
				t.remoteClose(notice.Reason, nil)
				return
			}
			t.handler.HandleFrame(f)
		}
	}
}

func (t *Transport) sendLoop() {
	defer t.wg.Done()

	t.mu.RLock()
	target := t.sessionURL(t.sid)
	t.mu.RUnlock()

	for {
		select {
		case <-t.ctx.Done():
			return
		case data := <-t.sendChan:
			ctx, cancel := context.WithTimeout(t.ctx, t.options.RequestTimeout)
			status, _, err := t.do(ctx, http.MethodPost, target, data)
			cancel()

			if t.ctx.Err() != nil {
				return
			}
			if err != nil {
				t.logger.Warn("polling send error", "error", err)
				t.remoteClose(domain.ReasonTransportError, err)
				return
			}
			if status == http.StatusNotFound || status == http.StatusGone {
				t.remoteClose(domain.ReasonTransportClose, nil)
				return
			}
		}
	}
}

func (t *Transport) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.options.MaxBodySize))
	if err != nil {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, data, nil
}
