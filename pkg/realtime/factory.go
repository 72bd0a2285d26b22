package realtime

import (
	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport"
	"github.com/HMasataka/quill/pkg/transport/polling"
	"github.com/HMasataka/quill/pkg/transport/websocket"
)

// DefaultTransports is the fallback order used when none is given.
var DefaultTransports = []string{transport.NameWebSocket, transport.NamePolling}

// NewTransportFactory builds a factory trying the named transports in order.
func NewTransportFactory(logger *logging.Logger, names ...string) (*transport.MultiFactory, error) {
	if len(names) == 0 {
		names = DefaultTransports
	}

	m := transport.NewMultiFactory()
	for _, name := range names {
		switch name {
		case transport.NameWebSocket:
			m.Add(name, websocket.NewFactory(logger, websocket.DefaultOptions()))
		case transport.NamePolling:
			m.Add(name, polling.NewFactory(logger, polling.DefaultOptions()))
		default:
			return nil, errors.New(errors.ErrorTypeConstruction, errors.CodeConstruct, "unknown transport").WithDetails(name)
		}
	}

	return m, nil
}
