package realtime

import "github.com/HMasataka/quill/pkg/domain"

// Observer receives Manager state transitions, typically to feed metrics.
// Calls are made outside the Manager's locks and must not block.
type Observer interface {
	StatusChanged(status domain.Status)
	ConnectError(err error)
	Disconnected(reason string)
	ReconnectAttempt(tier string, attempt int)
	ReconnectFailed(tier string)
	EventReceived(name domain.EventName)
	EmitDropped(name domain.EventName)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(domain.Status)    {}
func (nopObserver) ConnectError(error)             {}
func (nopObserver) Disconnected(string)            {}
func (nopObserver) ReconnectAttempt(string, int)   {}
func (nopObserver) ReconnectFailed(string)         {}
func (nopObserver) EventReceived(domain.EventName) {}
func (nopObserver) EmitDropped(domain.EventName)   {}
