package domain

// Status is the connection state of a Manager.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

func (s Status) String() string {
	return string(s)
}
