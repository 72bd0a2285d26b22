package websocket

import (
	"net/http"
	"time"
)

// Options represents websocket transport options
type Options struct {
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
	SendBufferSize   int
	Header           http.Header
}

// DefaultOptions returns default transport options
func DefaultOptions() Options {
	return Options{
		WriteTimeout:     10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     25 * time.Second,
		HandshakeTimeout: 20 * time.Second,
		MaxMessageSize:   512 * 1024, // 512KB
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		SendBufferSize:   256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = (o.PongWait * 9) / 10
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = d.WriteBufferSize
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = d.SendBufferSize
	}
	return o
}
