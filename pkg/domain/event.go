package domain

import (
	"encoding/json"
	"time"
)

// EventName identifies a channel of the realtime wire vocabulary.
type EventName string

// Lifecycle events. The Manager synthesizes these from transport state
// changes and dispatches them to listeners like any other event.
const (
	EventConnect          EventName = "connect"
	EventDisconnect       EventName = "disconnect"
	EventConnectError     EventName = "connect_error"
	EventReconnectAttempt EventName = "reconnect_attempt"
	EventReconnect        EventName = "reconnect"
	EventReconnectFailed  EventName = "reconnect_failed"
)

// Inbound (server to client) events.
const (
	EventNotification  EventName = "notification"
	EventActivity      EventName = "activity"
	EventMessage       EventName = "message"
	EventArticleUpdate EventName = "articleUpdate"
	EventCommentAdded  EventName = "commentAdded"
	EventMetricsUpdate EventName = "metricsUpdate"
	EventUserJoined    EventName = "userJoined"
	EventUserJoinedV2  EventName = "user:joined"
	EventUserLeft      EventName = "userLeft"
	EventUserLeftV2    EventName = "user:left"
	EventUsersOnline   EventName = "users:online"
	EventTyping        EventName = "typing"
	EventRoomJoined    EventName = "roomJoined"
	EventRoomLeft      EventName = "roomLeft"
)

// Outbound (client to server) control messages.
const (
	EventSubscribe           EventName = "subscribe"
	EventUnsubscribe         EventName = "unsubscribe"
	EventNotificationRead    EventName = "notification:read"
	EventNotificationReadAll EventName = "notification:read-all"
	EventJoinArticle         EventName = "join_article"
	EventLeaveArticle        EventName = "leave_article"
	EventJoinRoom            EventName = "join-room"
	EventLeaveRoom           EventName = "leave-room"
	EventRoomMessage         EventName = "room-message"
	EventTypingStatus        EventName = "typing_status"
	EventTypingStart         EventName = "typing-start"
	EventTypingStop          EventName = "typing-stop"
)

var inbound = map[EventName]struct{}{
	EventConnect:          {},
	EventDisconnect:       {},
	EventConnectError:     {},
	EventReconnectAttempt: {},
	EventReconnect:        {},
	EventReconnectFailed:  {},
	EventNotification:     {},
	EventActivity:         {},
	EventMessage:          {},
	EventArticleUpdate:    {},
	EventCommentAdded:     {},
	EventMetricsUpdate:    {},
	EventUserJoined:       {},
	EventUserJoinedV2:     {},
	EventUserLeft:         {},
	EventUserLeftV2:       {},
	EventUsersOnline:      {},
	EventTyping:           {},
	EventRoomJoined:       {},
	EventRoomLeft:         {},
}

var outbound = map[EventName]struct{}{
	EventSubscribe:           {},
	EventUnsubscribe:         {},
	EventNotificationRead:    {},
	EventNotificationReadAll: {},
	EventJoinArticle:         {},
	EventLeaveArticle:        {},
	EventJoinRoom:            {},
	EventLeaveRoom:           {},
	EventRoomMessage:         {},
	EventTypingStatus:        {},
	EventTypingStart:         {},
	EventTypingStop:          {},
}

// IsInbound reports whether the server may push events with this name.
func (n EventName) IsInbound() bool {
	_, ok := inbound[n]
	return ok
}

// IsOutbound reports whether the name is a client control message.
func (n EventName) IsOutbound() bool {
	_, ok := outbound[n]
	return ok
}

// IsLifecycle reports whether the event describes connection state rather
// than server data.
func (n EventName) IsLifecycle() bool {
	switch n {
	case EventConnect, EventDisconnect, EventConnectError,
		EventReconnectAttempt, EventReconnect, EventReconnectFailed:
		return true
	}
	return false
}

func (n EventName) String() string {
	return string(n)
}

// Event is a single inbound delivery as seen by listeners.
type Event struct {
	Name       EventName       `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
	ReceivedAt time.Time       `json:"-"`
}

// NewEvent builds an event from a Go value, marshaling it as the data.
func NewEvent(name EventName, data any) (Event, error) {
	ev := Event{Name: name, ReceivedAt: time.Now()}
	if data == nil {
		return ev, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	ev.Data = raw

	return ev, nil
}

// Disconnect reasons reported with EventDisconnect.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
	ReasonAuthLost         = "auth lost"
)
