package domain

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Payload is the decoded, typed form of an Event. The set of
// implementations is closed: Decode is the only constructor and switches
// over the full inbound vocabulary.
type Payload interface {
	EventName() EventName
}

type ConnectPayload struct {
	SID string
}

type DisconnectPayload struct {
	Reason string
}

type ConnectErrorPayload struct {
	Message string
}

// ReconnectPayload covers reconnect_attempt, reconnect and reconnect_failed.
type ReconnectPayload struct {
	Name    EventName
	Attempt int
}

type NotificationPayload struct {
	Notification Notification
}

// ActivityPayload is the common shape of every feed-producing channel.
type ActivityPayload struct {
	Name      EventName
	SourceID  string
	Type      ActivityType
	User      *User
	Data      json.RawMessage
	Timestamp time.Time
}

// PresencePayload covers the joined/left channels in both spellings.
type PresencePayload struct {
	Name   EventName
	RoomID string
	User   User
}

type OnlineUsersPayload struct {
	Users []User
}

type TypingPayload struct {
	RoomID   string
	UserID   string
	IsTyping bool
}

// RoomPayload covers roomJoined and roomLeft.
type RoomPayload struct {
	Name   EventName
	RoomID string
	User   *User
}

func (ConnectPayload) EventName() EventName      { return EventConnect }
func (DisconnectPayload) EventName() EventName   { return EventDisconnect }
func (ConnectErrorPayload) EventName() EventName { return EventConnectError }
func (p ReconnectPayload) EventName() EventName  { return p.Name }
func (NotificationPayload) EventName() EventName { return EventNotification }
func (p ActivityPayload) EventName() EventName   { return p.Name }
func (p PresencePayload) EventName() EventName   { return p.Name }
func (OnlineUsersPayload) EventName() EventName  { return EventUsersOnline }
func (TypingPayload) EventName() EventName       { return EventTyping }
func (p RoomPayload) EventName() EventName       { return p.Name }

// Decode validates an inbound event and returns its typed payload.
// Validation failures wrap ErrInvalidPayload; names outside the inbound
// vocabulary wrap ErrUnknownEvent.
func Decode(ev Event) (Payload, error) {
	var data gjson.Result
	if len(ev.Data) > 0 {
		if !gjson.ValidBytes(ev.Data) {
			return nil, invalid(ev.Name, "malformed json")
		}
		data = gjson.ParseBytes(ev.Data)
	}

	switch ev.Name {
	case EventConnect:
		return ConnectPayload{SID: firstString(data, "sid", "id")}, nil

	case EventDisconnect:
		if data.Type == gjson.String {
			return DisconnectPayload{Reason: data.String()}, nil
		}
		return DisconnectPayload{Reason: firstString(data, "reason")}, nil

	case EventConnectError:
		if data.Type == gjson.String {
			return ConnectErrorPayload{Message: data.String()}, nil
		}
		return ConnectErrorPayload{Message: firstString(data, "message", "error")}, nil

	case EventReconnectAttempt, EventReconnect, EventReconnectFailed:
		p := ReconnectPayload{Name: ev.Name}
		if data.Type == gjson.Number {
			p.Attempt = int(data.Int())
		} else {
			p.Attempt = int(data.Get("attempt").Int())
		}
		return p, nil

	case EventNotification:
		return decodeNotification(data)

	case EventActivity:
		return decodeActivity(data)

	case EventMessage, EventArticleUpdate, EventCommentAdded, EventMetricsUpdate:
		return decodeFeed(ev.Name, data, ev.Data)

	case EventUserJoined, EventUserJoinedV2, EventUserLeft, EventUserLeftV2:
		user, ok := parseUser(userNode(data))
		if !ok {
			return nil, invalid(ev.Name, "missing user id")
		}
		return PresencePayload{Name: ev.Name, RoomID: roomID(data), User: user}, nil

	case EventUsersOnline:
		return decodeOnlineUsers(data)

	case EventTyping:
		if !data.IsObject() {
			return nil, invalid(ev.Name, "expected object")
		}
		userID := firstString(data, "userId", "user.id", "id")
		if userID == "" {
			return nil, invalid(ev.Name, "missing user id")
		}
		isTyping := true
		if v := data.Get("isTyping"); v.Exists() {
			isTyping = v.Bool()
		}
		return TypingPayload{RoomID: roomID(data), UserID: userID, IsTyping: isTyping}, nil

	case EventRoomJoined, EventRoomLeft:
		id := roomID(data)
		if data.Type == gjson.String {
			id = data.String()
		}
		if id == "" {
			return nil, invalid(ev.Name, "missing room id")
		}
		p := RoomPayload{Name: ev.Name, RoomID: id}
		if u, ok := parseUser(data.Get("user")); ok {
			p.User = &u
		}
		return p, nil
	}

	return nil, NewDomainError(ErrCodeInvalid, string(ev.Name), ErrUnknownEvent)
}

func decodeNotification(data gjson.Result) (Payload, error) {
	if !data.IsObject() {
		return nil, invalid(EventNotification, "expected object")
	}

	n := Notification{
		ID:      firstString(data, "id"),
		Type:    NotificationType(firstString(data, "type")),
		Message: firstString(data, "message"),
		Read:    data.Get("read").Bool(),
	}
	if n.ID == "" {
		return nil, invalid(EventNotification, "missing id")
	}
	if n.Message == "" {
		return nil, invalid(EventNotification, "missing message")
	}

	ts, ok := parseTime(data.Get("timestamp"))
	if !ok {
		return nil, invalid(EventNotification, "missing or malformed timestamp")
	}
	n.Timestamp = ts

	if n.Type == "" {
		n.Type = NotificationSystem
	}

	return NotificationPayload{Notification: n}, nil
}

func decodeActivity(data gjson.Result) (Payload, error) {
	if !data.IsObject() {
		return nil, invalid(EventActivity, "expected object")
	}

	p := ActivityPayload{
		Name:     EventActivity,
		SourceID: firstString(data, "id"),
		Type:     ActivityType(firstString(data, "type")),
	}
	if p.SourceID == "" {
		return nil, invalid(EventActivity, "missing id")
	}
	if p.Type == "" {
		return nil, invalid(EventActivity, "missing type")
	}
	if u, ok := parseUser(data.Get("user")); ok {
		p.User = &u
	}
	if d := data.Get("data"); d.Exists() {
		p.Data = json.RawMessage(d.Raw)
	}
	p.Timestamp, _ = parseTime(data.Get("timestamp"))

	return p, nil
}

var feedTypes = map[EventName]ActivityType{
	EventMessage:       ActivityMessage,
	EventArticleUpdate: ActivityArticleUpdate,
	EventCommentAdded:  ActivityCommentAdded,
	EventMetricsUpdate: ActivityMetricsUpdate,
}

func decodeFeed(name EventName, data gjson.Result, raw json.RawMessage) (Payload, error) {
	if !data.IsObject() {
		return nil, invalid(name, "expected object")
	}

	var source string
	switch name {
	case EventMessage:
		source = firstString(data, "id", "messageId")
	case EventArticleUpdate:
		source = firstString(data, "articleId", "id", "article.id")
	case EventCommentAdded:
		source = firstString(data, "commentId", "id", "comment.id")
	case EventMetricsUpdate:
		source = firstString(data, "articleId", "id", "metric")
		if source == "" {
			source = "metrics"
		}
	}
	if source == "" {
		return nil, invalid(name, "missing source id")
	}

	p := ActivityPayload{
		Name:     name,
		SourceID: source,
		Type:     feedTypes[name],
		Data:     raw,
	}
	for _, path := range []string{"user", "sender", "author"} {
		if u, ok := parseUser(data.Get(path)); ok {
			p.User = &u
			break
		}
	}
	p.Timestamp, _ = parseTime(data.Get("timestamp"))

	return p, nil
}

func decodeOnlineUsers(data gjson.Result) (Payload, error) {
	list := data
	if data.IsObject() {
		list = data.Get("users")
	}
	if !list.IsArray() {
		return nil, invalid(EventUsersOnline, "expected user list")
	}

	users := make([]User, 0, len(list.Array()))
	for _, item := range list.Array() {
		if u, ok := parseUser(item); ok {
			users = append(users, u)
		}
	}

	return OnlineUsersPayload{Users: users}, nil
}

// userNode returns the nested user object when present, else the payload.
func userNode(data gjson.Result) gjson.Result {
	if u := data.Get("user"); u.IsObject() {
		return u
	}
	return data
}

func parseUser(r gjson.Result) (User, bool) {
	switch {
	case r.Type == gjson.String || r.Type == gjson.Number:
		id := r.String()
		return User{ID: id}, id != ""
	case r.IsObject():
		u := User{
			ID:     firstString(r, "id", "userId", "_id"),
			Name:   firstString(r, "name", "username", "displayName"),
			Avatar: firstString(r, "avatar", "avatarUrl", "image"),
		}
		return u, u.ID != ""
	}
	return User{}, false
}

func roomID(data gjson.Result) string {
	if !data.IsObject() {
		return ""
	}
	return firstString(data, "roomId", "room", "articleId")
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := r.Get(p)
		if !v.Exists() || v.Type == gjson.Null || v.IsObject() || v.IsArray() {
			continue
		}
		if s := v.String(); s != "" {
			return s
		}
	}
	return ""
}

func parseTime(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, r.String())
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC(), true
	}
	return time.Time{}, false
}
