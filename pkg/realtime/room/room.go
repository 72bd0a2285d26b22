// Package room provides room membership and typing helpers built on the
// realtime listener registry.
package room

import (
	"sync"

	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/realtime"
)

// Source is the part of the connection manager rooms use
type Source interface {
	AddListener(l *realtime.Listener) func()
	RemoveListener(l *realtime.Listener) bool
	Emit(event domain.EventName, data any) error
	IsConnected() bool
}

// Kind selects the control vocabulary of a room
type Kind int

const (
	// KindRoom uses join-room, leave-room and typing-start/typing-stop
	KindRoom Kind = iota
	// KindArticle uses join_article, leave_article and typing_status
	KindArticle
)

// JoinRequest is the payload of join-room and leave-room
type JoinRequest struct {
	RoomID string `json:"roomId"`
}

// ArticleRequest is the payload of join_article and leave_article
type ArticleRequest struct {
	ArticleID string `json:"articleId"`
}

// Message is the payload of room-message
type Message struct {
	RoomID  string `json:"roomId"`
	Message any    `json:"message"`
}

// Options configures a Room
type Options struct {
	Kind   Kind
	Logger *logging.Logger

	// OnChange is called after membership changes, outside internal locks.
	OnChange func()
}

// Room joins one room while started and rejoins after every reconnect.
// Membership is tracked from joined/left events carrying its id.
type Room struct {
	source   Source
	id       string
	kind     Kind
	logger   *logging.Logger
	onChange func()

	mu        sync.RWMutex
	started   bool
	joined    bool
	listeners []*realtime.Listener
	members   []domain.User
}

// New creates a room helper for id
func New(source Source, id string, opts Options) *Room {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Room{
		source:   source,
		id:       id,
		kind:     opts.Kind,
		logger:   logger.WithComponent("room").WithFields(map[string]any{"room": id}),
		onChange: opts.OnChange,
	}
}

// ID returns the room id
func (r *Room) ID() string {
	return r.id
}

// Start attaches listeners and joins if the connection is live
func (r *Room) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true

	handlers := map[domain.EventName]realtime.ListenerFunc{
		domain.EventConnect:    func(domain.Event) { r.join() },
		domain.EventDisconnect: func(domain.Event) { r.reset() },
	}
	for _, name := range []domain.EventName{
		domain.EventRoomJoined, domain.EventRoomLeft,
		domain.EventUserJoined, domain.EventUserJoinedV2,
		domain.EventUserLeft, domain.EventUserLeftV2,
	} {
		handlers[name] = r.handle
	}
	for name, fn := range handlers {
		l := realtime.NewListener(name, fn)
		r.source.AddListener(l)
		r.listeners = append(r.listeners, l)
	}
	r.mu.Unlock()

	if r.source.IsConnected() {
		r.join()
	}
}

// Stop leaves the room and detaches every listener
func (r *Room) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	listeners := r.listeners
	r.listeners = nil
	wasJoined := r.joined
	r.joined = false
	r.members = nil
	r.mu.Unlock()

	for _, l := range listeners {
		r.source.RemoveListener(l)
	}

	if wasJoined && r.source.IsConnected() {
		event, payload := r.leaveMessage()
		_ = r.source.Emit(event, payload)
	}
}

// Send posts a message to the room
func (r *Room) Send(message any) error {
	if !r.source.IsConnected() {
		return domain.ErrNotConnected
	}
	return r.source.Emit(domain.EventRoomMessage, Message{RoomID: r.id, Message: message})
}

// Joined reports whether a join was sent on the current connection
func (r *Room) Joined() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.joined
}

// Members returns the known members in join order
func (r *Room) Members() []domain.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.User(nil), r.members...)
}

// MemberCount returns the number of known members
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// join sends at most one join per connection; reset clears joined on
// disconnect.
func (r *Room) join() {
	r.mu.Lock()
	if !r.started || r.joined {
		r.mu.Unlock()
		return
	}
	r.joined = true
	r.mu.Unlock()

	event, payload := r.joinMessage()
	if err := r.source.Emit(event, payload); err != nil {
		r.logger.Debug("join not sent", "error", err)
		r.mu.Lock()
		r.joined = false
		r.mu.Unlock()
	}
}

func (r *Room) reset() {
	r.mu.Lock()
	changed := len(r.members) > 0
	r.joined = false
	r.members = nil
	r.mu.Unlock()

	if changed {
		r.changed()
	}
}

func (r *Room) joinMessage() (domain.EventName, any) {
	if r.kind == KindArticle {
		return domain.EventJoinArticle, ArticleRequest{ArticleID: r.id}
	}
	return domain.EventJoinRoom, JoinRequest{RoomID: r.id}
}

func (r *Room) leaveMessage() (domain.EventName, any) {
	if r.kind == KindArticle {
		return domain.EventLeaveArticle, ArticleRequest{ArticleID: r.id}
	}
	return domain.EventLeaveRoom, JoinRequest{RoomID: r.id}
}

func (r *Room) handle(ev domain.Event) {
	p, err := domain.Decode(ev)
	if err != nil {
		r.logger.Debug("dropping malformed payload", "event", ev.Name, "error", err)
		return
	}

	var (
		roomID string
		user   *domain.User
		joined bool
	)
	switch p := p.(type) {
	case domain.RoomPayload:
		roomID, user = p.RoomID, p.User
		joined = p.Name == domain.EventRoomJoined
	case domain.PresencePayload:
		u := p.User
		roomID, user = p.RoomID, &u
		joined = p.Name == domain.EventUserJoined || p.Name == domain.EventUserJoinedV2
	default:
		return
	}

	if roomID != r.id || user == nil {
		return
	}

	var changed bool
	r.mu.Lock()
	if joined {
		changed = r.addLocked(*user)
	} else {
		changed = r.removeLocked(user.ID)
	}
	r.mu.Unlock()

	if changed {
		r.changed()
	}
}

func (r *Room) addLocked(u domain.User) bool {
	for _, m := range r.members {
		if m.ID == u.ID {
			return false
		}
	}
	r.members = append(r.members, u)
	return true
}

func (r *Room) removeLocked(id string) bool {
	for i, m := range r.members {
		if m.ID == id {
			r.members = append(r.members[:i:i], r.members[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Room) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}
