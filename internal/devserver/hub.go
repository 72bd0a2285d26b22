package devserver

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/internal/metrics"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/errors"
	"github.com/HMasataka/quill/pkg/transport/protocol"
)

// HubOptions configures a Hub
type HubOptions struct {
	Logger  *logging.Logger
	Metrics *metrics.Server
}

// Target selects the recipients of a broadcast. The zero value means every
// session.
type Target struct {
	Room    string
	Exclude string
}

// Stats is a point-in-time view of the hub
type Stats struct {
	Sessions         int      `json:"sessions"`
	Users            []string `json:"users"`
	Rooms            int      `json:"rooms"`
	MessagesSent     int64    `json:"messages_sent"`
	MessagesReceived int64    `json:"messages_received"`
	Uptime           float64  `json:"uptime_seconds"`
}

// Hub owns the live sessions and fans frames out to them. Registration and
// delivery are serialized through a single goroutine, so a session never
// sees a broadcast queued before it registered.
type Hub struct {
	sessions   sync.Map // map[string]Session
	register   chan registration
	unregister chan string
	deliver    chan delivery
	logger     *logging.Logger
	metrics    *metrics.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	users map[string]int

	messagesSent     int64
	messagesReceived int64
	startTime        time.Time
}

type registration struct {
	session Session
	done    chan struct{}
}

type delivery struct {
	sid    string
	target Target
	frame  *protocol.Frame
}

// NewHub creates a hub; call Start before use.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Hub{
		register:   make(chan registration, 100),
		unregister: make(chan string, 100),
		deliver:    make(chan delivery, 1000),
		logger:     logger.WithComponent("hub"),
		metrics:    opts.Metrics,
		rooms:      make(map[string]map[string]struct{}),
		users:      make(map[string]int),
		startTime:  time.Now(),
	}
}

func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.run()
	h.logger.Info("hub started")
}

// Stop closes every session and stops the loop.
func (h *Hub) Stop() {
	h.logger.Info("stopping hub")
	h.cancel()
	h.wg.Wait()

	h.sessions.Range(func(_, value any) bool {
		value.(Session).Close("")
		return true
	})

	h.logger.Info("hub stopped")
}

// Register adds s and returns once presence frames for it are queued.
func (h *Hub) Register(s Session) error {
	reg := registration{session: s, done: make(chan struct{})}

	select {
	case h.register <- reg:
	case <-h.ctx.Done():
		return errors.New(errors.ErrorTypeInternal, "HUB_STOPPED", "hub stopped during registration")
	}

	select {
	case <-reg.done:
		return nil
	case <-h.ctx.Done():
		return errors.New(errors.ErrorTypeInternal, "HUB_STOPPED", "hub stopped during registration")
	}
}

// Unregister removes the session sid; its rooms and peers are notified.
func (h *Hub) Unregister(sid string) error {
	select {
	case h.unregister <- sid:
		return nil
	case <-h.ctx.Done():
		return errors.New(errors.ErrorTypeInternal, "HUB_STOPPED", "hub stopped during unregistration")
	}
}

// Broadcast queues f for every session matched by target
func (h *Hub) Broadcast(f *protocol.Frame, target Target) error {
	return h.enqueue(delivery{target: target, frame: f})
}

// SendTo queues f for a single session
func (h *Hub) SendTo(sid string, f *protocol.Frame) error {
	return h.enqueue(delivery{sid: sid, frame: f})
}

func (h *Hub) enqueue(d delivery) error {
	select {
	case h.deliver <- d:
		atomic.AddInt64(&h.messagesReceived, 1)
		return nil
	case <-h.ctx.Done():
		return errors.New(errors.ErrorTypeInternal, "HUB_STOPPED", "hub stopped")
	default:
		return errors.New(errors.ErrorTypeTransport, errors.CodeSendBuffer, "delivery queue is full")
	}
}

// Session looks up a live session
func (h *Hub) Session(sid string) (Session, bool) {
	if value, ok := h.sessions.Load(sid); ok {
		return value.(Session), true
	}
	return nil, false
}

// Sessions returns every live session
func (h *Hub) Sessions() []Session {
	var sessions []Session
	h.sessions.Range(func(_, value any) bool {
		sessions = append(sessions, value.(Session))
		return true
	})
	return sessions
}

// Join adds sid to room, reporting whether it was not already a member.
func (h *Hub) Join(sid, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	if _, ok := members[sid]; ok {
		return false
	}
	members[sid] = struct{}{}
	return true
}

// Leave removes sid from room, reporting whether it was a member.
func (h *Hub) Leave(sid, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(sid, room)
}

func (h *Hub) leaveLocked(sid, room string) bool {
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[sid]; !ok {
		return false
	}
	delete(members, sid)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	return true
}

// InRoom reports whether sid is a member of room
func (h *Hub) InRoom(sid, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][sid]
	return ok
}

// OnlineUsers returns the distinct users with at least one live session
func (h *Hub) OnlineUsers() []domain.User {
	h.mu.RLock()
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Strings(ids)
	users := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		users = append(users, h.lookupUser(id))
	}
	return users
}

func (h *Hub) lookupUser(id string) domain.User {
	user := domain.User{ID: id}
	h.sessions.Range(func(_, value any) bool {
		if u := value.(Session).User(); u.ID == id {
			user = u
			return false
		}
		return true
	})
	return user
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case reg := <-h.register:
			h.handleRegister(reg.session)
			close(reg.done)

		case sid := <-h.unregister:
			h.handleUnregister(sid)

		case d := <-h.deliver:
			h.handleDelivery(d)
		}
	}
}

func (h *Hub) handleRegister(s Session) {
	sid := s.ID()
	if _, exists := h.sessions.LoadOrStore(sid, s); exists {
		h.logger.Warn("session already registered", "sid", sid)
		return
	}

	user := s.User()
	h.mu.Lock()
	h.users[user.ID]++
	first := h.users[user.ID] == 1
	h.mu.Unlock()

	h.send(s, mustFrame(domain.EventUsersOnline, map[string]any{"users": h.OnlineUsers()}))
	if first {
		h.fanOut(mustFrame(domain.EventUserJoinedV2, map[string]any{"user": user}), Target{Exclude: sid})
	}

	h.logger.Info("session registered",
		"sid", sid,
		"user_id", user.ID,
		"transport", s.Transport(),
		"total_sessions", h.count(),
	)
}

func (h *Hub) handleUnregister(sid string) {
	value, ok := h.sessions.LoadAndDelete(sid)
	if !ok {
		return
	}
	s := value.(Session)
	s.Close("")

	user := s.User()

	h.mu.Lock()
	var left []string
	for room := range h.rooms {
		if h.leaveLocked(sid, room) {
			left = append(left, room)
		}
	}
	h.users[user.ID]--
	last := h.users[user.ID] <= 0
	if last {
		delete(h.users, user.ID)
	}
	h.mu.Unlock()

	for _, room := range left {
		h.fanOut(mustFrame(domain.EventUserLeft, map[string]any{"roomId": room, "user": user}), Target{Room: room})
	}
	if last {
		h.fanOut(mustFrame(domain.EventUserLeftV2, map[string]any{"user": user}), Target{})
	}

	h.logger.Info("session unregistered",
		"sid", sid,
		"user_id", user.ID,
		"total_sessions", h.count(),
	)
}

func (h *Hub) handleDelivery(d delivery) {
	if d.sid != "" {
		s, ok := h.Session(d.sid)
		if !ok {
			h.logger.Debug("session not found", "sid", d.sid)
			return
		}
		h.send(s, d.frame)
		return
	}
	h.fanOut(d.frame, d.target)
}

func (h *Hub) fanOut(f *protocol.Frame, target Target) {
	var recipients []Session

	if target.Room != "" {
		h.mu.RLock()
		for sid := range h.rooms[target.Room] {
			if s, ok := h.Session(sid); ok {
				recipients = append(recipients, s)
			}
		}
		h.mu.RUnlock()
	} else {
		recipients = h.Sessions()
	}

	for _, s := range recipients {
		if s.ID() != target.Exclude {
			h.send(s, f)
		}
	}
}

func (h *Hub) send(s Session, f *protocol.Frame) {
	if err := s.Send(f); err != nil {
		h.logger.Debug("failed to send to session", "sid", s.ID(), "event", f.Event, "error", err)
		return
	}
	atomic.AddInt64(&h.messagesSent, 1)
	if h.metrics != nil {
		h.metrics.FrameOut(f.Event)
	}
}

func (h *Hub) count() int {
	count := 0
	h.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	rooms := len(h.rooms)
	users := make([]string, 0, len(h.users))
	for id := range h.users {
		users = append(users, id)
	}
	h.mu.RUnlock()
	sort.Strings(users)

	return Stats{
		Sessions:         h.count(),
		Users:            users,
		Rooms:            rooms,
		MessagesSent:     atomic.LoadInt64(&h.messagesSent),
		MessagesReceived: atomic.LoadInt64(&h.messagesReceived),
		Uptime:           time.Since(h.startTime).Seconds(),
	}
}

func mustFrame(event domain.EventName, payload any) *protocol.Frame {
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		panic(err)
	}
	return f
}
