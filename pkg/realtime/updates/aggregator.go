// Package updates turns the raw realtime event stream into bounded,
// query-ready timelines of notifications, activity and presence.
package updates

import (
	"fmt"
	"sync"
	"time"

	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/realtime"
)

// MaxActivities is the capacity of the activity timeline.
const MaxActivities = 50

// Source is the part of the connection manager the Aggregator uses.
// *realtime.Manager satisfies it.
type Source interface {
	AddListener(l *realtime.Listener) func()
	RemoveListener(l *realtime.Listener) bool
	Emit(event domain.EventName, data any) error
	IsConnected() bool
}

// Change names the timeline touched by an update.
type Change string

const (
	ChangeNotifications Change = "notifications"
	ChangeActivities    Change = "activities"
	ChangePresence      Change = "presence"
)

// Channels are the inbound events an Aggregator listens to.
var Channels = []domain.EventName{
	domain.EventNotification,
	domain.EventActivity,
	domain.EventMessage,
	domain.EventArticleUpdate,
	domain.EventCommentAdded,
	domain.EventMetricsUpdate,
	domain.EventUserJoined,
	domain.EventUsersOnline,
	domain.EventUserJoinedV2,
	domain.EventUserLeftV2,
	domain.EventDisconnect,
}

// SubscribeRequest is the payload of subscribe and unsubscribe.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// ReadReceipt is the payload of notification:read.
type ReadReceipt struct {
	ID string `json:"id"`
}

// Options configures an Aggregator
type Options struct {
	Logger *logging.Logger

	// OnChange is called after a timeline changes, outside internal locks.
	OnChange func(Change)
}

// Aggregator maintains the notification, activity and presence timelines
// for one Source.
type Aggregator struct {
	logger   *logging.Logger
	onChange func(Change)
	now      func() time.Time

	mu            sync.RWMutex
	source        Source
	listeners     []*realtime.Listener
	notifications []domain.Notification
	unread        int
	activities    *ring[domain.Activity]
	presence      *presenceSet
}

// New creates an Aggregator for source. Call Start to begin listening.
func New(source Source, opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Aggregator{
		logger:     logger.WithComponent("updates"),
		onChange:   opts.OnChange,
		now:        time.Now,
		source:     source,
		activities: newRing[domain.Activity](MaxActivities),
		presence:   newPresenceSet(),
	}
}

// Start attaches one listener per channel. Calling Start again is a no-op.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attachLocked()
}

// Stop detaches every listener attached by Start.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detachLocked()
}

// SetSource moves the Aggregator to a new source, reattaching listeners if
// it was started. Timelines are kept.
func (a *Aggregator) SetSource(source Source) {
	a.mu.Lock()
	defer a.mu.Unlock()

	started := len(a.listeners) > 0
	a.detachLocked()
	a.source = source
	if started {
		a.attachLocked()
	}
}

func (a *Aggregator) attachLocked() {
	if len(a.listeners) > 0 || a.source == nil {
		return
	}

	for _, name := range Channels {
		l := realtime.NewListener(name, a.handle)
		a.source.AddListener(l)
		a.listeners = append(a.listeners, l)
	}
}

func (a *Aggregator) detachLocked() {
	for _, l := range a.listeners {
		a.source.RemoveListener(l)
	}
	a.listeners = nil
}

// Subscribe asks the server for updates on channel/id. Nothing is sent
// while disconnected.
func (a *Aggregator) Subscribe(channel, id string) error {
	return a.control(domain.EventSubscribe, SubscribeRequest{Channel: channel, ID: id})
}

// Unsubscribe reverses Subscribe
func (a *Aggregator) Unsubscribe(channel, id string) error {
	return a.control(domain.EventUnsubscribe, SubscribeRequest{Channel: channel, ID: id})
}

func (a *Aggregator) control(event domain.EventName, req SubscribeRequest) error {
	src := a.currentSource()
	if src == nil || !src.IsConnected() {
		a.logger.Debug("not connected, skipping control message", "event", event, "channel", req.Channel, "id", req.ID)
		return domain.ErrNotConnected
	}
	return src.Emit(event, req)
}

// MarkNotificationRead marks id read and sends a read receipt. Unknown ids
// are ignored and nothing is sent; the result reports whether id was found.
func (a *Aggregator) MarkNotificationRead(id string) bool {
	a.mu.Lock()
	found := false
	for i := range a.notifications {
		if a.notifications[i].ID != id {
			continue
		}
		found = true
		if !a.notifications[i].Read {
			a.notifications[i].Read = true
			if a.unread > 0 {
				a.unread--
			}
		}
		break
	}
	src := a.source
	a.mu.Unlock()

	if !found {
		a.logger.Debug("mark read for unknown notification", "id", id)
		return false
	}

	a.changed(ChangeNotifications)
	if src != nil {
		_ = src.Emit(domain.EventNotificationRead, ReadReceipt{ID: id})
	}

	return true
}

// MarkAllNotificationsRead marks every notification read and sends a single
// bulk receipt.
func (a *Aggregator) MarkAllNotificationsRead() {
	a.mu.Lock()
	for i := range a.notifications {
		a.notifications[i].Read = true
	}
	a.unread = 0
	src := a.source
	a.mu.Unlock()

	a.changed(ChangeNotifications)
	if src != nil {
		_ = src.Emit(domain.EventNotificationReadAll, nil)
	}
}

// ClearNotifications empties the notification timeline and unread counter
func (a *Aggregator) ClearNotifications() {
	a.mu.Lock()
	a.notifications = nil
	a.unread = 0
	a.mu.Unlock()

	a.changed(ChangeNotifications)
}

// ClearActivities empties the activity timeline
func (a *Aggregator) ClearActivities() {
	a.mu.Lock()
	a.activities.reset()
	a.mu.Unlock()

	a.changed(ChangeActivities)
}

// ClearUpdates is an alias of ClearActivities
func (a *Aggregator) ClearUpdates() {
	a.ClearActivities()
}

// Notifications returns the notification timeline, most recent first
func (a *Aggregator) Notifications() []domain.Notification {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.Notification(nil), a.notifications...)
}

// UnreadCount returns the number of unread notifications
func (a *Aggregator) UnreadCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.unread
}

// Activities returns the activity timeline, most recent first
func (a *Aggregator) Activities() []domain.Activity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activities.newestFirst()
}

// OnlineUsers returns the presence set in first-seen order
func (a *Aggregator) OnlineUsers() []domain.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.presence.list()
}

// IsOnline reports whether userID is in the presence set
func (a *Aggregator) IsOnline(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.presence.has(userID)
}

// OnlineCount returns the size of the presence set
func (a *Aggregator) OnlineCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.presence.len()
}

func (a *Aggregator) currentSource() Source {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source
}

func (a *Aggregator) changed(c Change) {
	if a.onChange != nil {
		a.onChange(c)
	}
}

func (a *Aggregator) handle(ev domain.Event) {
	p, err := domain.Decode(ev)
	if err != nil {
		a.logger.Debug("dropping malformed payload", "event", ev.Name, "error", err)
		return
	}

	arrival := ev.ReceivedAt
	if arrival.IsZero() {
		arrival = a.now()
	}

	var change Change
	switch p := p.(type) {
	case domain.NotificationPayload:
		if a.addNotification(p.Notification) {
			change = ChangeNotifications
		}

	case domain.ActivityPayload:
		a.addActivity(activityFrom(p, arrival))
		change = ChangeActivities

	case domain.PresencePayload:
		change = a.applyPresence(p, ev, arrival)

	case domain.OnlineUsersPayload:
		a.mu.Lock()
		a.presence.replace(p.Users)
		a.mu.Unlock()
		change = ChangePresence

	case domain.DisconnectPayload:
		a.mu.Lock()
		had := a.presence.len() > 0
		a.presence.clear()
		a.mu.Unlock()
		if had {
			change = ChangePresence
		}

	case domain.ConnectPayload, domain.ConnectErrorPayload, domain.ReconnectPayload,
		domain.TypingPayload, domain.RoomPayload:
		// not tracked here
	}

	if change != "" {
		a.changed(change)
	}
}

func (a *Aggregator) addNotification(n domain.Notification) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.notifications {
		if existing.ID == n.ID {
			a.logger.Debug("ignoring duplicate notification", "id", n.ID)
			return false
		}
	}

	a.notifications = append([]domain.Notification{n}, a.notifications...)
	if !n.Read {
		a.unread++
	}

	return true
}

func (a *Aggregator) addActivity(act domain.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activities.push(act)
}

func (a *Aggregator) applyPresence(p domain.PresencePayload, ev domain.Event, arrival time.Time) Change {
	switch p.Name {
	case domain.EventUserJoined:
		user := p.User
		a.addActivity(domain.Activity{
			ID:        activityID(domain.ActivityUserJoined, user.ID, arrival),
			Type:      domain.ActivityUserJoined,
			User:      &user,
			Data:      ev.Data,
			Timestamp: arrival,
		})
		return ChangeActivities

	case domain.EventUserJoinedV2:
		a.mu.Lock()
		added := a.presence.add(p.User)
		a.mu.Unlock()
		if added {
			return ChangePresence
		}

	case domain.EventUserLeftV2, domain.EventUserLeft:
		a.mu.Lock()
		removed := a.presence.remove(p.User.ID)
		a.mu.Unlock()
		if removed {
			return ChangePresence
		}
	}

	return ""
}

// activityFrom normalizes a feed payload. Entries from the activity channel
// keep the server id; the others get one derived from type, source id and
// arrival time.
func activityFrom(p domain.ActivityPayload, arrival time.Time) domain.Activity {
	act := domain.Activity{
		ID:        p.SourceID,
		Type:      p.Type,
		User:      p.User,
		Data:      p.Data,
		Timestamp: p.Timestamp,
	}
	if p.Name != domain.EventActivity {
		act.ID = activityID(p.Type, p.SourceID, arrival)
	}
	if act.Timestamp.IsZero() {
		act.Timestamp = arrival
	}
	return act
}

func activityID(t domain.ActivityType, sourceID string, arrival time.Time) string {
	return fmt.Sprintf("%s-%s-%d", t, sourceID, arrival.UnixNano())
}
