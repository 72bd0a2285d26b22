package room

import (
	"sync"
	"time"

	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/realtime"
)

// TypingTimeout is how long after the last Typing call a stop is sent.
const TypingTimeout = 3 * time.Second

// TypingStatus is the payload of typing-start, typing-stop and typing_status
type TypingStatus struct {
	RoomID   string `json:"roomId"`
	IsTyping *bool  `json:"isTyping,omitempty"`
}

// TypingOptions configures a TypingIndicator
type TypingOptions struct {
	Kind   Kind
	Logger *logging.Logger

	// SelfID is excluded from TypingUsers.
	SelfID string

	// OnChange is called after the set of typing users changes.
	OnChange func()
}

// TypingIndicator sends typing state for the local user and tracks which
// other users are typing in one room.
type TypingIndicator struct {
	source   Source
	roomID   string
	kind     Kind
	selfID   string
	logger   *logging.Logger
	onChange func()
	timeout  time.Duration

	mu        sync.Mutex
	listeners []*realtime.Listener
	typing    bool
	timer     *time.Timer
	seq       uint64
	users     []string
}

// NewTypingIndicator creates an indicator for roomID
func NewTypingIndicator(source Source, roomID string, opts TypingOptions) *TypingIndicator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &TypingIndicator{
		source:   source,
		roomID:   roomID,
		kind:     opts.Kind,
		selfID:   opts.SelfID,
		logger:   logger.WithComponent("typing").WithFields(map[string]any{"room": roomID}),
		onChange: opts.OnChange,
		timeout:  TypingTimeout,
	}
}

// Start listens for typing events. The typing set is emptied on every
// disconnect since stops sent during the gap are never seen.
func (t *TypingIndicator) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.listeners) > 0 {
		return
	}
	t.listeners = []*realtime.Listener{
		realtime.NewListener(domain.EventTyping, t.handle),
		realtime.NewListener(domain.EventDisconnect, func(domain.Event) { t.reset() }),
	}
	for _, l := range t.listeners {
		t.source.AddListener(l)
	}
}

// Stop sends a pending stop, cancels the timer and detaches
func (t *TypingIndicator) Stop() {
	t.StopTyping()

	t.mu.Lock()
	listeners := t.listeners
	t.listeners = nil
	t.users = nil
	t.mu.Unlock()

	for _, l := range listeners {
		t.source.RemoveListener(l)
	}
}

// Typing records local activity. The first call sends a start; every call
// pushes the automatic stop TypingTimeout into the future.
func (t *TypingIndicator) Typing() {
	t.mu.Lock()
	start := !t.typing
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(seq) })
	t.mu.Unlock()

	if start {
		t.send(true)
	}
}

// StopTyping sends a stop now if typing was reported
func (t *TypingIndicator) StopTyping() {
	t.mu.Lock()
	was := t.typing
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.seq++
	t.mu.Unlock()

	if was {
		t.send(false)
	}
}

// IsTyping reports whether the local user is marked as typing
func (t *TypingIndicator) IsTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// TypingUsers returns the ids of other users currently typing
func (t *TypingIndicator) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.users...)
}

func (t *TypingIndicator) reset() {
	t.mu.Lock()
	had := len(t.users) > 0
	t.users = nil
	t.mu.Unlock()

	if had && t.onChange != nil {
		t.onChange()
	}
}

func (t *TypingIndicator) expire(seq uint64) {
	t.mu.Lock()
	if seq != t.seq || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	t.send(false)
}

func (t *TypingIndicator) send(typing bool) {
	event := domain.EventTypingStop
	payload := TypingStatus{RoomID: t.roomID}

	switch {
	case t.kind == KindArticle:
		event = domain.EventTypingStatus
		payload.IsTyping = &typing
	case typing:
		event = domain.EventTypingStart
	}

	if err := t.source.Emit(event, payload); err != nil {
		t.logger.Debug("typing status not sent", "event", event, "error", err)
	}
}

func (t *TypingIndicator) handle(ev domain.Event) {
	p, err := domain.Decode(ev)
	if err != nil {
		t.logger.Debug("dropping malformed payload", "error", err)
		return
	}

	typing, ok := p.(domain.TypingPayload)
	if !ok || typing.RoomID != t.roomID || typing.UserID == t.selfID {
		return
	}

	t.mu.Lock()
	changed := false
	idx := -1
	for i, id := range t.users {
		if id == typing.UserID {
			idx = i
			break
		}
	}
	switch {
	case typing.IsTyping && idx < 0:
		t.users = append(t.users, typing.UserID)
		changed = true
	case !typing.IsTyping && idx >= 0:
		t.users = append(t.users[:idx:idx], t.users[idx+1:]...)
		changed = true
	}
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange()
	}
}
