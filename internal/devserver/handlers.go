package devserver

import (
	"context"
	"time"

	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/transport/protocol"
	"github.com/rs/xid"
)

type roomRequest struct {
	RoomID    string `json:"roomId"`
	ArticleID string `json:"articleId"`
}

func (r roomRequest) room() string {
	if r.RoomID != "" {
		return r.RoomID
	}
	return r.ArticleID
}

type subscribeRequest struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// topic is the hub room a subscription maps to
func (r subscribeRequest) topic() string {
	if r.ID == "" {
		return r.Channel
	}
	return r.Channel + ":" + r.ID
}

type roomMessage struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

type typingRequest struct {
	RoomID   string `json:"roomId"`
	IsTyping *bool  `json:"isTyping"`
}

type readReceipt struct {
	ID string `json:"id"`
}

func (s *Server) registerHandlers() {
	s.handlers.Register(domain.EventSubscribe, protocol.HandlerFunc(s.handleSubscribe))
	s.handlers.Register(domain.EventUnsubscribe, protocol.HandlerFunc(s.handleUnsubscribe))
	s.handlers.Register(domain.EventJoinRoom, protocol.HandlerFunc(s.handleJoin))
	s.handlers.Register(domain.EventJoinArticle, protocol.HandlerFunc(s.handleJoin))
	s.handlers.Register(domain.EventLeaveRoom, protocol.HandlerFunc(s.handleLeave))
	s.handlers.Register(domain.EventLeaveArticle, protocol.HandlerFunc(s.handleLeave))
	s.handlers.Register(domain.EventRoomMessage, protocol.HandlerFunc(s.handleRoomMessage))
	s.handlers.Register(domain.EventTypingStart, protocol.HandlerFunc(s.handleTyping))
	s.handlers.Register(domain.EventTypingStop, protocol.HandlerFunc(s.handleTyping))
	s.handlers.Register(domain.EventTypingStatus, protocol.HandlerFunc(s.handleTyping))
	s.handlers.Register(domain.EventNotificationRead, protocol.HandlerFunc(s.handleRead))
	s.handlers.Register(domain.EventNotificationReadAll, protocol.HandlerFunc(s.handleRead))
}

func (s *Server) handleSubscribe(ctx context.Context, sid string, f *protocol.Frame) (*protocol.Frame, error) {
	var req subscribeRequest
	if err := f.Decode(&req); err != nil || req.Channel == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalid, "subscribe without channel", domain.ErrInvalidPayload)
	}
	s.hub.Join(sid, req.topic())
	logging.FromContext(ctx, s.logger).Debug("subscribed", "topic", req.topic())
	return nil, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, sid string, f *protocol.Frame) (*protocol.Frame, error) {
	var req subscribeRequest
	if err := f.Decode(&req); err != nil || req.Channel == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalid, "unsubscribe without channel", domain.ErrInvalidPayload)
	}
	s.hub.Leave(sid, req.topic())
	logging.FromContext(ctx, s.logger).Debug("unsubscribed", "topic", req.topic())
	return nil, nil
}

func (s *Server) handleJoin(_ context.Context, sid string, f *protocol.Frame) (*protocol.Frame, error) {
	var req roomRequest
	if err := f.Decode(&req); err != nil || req.room() == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalid, string(f.Event)+" without room", domain.ErrInvalidPayload)
	}

	session, ok := s.hub.Session(sid)
	if !ok {
		return nil, domain.ErrConnectionClosed
	}

	room := req.room()
	if s.hub.Join(sid, room) {
		_ = s.hub.Broadcast(
			mustFrame(domain.EventUserJoined, map[string]any{"roomId": room, "user": session.User()}),
			Target{Room: room, Exclude: sid},
		)
	}

	return protocol.NewFrame(domain.EventRoomJoined, map[string]any{"roomId": room, "user": session.User()})
}

func (s *Server) handleLeave(_ context.Context, sid string, f *protocol.Frame) (*protocol.Frame, error) {
	var req roomRequest
	if err := f.Decode(&req); err != nil || req.room() == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalid, string(f.Event)+" without room", domain.ErrInvalidPayload)
	}

	session, ok := s.hub.Session(sid)
	if !ok {
		return nil, domain.ErrConnectionClosed
	}

	room := req.room()
	if s.hub.Leave(sid, room) {
		_ = s.hub.Broadcast(
			mustFrame(domain.EventUserLeft, map[string]any{"roomId": room, "user": session.User()}),
			Target{Room: room},
		)
	}

	return protocol.NewFrame(domain.EventRoomLeft, map[string]any{"roomId": room})
}

func (s *Server) handleRoomMessage(_ context.Context, sid string, f *protocol.Frame) (*protocol.Frame, error) {
	var req roomMessage
	if err := f.Decode(&req); err != nil || req.RoomID == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalid, "room-message without room", domain.ErrInvalidPayload)
	}

	session, ok := s.hub.Session(sid)
	if !ok {
		return nil, domain.ErrConnectionClosed
	}
	if !s.hub.InRoom(sid, req.RoomID) {
		return nil, domain.NewDomainError(domain.ErrCodeUnauthorized, "not a member of "+req.RoomID, nil)
	}

	msg := map[string]any{
		"id":        xid.New().String(),
		"roomId":    req.RoomID,
		"message":   req.Message,
		"user":      session.User(),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil, s.hub.Broadcast(mustFrame(domain.EventMessage, msg), Target{Room: req.RoomID})
}

func (s *Server) handleTyping(_ context.Context, sid string, f *protocol.Frame) (*protocol.Frame, error) {
	var req typingRequest
	if err := f.Decode(&req); err != nil || req.RoomID == "" {
		return nil, domain.NewDomainError(domain.ErrCodeInvalid, string(f.Event)+" without room", domain.ErrInvalidPayload)
	}

	session, ok := s.hub.Session(sid)
	if !ok {
		return nil, domain.ErrConnectionClosed
	}

	var typing bool
	switch f.Event {
	case domain.EventTypingStart:
		typing = true
	case domain.EventTypingStatus:
		typing = req.IsTyping != nil && *req.IsTyping
	}

	return nil, s.hub.Broadcast(
		mustFrame(domain.EventTyping, map[string]any{"roomId": req.RoomID, "userId": session.User().ID, "isTyping": typing}),
		Target{Room: req.RoomID, Exclude: sid},
	)
}

func (s *Server) handleRead(ctx context.Context, _ string, f *protocol.Frame) (*protocol.Frame, error) {
	var receipt readReceipt
	_ = f.Decode(&receipt)
	logging.FromContext(ctx, s.logger).Debug("notification read", "event", f.Event, "id", receipt.ID)
	return nil, nil
}
