package devserver

import (
	"encoding/json"
	"net/http"

	"github.com/HMasataka/quill/internal/eventbus"
	"github.com/HMasataka/quill/internal/logging"
	"github.com/HMasataka/quill/pkg/domain"
	"github.com/HMasataka/quill/pkg/transport/protocol"
	"github.com/rs/xid"
)

// PublishRequest is the body of POST /publish. Room and SID narrow the
// recipients; with neither set the event goes to every session.
type PublishRequest struct {
	Event domain.EventName `json:"event"`
	Data  json.RawMessage  `json:"data,omitempty"`
	Room  string           `json:"room,omitempty"`
	SID   string           `json:"sid,omitempty"`
}

// KickRequest is the body of POST /kick. An empty SID kicks every session.
type KickRequest struct {
	SID    string `json:"sid,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}
	if !req.Event.IsInbound() || req.Event.IsLifecycle() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event cannot be published: " + string(req.Event)})
		return
	}

	f := &protocol.Frame{Event: req.Event, Data: req.Data, ID: xid.New().String()}

	var err error
	if req.SID != "" {
		if _, ok := s.hub.Session(req.SID); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
			return
		}
		err = s.hub.SendTo(req.SID, f)
	} else {
		err = s.hub.Broadcast(f, Target{Room: req.Room})
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	s.metrics.Published()
	logging.FromContext(r.Context(), s.logger).Debug("event published", "event", req.Event, "room", req.Room, "sid", req.SID, "id", f.ID)
	s.publishEvent(eventbus.NewEvent(eventbus.EventPublished, busSource, req).WithMetadata("event", string(req.Event)))

	writeJSON(w, http.StatusAccepted, map[string]string{"id": f.ID})
}

func (s *Server) kick(w http.ResponseWriter, r *http.Request) {
	var req KickRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonServerDisconnect
	}

	var targets []Session
	if req.SID != "" {
		session, ok := s.hub.Session(req.SID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
			return
		}
		targets = append(targets, session)
	} else {
		targets = s.hub.Sessions()
	}

	for _, session := range targets {
		session.Close(req.Reason)
		s.metrics.Kicked()
		s.publishEvent(eventbus.NewEvent(eventbus.EventSessionKicked, busSource, req.Reason).WithMetadata("sid", session.ID()))
		logging.FromContext(r.Context(), s.logger).Info("session kicked", "sid", session.ID(), "reason", req.Reason)
	}

	writeJSON(w, http.StatusOK, map[string]int{"kicked": len(targets)})
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	type sessionView struct {
		SID       string      `json:"sid"`
		User      domain.User `json:"user"`
		Transport string      `json:"transport"`
	}

	views := []sessionView{}
	for _, session := range s.hub.Sessions() {
		views = append(views, sessionView{SID: session.ID(), User: session.User(), Transport: session.Transport()})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":    s.hub.GetStats(),
		"sessions": views,
	})
}
