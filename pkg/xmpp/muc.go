package xmpp

import (
	"context"
	"encoding/xml"
	"sync"

	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// Room is the focus's client of one conference MUC. It tracks the
// occupants it has seen so presence broadcasts become joined, left and
// role-changed events, and it publishes the focus's presence extensions
// to the room.
type Room struct {
	service *Service
	room    jid.JID
	self    jid.JID
	logger  *logrus.Entry

	mutex     sync.Mutex
	occupants map[string]participant.Role
}

func newRoom(s *Service, room jid.JID) *Room {
	self, err := room.WithResource(s.config.Nickname)
	if err != nil {
		// The nickname comes from configuration; an unusable one leaves
		// the bare room address and the MUC service will reject the join.
		self = room
	}
	return &Room{
		service:   s,
		room:      room,
		self:      self,
		logger:    s.logger.WithField("room", room.String()),
		occupants: make(map[string]participant.Role),
	}
}

// JID returns the bare room address.
func (r *Room) JID() jid.JID {
	return r.room
}

// join announces the focus in the room. The MUC service answers with the
// full occupant list, which drives member-joined events.
func (r *Room) join(ctx context.Context) {
	p := stanza.Presence{To: r.self, From: r.service.jid}
	payload := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: muc.NS, Local: "x"},
	})
	if err := r.service.send(ctx, p.Wrap(payload)); err != nil {
		r.logger.WithError(err).Warn("failed to join room")
	}
}

// leave withdraws the focus occupant.
func (r *Room) leave(ctx context.Context) {
	p := stanza.Presence{To: r.self, From: r.service.jid, Type: stanza.UnavailablePresence}
	if err := r.service.send(ctx, p.Wrap(nil)); err != nil {
		r.logger.WithError(err).Debug("failed to leave room")
	}
}

// BroadcastPresenceExtension publishes a payload on the focus's room
// presence, visible to every occupant.
func (r *Room) BroadcastPresenceExtension(payload interface{}) error {
	reader, err := payloadReader(payload)
	if err != nil {
		return err
	}
	p := stanza.Presence{To: r.self, From: r.service.jid}
	return r.service.send(context.Background(), p.Wrap(reader))
}

// handleOccupant turns one occupant presence into conference events. The
// serve loop delivers presence for one room in order, so the occupant
// table only guards against cross-room concurrency.
func (r *Room) handleOccupant(p stanza.Presence, decoded *OccupantPresence) {
	nick := p.From.Resourcepart()
	if nick == r.service.config.Nickname || decoded.User.HasStatus(StatusSelfPresence) {
		r.handleSelf(p, decoded)
		return
	}

	switch p.Type {
	case stanza.AvailablePresence:
		role := decoded.User.Role()
		r.mutex.Lock()
		previous, known := r.occupants[nick]
		r.occupants[nick] = role
		r.mutex.Unlock()

		if !known {
			r.logger.WithFields(logrus.Fields{
				"occupant": p.From.String(),
				"role":     string(role),
			}).Info("member joined")
			r.service.handler.MemberJoined(p.From, decoded.MemberInfo())
		} else if previous != role {
			r.service.handler.RoleChanged(p.From, role)
		}

	case stanza.UnavailablePresence:
		if decoded.User != nil && decoded.User.Destroy != nil {
			r.destroyed()
			return
		}
		r.mutex.Lock()
		_, known := r.occupants[nick]
		delete(r.occupants, nick)
		empty := len(r.occupants) == 0
		r.mutex.Unlock()
		if !known {
			return
		}

		r.logger.WithField("occupant", p.From.String()).Info("member left")
		r.service.handler.MemberLeft(p.From)

		if empty {
			// Nobody left to serve; withdraw so the room can die.
			r.leave(context.Background())
			r.service.dropRoom(r.room)
		}
	}
}

// handleSelf reacts to the focus's own presence echoes. Losing the
// occupant without a deliberate leave means the room is gone.
func (r *Room) handleSelf(p stanza.Presence, decoded *OccupantPresence) {
	if p.Type != stanza.UnavailablePresence {
		return
	}
	if decoded.User != nil && decoded.User.Destroy != nil {
		r.destroyed()
		return
	}
	if r.service.lookupRoom(r.room) == nil {
		// Our own leave echo after dropping the room.
		return
	}
	r.logger.Warn("focus removed from room")
	r.destroyed()
}

func (r *Room) destroyed() {
	r.logger.Info("room destroyed")
	r.service.dropRoom(r.room)
	r.service.handler.RoomDestroyed(r.room)
}
