package xmpp

import (
	"context"
	"encoding/xml"
	"sync"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// Brewery watches the MUC where videobridges announce themselves. Each
// occupant is one bridge: joining makes it known, its presence carries a
// stats extension, and leaving takes it out of service.
type Brewery struct {
	service *Service
	room    jid.JID
	logger  *logrus.Entry

	mutex     sync.Mutex
	listeners []bridge.Listener
	bridges   map[string]breweryOccupant
}

type breweryOccupant struct {
	address jid.JID
	version string
}

func newBrewery(s *Service, room jid.JID) *Brewery {
	return &Brewery{
		service: s,
		room:    room,
		logger:  s.logger.WithField("brewery", room.String()),
		bridges: make(map[string]breweryOccupant),
	}
}

// Subscribe registers a listener and replays the bridges already present
// so late subscribers do not miss them.
func (b *Brewery) Subscribe(l bridge.Listener) error {
	b.mutex.Lock()
	b.listeners = append(b.listeners, l)
	known := make([]breweryOccupant, 0, len(b.bridges))
	for _, occ := range b.bridges {
		known = append(known, occ)
	}
	b.mutex.Unlock()

	for _, occ := range known {
		l.BridgeUp(occ.address, occ.version)
	}
	return nil
}

// Unsubscribe removes a previously registered listener.
func (b *Brewery) Unsubscribe(l bridge.Listener) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// join announces the focus in the brewery room. The occupant list that
// follows repopulates the bridge set.
func (b *Brewery) join(ctx context.Context) {
	self, err := b.room.WithResource(b.service.config.Nickname)
	if err != nil {
		self = b.room
	}
	p := stanza.Presence{To: self, From: b.service.jid}
	payload := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: muc.NS, Local: "x"},
	})
	if err := b.service.send(ctx, p.Wrap(payload)); err != nil {
		b.logger.WithError(err).Warn("failed to join brewery room")
	}
}

// Refresh re-enters the brewery room, forcing the MUC service to resend
// the occupant list. Used by the periodic rediscovery task.
func (b *Brewery) Refresh(ctx context.Context) {
	b.join(ctx)
}

func (b *Brewery) handleOccupant(p stanza.Presence, decoded *OccupantPresence) {
	nick := p.From.Resourcepart()
	if nick == b.service.config.Nickname || decoded.User.HasStatus(StatusSelfPresence) {
		return
	}

	switch p.Type {
	case stanza.AvailablePresence:
		address := decoded.User.RealJID()
		if address.Equal(jid.JID{}) {
			address = p.From
		}
		stats := decoded.Stats.Map()

		b.mutex.Lock()
		_, known := b.bridges[nick]
		occ := breweryOccupant{address: address, version: stats["version"]}
		b.bridges[nick] = occ
		listeners := b.snapshotListenersLocked()
		b.mutex.Unlock()

		if !known {
			b.logger.WithFields(logrus.Fields{
				"bridge":  address.String(),
				"version": occ.version,
			}).Info("bridge joined brewery")
			for _, l := range listeners {
				l.BridgeUp(address, occ.version)
			}
		}
		if decoded.Stats != nil {
			for _, l := range listeners {
				l.BridgeStats(address, stats)
			}
		}

	case stanza.UnavailablePresence:
		b.mutex.Lock()
		occ, known := b.bridges[nick]
		delete(b.bridges, nick)
		listeners := b.snapshotListenersLocked()
		b.mutex.Unlock()
		if !known {
			return
		}

		b.logger.WithField("bridge", occ.address.String()).Info("bridge left brewery")
		for _, l := range listeners {
			l.BridgeDown(occ.address)
		}
	}
}

// streamLost forgets every bridge when the component stream drops. The
// rejoin after reconnecting replays the surviving ones as fresh joins.
func (b *Brewery) streamLost() {
	b.mutex.Lock()
	bridges := make([]breweryOccupant, 0, len(b.bridges))
	for _, occ := range b.bridges {
		bridges = append(bridges, occ)
	}
	b.bridges = make(map[string]breweryOccupant)
	listeners := b.snapshotListenersLocked()
	b.mutex.Unlock()

	for _, occ := range bridges {
		for _, l := range listeners {
			l.BridgeDown(occ.address)
		}
	}
}

func (b *Brewery) snapshotListenersLocked() []bridge.Listener {
	listeners := make([]bridge.Listener, len(b.listeners))
	copy(listeners, b.listeners)
	return listeners
}

var _ bridge.Discovery = (*Brewery)(nil)
