package conference

import (
	"context"

	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"mellium.im/xmpp/jid"
)

// refreshOctoLocked reconciles the relay mesh with the current bridge
// set: every session with relay-capable peers gets an octo participant
// carrying the peer relay ids and the sources hosted on the other
// bridges.
func (c *Conference) refreshOctoLocked() {
	for _, s := range c.sessions {
		if s.RelayID() == "" {
			continue
		}

		var peers []string
		for _, other := range c.sessions {
			if other != s && other.RelayID() != "" {
				peers = append(peers, other.RelayID())
			}
		}

		if len(peers) == 0 {
			c.dropOctoLocked(s)
			continue
		}

		if s.octo == nil {
			s.octo = participant.NewOcto(s.Bridge(), s.RelayID(), c.logger)
		}
		s.octo.SetRelays(peers)
		sources, groups := c.relayedSourcesLocked(s.Bridge())
		s.octo.UpdateSources(sources, groups)
		c.scheduleOctoPushLocked(s)
	}
}

func (c *Conference) dropOctoLocked(s *BridgeSession) {
	if s.octo == nil {
		return
	}
	if alloc := s.octo.Allocation(); alloc != nil {
		conf := s.colibri
		c.submit(func() {
			if err := conf.ExpireChannels(context.Background(), alloc); err != nil {
				c.logger.WithError(err).Debug("octo channel expiration failed")
			}
		})
	}
	s.octo = nil
}

// relayedSourcesLocked collects the sources owned by endpoints hosted on
// any bridge but the given one.
func (c *Conference) relayedSourcesLocked(except jid.JID) (*source.MediaSourceMap, *source.GroupMap) {
	sources := source.NewMediaSourceMap()
	groups := source.NewGroupMap()
	for _, p := range c.participants {
		alloc := p.Allocation()
		if alloc == nil || alloc.Bridge.Equal(except) {
			continue
		}
		sources.Add(p.Sources())
		groups.Add(p.SourceGroups())
	}
	return sources, groups
}

// scheduleOctoPushLocked serialises the relay channel update through the
// signalling worker so pushes for one conference never overlap.
func (c *Conference) scheduleOctoPushLocked(s *BridgeSession) {
	c.signals.enqueue(func() { c.pushOcto(s) })
}

// pushOcto creates or updates the relay channels of one session. State
// is re-read under the lock; the session may be long gone by the time
// the push runs.
func (c *Conference) pushOcto(s *BridgeSession) {
	c.mutex.Lock()
	if c.disposed || !c.hasSessionLocked(s) || s.octo == nil {
		c.mutex.Unlock()
		return
	}
	octo := s.octo
	conf := s.colibri
	relays := octo.Relays()
	allocation := octo.Allocation()
	sources := octo.Sources().Clone()
	groups := octo.SourceGroups().Clone()
	c.mutex.Unlock()

	if allocation == nil {
		offer := jingle.BuildOffer(jingle.OfferOptions{
			Audio:     true,
			Video:     true,
			Stereo:    c.config.Stereo,
			EnableRTX: c.config.EnableRTX,
			EnableTCC: c.config.EnableTCC,
		})
		created, err := conf.CreateRelayChannels(context.Background(), relays, offer)
		if err != nil {
			c.logger.WithError(err).Warn("octo channel allocation failed")
			return
		}

		c.mutex.Lock()
		if c.disposed || !c.hasSessionLocked(s) || s.octo != octo {
			c.mutex.Unlock()
			c.submit(func() {
				if err := conf.ExpireChannels(context.Background(), created); err != nil {
					c.logger.WithError(err).Debug("octo channel expiration failed")
				}
			})
			return
		}
		octo.SetAllocation(created)
		allocation = created
		c.mutex.Unlock()
	}

	if err := conf.UpdateRelayChannels(context.Background(), allocation, relays, sources, groups); err != nil {
		c.logger.WithError(err).Warn("octo channel update failed")
	}
}

func (c *Conference) hasSessionLocked(s *BridgeSession) bool {
	for _, existing := range c.sessions {
		if existing == s {
			return true
		}
	}
	return false
}
