// Package conference implements the focus side of one conference: the
// participant list, the per-bridge channel sessions and the fan-out of
// source changes between endpoints.
package conference

import (
	"context"
	"encoding/xml"
	"errors"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/common"
	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/metrics"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/jitsi-go/jicofo/pkg/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"mellium.im/xmpp/jid"
)

// ErrUnknownParticipant is returned for signalling from occupants the
// conference does not know.
var ErrUnknownParticipant = errors.New("unknown participant")

// Discoverer resolves the feature vars an occupant advertises.
type Discoverer interface {
	DiscoverFeatures(ctx context.Context, target jid.JID) ([]string, error)
}

// Room is the outbound side of the chat-room adapter.
type Room interface {
	BroadcastPresenceExtension(payload interface{}) error
}

// BridgeDownExtension is the presence payload published when no bridge
// is available for the conference.
type BridgeDownExtension struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus bridge-not-available"`
}

// Services are the process-wide collaborators a conference uses.
type Services struct {
	Registry   *bridge.Registry
	Selector   *bridge.Selector
	Signaler   jingle.Signaler
	Colibri    colibri.Factory
	Discoverer Discoverer
	Room       Room
	Pool       *common.TaskPool
}

// MemberInfo is what the chat room knows about a joining occupant.
type MemberInfo struct {
	Role       participant.Role
	Region     string
	StatsID    string
	StartMuted [2]bool
}

// Conference is the focus state of one room. One conference is one
// logical lock: every mutation of participants or bridge sessions runs
// under it, while signalling and channel I/O run off it.
type Conference struct {
	mutex sync.Mutex

	room      jid.JID
	meetingID string
	config    Config
	services  Services

	participants map[string]*participant.Participant
	sessions     []*BridgeSession
	jvbSources   *source.MediaSourceMap

	signals   *signalWorker
	logger    *logrus.Entry
	telemetry *telemetry.Telemetry

	disposed           bool
	bridgeDownReported bool
}

// New creates the conference for one room.
func New(room jid.JID, config Config, services Services, logger *logrus.Entry) *Conference {
	meetingID := uuid.NewString()
	conferenceLogger := logger.WithFields(logrus.Fields{
		"room":       room.Bare().String(),
		"meeting_id": meetingID,
	})

	return &Conference{
		room:         room,
		meetingID:    meetingID,
		config:       config,
		services:     services,
		participants: make(map[string]*participant.Participant),
		jvbSources:   source.NewMediaSourceMap(),
		signals:      newSignalWorker(conferenceLogger),
		logger:       conferenceLogger,
		telemetry: telemetry.NewTelemetry(context.Background(), "conference",
			attribute.String("room", room.Bare().String()),
			attribute.String("meeting_id", meetingID)),
	}
}

// Room returns the room JID the conference serves.
func (c *Conference) Room() jid.JID {
	return c.room
}

// MeetingID returns the stable id shared with the bridges.
func (c *Conference) MeetingID() string {
	return c.meetingID
}

// OnMemberJoined adds an occupant to the conference and starts inviting
// it.
func (c *Conference) OnMemberJoined(occupant jid.JID, info MemberInfo) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed {
		return
	}
	key := occupant.String()
	if _, ok := c.participants[key]; ok {
		c.logger.WithField("occupant", key).Warn("member joined twice, ignoring")
		return
	}

	p := participant.New(occupant, info.Role, c.config.MaxSourcesPerUser, c.logger)
	p.SetRegion(info.Region)
	p.SetStatsID(info.StatsID)
	p.SetStartMuted(info.StartMuted)
	c.participants[key] = p
	c.logger.WithField("endpoint", p.Endpoint()).Info("member joined")
	c.telemetry.AddEvent("member joined", attribute.String("endpoint", p.Endpoint()))

	c.inviteLocked(p, false)
}

// OnMemberLeft removes an occupant: its channels expire, its sources are
// withdrawn from everyone else.
func (c *Conference) OnMemberLeft(occupant jid.JID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	p, ok := c.participants[occupant.String()]
	if !ok {
		return
	}
	c.logger.WithField("endpoint", p.Endpoint()).Info("member left")
	c.telemetry.AddEvent("member left", attribute.String("endpoint", p.Endpoint()))
	c.removeParticipantLocked(p, false)
}

// OnRoleChanged updates the chat-room role of an occupant.
func (c *Conference) OnRoleChanged(occupant jid.JID, role participant.Role) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if p, ok := c.participants[occupant.String()]; ok {
		p.SetRole(role)
	}
}

// OnRoomDestroyed disposes the conference.
func (c *Conference) OnRoomDestroyed() {
	c.Dispose()
}

// Participant returns the participant behind an occupant JID.
func (c *Conference) Participant(occupant jid.JID) (*participant.Participant, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	p, ok := c.participants[occupant.String()]
	return p, ok
}

// ParticipantCount returns the number of occupants the conference knows.
func (c *Conference) ParticipantCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.participants)
}

// IsDisposed reports whether the conference has been torn down.
func (c *Conference) IsDisposed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.disposed
}

// Bridges returns the bridge sessions currently in use.
func (c *Conference) Bridges() []*BridgeSession {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]*BridgeSession(nil), c.sessions...)
}

// OnSessionAnswer handles the answer of a participant: its advertised
// sources are validated, stored, pushed to its bridge and fanned out to
// everyone else.
func (c *Conference) OnSessionAnswer(occupant jid.JID, contents []jingle.Content) error {
	c.mutex.Lock()
	p, ok := c.participants[occupant.String()]
	if !ok {
		c.mutex.Unlock()
		return ErrUnknownParticipant
	}

	sources, groups := jingle.ExtractSources(contents, p.Owner())
	err := c.applyAddLocked(p, reOwn(sources, p.Owner()), reOwnGroups(groups, p.Owner()))
	var update func()
	if err == nil {
		update = c.channelUpdateTaskLocked(p, contents)
	}
	c.mutex.Unlock()

	c.submit(update)
	return err
}

// OnSourceAdd handles a source-add advertised by a participant.
func (c *Conference) OnSourceAdd(occupant jid.JID, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	c.mutex.Lock()
	p, ok := c.participants[occupant.String()]
	if !ok {
		c.mutex.Unlock()
		return ErrUnknownParticipant
	}

	err := c.applyAddLocked(p, reOwn(sources, p.Owner()), reOwnGroups(groups, p.Owner()))
	var update func()
	if err == nil {
		update = c.channelUpdateTaskLocked(p, nil)
	}
	c.mutex.Unlock()

	c.submit(update)
	return err
}

// OnSourceRemove handles a source-remove advertised by a participant.
// The delta is restricted to sources the sender actually owns.
func (c *Conference) OnSourceRemove(occupant jid.JID, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	c.mutex.Lock()
	p, ok := c.participants[occupant.String()]
	if !ok {
		c.mutex.Unlock()
		return ErrUnknownParticipant
	}

	ownSources := p.Sources().Clone().Remove(sources)
	ownGroups := p.SourceGroups().Clone().Remove(groups)
	err := c.applyRemoveLocked(p, ownSources, ownGroups)
	var update func()
	if err == nil {
		update = c.channelUpdateTaskLocked(p, nil)
	}
	c.mutex.Unlock()

	c.submit(update)
	return err
}

// OnBridgeDown moves every endpoint off a bridge that disappeared or
// failed its health checks.
func (c *Conference) OnBridgeDown(bridgeJID jid.JID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed {
		return
	}
	session := c.sessionForLocked(bridgeJID)
	if session == nil {
		return
	}
	c.logger.WithField("bridge", bridgeJID.String()).Warn("bridge down, moving endpoints")
	c.telemetry.AddEvent("bridge down", attribute.String("bridge", bridgeJID.String()))
	session.hasFailed = true
	affected := c.detachSessionLocked(session)
	c.reinviteLocked(affected)
}

// AllSources returns the union of every participant's sources except the
// excluded owner's, plus the relay-owned mixed sources. Pass the empty
// owner to get everything.
func (c *Conference) AllSources(excluding source.Owner) *source.MediaSourceMap {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.allSourcesLocked(excluding)
}

// AllSourceGroups is the group counterpart of AllSources.
func (c *Conference) AllSourceGroups(excluding source.Owner) *source.GroupMap {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.allGroupsLocked(excluding)
}

// Dispose tears the conference down: sessions are terminated, channels
// expire, the signalling worker stops.
func (c *Conference) Dispose() {
	c.mutex.Lock()
	if c.disposed {
		c.mutex.Unlock()
		return
	}
	c.disposed = true
	c.logger.Info("disposing conference")

	var terminations []*jingle.Session
	for _, p := range c.participants {
		if a := p.Allocator(); a != nil {
			a.Cancel()
			p.ClearAllocator(a)
		}
		if err := p.Leave(); err == nil {
			_ = p.Gone()
		}
		if s := p.Session(); s != nil {
			terminations = append(terminations, s)
		}
	}

	type sessionTeardown struct {
		conf   colibri.Conference
		allocs []*colibri.ChannelAllocation
	}
	var teardowns []sessionTeardown
	for _, s := range c.sessions {
		td := sessionTeardown{conf: s.colibri}
		if s.octo != nil && s.octo.Allocation() != nil {
			td.allocs = append(td.allocs, s.octo.Allocation())
		}
		for _, p := range c.participants {
			if alloc := p.Allocation(); alloc != nil && alloc.Bridge.Equal(s.Bridge()) {
				td.allocs = append(td.allocs, alloc)
			}
		}
		teardowns = append(teardowns, td)
	}

	c.participants = make(map[string]*participant.Participant)
	c.sessions = nil
	c.mutex.Unlock()

	signaler := c.services.Signaler
	for _, s := range terminations {
		sess := s
		c.signals.enqueue(func() {
			reason := jingle.NewReason(jingle.ReasonGone, "conference ended")
			if err := signaler.TerminateSession(context.Background(), sess, reason); err != nil {
				c.logger.WithError(err).Debug("session terminate failed")
			}
		})
	}
	c.signals.stop()

	for _, td := range teardowns {
		td := td
		c.submit(func() {
			for _, alloc := range td.allocs {
				if err := td.conf.ExpireChannels(context.Background(), alloc); err != nil {
					c.logger.WithError(err).Debug("channel expiration failed")
				}
			}
			td.conf.Dispose()
		})
	}

	c.telemetry.End()
}

// inviteLocked spawns a channel allocator for the participant. A
// participant already mid-invite keeps its state; the fresh allocator
// replaces and cancels the previous one.
func (c *Conference) inviteLocked(p *participant.Participant, reInvite bool) {
	if c.disposed {
		return
	}
	if p.State() != participant.StateInviting {
		if err := p.StartInvite(); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"endpoint": p.Endpoint(),
				"state":    string(p.State()),
			}).Warn("not inviting participant")
			return
		}
	}

	allocator := newChannelAllocator(c, p, reInvite)
	p.ReplaceAllocator(allocator)
	if err := c.services.Pool.Submit(allocator.Run); err != nil {
		c.logger.WithError(err).Error("cannot schedule channel allocator")
		p.ClearAllocator(allocator)
		return
	}
	metrics.InvitesTotal.Inc()
}

func (c *Conference) reinviteLocked(affected []*participant.Participant) {
	for _, p := range affected {
		c.inviteLocked(p, true)
	}
}

// removeParticipantLocked takes a participant out of the conference.
// When terminate is set its jingle session is closed with a reason.
func (c *Conference) removeParticipantLocked(p *participant.Participant, terminate bool) {
	delete(c.participants, p.Occupant().String())

	if a := p.Allocator(); a != nil {
		a.Cancel()
		p.ClearAllocator(a)
	}
	if err := p.Leave(); err == nil {
		_ = p.Gone()
	}

	removedSources := p.Sources().Clone()
	removedGroups := p.SourceGroups().Clone()
	if !removedSources.IsEmpty() || !removedGroups.IsEmpty() {
		c.propagateRemoveLocked(p, removedSources, removedGroups)
	}

	if alloc := p.Allocation(); alloc != nil {
		if session := c.sessionForLocked(alloc.Bridge); session != nil {
			conf := session.colibri
			c.submit(func() {
				if err := conf.ExpireChannels(context.Background(), alloc); err != nil {
					c.logger.WithError(err).Debug("channel expiration failed")
				}
			})
		}
	}

	if terminate {
		if sess := p.Session(); sess != nil {
			signaler := c.services.Signaler
			c.signals.enqueue(func() {
				reason := jingle.NewReason(jingle.ReasonConnectivityErr, "session failed")
				if err := signaler.TerminateSession(context.Background(), sess, reason); err != nil {
					c.logger.WithError(err).Debug("session terminate failed")
				}
			})
		}
	}

	c.refreshOctoLocked()
}

// applyAddLocked validates and applies a source addition of p, then
// fans it out.
func (c *Conference) applyAddLocked(p *participant.Participant, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	if sources.IsEmpty() && groups.IsEmpty() {
		return nil
	}

	validator := source.NewValidator(c.allSourcesLocked(""), c.allGroupsLocked(""), p.Owner(), p.MaxSources(), c.logger)
	accepted, acceptedGroups, err := validator.TryAdd(sources, groups)
	if err != nil {
		c.logger.WithError(err).WithField("endpoint", p.Endpoint()).Warn("rejecting source-add")
		metrics.SourceRejectionsTotal.Inc()
		return err
	}
	if accepted.IsEmpty() && acceptedGroups.IsEmpty() {
		return nil
	}

	p.AddSources(accepted, acceptedGroups)
	c.propagateAddLocked(p, accepted, acceptedGroups)
	c.refreshOctoLocked()
	return nil
}

// applyRemoveLocked validates and applies a source removal of p, then
// fans it out.
func (c *Conference) applyRemoveLocked(p *participant.Participant, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	if sources.IsEmpty() && groups.IsEmpty() {
		return nil
	}

	validator := source.NewValidator(c.allSourcesLocked(""), c.allGroupsLocked(""), p.Owner(), p.MaxSources(), c.logger)
	removed, removedGroups, err := validator.TryRemove(sources, groups)
	if err != nil {
		c.logger.WithError(err).WithField("endpoint", p.Endpoint()).Warn("rejecting source-remove")
		metrics.SourceRejectionsTotal.Inc()
		return err
	}
	if removed.IsEmpty() && removedGroups.IsEmpty() {
		return nil
	}

	p.RemoveSources(removed, removedGroups)
	c.propagateRemoveLocked(p, removed, removedGroups)
	c.refreshOctoLocked()
	return nil
}

// propagateAddLocked fans a validated source addition out: established
// participants get a source-add, the rest queue it for establishment.
func (c *Conference) propagateAddLocked(from *participant.Participant, sources *source.MediaSourceMap, groups *source.GroupMap) {
	for _, other := range c.participants {
		if other == from {
			continue
		}
		if other.IsEstablished() {
			c.enqueueSourceAdd(other.Session(), sources, groups)
		} else {
			other.QueueRemoteAdd(sources, groups)
		}
	}
}

func (c *Conference) propagateRemoveLocked(from *participant.Participant, sources *source.MediaSourceMap, groups *source.GroupMap) {
	for _, other := range c.participants {
		if other == from {
			continue
		}
		if other.IsEstablished() {
			c.enqueueSourceRemove(other.Session(), sources, groups)
		} else {
			other.QueueRemoteRemove(sources, groups)
		}
	}
}

// enqueueSourceAdd schedules a source-add notification. When the target
// supports lip-sync and the conference enables it, a matching audio
// source is synthesised for video-only deltas so the merge still works.
func (c *Conference) enqueueSourceAdd(session *jingle.Session, sources *source.MediaSourceMap, groups *source.GroupMap) {
	notified := sources
	if c.config.EnableLipSync {
		if target := c.participantBySessionLocked(session); target != nil && target.Features().SupportsLipSync() {
			notified = source.MergeVideoIntoAudio(source.WithSynthesizedAudio(sources, c.allSourcesLocked("")))
		}
	}

	signaler := c.services.Signaler
	c.signals.enqueue(func() {
		if err := signaler.SourceAdd(context.Background(), session, notified, groups); err != nil {
			c.logger.WithError(err).Warn("source-add notification failed")
		}
	})
}

func (c *Conference) enqueueSourceRemove(session *jingle.Session, sources *source.MediaSourceMap, groups *source.GroupMap) {
	signaler := c.services.Signaler
	c.signals.enqueue(func() {
		if err := signaler.SourceRemove(context.Background(), session, sources, groups); err != nil {
			c.logger.WithError(err).Warn("source-remove notification failed")
		}
	})
}

func (c *Conference) participantBySessionLocked(session *jingle.Session) *participant.Participant {
	for _, p := range c.participants {
		if p.Session() == session {
			return p
		}
	}
	return nil
}

// channelUpdateTaskLocked builds the task pushing a participant's answer
// state to its bridge. Returns nil when the participant has no channels
// yet.
func (c *Conference) channelUpdateTaskLocked(p *participant.Participant, contents []jingle.Content) func() {
	alloc := p.Allocation()
	if alloc == nil {
		return nil
	}
	session := c.sessionForLocked(alloc.Bridge)
	if session == nil {
		return nil
	}

	descriptions := make(map[source.MediaType]*jingle.RTPDescription)
	transports := make(map[source.MediaType]*jingle.IceUdpTransport)
	for i := range contents {
		content := &contents[i]
		media := content.MediaType()
		if content.Description != nil {
			descriptions[media] = content.Description
		}
		if content.Transport != nil {
			transports[media] = content.Transport
		}
	}

	conf := session.colibri
	sources := p.Sources().Clone()
	groups := p.SourceGroups().Clone()
	return func() {
		if err := conf.UpdateChannels(context.Background(), alloc, descriptions, transports, sources, groups); err != nil {
			c.logger.WithError(err).Warn("channel update failed")
		}
	}
}

// bridgeSessionFor returns the session the participant should allocate
// on, creating one when the selector picks a bridge new to the
// conference.
func (c *Conference) bridgeSessionFor(p *participant.Participant) (*BridgeSession, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed {
		return nil, false
	}

	inUse := make([]jid.JID, 0, len(c.sessions))
	for _, s := range c.sessions {
		if !s.hasFailed {
			inUse = append(inUse, s.Bridge())
		}
	}
	snapshot, ok := c.services.Selector.SelectBridge(inUse, p.Region())
	if !ok {
		return nil, false
	}
	for _, s := range c.sessions {
		if s.Bridge().Equal(snapshot.JID) {
			return s, true
		}
	}

	conf := c.services.Colibri.CreateConference(c.room, snapshot.JID, c.meetingID)
	session := newBridgeSession(snapshot, conf)
	c.sessions = append(c.sessions, session)
	c.logger.WithField("bridge", snapshot.JID.String()).Info("using new bridge")
	c.telemetry.AddEvent("bridge session added", attribute.String("bridge", snapshot.JID.String()))
	c.refreshOctoLocked()
	return session, true
}

// setDiscoveredFeatures stores the discovery result. Reports false when
// the participant left meanwhile.
func (c *Conference) setDiscoveredFeatures(p *participant.Participant, features participant.FeatureSet) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed || c.participants[p.Occupant().String()] != p {
		return false
	}
	p.SetFeatures(features)
	return true
}

// offerOptionsFor translates conference config and participant features
// into offer options.
func (c *Conference) offerOptionsFor(p *participant.Participant) jingle.OfferOptions {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	features := p.Features()
	return jingle.OfferOptions{
		Audio:            features.SupportsAudio(),
		Video:            features.SupportsVideo(),
		Data:             c.config.OpenSCTP && features.SupportsSCTP(),
		UseICE:           features.SupportsICE(),
		UseDTLS:          features.SupportsDTLS(),
		Stereo:           c.config.Stereo,
		EnableRTX:        c.config.EnableRTX && features.SupportsRTX(),
		EnableTCC:        c.config.EnableTCC && features.SupportsTCC(),
		EnableREMB:       c.config.EnableREMB && features.SupportsREMB(),
		EnableOpusRed:    c.config.EnableOpusRed && features.SupportsOpusRed(),
		MinBitrateKbps:   c.config.MinBitrateKbps,
		StartBitrateKbps: c.config.StartBitrateKbps,
	}
}

// ensureMixedSources lazily creates the relay-owned mixed source for
// each media kind of the offer.
func (c *Conference) ensureMixedSources(offer []jingle.Content) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i := range offer {
		media := offer[i].MediaType()
		if media != source.MediaAudio && media != source.MediaVideo {
			continue
		}
		if _, ok := c.jvbSources.FindSSRCForOwner(media, source.OwnerJVB); ok {
			continue
		}
		c.jvbSources.AddSource(media, source.Source{
			SSRC:  randomSSRC(),
			CName: "mixed",
			MSID:  "mixedmslabel mixedlabel" + string(media) + "0",
			Owner: source.OwnerJVB,
		})
	}
}

// completeOffer fills in what only the conference knows about an offer:
// the transport returned by the bridge, every other endpoint's sources
// and the bundle grouping.
func (c *Conference) completeOffer(p *participant.Participant, reInvite bool, offer []jingle.Content, allocation *colibri.ChannelAllocation) (contents []jingle.Content, group *jingle.Grouping, session *jingle.Session, replace bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	attachTransport(offer, allocation.Transport)

	sources := c.allSourcesLocked(p.Owner())
	groups := c.allGroupsLocked(p.Owner())
	if c.config.EnableLipSync && p.Features().SupportsLipSync() {
		sources = source.MergeVideoIntoAudio(sources)
	}
	contents = jingle.InjectSources(offer, sources, groups)

	if p.Features().SupportsBundle() {
		group = jingle.BundleGroup(contents)
	}
	session = p.Session()
	replace = reInvite && session != nil
	return contents, group, session, replace
}

// isMember reports whether the participant is still part of a live
// conference.
func (c *Conference) isMember(p *participant.Participant) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return !c.disposed && c.participants[p.Occupant().String()] == p
}

// onAllocationSuccess persists allocated channels into the participant.
// Reports false when the allocation must be released because the
// participant left, the conference is gone or the session was detached
// while the request was in flight.
func (c *Conference) onAllocationSuccess(p *participant.Participant, session *BridgeSession, allocation *colibri.ChannelAllocation) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed || c.participants[p.Occupant().String()] != p {
		return false
	}
	if session.hasFailed || c.sessionForLocked(session.Bridge()) != session {
		return false
	}
	p.SetAllocation(allocation)
	if !session.established {
		session.established = true
		c.bridgeDownReported = false
		c.logger.WithField("bridge", session.Bridge().String()).Info("bridge session established")
		c.refreshOctoLocked()
	}
	// After a re-invite the channels are fresh but the participant may
	// already have announced sources. Sync them onto the new bridge.
	if !p.Sources().IsEmpty() {
		c.submit(c.channelUpdateTaskLocked(p, nil))
	}
	return true
}

// onSessionAck finishes an invite: the participant becomes established
// and its pending source changes are flushed, the add queue first.
func (c *Conference) onSessionAck(a *ChannelAllocator, p *participant.Participant, session *jingle.Session) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed || c.participants[p.Occupant().String()] != p || a.isCancelled() {
		return false
	}
	p.SetSession(session)
	if err := p.Establish(); err != nil {
		c.logger.WithError(err).WithField("endpoint", p.Endpoint()).Error("cannot establish participant")
		return false
	}
	c.logger.WithField("endpoint", p.Endpoint()).Info("participant established")

	add, addGroups, remove, removeGroups := p.DrainPending()
	if !add.IsEmpty() || !addGroups.IsEmpty() {
		c.enqueueSourceAdd(session, add, addGroups)
	}
	if !remove.IsEmpty() || !removeGroups.IsEmpty() {
		c.enqueueSourceRemove(session, remove, removeGroups)
	}

	p.ClearAllocator(a)
	return true
}

// onAllocationFailed handles a transport-level bridge failure during
// allocation: the bridge leaves the rotation and every endpoint on it is
// moved, the triggering participant included.
func (c *Conference) onAllocationFailed(failed *BridgeSession, trigger *participant.Participant) {
	c.services.Registry.SetOperational(failed.Bridge(), false)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed {
		return
	}
	c.logger.WithField("bridge", failed.Bridge().String()).Warn("bridge failed, restarting conference on another bridge")
	failed.hasFailed = true
	affected := c.detachSessionLocked(failed)
	affected = appendParticipant(affected, trigger)
	c.reinviteLocked(affected)
}

// onAllocationRejected handles a bad-request rejection: the bridge is
// healthy but our state is not, so the conference state on it restarts
// without marking the bridge faulty.
func (c *Conference) onAllocationRejected(rejected *BridgeSession, trigger *participant.Participant) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed {
		return
	}
	c.logger.WithField("bridge", rejected.Bridge().String()).Warn("bridge rejected the channel request, restarting conference state")
	affected := c.detachSessionLocked(rejected)
	affected = appendParticipant(affected, trigger)
	c.reinviteLocked(affected)
}

// onInviteFailed tears down a participant whose session negotiation
// failed. Nothing happens on a disposed conference.
func (c *Conference) onInviteFailed(p *participant.Participant) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.disposed || c.participants[p.Occupant().String()] != p {
		return
	}
	c.logger.WithField("endpoint", p.Endpoint()).Warn("invite failed, removing participant")
	metrics.InviteFailuresTotal.WithLabelValues(metrics.ReasonSignalling).Inc()
	c.removeParticipantLocked(p, true)
}

// onNoBridgeAvailable fails the invite for lack of a bridge. The first
// occurrence is reported to the room via a presence extension.
func (c *Conference) onNoBridgeAvailable(p *participant.Participant) {
	c.mutex.Lock()
	if c.disposed {
		c.mutex.Unlock()
		return
	}
	alreadyReported := c.bridgeDownReported
	c.bridgeDownReported = true
	if c.participants[p.Occupant().String()] == p {
		c.logger.WithField("endpoint", p.Endpoint()).Error("no bridge available")
		c.telemetry.AddError(errors.New("no bridge available"))
		metrics.InviteFailuresTotal.WithLabelValues(metrics.ReasonNoBridge).Inc()
		c.removeParticipantLocked(p, true)
	}
	c.mutex.Unlock()

	if !alreadyReported {
		if err := c.services.Room.BroadcastPresenceExtension(&BridgeDownExtension{}); err != nil {
			c.logger.WithError(err).Warn("cannot publish bridge-down notification")
		}
	}
}

// detachSessionLocked removes a session from the conference and returns
// the participants that were allocated on it, their allocations cleared.
func (c *Conference) detachSessionLocked(detached *BridgeSession) []*participant.Participant {
	kept := c.sessions[:0]
	for _, s := range c.sessions {
		if s != detached {
			kept = append(kept, s)
		}
	}
	c.sessions = kept
	detached.octo = nil
	detached.colibri.Dispose()

	var affected []*participant.Participant
	for _, p := range c.participants {
		if alloc := p.Allocation(); alloc != nil && alloc.Bridge.Equal(detached.Bridge()) {
			p.SetAllocation(nil)
			affected = append(affected, p)
		}
	}
	c.refreshOctoLocked()
	return affected
}

func (c *Conference) sessionForLocked(bridgeJID jid.JID) *BridgeSession {
	for _, s := range c.sessions {
		if s.Bridge().Equal(bridgeJID) {
			return s
		}
	}
	return nil
}

func (c *Conference) allSourcesLocked(excluding source.Owner) *source.MediaSourceMap {
	all := source.NewMediaSourceMap()
	all.Add(c.jvbSources)
	for _, p := range c.participants {
		if excluding != "" && p.Owner() == excluding {
			continue
		}
		all.Add(p.Sources())
	}
	return all
}

func (c *Conference) allGroupsLocked(excluding source.Owner) *source.GroupMap {
	all := source.NewGroupMap()
	for _, p := range c.participants {
		if excluding != "" && p.Owner() == excluding {
			continue
		}
		all.Add(p.SourceGroups())
	}
	return all
}

// submit runs a task on the shared pool, tolerating nil tasks.
func (c *Conference) submit(task func()) {
	if task == nil {
		return
	}
	if err := c.services.Pool.Submit(task); err != nil {
		c.logger.WithError(err).Error("cannot schedule conference task")
	}
}

// attachTransport copies the bundle transport of an allocation into
// every offer content. A content that already advertises an SCTP
// association keeps it when the bridge transport carries none.
func attachTransport(contents []jingle.Content, transport *jingle.IceUdpTransport) {
	if transport == nil {
		return
	}
	for i := range contents {
		t := *transport
		if len(t.SctpMaps) == 0 && contents[i].Transport != nil {
			t.SctpMaps = contents[i].Transport.SctpMaps
		}
		contents[i].Transport = &t
	}
}

// reOwn stamps the sender as owner of every source in a delta. The owner
// comes from the sender, not from the incoming description.
func reOwn(m *source.MediaSourceMap, owner source.Owner) *source.MediaSourceMap {
	stamped := source.NewMediaSourceMap()
	if m == nil {
		return stamped
	}
	for _, media := range m.Medias() {
		for _, s := range m.SourcesForMedia(media) {
			s.Owner = owner
			stamped.AddSource(media, s)
		}
	}
	return stamped
}

func reOwnGroups(g *source.GroupMap, owner source.Owner) *source.GroupMap {
	stamped := source.NewGroupMap()
	if g == nil {
		return stamped
	}
	for _, media := range g.Medias() {
		for _, grp := range g.GroupsForMedia(media) {
			copied := grp.Copy()
			for i := range copied.Sources {
				copied.Sources[i].Owner = owner
			}
			stamped.AddGroup(media, copied)
		}
	}
	return stamped
}

func appendParticipant(list []*participant.Participant, p *participant.Participant) []*participant.Participant {
	if p == nil {
		return list
	}
	for _, existing := range list {
		if existing == p {
			return list
		}
	}
	return append(list, p)
}

func randomSSRC() int64 {
	return rand.Int63n(source.MaxSSRC) + 1
}
