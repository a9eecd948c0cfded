// Package participant holds the per-peer state of a conference: the
// signalling state machine, advertised features, local sources and the
// queues of remote source changes waiting for session establishment.
//
// A Participant has no lock of its own. All access is serialised by the
// owning conference.
package participant

import (
	"context"

	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
)

// State is the signalling lifecycle of a participant.
type State string

const (
	StateJoined      State = "joined"
	StateInviting    State = "inviting"
	StateEstablished State = "established"
	StateLeaving     State = "leaving"
	StateGone        State = "gone"
)

const (
	eventInvite    = "invite"
	eventEstablish = "establish"
	eventLeave     = "leave"
	eventGone      = "gone"
)

// Role is an opaque chat-room role. Only the moderator role carries
// meaning here.
type Role string

// RoleModerator is the only role compared for privilege checks.
const RoleModerator Role = "moderator"

// IsModerator reports whether the role grants moderator privileges.
func (r Role) IsModerator() bool {
	return r == RoleModerator
}

// Canceller is the handle a participant keeps on its active channel
// allocator. Cancel must be safe to call more than once.
type Canceller interface {
	Cancel()
}

// Participant is one endpoint in a conference.
type Participant struct {
	occupant   jid.JID
	endpoint   string
	statsID    string
	region     string
	role       Role
	startMuted [2]bool

	machine  *fsm.FSM
	features FeatureSet

	sources *source.MediaSourceMap
	groups  *source.GroupMap

	pendingAdd          *source.MediaSourceMap
	pendingAddGroups    *source.GroupMap
	pendingRemove       *source.MediaSourceMap
	pendingRemoveGroups *source.GroupMap

	session    *jingle.Session
	allocation *colibri.ChannelAllocation
	allocator  Canceller

	maxSources int
	logger     *logrus.Entry
}

// New creates a participant for a chat-room occupant. The endpoint id is
// the occupant's resourcepart. maxSources caps how many sources the
// participant may advertise per media kind.
func New(occupant jid.JID, role Role, maxSources int, logger *logrus.Entry) *Participant {
	p := &Participant{
		occupant:            occupant,
		endpoint:            occupant.Resourcepart(),
		role:                role,
		features:            DefaultFeatureSet(),
		sources:             source.NewMediaSourceMap(),
		groups:              source.NewGroupMap(),
		pendingAdd:          source.NewMediaSourceMap(),
		pendingAddGroups:    source.NewGroupMap(),
		pendingRemove:       source.NewMediaSourceMap(),
		pendingRemoveGroups: source.NewGroupMap(),
		maxSources:          maxSources,
		logger:              logger.WithField("endpoint", occupant.Resourcepart()),
	}
	p.initStateMachine()
	return p
}

func (p *Participant) initStateMachine() {
	p.machine = fsm.NewFSM(
		string(StateJoined),
		fsm.Events{
			{Name: eventInvite, Src: []string{string(StateJoined), string(StateEstablished)}, Dst: string(StateInviting)},
			{Name: eventEstablish, Src: []string{string(StateInviting)}, Dst: string(StateEstablished)},
			{Name: eventLeave, Src: []string{string(StateJoined), string(StateInviting), string(StateEstablished)}, Dst: string(StateLeaving)},
			{Name: eventGone, Src: []string{string(StateLeaving)}, Dst: string(StateGone)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				p.handleStateChange(e)
			},
		},
	)
}

func (p *Participant) handleStateChange(e *fsm.Event) {
	p.logger.WithFields(logrus.Fields{
		"from": e.Src,
		"to":   e.Dst,
	}).Debug("participant state changed")
}

// Occupant returns the full occupant JID of the participant.
func (p *Participant) Occupant() jid.JID {
	return p.occupant
}

// Endpoint returns the endpoint id used on the bridge.
func (p *Participant) Endpoint() string {
	return p.endpoint
}

// Owner returns the source owner reference of this participant.
func (p *Participant) Owner() source.Owner {
	return source.OwnerOf(p.occupant)
}

func (p *Participant) StatsID() string {
	return p.statsID
}

func (p *Participant) SetStatsID(id string) {
	p.statsID = id
}

func (p *Participant) Region() string {
	return p.region
}

func (p *Participant) SetRegion(region string) {
	p.region = region
}

func (p *Participant) Role() Role {
	return p.role
}

func (p *Participant) SetRole(role Role) {
	p.role = role
}

// IsModerator reports whether the participant holds the moderator role.
func (p *Participant) IsModerator() bool {
	return p.role.IsModerator()
}

// State returns the current signalling state.
func (p *Participant) State() State {
	return State(p.machine.Current())
}

// IsEstablished reports whether the signalling session has been
// acknowledged by the participant.
func (p *Participant) IsEstablished() bool {
	return p.State() == StateEstablished
}

// MaxSources returns the per-media cap on advertised sources.
func (p *Participant) MaxSources() int {
	return p.maxSources
}

// SetFeatures replaces the discovered feature set.
func (p *Participant) SetFeatures(features FeatureSet) {
	p.features = features
}

// Features returns the participant's advertised feature set.
func (p *Participant) Features() FeatureSet {
	return p.features
}

// SetStartMuted stores the audio and video start-muted hints used when
// building offers.
func (p *Participant) SetStartMuted(muted [2]bool) {
	p.startMuted = muted
}

// StartMuted returns the audio and video start-muted hints.
func (p *Participant) StartMuted() [2]bool {
	return p.startMuted
}

// StartInvite moves the participant to the inviting state. Valid from
// joined and, for re-invites, from established.
func (p *Participant) StartInvite() error {
	return p.machine.Event(context.Background(), eventInvite)
}

// Establish marks the signalling session as acknowledged. The caller
// drains the pending queues right after.
func (p *Participant) Establish() error {
	return p.machine.Event(context.Background(), eventEstablish)
}

// Leave moves the participant out of the active states.
func (p *Participant) Leave() error {
	return p.machine.Event(context.Background(), eventLeave)
}

// Gone finishes the teardown started by Leave.
func (p *Participant) Gone() error {
	return p.machine.Event(context.Background(), eventGone)
}

// Sources returns the participant's advertised sources. The returned
// map is a view; callers must not mutate it.
func (p *Participant) Sources() *source.MediaSourceMap {
	return p.sources
}

// SourceGroups returns the participant's advertised source groups. The
// returned map is a view; callers must not mutate it.
func (p *Participant) SourceGroups() *source.GroupMap {
	return p.groups
}

// AddSources merges an accepted source delta into the participant's
// containers.
func (p *Participant) AddSources(sources *source.MediaSourceMap, groups *source.GroupMap) {
	p.sources.Add(sources)
	p.groups.Add(groups)
}

// RemoveSources deletes a removed source delta from the participant's
// containers.
func (p *Participant) RemoveSources(sources *source.MediaSourceMap, groups *source.GroupMap) {
	p.sources.Remove(sources)
	p.groups.Remove(groups)
}

// QueueRemoteAdd records a remote source addition to be signalled once
// the session is established.
func (p *Participant) QueueRemoteAdd(sources *source.MediaSourceMap, groups *source.GroupMap) {
	p.pendingAdd.Add(sources)
	p.pendingAddGroups.Add(groups)
}

// QueueRemoteRemove records a remote source removal to be signalled once
// the session is established. A source queued for add and later for
// remove stays in both queues; establishment emits both notifications.
func (p *Participant) QueueRemoteRemove(sources *source.MediaSourceMap, groups *source.GroupMap) {
	p.pendingRemove.Add(sources)
	p.pendingRemoveGroups.Add(groups)
}

// HasPending reports whether any remote source change is waiting for
// establishment.
func (p *Participant) HasPending() bool {
	return !p.pendingAdd.IsEmpty() || !p.pendingAddGroups.IsEmpty() ||
		!p.pendingRemove.IsEmpty() || !p.pendingRemoveGroups.IsEmpty()
}

// DrainPending returns the queued remote adds and removes and resets the
// queues.
func (p *Participant) DrainPending() (add *source.MediaSourceMap, addGroups *source.GroupMap, remove *source.MediaSourceMap, removeGroups *source.GroupMap) {
	add, addGroups = p.pendingAdd, p.pendingAddGroups
	remove, removeGroups = p.pendingRemove, p.pendingRemoveGroups
	p.pendingAdd = source.NewMediaSourceMap()
	p.pendingAddGroups = source.NewGroupMap()
	p.pendingRemove = source.NewMediaSourceMap()
	p.pendingRemoveGroups = source.NewGroupMap()
	return add, addGroups, remove, removeGroups
}

// SetSession stores the signalling session handle.
func (p *Participant) SetSession(s *jingle.Session) {
	p.session = s
}

// Session returns the signalling session handle, nil before the first
// offer was sent.
func (p *Participant) Session() *jingle.Session {
	return p.session
}

// SetAllocation stores the last acknowledged channel allocation.
func (p *Participant) SetAllocation(a *colibri.ChannelAllocation) {
	p.allocation = a
}

// Allocation returns the last acknowledged channel allocation, nil if
// none completed yet.
func (p *Participant) Allocation() *colibri.ChannelAllocation {
	return p.allocation
}

// ReplaceAllocator installs a new channel allocator, cancelling the
// previous one first. At most one allocator is active per participant.
func (p *Participant) ReplaceAllocator(next Canceller) {
	if p.allocator != nil {
		p.allocator.Cancel()
	}
	p.allocator = next
}

// ClearAllocator detaches the given allocator if it is still the active
// one. An allocator that was already replaced leaves its successor
// untouched.
func (p *Participant) ClearAllocator(c Canceller) {
	if p.allocator == c {
		p.allocator = nil
	}
}

// Allocator returns the active channel allocator, nil if none.
func (p *Participant) Allocator() Canceller {
	return p.allocator
}
