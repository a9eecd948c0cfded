// Package focus hosts the process-wide conference index. It creates a
// conference per chat room on demand, routes room and session events to
// it by bare room JID and fans fleet-level bridge failures out to every
// conference that may be using the lost bridge.
//
// Room event callbacks for one room are expected to arrive from a single
// goroutine (the component stream reader); events for different rooms
// may arrive concurrently.
package focus

import (
	"encoding/xml"
	"errors"
	"sort"
	"sync"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/common"
	"github.com/jitsi-go/jicofo/pkg/conference"
	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
)

// ErrNoConference reports an event for a room without a running
// conference.
var ErrNoConference = errors.New("no conference for room")

// RoomProvider mints the chat-room adapter the conference uses to
// broadcast presence extensions into its MUC.
type RoomProvider interface {
	RoomFor(room jid.JID) conference.Room
}

// Services are the process-wide collaborators shared by every
// conference.
type Services struct {
	Registry   *bridge.Registry
	Bus        *bridge.Bus
	Selector   *bridge.Selector
	Signaler   jingle.Signaler
	Colibri    colibri.Factory
	Discoverer conference.Discoverer
	Rooms      RoomProvider
	Pool       *common.TaskPool
}

// VersionExtension is broadcast to the room when its conference starts.
type VersionExtension struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus component-version"`
	Name    string   `xml:"name,attr"`
	Version string   `xml:"version,attr"`
}

// Manager indexes running conferences by bare room JID.
type Manager struct {
	mutex       sync.Mutex
	config      conference.Config
	services    Services
	version     string
	conferences map[string]*conference.Conference
	busID       int
	events      <-chan bridge.Event
	done        chan struct{}
	started     bool
	stopped     bool
	logger      *logrus.Entry
}

// NewManager builds a manager. version is published to each room when
// its conference starts; empty disables the announcement.
func NewManager(config conference.Config, services Services, version string, logger *logrus.Entry) *Manager {
	return &Manager{
		config:      config,
		services:    services,
		version:     version,
		conferences: make(map[string]*conference.Conference),
		logger:      logger,
	}
}

// Start subscribes to the bridge event bus and begins fanning failures
// out to conferences.
func (m *Manager) Start() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.started || m.stopped {
		return
	}
	m.started = true
	m.busID, m.events = m.services.Bus.Subscribe(16)
	m.done = make(chan struct{})
	go m.run()
}

// Stop unsubscribes from the bus and disposes every running conference.
// Room events arriving after Stop are ignored.
func (m *Manager) Stop() {
	m.mutex.Lock()
	m.stopped = true
	if !m.started {
		m.mutex.Unlock()
		return
	}
	m.started = false
	m.services.Bus.Unsubscribe(m.busID)
	done := m.done

	conferences := make([]*conference.Conference, 0, len(m.conferences))
	for _, conf := range m.conferences {
		conferences = append(conferences, conf)
	}
	m.conferences = make(map[string]*conference.Conference)
	m.mutex.Unlock()

	<-done
	for _, conf := range conferences {
		conf.Dispose()
	}
	m.logger.WithField("conferences", len(conferences)).Info("focus manager stopped")
}

func (m *Manager) run() {
	defer close(m.done)
	for event := range m.events {
		switch e := event.(type) {
		case bridge.Down:
			m.fanBridgeDown(e.Bridge)
		case bridge.HealthCheckFailed:
			m.fanBridgeDown(e.Bridge)
		}
	}
}

// fanBridgeDown lets every conference check whether it was using the
// lost bridge. Conferences that were not are unaffected.
func (m *Manager) fanBridgeDown(bridgeJID jid.JID) {
	conferences := m.snapshot()
	m.logger.WithFields(logrus.Fields{
		"bridge":      bridgeJID.String(),
		"conferences": len(conferences),
	}).Info("bridge lost, checking conferences")
	for _, conf := range conferences {
		conf.OnBridgeDown(bridgeJID)
	}
}

// MemberJoined routes a member-joined room event, starting the room's
// conference when it is the first member.
func (m *Manager) MemberJoined(occupant jid.JID, info conference.MemberInfo) {
	conf, created := m.ensureConference(occupant.Bare())
	if conf == nil {
		return
	}
	conf.OnMemberJoined(occupant, info)
	if created && m.version != "" {
		m.announceVersion(conf)
	}
}

// MemberLeft routes a member-left room event. The conference ends when
// its last member leaves.
func (m *Manager) MemberLeft(occupant jid.JID) {
	conf := m.lookup(occupant.Bare())
	if conf == nil {
		return
	}
	conf.OnMemberLeft(occupant)
	if conf.ParticipantCount() == 0 {
		m.endConference(conf)
	}
}

// RoleChanged routes a room role change.
func (m *Manager) RoleChanged(occupant jid.JID, role participant.Role) {
	if conf := m.lookup(occupant.Bare()); conf != nil {
		conf.OnRoleChanged(occupant, role)
	}
}

// RoomDestroyed ends the room's conference.
func (m *Manager) RoomDestroyed(room jid.JID) {
	conf := m.lookup(room.Bare())
	if conf == nil {
		return
	}
	m.endConference(conf)
}

// SessionAnswer routes a session accept from an occupant.
func (m *Manager) SessionAnswer(occupant jid.JID, contents []jingle.Content) error {
	conf := m.lookup(occupant.Bare())
	if conf == nil {
		return ErrNoConference
	}
	return conf.OnSessionAnswer(occupant, contents)
}

// SourceAdd routes a source-add from an occupant.
func (m *Manager) SourceAdd(occupant jid.JID, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	conf := m.lookup(occupant.Bare())
	if conf == nil {
		return ErrNoConference
	}
	return conf.OnSourceAdd(occupant, sources, groups)
}

// SourceRemove routes a source-remove from an occupant.
func (m *Manager) SourceRemove(occupant jid.JID, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	conf := m.lookup(occupant.Bare())
	if conf == nil {
		return ErrNoConference
	}
	return conf.OnSourceRemove(occupant, sources, groups)
}

// Conference returns the running conference of a room.
func (m *Manager) Conference(room jid.JID) (*conference.Conference, bool) {
	conf := m.lookup(room.Bare())
	return conf, conf != nil
}

// ConferenceCount returns the number of running conferences.
func (m *Manager) ConferenceCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.conferences)
}

// ParticipantCount returns the number of occupants across every running
// conference.
func (m *Manager) ParticipantCount() int {
	total := 0
	for _, conf := range m.snapshot() {
		total += conf.ParticipantCount()
	}
	return total
}

// DebugStates snapshots every running conference for the debug surface,
// ordered by room.
func (m *Manager) DebugStates() []conference.DebugState {
	conferences := m.snapshot()
	states := make([]conference.DebugState, 0, len(conferences))
	for _, conf := range conferences {
		states = append(states, conf.DebugState())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Room < states[j].Room })
	return states
}

func (m *Manager) ensureConference(room jid.JID) (*conference.Conference, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.stopped {
		return nil, false
	}
	if conf, ok := m.conferences[room.String()]; ok && !conf.IsDisposed() {
		return conf, false
	}
	services := conference.Services{
		Registry:   m.services.Registry,
		Selector:   m.services.Selector,
		Signaler:   m.services.Signaler,
		Colibri:    m.services.Colibri,
		Discoverer: m.services.Discoverer,
		Room:       m.services.Rooms.RoomFor(room),
		Pool:       m.services.Pool,
	}
	conf := conference.New(room, m.config, services, m.logger)
	m.conferences[room.String()] = conf
	m.logger.WithFields(logrus.Fields{
		"room":       room.String(),
		"meeting_id": conf.MeetingID(),
	}).Info("conference started")
	return conf, true
}

func (m *Manager) lookup(room jid.JID) *conference.Conference {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.conferences[room.String()]
}

func (m *Manager) snapshot() []*conference.Conference {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	conferences := make([]*conference.Conference, 0, len(m.conferences))
	for _, conf := range m.conferences {
		conferences = append(conferences, conf)
	}
	return conferences
}

func (m *Manager) endConference(conf *conference.Conference) {
	m.mutex.Lock()
	if m.conferences[conf.Room().String()] == conf {
		delete(m.conferences, conf.Room().String())
	}
	m.mutex.Unlock()

	conf.Dispose()
	m.logger.WithField("room", conf.Room().String()).Info("conference ended")
}

func (m *Manager) announceVersion(conf *conference.Conference) {
	ext := &VersionExtension{Name: "focus", Version: m.version}
	if err := m.services.Rooms.RoomFor(conf.Room()).BroadcastPresenceExtension(ext); err != nil {
		m.logger.WithError(err).WithField("room", conf.Room().String()).Warn("cannot announce focus version")
	}
}
