package conference_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/common"
	"github.com/jitsi-go/jicofo/pkg/conference"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
)

const testRoom = "meetup@conference.example.com"

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

// waitFor polls until the condition holds. Conference work runs on pool
// and worker goroutines, so tests observe effects with a deadline.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type initiateCall struct {
	target   jid.JID
	contents []jingle.Content
	group    *jingle.Grouping
	muted    [2]bool
	session  *jingle.Session
}

type replaceCall struct {
	session  *jingle.Session
	contents []jingle.Content
	group    *jingle.Grouping
}

type sourceCall struct {
	session *jingle.Session
	sources *source.MediaSourceMap
	groups  *source.GroupMap
}

type terminateCall struct {
	session *jingle.Session
	reason  *jingle.Reason
}

// fakeSignaler records the outbound session signalling. The log slice
// keeps the global emission order for ordering assertions.
type fakeSignaler struct {
	mutex sync.Mutex

	ack         bool
	initiateErr error

	initiates  []initiateCall
	replaces   []replaceCall
	adds       []sourceCall
	removes    []sourceCall
	terminates []terminateCall
	log        []string

	sessionSeq int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ack: true}
}

func (f *fakeSignaler) InitiateSession(ctx context.Context, target jid.JID, contents []jingle.Content, group *jingle.Grouping, startMuted [2]bool) (*jingle.Session, bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.initiateErr != nil {
		return nil, false, f.initiateErr
	}
	f.sessionSeq++
	session := &jingle.Session{SID: fmt.Sprintf("sid-%d", f.sessionSeq), Peer: target}
	f.initiates = append(f.initiates, initiateCall{
		target:   target,
		contents: contents,
		group:    group,
		muted:    startMuted,
		session:  session,
	})
	f.log = append(f.log, "initiate:"+session.SID)
	return session, f.ack, nil
}

func (f *fakeSignaler) ReplaceTransport(ctx context.Context, session *jingle.Session, contents []jingle.Content, group *jingle.Grouping, startMuted [2]bool) (bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.replaces = append(f.replaces, replaceCall{session: session, contents: contents, group: group})
	f.log = append(f.log, "replace:"+session.SID)
	return f.ack, nil
}

func (f *fakeSignaler) SourceAdd(ctx context.Context, session *jingle.Session, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.adds = append(f.adds, sourceCall{session: session, sources: sources, groups: groups})
	f.log = append(f.log, "add:"+session.SID)
	return nil
}

func (f *fakeSignaler) SourceRemove(ctx context.Context, session *jingle.Session, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.removes = append(f.removes, sourceCall{session: session, sources: sources, groups: groups})
	f.log = append(f.log, "remove:"+session.SID)
	return nil
}

func (f *fakeSignaler) TerminateSession(ctx context.Context, session *jingle.Session, reason *jingle.Reason) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.terminates = append(f.terminates, terminateCall{session: session, reason: reason})
	f.log = append(f.log, "terminate:"+session.SID)
	return nil
}

func (f *fakeSignaler) setAck(ack bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.ack = ack
}

func (f *fakeSignaler) initiateCalls() []initiateCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]initiateCall(nil), f.initiates...)
}

func (f *fakeSignaler) replaceCalls() []replaceCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]replaceCall(nil), f.replaces...)
}

func (f *fakeSignaler) addCalls() []sourceCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]sourceCall(nil), f.adds...)
}

func (f *fakeSignaler) removeCalls() []sourceCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]sourceCall(nil), f.removes...)
}

func (f *fakeSignaler) terminateCalls() []terminateCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]terminateCall(nil), f.terminates...)
}

func (f *fakeSignaler) emissionLog() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.log...)
}

// addsTo returns the source-add notifications sent to one session.
func (f *fakeSignaler) addsTo(session *jingle.Session) []sourceCall {
	var to []sourceCall
	for _, call := range f.addCalls() {
		if call.session == session {
			to = append(to, call)
		}
	}
	return to
}

func (f *fakeSignaler) removesTo(session *jingle.Session) []sourceCall {
	var to []sourceCall
	for _, call := range f.removeCalls() {
		if call.session == session {
			to = append(to, call)
		}
	}
	return to
}

// sessionOf returns the jingle session handed out to an occupant.
func (f *fakeSignaler) sessionOf(occupant jid.JID) *jingle.Session {
	for _, call := range f.initiateCalls() {
		if call.target.Equal(occupant) {
			return call.session
		}
	}
	return nil
}

type createCall struct {
	endpoint string
	statsID  string
	contents []jingle.Content
}

type updateCall struct {
	allocation   *colibri.ChannelAllocation
	descriptions map[source.MediaType]*jingle.RTPDescription
	transports   map[source.MediaType]*jingle.IceUdpTransport
	sources      *source.MediaSourceMap
	groups       *source.GroupMap
}

type relayUpdateCall struct {
	allocation *colibri.ChannelAllocation
	relays     []string
	sources    *source.MediaSourceMap
	groups     *source.GroupMap
}

// fakeColibriConference records channel control traffic for one bridge.
type fakeColibriConference struct {
	mutex  sync.Mutex
	bridge jid.JID
	room   jid.JID

	createErr   error
	blockCreate chan struct{}

	attempts     int
	creates      []createCall
	updates      []updateCall
	relayCreates [][]string
	relayUpdates []relayUpdateCall
	expires      []*colibri.ChannelAllocation
	disposed     bool

	seq int
}

func (f *fakeColibriConference) CreateChannels(ctx context.Context, endpointID, statsID string, initiator bool, contents []jingle.Content) (*colibri.ChannelAllocation, error) {
	f.mutex.Lock()
	f.attempts++
	block := f.blockCreate
	f.mutex.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.disposed {
		return nil, colibri.ErrDisposed
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, createCall{endpoint: endpointID, statsID: statsID, contents: contents})
	return f.newAllocationLocked(endpointID, contents), nil
}

func (f *fakeColibriConference) newAllocationLocked(endpointID string, contents []jingle.Content) *colibri.ChannelAllocation {
	f.seq++
	allocation := &colibri.ChannelAllocation{
		ConferenceID: "conf-" + f.bridge.String(),
		Bridge:       f.bridge,
		EndpointID:   endpointID,
		Transport:    &jingle.IceUdpTransport{Ufrag: fmt.Sprintf("uf%d", f.seq), Pwd: "pwd"},
	}
	for i := range contents {
		allocation.Contents = append(allocation.Contents, colibri.AllocatedContent{
			Name:       contents[i].Name,
			ChannelIDs: []string{fmt.Sprintf("ch-%s-%s-%d", endpointID, contents[i].Name, f.seq)},
		})
	}
	return allocation
}

func (f *fakeColibriConference) UpdateChannels(ctx context.Context, allocation *colibri.ChannelAllocation,
	descriptions map[source.MediaType]*jingle.RTPDescription,
	transports map[source.MediaType]*jingle.IceUdpTransport,
	sources *source.MediaSourceMap, groups *source.GroupMap) error {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.disposed {
		return colibri.ErrDisposed
	}
	f.updates = append(f.updates, updateCall{
		allocation:   allocation,
		descriptions: descriptions,
		transports:   transports,
		sources:      sources,
		groups:       groups,
	})
	return nil
}

func (f *fakeColibriConference) CreateRelayChannels(ctx context.Context, relays []string, contents []jingle.Content) (*colibri.ChannelAllocation, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.disposed {
		return nil, colibri.ErrDisposed
	}
	f.relayCreates = append(f.relayCreates, append([]string(nil), relays...))
	return f.newAllocationLocked("octo", contents), nil
}

func (f *fakeColibriConference) UpdateRelayChannels(ctx context.Context, allocation *colibri.ChannelAllocation, relays []string,
	sources *source.MediaSourceMap, groups *source.GroupMap) error {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.disposed {
		return colibri.ErrDisposed
	}
	f.relayUpdates = append(f.relayUpdates, relayUpdateCall{
		allocation: allocation,
		relays:     append([]string(nil), relays...),
		sources:    sources,
		groups:     groups,
	})
	return nil
}

func (f *fakeColibriConference) ExpireChannels(ctx context.Context, allocation *colibri.ChannelAllocation) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.expires = append(f.expires, allocation)
	return nil
}

func (f *fakeColibriConference) Disposed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.disposed
}

func (f *fakeColibriConference) Dispose() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.disposed = true
}

func (f *fakeColibriConference) setCreateErr(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.createErr = err
}

func (f *fakeColibriConference) setBlockCreate(block chan struct{}) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.blockCreate = block
}

func (f *fakeColibriConference) attemptCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.attempts
}

func (f *fakeColibriConference) createCalls() []createCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]createCall(nil), f.creates...)
}

func (f *fakeColibriConference) updateCalls() []updateCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]updateCall(nil), f.updates...)
}

func (f *fakeColibriConference) relayCreateCalls() [][]string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([][]string(nil), f.relayCreates...)
}

func (f *fakeColibriConference) relayUpdateCalls() []relayUpdateCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]relayUpdateCall(nil), f.relayUpdates...)
}

func (f *fakeColibriConference) expiredAllocations() []*colibri.ChannelAllocation {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]*colibri.ChannelAllocation(nil), f.expires...)
}

// fakeFactory hands out one fake conference per CreateConference call.
// Presets seed the first conference created on a bridge with an error
// and are consumed by that creation.
type fakeFactory struct {
	mutex   sync.Mutex
	confs   []*fakeColibriConference
	presets map[string]error
}

func (f *fakeFactory) CreateConference(room jid.JID, bridgeJID jid.JID, meetingID string) colibri.Conference {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	conf := &fakeColibriConference{bridge: bridgeJID, room: room}
	if err, ok := f.presets[bridgeJID.String()]; ok {
		conf.createErr = err
		delete(f.presets, bridgeJID.String())
	}
	f.confs = append(f.confs, conf)
	return conf
}

func (f *fakeFactory) presetCreateErr(bridgeJID jid.JID, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.presets == nil {
		f.presets = make(map[string]error)
	}
	f.presets[bridgeJID.String()] = err
}

// confFor returns the newest conference created on the bridge.
func (f *fakeFactory) confFor(bridgeJID jid.JID) *fakeColibriConference {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for i := len(f.confs) - 1; i >= 0; i-- {
		if f.confs[i].bridge.Equal(bridgeJID) {
			return f.confs[i]
		}
	}
	return nil
}

func (f *fakeFactory) confCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.confs)
}

func (f *fakeFactory) allConfs() []*fakeColibriConference {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]*fakeColibriConference(nil), f.confs...)
}

type fakeDiscoverer struct {
	mutex    sync.Mutex
	features map[string][]string
	err      error
	calls    int
}

func (f *fakeDiscoverer) DiscoverFeatures(ctx context.Context, target jid.JID) ([]string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if vars, ok := f.features[target.String()]; ok {
		return vars, nil
	}
	return jingle.DefaultFeatures(), nil
}

func (f *fakeDiscoverer) setFeatures(occupant jid.JID, vars []string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.features == nil {
		f.features = make(map[string][]string)
	}
	f.features[occupant.String()] = vars
}

func (f *fakeDiscoverer) setErr(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.err = err
}

func (f *fakeDiscoverer) callCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

type fakeRoom struct {
	mutex      sync.Mutex
	broadcasts []interface{}
}

func (f *fakeRoom) BroadcastPresenceExtension(payload interface{}) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
	return nil
}

func (f *fakeRoom) broadcastCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.broadcasts)
}

func (f *fakeRoom) broadcastPayloads() []interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]interface{}(nil), f.broadcasts...)
}

type testEnv struct {
	t        *testing.T
	registry *bridge.Registry
	signaler *fakeSignaler
	factory  *fakeFactory
	discover *fakeDiscoverer
	room     *fakeRoom
	conf     *conference.Conference
}

func newTestEnv(t *testing.T, strategy string, cfg conference.Config) *testEnv {
	t.Helper()
	logger := testLogger()

	registry := bridge.NewRegistry(5*time.Minute, time.Minute, bridge.NewBus(), logger)
	selector := bridge.NewSelector(registry, bridge.NewStrategy(strategy, logger))
	pool := common.NewTaskPool(4)
	t.Cleanup(pool.Stop)

	env := &testEnv{
		t:        t,
		registry: registry,
		signaler: newFakeSignaler(),
		factory:  &fakeFactory{},
		discover: &fakeDiscoverer{},
		room:     &fakeRoom{},
	}
	env.conf = conference.New(jid.MustParse(testRoom), cfg, conference.Services{
		Registry:   registry,
		Selector:   selector,
		Signaler:   env.signaler,
		Colibri:    env.factory,
		Discoverer: env.discover,
		Room:       env.room,
		Pool:       pool,
	}, logger)
	t.Cleanup(env.conf.Dispose)
	return env
}

func (e *testEnv) addBridge(j jid.JID, region, relayID string) {
	e.registry.AddBridge(j, "2.1-test")
	if region != "" || relayID != "" {
		e.registry.SetStats(j, bridge.Stats{Region: region, RelayID: relayID})
	}
}

func (e *testEnv) join(nick string, info conference.MemberInfo) jid.JID {
	occupant := jid.MustParse(testRoom + "/" + nick)
	e.conf.OnMemberJoined(occupant, info)
	return occupant
}

func (e *testEnv) waitEstablished(occupant jid.JID) {
	e.t.Helper()
	waitFor(e.t, occupant.Resourcepart()+" established", func() bool {
		p, ok := e.conf.Participant(occupant)
		return ok && p.IsEstablished()
	})
}

func (e *testEnv) joinAndEstablish(nick string) jid.JID {
	e.t.Helper()
	occupant := e.join(nick, conference.MemberInfo{})
	e.waitEstablished(occupant)
	return occupant
}

// answer sends a session answer carrying one audio and one video source
// for the occupant, with per-owner stream ids.
func (e *testEnv) answer(occupant jid.JID, audioSSRC, videoSSRC int64) error {
	return e.conf.OnSessionAnswer(occupant, answerContents(occupant.Resourcepart(), audioSSRC, videoSSRC))
}

func answerContents(nick string, audioSSRC, videoSSRC int64) []jingle.Content {
	return []jingle.Content{
		{
			Creator: "responder",
			Name:    "audio",
			Description: &jingle.RTPDescription{
				Media: "audio",
				Sources: []jingle.SourceExt{{
					SSRC: audioSSRC,
					Params: []jingle.Parameter{
						{Name: "cname", Value: nick + "-cname"},
						{Name: "msid", Value: nick + "-astream a0"},
					},
				}},
			},
		},
		{
			Creator: "responder",
			Name:    "video",
			Description: &jingle.RTPDescription{
				Media: "video",
				Sources: []jingle.SourceExt{{
					SSRC: videoSSRC,
					Params: []jingle.Parameter{
						{Name: "cname", Value: nick + "-cname"},
						{Name: "msid", Value: nick + "-vstream v0"},
					},
				}},
			},
		},
	}
}

func sourceMapOf(media source.MediaType, ssrc int64, msid string) *source.MediaSourceMap {
	m := source.NewMediaSourceMap()
	m.AddSource(media, source.Source{SSRC: ssrc, CName: "cname", MSID: msid})
	return m
}

// hasSSRC reports whether the map holds the ssrc under any media kind.
func hasSSRC(m *source.MediaSourceMap, ssrc int64) bool {
	if m == nil {
		return false
	}
	_, ok := m.MediaTypeFor(source.Source{SSRC: ssrc})
	return ok
}

func contentByName(contents []jingle.Content, name string) *jingle.Content {
	for i := range contents {
		if contents[i].Name == name {
			return &contents[i]
		}
	}
	return nil
}

func descriptionSSRCs(content *jingle.Content) []int64 {
	if content == nil || content.Description == nil {
		return nil
	}
	var ssrcs []int64
	for _, s := range content.Description.Sources {
		ssrcs = append(ssrcs, s.SSRC)
	}
	return ssrcs
}
