// Package xmpp is the wire side of the focus: a single component stream
// toward the XMPP server carrying conference-room presence, jingle
// session traffic, colibri channel control, disco queries and bridge
// health checks. The conference core never sees this package; it talks
// through the adapter interfaces this package implements.
package xmpp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jitsi-go/jicofo/pkg/conference"
	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"github.com/jitsi-go/jicofo/pkg/focus"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/metrics"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/disco/info"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/ping"
	"mellium.im/xmpp/stanza"
)

// NSFocus is the namespace of the focus component's own payloads: the
// conference request and the presence extensions published to rooms.
const NSFocus = "http://jitsi.org/protocol/focus"

// DefaultReplyTimeout bounds request/reply exchanges when the caller's
// context carries no tighter deadline.
const DefaultReplyTimeout = 15 * time.Second

// reconnectDelay is the pause between reconnect attempts after the
// component stream drops.
const reconnectDelay = 5 * time.Second

// pingInterval is the period of the server keepalive probe.
const pingInterval = 30 * time.Second

// Config locates the XMPP server and names the focus component.
type Config struct {
	// Host and Port locate the server's external component port.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Domain is the served XMPP domain; Subdomain the component prefix.
	// The focus component address is Subdomain.Domain.
	Domain    string `yaml:"domain"`
	Subdomain string `yaml:"subdomain"`
	// Secret authenticates the component stream.
	Secret string `yaml:"secret"`
	// UserDomain and UserName describe the focus user account of
	// client-mode deployments. The component stream does not log into
	// the account; the name seeds the MUC nickname and the domain the
	// default brewery room.
	UserDomain string `yaml:"user-domain"`
	UserName   string `yaml:"user-name"`
	// UserPassword authenticates client-mode deployments. Unused on a
	// component stream.
	UserPassword string `yaml:"user-password"`
	// MUCDomain is the domain conference rooms live under. It is used to
	// resolve room names from conference requests.
	MUCDomain string `yaml:"muc-domain"`
	// BreweryRoom is the MUC the videobridges join, empty to disable
	// fleet discovery.
	BreweryRoom string `yaml:"brewery-room"`
	// Nickname is the focus's occupant nick in every room it joins.
	Nickname string `yaml:"nickname"`
	// ReplyTimeout bounds request/reply exchanges, zero for the default.
	ReplyTimeout time.Duration `yaml:"-"`
}

// ConferenceHandler receives the room and session events decoded from the
// stream. Implemented by the conference manager.
type ConferenceHandler interface {
	MemberJoined(occupant jid.JID, info conference.MemberInfo)
	MemberLeft(occupant jid.JID)
	RoleChanged(occupant jid.JID, role participant.Role)
	RoomDestroyed(room jid.JID)
	SessionAnswer(occupant jid.JID, contents []jingle.Content) error
	SourceAdd(occupant jid.JID, sources *source.MediaSourceMap, groups *source.GroupMap) error
	SourceRemove(occupant jid.JID, sources *source.MediaSourceMap, groups *source.GroupMap) error
}

// ConferenceRequest is the IQ payload a client sends to ask the focus to
// manage a room, and the focus's acknowledgement of it.
type ConferenceRequest struct {
	XMLName  xml.Name `xml:"http://jitsi.org/protocol/focus conference"`
	Room     string   `xml:"room,attr"`
	Ready    bool     `xml:"ready,attr,omitempty"`
	FocusJID string   `xml:"focusjid,attr,omitempty"`
}

var errNotConnected = errors.New("component stream not connected")

// Service owns the component stream and implements the adapters the
// conference core is wired with: room provider, jingle signaler, colibri
// factory, feature discoverer and health prober.
type Service struct {
	config  Config
	handler ConferenceHandler
	logger  *logrus.Entry

	jid     jid.JID
	server  jid.JID
	brewery *Brewery

	mutex   sync.Mutex
	session *xmpp.Session
	rooms   map[string]*Room
}

// New builds a service from the resolved configuration. Room and
// session events start flowing into the handler given to Run.
func New(config Config, logger *logrus.Entry) (*Service, error) {
	address, err := jid.Parse(config.Subdomain + "." + config.Domain)
	if err != nil {
		return nil, fmt.Errorf("component address: %w", err)
	}
	server, err := jid.Parse(config.Domain)
	if err != nil {
		return nil, fmt.Errorf("server address: %w", err)
	}
	if config.Nickname == "" {
		config.Nickname = config.UserName
	}
	if config.Nickname == "" {
		config.Nickname = "focus"
	}

	s := &Service{
		config: config,
		logger: logger.WithField("component", "xmpp"),
		jid:    address,
		server: server,
		rooms:  make(map[string]*Room),
	}

	if config.BreweryRoom != "" {
		breweryJID, err := jid.Parse(config.BreweryRoom)
		if err != nil {
			return nil, fmt.Errorf("brewery room address: %w", err)
		}
		s.brewery = newBrewery(s, breweryJID.Bare())
	}
	return s, nil
}

// JID returns the focus component address.
func (s *Service) JID() jid.JID {
	return s.jid
}

// Brewery returns the fleet discovery adapter, nil when no brewery room
// is configured.
func (s *Service) Brewery() *Brewery {
	return s.brewery
}

// Run connects the component stream and serves it, routing room and
// session events to handler and reconnecting with a fixed delay until
// ctx is cancelled. Room membership and the bridge fleet are re-derived
// from MUC presence after every reconnect.
func (s *Service) Run(ctx context.Context, handler ConferenceHandler) error {
	s.handler = handler
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WithError(err).Warn("component stream lost, reconnecting")

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) runOnce(ctx context.Context) error {
	session, err := s.connect(ctx)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.session = session
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mutex.Unlock()

	s.logger.WithField("address", s.jid.String()).Info("component stream established")

	// Rejoining delivers the full occupant list of every room, which is
	// all the state the focus keeps.
	if s.brewery != nil {
		s.brewery.join(ctx)
	}
	for _, room := range rooms {
		room.join(ctx)
	}

	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	go s.keepalive(keepaliveCtx, session)

	err = session.Serve(s.newMux())
	stopKeepalive()

	s.mutex.Lock()
	s.session = nil
	s.mutex.Unlock()
	if s.brewery != nil {
		s.brewery.streamLost()
	}
	return err
}

// keepalive pings the server over the component stream until ctx is
// cancelled. A ping that gets no answer closes the stream so Run can
// rebuild it. An error reply still proves the stream alive.
func (s *Service) keepalive(ctx context.Context, session *xmpp.Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := s.requestContext(ctx)
		err := ping.Send(pingCtx, session, s.server)
		cancel()

		var stanzaErr stanza.Error
		switch {
		case err == nil:
		case errors.As(err, &stanzaErr):
		case ctx.Err() != nil:
			return
		default:
			s.logger.WithError(err).Warn("server ping failed, closing stream")
			if err := session.Close(); err != nil {
				s.logger.WithError(err).Debug("session close failed")
			}
			return
		}
	}
}

func (s *Service) connect(ctx context.Context) (*xmpp.Session, error) {
	address := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial component port: %w", err)
	}

	session, err := component.NewSession(ctx, s.jid, []byte(s.config.Secret), conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("negotiate component stream: %w", err)
	}
	return session, nil
}

// Shutdown closes the stream. Run returns once the server acknowledges
// the close or the connection drops.
func (s *Service) Shutdown() {
	s.mutex.Lock()
	session := s.session
	s.mutex.Unlock()
	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		s.logger.WithError(err).Debug("closing component stream")
	}
}

func (s *Service) newMux() *mux.ServeMux {
	return mux.New(
		component.NSAccept,
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{Space: muc.NSUser, Local: "x"}, s.handlePresence),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{Space: muc.NSUser, Local: "x"}, s.handlePresence),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: jingle.NSJingle, Local: "jingle"}, s.handleJingleIQ),
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: NSFocus, Local: "conference"}, s.handleConferenceIQ),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: NSFocus, Local: "conference"}, s.handleConferenceIQ),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: disco.NSInfo, Local: "query"}, s.handleDiscoInfo),
	)
}

// handlePresence routes occupant presence to the brewery or the owning
// room client. Presence from rooms the focus does not manage is dropped.
func (s *Service) handlePresence(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	decoded, err := decodeOccupantPresence(t)
	if err != nil {
		return err
	}

	room := p.From.Bare()
	if s.brewery != nil && room.Equal(s.brewery.room) {
		s.brewery.handleOccupant(p, decoded)
		return nil
	}
	if r := s.lookupRoom(room); r != nil {
		r.handleOccupant(p, decoded)
		return nil
	}
	s.logger.WithField("from", p.From.String()).Debug("ignoring presence from unmanaged room")
	return nil
}

// handleConferenceIQ serves the focus request: the client names a room
// and the focus joins it, creating the conference as members appear.
func (s *Service) handleConferenceIQ(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var request ConferenceRequest
	if err := decodePayload(t, start, &request); err != nil {
		return err
	}

	room, err := s.resolveRoom(request.Room)
	if err != nil {
		s.logger.WithField("room", request.Room).Warn("conference request for unparseable room")
		metrics.ConferenceRequestsTotal.WithLabelValues("rejected").Inc()
		return s.replyError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
	}

	s.logger.WithFields(logrus.Fields{
		"room": room.String(),
		"from": iq.From.String(),
	}).Info("conference requested")
	metrics.ConferenceRequestsTotal.WithLabelValues("ok").Inc()

	r := s.roomFor(room)
	r.join(context.Background())

	response := ConferenceRequest{
		Room:     room.String(),
		Ready:    true,
		FocusJID: s.jid.String(),
	}
	reader, err := payloadReader(&response)
	if err != nil {
		return err
	}
	_, err = xmlstream.Copy(t, iq.Result(reader))
	return err
}

// resolveRoom accepts either a full room JID or a bare room name to be
// qualified with the configured MUC domain.
func (s *Service) resolveRoom(name string) (jid.JID, error) {
	if name == "" {
		return jid.JID{}, errors.New("empty room")
	}
	if strings.Contains(name, "@") {
		j, err := jid.Parse(name)
		return j.Bare(), err
	}
	return jid.New(name, s.config.MUCDomain, "")
}

func (s *Service) handleDiscoInfo(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	reader, err := payloadReader(&infoResult{
		Identities: []info.Identity{{Category: "component", Type: "generic", Name: "focus"}},
		Features: []info.Feature{
			{Var: disco.NSInfo},
			{Var: NSFocus},
		},
	})
	if err != nil {
		return err
	}
	_, err = xmlstream.Copy(t, iq.Result(reader))
	return err
}

func (s *Service) replyError(t xmlstream.TokenReadEncoder, iq stanza.IQ, stanzaErr stanza.Error) error {
	reply := stanza.IQ{ID: iq.ID, To: iq.From, From: iq.To, Type: stanza.ErrorIQ}
	_, err := xmlstream.Copy(t, reply.Wrap(stanzaErr.TokenReader()))
	return err
}

func (s *Service) replyResult(t xmlstream.TokenReadEncoder, iq stanza.IQ) error {
	_, err := xmlstream.Copy(t, iq.Result(nil))
	return err
}

// liveSession returns the current stream or fails fast while disconnected.
func (s *Service) liveSession() (*xmpp.Session, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.session == nil {
		return nil, errNotConnected
	}
	return s.session, nil
}

// send writes one stanza without awaiting any reply.
func (s *Service) send(ctx context.Context, r xml.TokenReader) error {
	session, err := s.liveSession()
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	return session.Send(ctx, r)
}

// request sends an iq carrying payload and decodes the result into v,
// which may be nil when only the ack matters. Error replies surface as
// stanza.Error values.
func (s *Service) request(ctx context.Context, iq stanza.IQ, payload xml.TokenReader, v interface{}) error {
	session, err := s.liveSession()
	if err != nil {
		return err
	}
	iq.From = s.jid
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	return session.UnmarshalIQElement(ctx, payload, iq, v)
}

func (s *Service) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.config.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Service) roomFor(room jid.JID) *Room {
	bare := room.Bare()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, ok := s.rooms[bare.String()]
	if !ok {
		r = newRoom(s, bare)
		s.rooms[bare.String()] = r
	}
	return r
}

func (s *Service) lookupRoom(room jid.JID) *Room {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.rooms[room.Bare().String()]
}

func (s *Service) dropRoom(room jid.JID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.rooms, room.Bare().String())
}

// RoomFor implements the room provider the conference manager sources
// its chat-room adapters from.
func (s *Service) RoomFor(room jid.JID) conference.Room {
	return s.roomFor(room)
}

var _ focus.RoomProvider = (*Service)(nil)

// payloadReader renders a marshalable value into a token stream; the
// session API consumes readers while the payload schema lives in struct
// tags.
func payloadReader(v interface{}) (xml.TokenReader, error) {
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return xml.NewDecoder(bytes.NewReader(b)), nil
}

// decodePayload reads the already-started IQ payload element into v.
func decodePayload(t xmlstream.TokenReadEncoder, start *xml.StartElement, v interface{}) error {
	d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), t))
	return d.Decode(v)
}

// decodeOccupantPresence reads the full presence stanza off the stream.
func decodeOccupantPresence(t xmlstream.TokenReadEncoder) (*OccupantPresence, error) {
	d := xml.NewTokenDecoder(t)
	var p OccupantPresence
	if err := d.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// infoResult is the disco#info query payload, served for inbound queries
// and decoded from feature-discovery replies.
type infoResult struct {
	XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string          `xml:"node,attr,omitempty"`
	Identities []info.Identity `xml:"identity"`
	Features   []info.Feature  `xml:"feature"`
}
