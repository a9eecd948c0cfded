package xmpp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// CreateConference implements the channel-control factory. Each control
// binds one conference to one bridge over the shared component stream.
func (s *Service) CreateConference(room jid.JID, bridge jid.JID, meetingID string) colibri.Conference {
	return &channelControl{
		service:   s,
		bridge:    bridge,
		room:      room.Bare().String(),
		meetingID: meetingID,
		logger: s.logger.WithFields(logrus.Fields{
			"room":   room.String(),
			"bridge": bridge.String(),
		}),
	}
}

var _ colibri.Factory = (*Service)(nil)

// channelControl talks colibri for one conference on one bridge. The
// bridge assigns the conference id on the first allocation; every later
// request repeats it.
type channelControl struct {
	service   *Service
	bridge    jid.JID
	room      string
	meetingID string
	logger    *logrus.Entry

	mutex        sync.Mutex
	conferenceID string
	disposed     bool
}

func (c *channelControl) CreateChannels(ctx context.Context, endpointID, statsID string, initiator bool, contents []jingle.Content) (*colibri.ChannelAllocation, error) {
	conferenceID, err := c.liveConferenceID()
	if err != nil {
		return nil, err
	}

	request := colibri.NewChannelRequest(conferenceID, c.room, c.meetingID, endpointID, initiator, contents)
	reply, err := c.allocate(ctx, request)
	if err != nil {
		return nil, err
	}
	return colibri.ParseAllocation(reply, c.bridge, endpointID), nil
}

func (c *channelControl) UpdateChannels(ctx context.Context, allocation *colibri.ChannelAllocation,
	descriptions map[source.MediaType]*jingle.RTPDescription,
	transports map[source.MediaType]*jingle.IceUdpTransport,
	sources *source.MediaSourceMap, groups *source.GroupMap) error {

	if c.Disposed() {
		return colibri.ErrDisposed
	}
	request := colibri.NewUpdateRequest(allocation, descriptions, transports, sources, groups)
	return c.push(ctx, request)
}

func (c *channelControl) CreateRelayChannels(ctx context.Context, relays []string, contents []jingle.Content) (*colibri.ChannelAllocation, error) {
	conferenceID, err := c.liveConferenceID()
	if err != nil {
		return nil, err
	}

	request := colibri.NewRelayChannelRequest(conferenceID, c.room, c.meetingID, relays, contents)
	reply, err := c.allocate(ctx, request)
	if err != nil {
		return nil, err
	}
	return colibri.ParseAllocation(reply, c.bridge, colibri.ChannelTypeOcto), nil
}

func (c *channelControl) UpdateRelayChannels(ctx context.Context, allocation *colibri.ChannelAllocation, relays []string,
	sources *source.MediaSourceMap, groups *source.GroupMap) error {

	if c.Disposed() {
		return colibri.ErrDisposed
	}
	request := colibri.NewRelayUpdateRequest(allocation, relays, sources, groups)
	return c.push(ctx, request)
}

// ExpireChannels runs even on a disposed control; expiry is the cleanup
// path and the channels are still held bridge-side.
func (c *channelControl) ExpireChannels(ctx context.Context, allocation *colibri.ChannelAllocation) error {
	request := colibri.NewExpireRequest(allocation)
	return c.push(ctx, request)
}

func (c *channelControl) Disposed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.disposed
}

func (c *channelControl) Dispose() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.disposed = true
}

func (c *channelControl) liveConferenceID() (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.disposed {
		return "", colibri.ErrDisposed
	}
	return c.conferenceID, nil
}

// allocate delivers a channel-creating request. The reply names the
// bridge-side conference, remembered for every request that follows.
func (c *channelControl) allocate(ctx context.Context, request *colibri.ConferenceIQ) (*colibri.ConferenceIQ, error) {
	reader, err := payloadReader(request)
	if err != nil {
		return nil, err
	}

	var reply colibri.ConferenceIQ
	err = c.service.request(ctx, stanza.IQ{To: c.bridge, Type: stanza.GetIQ}, reader, &reply)
	if err != nil {
		return nil, colibriError(err)
	}

	if reply.ID != "" {
		c.mutex.Lock()
		if c.conferenceID == "" {
			c.conferenceID = reply.ID
			c.logger.WithField("conference_id", reply.ID).Debug("bridge conference created")
		}
		c.mutex.Unlock()
	}
	return &reply, nil
}

// push delivers a state update whose reply carries nothing of interest.
func (c *channelControl) push(ctx context.Context, request *colibri.ConferenceIQ) error {
	reader, err := payloadReader(request)
	if err != nil {
		return err
	}
	if err := c.service.request(ctx, stanza.IQ{To: c.bridge, Type: stanza.SetIQ}, reader, nil); err != nil {
		return colibriError(err)
	}
	return nil
}

// colibriError maps bridge replies onto the error taxonomy the core acts
// on. Stanza errors become colibri errors so bad-request rejections stay
// recognizable; a reply timeout reads as a failed bridge.
func colibriError(err error) error {
	var stanzaErr stanza.Error
	if errors.As(err, &stanzaErr) {
		return colibri.NewError(stanzaErr.Condition, "")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("channel request timed out: %w", err)
	}
	return err
}
