// Package colibri models the channel-control protocol between the focus
// and a videobridge, and defines the adapter the conference core drives.
package colibri

import (
	"context"
	"errors"
	"fmt"

	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Error is a channel-control failure as reported by the bridge. The core
// cares about exactly one distinction: a bad-request rejection of the
// description versus everything else.
type Error struct {
	Condition stanza.Condition
	Text      string
}

func (e *Error) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("colibri: %s", e.Condition)
	}
	return fmt.Sprintf("colibri: %s (%s)", e.Condition, e.Text)
}

// NewError wraps a stanza-level condition.
func NewError(condition stanza.Condition, text string) *Error {
	return &Error{Condition: condition, Text: text}
}

// IsBadRequest reports whether the bridge rejected the request as
// malformed rather than failing itself.
func IsBadRequest(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Condition == stanza.BadRequest
}

// ChannelAllocation is the result of a successful channel request: the
// bridge-side conference id, the allocated channel ids per content and the
// bundle transport to hand to the endpoint.
type ChannelAllocation struct {
	ConferenceID string
	Bridge       jid.JID
	EndpointID   string
	Contents     []AllocatedContent
	Transport    *jingle.IceUdpTransport
}

// AllocatedContent holds the channel ids of one content.
type AllocatedContent struct {
	Name       string
	ChannelIDs []string
	SctpIDs    []string
}

// ChannelIDsFor returns the channel ids allocated under the named content.
func (a *ChannelAllocation) ChannelIDsFor(name string) []string {
	for _, c := range a.Contents {
		if c.Name == name {
			return c.ChannelIDs
		}
	}
	return nil
}

// Conference is the channel-control adapter for one conference on one
// bridge. Implementations talk colibri to the bridge; the core never sees
// the wire.
type Conference interface {
	// CreateChannels allocates channels for one endpoint, one per offer
	// content. The initiator flag mirrors the jingle role.
	CreateChannels(ctx context.Context, endpointID, statsID string, initiator bool, contents []jingle.Content) (*ChannelAllocation, error)

	// UpdateChannels pushes the endpoint's answer state to the bridge:
	// picked payload types, its transport and its advertised sources.
	UpdateChannels(ctx context.Context, allocation *ChannelAllocation,
		descriptions map[source.MediaType]*jingle.RTPDescription,
		transports map[source.MediaType]*jingle.IceUdpTransport,
		sources *source.MediaSourceMap, groups *source.GroupMap) error

	// CreateRelayChannels allocates the octo channels binding this
	// bridge to its relay peers, one per media content.
	CreateRelayChannels(ctx context.Context, relays []string, contents []jingle.Content) (*ChannelAllocation, error)

	// UpdateRelayChannels pushes relay membership and the relayed
	// sources to existing octo channels.
	UpdateRelayChannels(ctx context.Context, allocation *ChannelAllocation, relays []string,
		sources *source.MediaSourceMap, groups *source.GroupMap) error

	// ExpireChannels releases the endpoint's channels.
	ExpireChannels(ctx context.Context, allocation *ChannelAllocation) error

	// Disposed reports whether the control has been shut down, either
	// explicitly or because the bridge went away.
	Disposed() bool

	// Dispose shuts the control down. Subsequent calls fail fast.
	Dispose()
}

// Factory creates channel controls per (conference, bridge) pair.
type Factory interface {
	CreateConference(room jid.JID, bridge jid.JID, meetingID string) Conference
}

// ErrDisposed is returned by operations on a disposed control.
var ErrDisposed = errors.New("colibri: conference disposed")
