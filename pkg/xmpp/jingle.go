package xmpp

import (
	"context"
	"encoding/xml"
	"errors"

	"github.com/google/uuid"
	"github.com/jitsi-go/jicofo/pkg/focus"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// InitiateSession sends the offer that opens a participant's session. The
// returned flag reports whether the participant acknowledged the offer;
// an error reply or a missing one is a refusal, not a transport failure.
func (s *Service) InitiateSession(ctx context.Context, target jid.JID, contents []jingle.Content, group *jingle.Grouping, startMuted [2]bool) (*jingle.Session, bool, error) {
	session := &jingle.Session{SID: uuid.NewString(), Peer: target}
	payload := &jingle.IQ{
		Action:     jingle.ActionSessionInitiate,
		SID:        session.SID,
		Initiator:  s.jid.String(),
		Contents:   contents,
		Group:      group,
		StartMuted: startMutedElement(startMuted),
	}
	acked, err := s.sendJingle(ctx, target, payload)
	if err != nil {
		return nil, false, err
	}
	return session, acked, nil
}

// ReplaceTransport re-offers a session over a new bridge, keeping the sid.
func (s *Service) ReplaceTransport(ctx context.Context, session *jingle.Session, contents []jingle.Content, group *jingle.Grouping, startMuted [2]bool) (bool, error) {
	payload := &jingle.IQ{
		Action:     jingle.ActionTransportReplace,
		SID:        session.SID,
		Initiator:  s.jid.String(),
		Contents:   contents,
		Group:      group,
		StartMuted: startMutedElement(startMuted),
	}
	return s.sendJingle(ctx, session.Peer, payload)
}

// SourceAdd advertises newly available sources to a participant.
func (s *Service) SourceAdd(ctx context.Context, session *jingle.Session, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	return s.signalSources(ctx, session, jingle.ActionSourceAdd, sources, groups)
}

// SourceRemove withdraws sources from a participant.
func (s *Service) SourceRemove(ctx context.Context, session *jingle.Session, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	return s.signalSources(ctx, session, jingle.ActionSourceRemove, sources, groups)
}

// TerminateSession ends a session. The terminate is not acknowledged in
// any way the focus acts on, so it is written without awaiting a reply.
func (s *Service) TerminateSession(ctx context.Context, session *jingle.Session, reason *jingle.Reason) error {
	payload := &jingle.IQ{
		Action:    jingle.ActionSessionTerminate,
		SID:       session.SID,
		Initiator: s.jid.String(),
		Reason:    reason,
	}
	reader, err := payloadReader(payload)
	if err != nil {
		return err
	}
	iq := stanza.IQ{ID: uuid.NewString(), To: session.Peer, From: s.jid, Type: stanza.SetIQ}
	return s.send(ctx, iq.Wrap(reader))
}

var _ jingle.Signaler = (*Service)(nil)

func startMutedElement(startMuted [2]bool) *jingle.StartMuted {
	if !startMuted[0] && !startMuted[1] {
		return nil
	}
	return &jingle.StartMuted{Audio: startMuted[0], Video: startMuted[1]}
}

// sendJingle delivers one jingle IQ and classifies the outcome: true
// means the participant acked it, false with a nil error means it sent an
// error reply or never answered, and a non-nil error is a local failure.
func (s *Service) sendJingle(ctx context.Context, to jid.JID, payload *jingle.IQ) (bool, error) {
	reader, err := payloadReader(payload)
	if err != nil {
		return false, err
	}
	err = s.request(ctx, stanza.IQ{To: to, Type: stanza.SetIQ}, reader, nil)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var stanzaErr stanza.Error
	if errors.As(err, &stanzaErr) {
		return false, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return false, err
}

func (s *Service) signalSources(ctx context.Context, session *jingle.Session, action jingle.Action, sources *source.MediaSourceMap, groups *source.GroupMap) error {
	payload := &jingle.IQ{
		Action:    action,
		SID:       session.SID,
		Initiator: s.jid.String(),
		Contents:  jingle.SourcesToContents(sources, groups),
	}
	reader, err := payloadReader(payload)
	if err != nil {
		return err
	}
	return s.request(ctx, stanza.IQ{To: session.Peer, Type: stanza.SetIQ}, reader, nil)
}

// handleJingleIQ routes session traffic from participants into the
// conference core and answers with the matching ack or error.
func (s *Service) handleJingleIQ(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var payload jingle.IQ
	if err := decodePayload(t, start, &payload); err != nil {
		return err
	}

	occupant := iq.From
	logger := s.logger.WithFields(logrus.Fields{
		"occupant": occupant.String(),
		"action":   string(payload.Action),
		"sid":      payload.SID,
	})

	var err error
	switch payload.Action {
	case jingle.ActionSessionAccept:
		err = s.handler.SessionAnswer(occupant, payload.Contents)
	case jingle.ActionSourceAdd:
		sources, groups := jingle.ExtractSources(payload.Contents, source.OwnerOf(occupant))
		err = s.handler.SourceAdd(occupant, sources, groups)
	case jingle.ActionSourceRemove:
		sources, groups := jingle.ExtractSources(payload.Contents, source.OwnerOf(occupant))
		err = s.handler.SourceRemove(occupant, sources, groups)
	case jingle.ActionSessionTerminate:
		// The room presence catches up eventually; dropping the member now
		// frees its channels without waiting for it.
		s.handler.MemberLeft(occupant)
	case jingle.ActionTransportAccept, jingle.ActionSessionInfo:
		// Nothing to update, ack so the participant does not retry.
	default:
		logger.Warn("unhandled jingle action")
		return s.replyError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented})
	}

	if err != nil {
		logger.WithError(err).Warn("jingle request rejected")
		if errors.Is(err, focus.ErrNoConference) {
			return s.replyError(t, iq, stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound})
		}
		return s.replyError(t, iq, stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest})
	}
	return s.replyResult(t, iq)
}
