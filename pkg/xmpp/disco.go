package xmpp

import (
	"context"
	"fmt"

	"github.com/jitsi-go/jicofo/pkg/conference"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// DiscoverFeatures queries the target's disco#info and returns the
// feature vars it advertises.
func (s *Service) DiscoverFeatures(ctx context.Context, target jid.JID) ([]string, error) {
	var reply infoResult
	query := disco.InfoQuery{}
	if err := s.request(ctx, stanza.IQ{To: target, Type: stanza.GetIQ}, query.TokenReader(), &reply); err != nil {
		return nil, fmt.Errorf("disco query: %w", err)
	}

	features := make([]string, 0, len(reply.Features))
	for _, f := range reply.Features {
		features = append(features, f.Var)
	}
	return features, nil
}

var _ conference.Discoverer = (*Service)(nil)
