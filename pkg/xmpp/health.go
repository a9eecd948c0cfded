package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"time"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// NSHealth is the videobridge health-check namespace.
const NSHealth = "http://jitsi.org/protocol/healthcheck"

// HealthCheck is the empty health-check IQ payload.
type HealthCheck struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/healthcheck healthcheck"`
}

// SupportsHealthChecks reports whether the bridge advertises the
// health-check feature in its disco#info.
func (s *Service) SupportsHealthChecks(ctx context.Context, bridgeJID jid.JID) (bool, error) {
	features, err := s.DiscoverFeatures(ctx, bridgeJID)
	if err != nil {
		return false, err
	}
	for _, f := range features {
		if f == NSHealth {
			return true, nil
		}
	}
	return false, nil
}

// CheckHealth probes the bridge with a health-check IQ. A nil return
// means the bridge answered healthy within the timeout.
func (s *Service) CheckHealth(ctx context.Context, bridgeJID jid.JID, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reader, err := payloadReader(&HealthCheck{})
	if err != nil {
		return err
	}
	err = s.request(ctx, stanza.IQ{To: bridgeJID, Type: stanza.GetIQ}, reader, nil)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return bridge.ErrProbeTimeout
	}
	var stanzaErr stanza.Error
	if errors.As(err, &stanzaErr) {
		return &bridge.ProbeError{Condition: stanzaErr.Condition}
	}
	return err
}

var _ bridge.Prober = (*Service)(nil)
