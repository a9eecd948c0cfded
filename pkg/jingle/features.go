package jingle

// Disco feature vars the focus probes for when inviting a participant.
const (
	FeatureAudio   = "urn:xmpp:jingle:apps:rtp:audio"
	FeatureVideo   = "urn:xmpp:jingle:apps:rtp:video"
	FeatureICE     = "urn:xmpp:jingle:transports:ice-udp:1"
	FeatureDTLS    = "urn:xmpp:jingle:apps:dtls:0"
	FeatureSCTP    = "urn:xmpp:jingle:transports:dtls-sctp:1"
	FeatureRTX     = "urn:ietf:rfc:4588"
	FeatureRTCPMux = "urn:ietf:rfc:5761"
	FeatureBundle  = "urn:ietf:rfc:5888"
	FeatureLipSync = "http://jitsi.org/meet/lipsync"
	FeatureREMB    = "http://jitsi.org/remb"
	FeatureTCC     = "http://jitsi.org/tcc"
	FeatureOpusRed = "http://jitsi.org/opus-red"
)

// Features a peer is assumed to have when discovery cannot complete.
func DefaultFeatures() []string {
	return []string{
		FeatureAudio,
		FeatureVideo,
		FeatureICE,
		FeatureDTLS,
		FeatureSCTP,
		FeatureRTCPMux,
		FeatureBundle,
	}
}
