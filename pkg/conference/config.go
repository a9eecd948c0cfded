package conference

// Config carries the per-conference knobs of the focus. Values come from
// the service configuration; the conference never reads files itself.
type Config struct {
	// Per-media cap on the number of sources one participant may
	// advertise.
	MaxSourcesPerUser int `yaml:"max-sources-per-user"`
	// Rewrite offers so that audio and video of one owner share a
	// stream id.
	EnableLipSync bool `yaml:"enable-lip-sync"`
	// Offer an SCTP data channel to participants that support it.
	OpenSCTP bool `yaml:"open-sctp"`
	// Offer video retransmission (RTX) to participants that support it.
	EnableRTX bool `yaml:"enable-rtx"`
	// Offer transport-wide congestion control.
	EnableTCC bool `yaml:"enable-tcc"`
	// Offer receiver-estimated max bitrate feedback.
	EnableREMB bool `yaml:"enable-remb"`
	// Offer redundant audio encoding.
	EnableOpusRed bool `yaml:"enable-opus-red"`
	// Offer stereo audio.
	Stereo bool `yaml:"stereo"`
	// Initial video bitrate hint in kbps.
	StartBitrateKbps int `yaml:"start-bitrate-kbps"`
	// Minimal video bitrate hint in kbps, 0 leaves it unset.
	MinBitrateKbps int `yaml:"min-bitrate-kbps"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSourcesPerUser: 20,
		OpenSCTP:          true,
		EnableRTX:         true,
		EnableTCC:         true,
		StartBitrateKbps:  800,
	}
}
