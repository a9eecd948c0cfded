package jingle

import "strconv"

// Static payload numbering of the offers the focus sends. Endpoints answer
// with the subset they picked.
const (
	payloadOpus      = 111
	payloadTelEvent  = 126
	payloadVP8       = 100
	payloadVP8RTX    = 96
	payloadOpusRed   = 112
	sctpPort         = 5000
	sctpStreamCount  = 1024
	hdrExtAudioLevel = 1
	hdrExtAbsSend    = 3
	hdrExtTCC        = 5
)

// Header extension URIs.
const (
	uriAudioLevel = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	uriAbsSend    = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	uriTCC        = "http://www.webrtc.org/experiments/rtp-hdrext/transport-wide-cc-extensions-01"
)

// OfferOptions selects what goes into a generated offer. The media flags
// come from the target's discovered features, the rest from configuration.
type OfferOptions struct {
	Audio bool
	Video bool
	Data  bool

	UseICE  bool
	UseDTLS bool

	Stereo        bool
	EnableRTX     bool
	EnableTCC     bool
	EnableREMB    bool
	EnableOpusRed bool

	MinBitrateKbps   int
	StartBitrateKbps int
}

// BuildOffer creates the ordered content list for one invitation: audio,
// then video, then data, each present only when selected.
func BuildOffer(opts OfferOptions) []Content {
	var contents []Content
	if opts.Audio {
		contents = append(contents, audioContent(opts))
	}
	if opts.Video {
		contents = append(contents, videoContent(opts))
	}
	if opts.Data {
		contents = append(contents, dataContent(opts))
	}
	return contents
}

func newTransport(opts OfferOptions) *IceUdpTransport {
	if !opts.UseICE {
		return nil
	}
	return &IceUdpTransport{RTCPMux: &Empty{}}
}

func audioContent(opts OfferOptions) Content {
	opus := PayloadType{
		ID:        payloadOpus,
		Name:      "opus",
		ClockRate: 48000,
		Channels:  2,
		Params: []Parameter{
			{Name: "minptime", Value: "10"},
			{Name: "useinbandfec", Value: "1"},
		},
	}
	if opts.Stereo {
		opus.Params = append(opus.Params, Parameter{Name: "stereo", Value: "1"})
	}
	if opts.EnableTCC {
		opus.Feedback = append(opus.Feedback, RTCPFeedback{Type: "transport-cc"})
	}

	description := &RTPDescription{
		Media: "audio",
		PayloadTypes: []PayloadType{
			opus,
			{ID: payloadTelEvent, Name: "telephone-event", ClockRate: 8000},
		},
		HdrExts: []RTPHdrExt{
			{ID: hdrExtAudioLevel, URI: uriAudioLevel},
			{ID: hdrExtAbsSend, URI: uriAbsSend},
		},
		RTCPMux: &Empty{},
	}
	if opts.EnableOpusRed {
		red := PayloadType{
			ID:        payloadOpusRed,
			Name:      "red",
			ClockRate: 48000,
			Channels:  2,
			Params: []Parameter{
				{Name: "", Value: strconv.Itoa(payloadOpus) + "/" + strconv.Itoa(payloadOpus)},
			},
		}
		description.PayloadTypes = append([]PayloadType{red}, description.PayloadTypes...)
	}
	if opts.EnableTCC {
		description.HdrExts = append(description.HdrExts, RTPHdrExt{ID: hdrExtTCC, URI: uriTCC})
	}

	return Content{
		Creator:     "initiator",
		Name:        "audio",
		Senders:     "both",
		Description: description,
		Transport:   newTransport(opts),
	}
}

func videoContent(opts OfferOptions) Content {
	vp8 := PayloadType{
		ID:        payloadVP8,
		Name:      "VP8",
		ClockRate: 90000,
		Feedback: []RTCPFeedback{
			{Type: "ccm", Subtype: "fir"},
			{Type: "nack"},
			{Type: "nack", Subtype: "pli"},
		},
	}
	if opts.EnableREMB {
		vp8.Feedback = append(vp8.Feedback, RTCPFeedback{Type: "goog-remb"})
	}
	if opts.EnableTCC {
		vp8.Feedback = append(vp8.Feedback, RTCPFeedback{Type: "transport-cc"})
	}
	if opts.StartBitrateKbps > 0 {
		vp8.Params = append(vp8.Params, Parameter{
			Name:  "x-google-start-bitrate",
			Value: strconv.Itoa(opts.StartBitrateKbps),
		})
	}
	if opts.MinBitrateKbps > 0 {
		vp8.Params = append(vp8.Params, Parameter{
			Name:  "x-google-min-bitrate",
			Value: strconv.Itoa(opts.MinBitrateKbps),
		})
	}

	description := &RTPDescription{
		Media:        "video",
		PayloadTypes: []PayloadType{vp8},
		HdrExts: []RTPHdrExt{
			{ID: hdrExtAbsSend, URI: uriAbsSend},
		},
		RTCPMux: &Empty{},
	}
	if opts.EnableTCC {
		description.HdrExts = append(description.HdrExts, RTPHdrExt{ID: hdrExtTCC, URI: uriTCC})
	}
	if opts.EnableRTX {
		description.PayloadTypes = append(description.PayloadTypes, PayloadType{
			ID:        payloadVP8RTX,
			Name:      "rtx",
			ClockRate: 90000,
			Params: []Parameter{
				{Name: "apt", Value: strconv.Itoa(payloadVP8)},
			},
			Feedback: []RTCPFeedback{
				{Type: "ccm", Subtype: "fir"},
				{Type: "nack"},
				{Type: "nack", Subtype: "pli"},
			},
		})
	}

	return Content{
		Creator:     "initiator",
		Name:        "video",
		Senders:     "both",
		Description: description,
		Transport:   newTransport(opts),
	}
}

func dataContent(opts OfferOptions) Content {
	transport := newTransport(opts)
	if transport == nil {
		transport = &IceUdpTransport{}
	}
	transport.SctpMaps = append(transport.SctpMaps, SctpMap{
		Number:   sctpPort,
		Protocol: "webrtc-datachannel",
		Streams:  sctpStreamCount,
	})

	return Content{
		Creator:   "initiator",
		Name:      "data",
		Senders:   "both",
		Transport: transport,
	}
}
