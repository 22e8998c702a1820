// Package streamagent implements the per-(client, stream) encoder
// bookkeeping spec.md §4.6 describes: codec selection from the
// client's declared preference order, and the adaptive-control
// knobs an encoder consults to pace itself to the viewer.
//
// The actual encoder -- the entropy/video codec backend that turns
// drawable bytes into compressed stream data -- is an external
// collaborator this core only negotiates with (spec.md §1
// Non-goals); Agent tracks what codec was negotiated and what the
// viewer is asking for, not how to encode.
package streamagent

// SelectCodec walks clientPrefs, the client's declared codec
// preference order, looking for the first entry also present in
// serverEnabled. If clientPrefs is empty -- the client never sent
// PREFERRED_VIDEO_CODEC_TYPE -- the tie-breaker is server order
// (spec.md §4.6: "the tie-breaker is server order when the client
// array has not been sent").
func SelectCodec(clientPrefs, serverEnabled []uint8) (codec uint8, ok bool) {
	if len(serverEnabled) == 0 {
		return 0, false
	}
	if len(clientPrefs) == 0 {
		return serverEnabled[0], true
	}

	enabled := make(map[uint8]bool, len(serverEnabled))
	for _, c := range serverEnabled {
		enabled[c] = true
	}
	for _, c := range clientPrefs {
		if enabled[c] {
			return c, true
		}
	}
	return 0, false
}

// Agent is the per-(client, stream) encoder stand-in: which codec it
// negotiated (or pass-through, if none matched), the report id the
// viewer must echo back, and the playback delay the viewer most
// recently asked for.
type Agent struct {
	StreamID uint32
	ReportID uint32

	Codec       uint8
	PassThrough bool

	clientRequiredLatencyMs uint32
}

// New builds an Agent for one newly activated stream, negotiating a
// codec out of clientPrefs/serverEnabled via SelectCodec. A failed
// negotiation puts the agent in pass-through (lossless upgrade) mode
// rather than refusing activation (spec.md §4.6).
func New(streamID, reportID uint32, clientPrefs, serverEnabled []uint8) *Agent {
	codec, ok := SelectCodec(clientPrefs, serverEnabled)
	return &Agent{
		StreamID:    streamID,
		ReportID:    reportID,
		Codec:       codec,
		PassThrough: !ok,
	}
}

// UpdateClientPlaybackDelay records the latency, in milliseconds, the
// viewer's playback pipeline has most recently asked this stream to
// run at (spec.md §4.6's update_client_playback_delay). The channel
// client aggregates this across every agent it owns into its overall
// max_stream_latency.
func (a *Agent) UpdateClientPlaybackDelay(ms uint32) {
	a.clientRequiredLatencyMs = ms
}

// ClientRequiredLatencyMs returns the latency last recorded by
// UpdateClientPlaybackDelay.
func (a *Agent) ClientRequiredLatencyMs() uint32 {
	return a.clientRequiredLatencyMs
}
