// Package channel glues the command parser, caches, stream detector
// and transport together for one connected remote viewer: the init
// handshake, compression preference, migration handoff, and
// disconnect sequence described in spec.md §4.9, grounded on the
// teacher's own ClientConn/ClientConfig pump-goroutine idiom
// (client.go's DefaultClientMessageHandler) and on
// original_source/server/dcc.cpp's dcc_handle_init/
// dcc_handle_preferred_compression/dcc_stop.
package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spice-display/corestream/imagecodec"
	"github.com/spice-display/corestream/logger"
	"github.com/spice-display/corestream/migration"
	"github.com/spice-display/corestream/palettecache"
	"github.com/spice-display/corestream/pixmapcache"
	"github.com/spice-display/corestream/streamagent"
	"github.com/spice-display/corestream/transport"
	"github.com/spice-display/corestream/wire"
)

// ErrUnexpectedInit is returned when a DisplayInit message arrives
// outside the single handshake window (dcc_handle_init's
// spice_return_val_if_fail(dcc->priv->expect_init, FALSE)).
var ErrUnexpectedInit = errors.New("channel: unexpected display init")

// ErrNotInitialized is returned when a client tries to drive anything
// else before completing the init handshake.
var ErrNotInitialized = errors.New("channel: client not initialized")

// PipeItem is one queued outbound wire message for a Client, spec.md
// §9's "Pipe item: one queued outbound message for one channel
// client, in FIFO order."
type PipeItem struct {
	Message wire.ServerMessage
}

// Client is the per-connection state of one remote viewer attached to
// this display channel.
type Client struct {
	ID uint64

	log logger.Logger

	stream *transport.Stream

	mu           sync.Mutex
	expectInit   bool
	initialized  bool
	lowBandwidth bool

	imageCompression imagecodec.Preference
	preferredCodecs  []uint8

	pixmapCache  *pixmapcache.Cache
	paletteCache *palettecache.Cache

	streamAgents     map[uint32]*streamagent.Agent
	maxStreamLatency uint32

	pipe     []PipeItem
	pipeCond chan struct{}

	glDrawOngoing bool
}

// New creates a freshly connected, not-yet-initialized channel
// client. lowBandwidth mirrors config_socket's
// mcc->is_low_bandwidth() check performed before the display channel
// itself exists.
func New(id uint64, s *transport.Stream, lowBandwidth bool, log logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		ID:           id,
		log:          log,
		stream:       s,
		expectInit:   true,
		lowBandwidth: lowBandwidth,
		streamAgents: make(map[uint32]*streamagent.Agent),
		pipeCond:     make(chan struct{}, 1),
	}
}

// HandleDisplayInit processes the client's one-shot init handshake
// message, attaching the process-wide pixmap cache for this client id
// (dcc_handle_init).
func (c *Client) HandleDisplayInit(msg *wire.DisplayInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.expectInit {
		return ErrUnexpectedInit
	}
	c.expectInit = false

	c.pixmapCache = pixmapcache.Get(c.ID, uint64(msg.PixmapCacheID), msg.PixmapCacheSize)
	c.paletteCache = palettecache.New(1024)
	c.initialized = true
	c.log.Debugf("channel: client %d initialized, pixmap_cache_id=%d size=%d", c.ID, msg.PixmapCacheID, msg.PixmapCacheSize)
	return nil
}

// HandlePreferredCompression records the client's chosen compression
// mode (dcc_handle_preferred_compression), feeding imagecodec.Select's
// Preference parameter on future draws.
func (c *Client) HandlePreferredCompression(msg *wire.PreferredCompression) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	c.imageCompression = imagecodec.Preference(msg.Mode)
	return nil
}

// HandlePreferredVideoCodecType records the client's codec preference
// order for future stream creation.
func (c *Client) HandlePreferredVideoCodecType(msg *wire.PreferredVideoCodecType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	c.preferredCodecs = msg.Codecs
	return nil
}

// HandleStreamReport feeds a client playback report into its stream
// agent, or tears the stream's encoder down outright if the client
// signals it cannot decode the codec at all (dcc_handle_stream_report,
// spec.md §4.6's decode-failure sentinel).
func (c *Client) HandleStreamReport(msg *wire.StreamReport, onReport func(streamID uint32, r *wire.StreamReport)) error {
	c.mu.Lock()
	agent, ok := c.streamAgents[msg.StreamID]
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("channel: stream_report for unknown/destroyed stream %d", msg.StreamID)
		return nil
	}

	if msg.IsDecodeFailureSentinel() {
		c.log.Warnf("channel: client %d cannot decode stream %d, dropping encoder", c.ID, msg.StreamID)
		c.mu.Lock()
		delete(c.streamAgents, msg.StreamID)
		c.mu.Unlock()
		return nil
	}

	if msg.UniqueID != agent.ReportID {
		c.log.Debugf("channel: stale stream_report for stream %d (have %d, got %d)", msg.StreamID, agent.ReportID, msg.UniqueID)
		return nil
	}

	if onReport != nil {
		onReport(msg.StreamID, msg)
	}
	return nil
}

// ActivateStreamReport negotiates this client's encoder for a newly
// created stream by walking its declared codec preference against
// serverCodecs (streamagent.SelectCodec), registers the resulting
// agent for report tracking, and enqueues the StreamActivateReport
// message (dcc_init_stream_agents + display_channel_create_stream's
// report activation, spec.md §4.6).
func (c *Client) ActivateStreamReport(streamID, reportID, maxWindow, timeoutMs uint32, serverCodecs []uint8) *streamagent.Agent {
	c.mu.Lock()
	agent := streamagent.New(streamID, reportID, c.preferredCodecs, serverCodecs)
	c.streamAgents[streamID] = agent
	c.mu.Unlock()
	c.Enqueue(&wire.StreamActivateReport{
		StreamID:  streamID,
		ReportID:  reportID,
		MaxWindow: maxWindow,
		Timeout:   timeoutMs,
	})
	return agent
}

// UpdateStreamPlaybackDelay records the playback delay the viewer
// reported for one of its active streams and recomputes this
// client's overall max_stream_latency as the maximum across every
// agent it owns (spec.md §4.6's update_client_playback_delay).
func (c *Client) UpdateStreamPlaybackDelay(streamID uint32, ms uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.streamAgents[streamID]
	if !ok {
		return
	}
	agent.UpdateClientPlaybackDelay(ms)

	var max uint32
	for _, a := range c.streamAgents {
		if l := a.ClientRequiredLatencyMs(); l > max {
			max = l
		}
	}
	c.maxStreamLatency = max
}

// MaxStreamLatencyMs returns the largest playback delay any of this
// client's active stream agents has reported.
func (c *Client) MaxStreamLatencyMs() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxStreamLatency
}

// DestroyStream removes a stream agent and enqueues its destroy
// message.
func (c *Client) DestroyStream(streamID uint32) {
	c.mu.Lock()
	delete(c.streamAgents, streamID)
	c.mu.Unlock()
	c.Enqueue(&wire.StreamDestroy{StreamID: streamID})
}

// SelectCompression runs the image-compression decision table for one
// bitmap, honoring this client's preference (spec.md §4.8).
func (c *Client) SelectCompression(minSizeToCompress int64, e imagecodec.Eligibility) imagecodec.Method {
	c.mu.Lock()
	pref := c.imageCompression
	c.mu.Unlock()
	return imagecodec.Select(pref, minSizeToCompress, e)
}

// BeginGLDraw marks a GL draw outstanding; Disconnect must account
// for it exactly as display_channel_gl_draw_done does.
func (c *Client) BeginGLDraw() {
	c.mu.Lock()
	c.glDrawOngoing = true
	c.mu.Unlock()
}

// HandleGLDrawDone acknowledges the outstanding GL draw.
func (c *Client) HandleGLDrawDone() {
	c.mu.Lock()
	c.glDrawOngoing = false
	c.mu.Unlock()
}

// Enqueue appends one outbound message to this client's pipe (spec.md
// §9 "Pipe item"), in FIFO order, and wakes the drain loop.
func (c *Client) Enqueue(msg wire.ServerMessage) {
	c.mu.Lock()
	c.pipe = append(c.pipe, PipeItem{Message: msg})
	c.mu.Unlock()
	select {
	case c.pipeCond <- struct{}{}:
	default:
	}
}

// Drain removes and returns every currently queued pipe item, FIFO.
func (c *Client) Drain() []PipeItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.pipe
	c.pipe = nil
	return items
}

// Flush writes every currently queued pipe item to the transport
// stream in order.
func (c *Client) Flush() error {
	for _, item := range c.Drain() {
		if err := item.Message.Write(c.stream); err != nil {
			return fmt.Errorf("channel: flush client %d: %w", c.ID, err)
		}
	}
	return c.stream.Flush()
}

// Wait blocks until Enqueue has been called at least once since the
// last Wait, or the stop channel closes.
func (c *Client) Wait(stop <-chan struct{}) bool {
	select {
	case <-c.pipeCond:
		return true
	case <-stop:
		return false
	}
}

// BuildMigrationPayload snapshots this client's cache/codec state for
// handoff to the peer resuming it, spec.md §6's migration payload
// shape.
func (c *Client) BuildMigrationPayload() migration.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()

	var clients [pixmapcache.MaxCacheClients]uint64
	var size int64
	frozen := false
	if c.pixmapCache != nil {
		frozen = c.pixmapCache.Freeze()
		size = -1
		if !frozen {
			size = c.pixmapCache.Available()
		}
	}
	return migration.Payload{
		Header: migration.Header{Magic: migration.Magic, Version: migration.Version},
		Body: migration.Body{
			PixmapCacheID:      c.ID,
			PixmapCacheSize:    size,
			PixmapCacheClients: clients,
			PixmapCacheFreezer: frozen,
			LowBandwidth:       c.lowBandwidth,
		},
	}
}

// HandleMigrateData validates and applies an incoming migration
// payload from the peer this client is replacing, mirroring
// handle_migrate_data's order: reattach the pixmap cache (still
// frozen if the sender kept it frozen), merge sync vectors, then
// widen the ack window by acknowledging with a zeroed window
// (spec.md §4.9).
func (c *Client) HandleMigrateData(data []byte, ackWindow func()) error {
	p, err := migration.Decode(data)
	if err != nil {
		return fmt.Errorf("channel: migrate data: %w", err)
	}

	c.mu.Lock()
	if c.pixmapCache == nil {
		c.pixmapCache = pixmapcache.Get(c.ID, p.Body.PixmapCacheID, p.Body.PixmapCacheSize)
	}
	c.lowBandwidth = p.Body.LowBandwidth
	c.mu.Unlock()

	if p.Body.PixmapCacheFreezer {
		c.pixmapCache.MergeSync(p.Body.PixmapCacheClients)
	}

	if ackWindow != nil {
		ackWindow()
	}
	return nil
}

// Disconnect releases every resource this client holds, in the order
// dcc_stop/on_disconnect performs it: pixmap cache unref, palette
// cache reset, stream agents destroyed, and a GL-draw-done emitted if
// a GL draw was outstanding (spec.md §4.9 "Disconnect").
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.pixmapCache != nil {
		pixmapcache.Unref(c.pixmapCache)
		c.pixmapCache = nil
	}
	c.paletteCache = nil
	c.streamAgents = make(map[uint32]*streamagent.Agent)
	c.maxStreamLatency = 0

	wasGLDrawOngoing := c.glDrawOngoing
	c.glDrawOngoing = false
	c.mu.Unlock()

	if wasGLDrawOngoing {
		c.Enqueue(&wire.GLDraw{})
	}
	c.log.Debugf("channel: client %d disconnected", c.ID)
}
