// Command displayworker is the ambient entrypoint for the display
// channel core: it accepts viewer connections, pulls QXL commands
// from a device.Driver, feeds streamable drawables through the video
// stream detector, and fans the resulting wire messages out to every
// attached channel.Client -- the accept-loop/pump-goroutine shape
// follows the teacher's own Serve(ctx, ln, cfg)/ServerConn.Handle and
// ClientConn's DefaultClientMessageHandler (server.go, client.go).
package main

import (
	"context"
	"sync"
	"time"

	"github.com/spice-display/corestream/channel"
	"github.com/spice-display/corestream/config"
	"github.com/spice-display/corestream/device"
	"github.com/spice-display/corestream/imagecodec"
	"github.com/spice-display/corestream/logger"
	"github.com/spice-display/corestream/qxlparse"
	"github.com/spice-display/corestream/transport"
	"github.com/spice-display/corestream/videostream"
	"github.com/spice-display/corestream/wire"
)

// qxlCmdDraw is the one QXLCommandExt.Type this core dispatches to the
// drawable parser; every other command type is acknowledged and
// released without interpretation, since the canvas/cursor/surface
// command bodies belong to the device/canvas collaborator this core
// excludes (spec.md §1 Non-goals).
const qxlCmdDraw = 0

// Worker owns one display channel's guest-facing pull loop: the
// command parser's Guest window, the shared video stream detector,
// and the registry of currently attached viewers (spec.md §4.5/§6).
type Worker struct {
	log    logger.Logger
	limits config.Limits
	driver device.Driver
	guest  *qxlparse.Guest
	dialect qxlparse.Dialect

	detector *videostream.Detector

	mu           sync.Mutex
	clients      map[uint64]*channel.Client
	nextClientID uint64

	streamIDs    map[*videostream.Stream]uint32
	nextStreamID uint32

	serverCodecs []uint8
}

// defaultServerCodecs is the codec-id set this core advertises as
// available, standing in for whatever the real encoder collaborator
// actually implements (spec.md §1 Non-goals): one generic id, enough
// to exercise streamagent.SelectCodec's negotiation without this core
// claiming to speak a real video codec.
var defaultServerCodecs = []uint8{1}

// NewWorker builds a Worker over an already-negotiated guest address
// space and driver collaborator.
func NewWorker(driver device.Driver, guest *qxlparse.Guest, limits config.Limits, log logger.Logger) *Worker {
	if log == nil {
		log = logger.Default()
	}
	return &Worker{
		log:          log,
		limits:       limits,
		driver:       driver,
		guest:        guest,
		dialect:      qxlparse.DialectNative,
		detector:     videostream.NewDetector(limits.NumStreams),
		clients:      make(map[uint64]*channel.Client),
		streamIDs:    make(map[*videostream.Stream]uint32),
		serverCodecs: defaultServerCodecs,
	}
}

// AddClient registers a freshly accepted viewer connection and
// returns its channel.Client.
func (w *Worker) AddClient(s *transport.Stream, lowBandwidth bool) *channel.Client {
	w.mu.Lock()
	w.nextClientID++
	id := w.nextClientID
	w.mu.Unlock()

	c := channel.New(id, s, lowBandwidth, w.log)
	w.mu.Lock()
	w.clients[id] = c
	w.mu.Unlock()
	w.log.Debugf("displayworker: client %d attached", id)
	return c
}

// RemoveClient detaches and disconnects a viewer.
func (w *Worker) RemoveClient(id uint64) {
	w.mu.Lock()
	c, ok := w.clients[id]
	delete(w.clients, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	c.Disconnect()
	w.log.Debugf("displayworker: client %d detached", id)
}

// Broadcast enqueues msg onto every currently attached client's pipe.
func (w *Worker) Broadcast(msg wire.ServerMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range w.clients {
		c.Enqueue(msg)
	}
}

func (w *Worker) clientList() []*channel.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*channel.Client, 0, len(w.clients))
	for _, c := range w.clients {
		out = append(out, c)
	}
	return out
}

func (w *Worker) streamIDFor(s *videostream.Stream) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.streamIDs[s]; ok {
		return id
	}
	w.nextStreamID++
	id := w.nextStreamID
	w.streamIDs[s] = id
	return id
}

func (w *Worker) forgetStream(s *videostream.Stream) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.streamIDs[s]
	delete(w.streamIDs, s)
	return id
}

// candidateFromCopy builds a videostream.Candidate from a QXL_DRAW_COPY
// drawable, the only op the stream detector considers (spec.md §4.5;
// original_source/server/video-stream.cpp's drawable_can_stream).
func candidateFromCopy(d *qxlparse.Drawable, now time.Time) videostream.Candidate {
	img := d.Copy.SrcBitmap
	streamable := d.Op == qxlparse.OpCopy &&
		img != nil &&
		img.Type == qxlparse.ImageBitmap &&
		img.Palette == nil

	grad := videostream.GradualNotAvail
	if streamable {
		grad = videostream.GradualHigh
	}

	return videostream.Candidate{
		Streamable:   streamable,
		CreationTime: now,
		BBox:         d.BBox,
		SrcWidth:     int32(img.Width),
		SrcHeight:    int32(img.Height),
		TopDown:      img.TopDown,
		Graduality:   grad,
	}
}

// dispatchDrawable runs one parsed drawable through the stream
// detector and fans out the resulting wire message(s) to every
// attached client, then releases the drawable's guest resource.
func (w *Worker) dispatchDrawable(d *qxlparse.Drawable) {
	defer d.Unref()

	now := time.Now()
	if d.Op == qxlparse.OpCopy && d.Copy != nil && d.Copy.SrcBitmap != nil {
		c := candidateFromCopy(d, now)
		if c.Streamable {
			if s := w.detector.TraceUpdate(&c, w.limits.ContainerCandidateAreaFactor); s != nil {
				w.onStreamFrame(s, d)
				return
			}
			w.detector.TraceAdd(c)
		}
	}
	w.broadcastDrawImage(d)
}

// onStreamFrame handles a drawable the detector just attached to a
// stream, new or already active: a brand-new stream gets StreamCreate
// plus a per-client activated report, every frame gets StreamData.
func (w *Worker) onStreamFrame(s *videostream.Stream, d *qxlparse.Drawable) {
	w.mu.Lock()
	_, known := w.streamIDs[s]
	w.mu.Unlock()

	id := w.streamIDFor(s)
	if !known {
		w.Broadcast(&wire.StreamCreate{
			StreamID:   id,
			SurfaceID:  d.SurfaceID,
			Codec:      0,
			Width:      uint32(s.Width),
			Height:     uint32(s.Height),
			DestLeft:   s.DestArea.Left,
			DestTop:    s.DestArea.Top,
			DestRight:  s.DestArea.Right,
			DestBottom: s.DestArea.Bottom,
		})
		for _, c := range w.clientList() {
			c.ActivateStreamReport(id, id, uint32(w.limits.MaxFps), uint32(w.limits.StreamTimeoutMs), w.serverCodecs)
		}
		w.log.Debugf("displayworker: stream %d created (%dx%d)", id, s.Width, s.Height)
	}

	w.Broadcast(&wire.StreamData{
		StreamID: id,
		MMTime:   uint32(d.MMTime),
		Data:     d.Copy.SrcBitmap.Data,
	})
}

// broadcastDrawImage handles a drawable the detector declined to
// stream: every client gets its own compression decision (spec.md
// §4.8) run against its own preference before the bytes go out.
func (w *Worker) broadcastDrawImage(d *qxlparse.Drawable) {
	var data []byte
	var rgb bool
	if d.Op == qxlparse.OpCopy && d.Copy != nil && d.Copy.SrcBitmap != nil {
		data = d.Copy.SrcBitmap.Data
		rgb = d.Copy.SrcBitmap.Palette == nil
	}

	elig := imagecodec.Eligibility{
		HeightStrideProduct: int64(len(data)),
		QuicEligible:        rgb,
		LzEligible:          true,
		RGBFormat:           rgb,
	}

	for _, c := range w.clientList() {
		method := c.SelectCompression(w.limits.MinSizeToCompress, elig)
		payload := data
		if method != imagecodec.MethodOff && len(data) > 0 {
			compressed, err := imagecodec.Compress(method, data)
			if err != nil {
				w.log.Warnf("displayworker: compress for client: %v", err)
			} else {
				payload = compressed
			}
		}
		c.Enqueue(&wire.DrawImage{
			SurfaceID: d.SurfaceID,
			Left:      d.BBox.Left,
			Top:       d.BBox.Top,
			Right:     d.BBox.Right,
			Bottom:    d.BBox.Bottom,
			Data:      payload,
		})
	}
}

// sweepStreams destroys every stream the detector reports as timed
// out, telling clients before releasing the slot back to the pool
// (video_stream_timeout's dcc-facing half, spec.md §4.5).
func (w *Worker) sweepStreams(now time.Time) {
	for _, s := range w.detector.Sweep(now) {
		id := w.forgetStream(s)
		for _, c := range w.clientList() {
			c.DestroyStream(id)
		}
		w.detector.Stop(s)
		w.log.Debugf("displayworker: stream %d timed out", id)
	}
}

// Run pulls commands from the driver until ctx is cancelled, parsing
// and dispatching drawables and periodically sweeping the stream
// detector for timeouts. It is the Go analogue of the original
// dispatcher's level-triggered ring-notification loop: Go's
// device.Driver interface is pull-only, so absence of a ready command
// is handled with a short poll interval rather than a wakeup
// primitive (see DESIGN.md).
func (w *Worker) Run(ctx context.Context) {
	const idlePoll = 2 * time.Millisecond
	const sweepInterval = 250 * time.Millisecond

	lastSweep := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, ok := w.driver.GetCommand()
		if !ok {
			w.driver.RequestCommandNotification()
			time.Sleep(idlePoll)
		} else {
			w.handleCommand(cmd)
		}

		if now := time.Now(); now.Sub(lastSweep) >= sweepInterval {
			w.sweepStreams(now)
			lastSweep = now
		}
	}
}

func (w *Worker) handleCommand(cmd device.CommandExt) {
	if cmd.Type != qxlCmdDraw {
		w.driver.ReleaseResource(device.ReleaseInfoExt{Info: cmd.Addr, GroupID: cmd.GroupID})
		return
	}

	d, err := qxlparse.ReadDrawable(w.guest, cmd.Addr, w.dialect, cmd.Flags, cmd.Type, w.limits, w.driver)
	if err != nil {
		w.log.Warnf("displayworker: parse drawable at %#x: %v", cmd.Addr, err)
		w.driver.ReleaseResource(device.ReleaseInfoExt{Info: cmd.Addr, GroupID: cmd.GroupID})
		return
	}
	w.dispatchDrawable(d)
}
