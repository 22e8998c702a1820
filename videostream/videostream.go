// Package videostream implements the display channel's video stream
// detector: a trace ring of recently-seen streamable drawables, a
// fixed pool of stream slots, and the promotion/demotion state
// machine that decides when a sequence of QXL_DRAW_COPY drawables
// becomes a video stream (spec.md §4.5; grounded on
// _examples/original_source/server/video-stream.cpp, functions
// is_next_stream_frame/attach_stream/display_channel_create_stream/
// video_stream_add_frame/video_stream_trace_update/
// video_stream_maintenance/video_stream_timeout).
package videostream

import (
	"time"

	"github.com/spice-display/corestream/geom"
)

// itemsTraceMask sizes the trace ring to a power of two; the original
// keeps this in a private header not present in the retrieval pack,
// so 64 entries is chosen here as a reasonable working-set size for
// the promotion search (see DESIGN.md).
const itemsTraceMask = 63

// Graduality classifies a QXL_DRAW_COPY source bitmap's suitability
// for lossy video compression (spec.md §4.5).
type Graduality int

const (
	GradualInvalid Graduality = iota
	GradualNotAvail
	GradualLow
	GradualHigh
)

// Candidate is the subset of a parsed drawable the detector needs.
// It is populated by the caller from a freshly parsed qxlparse.Drawable
// of type OpCopy; the detector never touches qxlparse directly to
// avoid coupling the trace/promotion logic to the wire parser.
type Candidate struct {
	Streamable    bool
	CreationTime  time.Time
	BBox          geom.Rect
	SrcWidth      int32
	SrcHeight     int32
	TopDown       bool
	Graduality    Graduality
	FramesCount   int
	GradualFramesCount int
	LastGradualFrame   int
	FirstFrameTime     time.Time

	// Attached is set by the caller when this candidate already has a
	// stream of its own (the original's candidate->stream), so
	// Maintenance has nothing to do for it.
	Attached bool
}

// Stream is one active video stream: a fixed-capacity resource drawn
// from the pool's free list, never separately heap-allocated once the
// pool is warm (mirroring the original's NUM_STREAMS array of
// VideoStream plus an intrusive free list).
type Stream struct {
	inUse bool

	Width, Height int32
	DestArea      geom.Rect
	TopDown       bool
	LastTime      time.Time

	NumInputFrames   uint32
	InputFPSStart    time.Time
	InputFPS         uint32

	hasCurrent bool
}

const (
	streamDetectionMaxDelta  = 200 * time.Millisecond // NSEC_PER_SEC/5
	streamContinuousMaxDelta = time.Second
	streamTimeout            = time.Second
	streamInputFPSTimeout    = 5 * time.Second

	framesStartCondition         = 20
	gradualFramesStartCondition  = 0.2
	framesResetCondition         = 100
	maxFPS                       = 30
)

type traceEntry struct {
	valid              bool
	time               time.Time
	firstFrameTime     time.Time
	frameWidth         int32
	frameHeight        int32
	destArea           geom.Rect
	framesCount        int
	gradualFramesCount int
	lastGradualFrame   int
}

// Detector owns the fixed stream pool and the trace ring for one
// display channel (spec.md §4.5's "fixed ring of ITEMS_TRACE_MASK+1
// recent streamable drawables" plus NUM_STREAMS fixed pool).
type Detector struct {
	streams   []Stream
	trace     [itemsTraceMask + 1]traceEntry
	nextTrace uint64

	streamsSizeTotal int64
	streamCount      int
}

// NewDetector allocates a Detector with a pool of numStreams stream
// slots (config.Limits.NumStreams).
func NewDetector(numStreams int) *Detector {
	return &Detector{streams: make([]Stream, numStreams)}
}

func (d *Detector) tryNewStream() *Stream {
	for i := range d.streams {
		if !d.streams[i].inUse {
			d.streams[i] = Stream{inUse: true}
			return &d.streams[i]
		}
	}
	return nil
}

// Stop releases a stream back to the free pool (video_stream_stop).
func (d *Detector) Stop(s *Stream) {
	if s == nil || !s.inUse {
		return
	}
	d.streamsSizeTotal -= int64(s.Width) * int64(s.Height)
	d.streamCount--
	*s = Stream{}
}

// isNextStreamFrame is is_next_stream_frame, generalized over the
// "container candidate allowed" distinction the original makes
// between a strict dimension match (trace-ring search, allowed=false)
// and a bbox-containment match against an active stream
// (allowed=true), the latter bounded by
// config.Limits.ContainerCandidateAreaFactor so an oversized candidate
// frame is never folded into an existing stream.
func isNextStreamFrame(candidate Candidate, otherWidth, otherHeight int32, otherDest geom.Rect, otherTime time.Time, hasStream bool, streamTopDown bool, containerCandidateAllowed bool, areaFactor int) bool {
	if !candidate.Streamable {
		return false
	}
	maxDelta := streamDetectionMaxDelta
	if hasStream {
		maxDelta = streamContinuousMaxDelta
	}
	if candidate.CreationTime.Sub(otherTime) > maxDelta {
		return false
	}

	if !containerCandidateAllowed {
		if !candidate.BBox.Equal(otherDest) {
			return false
		}
		if candidate.SrcWidth != otherWidth || candidate.SrcHeight != otherHeight {
			return false
		}
	} else {
		if !candidate.BBox.Contains(otherDest) {
			return false
		}
		if candidate.BBox.Area() > int64(areaFactor)*otherDest.Area() {
			return false
		}
	}

	if hasStream && streamTopDown != candidate.TopDown {
		return false
	}
	return true
}

// attachStream is attach_stream: binds drawable as the stream's
// current frame and rolls the input-fps estimator forward.
func attachStream(s *Stream, c Candidate) {
	s.hasCurrent = true
	s.LastTime = c.CreationTime

	duration := c.CreationTime.Sub(s.InputFPSStart)
	if duration >= streamInputFPSTimeout {
		if duration > 0 {
			s.InputFPS = uint32((int64(s.NumInputFrames) * int64(time.Second) + int64(duration)/2) / int64(duration))
		}
		s.NumInputFrames = 0
		s.InputFPSStart = c.CreationTime
	} else {
		s.NumInputFrames++
	}
}

// DetachCurrent clears the stream's current-frame binding
// (video_stream_detach_drawable).
func (s *Stream) DetachCurrent() { s.hasCurrent = false }

// HasCurrent reports whether the stream currently has a bound frame.
func (s *Stream) HasCurrent() bool { return s.hasCurrent }

// isStreamStart is is_stream_start.
func isStreamStart(framesCount, gradualFramesCount int) bool {
	return framesCount >= framesStartCondition &&
		float64(gradualFramesCount) >= gradualFramesStartCondition*float64(framesCount)
}

// createStream is display_channel_create_stream: draws a slot from
// the pool and seeds it from the promoting drawable. Returns nil if
// the pool is exhausted (spec.md §4.5 implies silent no-op on
// exhaustion, matching the original's early return).
func (d *Detector) createStream(c Candidate) *Stream {
	s := d.tryNewStream()
	if s == nil {
		return nil
	}
	s.Width = c.SrcWidth
	s.Height = c.SrcHeight
	s.DestArea = c.BBox
	s.TopDown = c.TopDown
	s.LastTime = c.CreationTime
	s.hasCurrent = true

	duration := c.CreationTime.Sub(c.FirstFrameTime)
	fpsThreshold := time.Duration(int64(time.Second) * int64(c.FramesCount) / maxFPS)
	if duration > fpsThreshold && duration > 0 {
		s.InputFPS = uint32((int64(time.Second)*int64(c.FramesCount) + int64(duration)/2) / int64(duration))
	} else {
		s.InputFPS = maxFPS
	}
	s.NumInputFrames = 0
	s.InputFPSStart = c.CreationTime

	d.streamsSizeTotal += int64(s.Width) * int64(s.Height)
	d.streamCount++
	return s
}

// addFrame is video_stream_add_frame: advances a streamable
// drawable's frame/graduality counters and promotes it to a new
// stream once the start condition is met. Returns the created stream,
// or nil if no promotion happened.
func (d *Detector) addFrame(c *Candidate, firstFrameTime time.Time, framesCount, gradualFramesCount, lastGradualFrame int) *Stream {
	c.FirstFrameTime = firstFrameTime
	c.FramesCount = framesCount + 1
	c.GradualFramesCount = gradualFramesCount

	if c.Graduality != GradualLow {
		if c.FramesCount-lastGradualFrame > framesResetCondition {
			c.FramesCount = 1
			c.GradualFramesCount = 1
		} else {
			c.GradualFramesCount++
		}
		c.LastGradualFrame = c.FramesCount
	} else {
		c.LastGradualFrame = lastGradualFrame
	}

	if isStreamStart(c.FramesCount, c.GradualFramesCount) {
		return d.createStream(*c)
	}
	return nil
}

// TraceUpdate is video_stream_trace_update: for a freshly parsed
// streamable drawable with no stream and no frame history, first try
// reattaching to an already-active stream via the container-candidate
// rule, then fall back to searching the trace ring for a predecessor.
// areaFactor is config.Limits.ContainerCandidateAreaFactor.
func (d *Detector) TraceUpdate(c *Candidate, areaFactor int) *Stream {
	if c.FramesCount != 0 || !c.Streamable {
		return nil
	}

	for i := range d.streams {
		s := &d.streams[i]
		if !s.inUse {
			continue
		}
		if isNextStreamFrame(*c, s.Width, s.Height, s.DestArea, s.LastTime, true, s.TopDown, true, areaFactor) {
			if s.hasCurrent {
				s.DetachCurrent()
			}
			attachStream(s, *c)
			return s
		}
	}

	for i := range d.trace {
		t := d.trace[i]
		if !t.valid {
			continue
		}
		if isNextStreamFrame(*c, t.frameWidth, t.frameHeight, t.destArea, t.time, false, false, false, areaFactor) {
			if s := d.addFrame(c, t.firstFrameTime, t.framesCount, t.gradualFramesCount, t.lastGradualFrame); s != nil {
				return s
			}
		}
	}
	return nil
}

// Maintenance is video_stream_maintenance: called when a drawable
// (prev) is about to be removed from the display tree and candidate
// takes its place at the same tree position -- either reattaches
// candidate to prev's stream, or (if prev had no stream but was
// itself streamable) carries prev's frame history onto candidate.
func (d *Detector) Maintenance(candidate *Candidate, prev *Candidate, prevStream *Stream, areaFactor int) *Stream {
	if candidate.Attached {
		return nil
	}
	if prevStream != nil {
		if isNextStreamFrame(*candidate, prevStream.Width, prevStream.Height, prevStream.DestArea, prevStream.LastTime, true, prevStream.TopDown, true, areaFactor) {
			prevStream.DetachCurrent()
			attachStream(prevStream, *candidate)
			return prevStream
		}
		return nil
	}
	if !candidate.Streamable {
		return nil
	}
	if isNextStreamFrame(*candidate, prev.SrcWidth, prev.SrcHeight, prev.BBox, prev.CreationTime, false, false, false, areaFactor) {
		return d.addFrame(candidate, prev.FirstFrameTime, prev.FramesCount, prev.GradualFramesCount, prev.LastGradualFrame)
	}
	return nil
}

// TraceAdd is video_stream_trace_add_drawable: records a streamable
// drawable with no stream of its own into the ring for later
// predecessor search.
func (d *Detector) TraceAdd(c Candidate) {
	if !c.Streamable {
		return
	}
	slot := &d.trace[d.nextTrace&itemsTraceMask]
	d.nextTrace++
	*slot = traceEntry{
		valid:              true,
		time:               c.CreationTime,
		firstFrameTime:     c.FirstFrameTime,
		frameWidth:         c.SrcWidth,
		frameHeight:        c.SrcHeight,
		destArea:           c.BBox,
		framesCount:        c.FramesCount,
		gradualFramesCount: c.GradualFramesCount,
		lastGradualFrame:   c.LastGradualFrame,
	}
}

// TimedOut is video_stream_timeout's per-stream predicate: true once
// now has advanced RED_STREAM_TIMEOUT past the stream's last frame.
func (s *Stream) TimedOut(now time.Time) bool {
	return !now.Before(s.LastTime.Add(streamTimeout))
}

// Sweep returns every currently active stream that has timed out,
// without stopping them -- the caller is expected to run its
// graceful-detach sequence (lossless upgrade, stream-destroy) before
// calling Stop.
func (d *Detector) Sweep(now time.Time) []*Stream {
	var timedOut []*Stream
	for i := range d.streams {
		s := &d.streams[i]
		if s.inUse && s.TimedOut(now) {
			timedOut = append(timedOut, s)
		}
	}
	return timedOut
}

// Active returns every currently active stream, used by
// DetachAndStop's "stop everything" path at channel teardown.
func (d *Detector) Active() []*Stream {
	var active []*Stream
	for i := range d.streams {
		if d.streams[i].inUse {
			active = append(active, &d.streams[i])
		}
	}
	return active
}
