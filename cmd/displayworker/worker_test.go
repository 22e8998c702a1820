package main

import (
	"net"
	"testing"
	"time"

	"github.com/spice-display/corestream/channel"
	"github.com/spice-display/corestream/config"
	"github.com/spice-display/corestream/geom"
	"github.com/spice-display/corestream/memslot"
	"github.com/spice-display/corestream/qxlparse"
	"github.com/spice-display/corestream/transport"
	"github.com/spice-display/corestream/videostream"
	"github.com/spice-display/corestream/wire"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	guest := &qxlparse.Guest{Slots: memslot.NewInfo(1, 1, 32, 1), Group: 0}
	return NewWorker(&nullDriver{}, guest, config.Default(), nil)
}

func pipeClient(t *testing.T, w *Worker) uint64 {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	c := w.AddClient(transport.New(a), false)
	return c.ID
}

func (w *Worker) clientByID(id uint64) *channel.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clients[id]
}

func TestAddClientAssignsSequentialIDs(t *testing.T) {
	w := newTestWorker(t)
	id1 := pipeClient(t, w)
	id2 := pipeClient(t, w)
	if id1 != 1 || id2 != 2 {
		t.Fatalf("got ids %d, %d", id1, id2)
	}
}

func TestRemoveClientDropsFromBroadcast(t *testing.T) {
	w := newTestWorker(t)
	id := pipeClient(t, w)

	w.RemoveClient(id)

	w.mu.Lock()
	n := len(w.clients)
	w.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected 0 remaining clients, got %d", n)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	w := newTestWorker(t)
	pipeClient(t, w)
	pipeClient(t, w)

	w.Broadcast(&wire.DisplayMark{})

	for _, c := range w.clientList() {
		items := c.Drain()
		if len(items) != 1 || items[0].Message.Type() != wire.MsgDisplayMark {
			t.Fatalf("client %d got %+v", c.ID, items)
		}
	}
}

// promoteStream drives the detector through enough synthetic frames to
// promote a stream, returning it, mirroring video_stream_trace_update's
// trace-ring-then-promote path (spec.md §4.5).
func promoteStream(d *videostream.Detector) *videostream.Stream {
	base := time.Now()
	bbox := geom.Rect{Left: 0, Top: 0, Right: 64, Bottom: 64}

	first := videostream.Candidate{
		Streamable:   true,
		CreationTime: base,
		BBox:         bbox,
		SrcWidth:     64,
		SrcHeight:    64,
	}
	d.TraceAdd(first)

	var s *videostream.Stream
	for i := 1; i < 25; i++ {
		c := videostream.Candidate{
			Streamable:   true,
			CreationTime: base.Add(time.Duration(i) * 10 * time.Millisecond),
			BBox:         bbox,
			SrcWidth:     64,
			SrcHeight:    64,
		}
		if s = d.TraceUpdate(&c, 2); s != nil {
			return s
		}
		d.TraceAdd(c)
	}
	return s
}

func TestStreamIDForIsStableAndForgetRemoves(t *testing.T) {
	w := newTestWorker(t)
	s := promoteStream(w.detector)
	if s == nil {
		t.Fatal("expected promoted stream")
	}

	id1 := w.streamIDFor(s)
	id2 := w.streamIDFor(s)
	if id1 != id2 {
		t.Fatalf("expected stable id, got %d then %d", id1, id2)
	}

	got := w.forgetStream(s)
	if got != id1 {
		t.Fatalf("forgetStream returned %d, want %d", got, id1)
	}
	w.mu.Lock()
	_, stillKnown := w.streamIDs[s]
	w.mu.Unlock()
	if stillKnown {
		t.Fatal("expected stream id mapping to be removed")
	}
}

func TestSweepStreamsDestroysTimedOutStream(t *testing.T) {
	w := newTestWorker(t)
	id := pipeClient(t, w)

	s := promoteStream(w.detector)
	if s == nil {
		t.Fatal("expected promoted stream")
	}
	streamID := w.streamIDFor(s)

	w.sweepStreams(s.LastTime.Add(2 * time.Second))

	client := w.clientByID(id)
	items := client.Drain()
	if len(items) != 1 || items[0].Message.Type() != wire.MsgStreamDestroy {
		t.Fatalf("got %+v", items)
	}
	destroy := items[0].Message.(*wire.StreamDestroy)
	if destroy.StreamID != streamID {
		t.Fatalf("got stream id %d, want %d", destroy.StreamID, streamID)
	}

	if len(w.detector.Active()) != 0 {
		t.Fatal("expected stream to be stopped")
	}
}
