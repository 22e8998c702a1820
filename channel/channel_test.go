package channel

import (
	"net"
	"testing"

	"github.com/spice-display/corestream/imagecodec"
	"github.com/spice-display/corestream/transport"
	"github.com/spice-display/corestream/wire"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	a, _ := net.Pipe()
	t.Cleanup(func() { a.Close() })
	return New(1, transport.New(a), false, nil)
}

func TestHandleDisplayInitOnlyOnce(t *testing.T) {
	c := newTestClient(t)
	msg := &wire.DisplayInit{PixmapCacheID: 1, PixmapCacheSize: 1 << 20}
	if err := c.HandleDisplayInit(msg); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := c.HandleDisplayInit(msg); err != ErrUnexpectedInit {
		t.Fatalf("expected ErrUnexpectedInit, got %v", err)
	}
}

func TestHandlePreferredCompressionRequiresInit(t *testing.T) {
	c := newTestClient(t)
	if err := c.HandlePreferredCompression(&wire.PreferredCompression{Mode: 1}); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	if err := c.HandleDisplayInit(&wire.DisplayInit{PixmapCacheID: 2, PixmapCacheSize: 1 << 20}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.HandlePreferredCompression(&wire.PreferredCompression{Mode: uint8(imagecodec.PrefLz4)}); err != nil {
		t.Fatalf("preferred compression: %v", err)
	}
	if c.imageCompression != imagecodec.PrefLz4 {
		t.Fatalf("got %v", c.imageCompression)
	}
}

func TestHandleStreamReportDecodeFailureDropsAgent(t *testing.T) {
	c := newTestClient(t)
	c.ActivateStreamReport(5, 100, 64, 1000, []uint8{1})

	report := &wire.StreamReport{StreamID: 5, UniqueID: 100, NumFrames: 0, NumDrops: 0xffffffff}
	if err := c.HandleStreamReport(report, nil); err != nil {
		t.Fatalf("HandleStreamReport: %v", err)
	}
	c.mu.Lock()
	_, ok := c.streamAgents[5]
	c.mu.Unlock()
	if ok {
		t.Fatal("expected stream agent to be dropped on decode failure sentinel")
	}
}

func TestHandleStreamReportStaleUniqueIDIgnored(t *testing.T) {
	c := newTestClient(t)
	c.ActivateStreamReport(5, 100, 64, 1000, []uint8{1})

	called := false
	report := &wire.StreamReport{StreamID: 5, UniqueID: 99, NumFrames: 10, NumDrops: 0}
	if err := c.HandleStreamReport(report, func(uint32, *wire.StreamReport) { called = true }); err != nil {
		t.Fatalf("HandleStreamReport: %v", err)
	}
	if called {
		t.Fatal("expected stale report to be ignored")
	}
}

func TestHandleStreamReportCallsBack(t *testing.T) {
	c := newTestClient(t)
	c.ActivateStreamReport(5, 100, 64, 1000, []uint8{1})

	var got *wire.StreamReport
	report := &wire.StreamReport{StreamID: 5, UniqueID: 100, NumFrames: 10, NumDrops: 1}
	if err := c.HandleStreamReport(report, func(_ uint32, r *wire.StreamReport) { got = r }); err != nil {
		t.Fatalf("HandleStreamReport: %v", err)
	}
	if got == nil || got.NumFrames != 10 {
		t.Fatalf("got %+v", got)
	}
}

func TestActivateStreamReportNegotiatesClientCodec(t *testing.T) {
	c := newTestClient(t)
	if err := c.HandleDisplayInit(&wire.DisplayInit{PixmapCacheID: 1, PixmapCacheSize: 1 << 20}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.HandlePreferredVideoCodecType(&wire.PreferredVideoCodecType{Codecs: []uint8{2, 1}}); err != nil {
		t.Fatalf("preferred video codec type: %v", err)
	}

	agent := c.ActivateStreamReport(5, 100, 64, 1000, []uint8{1, 2})
	if agent.PassThrough || agent.Codec != 2 {
		t.Fatalf("got %+v", agent)
	}
}

func TestActivateStreamReportFallsBackToPassThrough(t *testing.T) {
	c := newTestClient(t)
	if err := c.HandleDisplayInit(&wire.DisplayInit{PixmapCacheID: 1, PixmapCacheSize: 1 << 20}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.HandlePreferredVideoCodecType(&wire.PreferredVideoCodecType{Codecs: []uint8{2}}); err != nil {
		t.Fatalf("preferred video codec type: %v", err)
	}
	agent := c.ActivateStreamReport(5, 100, 64, 1000, []uint8{9})
	if !agent.PassThrough {
		t.Fatal("expected pass-through agent when client has no overlapping codec")
	}
}

func TestUpdateStreamPlaybackDelayTracksMax(t *testing.T) {
	c := newTestClient(t)
	c.ActivateStreamReport(5, 100, 64, 1000, []uint8{1})
	c.ActivateStreamReport(6, 101, 64, 1000, []uint8{1})

	c.UpdateStreamPlaybackDelay(5, 30)
	c.UpdateStreamPlaybackDelay(6, 80)
	if got := c.MaxStreamLatencyMs(); got != 80 {
		t.Fatalf("got %d, want 80", got)
	}

	c.UpdateStreamPlaybackDelay(6, 10)
	if got := c.MaxStreamLatencyMs(); got != 30 {
		t.Fatalf("got %d, want 30 after the louder stream quieted down", got)
	}
}

func TestEnqueueDrainFIFO(t *testing.T) {
	c := newTestClient(t)
	c.Enqueue(&wire.SurfaceCreate{SurfaceID: 1})
	c.Enqueue(&wire.SurfaceDestroy{SurfaceID: 1})

	items := c.Drain()
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].Message.Type() != wire.MsgSurfaceCreate {
		t.Fatalf("got %v first", items[0].Message.Type())
	}
	if items[1].Message.Type() != wire.MsgSurfaceDestroy {
		t.Fatalf("got %v second", items[1].Message.Type())
	}
	if len(c.Drain()) != 0 {
		t.Fatal("expected pipe to be empty after drain")
	}
}

func TestBuildMigrationPayloadFreezesCache(t *testing.T) {
	c := newTestClient(t)
	if err := c.HandleDisplayInit(&wire.DisplayInit{PixmapCacheID: 3, PixmapCacheSize: 1 << 20}); err != nil {
		t.Fatalf("init: %v", err)
	}
	p := c.BuildMigrationPayload()
	if !p.Body.PixmapCacheFreezer {
		t.Fatal("expected pixmap cache to be frozen for migration handoff")
	}
	if p.Body.PixmapCacheSize != -1 {
		t.Fatalf("got size %d, want -1 while frozen", p.Body.PixmapCacheSize)
	}
}

func TestDisconnectEmitsGLDrawDoneWhenOutstanding(t *testing.T) {
	c := newTestClient(t)
	c.BeginGLDraw()
	c.Disconnect()

	items := c.Drain()
	if len(items) != 1 || items[0].Message.Type() != wire.MsgGLDraw {
		t.Fatalf("got %+v", items)
	}
}

func TestDisconnectSkipsGLDrawDoneWhenNotOutstanding(t *testing.T) {
	c := newTestClient(t)
	c.Disconnect()

	if len(c.Drain()) != 0 {
		t.Fatal("expected no pipe items")
	}
}
