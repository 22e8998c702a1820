package wire

import (
	"bytes"
	"testing"
)

func TestDisplayInitReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(3)
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 1})
	buf.WriteByte(7)
	buf.Write([]byte{4, 0, 0, 0})

	var m DisplayInit
	if err := m.Read(&buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.PixmapCacheID != 3 || m.GlzDictID != 7 || m.GlzDictWindow != 4 {
		t.Fatalf("got %+v", m)
	}
}

func TestPreferredVideoCodecTypeRead(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(2)
	buf.Write([]byte{5, 6})

	var m PreferredVideoCodecType
	if err := m.Read(&buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(m.Codecs) != 2 || m.Codecs[0] != 5 || m.Codecs[1] != 6 {
		t.Fatalf("got %+v", m.Codecs)
	}
}

func TestPreferredVideoCodecTypeZeroCount(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0)

	var m PreferredVideoCodecType
	if err := m.Read(&buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(m.Codecs) != 0 {
		t.Fatalf("expected empty codecs, got %v", m.Codecs)
	}
}

func TestStreamReportDecodeFailureSentinel(t *testing.T) {
	m := StreamReport{NumFrames: 0, NumDrops: 0xffffffff}
	if !m.IsDecodeFailureSentinel() {
		t.Fatal("expected sentinel to be recognized")
	}
	m.NumDrops = 3
	if m.IsDecodeFailureSentinel() {
		t.Fatal("did not expect sentinel")
	}
}

func TestStreamReportReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 8; i++ {
		buf.Write([]byte{byte(i + 1), 0, 0, 0})
	}
	var m StreamReport
	if err := m.Read(&buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.StreamID != 1 || m.AudioDelay != 8 {
		t.Fatalf("got %+v", m)
	}
}

func TestSurfaceCreateWrite(t *testing.T) {
	var buf bytes.Buffer
	m := &SurfaceCreate{SurfaceID: 1, Width: 800, Height: 600, Format: 32}
	if err := m.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != 17 {
		t.Fatalf("got %d bytes, want 17", buf.Len())
	}
	if buf.Bytes()[0] != byte(MsgSurfaceCreate) {
		t.Fatalf("got type tag %d", buf.Bytes()[0])
	}
}

func TestStreamDataWriteIncludesLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	m := &StreamData{StreamID: 1, MMTime: 42, Data: []byte{1, 2, 3}}
	if err := m.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != 13+3 {
		t.Fatalf("got %d bytes, want 16", buf.Len())
	}
}

func TestPixmapInvalSyncWrite(t *testing.T) {
	var buf bytes.Buffer
	m := &PixmapInvalSync{IDs: []uint64{1, 2, 3}}
	if err := m.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != 5+3*8 {
		t.Fatalf("got %d bytes, want 29", buf.Len())
	}
}

func TestMonitorsConfigWrite(t *testing.T) {
	var buf bytes.Buffer
	m := &MonitorsConfig{MaxHeads: 4, Heads: []MonitorHead{
		{ID: 0, SurfaceID: 1, Width: 1920, Height: 1080, X: 0, Y: 0},
	}}
	if err := m.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != 5+24 {
		t.Fatalf("got %d bytes, want 29", buf.Len())
	}
}

func TestMessageTypeAccessors(t *testing.T) {
	if (&DisplayInit{}).Type() != MsgDisplayInit {
		t.Fatal("wrong type")
	}
	if (&SurfaceCreate{}).Type() != MsgSurfaceCreate {
		t.Fatal("wrong type")
	}
	if (&GLDraw{}).Type() != MsgGLDraw {
		t.Fatal("wrong type")
	}
}
