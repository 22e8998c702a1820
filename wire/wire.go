// Package wire defines the display channel's message surface (spec.md
// §6) and the per-message Read/Write codec, following the teacher's
// own ServerMessage/ClientMessage Read(Conn)/Write(Conn) pattern
// (messages.go).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ClientMessageType enumerates the client->server messages this core
// consumes.
type ClientMessageType uint8

const (
	MsgDisplayInit ClientMessageType = iota
	MsgPreferredCompression
	MsgPreferredVideoCodecType
	MsgStreamReport
	MsgGLDrawDone
)

// ServerMessageType enumerates the server->client messages this core
// produces.
type ServerMessageType uint8

const (
	MsgSurfaceCreate ServerMessageType = iota
	MsgSurfaceDestroy
	MsgDrawImage
	MsgStreamCreate
	MsgStreamData
	MsgStreamClip
	MsgStreamDestroy
	MsgStreamActivateReport
	MsgPixmapInvalSync
	MsgPaletteInval
	MsgMonitorsConfig
	MsgDisplayMark
	MsgGLScanout
	MsgGLDraw
)

// ClientMessage is any message read from the client.
type ClientMessage interface {
	Type() ClientMessageType
	Read(r io.Reader) error
}

// ServerMessage is any message written to the client.
type ServerMessage interface {
	Type() ServerMessageType
	Write(w io.Writer) error
}

// DisplayInit is the client's channel-init handshake message.
type DisplayInit struct {
	PixmapCacheID    uint8
	PixmapCacheSize  int64
	GlzDictID        uint8
	GlzDictWindow    int32
}

func (*DisplayInit) Type() ClientMessageType { return MsgDisplayInit }

func (m *DisplayInit) Read(r io.Reader) error {
	var buf [14]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("wire: display init: %w", err)
	}
	m.PixmapCacheID = buf[0]
	m.PixmapCacheSize = int64(binary.LittleEndian.Uint64(buf[1:9]))
	m.GlzDictID = buf[9]
	m.GlzDictWindow = int32(binary.LittleEndian.Uint32(buf[10:14]))
	return nil
}

func (m DisplayInit) String() string {
	return fmt.Sprintf("DisplayInit{pixmap_cache_id=%d size=%d glz_dict_id=%d window=%d}",
		m.PixmapCacheID, m.PixmapCacheSize, m.GlzDictID, m.GlzDictWindow)
}

// PreferredCompression carries the client's chosen compression mode.
type PreferredCompression struct {
	Mode uint8
}

func (*PreferredCompression) Type() ClientMessageType { return MsgPreferredCompression }

func (m *PreferredCompression) Read(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("wire: preferred compression: %w", err)
	}
	m.Mode = b[0]
	return nil
}

// PreferredVideoCodecType carries the client's codec preference order.
type PreferredVideoCodecType struct {
	Codecs []uint8
}

func (*PreferredVideoCodecType) Type() ClientMessageType { return MsgPreferredVideoCodecType }

func (m *PreferredVideoCodecType) Read(r io.Reader) error {
	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return fmt.Errorf("wire: preferred video codec type: %w", err)
	}
	m.Codecs = make([]uint8, n[0])
	if n[0] == 0 {
		return nil
	}
	if _, err := io.ReadFull(r, m.Codecs); err != nil {
		return fmt.Errorf("wire: preferred video codec type codecs: %w", err)
	}
	return nil
}

// StreamReport is a client report on a stream's playback, spec.md §4.6.
type StreamReport struct {
	StreamID       uint32
	UniqueID       uint32
	StartMMTime    uint32
	EndMMTime      uint32
	NumFrames      uint32
	NumDrops       uint32
	LastFrameDelay uint32
	AudioDelay     uint32
}

func (*StreamReport) Type() ClientMessageType { return MsgStreamReport }

func (m *StreamReport) Read(r io.Reader) error {
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("wire: stream report: %w", err)
	}
	m.StreamID = binary.LittleEndian.Uint32(buf[0:4])
	m.UniqueID = binary.LittleEndian.Uint32(buf[4:8])
	m.StartMMTime = binary.LittleEndian.Uint32(buf[8:12])
	m.EndMMTime = binary.LittleEndian.Uint32(buf[12:16])
	m.NumFrames = binary.LittleEndian.Uint32(buf[16:20])
	m.NumDrops = binary.LittleEndian.Uint32(buf[20:24])
	m.LastFrameDelay = binary.LittleEndian.Uint32(buf[24:28])
	m.AudioDelay = binary.LittleEndian.Uint32(buf[28:32])
	return nil
}

// IsDecodeFailureSentinel reports spec.md §4.6's "client cannot decode
// this codec" sentinel: (num_frames, num_drops) == (0, UINT32_MAX).
func (m StreamReport) IsDecodeFailureSentinel() bool {
	return m.NumFrames == 0 && m.NumDrops == 0xffffffff
}

// GLDrawDone acknowledges a prior GLDraw server message.
type GLDrawDone struct{}

func (*GLDrawDone) Type() ClientMessageType { return MsgGLDrawDone }

func (m *GLDrawDone) Read(r io.Reader) error { return nil }

// SurfaceCreate is the server->client surface-create message.
type SurfaceCreate struct {
	SurfaceID uint32
	Width     uint32
	Height    uint32
	Format    uint32
}

func (*SurfaceCreate) Type() ServerMessageType { return MsgSurfaceCreate }

func (m *SurfaceCreate) Write(w io.Writer) error {
	var buf [17]byte
	buf[0] = byte(MsgSurfaceCreate)
	binary.LittleEndian.PutUint32(buf[1:5], m.SurfaceID)
	binary.LittleEndian.PutUint32(buf[5:9], m.Width)
	binary.LittleEndian.PutUint32(buf[9:13], m.Height)
	binary.LittleEndian.PutUint32(buf[13:17], m.Format)
	_, err := w.Write(buf[:])
	return err
}

// SurfaceDestroy is the server->client surface-destroy message.
type SurfaceDestroy struct {
	SurfaceID uint32
}

func (*SurfaceDestroy) Type() ServerMessageType { return MsgSurfaceDestroy }

func (m *SurfaceDestroy) Write(w io.Writer) error {
	var buf [5]byte
	buf[0] = byte(MsgSurfaceDestroy)
	binary.LittleEndian.PutUint32(buf[1:5], m.SurfaceID)
	_, err := w.Write(buf[:])
	return err
}

// StreamCreate is the server->client stream-create message.
type StreamCreate struct {
	StreamID      uint32
	SurfaceID     uint32
	Codec         uint8
	Width, Height uint32
	DestLeft, DestTop, DestRight, DestBottom int32
}

func (*StreamCreate) Type() ServerMessageType { return MsgStreamCreate }

func (m *StreamCreate) Write(w io.Writer) error {
	var buf [34]byte
	buf[0] = byte(MsgStreamCreate)
	binary.LittleEndian.PutUint32(buf[1:5], m.StreamID)
	binary.LittleEndian.PutUint32(buf[5:9], m.SurfaceID)
	buf[9] = m.Codec
	binary.LittleEndian.PutUint32(buf[10:14], m.Width)
	binary.LittleEndian.PutUint32(buf[14:18], m.Height)
	binary.LittleEndian.PutUint32(buf[18:22], uint32(m.DestLeft))
	binary.LittleEndian.PutUint32(buf[22:26], uint32(m.DestTop))
	binary.LittleEndian.PutUint32(buf[26:30], uint32(m.DestRight))
	binary.LittleEndian.PutUint32(buf[30:34], uint32(m.DestBottom))
	_, err := w.Write(buf[:])
	return err
}

// StreamData carries one already-encoded stream frame.
type StreamData struct {
	StreamID   uint32
	MMTime     uint32
	Data       []byte
}

func (*StreamData) Type() ServerMessageType { return MsgStreamData }

func (m *StreamData) Write(w io.Writer) error {
	var hdr [13]byte
	hdr[0] = byte(MsgStreamData)
	binary.LittleEndian.PutUint32(hdr[1:5], m.StreamID)
	binary.LittleEndian.PutUint32(hdr[5:9], m.MMTime)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(m.Data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Data)
	return err
}

// StreamDestroy is the server->client stream-destroy message.
type StreamDestroy struct {
	StreamID uint32
}

func (*StreamDestroy) Type() ServerMessageType { return MsgStreamDestroy }

func (m *StreamDestroy) Write(w io.Writer) error {
	var buf [5]byte
	buf[0] = byte(MsgStreamDestroy)
	binary.LittleEndian.PutUint32(buf[1:5], m.StreamID)
	_, err := w.Write(buf[:])
	return err
}

// StreamActivateReport asks the client to begin sending StreamReport
// messages for a stream, tagged with report_id so stale reports
// (spec.md §4.6) can be recognized on return.
type StreamActivateReport struct {
	StreamID  uint32
	ReportID  uint32
	MaxWindow uint32
	Timeout   uint32
}

func (*StreamActivateReport) Type() ServerMessageType { return MsgStreamActivateReport }

func (m *StreamActivateReport) Write(w io.Writer) error {
	var buf [17]byte
	buf[0] = byte(MsgStreamActivateReport)
	binary.LittleEndian.PutUint32(buf[1:5], m.StreamID)
	binary.LittleEndian.PutUint32(buf[5:9], m.ReportID)
	binary.LittleEndian.PutUint32(buf[9:13], m.MaxWindow)
	binary.LittleEndian.PutUint32(buf[13:17], m.Timeout)
	_, err := w.Write(buf[:])
	return err
}

// PixmapInvalSync tells the client a set of cached pixmap ids are now
// invalid (the eviction release list of spec.md §4.3/§8 scenario 5).
type PixmapInvalSync struct {
	IDs []uint64
}

func (*PixmapInvalSync) Type() ServerMessageType { return MsgPixmapInvalSync }

func (m *PixmapInvalSync) Write(w io.Writer) error {
	var n [5]byte
	n[0] = byte(MsgPixmapInvalSync)
	binary.LittleEndian.PutUint32(n[1:5], uint32(len(m.IDs)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	buf := make([]byte, 8*len(m.IDs))
	for i, id := range m.IDs {
		binary.LittleEndian.PutUint64(buf[i*8:], id)
	}
	_, err := w.Write(buf)
	return err
}

// DisplayMark announces that the initial frame is ready for display.
type DisplayMark struct{}

func (*DisplayMark) Type() ServerMessageType { return MsgDisplayMark }

func (m *DisplayMark) Write(w io.Writer) error {
	_, err := w.Write([]byte{byte(MsgDisplayMark)})
	return err
}

// StreamClip updates the clip region of an active stream without
// resending stream-create.
type StreamClip struct {
	StreamID uint32
	// Rects are the clip rectangles, left/top/right/bottom per entry.
	Rects []int32
}

func (*StreamClip) Type() ServerMessageType { return MsgStreamClip }

func (m *StreamClip) Write(w io.Writer) error {
	var hdr [9]byte
	hdr[0] = byte(MsgStreamClip)
	binary.LittleEndian.PutUint32(hdr[1:5], m.StreamID)
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(m.Rects)/4))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, 4*len(m.Rects))
	for i, v := range m.Rects {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	_, err := w.Write(buf)
	return err
}

// DrawImage is the generic draw-a-decoded-image message, used for
// non-streamed drawables (spec.md §4.2/§4.4).
type DrawImage struct {
	SurfaceID uint32
	Left, Top, Right, Bottom int32
	PixmapCacheID uint64 // 0 if not served from cache
	Data          []byte // compressed/raw bitmap payload, empty if served from cache
}

func (*DrawImage) Type() ServerMessageType { return MsgDrawImage }

func (m *DrawImage) Write(w io.Writer) error {
	var hdr [29]byte
	hdr[0] = byte(MsgDrawImage)
	binary.LittleEndian.PutUint32(hdr[1:5], m.SurfaceID)
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(m.Left))
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(m.Top))
	binary.LittleEndian.PutUint32(hdr[13:17], uint32(m.Right))
	binary.LittleEndian.PutUint32(hdr[17:21], uint32(m.Bottom))
	binary.LittleEndian.PutUint64(hdr[21:29], m.PixmapCacheID)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(m.Data)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Data)
	return err
}

// PaletteInval tells the client a cached palette id is now invalid.
type PaletteInval struct {
	PaletteID uint64
}

func (*PaletteInval) Type() ServerMessageType { return MsgPaletteInval }

func (m *PaletteInval) Write(w io.Writer) error {
	var buf [9]byte
	buf[0] = byte(MsgPaletteInval)
	binary.LittleEndian.PutUint64(buf[1:9], m.PaletteID)
	_, err := w.Write(buf[:])
	return err
}

// MonitorHead describes one output in a MonitorsConfig message.
type MonitorHead struct {
	ID            uint32
	SurfaceID     uint32
	Width, Height uint32
	X, Y          int32
}

// MonitorsConfig announces the current output layout.
type MonitorsConfig struct {
	MaxHeads uint16
	Heads    []MonitorHead
}

func (*MonitorsConfig) Type() ServerMessageType { return MsgMonitorsConfig }

func (m *MonitorsConfig) Write(w io.Writer) error {
	var hdr [5]byte
	hdr[0] = byte(MsgMonitorsConfig)
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(m.Heads)))
	binary.LittleEndian.PutUint16(hdr[3:5], m.MaxHeads)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, h := range m.Heads {
		var buf [24]byte
		binary.LittleEndian.PutUint32(buf[0:4], h.ID)
		binary.LittleEndian.PutUint32(buf[4:8], h.SurfaceID)
		binary.LittleEndian.PutUint32(buf[8:12], h.Width)
		binary.LittleEndian.PutUint32(buf[12:16], h.Height)
		binary.LittleEndian.PutUint32(buf[16:20], uint32(h.X))
		binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Y))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// GLScanout announces a new DMA-buf scanout handle is available; the
// actual fd handoff happens out-of-band (spec.md §6 Non-goals exclude
// the transport of the fd itself), this message carries only the
// metadata the client needs to map it.
type GLScanout struct {
	Width, Height uint32
	Stride        uint32
	Format        uint32
	YInverted     bool
}

func (*GLScanout) Type() ServerMessageType { return MsgGLScanout }

func (m *GLScanout) Write(w io.Writer) error {
	var buf [18]byte
	buf[0] = byte(MsgGLScanout)
	binary.LittleEndian.PutUint32(buf[1:5], m.Width)
	binary.LittleEndian.PutUint32(buf[5:9], m.Height)
	binary.LittleEndian.PutUint32(buf[9:13], m.Stride)
	binary.LittleEndian.PutUint32(buf[13:17], m.Format)
	if m.YInverted {
		buf[17] = 1
	}
	_, err := w.Write(buf[:])
	return err
}

// GLDraw requests the client render the current scanout and reply
// with GLDrawDone once done.
type GLDraw struct {
	Left, Top, Right, Bottom int32
}

func (*GLDraw) Type() ServerMessageType { return MsgGLDraw }

func (m *GLDraw) Write(w io.Writer) error {
	var buf [17]byte
	buf[0] = byte(MsgGLDraw)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(m.Left))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(m.Top))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(m.Right))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(m.Bottom))
	_, err := w.Write(buf[:])
	return err
}
