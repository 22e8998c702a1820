package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/pflag"

	"github.com/spice-display/corestream/channel"
	"github.com/spice-display/corestream/config"
	"github.com/spice-display/corestream/device"
	"github.com/spice-display/corestream/logger"
	"github.com/spice-display/corestream/memslot"
	"github.com/spice-display/corestream/qxlparse"
	"github.com/spice-display/corestream/transport"
	"github.com/spice-display/corestream/wire"
)

func main() {
	var configPath string
	pre := pflag.NewFlagSet("displayworker", pflag.ContinueOnError)
	pre.StringVar(&configPath, "config", "", "optional YAML limits file")
	pre.ParseErrorsWhitelist.UnknownFlags = true
	_ = pre.Parse(os.Args[1:])

	limits, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "displayworker:", err)
		os.Exit(1)
	}

	listenAddr := pflag.String("listen", ":5924", "tcp address to accept display channel connections on")
	pflag.String("config", configPath, "optional YAML limits file (see --config above)")
	limits.BindFlags(pflag.CommandLine)
	pflag.Parse()

	log := logger.Default()

	// A real deployment supplies a guest-memory-mapped device.Driver;
	// the null driver below lets this entrypoint run and accept
	// viewer connections with no guest activity, which is enough to
	// exercise the init handshake, migration and disconnect paths
	// (spec.md §6 explicitly leaves the driver an external
	// collaborator -- see DESIGN.md).
	driver := &nullDriver{}
	guest := &qxlparse.Guest{Slots: memslot.NewInfo(1, 1, 32, 1), Group: 0}

	w := NewWorker(driver, guest, limits, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "displayworker:", err)
		os.Exit(1)
	}
	defer ln.Close()

	log.Infof("displayworker: listening on %s", ln.Addr())
	acceptLoop(ctx, ln, w, log)
}

// acceptLoop is the accept-and-dispatch loop, grounded on the
// teacher's own Serve(ctx, ln, cfg): accept, hand the connection to a
// per-connection goroutine, keep going.
func acceptLoop(ctx context.Context, ln net.Listener, w *Worker, log logger.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("displayworker: accept: %v", err)
				continue
			}
		}
		go serveConn(w, conn, log)
	}
}

func serveConn(w *Worker, conn net.Conn, log logger.Logger) {
	stream := transport.New(conn)
	c := w.AddClient(stream, false)
	defer w.RemoveClient(c.ID)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		writePump(c, stop)
		close(done)
	}()

	readPump(c, stream, log)
	close(stop)
	<-done
}

// writePump flushes c's pipe to the wire every time something is
// enqueued, mirroring the teacher's ServerMessageCh select loop in
// ServerConn.Handle.
func writePump(c *channel.Client, stop chan struct{}) {
	for c.Wait(stop) {
		if err := c.Flush(); err != nil {
			return
		}
	}
}

// readPump decodes one ClientMessageType tag at a time and dispatches
// to the matching channel.Client handler, mirroring the teacher's
// clientLoop message-type dispatch in ServerConn.Handle.
func readPump(c *channel.Client, stream *transport.Stream, log logger.Logger) {
	for {
		var tag [1]byte
		if _, err := io.ReadFull(stream, tag[:]); err != nil {
			return
		}

		switch wire.ClientMessageType(tag[0]) {
		case wire.MsgDisplayInit:
			var m wire.DisplayInit
			if err := m.Read(stream); err != nil {
				return
			}
			if err := c.HandleDisplayInit(&m); err != nil {
				log.Warnf("displayworker: client %d: %v", c.ID, err)
			}
		case wire.MsgPreferredCompression:
			var m wire.PreferredCompression
			if err := m.Read(stream); err != nil {
				return
			}
			if err := c.HandlePreferredCompression(&m); err != nil {
				log.Warnf("displayworker: client %d: %v", c.ID, err)
			}
		case wire.MsgPreferredVideoCodecType:
			var m wire.PreferredVideoCodecType
			if err := m.Read(stream); err != nil {
				return
			}
			if err := c.HandlePreferredVideoCodecType(&m); err != nil {
				log.Warnf("displayworker: client %d: %v", c.ID, err)
			}
		case wire.MsgStreamReport:
			var m wire.StreamReport
			if err := m.Read(stream); err != nil {
				return
			}
			onReport := func(streamID uint32, r *wire.StreamReport) {
				c.UpdateStreamPlaybackDelay(streamID, r.LastFrameDelay)
			}
			if err := c.HandleStreamReport(&m, onReport); err != nil {
				log.Warnf("displayworker: client %d: %v", c.ID, err)
			}
		case wire.MsgGLDrawDone:
			var m wire.GLDrawDone
			if err := m.Read(stream); err != nil {
				return
			}
			c.HandleGLDrawDone()
		default:
			log.Warnf("displayworker: client %d: unknown message type %d", c.ID, tag[0])
			return
		}
	}
}

// nullDriver is a device.Driver that never has a command ready. It
// lets the worker loop and accept loop run without a real guest
// behind them.
type nullDriver struct{}

func (nullDriver) GetCommand() (device.CommandExt, bool)       { return device.CommandExt{}, false }
func (nullDriver) RequestCommandNotification()                 {}
func (nullDriver) ReleaseResource(device.ReleaseInfoExt)        {}
func (nullDriver) GetCursorCommand() (device.CommandExt, bool)  { return device.CommandExt{}, false }
func (nullDriver) RequestCursorNotification()                  {}
func (nullDriver) FlushResources()                              {}
func (nullDriver) SetClientCapabilities(present bool, caps [58]uint32) {}
func (nullDriver) ClientMonitorsConfig(cfg device.MonitorsConfig) bool { return false }
func (nullDriver) AttachedWorker() bool                          { return true }
func (nullDriver) SetCompressionLevel(level int)                {}
func (nullDriver) GetInitInfo() device.InitInfo                 { return device.InitInfo{} }
