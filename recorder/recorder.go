// Package recorder captures a promoted video stream's frames to an
// MJPEG/AVI file for diagnostics and QA, generalizing the teacher's
// FBS recorder (fbs-connection.go/fbs-reader.go, which records every
// RFB rectangle to a replayable .rbs file) from "record the whole RFB
// session" to "record one client's video-stream output" using the
// same icza/mjpeg muxer the teacher's own encoders/mjpeg-enc.go wires.
package recorder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	"github.com/icza/mjpeg"

	"github.com/spice-display/corestream/logger"
)

// Session captures one video stream's frames to an AVI container.
type Session struct {
	log     logger.Logger
	writer  mjpeg.AviWriter
	quality int
	width   int32
	height  int32

	frameCount int
}

// Options configures a new recording Session.
type Options struct {
	// Path is the output file path; a ".avi" suffix is appended if
	// missing, matching the teacher's MJPegImageEncoder.Init.
	Path string
	// Width/Height are the stream's fixed dimensions -- the AVI
	// container requires them up front, unlike the raw per-frame
	// JPEG stream this package also accepts.
	Width, Height int32
	// Framerate defaults to 5 (the teacher's own default) when <= 0.
	Framerate int32
	// Quality is the JPEG encoding quality; <= 0 uses image/jpeg's
	// own default.
	Quality int
}

// New opens a new recording session, grounded on
// MJPegImageEncoder.Init's filename-suffix and framerate-default
// handling.
func New(opts Options, log logger.Logger) (*Session, error) {
	if log == nil {
		log = logger.Default()
	}
	path := opts.Path
	if !strings.HasSuffix(path, ".avi") {
		path += ".avi"
	}
	framerate := opts.Framerate
	if framerate <= 0 {
		framerate = 5
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("recorder: width/height must be positive, got %dx%d", opts.Width, opts.Height)
	}

	w, err := mjpeg.New(path, opts.Width, opts.Height, framerate)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	return &Session{
		log:     log,
		writer:  w,
		quality: opts.Quality,
		width:   opts.Width,
		height:  opts.Height,
	}, nil
}

// AddFrame JPEG-encodes img and appends it as the next video frame,
// mirroring MJPegImageEncoder.Encode.
func (s *Session) AddFrame(img image.Image) error {
	b := img.Bounds()
	if int32(b.Dx()) != s.width || int32(b.Dy()) != s.height {
		return fmt.Errorf("recorder: frame size %dx%d does not match session %dx%d", b.Dx(), b.Dy(), s.width, s.height)
	}

	buf := &bytes.Buffer{}
	var jOpts *jpeg.Options
	if s.quality > 0 {
		jOpts = &jpeg.Options{Quality: s.quality}
	}
	if err := jpeg.Encode(buf, img, jOpts); err != nil {
		return fmt.Errorf("recorder: encode frame %d: %w", s.frameCount, err)
	}
	if err := s.writer.AddFrame(buf.Bytes()); err != nil {
		return fmt.Errorf("recorder: write frame %d: %w", s.frameCount, err)
	}
	s.frameCount++
	return nil
}

// AddEncodedFrame appends an already-JPEG-encoded frame, for callers
// that captured a stream already compressed to MethodJpeg and want to
// avoid a re-encode round trip.
func (s *Session) AddEncodedFrame(jpegData []byte) error {
	if err := s.writer.AddFrame(jpegData); err != nil {
		return fmt.Errorf("recorder: write encoded frame %d: %w", s.frameCount, err)
	}
	s.frameCount++
	return nil
}

// Frames reports how many frames have been written so far.
func (s *Session) Frames() int { return s.frameCount }

// Close finalizes the AVI container.
func (s *Session) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("recorder: close: %w", err)
	}
	s.log.Debugf("recorder: closed session after %d frames", s.frameCount)
	return nil
}
