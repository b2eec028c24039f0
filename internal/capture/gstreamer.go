package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/AleSMC/ESP32-Video-Rover/internal/framebuffer"
)

// GStreamerConfig configures a GStreamerSource.
type GStreamerConfig struct {
	URL    string
	Width  int
	Height int

	// StallTimeout fails Next when no frame arrives for this long.
	// Zero waits forever.
	StallTimeout time.Duration
}

// GStreamerSource decodes the rover MJPEG stream through a GStreamer
// pipeline and yields RGB frames.
//
// Pipeline structure:
//
//	souphttpsrc → multipartdemux → jpegdec → videoconvert → videoscale →
//	capsfilter(RGB) → appsink
//
// The appsink keeps one buffer and drops older ones; the internal hand-off
// channel does the same, so Next always sees the newest decoded frame.
type GStreamerSource struct {
	cfg      GStreamerConfig
	pipeline *gst.Pipeline
	sink     *app.Sink

	frames chan *framebuffer.Frame
	errs   chan error

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	frameCount atomic.Uint64
	dropped    atomic.Uint64
	bytesRead  atomic.Uint64
}

// CheckGStreamer verifies the plugins the pipeline needs are installed.
func CheckGStreamer() error {
	gst.Init(nil)

	for _, name := range []string{"souphttpsrc", "multipartdemux", "jpegdec", "videoconvert", "videoscale"} {
		elem, err := gst.NewElement(name)
		if err != nil {
			return fmt.Errorf("capture: gstreamer element %s not available: %w", name, err)
		}
		elem.SetState(gst.StateNull)
	}
	return nil
}

// NewGStreamerSource builds and starts the pipeline. It returns once the
// pipeline is PLAYING; frames arrive asynchronously.
func NewGStreamerSource(cfg GStreamerConfig) (*GStreamerSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("capture: gstreamer url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: gstreamer resolution must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if err := CheckGStreamer(); err != nil {
		return nil, err
	}

	s := &GStreamerSource{
		cfg:    cfg,
		frames: make(chan *framebuffer.Frame, 1),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	if err := s.build(); err != nil {
		return nil, err
	}

	s.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		s.pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: start pipeline: %w", err)
	}

	s.wg.Add(1)
	go s.monitorBus()

	slog.Info("capture: gstreamer pipeline started",
		"url", cfg.URL,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
	)
	return s, nil
}

func (s *GStreamerSource) build() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("capture: create pipeline: %w", err)
	}

	src, err := gst.NewElement("souphttpsrc")
	if err != nil {
		return fmt.Errorf("capture: create souphttpsrc: %w", err)
	}
	src.SetProperty("location", s.cfg.URL)
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)
	src.SetProperty("timeout", uint(5))

	demux, err := gst.NewElement("multipartdemux")
	if err != nil {
		return fmt.Errorf("capture: create multipartdemux: %w", err)
	}

	dec, err := gst.NewElement("jpegdec")
	if err != nil {
		return fmt.Errorf("capture: create jpegdec: %w", err)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("capture: create videoconvert: %w", err)
	}

	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("capture: create videoscale: %w", err)
	}

	caps, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("capture: create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", s.cfg.Width, s.cfg.Height)
	caps.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("capture: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, demux, dec, convert, scale, caps, sink.Element)

	if err := src.Link(demux); err != nil {
		return fmt.Errorf("capture: link souphttpsrc → multipartdemux: %w", err)
	}
	if err := gst.ElementLinkMany(dec, convert, scale, caps, sink.Element); err != nil {
		return fmt.Errorf("capture: link decode chain: %w", err)
	}

	// multipartdemux creates its source pad once the first part arrives.
	demux.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := dec.GetStaticPad("sink")
		if sinkPad == nil {
			slog.Error("capture: jpegdec has no sink pad")
			return
		}
		if sinkPad.IsLinked() {
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Error("capture: failed to link demux pad", "pad", srcPad.GetName(), "ret", ret)
			return
		}
		slog.Debug("capture: demux pad linked", "pad", srcPad.GetName())
	})

	s.pipeline = pipeline
	s.sink = sink
	return nil
}

// onNewSample copies the decoded buffer out of GStreamer memory and hands it
// to Next, replacing any frame Next has not picked up yet.
func (s *GStreamerSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	s.frameCount.Add(1)
	s.bytesRead.Add(uint64(len(frameData)))

	frame := &framebuffer.Frame{
		Data:      frameData,
		Format:    "rgb",
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Timestamp: time.Now(),
		TraceID:   uuid.New().String(),
	}

	select {
	case s.frames <- frame:
	default:
		select {
		case <-s.frames:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.frames <- frame:
		default:
			s.dropped.Add(1)
		}
	}
	return gst.FlowOK
}

// monitorBus turns pipeline errors and EOS into a terminal error for Next.
func (s *GStreamerSource) monitorBus() {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("capture: gstreamer end of stream", "frames", s.frameCount.Load())
			s.fail(fmt.Errorf("%w: gstreamer end of stream", framebuffer.ErrNoFrame))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			cause := fmt.Errorf("%s (%s)", gerr.Error(), gerr.DebugString())
			category := classifyMessage(cause.Error())
			slog.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"frames", s.frameCount.Load(),
			)
			s.fail(&SourceError{Category: category, Err: cause})
			return
		}
	}
}

func (s *GStreamerSource) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Next blocks until a decoded frame, a pipeline error, Close, ctx or the
// stall timeout.
func (s *GStreamerSource) Next(ctx context.Context) (*framebuffer.Frame, error) {
	var stall <-chan time.Time
	if s.cfg.StallTimeout > 0 {
		timer := time.NewTimer(s.cfg.StallTimeout)
		defer timer.Stop()
		stall = timer.C
	}

	select {
	case <-stall:
		return nil, &SourceError{
			Category: CategoryNetwork,
			Err:      fmt.Errorf("%w after %s", ErrStalled, s.cfg.StallTimeout),
		}
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, framebuffer.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the pipeline and waits for the bus monitor. Idempotent.
func (s *GStreamerSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		if serr := s.pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("capture: stop pipeline: %w", serr)
		}
		slog.Debug("capture: gstreamer pipeline stopped",
			"frames", s.frameCount.Load(),
			"dropped", s.dropped.Load(),
		)
	})
	return err
}

// Stats reports counters since the pipeline started.
func (s *GStreamerSource) Stats() SourceStats {
	return SourceStats{
		Kind:      "gstreamer",
		Frames:    s.frameCount.Load(),
		Skipped:   s.dropped.Load(),
		BytesRead: s.bytesRead.Load(),
	}
}
