// Package capture opens the camera and microphone through ffmpeg.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"proctor/internal/ports"
)

const (
	frameBuffer   = 2
	maxFrameBytes = 4 << 20
)

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// Config holds the ffmpeg command and input formats.
type Config struct {
	Command     string
	VideoFormat string
	AudioFormat string
}

// FFMPEGDevices implements ports.MediaDevices with one ffmpeg process per track.
type FFMPEGDevices struct {
	cfg    Config
	logger zerolog.Logger
}

func NewFFMPEGDevices(cfg Config, logger zerolog.Logger) *FFMPEGDevices {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.VideoFormat == "" {
		cfg.VideoFormat = "v4l2"
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "pulse"
	}
	return &FFMPEGDevices{cfg: cfg, logger: logger.With().Str("component", "capture").Logger()}
}

// Open starts the requested tracks. If any track fails, the others are stopped.
func (d *FFMPEGDevices) Open(ctx context.Context, constraints ports.MediaConstraints) (ports.MediaStream, error) {
	if !constraints.Video && !constraints.Audio {
		return nil, errors.New("no capture tracks requested")
	}
	constraints = withDefaults(constraints)

	var camera, mic *ffmpegProcess
	var group errgroup.Group
	if constraints.Video {
		group.Go(func() error {
			proc, err := startFFMPEG(ctx, d.cfg.Command, d.videoArgs(constraints))
			if err != nil {
				return fmt.Errorf("camera: %w", err)
			}
			camera = proc
			return nil
		})
	}
	if constraints.Audio {
		group.Go(func() error {
			proc, err := startFFMPEG(ctx, d.cfg.Command, d.audioArgs(constraints))
			if err != nil {
				return fmt.Errorf("microphone: %w", err)
			}
			mic = proc
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for _, proc := range []*ffmpegProcess{camera, mic} {
			if proc != nil {
				_ = proc.Stop()
			}
		}
		return nil, err
	}

	stream := newMediaStream(camera, mic, constraints, d.logger)
	d.logger.Info().Int("tracks", len(stream.tracks)).Msg("capture opened")
	return stream, nil
}

func withDefaults(c ports.MediaConstraints) ports.MediaConstraints {
	if c.VideoDevice == "" {
		c.VideoDevice = "/dev/video0"
	}
	if c.AudioDevice == "" {
		c.AudioDevice = "default"
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 640, 480
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 15
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

func (d *FFMPEGDevices) videoArgs(c ports.MediaConstraints) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.VideoFormat,
		"-framerate", strconv.Itoa(c.FrameRate),
		"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-i", c.VideoDevice,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	}
}

func (d *FFMPEGDevices) audioArgs(c ports.MediaConstraints) []string {
	format := c.AudioFormat
	if format == "" {
		format = d.cfg.AudioFormat
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-i", c.AudioDevice,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-f", "s16le",
		"-",
	}
}

type mediaStream struct {
	tracks []ports.MediaTrack
	camera *ffmpegProcess
	mic    *ffmpegProcess
	frames chan []byte
	logger zerolog.Logger

	stopOnce sync.Once
	stopErr  error
}

func newMediaStream(camera *ffmpegProcess, mic *ffmpegProcess, c ports.MediaConstraints, logger zerolog.Logger) *mediaStream {
	s := &mediaStream{
		camera: camera,
		mic:    mic,
		frames: make(chan []byte, frameBuffer),
		logger: logger,
	}
	if camera != nil {
		s.tracks = append(s.tracks, ports.MediaTrack{Kind: "video", Label: c.VideoDevice})
		go s.readFrames(camera.stdout)
	} else {
		close(s.frames)
	}
	if mic != nil {
		s.tracks = append(s.tracks, ports.MediaTrack{Kind: "audio", Label: c.AudioDevice})
	}
	return s
}

func (s *mediaStream) Tracks() []ports.MediaTrack {
	return append([]ports.MediaTrack(nil), s.tracks...)
}

func (s *mediaStream) Audio() io.Reader {
	if s.mic == nil {
		return nil
	}
	return s.mic.stdout
}

func (s *mediaStream) Frames() <-chan []byte {
	return s.frames
}

func (s *mediaStream) Stop() error {
	s.stopOnce.Do(func() {
		var errs []error
		if s.camera != nil {
			if err := s.camera.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("camera: %w", err))
			}
		}
		if s.mic != nil {
			if err := s.mic.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("microphone: %w", err))
			}
		}
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}

func (s *mediaStream) readFrames(stdout io.Reader) {
	defer close(s.frames)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)
	scanner.Split(scanJPEGFrames)
	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		s.push(frame)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("camera frame reader stopped")
	}
}

// push delivers frame, dropping the oldest queued frame when the sink lags.
func (s *mediaStream) push(frame []byte) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// scanJPEGFrames is a bufio.SplitFunc yielding complete JPEG images from an
// MJPEG byte stream.
func scanJPEGFrames(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}
