// Package media owns the local capture device and the outgoing pion tracks fed from it.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"github.com/peerlink/safety/internal/models"
)

var (
	// ErrPermissionDenied is returned by a Device that the user refused access to.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrNoDevice is returned when no capture device is present.
	ErrNoDevice = errors.New("media: no capture device")
)

const (
	streamID      = "peerlink"
	frameDuration = time.Second / 30
)

// Device is a camera plus microphone. Open fails with ErrPermissionDenied or ErrNoDevice.
// Frames and Audio are closed by the device after Close.
type Device interface {
	Open(ctx context.Context) error
	Frames() <-chan *models.Frame
	Audio() <-chan pionmedia.Sample
	Close() error
}

// Encoder compresses a raw frame for the video track.
type Encoder interface {
	Encode(f *models.Frame) ([]byte, error)
}

// FrameHook transforms each outgoing frame before encoding. It runs synchronously on the
// capture goroutine.
type FrameHook func(f *models.Frame) (*models.Frame, error)

// FrameSink receives every outgoing frame after the hook ran, e.g. to relay it to the
// partner over WebSocket.
type FrameSink func(f *models.Frame) error

// Local is an open capture device with its outgoing tracks.
type Local struct {
	device  Device
	encoder Encoder
	video   *webrtc.TrackLocalStaticSample
	audio   *webrtc.TrackLocalStaticSample
	logger  *zap.Logger

	videoOn atomic.Bool
	audioOn atomic.Bool
	latest  atomic.Pointer[models.Frame]
	sent    atomic.Pointer[models.Frame]
	frames  atomic.Uint64

	hookMu sync.RWMutex
	hook   FrameHook
	sink   FrameSink

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open acquires the device and starts pumping it into new VP8 and Opus tracks. encoder may
// be nil, in which case frames only reach the sink.
func Open(ctx context.Context, device Device, encoder Encoder, logger *zap.Logger) (*Local, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if device == nil {
		return nil, ErrNoDevice
	}
	if err := device.Open(ctx); err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		_ = device.Close()
		return nil, fmt.Errorf("video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		_ = device.Close()
		return nil, fmt.Errorf("audio track: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	l := &Local{
		device:  device,
		encoder: encoder,
		video:   video,
		audio:   audio,
		logger:  logger,
		cancel:  cancel,
	}
	l.videoOn.Store(true)
	l.audioOn.Store(true)

	l.wg.Add(2)
	go l.pumpVideo(pumpCtx)
	go l.pumpAudio(pumpCtx)
	logger.Info("local media opened")
	return l, nil
}

// Tracks returns the outgoing tracks to add to a peer connection.
func (l *Local) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{l.audio, l.video}
}

// SetVideoEnabled mutes or unmutes video without renegotiation.
func (l *Local) SetVideoEnabled(on bool) { l.videoOn.Store(on) }

// SetAudioEnabled mutes or unmutes audio without renegotiation.
func (l *Local) SetAudioEnabled(on bool) { l.audioOn.Store(on) }

func (l *Local) VideoEnabled() bool { return l.videoOn.Load() }
func (l *Local) AudioEnabled() bool { return l.audioOn.Load() }

// SetFrameHook installs or clears (nil) the outgoing frame transform.
func (l *Local) SetFrameHook(h FrameHook) {
	l.hookMu.Lock()
	l.hook = h
	l.hookMu.Unlock()
}

// SetFrameSink installs or clears (nil) the outgoing frame sink.
func (l *Local) SetFrameSink(s FrameSink) {
	l.hookMu.Lock()
	l.sink = s
	l.hookMu.Unlock()
}

// LatestFrame returns the most recent captured frame, before any hook ran.
func (l *Local) LatestFrame() (*models.Frame, bool) {
	f := l.latest.Load()
	return f, f != nil
}

// LatestSent returns the most recent frame that left through the sink or the video track.
func (l *Local) LatestSent() (*models.Frame, bool) {
	f := l.sent.Load()
	return f, f != nil
}

// FramesCaptured counts frames read from the device.
func (l *Local) FramesCaptured() uint64 { return l.frames.Load() }

// Close stops the pumps and releases the device. Safe to call more than once.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.device.Close()
		l.wg.Wait()
		l.logger.Info("local media released", zap.Uint64("frames", l.frames.Load()))
	})
	return l.closeErr
}

func (l *Local) pumpVideo(ctx context.Context) {
	defer l.wg.Done()
	frames := l.device.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			l.frames.Add(1)
			l.latest.Store(f)
			if err := l.sendFrame(f); err != nil {
				l.logger.Debug("video frame dropped", zap.Error(err))
			}
		}
	}
}

func (l *Local) sendFrame(f *models.Frame) error {
	if !l.videoOn.Load() {
		return nil
	}
	// Hook and sink are read together so a frame never skips a hook its sink expects.
	l.hookMu.RLock()
	hook, sink := l.hook, l.sink
	l.hookMu.RUnlock()
	if hook != nil {
		out, err := hook(f)
		if err != nil {
			return fmt.Errorf("frame hook: %w", err)
		}
		f = out
	}
	if sink == nil && l.encoder == nil {
		return nil
	}
	if sink != nil {
		if err := sink(f); err != nil {
			return fmt.Errorf("frame sink: %w", err)
		}
	}
	if l.encoder != nil {
		data, err := l.encoder.Encode(f)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		if err := l.video.WriteSample(pionmedia.Sample{Data: data, Duration: frameDuration}); err != nil {
			return err
		}
	}
	l.sent.Store(f)
	return nil
}

func (l *Local) pumpAudio(ctx context.Context) {
	defer l.wg.Done()
	samples := l.device.Audio()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			if !l.audioOn.Load() {
				continue
			}
			if err := l.audio.WriteSample(s); err != nil {
				l.logger.Debug("audio sample dropped", zap.Error(err))
			}
		}
	}
}
