package media

import (
	"context"
	"sync"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/peerlink/safety/internal/models"
)

// DefaultFeedBuffer is the number of frames a FeedDevice holds before dropping.
const DefaultFeedBuffer = 8

// FeedDevice is a Device whose frames are pushed by a remote client, e.g. a browser
// streaming canvas snapshots over WebSocket.
type FeedDevice struct {
	mu     sync.RWMutex
	closed bool
	frames chan *models.Frame
	audio  chan pionmedia.Sample
}

// NewFeedDevice creates a feed with room for buffer frames.
func NewFeedDevice(buffer int) *FeedDevice {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &FeedDevice{
		frames: make(chan *models.Frame, buffer),
		audio:  make(chan pionmedia.Sample, buffer),
	}
}

// Open fails with ErrNoDevice once the feed is closed.
func (d *FeedDevice) Open(context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrNoDevice
	}
	return nil
}

func (d *FeedDevice) Frames() <-chan *models.Frame   { return d.frames }
func (d *FeedDevice) Audio() <-chan pionmedia.Sample { return d.audio }

// PushFrame offers a frame without blocking. It reports false when the feed is closed or full.
func (d *FeedDevice) PushFrame(f *models.Frame) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.frames <- f:
		return true
	default:
		return false
	}
}

// PushAudio offers an audio sample without blocking.
func (d *FeedDevice) PushAudio(s pionmedia.Sample) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.audio <- s:
		return true
	default:
		return false
	}
}

// Close closes both channels. Safe to call more than once.
func (d *FeedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.frames)
	close(d.audio)
	return nil
}
