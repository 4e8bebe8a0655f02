package moderation

import (
	"sync"

	"github.com/peerlink/safety/internal/models"
)

// EvidenceRing keeps the most recent violating frames, evicting the oldest first.
type EvidenceRing struct {
	mu    sync.Mutex
	buf   []*models.Frame
	start int
	n     int
}

func NewEvidenceRing(capacity int) *EvidenceRing {
	if capacity < 1 {
		capacity = 1
	}
	return &EvidenceRing{buf: make([]*models.Frame, capacity)}
}

// Push stores f. The caller must not modify f afterwards.
func (r *EvidenceRing) Push(f *models.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = f
		r.n++
		return
	}
	r.buf[r.start] = f
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot returns the held frames oldest first.
func (r *EvidenceRing) Snapshot() []*models.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Frame, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *EvidenceRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
