package watermark

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerlink/safety/internal/models"
)

// ============================================================================
// Helpers
// ============================================================================

func testFrame(w, h int) *models.Frame {
	pix := make([]byte, w*h*4)
	for i := range pix {
		pix[i] = byte(i * 7)
	}
	return &models.Frame{Pix: pix, Width: w, Height: h}
}

func testPayload() models.WatermarkPayload {
	return models.WatermarkPayload{
		UserID:            "user-1",
		PartnerID:         "user|2",
		SessionID:         "sess-42",
		Timestamp:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(123 * time.Millisecond),
		FrameNumber:       77,
		IPHash:            "0123456789abcdef",
		DeviceFingerprint: "fedcba9876543210",
	}
}

// ============================================================================
// Steganography
// ============================================================================

func TestEmbedExtract_RoundTrip(t *testing.T) {
	f := testFrame(64, 64)
	out, err := EmbedPayload(f, testPayload())
	require.NoError(t, err)

	got, ok := ExtractPayload(out.Pix)
	require.True(t, ok)
	assert.Equal(t, testPayload(), got)
}

func TestEmbed_OnlyTouchesColorLSBs(t *testing.T) {
	f := testFrame(64, 64)
	out, err := EmbedPayload(f, testPayload())
	require.NoError(t, err)
	require.Len(t, out.Pix, len(f.Pix))

	for i := range f.Pix {
		if i%4 == 3 {
			assert.Equal(t, f.Pix[i], out.Pix[i], "alpha at %d changed", i)
			continue
		}
		assert.Equal(t, f.Pix[i]&^1, out.Pix[i]&^1, "high bits at %d changed", i)
	}
}

func TestEmbed_DoesNotMutateInput(t *testing.T) {
	f := testFrame(32, 32)
	before := append([]byte(nil), f.Pix...)
	_, err := EmbedPayload(f, testPayload())
	require.NoError(t, err)
	assert.Equal(t, before, f.Pix)
}

func TestEmbed_CapacityError(t *testing.T) {
	f := testFrame(4, 4)
	_, err := EmbedPayload(f, testPayload())
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestExtract_UnmarkedImage(t *testing.T) {
	pix := make([]byte, 64*64*4)
	_, ok := ExtractPayload(pix)
	assert.False(t, ok)
}

func TestExtract_CorruptHeader(t *testing.T) {
	out, err := EmbedPayload(testFrame(64, 64), testPayload())
	require.NoError(t, err)

	// Set the top header bit: the claimed length now exceeds the buffer.
	out.Pix[0] |= 1
	_, ok := ExtractPayload(out.Pix)
	assert.False(t, ok)
}

func TestExtract_TinyBuffer(t *testing.T) {
	_, err := Extract([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestUnmarshal_Rejects(t *testing.T) {
	for name, in := range map[string]string{
		"too few fields": "a|b|c",
		"bad timestamp":  "u|p|s|notanumber|1|h|d",
		"bad frame":      "u|p|s|1|-1|h|d",
		"missing user":   "|p|s|1|1|h|d",
		"bad escape":     "u%zz|p|s|1|1|h|d",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(in))
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestVerify_Tolerance(t *testing.T) {
	p := testPayload()
	q := p
	q.Timestamp = p.Timestamp.Add(5 * time.Second)
	assert.True(t, Verify(p, q))

	q.Timestamp = p.Timestamp.Add(-5*time.Second - time.Millisecond)
	assert.False(t, Verify(p, q))

	q = p
	q.UserID = "someone-else"
	assert.False(t, Verify(p, q))

	q = p
	q.SessionID = "other-session"
	assert.False(t, Verify(p, q))
}

// ============================================================================
// Forensics
// ============================================================================

func TestForensics_StampAndVerify(t *testing.T) {
	w, err := NewForensics(SessionInfo{SessionID: "s1", UserID: "u1", PartnerID: "u2"}, 0, nil)
	require.NoError(t, err)

	var last *models.Frame
	for i := 0; i < 3; i++ {
		last, err = w.Stamp(testFrame(64, 64))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), w.FramesStamped())

	decoded, found, matched := w.VerifyImage(last.Pix)
	require.True(t, found)
	assert.True(t, matched)
	assert.Equal(t, uint64(3), decoded.FrameNumber)
	assert.Equal(t, "u2", decoded.PartnerID)
}

func TestForensics_FrameNumbersAreUniqueUnderConcurrency(t *testing.T) {
	w, err := NewForensics(SessionInfo{SessionID: "s1", UserID: "u1"}, 0, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Stamp(testFrame(32, 32))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), w.FramesStamped())
	assert.Equal(t, 50, w.Retained())
	for n := uint64(1); n <= 50; n++ {
		_, ok := w.Lookup(n)
		assert.True(t, ok, "frame %d", n)
	}
}

func TestForensics_HistoryIsBounded(t *testing.T) {
	w, err := NewForensics(SessionInfo{SessionID: "s1", UserID: "u1"}, 5, nil)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := w.Stamp(testFrame(32, 32))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, w.Retained())
	_, ok := w.Lookup(1)
	assert.False(t, ok, "oldest payload evicted")
	_, ok = w.Lookup(8)
	assert.True(t, ok)
}

func TestForensics_StopRejectsStamp(t *testing.T) {
	w, err := NewForensics(SessionInfo{SessionID: "s1", UserID: "u1"}, 0, nil)
	require.NoError(t, err)
	_, err = w.Stamp(testFrame(32, 32))
	require.NoError(t, err)

	w.Stop()
	w.Stop()
	_, err = w.Stamp(testFrame(32, 32))
	assert.ErrorIs(t, err, ErrStopped)

	_, ok := w.Lookup(1)
	assert.True(t, ok, "payloads stay readable after stop")
}

func TestForensics_VerifyForeignWatermark(t *testing.T) {
	w, err := NewForensics(SessionInfo{SessionID: "s1", UserID: "u1"}, 0, nil)
	require.NoError(t, err)

	foreign := testPayload()
	out, err := EmbedPayload(testFrame(64, 64), foreign)
	require.NoError(t, err)

	_, found, matched := w.VerifyImage(out.Pix)
	assert.True(t, found)
	assert.False(t, matched)
}

// ============================================================================
// Capture detection
// ============================================================================

func TestCaptureDetector_EscalatesExactlyOnce(t *testing.T) {
	var attempts atomic.Int32
	escalations := make(chan []models.CaptureAttempt, 4)
	d := NewCaptureDetector(CaptureConfig{SessionID: "s1", UserID: "u1"},
		func(models.CaptureAttempt) { attempts.Add(1) },
		func(a []models.CaptureAttempt) { escalations <- a },
		nil,
	)
	defer d.Stop()

	methods := []models.CaptureMethod{
		models.CaptureVisibilityLost,
		models.CaptureScreenshotKey,
		models.CaptureClipboardCopy,
		models.CaptureScreenshotKey,
		models.CaptureVisibilityLost,
	}
	for _, m := range methods {
		require.True(t, d.Signal(m))
	}

	require.Eventually(t, func() bool { return attempts.Load() == 5 }, time.Second, 5*time.Millisecond)

	select {
	case got := <-escalations:
		require.Len(t, got, 3)
		assert.Equal(t, 3, got[2].AttemptNumber)
		assert.Equal(t, models.CaptureClipboardCopy, got[2].Method)
	default:
		t.Fatal("expected an escalation")
	}
	assert.Len(t, escalations, 0, "escalation must fire once")

	recorded := d.Attempts()
	require.Len(t, recorded, 5)
	for i, a := range recorded {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, "s1", a.SessionID)
	}
}

func TestCaptureDetector_NoCallbacksAfterStop(t *testing.T) {
	var attempts atomic.Int32
	d := NewCaptureDetector(CaptureConfig{SessionID: "s1", UserID: "u1"},
		func(models.CaptureAttempt) { attempts.Add(1) }, nil, nil)

	require.True(t, d.Signal(models.CaptureScreenshotKey))
	require.Eventually(t, func() bool { return attempts.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.Stop()
	assert.False(t, d.Signal(models.CaptureScreenshotKey))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCaptureDetector_IgnoresUnknownMethod(t *testing.T) {
	d := NewCaptureDetector(CaptureConfig{SessionID: "s1", UserID: "u1"}, nil, nil, nil)
	defer d.Stop()
	assert.False(t, d.Signal("devtools_open"))
	assert.Empty(t, d.Attempts())
}

func TestCaptureDetector_CustomThreshold(t *testing.T) {
	escalated := make(chan int, 1)
	d := NewCaptureDetector(CaptureConfig{SessionID: "s1", UserID: "u1", EscalationThreshold: 1}, nil,
		func(a []models.CaptureAttempt) { escalated <- len(a) }, nil)
	defer d.Stop()

	require.True(t, d.Signal(models.CaptureVisibilityLost))
	select {
	case n := <-escalated:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("no escalation")
	}
}
