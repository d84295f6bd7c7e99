package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ediacarium/walkie-talkie-pi/internal/audiochunk"
)

// mockPAStream implements paStream for testing. Read() and Write() block
// until unblockCh is closed (simulating a real blocking PortAudio call).
// Stop() closes unblockCh so the blocked calls return, just like a real
// Pa_AbortStream would.
type mockPAStream struct {
	unblockCh chan struct{}
	stopped   atomic.Bool
	started   atomic.Bool
	closed    atomic.Bool
	// If set, Read/Write will NOT unblock when Stop() is called —
	// simulating a broken PortAudio backend.
	brokenStop bool
	// blockedInRead/blockedInWrite are set just before blocking, so tests
	// can wait for goroutines to be truly blocked before calling Stop().
	blockedInRead  atomic.Bool
	blockedInWrite atomic.Bool
}

func newMockPAStream(broken bool) *mockPAStream {
	return &mockPAStream{
		unblockCh:  make(chan struct{}),
		brokenStop: broken,
	}
}

func (m *mockPAStream) Start() error {
	m.started.Store(true)
	return nil
}

func (m *mockPAStream) Stop() error {
	m.stopped.Store(true)
	if !m.brokenStop {
		select {
		case <-m.unblockCh:
		default:
			close(m.unblockCh)
		}
	}
	return nil
}

func (m *mockPAStream) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockPAStream) Read() error {
	m.blockedInRead.Store(true)
	<-m.unblockCh
	return fmt.Errorf("stream stopped")
}

func (m *mockPAStream) Write() error {
	m.blockedInWrite.Store(true)
	<-m.unblockCh
	return fmt.Errorf("stream stopped")
}

// waitBlocked spins until both the capture and playback mocks report they
// are blocked inside Read()/Write(), or until the timeout expires.
func waitBlocked(t *testing.T, capture, playback *mockPAStream, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for !capture.blockedInRead.Load() || !playback.blockedInWrite.Load() {
		select {
		case <-deadline:
			t.Fatalf("goroutines did not block in Read/Write within %v (read=%v write=%v)",
				timeout, capture.blockedInRead.Load(), playback.blockedInWrite.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// recordingSink collects every chunk handed to it, for assertions.
type recordingSink struct {
	mu     sync.Mutex
	chunks []audiochunk.Chunk
}

func (s *recordingSink) Accept(chunk audiochunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// fixedSource always reports the same window as ready.
type fixedSource struct {
	samples []int16
}

func (s *fixedSource) GetNext(length int) ([]int16, bool) {
	if len(s.samples) < length {
		return nil, false
	}
	return s.samples[:length], true
}

// startWithMocks wires mock streams the same way Start() does, but
// without touching real PortAudio, and with no playback delay.
func startWithMocks(e *Engine, capture, playback *mockPAStream) {
	e.mu.Lock()
	e.captureStream = capture
	e.playbackStream = playback
	e.stopCh = make(chan struct{})
	e.position = 1
	e.running.Store(true)
	e.mu.Unlock()

	captureBuf := make([]int16, e.params.WriteBucketLen)
	playbackBuf := make([]int16, e.params.ReadBucketLen)

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.captureLoop(captureBuf) }()
	go func() { defer e.wg.Done(); e.playbackLoop(playbackBuf) }()
}

// TestStopReturnsWhenStreamsUnblock verifies that Stop() completes
// promptly when Stop() on the mock unblocks Read()/Write().
func TestStopReturnsWhenStreamsUnblock(t *testing.T) {
	e := New(Params{WriteBucketLen: 8, ReadBucketLen: 8, SampleRate: 44100}, &recordingSink{}, &fixedSource{})
	capture := newMockPAStream(false)
	playback := newMockPAStream(false)
	startWithMocks(e, capture, playback)

	waitBlocked(t, capture, playback, 2*time.Second)

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() blocked for >2s — stream Stop() likely failed to unblock Read/Write")
	}

	if !capture.stopped.Load() || !playback.stopped.Load() {
		t.Fatal("expected both streams to be stopped")
	}
	if !capture.closed.Load() || !playback.closed.Load() {
		t.Fatal("expected both streams to be closed")
	}
}

// TestCaptureLoopTagsMonotonePositions checks that successive chunks get
// positions stepping by the write-bucket length, starting at 1.
func TestCaptureLoopTagsMonotonePositions(t *testing.T) {
	sink := &recordingSink{}
	e := New(Params{SourceID: 5, WriteBucketLen: 4, ReadBucketLen: 4, SampleRate: 44100}, sink, &fixedSource{})
	e.position = 1
	e.running.Store(true)

	buf := []int16{10, 20, 30, 40}
	stream := &countedReadStream{buf: buf, succeed: 3, engine: e}
	e.captureStream = stream
	e.stopCh = make(chan struct{})

	e.captureLoop(buf)

	if sink.count() != 3 {
		t.Fatalf("got %d chunks, want 3", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	wantPositions := []uint64{1, 5, 9}
	for i, c := range sink.chunks {
		if c.Position != wantPositions[i] {
			t.Fatalf("chunk[%d].Position = %d, want %d", i, c.Position, wantPositions[i])
		}
		if c.SourceID != 5 {
			t.Fatalf("chunk[%d].SourceID = %d, want 5", i, c.SourceID)
		}
	}
}

// countedReadStream succeeds exactly `succeed` times, then stops the
// engine and returns an error so captureLoop exits cleanly.
type countedReadStream struct {
	buf     []int16
	succeed int
	n       int
	engine  *Engine
}

func (c *countedReadStream) Start() error { return nil }
func (c *countedReadStream) Stop() error  { return nil }
func (c *countedReadStream) Close() error { return nil }
func (c *countedReadStream) Write() error { return nil }
func (c *countedReadStream) Read() error {
	c.n++
	if c.n > c.succeed {
		c.engine.running.Store(false)
		return fmt.Errorf("no more frames")
	}
	return nil
}

func TestPlaybackLoopSubstitutesSilenceWhenSourceNotReady(t *testing.T) {
	e := New(Params{WriteBucketLen: 4, ReadBucketLen: 4, SampleRate: 1e9}, &recordingSink{}, &notReadySource{})
	e.running.Store(true)
	e.stopCh = make(chan struct{})
	playback := &onceWriteStream{}
	e.playbackStream = playback

	buf := []int16{1, 2, 3, 4}
	go e.playbackLoop(buf)

	time.Sleep(20 * time.Millisecond)
	e.running.Store(false)
	close(e.stopCh)

	for _, v := range buf {
		if v != 0 {
			t.Fatalf("expected playback buffer to be zeroed, got %v", buf)
		}
	}
}

type notReadySource struct{}

func (notReadySource) GetNext(length int) ([]int16, bool) { return nil, false }

type onceWriteStream struct{}

func (onceWriteStream) Start() error { return nil }
func (onceWriteStream) Stop() error  { return nil }
func (onceWriteStream) Close() error { return nil }
func (onceWriteStream) Read() error  { return nil }
func (onceWriteStream) Write() error { return nil }

func TestApplyVolumeScalesAndClamps(t *testing.T) {
	buf := []int16{100, -100, 32000, -32000}
	applyVolume(buf, 2.0)
	want := []int16{200, -200, 32767, -32768}
	for i, s := range want {
		if buf[i] != s {
			t.Fatalf("buf[%d] = %d, want %d", i, buf[i], s)
		}
	}
}

func TestApplyVolumeUnityIsNoOp(t *testing.T) {
	buf := []int16{1, -2, 3}
	applyVolume(buf, 1.0)
	if buf[0] != 1 || buf[1] != -2 || buf[2] != 3 {
		t.Fatalf("unity gain mutated buffer: %v", buf)
	}
}

func TestNewDefaultsVolumeToUnity(t *testing.T) {
	e := New(Params{WriteBucketLen: 4, ReadBucketLen: 4}, &recordingSink{}, &fixedSource{})
	if e.params.Volume != 1.0 {
		t.Fatalf("default volume = %v, want 1.0", e.params.Volume)
	}
}
