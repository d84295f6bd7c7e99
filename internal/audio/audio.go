// Package audio drives the local PCM device: a capture loop that tags
// fixed-size sample windows and hands them to a sink, and a playback loop
// that pulls a mixed window from a source and writes it out.
package audio

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/Ediacarium/walkie-talkie-pi/internal/audiochunk"
)

// DefaultSampleRate is the nominal PCM rate used when Params doesn't
// specify one; the device may negotiate a different actual rate, which
// is logged as a diagnostic rather than treated as an error.
const DefaultSampleRate = 44100

// Channels is fixed at 1: every stream is interleaved mono.
const Channels = 1

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// Sink receives one completed capture chunk at a time. Production code
// wires this to the gossip layer's Sender; tests can record chunks
// in-memory instead.
type Sink interface {
	Accept(chunk audiochunk.Chunk)
}

// Source supplies the next mixed playback window. Production code wires
// this to the mixer's AudioBuffer.GetNext.
type Source interface {
	GetNext(length int) ([]int16, bool)
}

// Params configures one Engine.
type Params struct {
	SourceID       uint16
	InputDeviceID  int // -1 selects the host default
	OutputDeviceID int // -1 selects the host default
	WriteBucketLen int // capture chunk size in samples
	ReadBucketLen  int // playback chunk size in samples
	SampleRate     float64
	PlaybackDelay  time.Duration // delay before playback starts, letting rings fill
	Volume         float64       // output gain; 1.0 is unity
}

// Engine owns the PortAudio streams and the two loop goroutines.
type Engine struct {
	mu sync.Mutex

	params Params
	sink   Sink
	source Source

	captureStream  paStream
	playbackStream paStream

	position uint64 // next absolute position to tag an outgoing chunk with

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an Engine. sink and source must be non-nil before Start is
// called.
func New(params Params, sink Sink, source Source) *Engine {
	if params.SampleRate == 0 {
		params.SampleRate = DefaultSampleRate
	}
	if params.Volume == 0 {
		params.Volume = 1.0
	}
	return &Engine{params: params, sink: sink, source: source}
}

// Start opens the capture and playback PortAudio streams and launches
// their loop goroutines. Playback's goroutine waits out params.PlaybackDelay
// before touching the mixer, so initial ring warmup is guaranteed; capture
// starts immediately.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("audio: enumerate devices: %w", err)
	}
	inputDev, err := resolveDevice(devices, e.params.InputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return fmt.Errorf("audio: resolve input device: %w", err)
	}
	outputDev, err := resolveDevice(devices, e.params.OutputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return fmt.Errorf("audio: resolve output device: %w", err)
	}

	captureBuf := make([]int16, e.params.WriteBucketLen)
	captureStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: Channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      e.params.SampleRate,
		FramesPerBuffer: len(captureBuf),
	}, captureBuf)
	if err != nil {
		return fmt.Errorf("audio: open capture stream: %w", err)
	}

	playbackBuf := make([]int16, e.params.ReadBucketLen)
	playbackStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: Channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      e.params.SampleRate,
		FramesPerBuffer: len(playbackBuf),
	}, playbackBuf)
	if err != nil {
		captureStream.Close()
		return fmt.Errorf("audio: open playback stream: %w", err)
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("audio: start capture stream: %w", err)
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return fmt.Errorf("audio: start playback stream: %w", err)
	}

	e.captureStream = captureStream
	e.playbackStream = playbackStream
	e.stopCh = make(chan struct{})
	e.position = 1 // position 0 is reserved to mean "unset"
	e.running.Store(true)

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.captureLoop(captureBuf) }()
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(e.params.PlaybackDelay):
		case <-e.stopCh:
			return
		}
		e.playbackLoop(playbackBuf)
	}()

	log.Printf("[audio] started capture=%s playback=%s rate=%.0f", inputDev.Name, outputDev.Name, e.params.SampleRate)
	return nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Stop halts capture and playback.
//
// Sequence matters: Stop() on a PortAudio stream unblocks any in-flight
// Read/Write, letting the loop goroutines exit. We wait for them via wg
// before Close()ing the streams, otherwise a goroutine could still be
// touching a stream object freed out from under it.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Stop()
	}
	if e.playbackStream != nil {
		e.playbackStream.Stop()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	if e.captureStream != nil {
		e.captureStream.Close()
		e.captureStream = nil
	}
	if e.playbackStream != nil {
		e.playbackStream.Close()
		e.playbackStream = nil
	}
	e.mu.Unlock()

	log.Println("[audio] stopped")
}

// captureLoop reads one write-bucket at a time, tags it with the
// lifetime-monotone position counter, and hands it to the sink. A device
// error triggers one recovery attempt (stop+restart the stream); a second
// failure is logged and the loop simply tries again next iteration.
func (e *Engine) captureLoop(buf []int16) {
	for e.running.Load() {
		if err := e.captureStream.Read(); err != nil {
			if !e.running.Load() {
				return
			}
			log.Printf("[audio] capture read: %v", err)
			if rerr := recoverStream(e.captureStream); rerr != nil {
				log.Printf("[audio] capture recovery failed: %v", rerr)
			}
			continue
		}

		samples := make([]int16, len(buf))
		copy(samples, buf)
		chunk := audiochunk.Chunk{SourceID: e.params.SourceID, Position: e.position, Samples: samples}
		e.position += uint64(len(samples))
		e.sink.Accept(chunk)
	}
}

// playbackLoop pulls one read-bucket from the source each cadence,
// substituting silence when nothing is ready, writes it to the device,
// and then sleeps one read-bucket's nominal duration before the next
// attempt.
func (e *Engine) playbackLoop(buf []int16) {
	interval := time.Duration(float64(len(buf)) / e.params.SampleRate * float64(time.Second))

	for e.running.Load() {
		samples, ok := e.source.GetNext(len(buf))
		if ok {
			copy(buf, samples)
			applyVolume(buf, e.params.Volume)
		} else {
			zero(buf)
		}

		if err := e.playbackStream.Write(); err != nil {
			if !e.running.Load() {
				return
			}
			log.Printf("[audio] playback write: %v", err)
			if rerr := recoverStream(e.playbackStream); rerr != nil {
				log.Printf("[audio] playback recovery failed: %v", rerr)
			}
		}

		select {
		case <-time.After(interval):
		case <-e.stopCh:
			return
		}
	}
}

// recoverStream retries a device error once by stopping and restarting
// the stream, since PortAudio has no explicit "prepare" call to reset it.
func recoverStream(s paStream) error {
	s.Stop()
	return s.Start()
}

func zero(buf []int16) {
	for i := range buf {
		buf[i] = 0
	}
}

// applyVolume scales buf in place by gain, clamping to int16 range.
// gain == 1.0 is a no-op pass.
func applyVolume(buf []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range buf {
		v := float64(s) * gain
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		buf[i] = int16(v)
	}
}
