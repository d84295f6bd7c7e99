// Package node wires the gossip packet layer, the mixer and the PCM
// device together into one running conferencing node.
package node

import (
	"encoding/binary"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Ediacarium/walkie-talkie-pi/internal/audio"
	"github.com/Ediacarium/walkie-talkie-pi/internal/audiochunk"
	"github.com/Ediacarium/walkie-talkie-pi/internal/codec"
	"github.com/Ediacarium/walkie-talkie-pi/internal/gossip"
	"github.com/Ediacarium/walkie-talkie-pi/internal/metrics"
	"github.com/Ediacarium/walkie-talkie-pi/internal/mixer"
)

// Params collects everything the CLI exposes to configure a node, plus
// the ambient-stack additions (codec, metrics, rate limiting).
type Params struct {
	Port           uint16
	OwnAddr        int64
	RingBufferLen  int
	SpareLen       uint64
	IdleThreshold  time.Duration
	ReadBucketLen  int
	WriteBucketLen int
	PlaybackDelay  time.Duration
	InputDeviceID  int
	OutputDeviceID int
	SampleRate     float64
	Volume         float64 // output gain; 1.0 is unity
	Codec          string  // "pcm" or "opus"
	MetricsAddr    string // empty disables the admin endpoint
	RateLimit      rate.Limit
	RateBurst      int
}

// Node owns every long-lived subsystem and the receive-dispatcher
// goroutine that wires gossip delivery into the mixer.
type Node struct {
	sender     *gossip.Sender
	receiver   *gossip.Receiver
	mixer      *mixer.AudioBuffer
	engine     *audio.Engine
	transcoder codec.Transcoder
	metrics    *metrics.Metrics

	metricsSrv *http.Server

	wg sync.WaitGroup
}

// New builds every subsystem and starts the gossip worker and the
// receive-dispatcher goroutine, but does not yet touch the PCM device —
// call Start for that. Bind or codec-selection failures here are meant
// to abort the process; there is no degraded mode to fall back to.
func New(p Params) (*Node, error) {
	var m *metrics.Metrics
	if p.MetricsAddr != "" {
		m = metrics.New()
	}

	transcoder, err := newTranscoder(p.Codec, int(p.SampleRate))
	if err != nil {
		return nil, err
	}

	sender, receiver, err := gossip.Start(p.Port, p.OwnAddr, p.RateLimit, p.RateBurst, m)
	if err != nil {
		return nil, fmt.Errorf("node: start gossip: %w", err)
	}

	mix := mixer.New(mixer.Params{
		Length:        p.RingBufferLen,
		Spare:         p.SpareLen,
		IdleThreshold: p.IdleThreshold,
	}, m)

	n := &Node{
		sender:     sender,
		receiver:   receiver,
		mixer:      mix,
		transcoder: transcoder,
		metrics:    m,
	}

	n.engine = audio.New(audio.Params{
		SourceID:       sourceIDFromAddr(p.OwnAddr),
		InputDeviceID:  p.InputDeviceID,
		OutputDeviceID: p.OutputDeviceID,
		WriteBucketLen: p.WriteBucketLen,
		ReadBucketLen:  p.ReadBucketLen,
		SampleRate:     p.SampleRate,
		PlaybackDelay:  p.PlaybackDelay,
		Volume:         p.Volume,
	}, n, n)

	if p.MetricsAddr != "" {
		n.startMetricsServer(p.MetricsAddr)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.dispatchLoop()
	}()

	return n, nil
}

// newTranscoder resolves the --codec flag to a concrete Transcoder.
// Assumes the whole conference agrees on one codec, the same way every
// node is assumed to run at the same nominal sample rate: there is no
// per-peer negotiation of either.
func newTranscoder(name string, sampleRate int) (codec.Transcoder, error) {
	switch name {
	case "", "pcm":
		return codec.PCM{}, nil
	case "opus":
		return codec.NewOpus(sampleRate)
	default:
		return nil, fmt.Errorf("node: unknown codec %q", name)
	}
}

// sourceIDFromAddr derives the 16-bit AudioChunk source id from the
// node's 64-bit packet-layer address. The two identifiers occupy
// different spaces: source_addr routes packets, source_id tags mixer
// rings. Truncating keeps a single random identity per process without
// introducing a second registry.
func sourceIDFromAddr(addr int64) uint16 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	return binary.LittleEndian.Uint16(b[:2])
}

// Start opens the PCM device and launches the capture/playback loops.
func (n *Node) Start() error {
	return n.engine.Start()
}

// Stop tears down the PCM device, the gossip socket, and the admin
// metrics server (if any), then waits for the receive-dispatcher and
// metrics goroutines to exit.
func (n *Node) Stop() {
	n.engine.Stop()
	n.sender.Close()
	if n.metricsSrv != nil {
		n.metricsSrv.Close()
	}
	n.wg.Wait()
}

// Accept implements audio.Sink: it is the capture loop's callback,
// encoding and broadcasting one chunk at a time.
func (n *Node) Accept(chunk audiochunk.Chunk) {
	body, err := n.transcoder.Encode(chunk)
	if err != nil {
		log.Printf("node: encode outgoing chunk: %v", err)
		return
	}
	n.sender.Send(body, n.transcoder.Tag())
}

// GetNext implements audio.Source: it is the playback loop's callback.
func (n *Node) GetNext(length int) ([]int16, bool) {
	return n.mixer.GetNext(length)
}

// dispatchLoop is the receive-dispatcher thread: it blocks on the gossip
// layer's inbound channel and stores every delivered chunk into the
// mixer.
func (n *Node) dispatchLoop() {
	for {
		r, ok := n.receiver.Receive()
		if !ok {
			return
		}
		if r.Codec != n.transcoder.Tag() {
			log.Printf("node: received payload with codec tag %d, this node decodes %d; dropping", r.Codec, n.transcoder.Tag())
			continue
		}
		chunk, err := n.transcoder.Decode(r.Body)
		if err != nil {
			log.Printf("node: decode payload from %d/%d: %v", r.Source, r.Seq, err)
			continue
		}
		if err := n.mixer.Store(chunk); err != nil {
			log.Printf("node: mixer store for source %d: %v", chunk.SourceID, err)
		}
	}
}

// startMetricsServer mounts /metrics and serves it in the background.
// It never carries audio or gossip traffic.
func (n *Node) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	n.metricsSrv = &http.Server{Addr: addr, Handler: mux}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("node: metrics server: %v", err)
		}
	}()
}
