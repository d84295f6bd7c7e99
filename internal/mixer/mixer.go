// Package mixer implements multi-source fan-in: a mapping from source id
// to per-source ring buffer, with automatic admission of new sources and
// silence-on-idle substitution.
package mixer

import (
	"sync"
	"time"

	"github.com/Ediacarium/walkie-talkie-pi/internal/audiochunk"
	"github.com/Ediacarium/walkie-talkie-pi/internal/metrics"
	"github.com/Ediacarium/walkie-talkie-pi/internal/ringbuffer"
)

// Params are the ring buffer parameters applied uniformly to every
// auto-admitted source.
type Params struct {
	Length        int
	Spare         uint64
	IdleThreshold time.Duration
}

// AudioBuffer fans in N per-source ring buffers to one mixed output. A
// single mutex guards all operations: the mixer is touched by the
// receive-dispatcher (writer), the playback loop (reader) and, if
// loopback capture is enabled, the capture loop.
type AudioBuffer struct {
	mu      sync.Mutex
	params  Params
	sources map[uint16]*ringbuffer.RingBuffer
	metrics *metrics.Metrics // nil unless metrics collection is enabled
}

// New creates an empty AudioBuffer. Sources are admitted lazily on first
// Store. m may be nil to disable metrics collection entirely.
func New(params Params, m *metrics.Metrics) *AudioBuffer {
	return &AudioBuffer{
		params:  params,
		sources: make(map[uint16]*ringbuffer.RingBuffer),
		metrics: m,
	}
}

// Store delegates to the named source's ring buffer, creating it with the
// mixer's configured parameters if this is the first chunk seen from that
// source.
func (a *AudioBuffer) Store(chunk audiochunk.Chunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ring, ok := a.sources[chunk.SourceID]
	if !ok {
		ring = ringbuffer.New(a.params.Length, a.params.Spare, a.params.IdleThreshold)
		a.sources[chunk.SourceID] = ring
		if a.metrics != nil {
			a.metrics.MixerActiveSources.Set(float64(len(a.sources)))
		}
	}
	return ring.Store(chunk)
}

// GetNext mixes one len-sample window from every non-idle, non-warming-up
// source, additively, scaled by 1/(1+N) where N is the current source
// count — this avoids clipping and avoids a divide-by-one spike when
// exactly one source is active.
//
// Gating rule: if any source is StatusNone (straggling, within its jitter
// budget) while the minimum StatusAvail count across sources is still
// below spare, GetNext returns false rather than substituting silence —
// waiting gives the straggler a chance to catch up before risking
// reorder. Ignore (warming up) and Idle (silent) sources are simply
// skipped.
func (a *AudioBuffer) GetNext(length int) ([]int16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.sources) == 0 {
		return nil, false
	}

	hasNone := false
	minAvail := uint64(0)
	haveMinAvail := false
	for _, ring := range a.sources {
		pk := ring.Peek(uint64(length))
		switch pk.Status {
		case ringbuffer.StatusNone:
			hasNone = true
		case ringbuffer.StatusAvail:
			if !haveMinAvail || pk.N < minAvail {
				minAvail = pk.N
				haveMinAvail = true
			}
		}
	}
	if hasNone && (!haveMinAvail || minAvail < a.params.Spare) {
		if a.metrics != nil {
			a.metrics.MixerGatedReads.Inc()
		}
		return nil, false
	}

	n := len(a.sources)
	scaling := int32(1 + n)
	out := make([]int16, length)
	produced := false
	for _, ring := range a.sources {
		samples, ok := ring.GetNext(uint64(length))
		if !ok {
			continue
		}
		produced = true
		for i, s := range samples {
			out[i] = clampInt16(int32(out[i]) + int32(s)/scaling)
		}
	}
	if !produced {
		return nil, false
	}
	if a.metrics != nil {
		a.metrics.MixerProducedReads.Inc()
	}
	return out, true
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// SourceCount returns the number of admitted sources.
func (a *AudioBuffer) SourceCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sources)
}
