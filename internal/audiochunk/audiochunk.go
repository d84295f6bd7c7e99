// Package audiochunk defines the one shared data type passed between the
// capture loop, the gossip packet layer and the mixer: a tagged window of
// samples at an absolute position within one source's lifetime stream.
package audiochunk

// Chunk is `{source_id, position, samples}`. Position is the absolute
// sample index of Samples[0] within the source's lifetime stream; 0 is
// reserved to mean "unset".
type Chunk struct {
	SourceID uint16
	Position uint64
	Samples  []int16
}
