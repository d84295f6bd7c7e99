// Package codec selects how an AudioChunk's samples are represented
// inside a gossip Payload body: the wire's native PCM layout, or an Opus
// compressed one. The chosen encoding travels with each payload as a
// codec tag so a receiver can pick the matching decoder.
package codec

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/Ediacarium/walkie-talkie-pi/internal/audiochunk"
	"github.com/Ediacarium/walkie-talkie-pi/internal/wire"
)

const (
	opusBitrate        = 32000
	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size
)

// Transcoder turns an AudioChunk into a Payload body and back.
type Transcoder interface {
	// Tag identifies this transcoder's body layout in wire.Payload.Codec.
	Tag() byte
	Encode(chunk audiochunk.Chunk) ([]byte, error)
	Decode(body []byte) (audiochunk.Chunk, error)
}

// PCM is the identity transcoder: it delegates straight to the wire
// package's stable AudioChunk layout.
type PCM struct{}

// Tag implements Transcoder.
func (PCM) Tag() byte { return wire.CodecPCM }

// Encode implements Transcoder.
func (PCM) Encode(chunk audiochunk.Chunk) ([]byte, error) {
	return wire.EncodeAudioChunk(chunk.SourceID, chunk.Position, chunk.Samples), nil
}

// Decode implements Transcoder.
func (PCM) Decode(body []byte) (audiochunk.Chunk, error) {
	sourceID, position, samples, err := wire.DecodeAudioChunk(body)
	if err != nil {
		return audiochunk.Chunk{}, err
	}
	return audiochunk.Chunk{SourceID: sourceID, Position: position, Samples: samples}, nil
}

// Opus lossily compresses the sample payload. One encoder and one decoder
// are built up front and reused across calls — Opus carries state between
// frames (DTX, FEC history) that a fresh codec per call would discard.
//
// samples must be a length Opus accepts for the configured sample rate
// (2.5/5/10/20/40/60 ms worth of samples). Encode neither checks nor
// adjusts the length: the capture loop hands over write-bucket-sized
// chunks unchanged, and a length Opus rejects surfaces as an encode error.
type Opus struct {
	enc *opus.Encoder
	dec *opus.Decoder
}

// NewOpus builds an Opus transcoder for mono audio at sampleRate.
func NewOpus(sampleRate int) (*Opus, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)
	enc.SetDTX(true)
	enc.SetInBandFEC(true)

	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus decoder: %w", err)
	}
	return &Opus{enc: enc, dec: dec}, nil
}

// Tag implements Transcoder.
func (*Opus) Tag() byte { return wire.CodecOpus }

// Encode implements Transcoder. The body layout is
// source_id(2) | position(8) | frame_len(8) | opus bytes.
func (o *Opus) Encode(chunk audiochunk.Chunk) ([]byte, error) {
	data := make([]byte, opusMaxPacketBytes)
	n, err := o.enc.Encode(chunk.Samples, data)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}

	buf := make([]byte, 0, 2+8+8+n)
	buf = binary.LittleEndian.AppendUint16(buf, chunk.SourceID)
	buf = binary.LittleEndian.AppendUint64(buf, chunk.Position)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(chunk.Samples)))
	buf = append(buf, data[:n]...)
	return buf, nil
}

// Decode implements Transcoder.
func (o *Opus) Decode(body []byte) (audiochunk.Chunk, error) {
	if len(body) < 2+8+8 {
		return audiochunk.Chunk{}, fmt.Errorf("codec: short opus chunk header (%d bytes)", len(body))
	}
	sourceID := binary.LittleEndian.Uint16(body[:2])
	body = body[2:]
	position := binary.LittleEndian.Uint64(body[:8])
	body = body[8:]
	frameLen := binary.LittleEndian.Uint64(body[:8])
	body = body[8:]

	samples := make([]int16, frameLen)
	n, err := o.dec.Decode(body, samples)
	if err != nil {
		return audiochunk.Chunk{}, fmt.Errorf("codec: opus decode: %w", err)
	}
	return audiochunk.Chunk{SourceID: sourceID, Position: position, Samples: samples[:n]}, nil
}
