// Package wire implements the binary encoding of the gossip protocol's
// three packet kinds. The layout is a stable, hand-rolled tagged union:
// a version byte, a one-byte discriminant, then the kind's fields in
// little-endian order with 64-bit length prefixes for variable-length
// data. There is no reflection-based codec here on purpose — the layout
// must stay byte-for-byte stable across builds.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Version is the current wire format version. Decoders reject any other
// value as a protocol error rather than guessing at the remaining bytes.
const Version byte = 1

// Packet kind discriminants.
const (
	kindAdvertisement byte = 0
	kindSendRequest   byte = 1
	kindPayload       byte = 2
)

// Codec tags identify how a Payload packet's body is encoded.
const (
	CodecPCM  byte = 0
	CodecOpus byte = 1
)

// PacketID identifies a single payload. Equality is exact; Sequence wraps
// modulo 256, so collisions beyond a 256-packet window are possible but
// accepted — the retransmission cache never holds that many entries at
// once anyway.
type PacketID struct {
	SourceAddr int64
	Sequence   uint8
}

// Advertisement announces that Advertiser holds the payload for ID.
type Advertisement struct {
	ID         PacketID
	Advertiser int64
}

// SendRequest asks the advertiser (via its observed reply-to address) to
// resend the payload for ID.
type SendRequest struct {
	ID PacketID
}

// Payload carries an opaque, already-encoded application message along
// with the codec tag describing how Body is encoded.
type Payload struct {
	ID    PacketID
	Codec byte
	Body  []byte
}

// Encode serialises p into a new byte slice.
//
//	version(1) | kind(1) | packet-id | kind-specific fields
func Encode(p any) ([]byte, error) {
	switch v := p.(type) {
	case Advertisement:
		buf := make([]byte, 0, 1+1+9+8)
		buf = append(buf, Version, kindAdvertisement)
		buf = appendPacketID(buf, v.ID)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Advertiser))
		return buf, nil
	case SendRequest:
		buf := make([]byte, 0, 1+1+9)
		buf = append(buf, Version, kindSendRequest)
		buf = appendPacketID(buf, v.ID)
		return buf, nil
	case Payload:
		buf := make([]byte, 0, 1+1+9+1+8+len(v.Body))
		buf = append(buf, Version, kindPayload)
		buf = appendPacketID(buf, v.ID)
		buf = append(buf, v.Codec)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(v.Body)))
		buf = append(buf, v.Body...)
		return buf, nil
	default:
		return nil, fmt.Errorf("wire: encode: unsupported type %T", p)
	}
}

func appendPacketID(buf []byte, id PacketID) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(id.SourceAddr))
	buf = append(buf, id.Sequence)
	return buf
}

func readPacketID(b []byte) (PacketID, []byte, error) {
	if len(b) < 9 {
		return PacketID{}, nil, fmt.Errorf("wire: short packet id (%d bytes)", len(b))
	}
	return PacketID{
		SourceAddr: int64(binary.LittleEndian.Uint64(b[:8])),
		Sequence:   b[8],
	}, b[9:], nil
}

// Decode parses a datagram into one of Advertisement, SendRequest or
// Payload. It returns an error for undersized datagrams, an unknown
// version, or an unknown discriminant; callers are expected to log and
// discard the datagram rather than treat this as fatal.
func Decode(b []byte) (any, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("wire: datagram too short (%d bytes)", len(b))
	}
	if b[0] != Version {
		return nil, fmt.Errorf("wire: unsupported version %d", b[0])
	}
	kind := b[1]
	rest := b[2:]

	id, rest, err := readPacketID(rest)
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindAdvertisement:
		if len(rest) < 8 {
			return nil, fmt.Errorf("wire: short advertisement body (%d bytes)", len(rest))
		}
		return Advertisement{
			ID:         id,
			Advertiser: int64(binary.LittleEndian.Uint64(rest[:8])),
		}, nil
	case kindSendRequest:
		return SendRequest{ID: id}, nil
	case kindPayload:
		if len(rest) < 1+8 {
			return nil, fmt.Errorf("wire: short payload header (%d bytes)", len(rest))
		}
		codec := rest[0]
		rest = rest[1:]
		n := binary.LittleEndian.Uint64(rest[:8])
		rest = rest[8:]
		if uint64(len(rest)) < n {
			return nil, fmt.Errorf("wire: payload body truncated: want %d, have %d", n, len(rest))
		}
		body := make([]byte, n)
		copy(body, rest[:n])
		return Payload{ID: id, Codec: codec, Body: body}, nil
	default:
		return nil, fmt.Errorf("wire: unknown packet kind %d", kind)
	}
}

// EncodeAudioChunk serialises an AudioChunk's fields directly (source_id,
// position, then a length-prefixed i16 sample array). This is the
// CodecPCM representation: raw samples, no compression.
func EncodeAudioChunk(sourceID uint16, position uint64, samples []int16) []byte {
	buf := make([]byte, 0, 2+8+8+2*len(samples))
	buf = binary.LittleEndian.AppendUint16(buf, sourceID)
	buf = binary.LittleEndian.AppendUint64(buf, position)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(samples)))
	for _, s := range samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	return buf
}

// DecodeAudioChunk is the inverse of EncodeAudioChunk.
func DecodeAudioChunk(b []byte) (sourceID uint16, position uint64, samples []int16, err error) {
	if len(b) < 2+8+8 {
		return 0, 0, nil, fmt.Errorf("wire: short audio chunk header (%d bytes)", len(b))
	}
	sourceID = binary.LittleEndian.Uint16(b[:2])
	b = b[2:]
	position = binary.LittleEndian.Uint64(b[:8])
	b = b[8:]
	n := binary.LittleEndian.Uint64(b[:8])
	b = b[8:]
	if uint64(len(b)) < n*2 {
		return 0, 0, nil, fmt.Errorf("wire: audio chunk samples truncated: want %d, have %d bytes", n, len(b))
	}
	samples = make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[2*i : 2*i+2]))
	}
	return sourceID, position, samples, nil
}
