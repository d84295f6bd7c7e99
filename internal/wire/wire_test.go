package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeAdvertisement(t *testing.T) {
	want := Advertisement{ID: PacketID{SourceAddr: 42, Sequence: 7}, Advertiser: 42}
	b, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEncodeDecodeSendRequest(t *testing.T) {
	want := SendRequest{ID: PacketID{SourceAddr: -5, Sequence: 255}}
	b, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEncodeDecodePayload(t *testing.T) {
	want := Payload{ID: PacketID{SourceAddr: 99, Sequence: 1}, Codec: CodecPCM, Body: []byte{1, 2, 3, 4}}
	b, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gp, ok := got.(Payload)
	if !ok {
		t.Fatalf("got %T, want Payload", got)
	}
	if gp.ID != want.ID || gp.Codec != want.Codec || !bytes.Equal(gp.Body, want.Body) {
		t.Fatalf("got %+v, want %+v", gp, want)
	}
}

func TestDecodeRejectsShortDatagram(t *testing.T) {
	if _, err := Decode([]byte{1}); err == nil {
		t.Fatal("expected error for short datagram")
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	b, _ := Encode(SendRequest{ID: PacketID{SourceAddr: 1, Sequence: 1}})
	b[0] = 99
	if _, err := Decode(b); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	b, _ := Encode(SendRequest{ID: PacketID{SourceAddr: 1, Sequence: 1}})
	b[1] = 77
	if _, err := Decode(b); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeRejectsTruncatedPayloadBody(t *testing.T) {
	b, _ := Encode(Payload{ID: PacketID{SourceAddr: 1, Sequence: 1}, Codec: CodecPCM, Body: []byte{1, 2, 3, 4}})
	truncated := b[:len(b)-2]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected error for truncated payload body")
	}
}

func TestAudioChunkRoundTrip(t *testing.T) {
	samples := []int16{1, -2, 3, -4, 32767, -32768}
	b := EncodeAudioChunk(7, 100, samples)
	id, pos, got, err := DecodeAudioChunk(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != 7 || pos != 100 {
		t.Fatalf("got id=%d pos=%d, want id=7 pos=100", id, pos)
	}
	if len(got) != len(samples) {
		t.Fatalf("got %d samples, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestAudioChunkRejectsTruncatedSamples(t *testing.T) {
	b := EncodeAudioChunk(1, 1, []int16{1, 2, 3})
	truncated := b[:len(b)-2]
	if _, _, _, err := DecodeAudioChunk(truncated); err == nil {
		t.Fatal("expected error for truncated samples")
	}
}
