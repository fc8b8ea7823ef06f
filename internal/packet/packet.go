// Package packet implements the wire framing for the audio datagram: a
// 16-bit little-endian sequence number followed by 16-bit little-endian
// PCM samples. The datagram boundary is the only delimiter — there is no
// length field.
package packet

import "encoding/binary"

// SamplesPerFrame is the number of PCM samples a full data frame carries:
// 20 ms at 48 kHz mono.
const SamplesPerFrame = 960

// PingSeq is the reserved sequence number for the keepalive/peer-discovery
// datagram. A ping never carries samples.
const PingSeq uint16 = 0

// MaxDatagramBytes is the largest UDP payload the receive path will accept.
const MaxDatagramBytes = 4096

// Audio is one audio datagram: a sequence number and its PCM payload.
// Seq wraps modulo 2^16; Seq == 0 is reserved for ping and carries no
// samples.
type Audio struct {
	Seq     uint16
	Samples []int16
}

// Ping returns the sentinel keepalive/peer-discovery packet.
func Ping() Audio {
	return Audio{Seq: PingSeq}
}

// IsPing reports whether pkt is the ping sentinel.
func (a Audio) IsPing() bool {
	return a.Seq == PingSeq
}

// Serialize writes seq as two little-endian bytes followed by each sample
// as two little-endian bytes.
func (a Audio) Serialize() []byte {
	buf := make([]byte, 2+2*len(a.Samples))
	binary.LittleEndian.PutUint16(buf[0:2], a.Seq)
	for i, s := range a.Samples {
		binary.LittleEndian.PutUint16(buf[2+2*i:4+2*i], uint16(s))
	}
	return buf
}

// Deserialize parses a datagram payload. It reports ok=false if data is
// shorter than 2 bytes (no room for a sequence number). Any trailing byte
// that doesn't complete a 2-byte sample is discarded — the parser only
// consumes whole 2-byte chunks from data[2:].
func Deserialize(data []byte) (pkt Audio, ok bool) {
	if len(data) < 2 {
		return Audio{}, false
	}
	seq := binary.LittleEndian.Uint16(data[0:2])
	rest := data[2:]
	n := len(rest) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(rest[2*i : 2*i+2]))
	}
	return Audio{Seq: seq, Samples: samples}, true
}
