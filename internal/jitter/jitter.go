// Package jitter implements the delay-absorbing sample queue that sits
// between the network receive path and the playback device. It is a plain
// FIFO of 16-bit PCM samples gated by a minimum depth: pops return silence
// until the buffer has primed past min_delay_samples, which prevents the
// output callback from starving (and clicking) right after startup or a
// loss burst.
//
// Buffer is not safe for concurrent use by itself — the caller holds a
// mutex around Push/PopOne/SetMinDelayMS (see internal/transport and
// internal/audio, which share one Buffer across the receive goroutine and
// the real-time playback callback).
package jitter

// defaultMinDelaySamples is 100 ms at 48 kHz.
const defaultMinDelaySamples = 4800

// MaxSamples bounds buffer growth to 400 ms at 48 kHz. The overflow
// discipline drops from the front (oldest first) to prefer latency over
// unbounded growth.
const MaxSamples = 19200

// Buffer is a bounded FIFO of PCM samples with a minimum-delay gate.
// samples[head:] holds the live queue; head advances on PopOne and the
// slice is compacted once the consumed prefix grows past compactThreshold
// so long-running calls don't retain an ever-growing backing array.
type Buffer struct {
	samples    []int16
	head       int
	minDelay   int
	maxSamples int
}

// compactThreshold is how many consumed-but-retained samples accumulate
// before PopOne compacts the backing array.
const compactThreshold = 4096

// New returns a Buffer primed with the default 100 ms minimum delay and
// 400 ms maximum depth.
func New() *Buffer {
	return &Buffer{
		minDelay:   defaultMinDelaySamples,
		maxSamples: MaxSamples,
	}
}

// Push appends samples in order, then enforces the overflow discipline:
// while the buffer holds more than maxSamples it drops from the front so
// only the most recent maxSamples survive.
func (b *Buffer) Push(samples []int16) {
	b.samples = append(b.samples, samples...)
	if over := b.Len() - b.maxSamples; over > 0 {
		b.head += over
	}
	b.compact()
}

// PopOne removes and returns the oldest sample. While the buffer holds
// fewer than minDelay samples it returns silence (0) without consuming
// anything, so the buffer can refill to its target depth before playback
// resumes. PopOne never blocks.
func (b *Buffer) PopOne() int16 {
	if b.Len() < b.minDelay {
		return 0
	}
	s := b.samples[b.head]
	b.head++
	b.compact()
	return s
}

// compact drops the consumed prefix once it grows past compactThreshold,
// keeping the backing array bounded for long-running calls.
func (b *Buffer) compact() {
	if b.head < compactThreshold {
		return
	}
	live := len(b.samples) - b.head
	copy(b.samples[:live], b.samples[b.head:])
	b.samples = b.samples[:live]
	b.head = 0
}

// Len reports the number of samples currently queued.
func (b *Buffer) Len() int {
	return len(b.samples) - b.head
}

// SetMinDelayMS sets the minimum-delay gate in milliseconds, assuming a
// 48 kHz sample rate (48 samples per millisecond).
func (b *Buffer) SetMinDelayMS(ms int) {
	if ms < 0 {
		ms = 0
	}
	b.minDelay = ms * 48
}
