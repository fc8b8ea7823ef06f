package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/rustyguts/voip/internal/jitter"
	"github.com/rustyguts/voip/internal/packet"
)

// paStream abstracts a PortAudio stream so device.go's loops can be driven
// by a fake in unit tests. Mirrors the client's own paStream abstraction.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// Engine owns the capture and playback PortAudio streams for one call. A
// new Engine is created per start_call and discarded on end_call — it does
// not outlive a single CallSession.
type Engine struct {
	log *zap.SugaredLogger

	mu             sync.Mutex
	captureStream  paStream
	playbackStream paStream

	stopCh chan struct{}
	wg     sync.WaitGroup

	nextSeq uint16 // capture-side sequence counter; starts at 1, never emits 0
}

// NewEngine returns an Engine that logs through log.
func NewEngine(log *zap.SugaredLogger) *Engine {
	return &Engine{log: log, nextSeq: 1}
}

// Start opens the default capture and playback devices and launches their
// real-time loops. captureOut receives serialized packets produced by the
// capture loop (capacity should be >= 128, per spec.md §4.3's broadcast
// channel). playback pops samples from jb on every output callback.
//
// If the capture device cannot be opened, the session continues in
// receive-only mode (Start returns nil; captureOut simply never receives
// anything). If the playback device cannot be opened, Start returns an
// error — there is no point relaying audio nobody can hear.
func (e *Engine) Start(captureOut chan<- []byte, jb *jitter.Buffer, jbMu *sync.Mutex) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopCh = make(chan struct{})

	outputDev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return fmt.Errorf("audio: resolve output device: %w", err)
	}
	playbackBuf := make([]float32, packet.SamplesPerFrame)
	playbackStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: 1,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      48000,
		FramesPerBuffer: packet.SamplesPerFrame,
	}, playbackBuf)
	if err != nil {
		return fmt.Errorf("audio: open playback stream: %w", err)
	}
	if err := playbackStream.Start(); err != nil {
		playbackStream.Close()
		return fmt.Errorf("audio: start playback stream: %w", err)
	}
	e.playbackStream = playbackStream

	inputDev, err := portaudio.DefaultInputDevice()
	if err != nil {
		e.log.Warnw("no capture device available, continuing receive-only", "error", err)
	} else if inputDev.Name == outputDev.Name {
		e.log.Warnw("capture and playback devices share a name; audio feedback is possible", "device", inputDev.Name)
	}

	if inputDev != nil {
		captureBuf := make([]float32, packet.SamplesPerFrame)
		captureStream, err := portaudio.OpenStream(portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   inputDev,
				Channels: 1,
				Latency:  inputDev.DefaultLowInputLatency,
			},
			SampleRate:      48000,
			FramesPerBuffer: packet.SamplesPerFrame,
		}, captureBuf)
		if err != nil {
			e.log.Warnw("failed to open capture stream, continuing receive-only", "error", err)
		} else if err := captureStream.Start(); err != nil {
			captureStream.Close()
			e.log.Warnw("failed to start capture stream, continuing receive-only", "error", err)
		} else {
			e.captureStream = captureStream
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.captureLoop(captureBuf, captureOut)
			}()
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.playbackLoop(playbackBuf, jb, jbMu)
	}()

	return nil
}

// Stop halts and closes whatever streams are open, and waits for the
// capture/playback loops to exit. Mirrors the teacher's sequencing:
// stop the PortAudio stream first (which unblocks a pending Read/Write),
// then wait for the goroutine, then close.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopCh != nil {
		select {
		case <-e.stopCh:
		default:
			close(e.stopCh)
		}
	}
	capture, playback := e.captureStream, e.playbackStream
	if capture != nil {
		capture.Stop()
	}
	if playback != nil {
		playback.Stop()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	if capture != nil {
		capture.Close()
	}
	if playback != nil {
		playback.Close()
	}
	e.captureStream = nil
	e.playbackStream = nil
	e.mu.Unlock()
}

// captureLoop reads fixed-size float32 buffers from the capture device,
// converts to i16, accumulates into exactly 960-sample frames, assigns
// the next sequence number (starting at 1, wrapping 65535 -> 1, never
// emitting 0), serializes, and publishes to captureOut. A full channel
// drops the frame rather than blocking the real-time callback.
func (e *Engine) captureLoop(buf []float32, captureOut chan<- []byte) {
	acc := NewFrameAccumulator(packet.SamplesPerFrame)
	i16buf := make([]int16, len(buf))

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if err := e.captureStream.Read(); err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.log.Warnw("capture read failed", "error", err)
				return
			}
		}

		for i, s := range buf {
			i16buf[i] = F32ToI16(s)
		}

		for _, frame := range acc.Push(i16buf) {
			pkt := packet.Audio{Seq: e.nextSeq, Samples: frame}
			e.nextSeq++
			if e.nextSeq == packet.PingSeq {
				e.nextSeq = 1 // never reuse 0, the ping sentinel
			}

			select {
			case captureOut <- pkt.Serialize():
			default:
				// Broadcast channel full: drop the oldest obligation falls to
				// the consumer side; here we simply drop this frame.
			}
		}
	}
}

// playbackLoop pops one sample from the jitter buffer per output slot on
// every callback and converts it to the host-native format (inverse of
// captureLoop's conversion).
func (e *Engine) playbackLoop(buf []float32, jb *jitter.Buffer, jbMu *sync.Mutex) {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		jbMu.Lock()
		for i := range buf {
			buf[i] = I16ToF32(jb.PopOne())
		}
		jbMu.Unlock()

		if err := e.playbackStream.Write(); err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.log.Warnw("playback write failed", "error", err)
			}
		}
	}
}
