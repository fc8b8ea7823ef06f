package audio

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rustyguts/voip/internal/jitter"
)

// fakeStream is a paStream double whose Read fills its buffer with a fixed
// value and whose Write just counts calls, so captureLoop/playbackLoop can
// be exercised without real audio hardware.
type fakeStream struct {
	mu       sync.Mutex
	buf      []float32
	fillWith float32
	reads    int
	writes   int
	failRead bool
}

func (f *fakeStream) Start() error { return nil }
func (f *fakeStream) Stop() error  { return nil }
func (f *fakeStream) Close() error { return nil }

func (f *fakeStream) Read() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	for i := range f.buf {
		f.buf[i] = f.fillWith
	}
	return nil
}

func (f *fakeStream) Write() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return nil
}

func TestCaptureLoopEmitsFullVolumeFrame(t *testing.T) {
	// Spec scenario S5: a capture callback delivering 960 f32 samples of
	// value 1.0 must transmit one datagram whose samples are all i16::MAX.
	buf := make([]float32, 960)
	stream := &fakeStream{buf: buf, fillWith: 1.0}

	e := NewEngine(zap.NewNop().Sugar())
	e.stopCh = make(chan struct{})
	e.captureStream = stream

	out := make(chan []byte, 4)
	done := make(chan struct{})
	go func() {
		e.captureLoop(buf, out)
		close(done)
	}()

	select {
	case raw := <-out:
		pkt, ok := decodeForTest(raw)
		if !ok {
			t.Fatal("decode failed")
		}
		if pkt.Seq != 1 {
			t.Errorf("first capture seq: want 1 got %d", pkt.Seq)
		}
		for i, s := range pkt.Samples {
			if s != 32767 {
				t.Fatalf("sample %d: want 32767 got %d", i, s)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for captured frame")
	}

	close(e.stopCh)
	<-done
}

func TestPlaybackLoopPopsFromJitterBuffer(t *testing.T) {
	jb := jitter.New()
	jb.SetMinDelayMS(0)
	jb.Push([]int16{100, -100, 32767, -32768})

	buf := make([]float32, 4)
	stream := &fakeStream{buf: buf}
	e := NewEngine(zap.NewNop().Sugar())
	e.stopCh = make(chan struct{})
	e.playbackStream = stream

	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		e.playbackLoop(buf, jb, &mu)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(e.stopCh)
	<-done

	if stream.writes == 0 {
		t.Fatal("expected at least one playback write")
	}
}

func decodeForTest(raw []byte) (struct {
	Seq     uint16
	Samples []int16
}, bool) {
	if len(raw) < 2 {
		return struct {
			Seq     uint16
			Samples []int16
		}{}, false
	}
	seq := uint16(raw[0]) | uint16(raw[1])<<8
	n := (len(raw) - 2) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		lo := raw[2+2*i]
		hi := raw[3+2*i]
		samples[i] = int16(uint16(lo) | uint16(hi)<<8)
	}
	return struct {
		Seq     uint16
		Samples []int16
	}{Seq: seq, Samples: samples}, true
}
