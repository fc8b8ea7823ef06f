package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rustyguts/voip/internal/jitter"
	"github.com/rustyguts/voip/internal/packet"
)

func newLoopbackPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return server, client
}

func TestReceiveLoopConcealsLoss(t *testing.T) {
	// Scenario S3 / property 8: sequences 1, 2, 5 arrive; the gap between 2
	// and 5 (two missing frames) must be concealed with silence before the
	// real samples land, for a total jitter-buffer depth of
	// 960+960+1920+960 = 4800.
	server, client := newLoopbackPair(t)
	defer server.Close()
	defer client.Close()

	jb := jitter.New()
	jb.SetMinDelayMS(0)
	var jbMu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// localIP differs from the client's address (127.0.0.1) so the
	// self-echo filter lets the client's datagrams through.
	callerDiscovery := make(chan net.IP, 1)
	done := make(chan struct{})
	go func() {
		receiveLoop(ctx, server, net.IPv4(127, 0, 0, 2), jb, &jbMu, &callStats{}, callerDiscovery, zap.NewNop().Sugar())
		close(done)
	}()

	send := func(seq uint16, n int) {
		pkt := packet.Audio{Seq: seq, Samples: make([]int16, n)}
		for i := range pkt.Samples {
			pkt.Samples[i] = int16(seq)
		}
		client.WriteTo(pkt.Serialize(), server.LocalAddr())
	}

	send(1, 960)
	send(2, 960)
	send(5, 960)

	deadline := time.Now().Add(2 * time.Second)
	for {
		jbMu.Lock()
		depth := jb.Len()
		jbMu.Unlock()
		if depth >= 960*2+960*2+960 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for concealment, depth=%d", depth)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestReceiveLoopRoutesPingToCallerDiscovery(t *testing.T) {
	server, client := newLoopbackPair(t)
	defer server.Close()
	defer client.Close()

	jb := jitter.New()
	var jbMu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// localIP differs from the client's address (127.0.0.1) so the
	// self-echo filter lets the client's ping through.
	callerDiscovery := make(chan net.IP, 1)
	done := make(chan struct{})
	go func() {
		receiveLoop(ctx, server, net.IPv4(127, 0, 0, 2), jb, &jbMu, &callStats{}, callerDiscovery, zap.NewNop().Sugar())
		close(done)
	}()

	ping := packet.Ping()
	client.WriteTo(ping.Serialize(), server.LocalAddr())

	select {
	case ip := <-callerDiscovery:
		if !ip.Equal(net.IPv4(127, 0, 0, 1)) {
			t.Errorf("want 127.0.0.1, got %v", ip)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for caller discovery")
	}

	cancel()
	<-done
}

func TestReceiveLoopSuppressesSelfEcho(t *testing.T) {
	server, client := newLoopbackPair(t)
	defer server.Close()
	defer client.Close()

	jb := jitter.New()
	jb.SetMinDelayMS(0)
	var jbMu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// localIP equals the client's address, so the client's own datagrams
	// must never reach the jitter buffer.
	clientIP := client.LocalAddr().(*net.UDPAddr).IP
	callerDiscovery := make(chan net.IP, 1)
	done := make(chan struct{})
	go func() {
		receiveLoop(ctx, server, clientIP, jb, &jbMu, &callStats{}, callerDiscovery, zap.NewNop().Sugar())
		close(done)
	}()

	pkt := packet.Audio{Seq: 1, Samples: make([]int16, 960)}
	client.WriteTo(pkt.Serialize(), server.LocalAddr())

	time.Sleep(100 * time.Millisecond)
	jbMu.Lock()
	depth := jb.Len()
	jbMu.Unlock()
	if depth != 0 {
		t.Errorf("self-echoed packet should be suppressed, got depth %d", depth)
	}

	cancel()
	<-done
}
