package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyguts/voip/internal/jitter"
	"github.com/rustyguts/voip/internal/packet"
)

// readTimeout bounds each ReadFrom call so the receive loop can notice
// ctx cancellation without an unbounded blocking read.
const readTimeout = 500 * time.Millisecond

// telemetryInterval is how often the receive loop logs a summary, per
// spec.md §4.4's "once per second" requirement.
const telemetryInterval = time.Second

// deadlineConn is the subset of net.PacketConn the receive loop needs,
// narrowed so tests can substitute a real loopback socket without extra
// scaffolding (net.PacketConn already satisfies this).
type deadlineConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	SetReadDeadline(t time.Time) error
}

// telemetry accumulates the per-interval counters spec.md §4.4 asks for:
// packets received, loss rate, and peak absolute sample.
type telemetry struct {
	received int
	lost     int
	peak     int16
	last     time.Time
}

func (t *telemetry) observe(samples []int16) {
	t.received++
	for _, s := range samples {
		a := s
		if a < 0 {
			if a == -32768 {
				a = 32767
			} else {
				a = -a
			}
		}
		if a > t.peak {
			t.peak = a
		}
	}
}

func (t *telemetry) maybeLog(log *zap.SugaredLogger, depth int) {
	now := time.Now()
	if t.last.IsZero() {
		t.last = now
	}
	if now.Sub(t.last) < telemetryInterval {
		return
	}
	total := t.received + t.lost
	lossRate := 0.0
	if total > 0 {
		lossRate = float64(t.lost) / float64(total) * 100
	}
	log.Infow("audio receive telemetry",
		"packets_received", t.received,
		"jitter_depth", depth,
		"loss_rate_pct", lossRate,
		"peak_sample", t.peak,
	)
	t.received, t.lost, t.peak = 0, 0, 0
	t.last = now
}

// receiveLoop is C4: a single long-lived task, started once at process
// start and run for the transport's entire lifetime (it is not
// session-scoped — it keeps learning pings and conceals loss even when no
// call is active). It is cancelled only by ctx, the process-lifetime
// context, never by end_call.
func receiveLoop(
	ctx context.Context,
	conn deadlineConn,
	localIP net.IP,
	jb *jitter.Buffer,
	jbMu *sync.Mutex,
	stats *callStats,
	callerDiscovery chan<- net.IP,
	log *zap.SugaredLogger,
) {
	buf := make([]byte, packet.MaxDatagramBytes)
	var lastSeq uint16
	var tel telemetry

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				jbMu.Lock()
				depth := jb.Len()
				jbMu.Unlock()
				tel.maybeLog(log, depth)
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnw("udp read error", "error", err)
				continue
			}
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if ok && udpAddr.IP.Equal(localIP) {
			// Self-echo suppression: both endpoints on the same host.
			continue
		}

		pkt, ok := packet.Deserialize(buf[:n])
		if !ok {
			log.Warnw("dropping malformed datagram", "from", addr, "len", n)
			continue
		}

		if pkt.IsPing() {
			if udpAddr != nil {
				select {
				case callerDiscovery <- udpAddr.IP:
				default:
					// Single-slot channel: drop if a value is already pending.
				}
			}
			continue
		}

		missing := 0
		if lastSeq != 0 {
			if pkt.Seq > lastSeq+1 {
				missing = int(pkt.Seq - lastSeq - 1)
			} else if pkt.Seq <= lastSeq {
				// Out-of-order or duplicate: drop silently (spec.md §4.4,
				// the "Monotonic strict-increase is the expected case"
				// simplification for sequence comparison).
				continue
			}
		}

		jbMu.Lock()
		for i := 0; i < missing; i++ {
			jb.Push(make([]int16, packet.SamplesPerFrame))
		}
		jb.Push(pkt.Samples)
		depth := jb.Len()
		jbMu.Unlock()

		tel.lost += missing
		tel.observe(pkt.Samples)
		stats.addLoss(missing)
		stats.observe(pkt.Samples)
		lastSeq = pkt.Seq
		tel.maybeLog(log, depth)
	}
}
