package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/rustyguts/voip/internal/audio"
	"github.com/rustyguts/voip/internal/jitter"
	"github.com/rustyguts/voip/internal/packet"
)

// callStats accumulates loss/peak counters for the lifetime of one call,
// fed by receiveLoop on every datagram. Unlike the per-second telemetry
// log, this resets only at start_call and is read back at end_call so the
// call-history audit log can record a real summary instead of zeros.
type callStats struct {
	mu       sync.Mutex
	received int
	lost     int
	peak     int16
}

func (s *callStats) observe(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
	for _, v := range samples {
		a := v
		if a < 0 {
			if a == -32768 {
				a = 32767
			} else {
				a = -a
			}
		}
		if a > s.peak {
			s.peak = a
		}
	}
}

func (s *callStats) addLoss(n int) {
	s.mu.Lock()
	s.lost += n
	s.mu.Unlock()
}

func (s *callStats) reset() {
	s.mu.Lock()
	s.received, s.lost, s.peak = 0, 0, 0
	s.mu.Unlock()
}

// snapshot returns the loss rate (as a percentage of received+lost
// frames) and the peak absolute sample observed since the last reset.
func (s *callStats) snapshot() (lossRatePct float64, peak int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.received + s.lost
	if total == 0 {
		return 0, s.peak
	}
	return float64(s.lost) / float64(total) * 100, s.peak
}

// CallSummary is reported via Controller.OnCallEnd when a call tears
// down, so a caller (the signaling bridge) can record it without polling.
type CallSummary struct {
	Peer        net.IP
	LossRatePct float64
	PeakSample  int16
}

// State is the call session's state. spec.md's diagram suggests a third
// "Pinged" state, but the authoritative Transitions prose says ping "does
// not change session state" from either Idle or Active, and the original
// Rust control loop (audio_udp.rs) carries no such state variable either —
// only an Option<IpAddr> for the last-seen caller. So there are only two.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// audioEngine is the subset of *audio.Engine the controller depends on,
// narrowed so tests can substitute a fake without opening real devices.
type audioEngine interface {
	Start(captureOut chan<- []byte, jb *jitter.Buffer, jbMu *sync.Mutex) error
	Stop()
}

// engineFactory builds a fresh audioEngine for each call. Overridable in
// tests; defaults to audio.NewEngine.
type engineFactory func(log *zap.SugaredLogger) audioEngine

func defaultEngineFactory(log *zap.SugaredLogger) audioEngine {
	return audio.NewEngine(log)
}

// Controller is C6: it owns the UDP socket, the jitter buffer, and the
// single active CallSession, if any. One Controller exists per process.
type Controller struct {
	conn    *net.UDPConn
	localIP net.IP
	jb      *jitter.Buffer
	jbMu    sync.Mutex
	stats   *callStats
	log     *zap.SugaredLogger

	newEngine engineFactory

	// OnCallEnd, when set, is invoked with a summary of the call that just
	// ended — after the audio engine has been stopped, outside any lock.
	// Mirrors the teacher's room.SetOnAuditLog callback-wiring pattern.
	OnCallEnd func(CallSummary)

	mu         sync.Mutex
	state      State
	callerIP   net.IP
	peerAddr   *net.UDPAddr
	callEngine audioEngine
	callCancel context.CancelFunc
	callDone   chan struct{}
}

// NewController binds the fixed transport port on localIP and returns a
// Controller ready to Run.
func NewController(localIP net.IP, log *zap.SugaredLogger) (*Controller, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: Port})
	if err != nil {
		return nil, fmt.Errorf("transport: bind udp port %d: %w", Port, err)
	}
	return &Controller{
		conn:      conn,
		localIP:   localIP,
		jb:        jitter.New(),
		stats:     &callStats{},
		log:       log,
		newEngine: defaultEngineFactory,
	}, nil
}

// SetJitterDelayMS configures the jitter buffer's priming delay (spec.md
// §4.2's set_min_delay_ms operation), reachable from the --jitter-delay-ms
// configuration flag.
func (c *Controller) SetJitterDelayMS(ms int) {
	c.jbMu.Lock()
	defer c.jbMu.Unlock()
	c.jb.SetMinDelayMS(ms)
}

// Close releases the underlying socket.
func (c *Controller) Close() error {
	return c.conn.Close()
}

// Run drives the process-lifetime receive loop and the command loop until
// ctx is cancelled. It blocks; callers should run it in a goroutine.
func (c *Controller) Run(ctx context.Context, commands <-chan Command) {
	callerDiscovery := make(chan net.IP, 1)

	go receiveLoop(ctx, c.conn, c.localIP, c.jb, &c.jbMu, c.stats, callerDiscovery, c.log.Named("receive"))

	for {
		select {
		case <-ctx.Done():
			c.endCallLocked()
			return
		case ip := <-callerDiscovery:
			c.mu.Lock()
			c.callerIP = ip
			c.mu.Unlock()
		case cmd := <-commands:
			c.handle(ctx, cmd)
		}
	}
}

// handle dispatches one signaling command per spec.md §4.6's transition
// table.
func (c *Controller) handle(ctx context.Context, cmd Command) {
	switch cmd.Command {
	case "ping":
		target := cmd.TargetIP
		if target == nil {
			c.log.Warnw("ping command missing target_ip", "user_id", cmd.UserID)
			return
		}
		ping := packet.Ping()
		addr := &net.UDPAddr{IP: target, Port: Port}
		if _, err := c.conn.WriteTo(ping.Serialize(), addr); err != nil {
			c.log.Warnw("ping send failed", "target", target, "error", err)
		}
		// Ping never changes session state, from Idle or Active.

	case "start_call":
		c.startCall(ctx, cmd)

	case "end_call":
		c.mu.Lock()
		c.callerIP = nil
		c.mu.Unlock()
		c.endCallLocked()

	default:
		c.log.Warnw("unknown control command", "command", cmd.Command, "user_id", cmd.UserID)
	}
}

func (c *Controller) startCall(ctx context.Context, cmd Command) {
	c.mu.Lock()
	if c.state == Active {
		c.mu.Unlock()
		c.log.Warnw("start_call received while already active; ignoring", "user_id", cmd.UserID)
		return
	}

	peerIP := c.callerIP
	if peerIP == nil {
		peerIP = cmd.TargetIP
	}
	if peerIP == nil {
		c.mu.Unlock()
		c.log.Warnw("start_call has no known peer (no prior ping, no target_ip)", "user_id", cmd.UserID)
		return
	}
	peer := &net.UDPAddr{IP: peerIP, Port: Port}
	c.mu.Unlock()

	c.stats.reset()

	callCtx, cancel := context.WithCancel(ctx)
	captureOut := make(chan []byte, 128)
	engine := c.newEngine(c.log.Named("audio"))

	if err := engine.Start(captureOut, c.jb, &c.jbMu); err != nil {
		cancel()
		c.log.Errorw("failed to start audio engine, aborting call", "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sendLoop(callCtx, c.conn, peer, captureOut, c.log.Named("send"))
	}()

	c.mu.Lock()
	c.state = Active
	c.peerAddr = peer
	c.callEngine = engine
	c.callCancel = cancel
	c.callDone = done
	c.mu.Unlock()

	c.log.Infow("call started", "peer", peer, "user_id", cmd.UserID)
}

// endCallLocked tears down the active call, if any. Safe to call when
// already Idle.
func (c *Controller) endCallLocked() {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return
	}
	cancel := c.callCancel
	engine := c.callEngine
	done := c.callDone
	peer := c.peerAddr
	c.state = Idle
	c.peerAddr = nil
	c.callEngine = nil
	c.callCancel = nil
	c.callDone = nil
	c.mu.Unlock()

	cancel()
	<-done
	engine.Stop()

	lossRatePct, peak := c.stats.snapshot()
	c.log.Infow("call ended", "loss_rate_pct", lossRatePct, "peak_sample", peak)

	if c.OnCallEnd != nil {
		var peerIP net.IP
		if peer != nil {
			peerIP = peer.IP
		}
		c.OnCallEnd(CallSummary{Peer: peerIP, LossRatePct: lossRatePct, PeakSample: peak})
	}
}

// State reports the controller's current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JitterDepth reports the current jitter buffer occupancy, in samples.
func (c *Controller) JitterDepth() int {
	c.jbMu.Lock()
	defer c.jbMu.Unlock()
	return c.jb.Len()
}
