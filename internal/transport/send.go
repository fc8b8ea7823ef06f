package transport

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// sendPollInterval is the idiomatic Go replacement for the original's
// try_recv()-plus-sleep(1ms) busy poll: a select with a timeout case blocks
// instead of spinning, while still checking for cancellation every 1ms.
const sendPollInterval = time.Millisecond

// packetConn is the subset of net.PacketConn the send loop needs.
type packetConn interface {
	WriteTo(p []byte, addr net.Addr) (n int, err error)
}

// sendLoop is C5: drain captureOut and relay each datagram to peer until
// ctx is cancelled. It is scoped to a single call (started by start_call,
// cancelled by end_call), unlike receiveLoop which spans the process.
func sendLoop(ctx context.Context, conn packetConn, peer *net.UDPAddr, captureOut <-chan []byte, log *zap.SugaredLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-captureOut:
			if _, err := conn.WriteTo(data, peer); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					log.Warnw("udp send failed", "peer", peer, "error", err)
				}
			}
		case <-time.After(sendPollInterval):
		}
	}
}
