// Package transport implements the real-time UDP audio pipeline: the
// receive path (C4), the send path (C5), and the call control task (C6)
// that supervises both plus the capture/playback adapter. See spec.md §§4,5.
package transport

import "net"

// Command is one instruction injected by the signaling bridge (C7) into
// the control task's command channel. It is the full external interface
// the bridge is allowed to use — see spec.md §6.
type Command struct {
	UserID   string
	Command  string // "ping", "start_call", or "end_call"
	TargetIP net.IP // optional; nil when not supplied
}

// CommandChannelCapacity is the bounded MPSC capacity spec.md §5 assigns
// to the command channel.
const CommandChannelCapacity = 32

// Port is the fixed UDP port both ends bind and address each other on.
const Port = 40000
