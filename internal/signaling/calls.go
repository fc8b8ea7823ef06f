package signaling

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rustyguts/voip/internal/transport"
)

// Call is one signaling exchange between a caller and callee. It exists
// from initiate through end/reject, and is discarded afterward — nothing
// here survives a restart.
type Call struct {
	ID         string
	CallerID   string
	CalleeID   string
	Offer      string
	Answer     string
	Candidates []string

	historyID    int64
	historyValid bool
	startedAt    time.Time
}

// historyRecorder is the subset of *store.Store the manager needs to keep
// the call-history audit log in sync with the live call lifecycle. An
// interface here avoids a dependency on store's sqlite driver from tests
// that don't care about persistence.
type historyRecorder interface {
	RecordCallStart(callID, callerID, calleeID, peerAddress string, startedAt time.Time) (int64, error)
	RecordCallEnd(id int64, endedAt time.Time, lossRatePct float64, peakSample int16) error
}

// Manager tracks in-flight calls and drives the transport Controller's
// command channel on accept/end, mirroring the original's signaling.rs
// translating HTTP actions into UdpCommand values.
type Manager struct {
	mu       sync.Mutex
	calls    map[string]*Call
	registry *Registry
	commands chan<- transport.Command
	history  historyRecorder

	// pendingHistoryID is the history row for the call that just sent
	// end_call to the transport controller, awaiting the real loss/peak
	// summary from OnCallEnded. spec.md's state machine only ever has one
	// active call, so a single slot is enough — no map keyed by call ID.
	pendingHistoryID    int64
	pendingHistoryValid bool
}

func NewManager(registry *Registry, commands chan<- transport.Command) *Manager {
	return &Manager{
		calls:    make(map[string]*Call),
		registry: registry,
		commands: commands,
	}
}

// WithHistory attaches a call-history recorder; calls made before this is
// set are simply not recorded.
func (m *Manager) WithHistory(h historyRecorder) *Manager {
	m.history = h
	return m
}

// Initiate creates a new call record and marks both caller and callee as
// Calling.
func (m *Manager) Initiate(callID, callerID, calleeID string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[callID]; exists {
		return nil, fmt.Errorf("signaling: call %s already exists", callID)
	}
	c := &Call{ID: callID, CallerID: callerID, CalleeID: calleeID}
	m.calls[callID] = c
	m.registry.SetStatus(callerID, StatusCalling)
	m.registry.SetStatus(calleeID, StatusCalling)
	return c, nil
}

// Accept transitions both parties to InCall and instructs the transport
// controller to start relaying audio to the caller's known IP address.
func (m *Manager) Accept(callID string) error {
	m.mu.Lock()
	call, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("signaling: unknown call %s", callID)
	}

	caller := m.registry.Get(call.CallerID)
	if caller == nil {
		return fmt.Errorf("signaling: caller %s not registered", call.CallerID)
	}

	m.registry.SetStatus(call.CallerID, StatusInCall)
	m.registry.SetStatus(call.CalleeID, StatusInCall)

	if m.history != nil {
		peerAddr := ""
		if caller.IPAddress != nil {
			peerAddr = caller.IPAddress.String()
		}
		start := time.Now()
		if id, err := m.history.RecordCallStart(call.ID, call.CallerID, call.CalleeID, peerAddr, start); err == nil {
			m.mu.Lock()
			call.historyID = id
			call.historyValid = true
			call.startedAt = start
			m.mu.Unlock()
		}
	}

	m.commands <- transport.Command{
		UserID:   call.CalleeID,
		Command:  "start_call",
		TargetIP: caller.IPAddress,
	}
	return nil
}

// Reject discards the call and returns both parties to Idle.
func (m *Manager) Reject(callID string) error {
	return m.teardown(callID, false)
}

// End discards the call, instructs the transport controller to stop
// relaying audio, and returns both parties to Idle.
func (m *Manager) End(callID string) error {
	return m.teardown(callID, true)
}

func (m *Manager) teardown(callID string, sendEndCommand bool) error {
	m.mu.Lock()
	call, ok := m.calls[callID]
	if ok {
		delete(m.calls, callID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("signaling: unknown call %s", callID)
	}

	m.registry.SetStatus(call.CallerID, StatusIdle)
	m.registry.SetStatus(call.CalleeID, StatusIdle)

	if m.history != nil && call.historyValid {
		if sendEndCommand {
			// The transport controller tears the call down asynchronously
			// after receiving end_call below; OnCallEnded records the real
			// loss/peak summary once that finishes.
			m.mu.Lock()
			m.pendingHistoryID = call.historyID
			m.pendingHistoryValid = true
			m.mu.Unlock()
		} else {
			// Only a call rejected after Accept has a history row; no
			// end_call is sent for it, so its row is closed with zeros.
			m.history.RecordCallEnd(call.historyID, time.Now(), 0, 0)
		}
	}

	if sendEndCommand {
		m.commands <- transport.Command{UserID: call.CalleeID, Command: "end_call"}
	}
	return nil
}

// OnCallEnded is wired to the transport Controller's OnCallEnd callback so
// the call-history audit log records the real loss-rate and peak-sample
// summary instead of placeholder zeros, once the transport layer actually
// finishes tearing the call down.
func (m *Manager) OnCallEnded(summary transport.CallSummary) {
	m.mu.Lock()
	if !m.pendingHistoryValid {
		m.mu.Unlock()
		return
	}
	id := m.pendingHistoryID
	m.pendingHistoryValid = false
	m.mu.Unlock()

	if m.history != nil {
		m.history.RecordCallEnd(id, time.Now(), summary.LossRatePct, summary.PeakSample)
	}
}

// Hold and Resume flip the given user's status without touching the
// transport layer; spec.md's Non-goal of congestion-adaptive bitrate
// notwithstanding, hold/resume here is purely a signaling-side status flag
// carried over from the original's CallStatus enum.
func (m *Manager) Hold(userID string) bool {
	return m.registry.SetStatus(userID, StatusOnHold)
}

func (m *Manager) Resume(userID string) bool {
	return m.registry.SetStatus(userID, StatusInCall)
}

// Ping asks the transport controller to send a discovery ping to target.
func (m *Manager) Ping(userID string, target net.IP) {
	m.commands <- transport.Command{UserID: userID, Command: "ping", TargetIP: target}
}

func (m *Manager) Get(callID string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// SetOffer, SetAnswer, and AddCandidate store the SDP-equivalent blobs the
// original exchanged as opaque strings over /api/signal/offer,
// /api/signal/answer, and /api/signal/candidate.
func (m *Manager) SetOffer(callID, offer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("signaling: unknown call %s", callID)
	}
	c.Offer = offer
	return nil
}

func (m *Manager) SetAnswer(callID, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("signaling: unknown call %s", callID)
	}
	c.Answer = answer
	return nil
}

func (m *Manager) AddCandidate(callID, candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("signaling: unknown call %s", callID)
	}
	c.Candidates = append(c.Candidates, candidate)
	return nil
}
