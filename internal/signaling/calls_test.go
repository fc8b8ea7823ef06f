package signaling

import (
	"net"
	"testing"
	"time"

	"github.com/rustyguts/voip/internal/transport"
)

type fakeHistory struct {
	started     int
	ended       int
	lastLossPct float64
	lastPeak    int16
}

func (f *fakeHistory) RecordCallStart(callID, callerID, calleeID, peerAddress string, startedAt time.Time) (int64, error) {
	f.started++
	return int64(f.started), nil
}

func (f *fakeHistory) RecordCallEnd(id int64, endedAt time.Time, lossRatePct float64, peakSample int16) error {
	f.ended++
	f.lastLossPct = lossRatePct
	f.lastPeak = peakSample
	return nil
}

func TestAcceptSendsStartCallWithCallerIP(t *testing.T) {
	r := NewRegistry()
	r.Register("caller", "alice", net.IPv4(10, 0, 0, 1))
	r.Register("callee", "bob", net.IPv4(10, 0, 0, 2))

	commands := make(chan transport.Command, 4)
	m := NewManager(r, commands)

	if _, err := m.Initiate("call1", "caller", "callee"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := m.Accept("call1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	select {
	case cmd := <-commands:
		if cmd.Command != "start_call" || cmd.UserID != "callee" || !cmd.TargetIP.Equal(net.IPv4(10, 0, 0, 1)) {
			t.Errorf("unexpected command: %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for start_call command")
	}

	if r.Get("caller").Status != StatusInCall || r.Get("callee").Status != StatusInCall {
		t.Error("want both parties InCall after accept")
	}
}

func TestEndSendsEndCallAndResetsStatus(t *testing.T) {
	r := NewRegistry()
	r.Register("caller", "alice", net.IPv4(10, 0, 0, 1))
	r.Register("callee", "bob", net.IPv4(10, 0, 0, 2))
	commands := make(chan transport.Command, 4)
	m := NewManager(r, commands)

	m.Initiate("call1", "caller", "callee")
	m.Accept("call1")
	<-commands // drain start_call

	if err := m.End("call1"); err != nil {
		t.Fatalf("End: %v", err)
	}

	select {
	case cmd := <-commands:
		if cmd.Command != "end_call" {
			t.Errorf("want end_call, got %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for end_call command")
	}

	if r.Get("caller").Status != StatusIdle || r.Get("callee").Status != StatusIdle {
		t.Error("want both parties Idle after end")
	}
	if m.Get("call1") != nil {
		t.Error("want call removed after end")
	}
}

func TestAcceptAndEndRecordCallHistory(t *testing.T) {
	r := NewRegistry()
	r.Register("caller", "alice", net.IPv4(10, 0, 0, 1))
	r.Register("callee", "bob", net.IPv4(10, 0, 0, 2))
	commands := make(chan transport.Command, 4)
	hist := &fakeHistory{}
	m := NewManager(r, commands).WithHistory(hist)

	m.Initiate("call1", "caller", "callee")
	if err := m.Accept("call1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	<-commands

	if hist.started != 1 {
		t.Fatalf("want 1 recorded call start, got %d", hist.started)
	}

	if err := m.End("call1"); err != nil {
		t.Fatalf("End: %v", err)
	}
	<-commands

	// End only queues the end_call command; the real summary arrives once
	// the transport controller finishes tearing the call down and invokes
	// the OnCallEnd callback, wired here as it would be in main.go.
	m.OnCallEnded(transport.CallSummary{LossRatePct: 12.5, PeakSample: 8000})

	if hist.ended != 1 {
		t.Fatalf("want 1 recorded call end, got %d", hist.ended)
	}
	if hist.lastLossPct != 12.5 || hist.lastPeak != 8000 {
		t.Errorf("want real summary recorded, got lossPct=%v peak=%v", hist.lastLossPct, hist.lastPeak)
	}
}

func TestInitiateDuplicateCallIDFails(t *testing.T) {
	r := NewRegistry()
	r.Register("caller", "alice", net.IPv4(10, 0, 0, 1))
	r.Register("callee", "bob", net.IPv4(10, 0, 0, 2))
	m := NewManager(r, make(chan transport.Command, 4))

	m.Initiate("call1", "caller", "callee")
	if _, err := m.Initiate("call1", "caller", "callee"); err == nil {
		t.Error("want error on duplicate call id")
	}
}

func TestOfferAnswerCandidateRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register("caller", "alice", net.IPv4(10, 0, 0, 1))
	r.Register("callee", "bob", net.IPv4(10, 0, 0, 2))
	m := NewManager(r, make(chan transport.Command, 4))
	m.Initiate("call1", "caller", "callee")

	if err := m.SetOffer("call1", "offer-blob"); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	if err := m.SetAnswer("call1", "answer-blob"); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := m.AddCandidate("call1", "candidate-1"); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	call := m.Get("call1")
	if call.Offer != "offer-blob" || call.Answer != "answer-blob" || len(call.Candidates) != 1 {
		t.Errorf("unexpected call state: %+v", call)
	}
}
