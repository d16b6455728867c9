package feathermail

import "testing"

func TestStateMachineConnectGreet(t *testing.T) {
	sm := NewStateMachine()

	if sm.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want Disconnected", sm.State())
	}

	if err := sm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sm.State() != StateConnected {
		t.Fatalf("state after Connect = %v, want Connected", sm.State())
	}

	if err := sm.Greet(); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if sm.State() != StateGreeted {
		t.Fatalf("state after Greet = %v, want Greeted", sm.State())
	}
}

func TestStateMachineConnectTwiceFails(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sm.Connect(); err == nil {
		t.Fatal("expected error connecting twice")
	}
}

func TestStateMachineGreetBeforeConnectFails(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Greet(); err == nil {
		t.Fatal("expected error greeting before connect")
	}
}

func TestStateMachineTransactionFlow(t *testing.T) {
	sm := NewStateMachine()
	mustTransition := func(s State) {
		t.Helper()
		if err := sm.Transition(s); err != nil {
			t.Fatalf("Transition(%v) from %v: %v", s, sm.State(), err)
		}
	}

	mustTransition(StateConnected)
	mustTransition(StateGreeted)
	mustTransition(StateIdentified)
	mustTransition(StateMailFrom)
	mustTransition(StateRcptTo)
	mustTransition(StateRcptTo) // additional RCPT TO stays in RcptTo
	mustTransition(StateData)
	mustTransition(StateDataDone)
	mustTransition(StateIdentified) // envelope reset after DATA

	if sm.State() != StateIdentified {
		t.Fatalf("final state = %v, want Identified", sm.State())
	}
}

func TestStateMachineInvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateData); err == nil {
		t.Fatal("expected error transitioning from Disconnected directly to Data")
	}
}

func TestStateMachineTransitionForCommand(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Connect()
	_ = sm.Greet()

	newState, err := sm.TransitionForCommand(CmdEHLO, true)
	if err != nil {
		t.Fatalf("TransitionForCommand: %v", err)
	}
	if newState != StateIdentified {
		t.Fatalf("state = %v, want Identified", newState)
	}

	// A failed command never advances the state.
	newState, err = sm.TransitionForCommand(CmdMAIL, false)
	if err != nil {
		t.Fatalf("TransitionForCommand(failed): %v", err)
	}
	if newState != StateIdentified {
		t.Fatalf("state after failed command = %v, want unchanged Identified", newState)
	}

	// AUTH never changes protocol state; it only sets meta flags (§4.7).
	newState, err = sm.TransitionForCommand(CmdAUTH, true)
	if err != nil {
		t.Fatalf("TransitionForCommand(AUTH): %v", err)
	}
	if newState != StateIdentified {
		t.Fatalf("state after AUTH = %v, want unchanged Identified", newState)
	}
}

func TestStateMachineResetClearsTransactionOnly(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Connect()
	_ = sm.Greet()
	_ = sm.Transition(StateIdentified)
	_ = sm.Transition(StateMailFrom)
	_ = sm.Transition(StateRcptTo)

	sm.Reset()
	if sm.State() != StateIdentified {
		t.Fatalf("state after Reset = %v, want Identified", sm.State())
	}

	// Reset outside a transaction is a no-op.
	sm.Reset()
	if sm.State() != StateIdentified {
		t.Fatalf("state after second Reset = %v, want still Identified", sm.State())
	}
}

func TestStateMachineSTARTTLSRoundTrip(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Connect()
	_ = sm.Greet()
	_ = sm.Transition(StateIdentified)

	if err := sm.Transition(StateStartTLS); err != nil {
		t.Fatalf("Transition to StartTLS: %v", err)
	}
	if err := sm.TLSComplete(); err != nil {
		t.Fatalf("TLSComplete: %v", err)
	}
	if sm.State() != StateGreeted {
		t.Fatalf("state after TLSComplete = %v, want Greeted (client must re-EHLO)", sm.State())
	}
}

func TestStateMachineTLSCompleteWrongState(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.TLSComplete(); err == nil {
		t.Fatal("expected error completing TLS outside StartTLS state")
	}
}

func TestStateMachineDataCompleteWrongState(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.DataComplete(); err == nil {
		t.Fatal("expected error completing data outside Data state")
	}
}

func TestStateMachineTerminateFromAnyState(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Connect()
	_ = sm.Greet()
	_ = sm.Transition(StateIdentified)
	_ = sm.Transition(StateTerminating)

	if err := sm.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if sm.State() != StateTerminated {
		t.Fatalf("state = %v, want Terminated", sm.State())
	}
	if !sm.State().IsTerminal() {
		t.Fatal("Terminated should be a terminal state")
	}
}

func TestStateMachineObserverNotified(t *testing.T) {
	sm := NewStateMachine()
	var got []StateTransition
	sm.observer = observerFunc(func(tr StateTransition) { got = append(got, tr) })

	_ = sm.Connect()
	_ = sm.Greet()

	if len(got) != 2 {
		t.Fatalf("observer saw %d transitions, want 2", len(got))
	}
	if got[0].From != StateDisconnected || got[0].To != StateConnected {
		t.Errorf("first transition = %+v", got[0])
	}
	if got[1].From != StateConnected || got[1].To != StateGreeted {
		t.Errorf("second transition = %+v", got[1])
	}
}

type observerFunc func(StateTransition)

func (f observerFunc) OnStateChange(tr StateTransition) { f(tr) }

func TestIsCommandAllowed(t *testing.T) {
	if !IsCommandAllowed(StateIdentified, CmdMAIL) {
		t.Error("MAIL should be allowed in Identified")
	}
	if IsCommandAllowed(StateGreeted, CmdMAIL) {
		t.Error("MAIL should not be allowed before HELO/EHLO")
	}
	if !IsCommandAllowed(StateRcptTo, CmdDATA) {
		t.Error("DATA should be allowed after at least one RCPT TO")
	}
	if IsCommandAllowed(StateMailFrom, CmdDATA) {
		t.Error("DATA should not be allowed before any RCPT TO (spec invariant: to length >= 1)")
	}
}

func TestStateIsTerminal(t *testing.T) {
	terminal := []State{StateTerminated, StateAborted}
	nonTerminal := []State{StateDisconnected, StateConnected, StateGreeted, StateIdentified, StateMailFrom, StateRcptTo, StateData, StateDataDone, StateStartTLS, StateTerminating}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestStateInTransaction(t *testing.T) {
	inTx := []State{StateMailFrom, StateRcptTo, StateData}
	notInTx := []State{StateDisconnected, StateConnected, StateGreeted, StateIdentified, StateDataDone, StateStartTLS, StateTerminating, StateTerminated, StateAborted}

	for _, s := range inTx {
		if !s.InTransaction() {
			t.Errorf("%v should be in transaction", s)
		}
	}
	for _, s := range notInTx {
		if s.InTransaction() {
			t.Errorf("%v should not be in transaction", s)
		}
	}
}
