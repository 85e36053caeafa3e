package gateway

import "fmt"

// State is the connection state of one session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateZombied
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateIdentifying:  "identifying",
	StateResuming:     "resuming",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateZombied:      "zombied",
	StateClosed:       "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Signal is an input to the state machine.
type Signal int

const (
	SigDial Signal = iota
	SigHelloFresh
	SigHelloResume
	SigReady
	SigResumed
	SigInvalidNonResumable
	SigInvalidResumable
	SigTransportLost
	SigReconnectRequested
	SigDecodeFailed
	SigAckMissed
	SigFatal
	SigShutdown
)

var signalNames = [...]string{
	SigDial:                "dial",
	SigHelloFresh:          "hello_fresh",
	SigHelloResume:         "hello_resume",
	SigReady:               "ready",
	SigResumed:             "resumed",
	SigInvalidNonResumable: "invalid_session",
	SigInvalidResumable:    "invalid_session_resumable",
	SigTransportLost:       "transport_lost",
	SigReconnectRequested:  "reconnect_requested",
	SigDecodeFailed:        "decode_failed",
	SigAckMissed:           "ack_missed",
	SigFatal:               "fatal",
	SigShutdown:            "shutdown",
}

func (s Signal) String() string {
	if int(s) < len(signalNames) {
		return signalNames[s]
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// ErrIllegalTransition is returned for a (state, signal) pair with no edge.
type ErrIllegalTransition struct {
	From   State
	Signal Signal
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: %s on %s", e.From, e.Signal)
}

// live reports whether a socket is open in state s.
func live(s State) bool {
	switch s {
	case StateConnecting, StateIdentifying, StateResuming, StateConnected, StateZombied:
		return true
	}
	return false
}

// Transition is the session state machine. It has no side effects; the
// session performs the actions implied by the resulting state.
func Transition(from State, sig Signal) (State, error) {
	if from == StateClosed {
		return from, &ErrIllegalTransition{From: from, Signal: sig}
	}

	switch sig {
	case SigShutdown, SigFatal:
		return StateClosed, nil

	case SigDial:
		if from == StateDisconnected || from == StateReconnecting {
			return StateConnecting, nil
		}

	case SigHelloFresh:
		if from == StateConnecting {
			return StateIdentifying, nil
		}

	case SigHelloResume:
		if from == StateConnecting {
			return StateResuming, nil
		}

	case SigReady:
		if from == StateIdentifying {
			return StateConnected, nil
		}

	case SigResumed:
		if from == StateResuming {
			return StateConnected, nil
		}

	case SigInvalidNonResumable:
		// The descriptor is dropped and a fresh identify is sent.
		if from == StateIdentifying || from == StateResuming || from == StateConnected {
			return StateIdentifying, nil
		}

	case SigInvalidResumable, SigTransportLost, SigReconnectRequested, SigDecodeFailed:
		if live(from) {
			return StateReconnecting, nil
		}

	case SigAckMissed:
		if from == StateConnected {
			return StateZombied, nil
		}
	}
	return from, &ErrIllegalTransition{From: from, Signal: sig}
}
