package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		sig  Signal
		want State
	}{
		{StateDisconnected, SigDial, StateConnecting},
		{StateConnecting, SigHelloFresh, StateIdentifying},
		{StateConnecting, SigHelloResume, StateResuming},
		{StateIdentifying, SigReady, StateConnected},
		{StateResuming, SigResumed, StateConnected},
		{StateResuming, SigInvalidNonResumable, StateIdentifying},
		{StateConnected, SigInvalidNonResumable, StateIdentifying},
		{StateConnected, SigReconnectRequested, StateReconnecting},
		{StateConnected, SigTransportLost, StateReconnecting},
		{StateConnected, SigDecodeFailed, StateReconnecting},
		{StateConnected, SigAckMissed, StateZombied},
		{StateZombied, SigTransportLost, StateReconnecting},
		{StateReconnecting, SigDial, StateConnecting},
		{StateConnected, SigShutdown, StateClosed},
		{StateReconnecting, SigFatal, StateClosed},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"/"+tc.sig.String(), func(t *testing.T) {
			got, err := Transition(tc.from, tc.sig)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		from State
		sig  Signal
	}{
		{StateDisconnected, SigReady},
		{StateIdentifying, SigResumed},
		{StateConnecting, SigAckMissed},
		{StateZombied, SigAckMissed},
		{StateConnected, SigDial},
		{StateReconnecting, SigTransportLost},
		{StateClosed, SigDial},
		{StateClosed, SigShutdown},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.sig)
		var illegal *ErrIllegalTransition
		assert.ErrorAs(t, err, &illegal, "%s on %s", tc.from, tc.sig)
		assert.Equal(t, tc.from, got)
	}
}

// Once zombied, only one path leads back to a live connection.
func TestZombieRecoversThroughSingleReconnect(t *testing.T) {
	s, err := Transition(StateConnected, SigAckMissed)
	require.NoError(t, err)

	s, err = Transition(s, SigTransportLost)
	require.NoError(t, err)
	assert.Equal(t, StateReconnecting, s)

	_, err = Transition(s, SigTransportLost)
	assert.Error(t, err)
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, CloseFatal, ActionFor(CloseAuthenticationFailed))
	assert.Equal(t, CloseFatal, ActionFor(CloseDisallowedIntents))
	assert.Equal(t, CloseIdentify, ActionFor(CloseInvalidSeq))
	assert.Equal(t, CloseIdentify, ActionFor(CloseSessionTimedOut))
	assert.Equal(t, CloseResume, ActionFor(CloseUnknownError))
	assert.Equal(t, CloseResume, ActionFor(1006))
}
