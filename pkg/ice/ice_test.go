package ice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculatePriorityOrderingByType(t *testing.T) {
	host := CalculatePriority(TypeHost, 65535, 1)
	prflx := CalculatePriority(TypePeerReflexive, 65535, 1)
	srflx := CalculatePriority(TypeServerReflexive, 65535, 1)
	relay := CalculatePriority(TypeRelay, 65535, 1)
	assert.Greater(t, host, prflx)
	assert.Greater(t, prflx, srflx)
	assert.Greater(t, srflx, relay)
}

func TestCalculatePriorityComponentPenalizesHigherComponent(t *testing.T) {
	comp1 := CalculatePriority(TypeHost, 100, 1)
	comp2 := CalculatePriority(TypeHost, 100, 2)
	assert.Greater(t, comp1, comp2)
}

func TestPairPriorityFormula(t *testing.T) {
	g, d := uint32(100), uint32(50)
	got := PairPriority(g, d)
	want := (uint64(1)<<32)*50 + 2*100 + 1
	assert.Equal(t, want, got)
}

func TestPairPrioritySymmetricSwap(t *testing.T) {
	a := PairPriority(100, 50)
	b := PairPriority(50, 100)
	assert.NotEqual(t, a, b, "swapping controlling/controlled must change the tie-break bit")
}

func TestGenerateCredentialsLengths(t *testing.T) {
	creds, err := GenerateCredentials()
	require.NoError(t, err)
	assert.Len(t, creds.UsernameFragment, 8)
	assert.Len(t, creds.Password, 24)
}

func TestToSDPFormat(t *testing.T) {
	c := Candidate{
		Foundation: "1", Component: 1, Protocol: "udp", Priority: 2130706431,
		Address: net.ParseIP("10.0.0.1"), Port: 5000, Type: TypeHost,
	}
	assert.Equal(t, "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", c.ToSDP())
}

func newTestAgentPair(t *testing.T) (*Agent, *Agent) {
	var controllingRecv, controlledRecv func([]byte, *net.UDPAddr)

	controllingSend := func(data []byte, remote *net.UDPAddr) (int, error) {
		if controlledRecv != nil {
			controlledRecv(data, remote)
		}
		return len(data), nil
	}
	controlledSend := func(data []byte, remote *net.UDPAddr) (int, error) {
		if controllingRecv != nil {
			controllingRecv(data, remote)
		}
		return len(data), nil
	}

	controlling, err := New(Config{
		Role: RoleControlling, LocalAddress: net.ParseIP("10.0.0.1"), LocalPort: 5000,
		GatherHostCandidates: true, ConnectivityCheckInterval: time.Millisecond,
	}, controllingSend, Callbacks{}, nil)
	require.NoError(t, err)

	controlled, err := New(Config{
		Role: RoleControlled, LocalAddress: net.ParseIP("10.0.0.2"), LocalPort: 6000,
		GatherHostCandidates: true, ConnectivityCheckInterval: time.Millisecond,
	}, controlledSend, Callbacks{}, nil)
	require.NoError(t, err)

	controllingRecv = func(data []byte, remote *net.UDPAddr) { controlling.HandleSTUNMessage(data, remote) }
	controlledRecv = func(data []byte, remote *net.UDPAddr) { controlled.HandleSTUNMessage(data, remote) }

	return controlling, controlled
}

func TestFullHandshakeReachesConnected(t *testing.T) {
	controlling, controlled := newTestAgentPair(t)

	controlling.GatherCandidates()
	controlled.GatherCandidates()

	require.Len(t, controlling.LocalCandidates(), 1)
	require.Len(t, controlled.LocalCandidates(), 1)

	controlling.SetRemoteCredentials(controlled.LocalCredentials())
	controlled.SetRemoteCredentials(controlling.LocalCredentials())

	for _, c := range controlled.LocalCandidates() {
		controlling.AddRemoteCandidate(c)
	}
	for _, c := range controlling.LocalCandidates() {
		controlled.AddRemoteCandidate(c)
	}

	controlling.SetRemoteCandidatesComplete()
	controlled.SetRemoteCandidatesComplete()

	assert.Eventually(t, func() bool {
		controlling.Process()
		controlled.Process()
		_, ok := controlling.SelectedPair()
		return ok
	}, 2*time.Second, time.Millisecond)

	assert.Eventually(t, func() bool {
		return controlling.ConnectionState() == ConnConnected || controlling.ConnectionState() == ConnCompleted
	}, time.Second, time.Millisecond)
}

func TestNoPairsStaysInCheckingUntilFailed(t *testing.T) {
	a, err := New(Config{Role: RoleControlling, ConnectivityCheckInterval: time.Millisecond}, func(b []byte, r *net.UDPAddr) (int, error) {
		return len(b), nil
	}, Callbacks{}, nil)
	require.NoError(t, err)

	a.SetRemoteCandidatesComplete()
	assert.Equal(t, ConnChecking, a.ConnectionState())
	a.Process()
	assert.Equal(t, ConnChecking, a.ConnectionState(), "no pairs at all is neither success nor exhaustion")
}
