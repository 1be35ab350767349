package turnclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaplane/sfu/pkg/stunwire"
)

// fakeServer answers Allocate requests with a success response carrying
// a relayed address, exercising the client's parse path without a real
// network round trip.
type fakeServer struct {
	client *Client
}

func (f *fakeServer) send(data []byte, server *net.UDPAddr) (int, error) {
	msg, err := stunwire.Parse(data)
	if err != nil {
		return 0, err
	}
	if msg.Method != stunwire.MethodAllocate || msg.Class != stunwire.ClassRequest {
		return len(data), nil
	}

	relay, _ := stunwire.EncodeXORMappedAddress(stunwire.Addr{IP: net.ParseIP("203.0.113.5"), Port: 12000}, msg.TransactionID)
	resp := &stunwire.Message{
		Class: stunwire.ClassSuccessResponse, Method: stunwire.MethodAllocate, TransactionID: msg.TransactionID,
		Attributes: []stunwire.Attribute{
			{Type: stunwire.AttrXORRelayedAddress, Value: relay},
			{Type: stunwire.AttrLifetime, Value: []byte{0, 0, 0x02, 0x58}},
		},
	}
	buf, err := resp.Serialize(nil, false)
	if err != nil {
		return 0, err
	}
	f.client.HandleMessage(buf)
	return len(data), nil
}

func TestAllocateSucceedsAndParsesRelayAddress(t *testing.T) {
	fake := &fakeServer{}
	c := New(Config{Server: &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}}, fake.send, nil)
	fake.client = c

	var gotOK bool
	var gotAlloc Allocation
	err := c.Allocate(func(ok bool, alloc Allocation, err error) {
		gotOK = ok
		gotAlloc = alloc
	})
	require.NoError(t, err)
	assert.True(t, gotOK)
	assert.Equal(t, "203.0.113.5", gotAlloc.RelayedAddress.IP.String())
	assert.Equal(t, uint16(12000), gotAlloc.RelayedAddress.Port)
	assert.Equal(t, uint32(600), gotAlloc.Lifetime)
	assert.Equal(t, StateAllocated, c.State())
}

func TestChannelNumbersStayWithinRFCRange(t *testing.T) {
	fake := &fakeServer{}
	c := New(Config{Server: &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}}, fake.send, nil)
	fake.client = c
	require.NoError(t, c.Allocate(func(bool, Allocation, error) {}))

	ch, err := c.BindChannel(stunwire.Addr{IP: net.ParseIP("10.0.0.5"), Port: 4000})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ch, uint16(0x4000))
	assert.LessOrEqual(t, ch, uint16(0x7FFE))
}

func TestSendToRequiresAllocation(t *testing.T) {
	c := New(Config{Server: &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}}, func(b []byte, a *net.UDPAddr) (int, error) {
		return len(b), nil
	}, nil)
	err := c.SendTo([]byte("hi"), stunwire.Addr{IP: net.ParseIP("10.0.0.5"), Port: 4000})
	assert.Error(t, err)
}

func TestDataIndicationDispatchesToCallback(t *testing.T) {
	c := New(Config{Server: &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}}, func(b []byte, a *net.UDPAddr) (int, error) {
		return len(b), nil
	}, nil)

	var gotData []byte
	var gotPeer stunwire.Addr
	c.SetDataCallback(func(data []byte, peer stunwire.Addr) {
		gotData = data
		gotPeer = peer
	})

	var txID [12]byte
	copyRandomTxID(&txID)
	peerAddr, _ := stunwire.EncodeXORMappedAddress(stunwire.Addr{IP: net.ParseIP("10.0.0.9"), Port: 9000}, txID)
	ind := &stunwire.Message{
		Class: stunwire.ClassIndication, Method: stunwire.MethodData, TransactionID: txID,
		Attributes: []stunwire.Attribute{
			{Type: stunwire.AttrXORPeerAddress, Value: peerAddr},
			{Type: stunwire.AttrData, Value: []byte("payload")},
		},
	}
	buf, err := ind.Serialize(nil, false)
	require.NoError(t, err)

	c.HandleMessage(buf)
	assert.Equal(t, []byte("payload"), gotData)
	assert.Equal(t, "10.0.0.9", gotPeer.IP.String())
	assert.Equal(t, uint16(9000), gotPeer.Port)
}
