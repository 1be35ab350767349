package stunwire

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

const (
	familyIPv4 uint8 = 0x01
	familyIPv6 uint8 = 0x02
)

// Addr is a socket address, kept extensible for a future IPv6 family per
// spec §6 ("IPv6 is future work but the address type must be extensible").
type Addr struct {
	IP   net.IP
	Port uint16
}

// EncodeXORMappedAddress builds the XOR-MAPPED-ADDRESS attribute value:
// the address XORed with magic cookie + transaction ID (RFC5389 §15.2).
func EncodeXORMappedAddress(addr Addr, txID [transactionIDSize]byte) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, errors.New("stunwire: only IPv4 supported")
	}
	buf := make([]byte, 8)
	buf[0] = 0
	buf[1] = familyIPv4
	xport := addr.Port ^ uint16(MagicCookie>>16)
	binary.BigEndian.PutUint16(buf[2:4], xport)

	xorKey := make([]byte, 16)
	binary.BigEndian.PutUint32(xorKey[0:4], MagicCookie)
	copy(xorKey[4:16], txID[:])

	for i := 0; i < 4; i++ {
		buf[4+i] = ip4[i] ^ xorKey[i]
	}
	return buf, nil
}

// DecodeXORMappedAddress is the inverse of EncodeXORMappedAddress.
func DecodeXORMappedAddress(value []byte, txID [transactionIDSize]byte) (Addr, error) {
	if len(value) < 8 {
		return Addr{}, errors.Wrap(ErrMalformed, "xor-mapped-address too short")
	}
	family := value[1]
	if family != familyIPv4 {
		return Addr{}, errors.New("stunwire: only IPv4 supported")
	}
	xport := binary.BigEndian.Uint16(value[2:4])
	port := xport ^ uint16(MagicCookie>>16)

	xorKey := make([]byte, 16)
	binary.BigEndian.PutUint32(xorKey[0:4], MagicCookie)
	copy(xorKey[4:16], txID[:])

	ip := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		ip[i] = value[4+i] ^ xorKey[i]
	}
	return Addr{IP: ip, Port: port}, nil
}

// GetXORMappedAddress is a convenience wrapper reading the attribute
// straight off a parsed Message.
func (m *Message) GetXORMappedAddress() (Addr, bool, error) {
	attr, ok := m.GetAttribute(AttrXORMappedAddress)
	if !ok {
		return Addr{}, false, nil
	}
	addr, err := DecodeXORMappedAddress(attr.Value, m.TransactionID)
	if err != nil {
		return Addr{}, false, err
	}
	return addr, true, nil
}
