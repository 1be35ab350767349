// Package stunwire implements STUN (RFC 5389) message encode/decode with
// MESSAGE-INTEGRITY and FINGERPRINT, used by pkg/ice for connectivity
// checks and TURN allocation (spec §4.A, §4.G, §6).
package stunwire

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// MagicCookie is the fixed STUN magic cookie (RFC 5389 §6).
const MagicCookie uint32 = 0x2112A442

const (
	headerSize        = 20
	transactionIDSize = 12
	fingerprintXOR     = 0x5354554E
)

// ErrMalformed is returned for any parse failure.
var ErrMalformed = errors.New("stunwire: malformed message")

// MessageClass is the 2-bit class field folded into the message type.
type MessageClass uint16

const (
	ClassRequest         MessageClass = 0b00
	ClassIndication      MessageClass = 0b01
	ClassSuccessResponse MessageClass = 0b10
	ClassErrorResponse   MessageClass = 0b11
)

// Method is the 12-bit method field.
type Method uint16

const (
	MethodBinding Method = 0x001
	MethodAllocate Method = 0x003 // TURN (RFC 5766)
	MethodRefresh  Method = 0x004
	MethodSend     Method = 0x006
	MethodData     Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

// AttrType is a STUN attribute type.
type AttrType uint16

const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXORMappedAddress  AttrType = 0x0020
	AttrPriority          AttrType = 0x0024
	AttrUseCandidate      AttrType = 0x0025
	AttrSoftware          AttrType = 0x8022
	AttrFingerprint       AttrType = 0x8028
	AttrIceControlled     AttrType = 0x8029
	AttrIceControlling    AttrType = 0x802A

	// TURN (RFC 5766)
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXORPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrXORRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
)

// Attribute is a raw TLV attribute; typed accessors below decode specific
// attribute values from it.
type Attribute struct {
	Type  AttrType
	Value []byte
}

// Message is a decoded STUN message.
type Message struct {
	Class         MessageClass
	Method        Method
	TransactionID [transactionIDSize]byte
	Attributes    []Attribute

	// raw holds the exact bytes parsed, needed to recompute
	// MESSAGE-INTEGRITY/FINGERPRINT over the original wire bytes.
	raw []byte
}

// messageType packs class+method into the 14-bit STUN type field per
// RFC5389 §6: method bits M11..M0 interleaved with class bits C1,C0.
func messageType(class MessageClass, method Method) uint16 {
	m := uint16(method)
	a := m & 0x00F  // M0-M3
	b := m & 0x070  // M4-M6
	c := m & 0xF80  // M7-M11
	cl := uint16(class)
	c0 := cl & 0x1
	c1 := (cl >> 1) & 0x1
	return (a | (b << 1) | (c << 2)) | (c0 << 4) | (c1 << 7)
}

func splitMessageType(t uint16) (MessageClass, Method) {
	c0 := (t >> 4) & 0x1
	c1 := (t >> 7) & 0x1
	class := c0 | (c1 << 1)
	a := t & 0xF
	b := (t >> 1) & 0x70
	c := (t >> 2) & 0xF80
	return MessageClass(class), Method(a | b | c)
}

// Parse validates the magic cookie and decodes attribute TLVs.
func Parse(buf []byte) (*Message, error) {
	if len(buf) < headerSize {
		return nil, errors.Wrap(ErrMalformed, "short header")
	}
	typ := binary.BigEndian.Uint16(buf[0:2])
	length := binary.BigEndian.Uint16(buf[2:4])
	magic := binary.BigEndian.Uint32(buf[4:8])
	if magic != MagicCookie {
		return nil, errors.Wrap(ErrMalformed, "bad magic cookie")
	}
	if len(buf) < headerSize+int(length) {
		return nil, errors.Wrap(ErrMalformed, "truncated body")
	}

	class, method := splitMessageType(typ)
	msg := &Message{Class: class, Method: method, raw: buf}
	copy(msg.TransactionID[:], buf[8:20])

	body := buf[20 : 20+int(length)]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, errors.Wrap(ErrMalformed, "truncated attribute header")
		}
		attrType := AttrType(binary.BigEndian.Uint16(body[0:2]))
		attrLen := int(binary.BigEndian.Uint16(body[2:4]))
		padded := attrLen + (4-attrLen%4)%4
		if len(body) < 4+padded {
			return nil, errors.Wrap(ErrMalformed, "truncated attribute value")
		}
		value := make([]byte, attrLen)
		copy(value, body[4:4+attrLen])
		msg.Attributes = append(msg.Attributes, Attribute{Type: attrType, Value: value})
		body = body[4+padded:]
	}
	return msg, nil
}

// GetAttribute returns the first attribute of the given type.
func (m *Message) GetAttribute(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Serialize encodes the message. If integrityKey is non-nil, a
// MESSAGE-INTEGRITY attribute (HMAC-SHA1 over everything up to but not
// including it, with the length field temporarily adjusted to include
// it) is appended. If fingerprint is true, a FINGERPRINT attribute
// (CRC-32 XOR 0x5354554E) is appended last.
func (m *Message) Serialize(integrityKey []byte, fingerprint bool) ([]byte, error) {
	var body []byte
	for _, a := range m.Attributes {
		body = appendAttribute(body, a.Type, a.Value)
	}

	if integrityKey != nil {
		// Build the header+body as it would be with a 20-byte integrity
		// attribute included, so the length field covers it, per RFC5389 §15.4.
		lengthWithIntegrity := len(body) + 24
		header := buildHeader(messageType(m.Class, m.Method), uint16(lengthWithIntegrity), m.TransactionID)
		mac := hmac.New(sha1.New, integrityKey)
		mac.Write(header)
		mac.Write(body)
		sum := mac.Sum(nil)
		body = appendAttribute(body, AttrMessageIntegrity, sum)
	}

	if fingerprint {
		lengthWithFP := len(body) + 8
		header := buildHeader(messageType(m.Class, m.Method), uint16(lengthWithFP), m.TransactionID)
		crc := crc32.ChecksumIEEE(append(append([]byte{}, header...), body...)) ^ fingerprintXOR
		fp := make([]byte, 4)
		binary.BigEndian.PutUint32(fp, crc)
		body = appendAttribute(body, AttrFingerprint, fp)
	}

	header := buildHeader(messageType(m.Class, m.Method), uint16(len(body)), m.TransactionID)
	return append(header, body...), nil
}

func buildHeader(typ uint16, length uint16, txID [transactionIDSize]byte) []byte {
	h := make([]byte, headerSize)
	binary.BigEndian.PutUint16(h[0:2], typ)
	binary.BigEndian.PutUint16(h[2:4], length)
	binary.BigEndian.PutUint32(h[4:8], MagicCookie)
	copy(h[8:20], txID[:])
	return h
}

func appendAttribute(body []byte, t AttrType, value []byte) []byte {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(t))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	body = append(body, hdr...)
	body = append(body, value...)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	return body
}

// VerifyMessageIntegrity recomputes the HMAC-SHA1 over the original
// message bytes (as the header length field stood when this attribute
// was present) and compares to the MESSAGE-INTEGRITY attribute.
func (m *Message) VerifyMessageIntegrity(key []byte) bool {
	attr, ok := m.GetAttribute(AttrMessageIntegrity)
	if !ok || len(attr.Value) != 20 {
		return false
	}
	// Locate the attribute in raw bytes to hash everything preceding it.
	idx := findAttributeOffset(m.raw, AttrMessageIntegrity)
	if idx < 0 {
		return false
	}
	mac := hmac.New(sha1.New, key)
	mac.Write(m.raw[:idx])
	return hmac.Equal(mac.Sum(nil), attr.Value)
}

// VerifyFingerprint recomputes CRC-32 over everything preceding the
// FINGERPRINT attribute and compares (XORed with the magic constant).
func (m *Message) VerifyFingerprint() bool {
	attr, ok := m.GetAttribute(AttrFingerprint)
	if !ok || len(attr.Value) != 4 {
		return false
	}
	idx := findAttributeOffset(m.raw, AttrFingerprint)
	if idx < 0 {
		return false
	}
	crc := crc32.ChecksumIEEE(m.raw[:idx]) ^ fingerprintXOR
	return binary.BigEndian.Uint32(attr.Value) == crc
}

func findAttributeOffset(raw []byte, target AttrType) int {
	if len(raw) < headerSize {
		return -1
	}
	length := binary.BigEndian.Uint16(raw[2:4])
	body := raw[headerSize : headerSize+int(length)]
	offset := headerSize
	for len(body) > 0 {
		if len(body) < 4 {
			return -1
		}
		attrType := AttrType(binary.BigEndian.Uint16(body[0:2]))
		attrLen := int(binary.BigEndian.Uint16(body[2:4]))
		padded := attrLen + (4-attrLen%4)%4
		if attrType == target {
			return offset
		}
		body = body[4+padded:]
		offset += 4 + padded
	}
	return -1
}
