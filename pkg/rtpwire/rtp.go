// Package rtpwire implements the RTP/RTCP wire formats (RFC 3550, RFC
// 4585) with bit-exact parse/serialize, as required by spec §4.A: these
// are not delegated to a third-party codec, they are the hard part of
// this repository.
package rtpwire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	rtpVersion = 2

	fixedHeaderSize = 12
	csrcSize        = 4
	extHeaderSize   = 4

	maxCSRC = 15
)

// ErrMalformed is the sentinel error for any parse failure: bad version,
// truncated buffer, inconsistent length fields. Per §4.A / §7, malformed
// input is discarded by the caller, never propagated as fatal.
var ErrMalformed = errors.New("rtpwire: malformed packet")

// Extension is the optional RTP header extension block.
type Extension struct {
	Profile uint16
	Payload []byte // length is always a multiple of 4 bytes
}

// Packet is an RTP packet, the wire format described in spec §3.
type Packet struct {
	Version        uint8
	Padding        bool
	Marker         bool
	PayloadType    uint8
	Sequence       uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32
	Extension      *Extension
	Payload        []byte
	PaddingLength  uint8 // only meaningful when Padding is true
}

// HeaderSize returns 12 + 4*len(CSRC) + (4 + len(ext.Payload) if present),
// matching the invariant in spec §3.
func (p *Packet) HeaderSize() int {
	size := fixedHeaderSize + csrcSize*len(p.CSRC)
	if p.Extension != nil {
		size += extHeaderSize + len(p.Extension.Payload)
	}
	return size
}

// Parse decodes an RTP packet from the wire. It accepts buffers of at
// least 12 bytes and rejects anything with version != 2.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < fixedHeaderSize {
		return nil, errors.Wrap(ErrMalformed, "short buffer")
	}

	b0 := buf[0]
	version := b0 >> 6
	if version != rtpVersion {
		return nil, errors.Wrapf(ErrMalformed, "version %d", version)
	}
	padding := (b0>>5)&0x1 == 1
	extension := (b0>>4)&0x1 == 1
	cc := int(b0 & 0x0f)

	b1 := buf[1]
	marker := (b1>>7)&0x1 == 1
	pt := b1 & 0x7f

	seq := binary.BigEndian.Uint16(buf[2:4])
	ts := binary.BigEndian.Uint32(buf[4:8])
	ssrc := binary.BigEndian.Uint32(buf[8:12])

	offset := fixedHeaderSize
	if len(buf) < offset+cc*csrcSize {
		return nil, errors.Wrap(ErrMalformed, "truncated csrc list")
	}
	csrcs := make([]uint32, cc)
	for i := 0; i < cc; i++ {
		csrcs[i] = binary.BigEndian.Uint32(buf[offset : offset+4])
		offset += csrcSize
	}

	var ext *Extension
	if extension {
		if len(buf) < offset+extHeaderSize {
			return nil, errors.Wrap(ErrMalformed, "truncated extension header")
		}
		profile := binary.BigEndian.Uint16(buf[offset : offset+2])
		lengthWords := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		offset += extHeaderSize
		extBytes := lengthWords * 4
		if len(buf) < offset+extBytes {
			return nil, errors.Wrap(ErrMalformed, "truncated extension payload")
		}
		payload := make([]byte, extBytes)
		copy(payload, buf[offset:offset+extBytes])
		ext = &Extension{Profile: profile, Payload: payload}
		offset += extBytes
	}

	payload := buf[offset:]
	var padLen uint8
	if padding {
		if len(payload) == 0 {
			return nil, errors.Wrap(ErrMalformed, "padding bit set on empty payload")
		}
		padLen = payload[len(payload)-1]
		if int(padLen) > len(payload) {
			return nil, errors.Wrap(ErrMalformed, "padding length exceeds payload")
		}
		payload = payload[:len(payload)-int(padLen)]
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	return &Packet{
		Version:       rtpVersion,
		Padding:       padding,
		Marker:        marker,
		PayloadType:   pt,
		Sequence:      seq,
		Timestamp:     ts,
		SSRC:          ssrc,
		CSRC:          csrcs,
		Extension:     ext,
		Payload:       out,
		PaddingLength: padLen,
	}, nil
}

// Serialize is the inverse of Parse: serialize(parse(p)) == p for any
// well-formed packet the parser produced.
func (p *Packet) Serialize() ([]byte, error) {
	if len(p.CSRC) > maxCSRC {
		return nil, errors.New("rtpwire: too many csrcs")
	}

	size := p.HeaderSize() + len(p.Payload)
	if p.Padding {
		padLen := p.PaddingLength
		if padLen == 0 {
			padLen = 1
		}
		size += int(padLen)
	}

	buf := make([]byte, size)

	b0 := byte(rtpVersion << 6)
	if p.Padding {
		b0 |= 0x20
	}
	if p.Extension != nil {
		b0 |= 0x10
	}
	b0 |= byte(len(p.CSRC)) & 0x0f
	buf[0] = b0

	b1 := byte(p.PayloadType & 0x7f)
	if p.Marker {
		b1 |= 0x80
	}
	buf[1] = b1

	binary.BigEndian.PutUint16(buf[2:4], p.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.SSRC)

	offset := fixedHeaderSize
	for _, c := range p.CSRC {
		binary.BigEndian.PutUint32(buf[offset:offset+4], c)
		offset += csrcSize
	}

	if p.Extension != nil {
		// extension payload must already be padded to a 32-bit boundary by
		// the caller; we pad defensively here so serialize never emits an
		// inconsistent length_words field.
		payload := p.Extension.Payload
		if rem := len(payload) % 4; rem != 0 {
			padded := make([]byte, len(payload)+(4-rem))
			copy(padded, payload)
			payload = padded
		}
		binary.BigEndian.PutUint16(buf[offset:offset+2], p.Extension.Profile)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(payload)/4))
		offset += extHeaderSize
		copy(buf[offset:offset+len(payload)], payload)
		offset += len(payload)
	}

	copy(buf[offset:], p.Payload)
	offset += len(p.Payload)

	if p.Padding {
		padLen := p.PaddingLength
		if padLen == 0 {
			padLen = 1
		}
		buf[len(buf)-1] = padLen
	}

	return buf, nil
}

// Clone returns a deep copy, used by the forwarder when it needs to
// mutate a packet (SSRC rewrite) without touching the original buffer.
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.CSRC != nil {
		cp.CSRC = append([]uint32(nil), p.CSRC...)
	}
	if p.Extension != nil {
		ext := *p.Extension
		ext.Payload = append([]byte(nil), p.Extension.Payload...)
		cp.Extension = &ext
	}
	cp.Payload = append([]byte(nil), p.Payload...)
	return &cp
}
