package rtpwire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// RTCP packet types (RFC 3550 §12.1, RFC 4585 §6.1).
const (
	TypeSR    uint8 = 200
	TypeRR    uint8 = 201
	TypeSDES  uint8 = 202
	TypeBYE   uint8 = 203
	TypeAPP   uint8 = 204
	TypeRTPFB uint8 = 205 // RFC 4585 generic RTP feedback
	TypePSFB  uint8 = 206 // RFC 4585 payload-specific feedback
)

// RTPFB (generic feedback) formats.
const (
	FmtNACK uint8 = 1
)

// PSFB (payload-specific feedback) formats.
const (
	FmtPLI  uint8 = 1
	FmtFIR  uint8 = 4
	FmtREMB uint8 = 15
)

// RTCPPacket is the tagged-union member interface: every sub-packet type
// knows its own wire type/count and how to marshal/unmarshal itself.
type RTCPPacket interface {
	Type() uint8
	Marshal() ([]byte, error)
	unmarshal(header rtcpHeader, body []byte) error
}

type rtcpHeader struct {
	version uint8
	padding bool
	count   uint8 // "count" in RFC3550, "fmt" in RFC4585
	typ     uint8
	length  uint16 // 32-bit words minus one
}

func parseRTCPHeader(buf []byte) (rtcpHeader, error) {
	if len(buf) < 4 {
		return rtcpHeader{}, errors.Wrap(ErrMalformed, "short rtcp header")
	}
	version := buf[0] >> 6
	if version != rtpVersion {
		return rtcpHeader{}, errors.Wrapf(ErrMalformed, "rtcp version %d", version)
	}
	return rtcpHeader{
		version: version,
		padding: (buf[0]>>5)&0x1 == 1,
		count:   buf[0] & 0x1f,
		typ:     buf[1],
		length:  binary.BigEndian.Uint16(buf[2:4]),
	}, nil
}

func writeRTCPHeader(h rtcpHeader, bodyLenBytes int) []byte {
	buf := make([]byte, 4)
	b0 := byte(rtpVersion<<6) | (h.count & 0x1f)
	buf[0] = b0
	buf[1] = h.typ
	words := bodyLenBytes / 4
	binary.BigEndian.PutUint16(buf[2:4], uint16(words))
	return buf
}

// ParseCompound decodes a compound RTCP packet: a back-to-back
// concatenation of sub-packets, the first of which must be SR or RR.
func ParseCompound(buf []byte) ([]RTCPPacket, error) {
	var packets []RTCPPacket
	first := true
	for len(buf) > 0 {
		header, err := parseRTCPHeader(buf)
		if err != nil {
			return nil, err
		}
		totalLen := (int(header.length) + 1) * 4
		if totalLen > len(buf) {
			return nil, errors.Wrap(ErrMalformed, "rtcp length exceeds buffer")
		}
		if first && header.typ != TypeSR && header.typ != TypeRR {
			return nil, errors.Wrap(ErrMalformed, "compound packet must start with SR or RR")
		}
		first = false

		body := buf[4:totalLen]
		pkt, err := newRTCPPacket(header.typ)
		if err != nil {
			return nil, err
		}
		if err := pkt.unmarshal(header, body); err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
		buf = buf[totalLen:]
	}
	return packets, nil
}

// MarshalCompound concatenates the serialized form of each packet.
func MarshalCompound(packets []RTCPPacket) ([]byte, error) {
	var out []byte
	for _, p := range packets {
		b, err := p.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func newRTCPPacket(typ uint8) (RTCPPacket, error) {
	switch typ {
	case TypeSR:
		return &SenderReport{}, nil
	case TypeRR:
		return &ReceiverReport{}, nil
	case TypeSDES:
		return &SourceDescription{}, nil
	case TypeBYE:
		return &Goodbye{}, nil
	case TypeAPP:
		return &ApplicationDefined{}, nil
	case TypeRTPFB:
		return &RTPFeedback{}, nil
	case TypePSFB:
		return &PayloadSpecificFeedback{}, nil
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown rtcp type %d", typ)
	}
}

// ReportBlock is the per-source section common to SR and RR.
type ReportBlock struct {
	SSRC               uint32
	FractionLost       uint8
	CumulativeLost     int32 // 24-bit signed, stored widened
	HighestSeqReceived uint32
	Jitter             uint32
	LastSR             uint32
	DelaySinceLastSR   uint32
}

const reportBlockSize = 24

func parseReportBlock(buf []byte) ReportBlock {
	cumulative := uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	if cumulative&0x800000 != 0 {
		cumulative |= 0xFF000000
	}
	return ReportBlock{
		SSRC:               binary.BigEndian.Uint32(buf[0:4]),
		FractionLost:       buf[4],
		CumulativeLost:     int32(cumulative),
		HighestSeqReceived: binary.BigEndian.Uint32(buf[8:12]),
		Jitter:             binary.BigEndian.Uint32(buf[12:16]),
		LastSR:             binary.BigEndian.Uint32(buf[16:20]),
		DelaySinceLastSR:   binary.BigEndian.Uint32(buf[20:24]),
	}
}

func (rb ReportBlock) marshal() []byte {
	buf := make([]byte, reportBlockSize)
	binary.BigEndian.PutUint32(buf[0:4], rb.SSRC)
	buf[4] = rb.FractionLost
	cum := uint32(rb.CumulativeLost) & 0xFFFFFF
	buf[5] = byte(cum >> 16)
	buf[6] = byte(cum >> 8)
	buf[7] = byte(cum)
	binary.BigEndian.PutUint32(buf[8:12], rb.HighestSeqReceived)
	binary.BigEndian.PutUint32(buf[12:16], rb.Jitter)
	binary.BigEndian.PutUint32(buf[16:20], rb.LastSR)
	binary.BigEndian.PutUint32(buf[20:24], rb.DelaySinceLastSR)
	return buf
}

// SenderReport (RFC 3550 §6.4.1).
type SenderReport struct {
	SSRC           uint32
	NTPSeconds     uint32
	NTPFraction    uint32
	RTPTimestamp   uint32
	PacketCount    uint32
	OctetCount     uint32
	ReportBlocks   []ReportBlock
}

func (s *SenderReport) Type() uint8 { return TypeSR }

func (s *SenderReport) Marshal() ([]byte, error) {
	body := make([]byte, 0, 24+len(s.ReportBlocks)*reportBlockSize)
	tmp := make([]byte, 24)
	binary.BigEndian.PutUint32(tmp[0:4], s.SSRC)
	binary.BigEndian.PutUint32(tmp[4:8], s.NTPSeconds)
	binary.BigEndian.PutUint32(tmp[8:12], s.NTPFraction)
	binary.BigEndian.PutUint32(tmp[12:16], s.RTPTimestamp)
	binary.BigEndian.PutUint32(tmp[16:20], s.PacketCount)
	binary.BigEndian.PutUint32(tmp[20:24], s.OctetCount)
	body = append(body, tmp...)
	for _, rb := range s.ReportBlocks {
		body = append(body, rb.marshal()...)
	}
	header := writeRTCPHeader(rtcpHeader{count: uint8(len(s.ReportBlocks)), typ: TypeSR}, len(body))
	return append(header, body...), nil
}

func (s *SenderReport) unmarshal(h rtcpHeader, body []byte) error {
	if len(body) < 24 {
		return errors.Wrap(ErrMalformed, "sr: short body")
	}
	s.SSRC = binary.BigEndian.Uint32(body[0:4])
	s.NTPSeconds = binary.BigEndian.Uint32(body[4:8])
	s.NTPFraction = binary.BigEndian.Uint32(body[8:12])
	s.RTPTimestamp = binary.BigEndian.Uint32(body[12:16])
	s.PacketCount = binary.BigEndian.Uint32(body[16:20])
	s.OctetCount = binary.BigEndian.Uint32(body[20:24])
	rest := body[24:]
	for i := 0; i < int(h.count); i++ {
		if len(rest) < reportBlockSize {
			return errors.Wrap(ErrMalformed, "sr: truncated report block")
		}
		rb := parseReportBlock(rest[:reportBlockSize])
		s.ReportBlocks = append(s.ReportBlocks, rb)
		rest = rest[reportBlockSize:]
	}
	return nil
}

// ReceiverReport (RFC 3550 §6.4.2).
type ReceiverReport struct {
	SSRC         uint32
	ReportBlocks []ReportBlock
}

func (r *ReceiverReport) Type() uint8 { return TypeRR }

func (r *ReceiverReport) Marshal() ([]byte, error) {
	body := make([]byte, 4, 4+len(r.ReportBlocks)*reportBlockSize)
	binary.BigEndian.PutUint32(body[0:4], r.SSRC)
	for _, rb := range r.ReportBlocks {
		body = append(body, rb.marshal()...)
	}
	header := writeRTCPHeader(rtcpHeader{count: uint8(len(r.ReportBlocks)), typ: TypeRR}, len(body))
	return append(header, body...), nil
}

func (r *ReceiverReport) unmarshal(h rtcpHeader, body []byte) error {
	if len(body) < 4 {
		return errors.Wrap(ErrMalformed, "rr: short body")
	}
	r.SSRC = binary.BigEndian.Uint32(body[0:4])
	rest := body[4:]
	for i := 0; i < int(h.count); i++ {
		if len(rest) < reportBlockSize {
			return errors.Wrap(ErrMalformed, "rr: truncated report block")
		}
		rb := parseReportBlock(rest[:reportBlockSize])
		r.ReportBlocks = append(r.ReportBlocks, rb)
		rest = rest[reportBlockSize:]
	}
	return nil
}

// SourceDescription (RFC 3550 §6.5). Only CNAME-level fidelity is kept;
// chunks are stored as raw items since no spec component inspects them.
type SDESItem struct {
	Type uint8
	Text string
}

type SDESChunk struct {
	SSRC  uint32
	Items []SDESItem
}

type SourceDescription struct {
	Chunks []SDESChunk
}

func (s *SourceDescription) Type() uint8 { return TypeSDES }

func (s *SourceDescription) Marshal() ([]byte, error) {
	var body []byte
	for _, c := range s.Chunks {
		chunk := make([]byte, 4)
		binary.BigEndian.PutUint32(chunk, c.SSRC)
		for _, item := range c.Items {
			chunk = append(chunk, item.Type, byte(len(item.Text)))
			chunk = append(chunk, []byte(item.Text)...)
		}
		chunk = append(chunk, 0) // END item
		for len(chunk)%4 != 0 {
			chunk = append(chunk, 0)
		}
		body = append(body, chunk...)
	}
	header := writeRTCPHeader(rtcpHeader{count: uint8(len(s.Chunks)), typ: TypeSDES}, len(body))
	return append(header, body...), nil
}

func (s *SourceDescription) unmarshal(h rtcpHeader, body []byte) error {
	for i := 0; i < int(h.count); i++ {
		if len(body) < 4 {
			return errors.Wrap(ErrMalformed, "sdes: truncated chunk")
		}
		chunk := SDESChunk{SSRC: binary.BigEndian.Uint32(body[0:4])}
		rest := body[4:]
		itemBytes := 0
		for len(rest) > itemBytes && rest[itemBytes] != 0 {
			if len(rest) < itemBytes+2 {
				return errors.Wrap(ErrMalformed, "sdes: truncated item")
			}
			itemType := rest[itemBytes]
			length := int(rest[itemBytes+1])
			if len(rest) < itemBytes+2+length {
				return errors.Wrap(ErrMalformed, "sdes: truncated item text")
			}
			chunk.Items = append(chunk.Items, SDESItem{Type: itemType, Text: string(rest[itemBytes+2 : itemBytes+2+length])})
			itemBytes += 2 + length
		}
		itemBytes++ // END (0) byte

		used := 4 + itemBytes
		for used%4 != 0 {
			used++
		}
		if used > len(body) {
			used = len(body)
		}
		s.Chunks = append(s.Chunks, chunk)
		body = body[used:]
	}
	return nil
}

// Goodbye (RFC 3550 §6.6).
type Goodbye struct {
	Sources []uint32
	Reason  string
}

func (g *Goodbye) Type() uint8 { return TypeBYE }

func (g *Goodbye) Marshal() ([]byte, error) {
	body := make([]byte, 0, 4*len(g.Sources))
	for _, s := range g.Sources {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, s)
		body = append(body, b...)
	}
	if g.Reason != "" {
		body = append(body, byte(len(g.Reason)))
		body = append(body, []byte(g.Reason)...)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
	}
	header := writeRTCPHeader(rtcpHeader{count: uint8(len(g.Sources)), typ: TypeBYE}, len(body))
	return append(header, body...), nil
}

func (g *Goodbye) unmarshal(h rtcpHeader, body []byte) error {
	n := int(h.count)
	if len(body) < n*4 {
		return errors.Wrap(ErrMalformed, "bye: truncated source list")
	}
	for i := 0; i < n; i++ {
		g.Sources = append(g.Sources, binary.BigEndian.Uint32(body[i*4:i*4+4]))
	}
	rest := body[n*4:]
	if len(rest) > 0 {
		length := int(rest[0])
		if len(rest) >= 1+length {
			g.Reason = string(rest[1 : 1+length])
		}
	}
	return nil
}

// ApplicationDefined (RFC 3550 §6.7).
type ApplicationDefined struct {
	SubType uint8
	SSRC    uint32
	Name    [4]byte
	Data    []byte
}

func (a *ApplicationDefined) Type() uint8 { return TypeAPP }

func (a *ApplicationDefined) Marshal() ([]byte, error) {
	body := make([]byte, 8+len(a.Data))
	binary.BigEndian.PutUint32(body[0:4], a.SSRC)
	copy(body[4:8], a.Name[:])
	copy(body[8:], a.Data)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	header := writeRTCPHeader(rtcpHeader{count: a.SubType, typ: TypeAPP}, len(body))
	return append(header, body...), nil
}

func (a *ApplicationDefined) unmarshal(h rtcpHeader, body []byte) error {
	if len(body) < 8 {
		return errors.Wrap(ErrMalformed, "app: short body")
	}
	a.SubType = h.count
	a.SSRC = binary.BigEndian.Uint32(body[0:4])
	copy(a.Name[:], body[4:8])
	a.Data = append([]byte(nil), body[8:]...)
	return nil
}

// NACK is one FCI entry of an RTPFB/NACK packet: PID plus a bitmask of up
// to 16 additionally-lost sequences immediately following PID.
type NACKPair struct {
	PID uint16
	BLP uint16
}

// RTPFeedback is the RFC 4585 generic feedback packet; this repository
// only produces/consumes the NACK format.
type RTPFeedback struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	NACKs      []NACKPair
}

func (r *RTPFeedback) Type() uint8 { return TypeRTPFB }

func (r *RTPFeedback) Marshal() ([]byte, error) {
	body := make([]byte, 8+4*len(r.NACKs))
	binary.BigEndian.PutUint32(body[0:4], r.SenderSSRC)
	binary.BigEndian.PutUint32(body[4:8], r.MediaSSRC)
	for i, n := range r.NACKs {
		binary.BigEndian.PutUint16(body[8+i*4:8+i*4+2], n.PID)
		binary.BigEndian.PutUint16(body[8+i*4+2:8+i*4+4], n.BLP)
	}
	header := writeRTCPHeader(rtcpHeader{count: FmtNACK, typ: TypeRTPFB}, len(body))
	return append(header, body...), nil
}

func (r *RTPFeedback) unmarshal(h rtcpHeader, body []byte) error {
	if h.count != FmtNACK {
		return errors.Wrapf(ErrMalformed, "rtpfb: unsupported fmt %d", h.count)
	}
	if len(body) < 8 {
		return errors.Wrap(ErrMalformed, "rtpfb: short body")
	}
	r.SenderSSRC = binary.BigEndian.Uint32(body[0:4])
	r.MediaSSRC = binary.BigEndian.Uint32(body[4:8])
	rest := body[8:]
	for len(rest) >= 4 {
		r.NACKs = append(r.NACKs, NACKPair{
			PID: binary.BigEndian.Uint16(rest[0:2]),
			BLP: binary.BigEndian.Uint16(rest[2:4]),
		})
		rest = rest[4:]
	}
	return nil
}

// LostSequences expands a NACKPair into the set of sequence numbers it
// represents: PID itself, plus bit i of BLP meaning PID+i+1 is also lost.
func (n NACKPair) LostSequences() []uint16 {
	out := make([]uint16, 0, 17)
	out = append(out, n.PID)
	for i := 0; i < 16; i++ {
		if n.BLP&(1<<uint(i)) != 0 {
			out = append(out, n.PID+uint16(i)+1)
		}
	}
	return out
}

// PayloadSpecificFeedback is the RFC 4585 PSFB packet; fmt selects
// PLI/FIR/REMB per spec §4.A.
type PayloadSpecificFeedback struct {
	Fmt        uint8
	SenderSSRC uint32
	MediaSSRC  uint32

	// FIR (fmt=4): one sequence number per requested media source.
	FIR []FIREntry

	// REMB (fmt=15, via APP-style FCI).
	REMB *REMBData
}

type FIREntry struct {
	SSRC     uint32
	SeqNr    uint8
}

// REMBData is the decoded Receiver Estimated Maximum Bitrate.
type REMBData struct {
	SSRCs     []uint32
	BitrateBps uint64
}

func (p *PayloadSpecificFeedback) Type() uint8 { return TypePSFB }

func (p *PayloadSpecificFeedback) Marshal() ([]byte, error) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], p.SenderSSRC)
	binary.BigEndian.PutUint32(body[4:8], p.MediaSSRC)

	switch p.Fmt {
	case FmtPLI:
		// PLI FCI is empty.
	case FmtFIR:
		for _, f := range p.FIR {
			entry := make([]byte, 8)
			binary.BigEndian.PutUint32(entry[0:4], f.SSRC)
			entry[4] = f.SeqNr
			body = append(body, entry...)
		}
	case FmtREMB:
		if p.REMB == nil {
			return nil, errors.New("rtpwire: remb fmt without data")
		}
		body = append(body, marshalREMB(p.REMB)...)
	default:
		return nil, errors.Wrapf(ErrMalformed, "psfb: unsupported fmt %d", p.Fmt)
	}

	header := writeRTCPHeader(rtcpHeader{count: p.Fmt, typ: TypePSFB}, len(body))
	return append(header, body...), nil
}

func (p *PayloadSpecificFeedback) unmarshal(h rtcpHeader, body []byte) error {
	if len(body) < 8 {
		return errors.Wrap(ErrMalformed, "psfb: short body")
	}
	p.Fmt = h.count
	p.SenderSSRC = binary.BigEndian.Uint32(body[0:4])
	p.MediaSSRC = binary.BigEndian.Uint32(body[4:8])
	fci := body[8:]

	switch p.Fmt {
	case FmtPLI:
		return nil
	case FmtFIR:
		for len(fci) >= 8 {
			p.FIR = append(p.FIR, FIREntry{
				SSRC:  binary.BigEndian.Uint32(fci[0:4]),
				SeqNr: fci[4],
			})
			fci = fci[8:]
		}
		return nil
	case FmtREMB:
		remb, err := unmarshalREMB(fci)
		if err != nil {
			return err
		}
		p.REMB = remb
		return nil
	default:
		return errors.Wrapf(ErrMalformed, "psfb: unsupported fmt %d", p.Fmt)
	}
}

// REMB payload: "REMB" magic, 1 byte num_ssrcs, 3 bytes exp(6)|mantissa(18),
// then num_ssrcs SSRCs. bitrate = mantissa * 2^exp.
func marshalREMB(r *REMBData) []byte {
	exp, mantissa := encodeFloat24(r.BitrateBps)
	buf := make([]byte, 4+4+4*len(r.SSRCs))
	copy(buf[0:4], []byte("REMB"))
	buf[4] = byte(len(r.SSRCs))
	buf[5] = (exp << 2) | byte(mantissa>>16)
	buf[6] = byte(mantissa >> 8)
	buf[7] = byte(mantissa)
	for i, s := range r.SSRCs {
		binary.BigEndian.PutUint32(buf[8+i*4:8+i*4+4], s)
	}
	return buf
}

func unmarshalREMB(buf []byte) (*REMBData, error) {
	if len(buf) < 8 || string(buf[0:4]) != "REMB" {
		return nil, errors.Wrap(ErrMalformed, "remb: bad magic")
	}
	numSSRC := int(buf[4])
	exp := buf[5] >> 2
	mantissa := uint32(buf[5]&0x3)<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	if len(buf) < 8+4*numSSRC {
		return nil, errors.Wrap(ErrMalformed, "remb: truncated ssrc list")
	}
	r := &REMBData{BitrateBps: uint64(mantissa) << uint(exp)}
	for i := 0; i < numSSRC; i++ {
		r.SSRCs = append(r.SSRCs, binary.BigEndian.Uint32(buf[8+i*4:8+i*4+4]))
	}
	return r, nil
}

// encodeFloat24 picks the smallest exponent such that mantissa fits in 18
// bits, matching the REMB float encoding in spec §4.A.
func encodeFloat24(bitrate uint64) (exp uint8, mantissa uint32) {
	const maxMantissa = 0x3FFFF // 18 bits
	if bitrate <= maxMantissa {
		return 0, uint32(bitrate)
	}
	e := 0
	for bitrate>>uint(e) > maxMantissa {
		e++
	}
	m := bitrate >> uint(e)
	if m > maxMantissa {
		m = maxMantissa
	}
	return uint8(e), uint32(m)
}

