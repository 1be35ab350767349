package rtpwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1 from spec §8: RTP round-trip.
func TestRTPRoundTripScenario(t *testing.T) {
	p := &Packet{
		Version:     2,
		PayloadType: 111,
		Sequence:    1000,
		Timestamp:   48000,
		SSRC:        0xDEADBEEF,
		Payload:     []byte{0xAA, 0xBB, 0xCC, 0xDD},
	}

	buf, err := p.Serialize()
	require.NoError(t, err)
	assert.Equal(t, 16, len(buf)) // 12 header + 4 payload

	parsed, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, p.PayloadType, parsed.PayloadType)
	assert.Equal(t, p.Sequence, parsed.Sequence)
	assert.Equal(t, p.Timestamp, parsed.Timestamp)
	assert.Equal(t, p.SSRC, parsed.SSRC)
	assert.Equal(t, p.Payload, parsed.Payload)
}

func TestRTPRoundTripProperty(t *testing.T) {
	cases := []*Packet{
		{Version: 2, Marker: true, PayloadType: 96, Sequence: 0, Timestamp: 0, SSRC: 1, Payload: []byte{}},
		{Version: 2, PayloadType: 9, Sequence: 65535, Timestamp: 4294967295, SSRC: 42, CSRC: []uint32{1, 2, 3}, Payload: []byte("hello")},
		{Version: 2, PayloadType: 100, Sequence: 7, Timestamp: 7, SSRC: 7, Extension: &Extension{Profile: 0xBEDE, Payload: []byte{1, 2, 3, 4}}, Payload: []byte{9, 9}},
		{Version: 2, Padding: true, PaddingLength: 4, PayloadType: 0, Sequence: 1, Timestamp: 1, SSRC: 1, Payload: []byte{1, 2, 3, 4}},
	}
	for i, p := range cases {
		buf, err := p.Serialize()
		require.NoErrorf(t, err, "case %d", i)
		parsed, err := Parse(buf)
		require.NoErrorf(t, err, "case %d", i)
		assert.Equal(t, p.Marker, parsed.Marker)
		assert.Equal(t, p.PayloadType, parsed.PayloadType)
		assert.Equal(t, p.Sequence, parsed.Sequence)
		assert.Equal(t, p.Timestamp, parsed.Timestamp)
		assert.Equal(t, p.SSRC, parsed.SSRC)
		assert.Equal(t, p.CSRC, parsed.CSRC)
		if p.Extension != nil {
			require.NotNil(t, parsed.Extension)
			assert.Equal(t, p.Extension.Profile, parsed.Extension.Profile)
		}
		if !p.Padding {
			assert.Equal(t, p.Payload, parsed.Payload)
		}
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x40 // version 1
	_, err := Parse(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsShortBuffer(t *testing.T) {
	_, err := Parse(make([]byte, 4))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsPaddingOverflow(t *testing.T) {
	p := &Packet{Version: 2, Sequence: 1, Timestamp: 1, SSRC: 1, Payload: []byte{0x05}}
	buf, err := p.Serialize()
	require.NoError(t, err)
	buf[0] |= 0x20 // set padding bit without a valid pad
	buf[len(buf)-1] = 255
	_, err = Parse(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}
