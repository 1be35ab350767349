// Package ice implements the ICE agent of spec §4.G: candidate
// gathering, candidate pair formation and prioritization, STUN
// connectivity checks, and regular nomination.
// Grounded on original_source/core/src/ice_agent.cpp (candidate priority
// formula, credential generation, candidate/pair data model) completed
// per spec §4.G where the original is a stub (connectivity checks,
// nomination, state machine timers), in the teacher's Impl+callbacks
// style (pkg/sfu/sfu.go, pkg/sfu/pacer).
package ice

import (
	"crypto/rand"
	"fmt"
	"net"
)

// CandidateType is the ICE candidate type (spec §3).
type CandidateType int

const (
	TypeHost CandidateType = iota
	TypeServerReflexive
	TypePeerReflexive
	TypeRelay
)

func (t CandidateType) String() string {
	switch t {
	case TypeHost:
		return "host"
	case TypeServerReflexive:
		return "srflx"
	case TypePeerReflexive:
		return "prflx"
	case TypeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

func typePreference(t CandidateType) uint32 {
	switch t {
	case TypeHost:
		return 126
	case TypePeerReflexive:
		return 110
	case TypeServerReflexive:
		return 100
	case TypeRelay:
		return 0
	default:
		return 0
	}
}

// Candidate is the ICE Candidate data model of spec §3.
type Candidate struct {
	Foundation     string
	Component      int // 1 (RTP) or 2 (RTCP)
	Protocol       string
	Priority       uint32
	Address        net.IP
	Port           uint16
	Type           CandidateType
	RelatedAddress net.IP
	RelatedPort    uint16
}

// CalculatePriority implements spec §3's formula:
// (type_pref << 24) | (local_pref << 8) | (256 - component).
func CalculatePriority(t CandidateType, localPreference uint32, component int) uint32 {
	return (typePreference(t) << 24) | (localPreference << 8) | (256 - uint32(component))
}

// ToSDP renders the candidate as an SDP `candidate:` attribute per spec §6.
func (c Candidate) ToSDP() string {
	s := fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.Address.String(), c.Port, c.Type.String())
	if c.Type != TypeHost && c.RelatedAddress != nil {
		s += fmt.Sprintf(" raddr %s rport %d", c.RelatedAddress.String(), c.RelatedPort)
	}
	return s
}

// Credentials is the ICE ufrag/password pair (spec §3).
type Credentials struct {
	UsernameFragment string
	Password         string
}

const credentialChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateCredentials produces a random 8-char ufrag and 24-char password,
// matching original_source's IceCredentials::generate lengths.
func GenerateCredentials() (Credentials, error) {
	ufrag, err := randomString(8)
	if err != nil {
		return Credentials{}, err
	}
	password, err := randomString(24)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{UsernameFragment: ufrag, Password: password}, nil
}

func randomString(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = credentialChars[int(b)%len(credentialChars)]
	}
	return string(out), nil
}

// PairState is the ICE candidate pair state of spec §3.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

// CandidatePair is the ICE Candidate Pair data model of spec §3.
type CandidatePair struct {
	Local     Candidate
	Remote    Candidate
	Priority  uint64
	State     PairState
	RTTMillis float64
	BytesSent uint64
	BytesRecv uint64
	Nominated bool
}

// PairPriority implements spec §3's pair priority formula, where g and d
// are the controlling and controlled candidates' priorities respectively:
// 2^32*min(g,d) + 2*max(g,d) + (g>d ? 1 : 0).
func PairPriority(controlling, controlled uint32) uint64 {
	g, d := uint64(controlling), uint64(controlled)
	lo, hi := g, d
	if lo > hi {
		lo, hi = hi, lo
	}
	priority := (1<<32)*lo + 2*hi
	if g > d {
		priority++
	}
	return priority
}
