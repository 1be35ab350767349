package ice

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/mediaplane/sfu/pkg/logger"
	"github.com/mediaplane/sfu/pkg/stunwire"
)

// Role is the ICE agent's controlling/controlled role (spec §4.G).
type Role int

const (
	RoleControlling Role = iota
	RoleControlled
)

// GatheringState is the ICE Gathering state machine of spec §3.
type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringInProgress
	GatheringComplete
)

// ConnectionState is the ICE Connection state machine of spec §4.G:
// New → Checking → Connected → Completed, or Disconnected/Failed.
type ConnectionState int

const (
	ConnNew ConnectionState = iota
	ConnChecking
	ConnConnected
	ConnCompleted
	ConnDisconnected
	ConnFailed
	ConnClosed
)

// Stats mirrors the observable counters of spec §7.
type Stats struct {
	CandidatesGathered        int
	ConnectivityChecksSent    int
	ConnectivityChecksReceived int
	NominationsSent           int
}

// Callbacks notify the owner of agent lifecycle events.
type Callbacks struct {
	OnCandidate             func(Candidate)
	OnGatheringStateChange  func(GatheringState)
	OnConnectionStateChange func(ConnectionState)
	OnData                  func(data []byte, source *net.UDPAddr)
	OnSelectedPair          func(CandidatePair)
}

// SendFunc transmits a datagram to a remote address; the agent's caller
// supplies this (typically backed by a pkg/reactor.Reactor).
type SendFunc func(data []byte, remote *net.UDPAddr) (int, error)

// Config are the tunables named in spec §4.G.
type Config struct {
	Role                      Role
	LocalAddress              net.IP
	LocalPort                 uint16
	GatherHostCandidates      bool
	ConnectivityCheckInterval time.Duration
	CheckTimeout              time.Duration
}

// Agent is the ICE agent state machine.
type Agent struct {
	logger logger.Logger
	cfg    Config
	send   SendFunc
	cb     Callbacks

	mu sync.Mutex

	localCredentials  Credentials
	remoteCredentials Credentials

	localCandidates  []Candidate
	remoteCandidates []Candidate
	pairs            []*CandidatePair
	selectedPair     *CandidatePair

	remoteCandidatesDone bool
	foundationWaiting    map[string]bool

	gatheringState  GatheringState
	connectionState ConnectionState

	pendingChecks map[[12]byte]*CandidatePair

	stats Stats

	now        func() time.Time
	lastCheck  time.Time
}

// New constructs an Agent with freshly generated local credentials.
func New(cfg Config, send SendFunc, cb Callbacks, log logger.Logger) (*Agent, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.ConnectivityCheckInterval == 0 {
		cfg.ConnectivityCheckInterval = 50 * time.Millisecond
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 3 * time.Second
	}
	creds, err := GenerateCredentials()
	if err != nil {
		return nil, err
	}
	return &Agent{
		logger:            log,
		cfg:               cfg,
		send:              send,
		cb:                cb,
		localCredentials:  creds,
		foundationWaiting: make(map[string]bool),
		pendingChecks:     make(map[[12]byte]*CandidatePair),
		now:               time.Now,
	}, nil
}

// SetClock overrides the time source; used only in tests.
func (a *Agent) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// LocalCredentials returns this agent's ufrag/password for SDP exchange.
func (a *Agent) LocalCredentials() Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localCredentials
}

// SetRemoteCredentials records the peer's ufrag/password.
func (a *Agent) SetRemoteCredentials(creds Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remoteCredentials = creds
}

// GatherCandidates emits one host candidate per bound socket (component 1
// only, matching a single-port media socket). Server-reflexive and relay
// gathering are performed by the caller via pkg/ice/turnclient and fed in
// through AddLocalCandidate, since those require an external round trip.
func (a *Agent) GatherCandidates() {
	a.mu.Lock()
	a.gatheringState = GatheringInProgress
	cb := a.cb.OnGatheringStateChange
	a.mu.Unlock()
	if cb != nil {
		cb(GatheringInProgress)
	}

	if a.cfg.GatherHostCandidates {
		host := Candidate{
			Foundation: "host1",
			Component:  1,
			Protocol:   "udp",
			Address:    a.cfg.LocalAddress,
			Port:       a.cfg.LocalPort,
			Type:       TypeHost,
		}
		host.Priority = CalculatePriority(TypeHost, 65535, host.Component)
		a.AddLocalCandidate(host)
	}

	a.mu.Lock()
	a.gatheringState = GatheringComplete
	onState := a.cb.OnGatheringStateChange
	a.mu.Unlock()
	if onState != nil {
		onState(GatheringComplete)
	}
}

// AddLocalCandidate registers a candidate obtained by gathering (host,
// STUN-derived server-reflexive, or TURN-derived relay) and forms pairs
// against any remote candidates already known.
func (a *Agent) AddLocalCandidate(c Candidate) {
	a.mu.Lock()
	a.localCandidates = append(a.localCandidates, c)
	a.stats.CandidatesGathered++
	for _, remote := range a.remoteCandidates {
		a.formPairLocked(c, remote)
	}
	cb := a.cb.OnCandidate
	a.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// AddRemoteCandidate registers a candidate learned from the peer's SDP
// and forms pairs against every known local candidate of the same
// component (spec §4.G's cartesian product by matching component).
func (a *Agent) AddRemoteCandidate(c Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remoteCandidates = append(a.remoteCandidates, c)
	for _, local := range a.localCandidates {
		a.formPairLocked(local, c)
	}
}

// formPairLocked appends a new Frozen pair for matching-component
// candidates; the first foundation seen is promoted to Waiting. Caller
// holds a.mu.
func (a *Agent) formPairLocked(local, remote Candidate) {
	if local.Component != remote.Component {
		return
	}
	var priority uint64
	if a.cfg.Role == RoleControlling {
		priority = PairPriority(local.Priority, remote.Priority)
	} else {
		priority = PairPriority(remote.Priority, local.Priority)
	}
	pair := &CandidatePair{Local: local, Remote: remote, Priority: priority, State: PairFrozen}

	if !a.foundationWaiting[local.Foundation] {
		pair.State = PairWaiting
		a.foundationWaiting[local.Foundation] = true
	}
	a.pairs = append(a.pairs, pair)
}

// SetRemoteCandidatesComplete signals end-of-candidates and transitions
// the connection state to Checking, starting the connectivity-check loop.
func (a *Agent) SetRemoteCandidatesComplete() {
	a.mu.Lock()
	a.remoteCandidatesDone = true
	a.setConnectionStateLocked(ConnChecking)
	a.mu.Unlock()
}

func (a *Agent) setConnectionStateLocked(s ConnectionState) {
	if a.connectionState == s {
		return
	}
	a.connectionState = s
	cb := a.cb.OnConnectionStateChange
	if cb != nil {
		// invoked with the lock held by design: callbacks in this agent
		// are expected to be non-blocking state observers.
		go cb(s)
	}
}

// LocalCandidates returns the candidates gathered so far.
func (a *Agent) LocalCandidates() []Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Candidate, len(a.localCandidates))
	copy(out, a.localCandidates)
	return out
}

// ConnectionState returns the current connection state.
func (a *Agent) ConnectionState() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectionState
}

// GatheringState returns the current gathering state.
func (a *Agent) GatheringState() GatheringState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gatheringState
}

// SelectedPair returns the nominated pair, if any.
func (a *Agent) SelectedPair() (CandidatePair, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selectedPair == nil {
		return CandidatePair{}, false
	}
	return *a.selectedPair, true
}

// Stats returns a snapshot of the counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Send transmits application data over the selected pair. Returns false
// if no pair is selected or the connection is not Connected/Completed.
func (a *Agent) Send(data []byte) bool {
	a.mu.Lock()
	pair := a.selectedPair
	state := a.connectionState
	a.mu.Unlock()

	if pair == nil || (state != ConnConnected && state != ConnCompleted) {
		return false
	}
	n, err := a.send(data, &net.UDPAddr{IP: pair.Remote.Address, Port: int(pair.Remote.Port)})
	if err != nil {
		return false
	}
	a.mu.Lock()
	pair.BytesSent += uint64(n)
	a.mu.Unlock()
	return true
}

// Process drives the periodic connectivity-check schedule; callers invoke
// it from the timer thread at a cadence ≤ ConnectivityCheckInterval
// (spec §5's 50 ms ICE-check tick).
func (a *Agent) Process() {
	a.mu.Lock()
	now := a.now()
	if now.Sub(a.lastCheck) < a.cfg.ConnectivityCheckInterval {
		a.mu.Unlock()
		return
	}
	a.lastCheck = now

	if a.connectionState != ConnChecking {
		a.mu.Unlock()
		return
	}

	pair := a.highestPriorityWaitingLocked()
	if pair == nil {
		allExhausted := a.allPairsExhaustedLocked()
		a.mu.Unlock()
		if allExhausted {
			a.mu.Lock()
			a.setConnectionStateLocked(ConnFailed)
			a.mu.Unlock()
		}
		return
	}
	pair.State = PairInProgress
	nominate := a.cfg.Role == RoleControlling
	a.mu.Unlock()

	a.sendConnectivityCheck(pair, nominate)
}

// highestPriorityWaitingLocked returns the Waiting pair with the highest
// priority, or nil. Caller holds a.mu.
func (a *Agent) highestPriorityWaitingLocked() *CandidatePair {
	var best *CandidatePair
	for _, p := range a.pairs {
		if p.State != PairWaiting {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	return best
}

func (a *Agent) allPairsExhaustedLocked() bool {
	if len(a.pairs) == 0 {
		return false
	}
	for _, p := range a.pairs {
		if p.State == PairWaiting || p.State == PairInProgress || p.State == PairFrozen {
			return false
		}
	}
	for _, p := range a.pairs {
		if p.State == PairSucceeded {
			return false
		}
	}
	return true
}

// sendConnectivityCheck issues a STUN Binding Request over pair per spec
// §4.G: USERNAME=remote_ufrag:local_ufrag, MESSAGE-INTEGRITY with the
// remote password, PRIORITY, and ICE-CONTROLLING/ICE-CONTROLLED; the
// controlling side may set USE-CANDIDATE to nominate.
func (a *Agent) sendConnectivityCheck(pair *CandidatePair, nominate bool) {
	a.mu.Lock()
	username := a.remoteCredentials.UsernameFragment + ":" + a.localCredentials.UsernameFragment
	password := []byte(a.remoteCredentials.Password)
	role := a.cfg.Role
	a.mu.Unlock()

	var txID [12]byte
	_, _ = rand.Read(txID[:])

	msg := &stunwire.Message{Class: stunwire.ClassRequest, Method: stunwire.MethodBinding, TransactionID: txID}
	msg.Attributes = append(msg.Attributes, stunwire.Attribute{Type: stunwire.AttrUsername, Value: []byte(username)})

	priorityVal := make([]byte, 4)
	binary.BigEndian.PutUint32(priorityVal, pair.Local.Priority)
	msg.Attributes = append(msg.Attributes, stunwire.Attribute{Type: stunwire.AttrPriority, Value: priorityVal})

	roleAttr := stunwire.AttrIceControlled
	if role == RoleControlling {
		roleAttr = stunwire.AttrIceControlling
	}
	msg.Attributes = append(msg.Attributes, stunwire.Attribute{Type: roleAttr, Value: make([]byte, 8)})

	if nominate {
		msg.Attributes = append(msg.Attributes, stunwire.Attribute{Type: stunwire.AttrUseCandidate, Value: nil})
	}

	buf, err := msg.Serialize(password, true)
	if err != nil {
		return
	}

	a.mu.Lock()
	a.pendingChecks[txID] = pair
	a.stats.ConnectivityChecksSent++
	if nominate {
		a.stats.NominationsSent++
	}
	a.mu.Unlock()

	_, _ = a.send(buf, &net.UDPAddr{IP: pair.Remote.Address, Port: int(pair.Remote.Port)})
}

// HandleSTUNMessage processes an inbound STUN datagram: Binding Requests
// are answered with a success response carrying XOR-MAPPED-ADDRESS;
// Binding Responses matched to a pending check mark that pair Succeeded
// and, if nominated, select it.
func (a *Agent) HandleSTUNMessage(data []byte, source *net.UDPAddr) {
	msg, err := stunwire.Parse(data)
	if err != nil {
		return
	}

	switch msg.Class {
	case stunwire.ClassRequest:
		a.handleBindingRequest(msg, source)
	case stunwire.ClassSuccessResponse:
		a.handleBindingResponse(msg, source)
	}
}

func (a *Agent) handleBindingRequest(msg *stunwire.Message, source *net.UDPAddr) {
	a.mu.Lock()
	a.stats.ConnectivityChecksReceived++
	password := []byte(a.localCredentials.Password)
	_, useCandidate := msg.GetAttribute(stunwire.AttrUseCandidate)
	a.mu.Unlock()

	xorAddr, err := stunwire.EncodeXORMappedAddress(stunwire.Addr{IP: source.IP, Port: uint16(source.Port)}, msg.TransactionID)
	if err != nil {
		return
	}
	resp := &stunwire.Message{
		Class:         stunwire.ClassSuccessResponse,
		Method:        stunwire.MethodBinding,
		TransactionID: msg.TransactionID,
		Attributes: []stunwire.Attribute{
			{Type: stunwire.AttrXORMappedAddress, Value: xorAddr},
		},
	}
	buf, err := resp.Serialize(password, true)
	if err != nil {
		return
	}
	_, _ = a.send(buf, source)

	if useCandidate {
		a.markPairNominatedBySource(source)
	}
}

func (a *Agent) handleBindingResponse(msg *stunwire.Message, source *net.UDPAddr) {
	a.mu.Lock()
	pair, ok := a.pendingChecks[msg.TransactionID]
	if ok {
		delete(a.pendingChecks, msg.TransactionID)
		pair.State = PairSucceeded
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	a.mu.Lock()
	nominated := a.cfg.Role == RoleControlling
	a.mu.Unlock()
	if nominated {
		a.selectPair(pair)
	}
}

func (a *Agent) markPairNominatedBySource(source *net.UDPAddr) {
	a.mu.Lock()
	var match *CandidatePair
	for _, p := range a.pairs {
		if p.Remote.Address.Equal(source.IP) && int(p.Remote.Port) == source.Port {
			match = p
			break
		}
	}
	a.mu.Unlock()
	if match != nil {
		match.State = PairSucceeded
		a.selectPair(match)
	}
}

func (a *Agent) selectPair(pair *CandidatePair) {
	a.mu.Lock()
	pair.Nominated = true
	a.selectedPair = pair
	a.setConnectionStateLocked(ConnConnected)
	allNominated := a.allComponentsNominatedLocked()
	cb := a.cb.OnSelectedPair
	a.mu.Unlock()

	if cb != nil {
		cb(*pair)
	}
	if allNominated {
		a.mu.Lock()
		a.setConnectionStateLocked(ConnCompleted)
		a.mu.Unlock()
	}
}

func (a *Agent) allComponentsNominatedLocked() bool {
	seen := make(map[int]bool)
	for _, p := range a.pairs {
		if p.Nominated {
			seen[p.Local.Component] = true
		}
	}
	components := make(map[int]bool)
	for _, c := range a.localCandidates {
		components[c.Component] = true
	}
	for comp := range components {
		if !seen[comp] {
			return false
		}
	}
	return len(components) > 0
}

// HandleData routes a non-STUN datagram received on the selected pair's
// socket to the caller.
func (a *Agent) HandleData(data []byte, source *net.UDPAddr) {
	a.mu.Lock()
	cb := a.cb.OnData
	a.mu.Unlock()
	if cb != nil {
		cb(data, source)
	}
}

// Close transitions to Closed; the owner is responsible for closing the
// underlying socket.
func (a *Agent) Close() {
	a.mu.Lock()
	a.setConnectionStateLocked(ConnClosed)
	a.mu.Unlock()
}

// sortedPairsByPriority returns pairs ordered highest-priority first;
// exposed for diagnostics/tests.
func (a *Agent) sortedPairsByPriority() []*CandidatePair {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*CandidatePair, len(a.pairs))
	copy(out, a.pairs)
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
