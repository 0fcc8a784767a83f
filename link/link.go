// Package link implements lokinet's link layer (§4.3): authenticated,
// encrypted, session-oriented message delivery between adjacent relays
// over UDP. It replaces the teacher's TLS+CERTS connection-oriented
// handshake (the original link/link.go, link/certs.go) with the UDP
// session state machine of §4.3, but keeps the teacher's shape wherever
// it still applies: a Session owning its handshake and id-tracking state
// the way Link owned its Reader/Writer and CircIDs map, a
// version-negotiation helper mirroring negotiateVersion, and a
// skip-keep-alive-expect-handshake receive idiom mirroring
// readExpectedCell's skip-padding loop.
package link

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/rc"
)

// State is a link session's position in the §4.3 state machine.
type State uint8

const (
	StateInitial State = iota
	StateHandshakeSent
	StateHandshakeAck
	StateReady
	StateClosing
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateHandshakeSent:
		return "handshake-sent"
	case StateHandshakeAck:
		return "handshake-ack"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DefaultIdleTimeout is how long a Ready session tolerates silence before
// keep-alive and, eventually, closure (§4.3).
const DefaultIdleTimeout = 60 * time.Second

// Session is a link-layer session with one peer, keyed by
// (RouterID, remote UDP address) per §4.3. It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	LocalRouterID  rc.RouterID
	RemoteRouterID rc.RouterID
	RemoteAddr     string

	IdleTimeout time.Duration

	state State

	localPriv crypto.PrivateKey
	remotePub crypto.PublicKey
	nonce     crypto.Nonce

	isInitiator bool
	sentLIM     bool
	recvLIM     bool

	Keys crypto.SessionKeys

	// Reassembler reconstructs multi-fragment messages arriving on this
	// session. A relay payload (path.RelayPayloadLen=1024) exceeds
	// MaxFragmentPayload, so any real relay or build traffic this session
	// carries needs reassembly, not just a single DecodeFragment call.
	Reassembler *Reassembler

	outSeq   uint32
	outMsgID uint32

	lastSent time.Time
	lastRecv time.Time
}

// NewSession creates a session in StateInitial. localPriv is the secret
// half of the X25519 key this router advertised in its own RouterContact
// for the address the peer will see it at — the same AddressInfo.PubKey
// field the teacher has no analogue for (§3), since Tor's link handshake
// runs over TLS identity certs rather than a pre-advertised static key.
func NewSession(local, remote rc.RouterID, remoteAddr string, localPriv crypto.PrivateKey) *Session {
	return &Session{
		LocalRouterID:  local,
		RemoteRouterID: remote,
		RemoteAddr:     remoteAddr,
		IdleTimeout:    DefaultIdleTimeout,
		localPriv:      localPriv,
		state:          StateInitial,
		Reassembler:    NewReassembler(DefaultReassemblyWindow),
	}
}

// NextMsgID returns the next outbound message id to fragment a message
// under, wrapping at 1<<32 the way NextSeq wraps its 24-bit sequence.
func (s *Session) NextMsgID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.outMsgID
	s.outMsgID++
	return id
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextSeq returns the next 24-bit outbound fragment sequence number,
// wrapping at 1<<24 per §4.3.
func (s *Session) NextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.outSeq
	s.outSeq = (s.outSeq + 1) & 0xFFFFFF
	return seq
}

// BuildHandshake constructs this side's outbound LinkIntroMessage. The
// first call on a session that has not yet received a peer LIM mints a
// fresh session nonce and marks this side the handshake initiator:
// Initial moves to HandshakeSent. A call made in reply to an
// already-received LIM reuses the nonce carried by that LIM instead, so
// both sides derive session keys from the identical
// (ourSecret/theirPublic, nonce) triple.
func (s *Session) BuildHandshake(ourRC *rc.RouterContact, signPriv ed25519.PrivateKey, now time.Time) (*LinkIntroMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitial && s.state != StateHandshakeAck {
		return nil, fmt.Errorf("link: cannot build handshake from state %s", s.state)
	}
	if !s.recvLIM {
		s.isInitiator = true
		if _, err := rand.Read(s.nonce[:]); err != nil {
			return nil, fmt.Errorf("link: generate session nonce: %w", err)
		}
	}
	lim, err := BuildLinkIntro(ourRC, s.nonce, ProtocolVersion, signPriv)
	if err != nil {
		return nil, fmt.Errorf("link: build handshake: %w", err)
	}
	s.sentLIM = true
	s.lastSent = now
	s.advanceLocked(now)
	return lim, nil
}

// ReceiveHandshake validates a peer's LinkIntroMessage and advances the
// state machine: Initial to HandshakeAck when this side has not sent its
// own LIM yet, or HandshakeSent to Ready when it has, since both sides
// have then exchanged one. Any validation
// failure moves the session to Rejected, per §4.3.
func (s *Session) ReceiveHandshake(lim *LinkIntroMessage, netID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRejected || s.state == StateClosed {
		return fmt.Errorf("link: session is %s", s.state)
	}
	if err := lim.Verify(); err != nil {
		s.state = StateRejected
		return fmt.Errorf("link: reject handshake: %w", err)
	}
	if err := lim.RC.Verify(netID, now); err != nil {
		s.state = StateRejected
		return fmt.Errorf("link: reject handshake: %w", err)
	}
	if lim.RC.RouterID != s.RemoteRouterID {
		s.state = StateRejected
		return fmt.Errorf("link: reject handshake: router id mismatch")
	}
	if _, ok := negotiateVersion(lim.Version); !ok {
		s.state = StateRejected
		return fmt.Errorf("link: reject handshake: unsupported version %d", lim.Version)
	}
	if len(lim.RC.Addresses) == 0 {
		s.state = StateRejected
		return fmt.Errorf("link: reject handshake: no advertised address")
	}

	s.remotePub = lim.RC.Addresses[0].PubKey
	if !s.sentLIM {
		s.nonce = lim.Nonce
	}
	s.recvLIM = true
	s.lastRecv = now
	s.advanceLocked(now)
	return nil
}

// advanceLocked moves HandshakeSent/HandshakeAck to Ready once a LIM has
// both been sent and received, deriving the session key via DHClient (the
// initiating side) or DHServer (the other side) — the same sealer/opener
// role split path.Build uses (§2).
func (s *Session) advanceLocked(now time.Time) {
	switch {
	case s.sentLIM && !s.recvLIM:
		s.state = StateHandshakeSent
	case s.recvLIM && !s.sentLIM:
		s.state = StateHandshakeAck
	case s.sentLIM && s.recvLIM && s.state != StateReady:
		var keys crypto.SessionKeys
		var err error
		if s.isInitiator {
			keys, err = crypto.DHClient(s.localPriv, s.remotePub, s.nonce)
		} else {
			keys, err = crypto.DHServer(s.localPriv, s.remotePub, s.nonce)
		}
		if err != nil {
			s.state = StateRejected
			return
		}
		s.Keys = keys
		s.state = StateReady
		s.lastSent = now
		s.lastRecv = now
	}
}

// Close moves a session towards Closing, the state an explicit shutdown
// or idle timeout puts it in before the transport finishes draining it.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady, StateHandshakeSent, StateHandshakeAck:
		s.state = StateClosing
	}
}

// MarkClosed finalizes a session once its Closing teardown has drained.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// MarkSent records that traffic was just sent on this session, resetting
// the keep-alive clock.
func (s *Session) MarkSent(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSent = now
}

// MarkReceived records that traffic was just received on this session,
// resetting the idle-timeout clock.
func (s *Session) MarkReceived(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRecv = now
}

// NeedsKeepAlive reports whether a Ready session has gone half its idle
// timeout without sending anything and should emit an empty keep-alive
// LinkMessage (§4.3).
func (s *Session) NeedsKeepAlive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && now.Sub(s.lastSent) >= s.IdleTimeout/2
}

// IsDead reports whether a Ready session has gone its full idle timeout
// without receiving anything and should be closed (§4.3).
func (s *Session) IsDead(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && now.Sub(s.lastRecv) >= s.IdleTimeout
}
