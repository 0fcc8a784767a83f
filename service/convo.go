package service

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/cvsouth/lokinet-go/crypto"
	"github.com/cvsouth/lokinet-go/routing"
)

// ConvoState is a convo session's position in the §4.8 state machine:
//
//	Idle --send--> Bootstrapping --PQ-KEM ok--> Active --idle--> Idle --expire--> Closed
//	                           \--PQ-KEM fail--> Closed
type ConvoState uint8

const (
	ConvoIdle ConvoState = iota
	ConvoBootstrapping
	ConvoActive
	ConvoClosed
)

func (s ConvoState) String() string {
	switch s {
	case ConvoIdle:
		return "idle"
	case ConvoBootstrapping:
		return "bootstrapping"
	case ConvoActive:
		return "active"
	case ConvoClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultConvoIdleTimeout is the default idle interval after which an
// Active convo drops to Idle, and an Idle convo expires to Closed (§4.8).
const DefaultConvoIdleTimeout = 2 * time.Minute

// Convo is one end-to-end hidden-service conversation, keyed by ConvoTag.
// The teacher has no analog (Tor's one-shot rendezvous has no persistent
// session); this generalizes `onion.HsNtorClientHandshake`/
// `HsNtorClientCompleteHandshake`'s two-phase client handshake into a full
// session with an idle timeout instead of a one-shot call.
type Convo struct {
	mu sync.Mutex

	Tag         [16]byte
	IdleTimeout time.Duration

	state          ConvoState
	lastTransition time.Time

	SessionKey crypto.ShortHash
	Remote     ServiceInfo
	haveRemote bool

	PendingPayload []byte
}

// NewConvo creates a convo in ConvoIdle.
func NewConvo(tag [16]byte) *Convo {
	return &Convo{
		Tag:         tag,
		IdleTimeout: DefaultConvoIdleTimeout,
		state:       ConvoIdle,
	}
}

// State returns the convo's current state.
func (c *Convo) State() ConvoState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send begins an outbound conversation: Idle moves to Bootstrapping and
// payload is held until the PQ-KEM handshake resolves (§4.8 step 5).
func (c *Convo) Send(payload []byte, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConvoIdle {
		return fmt.Errorf("convo: cannot send from state %s", c.state)
	}
	c.state = ConvoBootstrapping
	c.lastTransition = now
	c.PendingPayload = payload
	return nil
}

// HandshakeSucceeded records a completed PQ-KEM handshake, moving
// Bootstrapping to Active and caching the session key and sender identity
// under this convo's tag (§4.8 step 4).
func (c *Convo) HandshakeSucceeded(key crypto.ShortHash, remote ServiceInfo, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConvoBootstrapping {
		return fmt.Errorf("convo: cannot complete handshake from state %s", c.state)
	}
	c.SessionKey = key
	c.Remote = remote
	c.haveRemote = true
	c.state = ConvoActive
	c.lastTransition = now
	return nil
}

// HandshakeFailed closes the convo after a failed PQ-KEM decryption or
// signature verification (§4.8).
func (c *Convo) HandshakeFailed(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConvoBootstrapping {
		c.state = ConvoClosed
		c.lastTransition = now
		c.PendingPayload = nil
	}
}

// Touch records activity on an Active convo, resetting its idle clock.
func (c *Convo) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConvoActive {
		c.lastTransition = now
	}
}

// Tick advances the idle/expire transitions: an Active convo untouched
// for IdleTimeout drops to Idle (dropping any pending payload); an Idle
// convo untouched for a further IdleTimeout closes outright.
func (c *Convo) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ConvoActive:
		if now.Sub(c.lastTransition) >= c.IdleTimeout {
			c.state = ConvoIdle
			c.lastTransition = now
			c.PendingPayload = nil
		}
	case ConvoIdle:
		if !c.lastTransition.IsZero() && now.Sub(c.lastTransition) >= c.IdleTimeout {
			c.state = ConvoClosed
			c.lastTransition = now
		}
	}
}

// RemoteService returns the cached sender identity once the handshake has
// succeeded at least once for this tag.
func (c *Convo) RemoteService() (ServiceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Remote, c.haveRemote
}

// EncodeFrame wraps payload in a routing.ProtocolFrame keyed by this
// convo's SessionKey and returns the wire bytes to send down the path
// (§4.8 step 5: "an XChaCha20 nonce, and a BLAKE2s MAC over
// nonce||payload"). kemCiphertext is non-nil only on the session-opening
// frame, before the handshake has completed.
func (c *Convo) EncodeFrame(payload []byte, kemCiphertext []byte) ([]byte, error) {
	c.mu.Lock()
	key := c.SessionKey
	c.mu.Unlock()

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("convo: encode frame: %w", err)
	}
	mac, err := crypto.HMAC(key[:], nonce[:], payload)
	if err != nil {
		return nil, fmt.Errorf("convo: encode frame: %w", err)
	}
	frame := &routing.ProtocolFrame{
		KEMCiphertext: kemCiphertext,
		Nonce:         nonce,
		MAC:           mac,
		Payload:       payload,
	}
	return routing.Encode(frame)
}

// DecodeFrame unwraps a routing.ProtocolFrame previously produced by
// EncodeFrame, verifying its MAC under this convo's SessionKey.
func (c *Convo) DecodeFrame(data []byte) ([]byte, []byte, error) {
	msg, err := routing.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("convo: decode frame: %w", err)
	}
	frame, ok := msg.(*routing.ProtocolFrame)
	if !ok {
		return nil, nil, fmt.Errorf("convo: decode frame: unexpected kind %s", msg.Kind())
	}

	c.mu.Lock()
	key := c.SessionKey
	c.mu.Unlock()

	if !crypto.VerifyHMAC(key[:], frame.MAC, frame.Nonce[:], frame.Payload) {
		return nil, nil, fmt.Errorf("convo: decode frame: mac mismatch")
	}
	return frame.Payload, frame.KEMCiphertext, nil
}
