package link

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// packetKind is the one-byte tag every UDP datagram leads with, since a
// LinkIntroMessage handshake (sent in the clear, before session keys
// exist) and an encrypted fragment (sent once a session is Ready) share
// the same socket and must be told apart on receipt.
type packetKind byte

const (
	packetKindHandshake packetKind = 1
	packetKindFragment  packetKind = 2
	packetKindRCGossip  packetKind = 3
	packetKindBuild     packetKind = 4
)

// Datagram is one inbound UDP packet delivered by Poll, tagged with the
// source address the reply (if any) should go back to.
type Datagram struct {
	Addr *net.UDPAddr
	Kind packetKind
	Body []byte
}

// lowDelayTOS marks outbound link-layer datagrams with the low-delay DSCP
// codepoint: §4.3 traffic is latency-sensitive fragment-sized UDP, the
// same "mark it so the network prioritizes it" intent the IPTOS_LOWDELAY
// constant exists for.
const lowDelayTOS = 0x10

// Socket is the UDP transport a Router's event loop polls and writes to
// directly (§5: "Socket I/O... runs on the event loop", "the UDP socket
// is owned by the event loop and only written to from there"). It wraps
// the teacher's bare net.UDPConn style (seen in the retrieval pack's own
// UDP discovery listeners) with golang.org/x/net/ipv4's PacketConn so
// link traffic can be marked low-delay the way §4.3's latency budget
// implies it should be.
type Socket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// ListenSocket opens the UDP socket a router's AddressInfo advertises
// (§6: "UDP over IPv4 or IPv6 on the port declared in our RC's
// AddressInfo").
func ListenSocket(bindIP string, port uint16) (*Socket, error) {
	ip := net.ParseIP(bindIP)
	if ip == nil {
		return nil, fmt.Errorf("link: invalid bind address %q", bindIP)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("link: listen udp: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetTOS(lowDelayTOS); err != nil {
		// IPv6-only binds and some platforms reject IPv4 TOS on a dual
		// socket; link traffic still works without the DSCP mark.
		_ = err
	}
	return &Socket{conn: conn, pc: pc}, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SendHandshake wraps and sends a LinkIntroMessage in the clear — there
// is no session key yet to encrypt it with.
func (s *Socket) SendHandshake(addr string, lim *LinkIntroMessage) error {
	body, err := lim.Encode()
	if err != nil {
		return fmt.Errorf("link: encode handshake: %w", err)
	}
	return s.send(addr, packetKindHandshake, body)
}

// SendFragment wraps and sends an already-sealed fragment (link.EncodeFragment's
// output).
func (s *Socket) SendFragment(addr string, fragment []byte) error {
	return s.send(addr, packetKindFragment, fragment)
}

// SendBuild wraps and sends an LR_CommitMessage (path.BuildRequest.Frame,
// encoded) in the clear — like a handshake, it is addressed to a router
// with no session key exchanged yet, or is already sealed per-hop under
// each hop's own long-term key, so it needs no outer session encryption.
func (s *Socket) SendBuild(addr string, frame []byte) error {
	return s.send(addr, packetKindBuild, frame)
}

// SendRCGossip wraps and sends an encoded RouterContact, the §4.9 step 4
// "gossip our own RC to neighbors" payload. RC gossip carries its own
// signature, so it travels in the clear like a handshake rather than
// under a session key.
func (s *Socket) SendRCGossip(addr string, encodedRC []byte) error {
	return s.send(addr, packetKindRCGossip, encodedRC)
}

func (s *Socket) send(addr string, kind packetKind, body []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("link: resolve %s: %w", addr, err)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	if _, err := s.pc.WriteTo(out, nil, udpAddr); err != nil {
		return fmt.Errorf("link: send to %s: %w", addr, err)
	}
	return nil
}

// maxDatagramSize is comfortably above the §4.3 1280 B MTU budget so a
// slightly oversized datagram is still read rather than truncated.
const maxDatagramSize = 1500

// Poll drains every datagram already queued on the socket without
// blocking, the non-blocking "check what's arrived, then get back to the
// rest of the tick" idiom §5's single event loop requires in place of a
// dedicated reader goroutine.
func (s *Socket) Poll() ([]Datagram, error) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return nil, fmt.Errorf("link: set read deadline: %w", err)
	}
	buf := make([]byte, maxDatagramSize)
	var out []Datagram
	for {
		n, _, src, err := s.pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return out, fmt.Errorf("link: read: %w", err)
		}
		udpSrc, ok := src.(*net.UDPAddr)
		if !ok || n < 1 {
			continue
		}
		out = append(out, Datagram{
			Addr: udpSrc,
			Kind: packetKind(buf[0]),
			Body: append([]byte(nil), buf[1:n]...),
		})
	}
	return out, nil
}

// KindHandshake, KindFragment, KindRCGossip, and KindBuild let callers
// outside the package switch on a Datagram's Kind.
const (
	KindHandshake = packetKindHandshake
	KindFragment  = packetKindFragment
	KindRCGossip  = packetKindRCGossip
	KindBuild     = packetKindBuild
)
