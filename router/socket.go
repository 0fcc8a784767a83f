package router

import (
	"crypto/rand"
	"time"

	"github.com/cvsouth/lokinet-go/link"
	"github.com/cvsouth/lokinet-go/path"
	"github.com/cvsouth/lokinet-go/rc"
	"github.com/cvsouth/lokinet-go/routing"
)

// pollSocket drains every UDP datagram currently queued on the socket and
// dispatches each to the session/handshake/gossip handling it needs,
// implementing §5's "socket I/O... runs on the event loop": Router never
// spawns a reader goroutine, it only ever touches the socket from here.
func (r *Router) pollSocket(now time.Time) {
	datagrams, err := r.sock.Poll()
	if err != nil {
		r.cfg.Logger.Debug("poll socket", "error", err)
	}
	for _, dg := range datagrams {
		r.handleDatagram(dg, now)
	}
}

func (r *Router) handleDatagram(dg link.Datagram, now time.Time) {
	switch dg.Kind {
	case link.KindHandshake:
		r.handleHandshake(dg, now)
	case link.KindFragment:
		r.handleFragment(dg, now)
	case link.KindBuild:
		r.handleBuild(dg, now)
	case link.KindRCGossip:
		r.handleRCGossip(dg, now)
	default:
		r.cfg.Logger.Debug("unknown datagram kind", "kind", dg.Kind, "addr", dg.Addr)
	}
}

// handleHandshake processes an inbound LinkIntroMessage, replying with
// our own handshake half if the peer initiated: the responder's session
// moves Initial -> HandshakeAck on receipt and to Ready once its reply is
// built, while the initiator's moves HandshakeSent -> Ready (§4.3).
func (r *Router) handleHandshake(dg link.Datagram, now time.Time) {
	lim, err := link.DecodeLinkIntro(dg.Body)
	if err != nil {
		r.cfg.Logger.Debug("decode handshake", "addr", dg.Addr, "error", err)
		return
	}

	addrKey := dg.Addr.String()
	r.mu.Lock()
	session, ok := r.sessionsByAddr[addrKey]
	if !ok {
		session = link.NewSession(r.RouterID(), lim.RC.RouterID, addrKey, r.linkPriv)
		r.sessions[lim.RC.RouterID] = session
		r.sessionsByAddr[addrKey] = session
	}
	r.mu.Unlock()

	if err := session.ReceiveHandshake(lim, r.cfg.NetID, now); err != nil {
		r.cfg.Logger.Debug("reject handshake", "addr", dg.Addr, "error", err)
		return
	}
	if session.State() != link.StateHandshakeAck {
		return
	}

	reply, err := session.BuildHandshake(r.rc, r.signPriv, now)
	if err != nil {
		r.cfg.Logger.Debug("build handshake reply", "addr", dg.Addr, "error", err)
		return
	}
	if err := r.sock.SendHandshake(addrKey, reply); err != nil {
		r.cfg.Logger.Debug("send handshake reply", "addr", dg.Addr, "error", err)
	}
}

// neighborAt returns the RouterID addressed by dg's source address, via
// whatever Ready link session already exists there. Both build frames and
// fragmented relay traffic are only ever accepted from a router whose
// link-layer identity we already know this way.
func (r *Router) neighborAt(addr string) (rc.RouterID, bool) {
	r.mu.Lock()
	session, ok := r.sessionsByAddr[addr]
	r.mu.Unlock()
	if !ok || session.State() != link.StateReady {
		return rc.RouterID{}, false
	}
	return session.RemoteRouterID, true
}

// handleBuild processes an inbound LR_CommitMessage frame (§4.5): peel
// this router's onion layer, validate and install the TransitHop it
// describes, and — unless this router is the path's terminus — forward
// the nested frame on to the next hop over its own link session.
func (r *Router) handleBuild(dg link.Datagram, now time.Time) {
	prevHop, ok := r.neighborAt(dg.Addr.String())
	if !ok {
		r.cfg.Logger.Debug("build frame from unknown neighbor", "addr", dg.Addr)
		return
	}

	frame, err := path.DecodeFrame(dg.Body)
	if err != nil {
		r.cfg.Logger.Debug("decode build frame", "addr", dg.Addr, "error", err)
		return
	}

	outcome, err := r.transit.ProcessBuild(prevHop, r.linkPriv, frame)
	if err != nil {
		r.cfg.Logger.Debug("process build", "addr", dg.Addr, "error", err)
		return
	}
	if outcome.Terminal {
		return
	}

	r.mu.Lock()
	nextSession, ok := r.sessions[outcome.NextHop]
	r.mu.Unlock()
	if !ok || nextSession.State() != link.StateReady {
		r.cfg.Logger.Debug("no ready session to next build hop", "next", outcome.NextHop)
		return
	}
	if err := r.sock.SendBuild(nextSession.RemoteAddr, outcome.Forward.Encode()); err != nil {
		r.cfg.Logger.Debug("forward build frame", "next", outcome.NextHop, "error", err)
		return
	}
	nextSession.MarkSent(now)
}

// handleFragment reassembles and MAC-verifies a fragment belonging to an
// already-Ready session, decoding the completed message once every
// fragment of it has arrived and dispatching on its routing.Kind. A
// fragment from an address with no Ready session is dropped: there is no
// key material to decrypt it with.
func (r *Router) handleFragment(dg link.Datagram, now time.Time) {
	addrKey := dg.Addr.String()
	r.mu.Lock()
	session, ok := r.sessionsByAddr[addrKey]
	r.mu.Unlock()
	if !ok || session.State() != link.StateReady {
		return
	}

	msgID, offset, totalLen, payload, err := link.DecodeFragment(session.Keys, dg.Body)
	if err != nil {
		r.cfg.Logger.Debug("decode fragment", "addr", dg.Addr, "error", err)
		return
	}
	session.MarkReceived(now)

	reassembled, complete := session.Reassembler.Add(msgID, offset, totalLen, payload)
	if !complete {
		return
	}

	msg, err := routing.Decode(reassembled)
	if err != nil {
		r.cfg.Logger.Debug("decode routing message", "addr", dg.Addr, "error", err)
		return
	}

	switch m := msg.(type) {
	case *routing.RelayUpstream:
		r.handleRelayUpstream(session.RemoteRouterID, m, now)
	case *routing.RelayDownstream:
		r.handleRelayDownstream(session.RemoteRouterID, m, now)
	default:
		r.cfg.Logger.Debug("unhandled routing message kind at transit hop", "kind", msg.Kind(), "addr", dg.Addr)
	}
}

// handleRelayUpstream peels this router's transit layer from a forward-
// direction relay message and either hands it off as recognized (this
// router is the path's exit) or rewrites and forwards it to the next hop
// (§4.5 steady-state forwarding).
func (r *Router) handleRelayUpstream(fromNeighbor rc.RouterID, m *routing.RelayUpstream, now time.Time) {
	out, err := r.transit.HandleForward(fromNeighbor, m.PathID, m.Y, m.X)
	if err != nil {
		r.cfg.Logger.Debug("handle relay upstream", "from", fromNeighbor, "path", m.PathID, "error", err)
		return
	}
	if out.Duplicate {
		return
	}
	if out.Recognized {
		if r.OnRelayRecognized != nil {
			r.OnRelayRecognized(m.PathID, out.RelayCmd, out.StreamID, out.Data)
		} else {
			r.cfg.Logger.Debug("relay message recognized at exit hop", "path", m.PathID, "relayCmd", out.RelayCmd, "streamID", out.StreamID)
		}
		return
	}
	r.forwardRoutingMessage(out.NextHop, &routing.RelayUpstream{PathID: out.NextPathID, X: m.X, Y: m.Y}, now)
}

// handleRelayDownstream adds this router's transit layer to a backward-
// direction relay message that originated further inward and forwards it
// on toward the client, the mirror of handleRelayUpstream.
func (r *Router) handleRelayDownstream(fromNeighbor rc.RouterID, m *routing.RelayDownstream, now time.Time) {
	out, err := r.transit.ForwardBackward(fromNeighbor, m.PathID, m.Y, m.X)
	if err != nil {
		r.cfg.Logger.Debug("handle relay downstream", "from", fromNeighbor, "path", m.PathID, "error", err)
		return
	}
	if out.Duplicate {
		return
	}
	r.forwardRoutingMessage(out.PrevHop, &routing.RelayDownstream{PathID: out.PrevPathID, X: m.X, Y: m.Y}, now)
}

// forwardRoutingMessage re-encodes msg (already rewritten with the next
// hop's (neighbor, direction) id by the caller) with a fresh outer nonce
// — each hop-to-hop transmission gets its own, rather than reusing the
// nonce a message arrived with, so every neighbor's replay window guards
// against duplicates of the exact datagram it itself received — and
// fragments it across to's Ready link session.
func (r *Router) forwardRoutingMessage(to rc.RouterID, msg routing.Message, now time.Time) {
	switch m := msg.(type) {
	case *routing.RelayUpstream:
		if _, err := rand.Read(m.Y[:]); err != nil {
			r.cfg.Logger.Debug("generate relay upstream nonce", "to", to, "error", err)
			return
		}
	case *routing.RelayDownstream:
		if _, err := rand.Read(m.Y[:]); err != nil {
			r.cfg.Logger.Debug("generate relay downstream nonce", "to", to, "error", err)
			return
		}
	}
	r.sendRoutingMessage(to, msg, now)
}

// sendRoutingMessage encodes msg, splits it across one or more fragments
// under to's link session, and sends each in turn.
func (r *Router) sendRoutingMessage(to rc.RouterID, msg routing.Message, now time.Time) {
	r.mu.Lock()
	session, ok := r.sessions[to]
	r.mu.Unlock()
	if !ok || session.State() != link.StateReady {
		r.cfg.Logger.Debug("no ready session to route message to", "to", to, "kind", msg.Kind())
		return
	}

	encoded, err := routing.Encode(msg)
	if err != nil {
		r.cfg.Logger.Debug("encode routing message", "to", to, "error", err)
		return
	}
	fragments, err := link.SplitMessage(session.Keys, session.NextMsgID(), encoded)
	if err != nil {
		r.cfg.Logger.Debug("split routing message", "to", to, "error", err)
		return
	}
	for _, fragment := range fragments {
		if err := r.sock.SendFragment(session.RemoteAddr, fragment); err != nil {
			r.cfg.Logger.Debug("send fragment", "to", to, "error", err)
			return
		}
	}
	session.MarkSent(now)
}

// handleRCGossip verifies and stores a peer-gossiped RouterContact
// (§4.9 step 4), the receiving half of maybeGossip's send.
func (r *Router) handleRCGossip(dg link.Datagram, now time.Time) {
	contact, err := rc.Decode(dg.Body)
	if err != nil {
		r.cfg.Logger.Debug("decode rc gossip", "addr", dg.Addr, "error", err)
		return
	}
	if err := contact.Verify(r.cfg.NetID, now); err != nil {
		r.cfg.Logger.Debug("reject rc gossip", "addr", dg.Addr, "error", err)
		return
	}
	if err := r.db.Put(contact); err != nil {
		r.cfg.Logger.Debug("store gossiped rc", "addr", dg.Addr, "error", err)
	}
}
