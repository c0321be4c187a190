package federation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"meshchat/internal/channel"
	"meshchat/internal/crypto"
	"meshchat/internal/identity"
	"meshchat/internal/proto"
	"meshchat/internal/transport"
)

// runLink drives one transport connection from handshake to teardown.
// Both directions land here; the transport has already proven the remote
// key and checked the allowlist for inbound links.
func (m *Manager) runLink(ctx context.Context, conn *transport.Conn) {
	peer, err := m.handshake(conn)
	if err != nil {
		m.log.Debug("handshake failed",
			zap.String("peer", conn.PeerID.Short()), zap.Error(err))
		conn.Reject()
		return
	}
	defer m.removePeer(conn.PeerID, peer.gen)

	go m.writeLoop(peer)

	// A fresh link always starts with a targeted state exchange.
	m.requestSync(conn.PeerID)
	m.promoteRotation(conn.PeerID)

	m.readLoop(ctx, conn, peer)
}

// handshake exchanges Hello/HelloAck. Peering needs mutual consent: each
// side sends a Hello, each side answers with an Ack, and an Ack carrying
// accepted=false from either side kills the link.
func (m *Manager) handshake(conn *transport.Conn) (*peerEntry, error) {
	trust, ok := m.trustFor(conn.PeerID)
	if !ok {
		// Outbound allowlisting is checked here for symmetry with the
		// inbound transport gate, so a dial to an unconfigured endpoint
		// can never complete.
		return nil, errors.New("endpoint not in allowlist")
	}

	hello, err := proto.EncodeHello(proto.Hello{
		EndpointID: m.ident.ID.String(),
		ServerName: m.cfg.ServerName,
		TrustLevel: trust.String(),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(hello); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var remoteName string
	gotHello, gotAck := false, false
	for !gotHello || !gotAck {
		msg, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch proto.PeekType(msg) {
		case proto.MsgTypeHello:
			h, err := proto.DecodeHello(msg)
			if err != nil {
				return nil, err
			}
			if h.ProtocolVersion > 0 && h.ProtocolVersion != proto.ProtocolVersion {
				m.log.Info("peer speaks a different protocol version",
					zap.String("peer", conn.PeerID.Short()), zap.Int("version", h.ProtocolVersion))
			}
			// The claimed endpoint ID is advisory. The transport-proven
			// identity wins, always.
			if h.EndpointID != conn.PeerID.String() {
				m.log.Warn("hello claims a different endpoint id, using authenticated identity",
					zap.String("claimed", h.EndpointID),
					zap.String("authenticated", conn.PeerID.String()))
			}
			remoteName = h.ServerName
			ack, err := proto.EncodeHelloAck(proto.HelloAck{
				EndpointID: m.ident.ID.String(),
				Accepted:   true,
				TrustLevel: trust.String(),
			})
			if err != nil {
				return nil, err
			}
			if err := conn.WriteMessage(ack); err != nil {
				return nil, err
			}
			gotHello = true
		case proto.MsgTypeHelloAck:
			a, err := proto.DecodeHelloAck(msg)
			if err != nil {
				return nil, err
			}
			if !a.Accepted {
				return nil, errors.New("peer declined peering")
			}
			gotAck = true
		default:
			return nil, errors.New("unexpected message during handshake")
		}
	}

	if remoteName == "" {
		remoteName = conn.PeerID.Short()
	}
	peer, ok := m.addPeer(conn, remoteName, trust)
	if !ok {
		return nil, errors.New("duplicate link lost the tie-break")
	}
	return peer, nil
}

// writeLoop is the only goroutine writing this link after the handshake.
func (m *Manager) writeLoop(p *peerEntry) {
	for {
		select {
		case <-p.closed:
			return
		case frame := <-p.sendq:
			if err := p.conn.WriteMessage(frame); err != nil {
				m.log.Debug("write failed, closing link",
					zap.String("peer", p.conn.PeerID.Short()), zap.Error(err))
				m.removePeer(p.conn.PeerID, p.gen)
				return
			}
			m.met.AddSyncSent(len(frame))
		}
	}
}

// readLoop pulls frames until the link dies. Envelope traffic goes through
// the verification pipeline; bare key rotations are handled directly.
func (m *Manager) readLoop(ctx context.Context, conn *transport.Conn, peer *peerEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-peer.closed:
			return
		default:
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.met.AddSyncReceived(len(msg))
		switch proto.PeekType(msg) {
		case proto.MsgTypeEnvelope:
			m.handleEnvelope(conn, peer, msg)
		case proto.MsgTypeKeyRotation:
			m.handleRotation(conn, msg)
		case proto.MsgTypeHello, proto.MsgTypeHelloAck:
			// Late handshake chatter is harmless.
		default:
			m.met.IncDropMalformed()
			m.log.Warn("unknown message type from peer",
				zap.String("peer", conn.PeerID.Short()),
				zap.String("type", proto.PeekType(msg)))
		}
	}
}

// handleEnvelope runs the fixed admission pipeline: signer binding and
// signature first, then dedup, then rate limit, then authorization, and
// only then the reducer. Every drop is silent on the wire.
func (m *Manager) handleEnvelope(conn *transport.Conn, peer *peerEntry, msg []byte) {
	env, err := proto.DecodeEnvelope(msg)
	if err != nil {
		m.met.IncDropMalformed()
		m.log.Warn("malformed envelope", zap.String("peer", conn.PeerID.Short()))
		return
	}
	if env.Signer != conn.PeerID.String() {
		m.met.IncDropBadSig()
		m.log.Warn("envelope signer does not match link identity",
			zap.String("peer", conn.PeerID.Short()), zap.String("signer", env.Signer))
		return
	}
	if !crypto.Verify(conn.PeerPub, proto.EnvelopeSignBytes(env.Payload), env.Sig) {
		m.met.IncDropBadSig()
		m.log.Warn("envelope signature invalid", zap.String("peer", conn.PeerID.Short()))
		return
	}
	m.met.IncVerified()

	ev, err := proto.DecodeEvent(env.Payload)
	if err != nil {
		m.met.IncDropMalformed()
		m.log.Warn("malformed event payload", zap.String("peer", conn.PeerID.Short()))
		return
	}
	if ev.Type == proto.EventPeerGone {
		// Local-only synthetic kind; never accepted off the wire.
		m.met.IncDropMalformed()
		return
	}

	if proto.Stateful(ev.Type) && peer.dedup.seen(ev.EventID) {
		m.met.IncDropDuplicate()
		return
	}
	if !peer.bucket.allow() {
		m.met.IncDropRate()
		m.log.Warn("peer over event rate limit", zap.String("peer", conn.PeerID.Short()))
		return
	}
	if !Authorize(ev.Type, peer.trust, claimedActor(ev), m.rosterFor(conn.PeerID, ev.Channel)) {
		m.met.IncDropUnauthorized()
		m.log.Warn("unauthorized event dropped",
			zap.String("peer", conn.PeerID.Short()),
			zap.String("kind", ev.Type),
			zap.String("trust", peer.trust.String()))
		return
	}

	m.applyRemote(conn.PeerID, ev)
}

// claimedActor extracts the acting identity an event names, when the kind
// carries one distinct from the origin server.
func claimedActor(ev proto.Event) string {
	switch ev.Type {
	case proto.EventTopic, proto.EventMode:
		return ev.SetBy
	case proto.EventKick, proto.EventBan:
		return ev.By
	default:
		return ""
	}
}

// rosterFor builds the roster predicate Authorize consults: is this nick
// vouched for by this peer in this channel.
func (m *Manager) rosterFor(peerID identity.EndpointID, channelName string) func(string) bool {
	if channelName == "" {
		return nil
	}
	origin := peerID.String()
	return func(nick string) bool {
		found := false
		m.reg.With(channelName, func(st *channel.State) {
			found = st.HasRemoteFrom(origin, nick)
		})
		return found
	}
}
